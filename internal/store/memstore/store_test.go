package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"credit-orchestrator/internal/models"
	"credit-orchestrator/internal/port"
)

func createJob(t *testing.T, s *Store, resource, key string, reject bool) (models.Job, bool, error) {
	t.Helper()
	return s.CreateJob(context.Background(), port.CreateJobParams{
		AccountID:     "acct",
		Capability:    "transcribe",
		ResourceKey:   resource,
		SubmissionKey: key,
		Priority:      models.PriorityDefault,
		MaxAttempts:   3,
		RejectIfBusy:  reject,
	})
}

func TestCreateJobIdempotency(t *testing.T) {
	s := New()
	first, dup, err := createJob(t, s, "", "sub-1", false)
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, models.StatusPending, first.Status)

	second, dup, err := createJob(t, s, "", "sub-1", false)
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, first.ID, second.ID)

	found, ok, err := s.FindBySubmissionKey(context.Background(), "acct", "sub-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first.ID, found.ID)

	_, ok, _ = s.FindBySubmissionKey(context.Background(), "other", "sub-1")
	assert.False(t, ok, "keys are scoped per account")
}

func TestRejectIfBusy(t *testing.T) {
	s := New()
	first, _, err := createJob(t, s, "asset-1", "", true)
	require.NoError(t, err)
	_, _, err = createJob(t, s, "asset-1", "", true)
	require.ErrorIs(t, err, models.ErrResourceBusy)

	_, err = s.Transition(context.Background(), port.TransitionParams{
		JobID: first.ID, From: []models.Status{models.StatusPending}, To: models.StatusCancelled,
	})
	require.NoError(t, err)
	_, _, err = createJob(t, s, "asset-1", "", true)
	require.NoError(t, err, "terminal jobs no longer block the resource")
}

func TestClaimTakesResourceLock(t *testing.T) {
	ctx := context.Background()
	s := New()
	a, _, _ := createJob(t, s, "asset-1", "", false)
	b, _, _ := createJob(t, s, "asset-1", "", false)
	until := time.Now().Add(time.Minute)

	claimed, err := s.Claim(ctx, port.TransitionParams{
		JobID: a.ID, From: []models.Status{models.StatusPending}, To: models.StatusReserving,
		Owner: "w1", LeaseUntil: until,
	})
	require.NoError(t, err)
	assert.Equal(t, "w1", claimed.LeaseOwner)

	_, err = s.Claim(ctx, port.TransitionParams{
		JobID: b.ID, From: []models.Status{models.StatusPending}, To: models.StatusReserving,
		Owner: "w2", LeaseUntil: until,
	})
	require.ErrorIs(t, err, models.ErrResourceBusy)
	still, _ := s.GetJob(ctx, b.ID)
	assert.Equal(t, models.StatusPending, still.Status, "a busy claim leaves the job untouched")

	_, err = s.Transition(ctx, port.TransitionParams{
		JobID: a.ID, From: []models.Status{models.StatusReserving}, To: models.StatusFailed,
		Owner: "w1", Patch: models.JobPatch{FailureReason: models.Ptr(models.ReasonInsufficientCredit)},
	})
	require.NoError(t, err)
	_, held := s.ResourceHolder("asset-1")
	assert.False(t, held)

	_, err = s.Claim(ctx, port.TransitionParams{
		JobID: b.ID, From: []models.Status{models.StatusPending}, To: models.StatusReserving,
		Owner: "w2", LeaseUntil: until,
	})
	require.NoError(t, err)
}

func TestTransitionCAS(t *testing.T) {
	ctx := context.Background()
	s := New()
	j, _, _ := createJob(t, s, "", "", false)

	_, err := s.Transition(ctx, port.TransitionParams{
		JobID: j.ID, From: []models.Status{models.StatusRunning}, To: models.StatusCommitting,
	})
	require.ErrorIs(t, err, models.ErrStatusMismatch)

	_, err = s.Transition(ctx, port.TransitionParams{
		JobID: j.ID, From: []models.Status{models.StatusPending}, To: models.StatusCompleted,
	})
	require.ErrorIs(t, err, models.ErrInvalidInput, "edge not in the state machine")

	_, err = s.Claim(ctx, port.TransitionParams{
		JobID: j.ID, From: []models.Status{models.StatusPending}, To: models.StatusReserving,
		Owner: "w1", LeaseUntil: time.Now().Add(time.Minute),
	})
	require.NoError(t, err)
	_, err = s.Transition(ctx, port.TransitionParams{
		JobID: j.ID, From: []models.Status{models.StatusReserving}, To: models.StatusRunning, Owner: "intruder",
	})
	require.ErrorIs(t, err, models.ErrLeaseLost)

	running, err := s.Transition(ctx, port.TransitionParams{
		JobID: j.ID, From: []models.Status{models.StatusReserving}, To: models.StatusRunning, Owner: "w1",
		Patch: models.JobPatch{Attempts: models.Ptr(1), Provider: models.Ptr("p1")},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, running.Attempts)
	assert.Equal(t, "p1", running.Provider)

	require.NoError(t, s.ExtendLease(ctx, j.ID, "w1", time.Now().Add(time.Hour)))
	require.ErrorIs(t, s.ExtendLease(ctx, j.ID, "w2", time.Now()), models.ErrLeaseLost)
}

func TestReclaimExpired(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	s := New()
	j, _, _ := createJob(t, s, "", "", false)
	_, err := s.Claim(ctx, port.TransitionParams{
		JobID: j.ID, From: []models.Status{models.StatusPending}, To: models.StatusReserving,
		Owner: "dead-worker", LeaseUntil: now.Add(time.Second),
	})
	require.NoError(t, err)

	got, err := s.ReclaimExpired(ctx, now, 10, "sweeper", now.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, got)

	s.ExpireLease(j.ID)
	got, err = s.ReclaimExpired(ctx, now, 10, "sweeper", now.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "sweeper", got[0].LeaseOwner)
}

func TestListDispatchableAndHistory(t *testing.T) {
	ctx := context.Background()
	s := New()
	later := time.Now().Add(time.Hour)
	due, _, _ := createJob(t, s, "", "", false)
	_, _, err := s.CreateJob(ctx, port.CreateJobParams{AccountID: "acct", Capability: "x", RunAt: later, MaxAttempts: 1})
	require.NoError(t, err)

	jobs, err := s.ListDispatchable(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, due.ID, jobs[0].ID)

	all, _ := s.ListByAccount(ctx, "acct", false, 0)
	assert.Len(t, all, 2)

	require.NoError(t, s.AppendAudit(ctx, due.ID, "submitted", ""))
	require.NoError(t, s.AppendAudit(ctx, due.ID, "reserving", "w1"))
	hist, err := s.History(ctx, due.ID)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "submitted", hist[0].Event)

	_, err = s.History(ctx, "missing")
	require.ErrorIs(t, err, models.ErrNotFound)
}
