package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"credit-orchestrator/internal/credits"
)

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusPending, StatusReserving},
		{StatusReserving, StatusRunning},
		{StatusReserving, StatusFailed},
		{StatusRunning, StatusCommitting},
		{StatusCommitting, StatusCompleted},
		{StatusRunning, StatusRetryWait},
		{StatusRetryWait, StatusReserving},
		{StatusRetryWait, StatusRunning},
		{StatusRunning, StatusReleasing},
		{StatusReleasing, StatusFailed},
		{StatusPending, StatusCancelled},
		{StatusRunning, StatusCancelled},
		{StatusRetryWait, StatusCancelled},
	}
	for _, tt := range allowed {
		assert.True(t, CanTransition(tt.from, tt.to), "%s -> %s should be allowed", tt.from, tt.to)
	}

	rejected := []struct{ from, to Status }{
		{StatusPending, StatusRunning},
		{StatusPending, StatusCompleted},
		{StatusRunning, StatusCompleted},
		{StatusRunning, StatusFailed},
		{StatusCommitting, StatusCancelled},
		{StatusReleasing, StatusCancelled},
		{StatusCompleted, StatusCancelled},
		{StatusFailed, StatusPending},
		{StatusCancelled, StatusReserving},
	}
	for _, tt := range rejected {
		assert.False(t, CanTransition(tt.from, tt.to), "%s -> %s should be rejected", tt.from, tt.to)
	}
}

func TestTerminalAndLeased(t *testing.T) {
	for _, s := range TerminalStatuses() {
		assert.True(t, s.Terminal())
		assert.False(t, s.Leased())
	}
	assert.True(t, StatusRunning.Leased())
	assert.False(t, StatusRetryWait.Leased())
	assert.False(t, StatusPending.Leased())
}

func TestFoldBalance(t *testing.T) {
	entries := []LedgerEntry{
		{Kind: EntryAdjust, Amount: credits.FromUnits(10)},
		{Kind: EntryReserve, Amount: -credits.FromUnits(4)},
		{Kind: EntryCommit, Amount: -credits.FromUnits(4)},
		{Kind: EntryReserve, Amount: -credits.FromUnits(2)},
		{Kind: EntryRelease, Amount: credits.FromUnits(2)},
		{Kind: EntryRefund, Amount: credits.FromUnits(1)},
	}
	assert.Equal(t, credits.FromUnits(7), FoldBalance(entries))
}

func TestViewHidesResultUntilCompleted(t *testing.T) {
	j := Job{ID: "j1", Status: StatusRunning, Result: []byte(`{"text":"hi"}`), NextRunAt: time.Now()}
	assert.Nil(t, j.View().Result)

	j.Status = StatusCompleted
	assert.JSONEq(t, `{"text":"hi"}`, string(j.View().Result))

	j.Status = StatusRetryWait
	assert.NotNil(t, j.View().NextAttemptAt)
}

func TestPatchApply(t *testing.T) {
	j := Job{LastError: Ptr("boom")}
	started := time.Now()
	JobPatch{
		Attempts:       Ptr(2),
		ClearLastError: true,
		Provider:       Ptr("whisper-a"),
		StartedAt:      &started,
	}.Apply(&j)
	assert.Equal(t, 2, j.Attempts)
	assert.Nil(t, j.LastError)
	assert.Equal(t, "whisper-a", j.Provider)
	assert.NotNil(t, j.StartedAt)

	later := started.Add(time.Hour)
	JobPatch{StartedAt: &later}.Apply(&j)
	assert.True(t, j.StartedAt.Equal(started), "started_at is set once")
}
