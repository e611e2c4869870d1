package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"credit-orchestrator/internal/models"
	"credit-orchestrator/internal/port"
)

func submissionIndex(accountID, key string) string { return accountID + "\x00" + key }

// CreateJob inserts a job row, honoring the submission idempotency key.
func (s *Store) CreateJob(_ context.Context, p port.CreateJobParams) (models.Job, bool, error) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	if p.SubmissionKey != "" {
		if id, ok := s.submissions[submissionIndex(p.AccountID, p.SubmissionKey)]; ok {
			return cloneJob(s.jobs[id]), true, nil
		}
	}
	if p.RejectIfBusy && p.ResourceKey != "" {
		for _, j := range s.jobs {
			if j.ResourceKey == p.ResourceKey && !j.Status.Terminal() {
				return models.Job{}, false, fmt.Errorf("%w: job %s", models.ErrResourceBusy, j.ID)
			}
		}
	}

	now := s.now().UTC()
	runAt := p.RunAt
	if runAt.IsZero() {
		runAt = now
	}
	job := &models.Job{
		ID:          uuid.New().String(),
		AccountID:   p.AccountID,
		Capability:  p.Capability,
		ResourceKey: p.ResourceKey,
		ContentRef:  p.ContentRef,
		Priority:    p.Priority,
		Options:     p.Options,
		Status:      models.StatusPending,
		MaxAttempts: p.MaxAttempts,
		NextRunAt:   runAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if job.Options == nil {
		job.Options = map[string]any{}
	}
	if p.SubmissionKey != "" {
		key := p.SubmissionKey
		job.SubmissionKey = &key
		s.submissions[submissionIndex(p.AccountID, p.SubmissionKey)] = job.ID
	}
	s.jobs[job.ID] = job
	s.jobOrder = append(s.jobOrder, job.ID)
	return cloneJob(job), false, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(_ context.Context, id string) (models.Job, error) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return models.Job{}, models.ErrNotFound
	}
	return cloneJob(j), nil
}

// FindBySubmissionKey returns the job admitted for the key, if any.
func (s *Store) FindBySubmissionKey(_ context.Context, accountID, key string) (models.Job, bool, error) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	id, ok := s.submissions[submissionIndex(accountID, key)]
	if !ok {
		return models.Job{}, false, nil
	}
	return cloneJob(s.jobs[id]), true, nil
}

// ListByAccount returns the account's jobs, newest first.
func (s *Store) ListByAccount(_ context.Context, accountID string, active bool, limit int) ([]models.Job, error) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	var out []models.Job
	for i := len(s.jobOrder) - 1; i >= 0; i-- {
		j := s.jobs[s.jobOrder[i]]
		if j.AccountID != accountID || (active && j.Status.Terminal()) {
			continue
		}
		out = append(out, cloneJob(j))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Claim moves a waiting job into a leased state and takes its resource lock.
func (s *Store) Claim(_ context.Context, p port.TransitionParams) (models.Job, error) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	j, err := s.casTargetLocked(p)
	if err != nil {
		return models.Job{}, err
	}
	if j.ResourceKey != "" {
		if holder, ok := s.locks[j.ResourceKey]; ok && holder != j.ID {
			return models.Job{}, fmt.Errorf("%w: held by %s", models.ErrResourceBusy, holder)
		}
		s.locks[j.ResourceKey] = j.ID
	}
	s.applyLocked(j, p)
	return cloneJob(j), nil
}

// Transition applies a compare-and-swap on status.
func (s *Store) Transition(_ context.Context, p port.TransitionParams) (models.Job, error) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	j, err := s.casTargetLocked(p)
	if err != nil {
		return models.Job{}, err
	}
	if p.Owner != "" && j.Status.Leased() && j.LeaseOwner != p.Owner {
		return models.Job{}, models.ErrLeaseLost
	}
	s.applyLocked(j, p)
	return cloneJob(j), nil
}

// ExtendLease pushes the lease deadline forward for the current owner.
func (s *Store) ExtendLease(_ context.Context, jobID, owner string, until time.Time) error {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return models.ErrNotFound
	}
	if !j.Status.Leased() || j.LeaseOwner != owner {
		return models.ErrLeaseLost
	}
	u := until.UTC()
	j.LeaseExpiresAt = &u
	return nil
}

// ReclaimExpired takes over leases that expired before now.
func (s *Store) ReclaimExpired(_ context.Context, now time.Time, limit int, owner string, until time.Time) ([]models.Job, error) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	var out []models.Job
	for _, id := range s.jobOrder {
		j := s.jobs[id]
		if !j.Status.Leased() || j.LeaseExpiresAt == nil || !j.LeaseExpiresAt.Before(now) {
			continue
		}
		u := until.UTC()
		j.LeaseOwner = owner
		j.LeaseExpiresAt = &u
		j.UpdatedAt = s.now().UTC()
		out = append(out, cloneJob(j))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ListDispatchable returns PENDING and RETRY_WAIT jobs due at now.
func (s *Store) ListDispatchable(_ context.Context, now time.Time, limit int) ([]models.Job, error) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	var out []models.Job
	for _, id := range s.jobOrder {
		j := s.jobs[id]
		if j.Status != models.StatusPending && j.Status != models.StatusRetryWait {
			continue
		}
		if j.NextRunAt.After(now) {
			continue
		}
		out = append(out, cloneJob(j))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(_ context.Context, jobID, event, detail string) error {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	s.audit[jobID] = append(s.audit[jobID], models.AuditLog{
		JobID:    jobID,
		Event:    event,
		Detail:   detail,
		Recorded: s.now().UTC(),
	})
	return nil
}

// History returns audit rows oldest first.
func (s *Store) History(_ context.Context, jobID string) ([]models.AuditLog, error) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return nil, models.ErrNotFound
	}
	return slices.Clone(s.audit[jobID]), nil
}

// ResourceHolder reports which job holds the lock for key. Test helper.
func (s *Store) ResourceHolder(key string) (string, bool) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	id, ok := s.locks[key]
	return id, ok
}

// ExpireLease forces a job's lease into the past. Test helper for crash
// recovery scenarios.
func (s *Store) ExpireLease(jobID string) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	if j, ok := s.jobs[jobID]; ok && j.LeaseExpiresAt != nil {
		past := s.now().Add(-time.Minute).UTC()
		j.LeaseExpiresAt = &past
	}
}

func (s *Store) casTargetLocked(p port.TransitionParams) (*models.Job, error) {
	j, ok := s.jobs[p.JobID]
	if !ok {
		return nil, models.ErrNotFound
	}
	if err := port.CheckTransition(*j, p); err != nil {
		return nil, err
	}
	return j, nil
}

func (s *Store) applyLocked(j *models.Job, p port.TransitionParams) {
	if p.To.Terminal() && j.ResourceKey != "" && s.locks[j.ResourceKey] == j.ID {
		delete(s.locks, j.ResourceKey)
	}
	port.ApplyTransition(j, p, s.now())
}

func cloneJob(j *models.Job) models.Job {
	out := *j
	if j.Result != nil {
		out.Result = append(json.RawMessage(nil), j.Result...)
	}
	if j.Options != nil {
		out.Options = make(map[string]any, len(j.Options))
		for k, v := range j.Options {
			out.Options[k] = v
		}
	}
	return out
}
