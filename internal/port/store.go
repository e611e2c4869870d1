// Package port declares the storage, queue and messaging contracts the
// services consume. Adapters live in store, queue and notify.
package port

import (
	"context"
	"fmt"
	"slices"
	"time"

	"credit-orchestrator/internal/credits"
	"credit-orchestrator/internal/models"
)

// LedgerStore owns balances and the append-only entry log. Every mutating
// method is atomic and serialized per account.
type LedgerStore interface {
	CreateAccount(ctx context.Context, id string, opening credits.Amount) (models.Account, error)
	GetAccount(ctx context.Context, id string) (models.Account, error)
	Reserve(ctx context.Context, p models.ReserveParams) (models.ReserveResult, error)
	Commit(ctx context.Context, p models.CommitParams) (models.CommitResult, error)
	Release(ctx context.Context, p models.ReleaseParams) (models.ReleaseResult, error)
	Refund(ctx context.Context, p models.RefundParams) (models.EntryResult, error)
	Adjust(ctx context.Context, p models.AdjustParams) (models.EntryResult, error)
	GetReservation(ctx context.Context, id string) (models.Reservation, error)
	ListEntries(ctx context.Context, f models.EntryFilter) ([]models.LedgerEntry, error)
}

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	AccountID     string
	Capability    string
	ResourceKey   string
	ContentRef    string
	SubmissionKey string
	Priority      string
	Options       map[string]any
	MaxAttempts   int
	RunAt         time.Time
	// RejectIfBusy makes creation fail with models.ErrResourceBusy when a
	// non-terminal job already exists for ResourceKey.
	RejectIfBusy bool
}

// TransitionParams describe a compare-and-swap on a job's status.
type TransitionParams struct {
	JobID string
	From  []models.Status
	To    models.Status
	// Owner, when set, must match the current lease owner for leased states.
	Owner      string
	LeaseUntil time.Time
	Patch      models.JobPatch
}

// JobStore persists jobs and their state-machine transitions.
type JobStore interface {
	// CreateJob inserts a PENDING job. duplicate is true when the submission
	// key was already admitted for the account; the existing job is returned.
	CreateJob(ctx context.Context, p CreateJobParams) (job models.Job, duplicate bool, err error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	FindBySubmissionKey(ctx context.Context, accountID, key string) (models.Job, bool, error)
	ListByAccount(ctx context.Context, accountID string, active bool, limit int) ([]models.Job, error)

	// Claim moves a job out of a waiting state and takes its resource lock.
	// Returns models.ErrResourceBusy if another job holds the lock and
	// models.ErrStatusMismatch if the status is not in p.From.
	Claim(ctx context.Context, p TransitionParams) (models.Job, error)
	// Transition applies a CAS on status. Entering a terminal state releases
	// the resource lock and the lease.
	Transition(ctx context.Context, p TransitionParams) (models.Job, error)
	ExtendLease(ctx context.Context, jobID, owner string, until time.Time) error
	// ReclaimExpired takes over leases that expired before now.
	ReclaimExpired(ctx context.Context, now time.Time, limit int, owner string, until time.Time) ([]models.Job, error)
	// ListDispatchable returns waiting jobs that are due at now.
	ListDispatchable(ctx context.Context, now time.Time, limit int) ([]models.Job, error)

	AppendAudit(ctx context.Context, jobID, event, detail string) error
	History(ctx context.Context, jobID string) ([]models.AuditLog, error)
}

// CheckTransition validates p against the job's current state. Stores call
// it while holding the row.
func CheckTransition(j models.Job, p TransitionParams) error {
	if !slices.Contains(p.From, j.Status) {
		return fmt.Errorf("%w: %s is %s", models.ErrStatusMismatch, j.ID, j.Status)
	}
	if !models.CanTransition(j.Status, p.To) {
		return fmt.Errorf("%w: invalid transition %s -> %s", models.ErrInvalidInput, j.Status, p.To)
	}
	return nil
}

// ApplyTransition writes the patch, the new status and the lease fields
// implied by it onto j.
func ApplyTransition(j *models.Job, p TransitionParams, now time.Time) {
	p.Patch.Apply(j)
	j.Status = p.To
	j.UpdatedAt = now.UTC()
	switch {
	case p.To.Leased():
		if p.Owner != "" {
			j.LeaseOwner = p.Owner
		}
		if !p.LeaseUntil.IsZero() {
			u := p.LeaseUntil.UTC()
			j.LeaseExpiresAt = &u
		}
	default:
		j.LeaseOwner = ""
		j.LeaseExpiresAt = nil
	}
}
