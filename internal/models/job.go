package models

import (
	"encoding/json"
	"time"

	"credit-orchestrator/internal/credits"
)

// Status enumerates job lifecycle states persisted by the job store.
type Status string

const (
	StatusPending    Status = "pending"
	StatusReserving  Status = "reserving"
	StatusRunning    Status = "running"
	StatusRetryWait  Status = "retry_wait"
	StatusCommitting Status = "committing"
	StatusReleasing  Status = "releasing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// FailureReason is the stable classification surfaced to callers when a job
// does not complete.
type FailureReason string

const (
	ReasonNone                  FailureReason = ""
	ReasonInsufficientCredit    FailureReason = "insufficient_credit"
	ReasonCapabilityUnavailable FailureReason = "capability_unavailable"
	ReasonEstimateFailed        FailureReason = "estimate_failed"
	ReasonProviderTerminal      FailureReason = "provider_terminal"
	ReasonRetriesExhausted      FailureReason = "retries_exhausted"
	ReasonTimeout               FailureReason = "timeout"
	ReasonCancelled             FailureReason = "cancelled"
)

// Priorities understood by the queue, highest first.
const (
	PriorityCritical = "critical"
	PriorityHigh     = "high"
	PriorityDefault  = "default"
	PriorityLow      = "low"
)

// Job is the unit of orchestrated work.
type Job struct {
	ID            string         `json:"id"`
	AccountID     string         `json:"account_id"`
	Capability    string         `json:"capability"`
	ResourceKey   string         `json:"resource_key,omitempty"`
	ContentRef    string         `json:"content_ref,omitempty"`
	SubmissionKey *string        `json:"submission_key,omitempty"`
	Priority      string         `json:"priority"`
	Options       map[string]any `json:"options"`

	Status        Status        `json:"status"`
	Attempts      int           `json:"attempts"`
	MaxAttempts   int           `json:"max_attempts"`
	LastError     *string       `json:"last_error,omitempty"`
	FailureReason FailureReason `json:"failure_reason,omitempty"`
	Provider      string        `json:"provider,omitempty"`

	EstimatedCost credits.Amount  `json:"estimated_cost"`
	ReservationID string          `json:"reservation_id,omitempty"`
	ActualCost    *credits.Amount `json:"actual_cost,omitempty"`
	ChargedCost   credits.Amount  `json:"charged_cost"`
	Result        json.RawMessage `json:"result,omitempty"`
	OutputRef     string          `json:"output_ref,omitempty"`

	NextRunAt      time.Time  `json:"next_run_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	LeaseOwner     string     `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// View projects the job into the status-query shape.
func (j Job) View() JobView {
	v := JobView{
		ID:            j.ID,
		AccountID:     j.AccountID,
		Capability:    j.Capability,
		ResourceKey:   j.ResourceKey,
		Status:        j.Status,
		Attempt:       j.Attempts,
		MaxAttempts:   j.MaxAttempts,
		LastError:     j.LastError,
		FailureReason: j.FailureReason,
		Provider:      j.Provider,
		EstimatedCost: j.EstimatedCost,
		ChargedCost:   j.ChargedCost,
		CreatedAt:     j.CreatedAt,
		UpdatedAt:     j.UpdatedAt,
	}
	if j.Status == StatusCompleted {
		v.Result = j.Result
		v.OutputRef = j.OutputRef
	}
	if j.Status == StatusRetryWait {
		next := j.NextRunAt
		v.NextAttemptAt = &next
	}
	return v
}

// JobView is what callers observe through the status query.
type JobView struct {
	ID            string          `json:"id"`
	AccountID     string          `json:"account_id"`
	Capability    string          `json:"capability"`
	ResourceKey   string          `json:"resource_key,omitempty"`
	Status        Status          `json:"status"`
	Attempt       int             `json:"attempt"`
	MaxAttempts   int             `json:"max_attempts"`
	LastError     *string         `json:"last_error,omitempty"`
	FailureReason FailureReason   `json:"failure_reason,omitempty"`
	Provider      string          `json:"provider,omitempty"`
	EstimatedCost credits.Amount  `json:"estimated_cost"`
	ChargedCost   credits.Amount  `json:"charged_cost"`
	Result        json.RawMessage `json:"result,omitempty"`
	OutputRef     string          `json:"output_ref,omitempty"`
	NextAttemptAt *time.Time      `json:"next_attempt_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// JobRequest is the validated submission handed over by the request layer.
type JobRequest struct {
	AccountID     string         `json:"account_id"`
	Capability    string         `json:"capability"`
	ResourceRef   string         `json:"resource_ref"`
	ContentRef    string         `json:"content_ref"`
	SubmissionKey string         `json:"submission_key"`
	Priority      string         `json:"priority"`
	MaxAttempts   int            `json:"max_attempts"`
	Options       map[string]any `json:"options"`
}

// Submission is returned synchronously from intake; never a final result.
type Submission struct {
	JobID     string `json:"job_id"`
	Status    Status `json:"status"`
	Duplicate bool   `json:"duplicate"`
}

// JobPatch carries optional field updates applied together with a status
// compare-and-swap. Nil fields are left untouched.
type JobPatch struct {
	Attempts       *int
	LastError      *string
	ClearLastError bool
	FailureReason  *FailureReason
	Provider       *string
	EstimatedCost  *credits.Amount
	ReservationID  *string
	ActualCost     *credits.Amount
	ChargedCost    *credits.Amount
	Result         json.RawMessage
	OutputRef      *string
	NextRunAt      *time.Time
	StartedAt      *time.Time
}

// Apply writes the non-nil patch fields onto j.
func (p JobPatch) Apply(j *Job) {
	if p.Attempts != nil {
		j.Attempts = *p.Attempts
	}
	if p.ClearLastError {
		j.LastError = nil
	}
	if p.LastError != nil {
		msg := *p.LastError
		j.LastError = &msg
	}
	if p.FailureReason != nil {
		j.FailureReason = *p.FailureReason
	}
	if p.Provider != nil {
		j.Provider = *p.Provider
	}
	if p.EstimatedCost != nil {
		j.EstimatedCost = *p.EstimatedCost
	}
	if p.ReservationID != nil {
		j.ReservationID = *p.ReservationID
	}
	if p.ActualCost != nil {
		c := *p.ActualCost
		j.ActualCost = &c
	}
	if p.ChargedCost != nil {
		j.ChargedCost = *p.ChargedCost
	}
	if p.Result != nil {
		j.Result = append(json.RawMessage(nil), p.Result...)
	}
	if p.OutputRef != nil {
		j.OutputRef = *p.OutputRef
	}
	if p.NextRunAt != nil {
		j.NextRunAt = *p.NextRunAt
	}
	if p.StartedAt != nil && j.StartedAt == nil {
		s := *p.StartedAt
		j.StartedAt = &s
	}
}

// AuditLog is one row of a job's transition history.
type AuditLog struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}

// JobEvent is pushed to subscribers on every state change.
type JobEvent struct {
	JobID     string        `json:"job_id"`
	AccountID string        `json:"account_id"`
	Status    Status        `json:"status"`
	Attempt   int           `json:"attempt"`
	Reason    FailureReason `json:"reason,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// EventFor builds the notification for the job's current state.
func EventFor(j Job, at time.Time) JobEvent {
	return JobEvent{
		JobID:     j.ID,
		AccountID: j.AccountID,
		Status:    j.Status,
		Attempt:   j.Attempts,
		Reason:    j.FailureReason,
		Timestamp: at.UTC(),
	}
}

// Ptr is a small helper for building patches.
func Ptr[T any](v T) *T { return &v }
