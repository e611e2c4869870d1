// Package orchestrator is the request-facing service: it admits jobs behind
// the idempotency guard and exclusion policy, answers status queries, and
// carries the administrative cancel, refund and account operations.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"credit-orchestrator/internal/config"
	"credit-orchestrator/internal/credits"
	"credit-orchestrator/internal/ledger"
	"credit-orchestrator/internal/models"
	"credit-orchestrator/internal/port"
	"credit-orchestrator/internal/provider"
	"credit-orchestrator/internal/telemetry"
)

// Capabilities reports which capabilities can be served.
type Capabilities interface {
	HasCapability(capability string) bool
}

// Subscriber hands out per-account event streams.
type Subscriber interface {
	Subscribe(accountID string) (<-chan models.JobEvent, func())
}

// Options tune a Service.
type Options struct {
	ExclusionPolicy string
	MaxAttempts     int
	Priorities      []string
	// CancelRetries bounds the compare-and-swap loop when a job moves while
	// being cancelled.
	CancelRetries int
}

// OptionsFromConfig maps runtime configuration onto Options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		ExclusionPolicy: cfg.ExclusionPolicy,
		MaxAttempts:     cfg.MaxAttempts,
		Priorities:      cfg.PriorityQueues,
	}
}

// Deps are the collaborators a Service uses.
type Deps struct {
	Jobs         port.JobStore
	Ledger       *ledger.Ledger
	Capabilities Capabilities
	Queue        port.Queue
	Publisher    port.Publisher
	Cancels      port.CancelBus
	Subscriber   Subscriber
}

// Service is safe for concurrent use.
type Service struct {
	opts Options
	deps Deps
	log  zerolog.Logger
	now  func() time.Time
}

// New builds the service.
func New(opts Options, deps Deps, log zerolog.Logger) *Service {
	if opts.ExclusionPolicy == "" {
		opts.ExclusionPolicy = config.ExclusionQueue
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if len(opts.Priorities) == 0 {
		opts.Priorities = []string{models.PriorityCritical, models.PriorityHigh, models.PriorityDefault, models.PriorityLow}
	}
	if opts.CancelRetries <= 0 {
		opts.CancelRetries = 5
	}
	return &Service{
		opts: opts,
		deps: deps,
		log:  log.With().Str("component", "orchestrator").Logger(),
		now:  time.Now,
	}
}

// Submit admits a job and hands it to the queue. The answer is never a
// final result; callers poll GetJob or subscribe for that.
func (s *Service) Submit(ctx context.Context, req models.JobRequest) (models.Submission, error) {
	if err := s.validate(&req); err != nil {
		return models.Submission{}, err
	}
	if s.deps.Capabilities != nil && !s.deps.Capabilities.HasCapability(req.Capability) {
		telemetry.JobsRejected.WithLabelValues("capability").Inc()
		return models.Submission{}, fmt.Errorf("%w: %w", models.ErrInvalidInput, provider.ErrCapabilityUnavailable)
	}
	if _, err := s.deps.Ledger.Account(ctx, req.AccountID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			telemetry.JobsRejected.WithLabelValues("account").Inc()
		}
		return models.Submission{}, fmt.Errorf("load account %s: %w", req.AccountID, err)
	}

	job, duplicate, err := s.deps.Jobs.CreateJob(ctx, port.CreateJobParams{
		AccountID:     req.AccountID,
		Capability:    req.Capability,
		ResourceKey:   req.ResourceRef,
		ContentRef:    req.ContentRef,
		SubmissionKey: req.SubmissionKey,
		Priority:      req.Priority,
		Options:       req.Options,
		MaxAttempts:   req.MaxAttempts,
		RejectIfBusy:  s.opts.ExclusionPolicy == config.ExclusionReject,
	})
	if errors.Is(err, models.ErrResourceBusy) {
		telemetry.JobsRejected.WithLabelValues("resource_busy").Inc()
		return models.Submission{}, err
	}
	if err != nil {
		return models.Submission{}, fmt.Errorf("create job: %w", err)
	}
	log := s.log.With().Str("job_id", job.ID).Str("account_id", job.AccountID).Str("capability", job.Capability).Logger()
	if duplicate {
		telemetry.JobsDuplicate.Inc()
		log.Info().Str("status", string(job.Status)).Msg("duplicate submission answered with existing job")
		return models.Submission{JobID: job.ID, Status: job.Status, Duplicate: true}, nil
	}

	if err := s.deps.Queue.Enqueue(ctx, job.ID, job.Priority, job.NextRunAt); err != nil {
		// The job row is durable; the reconciler enqueues it later.
		log.Warn().Err(err).Msg("enqueue failed; job left for the reconciler")
	}
	if err := s.deps.Jobs.AppendAudit(ctx, job.ID, "submitted", fmt.Sprintf("priority=%s resource=%s", job.Priority, job.ResourceKey)); err != nil {
		log.Warn().Err(err).Msg("append audit failed")
	}
	telemetry.JobsSubmitted.Inc()
	s.publish(job)
	log.Info().Str("priority", job.Priority).Str("resource_key", job.ResourceKey).Msg("job submitted")
	return models.Submission{JobID: job.ID, Status: job.Status}, nil
}

func (s *Service) validate(req *models.JobRequest) error {
	if req.AccountID == "" {
		return fmt.Errorf("%w: account_id is required", models.ErrInvalidInput)
	}
	if req.Capability == "" {
		return fmt.Errorf("%w: capability is required", models.ErrInvalidInput)
	}
	if req.Priority == "" {
		req.Priority = models.PriorityDefault
	}
	if !slices.Contains(s.opts.Priorities, req.Priority) {
		return fmt.Errorf("%w: unknown priority %q", models.ErrInvalidInput, req.Priority)
	}
	if req.MaxAttempts < 0 {
		return fmt.Errorf("%w: max_attempts must not be negative", models.ErrInvalidInput)
	}
	if req.MaxAttempts == 0 {
		req.MaxAttempts = s.opts.MaxAttempts
	}
	if req.Options == nil {
		req.Options = map[string]any{}
	}
	return nil
}

// GetJob is the pull-based status query.
func (s *Service) GetJob(ctx context.Context, id string) (models.JobView, error) {
	job, err := s.deps.Jobs.GetJob(ctx, id)
	if err != nil {
		return models.JobView{}, err
	}
	return job.View(), nil
}

// History returns the job's audit trail, oldest first.
func (s *Service) History(ctx context.Context, id string) ([]models.AuditLog, error) {
	return s.deps.Jobs.History(ctx, id)
}

// ListJobs lists an account's jobs, newest first.
func (s *Service) ListJobs(ctx context.Context, accountID string, active bool, limit int) ([]models.JobView, error) {
	jobs, err := s.deps.Jobs.ListByAccount(ctx, accountID, active, limit)
	if err != nil {
		return nil, err
	}
	out := make([]models.JobView, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.View())
	}
	return out, nil
}

// Cancel moves a job to CANCELLED from any state that has not already
// decided its outcome, releases its hold and stops a running attempt.
func (s *Service) Cancel(ctx context.Context, id string) (models.JobView, error) {
	for i := 0; i < s.opts.CancelRetries; i++ {
		job, err := s.deps.Jobs.GetJob(ctx, id)
		if err != nil {
			return models.JobView{}, err
		}
		switch {
		case job.Status.Terminal():
			return models.JobView{}, fmt.Errorf("%w: %s is %s", models.ErrJobTerminal, id, job.Status)
		case job.Status.Finalizing():
			return models.JobView{}, fmt.Errorf("%w: %s is %s", models.ErrNotCancellable, id, job.Status)
		}

		cancelled, err := s.deps.Jobs.Transition(ctx, port.TransitionParams{
			JobID: id,
			From:  []models.Status{job.Status},
			To:    models.StatusCancelled,
			Patch: models.JobPatch{FailureReason: models.Ptr(models.ReasonCancelled)},
		})
		if errors.Is(err, models.ErrStatusMismatch) {
			continue
		}
		if err != nil {
			return models.JobView{}, fmt.Errorf("cancel job %s: %w", id, err)
		}
		s.afterCancel(ctx, job.Status, cancelled)
		return cancelled.View(), nil
	}
	return models.JobView{}, fmt.Errorf("%w: %s kept changing while cancelling", models.ErrStatusMismatch, id)
}

func (s *Service) afterCancel(ctx context.Context, from models.Status, job models.Job) {
	log := s.log.With().Str("job_id", job.ID).Str("account_id", job.AccountID).Str("from", string(from)).Logger()

	resID := job.ReservationID
	if resID == "" {
		// A reserve may have landed before its id reached the job row.
		if res, open, err := s.deps.Ledger.OpenReservation(ctx, job.ID); err != nil {
			log.Warn().Err(err).Msg("look up open reservation failed")
		} else if open {
			resID = res.ID
		}
	}
	if resID != "" {
		if _, err := s.deps.Ledger.Release(ctx, resID, string(models.ReasonCancelled)); err != nil && !errors.Is(err, models.ErrReservationClosed) {
			log.Error().Err(err).Str("reservation_id", resID).Msg("release on cancel failed; the worker retries it")
		}
	}
	if err := s.deps.Queue.Cancel(ctx, job.ID); err != nil {
		log.Warn().Err(err).Msg("remove queue entries failed")
	}
	if s.deps.Cancels != nil && (from == models.StatusReserving || from == models.StatusRunning) {
		if err := s.deps.Cancels.PublishCancel(ctx, job.ID); err != nil {
			log.Warn().Err(err).Msg("publish cancel failed; worker heartbeat will observe it")
		}
	}
	if err := s.deps.Jobs.AppendAudit(ctx, job.ID, string(models.StatusCancelled), "cancel requested from "+string(from)); err != nil {
		log.Warn().Err(err).Msg("append audit failed")
	}
	telemetry.JobsTerminal.WithLabelValues(string(job.Status), string(job.FailureReason)).Inc()
	s.publish(job)
	log.Info().Msg("job cancelled")
}

// Refund returns up to the job's committed charge to its account, once.
func (s *Service) Refund(ctx context.Context, jobID string, amount credits.Amount, reason string) (models.EntryResult, error) {
	job, err := s.deps.Jobs.GetJob(ctx, jobID)
	if err != nil {
		return models.EntryResult{}, err
	}
	if job.Status != models.StatusCompleted {
		return models.EntryResult{}, fmt.Errorf("%w: %s is %s", models.ErrNotCharged, jobID, job.Status)
	}
	res, err := s.deps.Ledger.Refund(ctx, jobID, amount, reason)
	if err != nil {
		return res, err
	}
	if !res.Replayed {
		if err := s.deps.Jobs.AppendAudit(ctx, jobID, "refunded", fmt.Sprintf("%s: %s", amount, reason)); err != nil {
			s.log.Warn().Err(err).Str("job_id", jobID).Msg("append audit failed")
		}
	}
	return res, nil
}

// CreateAccount opens an account with an opening grant.
func (s *Service) CreateAccount(ctx context.Context, id string, opening credits.Amount) (models.Account, error) {
	return s.deps.Ledger.CreateAccount(ctx, id, opening)
}

// Account returns the balance snapshot.
func (s *Service) Account(ctx context.Context, id string) (models.Account, error) {
	return s.deps.Ledger.Account(ctx, id)
}

// Adjust applies an administrative grant or debit. An empty key makes the
// call non-idempotent.
func (s *Service) Adjust(ctx context.Context, accountID string, amount credits.Amount, reason, key string) (models.EntryResult, error) {
	if key == "" {
		key = "adjust:" + uuid.NewString()
	}
	return s.deps.Ledger.Adjust(ctx, accountID, amount, reason, key)
}

// Entries lists ledger entries in append order.
func (s *Service) Entries(ctx context.Context, f models.EntryFilter) ([]models.LedgerEntry, error) {
	return s.deps.Ledger.Entries(ctx, f)
}

// Subscribe streams the account's job events. The stream is best effort;
// GetJob stays the source of truth.
func (s *Service) Subscribe(accountID string) (<-chan models.JobEvent, func(), error) {
	if s.deps.Subscriber == nil {
		return nil, nil, errors.New("orchestrator: event stream not configured")
	}
	ch, cancel := s.deps.Subscriber.Subscribe(accountID)
	return ch, cancel, nil
}

// DeadLetters lists the most recent dead-lettered job ids.
func (s *Service) DeadLetters(ctx context.Context, n int64) ([]string, error) {
	return s.deps.Queue.DLQPeek(ctx, n)
}

func (s *Service) publish(job models.Job) {
	if s.deps.Publisher != nil {
		s.deps.Publisher.Publish(job.AccountID, models.EventFor(job, s.now()))
	}
}
