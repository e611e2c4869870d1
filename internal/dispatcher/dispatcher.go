// Package dispatcher drives jobs through the state machine: it claims queue
// entries, reserves credit, runs provider attempts on bounded worker slots,
// and settles the ledger on the outcome.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"credit-orchestrator/internal/config"
	"credit-orchestrator/internal/ledger"
	"credit-orchestrator/internal/models"
	"credit-orchestrator/internal/port"
	"credit-orchestrator/internal/provider"
	"credit-orchestrator/internal/telemetry"
)

// Options tune a Dispatcher.
type Options struct {
	WorkerID          string
	Concurrency       int
	QueueConcurrency  map[string]int
	Priorities        []string
	MaxAttempts       int
	LeaseTTL          time.Duration
	PollInterval      time.Duration
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	AttemptTimeout    time.Duration
	AbandonGrace      time.Duration
	SoftTimeout       time.Duration
	ResourceBusyDelay time.Duration
	RecoveryInterval  time.Duration
	ReconcileInterval time.Duration
	ScheduledBatch    int64
	OverrunPolicy     models.OverrunPolicy
	CommitRetries     int
	CommitRetryDelay  time.Duration
	FinalizeTimeout   time.Duration
}

// OptionsFromConfig maps runtime configuration onto Options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		WorkerID:          cfg.WorkerID,
		Concurrency:       cfg.WorkerConcurrency,
		QueueConcurrency:  cfg.QueueConcurrency,
		Priorities:        cfg.PriorityQueues,
		MaxAttempts:       cfg.MaxAttempts,
		LeaseTTL:          cfg.LeaseTTL,
		PollInterval:      cfg.WorkerPollInterval,
		BackoffInitial:    cfg.BackoffInitial,
		BackoffMax:        cfg.BackoffMax,
		AttemptTimeout:    cfg.AttemptTimeout,
		AbandonGrace:      cfg.AbandonGrace,
		SoftTimeout:       cfg.SoftTimeout,
		ResourceBusyDelay: cfg.ResourceBusyDelay,
		RecoveryInterval:  cfg.RecoveryInterval,
		ReconcileInterval: cfg.ReconcileInterval,
		ScheduledBatch:    int64(cfg.ScheduledBatchSize),
		OverrunPolicy:     models.OverrunPolicy(cfg.OverrunPolicy),
	}
}

func (o *Options) defaults() {
	if o.WorkerID == "" {
		o.WorkerID = "worker"
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if len(o.Priorities) == 0 {
		o.Priorities = []string{models.PriorityCritical, models.PriorityHigh, models.PriorityDefault, models.PriorityLow}
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 200 * time.Millisecond
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = time.Second
	}
	if o.BackoffMax < o.BackoffInitial {
		o.BackoffMax = o.BackoffInitial
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = 10 * time.Minute
	}
	if o.AbandonGrace <= 0 {
		o.AbandonGrace = 15 * time.Second
	}
	if o.SoftTimeout <= 0 {
		o.SoftTimeout = 30 * time.Minute
	}
	if o.ResourceBusyDelay <= 0 {
		o.ResourceBusyDelay = 5 * time.Second
	}
	if o.RecoveryInterval <= 0 {
		o.RecoveryInterval = 10 * time.Second
	}
	if o.ReconcileInterval <= 0 {
		o.ReconcileInterval = 30 * time.Second
	}
	if o.ScheduledBatch <= 0 {
		o.ScheduledBatch = 100
	}
	if o.CommitRetries <= 0 {
		o.CommitRetries = 3
	}
	if o.CommitRetryDelay <= 0 {
		o.CommitRetryDelay = 200 * time.Millisecond
	}
	if o.FinalizeTimeout <= 0 {
		o.FinalizeTimeout = 30 * time.Second
	}
}

// Deps are the collaborators a Dispatcher drives.
type Deps struct {
	Jobs      port.JobStore
	Ledger    *ledger.Ledger
	Registry  *provider.Registry
	Queue     port.Queue
	Publisher port.Publisher
	// Cancels is optional; without it cancellation is observed by the
	// lease heartbeat only.
	Cancels port.CancelBus
}

var (
	errCancelled      = errors.New("job cancelled")
	errLeaseLost      = errors.New("job lease lost")
	errAttemptTimeout = errors.New("attempt deadline exceeded")
	errAbandoned      = errors.New("provider ignored cancellation and was abandoned")
)

// Dispatcher is one worker process's scheduler.
type Dispatcher struct {
	opts     Options
	jobs     port.JobStore
	ledger   *ledger.Ledger
	registry *provider.Registry
	queue    port.Queue
	pub      port.Publisher
	cancels  port.CancelBus
	log      zerolog.Logger
	now      func() time.Time

	slots      *semaphore.Weighted
	queueSlots map[string]*semaphore.Weighted

	mu      sync.Mutex
	running map[string]context.CancelCauseFunc
	wg      sync.WaitGroup

	lastPromote time.Time
}

// New builds a dispatcher.
func New(opts Options, deps Deps, log zerolog.Logger) *Dispatcher {
	opts.defaults()
	if opts.OverrunPolicy == "" && deps.Ledger != nil {
		opts.OverrunPolicy = deps.Ledger.DefaultPolicy()
	}
	d := &Dispatcher{
		opts:       opts,
		jobs:       deps.Jobs,
		ledger:     deps.Ledger,
		registry:   deps.Registry,
		queue:      deps.Queue,
		pub:        deps.Publisher,
		cancels:    deps.Cancels,
		log:        log.With().Str("component", "dispatcher").Str("worker_id", opts.WorkerID).Logger(),
		now:        time.Now,
		slots:      semaphore.NewWeighted(int64(opts.Concurrency)),
		queueSlots: make(map[string]*semaphore.Weighted),
		running:    make(map[string]context.CancelCauseFunc),
	}
	for prio, n := range opts.QueueConcurrency {
		if n > 0 {
			d.queueSlots[prio] = semaphore.NewWeighted(int64(n))
		}
	}
	return d
}

// Run blocks until ctx is done, then waits for in-flight jobs to settle.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info().Int("concurrency", d.opts.Concurrency).Strs("priorities", d.opts.Priorities).Msg("dispatcher starting")
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.claimLoop(gctx) })
	g.Go(func() error { return d.recoveryLoop(gctx) })
	g.Go(func() error { return d.reconcileLoop(gctx) })
	if d.cancels != nil {
		g.Go(func() error { return d.cancelLoop(gctx) })
	}
	err := g.Wait()
	d.wg.Wait()
	d.log.Info().Msg("dispatcher stopped")
	return err
}

func (d *Dispatcher) claimLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := d.slots.Acquire(ctx, 1); err != nil {
			return nil
		}
		d.promote(ctx)

		held, prios := d.freeQueues()
		lease, ok, err := d.queue.DequeueWithLease(ctx, prios)
		if err != nil || !ok {
			d.releaseQueues(held, "")
			d.slots.Release(1)
			if err != nil && ctx.Err() == nil {
				d.log.Warn().Err(err).Msg("dequeue failed")
			}
			if !sleepCtx(ctx, d.opts.PollInterval) {
				return nil
			}
			continue
		}
		d.releaseQueues(held, lease.Priority)

		job, claimed := d.claim(ctx, lease)
		if !claimed {
			d.releaseQueues(map[string]*semaphore.Weighted{lease.Priority: d.queueSlots[lease.Priority]}, "")
			d.slots.Release(1)
			continue
		}

		d.wg.Add(1)
		go func(prio string) {
			defer d.wg.Done()
			defer d.slots.Release(1)
			defer func() {
				if s := d.queueSlots[prio]; s != nil {
					s.Release(1)
				}
			}()
			d.process(ctx, job)
		}(lease.Priority)
	}
}

// freeQueues takes one slot from every priority that has one free and
// returns the priorities that may be dequeued from.
func (d *Dispatcher) freeQueues() (map[string]*semaphore.Weighted, []string) {
	held := make(map[string]*semaphore.Weighted)
	prios := make([]string, 0, len(d.opts.Priorities))
	for _, p := range d.opts.Priorities {
		s := d.queueSlots[p]
		if s == nil {
			prios = append(prios, p)
			continue
		}
		if s.TryAcquire(1) {
			held[p] = s
			prios = append(prios, p)
		}
	}
	return held, prios
}

func (d *Dispatcher) releaseQueues(held map[string]*semaphore.Weighted, keep string) {
	for p, s := range held {
		if p != keep && s != nil {
			s.Release(1)
		}
	}
}

func (d *Dispatcher) promote(ctx context.Context) {
	now := d.now()
	if now.Sub(d.lastPromote) < d.opts.PollInterval {
		return
	}
	d.lastPromote = now
	if _, err := d.queue.PromoteScheduled(ctx, now, d.opts.ScheduledBatch); err != nil && ctx.Err() == nil {
		d.log.Warn().Err(err).Msg("promote scheduled failed")
	}
}

// claim turns a queue lease into a leased job. The queue entry is acked once
// the store has decided; the store stays the source of truth.
func (d *Dispatcher) claim(ctx context.Context, lease port.Lease) (models.Job, bool) {
	log := d.log.With().Str("job_id", lease.JobID).Logger()
	job, err := d.jobs.GetJob(ctx, lease.JobID)
	if errors.Is(err, models.ErrNotFound) {
		d.ack(ctx, lease.JobID)
		return models.Job{}, false
	}
	if err != nil {
		log.Warn().Err(err).Msg("load job failed; entry will be requeued")
		return models.Job{}, false
	}
	if job.Status != models.StatusPending && job.Status != models.StatusRetryWait {
		d.ack(ctx, lease.JobID)
		return models.Job{}, false
	}
	now := d.now()
	if job.NextRunAt.After(now) {
		d.ack(ctx, job.ID)
		d.schedule(ctx, job, job.NextRunAt)
		return models.Job{}, false
	}

	p := port.TransitionParams{
		JobID:      job.ID,
		From:       []models.Status{job.Status},
		To:         models.StatusReserving,
		Owner:      d.opts.WorkerID,
		LeaseUntil: now.Add(d.opts.LeaseTTL),
	}
	if job.Status == models.StatusRetryWait && job.ReservationID != "" {
		p.To = models.StatusRunning
		p.Patch = d.startAttempt(job, now)
	}

	claimed, err := d.jobs.Claim(ctx, p)
	switch {
	case err == nil:
		d.ack(ctx, job.ID)
		d.audit(ctx, claimed.ID, string(claimed.Status), fmt.Sprintf("claimed by %s", d.opts.WorkerID))
		d.publish(claimed)
		return claimed, true
	case errors.Is(err, models.ErrResourceBusy):
		d.ack(ctx, job.ID)
		d.schedule(ctx, job, now.Add(d.opts.ResourceBusyDelay))
		log.Debug().Str("resource_key", job.ResourceKey).Msg("resource busy; claim deferred")
	case errors.Is(err, models.ErrStatusMismatch), errors.Is(err, models.ErrNotFound):
		d.ack(ctx, job.ID)
	default:
		log.Warn().Err(err).Msg("claim failed; entry will be requeued")
	}
	return models.Job{}, false
}

// startAttempt builds the patch for entering RUNNING.
func (d *Dispatcher) startAttempt(job models.Job, now time.Time) models.JobPatch {
	patch := models.JobPatch{
		Attempts:  models.Ptr(job.Attempts + 1),
		StartedAt: &now,
	}
	if desc, _, err := d.pick(job); err == nil {
		patch.Provider = models.Ptr(desc.Name)
	}
	return patch
}

// pick returns the provider bound to the job, or the capability's first
// healthy provider when the binding is missing or unhealthy.
func (d *Dispatcher) pick(job models.Job) (provider.Descriptor, provider.Provider, error) {
	if job.Provider != "" {
		if desc, impl, ok := d.registry.Lookup(job.Provider); ok && desc.Healthy && desc.Capability == job.Capability {
			return desc, impl, nil
		}
		return d.registry.Next(job.Capability, job.Provider)
	}
	return d.registry.Resolve(job.Capability)
}

func (d *Dispatcher) ack(ctx context.Context, jobID string) {
	if err := d.queue.Ack(ctx, jobID); err != nil {
		d.log.Warn().Err(err).Str("job_id", jobID).Msg("ack failed")
	}
}

func (d *Dispatcher) schedule(ctx context.Context, job models.Job, at time.Time) {
	if err := d.queue.Schedule(ctx, job.ID, job.Priority, at); err != nil {
		d.log.Warn().Err(err).Str("job_id", job.ID).Msg("schedule failed; reconciler will restore the entry")
	}
}

func (d *Dispatcher) enqueue(ctx context.Context, job models.Job, at time.Time) {
	if err := d.queue.Enqueue(ctx, job.ID, job.Priority, at); err != nil {
		d.log.Warn().Err(err).Str("job_id", job.ID).Msg("enqueue failed; reconciler will restore the entry")
	}
}

func (d *Dispatcher) audit(ctx context.Context, jobID, event, detail string) {
	if err := d.jobs.AppendAudit(ctx, jobID, event, detail); err != nil {
		d.log.Warn().Err(err).Str("job_id", jobID).Str("event", event).Msg("append audit failed")
	}
}

func (d *Dispatcher) publish(job models.Job) {
	if d.pub != nil {
		d.pub.Publish(job.AccountID, models.EventFor(job, d.now()))
	}
}

func (d *Dispatcher) jobLog(job models.Job) *zerolog.Logger {
	l := d.log.With().
		Str("job_id", job.ID).
		Str("account_id", job.AccountID).
		Str("capability", job.Capability).
		Str("provider", job.Provider).
		Int("attempt", job.Attempts).
		Logger()
	return &l
}

// finalCtx detaches from shutdown so state changes in flight can land.
func (d *Dispatcher) finalCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), d.opts.FinalizeTimeout)
}

func (d *Dispatcher) maxAttempts(job models.Job) int {
	if job.MaxAttempts > 0 {
		return job.MaxAttempts
	}
	return d.opts.MaxAttempts
}

func (d *Dispatcher) track(jobID string, cancel context.CancelCauseFunc) {
	d.mu.Lock()
	d.running[jobID] = cancel
	d.mu.Unlock()
}

func (d *Dispatcher) untrack(jobID string) {
	d.mu.Lock()
	delete(d.running, jobID)
	d.mu.Unlock()
}

// cancelLocal cancels the job's running work in this process, if any.
func (d *Dispatcher) cancelLocal(jobID string, cause error) bool {
	d.mu.Lock()
	cancel, ok := d.running[jobID]
	d.mu.Unlock()
	if ok {
		cancel(cause)
	}
	return ok
}

// InFlight reports how many jobs this process is working on.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.running)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func recordTerminal(job models.Job) {
	telemetry.JobsTerminal.WithLabelValues(string(job.Status), string(job.FailureReason)).Inc()
}
