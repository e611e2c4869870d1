package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"credit-orchestrator/internal/credits"
	"credit-orchestrator/internal/ledger"
	"credit-orchestrator/internal/models"
	"credit-orchestrator/internal/port"
	"credit-orchestrator/internal/provider"
	"credit-orchestrator/internal/telemetry"
)

// process owns a claimed job until it leaves this worker's hands.
func (d *Dispatcher) process(ctx context.Context, job models.Job) {
	jctx, jcancel := context.WithCancelCause(ctx)
	defer jcancel(nil)
	jobID := job.ID
	d.track(jobID, jcancel)
	defer d.untrack(jobID)

	hbCtx, stopHeartbeat := context.WithCancel(jctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		d.heartbeat(hbCtx, jobID, jcancel)
	}()
	defer func() {
		stopHeartbeat()
		<-hbDone
	}()

	if job.Status == models.StatusReserving {
		var ok bool
		if job, ok = d.reserve(ctx, jctx, job); !ok {
			return
		}
	}
	d.runAttempt(ctx, jctx, job)
}

// heartbeat extends the lease and stops the job when the lease is gone.
func (d *Dispatcher) heartbeat(ctx context.Context, jobID string, cancel context.CancelCauseFunc) {
	interval := d.opts.LeaseTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		err := d.jobs.ExtendLease(ctx, jobID, d.opts.WorkerID, d.now().Add(d.opts.LeaseTTL))
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, models.ErrLeaseLost) || errors.Is(err, models.ErrNotFound) {
			cause := errLeaseLost
			if job, gerr := d.jobs.GetJob(ctx, jobID); gerr == nil && job.Status == models.StatusCancelled {
				cause = errCancelled
			}
			cancel(cause)
			return
		}
		d.log.Warn().Err(err).Str("job_id", jobID).Msg("lease heartbeat failed")
	}
}

// reserve estimates the job and holds credit for it, moving RESERVING to
// RUNNING. It reports false when the job left this worker.
func (d *Dispatcher) reserve(runCtx, jctx context.Context, job models.Job) (models.Job, bool) {
	log := d.jobLog(job)
	fctx, cancel := d.finalCtx(runCtx)
	defer cancel()

	desc, impl, err := d.pick(job)
	if err != nil {
		d.failUnreserved(fctx, job, models.ReasonCapabilityUnavailable, err)
		return job, false
	}

	estimate, desc, err := d.estimate(jctx, job, desc, impl)
	if d.interrupted(fctx, jctx, runCtx, job) {
		return job, false
	}
	switch {
	case err != nil && provider.KindOf(err) == provider.KindTransient:
		d.retryReserve(fctx, job, err)
		return job, false
	case err != nil:
		d.failUnreserved(fctx, job, models.ReasonEstimateFailed, err)
		return job, false
	}

	res, err := d.ledger.Reserve(fctx, job.AccountID, estimate, job.ID, ledger.ReserveKey(job.ID))
	switch {
	case errors.Is(err, models.ErrInsufficientCredit), errors.Is(err, models.ErrNotFound):
		d.failUnreserved(fctx, job, models.ReasonInsufficientCredit, err)
		return job, false
	case errors.Is(err, models.ErrInvalidInput):
		d.failUnreserved(fctx, job, models.ReasonEstimateFailed, err)
		return job, false
	case err != nil:
		d.retryReserve(fctx, job, err)
		return job, false
	}

	now := d.now()
	running, err := d.jobs.Transition(fctx, port.TransitionParams{
		JobID:      job.ID,
		From:       []models.Status{models.StatusReserving},
		To:         models.StatusRunning,
		Owner:      d.opts.WorkerID,
		LeaseUntil: now.Add(d.opts.LeaseTTL),
		Patch: models.JobPatch{
			ReservationID: models.Ptr(res.Reservation.ID),
			EstimatedCost: models.Ptr(res.Reservation.Amount),
			Attempts:      models.Ptr(job.Attempts + 1),
			Provider:      models.Ptr(desc.Name),
			StartedAt:     &now,
		},
	})
	if err != nil {
		log.Info().Err(err).Str("reservation_id", res.Reservation.ID).Msg("lost job after reserving")
		d.releaseIfAbandoned(fctx, job.ID, res.Reservation.ID)
		return job, false
	}
	log.Info().
		Str("reservation_id", res.Reservation.ID).
		Str("estimate", estimate.String()).
		Bool("replayed", res.Replayed).
		Msg("credit reserved")
	d.audit(fctx, job.ID, string(models.StatusRunning), fmt.Sprintf("reserved %s via %s", estimate, desc.Name))
	d.publish(running)
	return running, true
}

// estimate prices the job, walking the fallback order while providers fail
// transiently. It returns the provider that produced the price, or the last
// error once every healthy provider has been tried.
func (d *Dispatcher) estimate(ctx context.Context, job models.Job, desc provider.Descriptor, impl provider.Provider) (credits.Amount, provider.Descriptor, error) {
	tried := map[string]bool{}
	for {
		tried[desc.Name] = true
		estCtx, cancel := context.WithTimeout(ctx, d.opts.AttemptTimeout)
		amount, err := impl.Estimate(estCtx, job)
		cancel()
		if err == nil && amount < 0 {
			err = provider.Terminal(fmt.Errorf("negative estimate %s", amount))
		}
		if err == nil || ctx.Err() != nil || provider.KindOf(err) != provider.KindTransient {
			return amount, desc, err
		}
		next, nextImpl, nerr := d.registry.Next(job.Capability, desc.Name)
		if nerr != nil || tried[next.Name] {
			return 0, desc, err
		}
		d.jobLog(job).Warn().Err(err).Str("failed_provider", desc.Name).Str("next_provider", next.Name).Msg("estimate failed; trying fallback")
		desc, impl = next, nextImpl
	}
}

// interrupted reports whether the job context ended before a decision was
// made, handling the cause. Shutdown puts the job back without penalty.
func (d *Dispatcher) interrupted(fctx, jctx, runCtx context.Context, job models.Job) bool {
	if jctx.Err() == nil {
		return false
	}
	switch cause := context.Cause(jctx); {
	case errors.Is(cause, errCancelled):
		d.releaseDangling(fctx, job)
	case errors.Is(cause, errLeaseLost):
		d.jobLog(job).Info().Msg("lease lost; leaving job to its new owner")
	case runCtx.Err() != nil:
		d.requeue(fctx, job)
	}
	return true
}

type execOutcome struct {
	res provider.Result
	err error
}

// runAttempt executes one provider call for a RUNNING job and settles it.
func (d *Dispatcher) runAttempt(runCtx, jctx context.Context, job models.Job) {
	log := d.jobLog(job)
	fctx, cancel := d.finalCtx(runCtx)
	defer cancel()

	desc, impl, ok := d.registry.Lookup(job.Provider)
	if !ok || desc.Capability != job.Capability {
		var err error
		if desc, impl, err = d.registry.Resolve(job.Capability); err != nil {
			d.fail(fctx, job, models.StatusRunning, models.ReasonCapabilityUnavailable, err)
			return
		}
	}

	// The slot wait is bounded by the soft deadline only; the attempt
	// deadline starts once a slot is held.
	soft := d.softDeadline(job)
	wctx, wcancel := context.WithDeadlineCause(jctx, soft, errAttemptTimeout)
	release, err := d.registry.Acquire(wctx, desc.Name)
	waitCause := context.Cause(wctx)
	wcancel()
	if err != nil {
		switch {
		case errors.Is(waitCause, errCancelled):
			d.releaseIfAbandoned(fctx, job.ID, job.ReservationID)
		case errors.Is(waitCause, errLeaseLost):
			log.Warn().Msg("lease lost waiting for a provider slot")
		case runCtx.Err() != nil:
			d.requeue(fctx, job)
		case errors.Is(waitCause, errAttemptTimeout):
			d.fail(fctx, job, models.StatusRunning, models.ReasonTimeout, fmt.Errorf("%w waiting for a %s slot", errAttemptTimeout, desc.Name))
		default:
			d.retryOrFail(fctx, job, provider.Transient(err))
		}
		return
	}

	deadline := d.now().Add(d.opts.AttemptTimeout)
	if soft.Before(deadline) {
		deadline = soft
	}
	actx, acancel := context.WithDeadlineCause(jctx, deadline, errAttemptTimeout)
	defer acancel()

	started := d.now()
	out, abandoned := d.execute(actx, release, impl, job)
	elapsed := time.Since(started)

	cause := context.Cause(actx)
	label := "ok"
	defer func() {
		telemetry.AttemptDuration.WithLabelValues(job.Capability, desc.Name, label).Observe(elapsed.Seconds())
	}()

	switch {
	case errors.Is(cause, errCancelled):
		label = "cancelled"
		d.releaseIfAbandoned(fctx, job.ID, job.ReservationID)
	case errors.Is(cause, errLeaseLost):
		label = "lease_lost"
		log.Warn().Msg("lease lost during attempt; result discarded")
	case !abandoned && out.err == nil:
		d.complete(fctx, job, out.res)
	case runCtx.Err() != nil:
		label = "interrupted"
		d.requeue(fctx, job)
	case abandoned || errors.Is(cause, errAttemptTimeout):
		label = "timeout"
		err := out.err
		if err == nil || abandoned {
			err = fmt.Errorf("%w after %s", errAttemptTimeout, elapsed.Round(time.Millisecond))
		}
		d.fail(fctx, job, models.StatusRunning, models.ReasonTimeout, err)
	case provider.KindOf(out.err) == provider.KindTransient:
		label = "transient"
		d.retryOrFail(fctx, job, out.err)
	default:
		label = "terminal"
		d.fail(fctx, job, models.StatusRunning, models.ReasonProviderTerminal, out.err)
	}
}

// execute runs the provider on the slot that release frees. A provider that
// has not returned AbandonGrace after ctx ends is abandoned; its goroutine
// is left to finish and the slot is freed only when it does.
func (d *Dispatcher) execute(ctx context.Context, release func(), impl provider.Provider, job models.Job) (execOutcome, bool) {
	done := make(chan execOutcome, 1)
	telemetry.InFlightGauge.Inc()
	go func() {
		defer release()
		defer telemetry.InFlightGauge.Dec()
		defer func() {
			if r := recover(); r != nil {
				done <- execOutcome{err: provider.Terminal(fmt.Errorf("provider panic: %v", r))}
			}
		}()
		res, err := impl.Execute(ctx, job)
		done <- execOutcome{res: res, err: err}
	}()

	select {
	case out := <-done:
		return out, false
	case <-ctx.Done():
	}
	grace := time.NewTimer(d.opts.AbandonGrace)
	defer grace.Stop()
	select {
	case out := <-done:
		return out, false
	case <-grace.C:
		d.jobLog(job).Warn().Dur("grace", d.opts.AbandonGrace).Msg("provider ignored cancellation; attempt abandoned")
		return execOutcome{err: errAbandoned}, true
	}
}

// softDeadline bounds the job's total run time across attempts.
func (d *Dispatcher) softDeadline(job models.Job) time.Time {
	base := job.CreatedAt
	if job.StartedAt != nil {
		base = *job.StartedAt
	}
	return base.Add(d.opts.SoftTimeout)
}
