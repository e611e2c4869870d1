package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"credit-orchestrator/internal/credits"
	"credit-orchestrator/internal/models"
	"credit-orchestrator/internal/port"
	"credit-orchestrator/internal/provider"
	"credit-orchestrator/internal/telemetry"
)

// complete records a delivered result and charges for it.
func (d *Dispatcher) complete(ctx context.Context, job models.Job, res provider.Result) {
	log := d.jobLog(job)
	actual := job.EstimatedCost
	if res.ActualCost != nil {
		actual = *res.ActualCost
	}
	if actual < 0 {
		log.Warn().Str("actual", actual.String()).Msg("provider reported a negative cost; charging the estimate")
		actual = job.EstimatedCost
	}
	patch := models.JobPatch{ActualCost: &actual, Result: res.Output, ClearLastError: true}
	if res.OutputRef != "" {
		patch.OutputRef = models.Ptr(res.OutputRef)
	}
	committing, err := d.jobs.Transition(ctx, port.TransitionParams{
		JobID:      job.ID,
		From:       []models.Status{models.StatusRunning},
		To:         models.StatusCommitting,
		Owner:      d.opts.WorkerID,
		LeaseUntil: d.now().Add(d.opts.LeaseTTL),
		Patch:      patch,
	})
	if err != nil {
		log.Info().Err(err).Msg("result discarded; job changed underneath the attempt")
		d.releaseIfAbandoned(ctx, job.ID, job.ReservationID)
		return
	}
	d.publish(committing)
	d.finishCommit(ctx, committing)
}

// finishCommit turns a COMMITTING job's reservation into a debit and seals
// the job. On exhausted retries the job stays COMMITTING for recovery.
func (d *Dispatcher) finishCommit(ctx context.Context, job models.Job) {
	log := d.jobLog(job)
	actual := job.EstimatedCost
	if job.ActualCost != nil {
		actual = *job.ActualCost
	}

	charged, shortfall, err := d.commitWithRetry(ctx, job.ReservationID, actual)
	if err != nil {
		telemetry.CommitFailures.Inc()
		log.Error().Err(err).Bool("alert", true).
			Str("reservation_id", job.ReservationID).
			Str("actual", actual.String()).
			Msg("commit failed after delivered result; job left committing for recovery")
		d.audit(ctx, job.ID, "commit_failed", err.Error())
		return
	}

	done, err := d.jobs.Transition(ctx, port.TransitionParams{
		JobID: job.ID,
		From:  []models.Status{models.StatusCommitting},
		To:    models.StatusCompleted,
		Owner: d.opts.WorkerID,
		Patch: models.JobPatch{ChargedCost: &charged},
	})
	if err != nil {
		log.Error().Err(err).Bool("alert", true).Msg("charge committed but job could not be completed")
		return
	}
	detail := fmt.Sprintf("charged %s", charged)
	if shortfall > 0 {
		detail += fmt.Sprintf(", uncharged overrun %s", shortfall)
	}
	d.terminal(ctx, done, detail)
}

func (d *Dispatcher) commitWithRetry(ctx context.Context, reservationID string, actual credits.Amount) (charged, shortfall credits.Amount, err error) {
	for i := 0; i < d.opts.CommitRetries; i++ {
		cr, cerr := d.ledger.Commit(ctx, reservationID, actual, d.opts.OverrunPolicy)
		if cerr == nil {
			return cr.Charged, cr.Shortfall, nil
		}
		err = cerr
		if errors.Is(cerr, models.ErrReservationClosed) {
			res, gerr := d.ledger.Reservation(ctx, reservationID)
			if gerr == nil && res.Status == models.ReservationCommitted {
				return res.Charged, 0, nil
			}
			return 0, 0, cerr
		}
		if errors.Is(cerr, models.ErrInvalidInput) || errors.Is(cerr, models.ErrNotFound) {
			return 0, 0, cerr
		}
		if !sleepCtx(ctx, d.opts.CommitRetryDelay*time.Duration(1<<i)) {
			return 0, 0, ctx.Err()
		}
	}
	return 0, 0, err
}

// fail moves a job that may hold a reservation through RELEASING to FAILED.
func (d *Dispatcher) fail(ctx context.Context, job models.Job, from models.Status, reason models.FailureReason, cause error) {
	log := d.jobLog(job)
	msg := errString(cause)
	releasing, err := d.jobs.Transition(ctx, port.TransitionParams{
		JobID:      job.ID,
		From:       []models.Status{from},
		To:         models.StatusReleasing,
		Owner:      d.opts.WorkerID,
		LeaseUntil: d.now().Add(d.opts.LeaseTTL),
		Patch:      models.JobPatch{LastError: &msg, FailureReason: &reason},
	})
	if err != nil {
		log.Info().Err(err).Str("reason", string(reason)).Msg("could not fail job; status changed")
		d.releaseIfAbandoned(ctx, job.ID, job.ReservationID)
		return
	}
	d.publish(releasing)
	d.finishRelease(ctx, releasing)
}

// finishRelease returns a RELEASING job's hold and seals it FAILED. A failed
// release leaves the job RELEASING for recovery.
func (d *Dispatcher) finishRelease(ctx context.Context, job models.Job) {
	log := d.jobLog(job)
	if job.ReservationID != "" {
		if err := d.releaseWithRetry(ctx, job.ReservationID, string(job.FailureReason)); err != nil {
			log.Error().Err(err).Str("reservation_id", job.ReservationID).Msg("release failed; job left releasing for recovery")
			return
		}
	} else {
		d.releaseDangling(ctx, job)
	}
	failed, err := d.jobs.Transition(ctx, port.TransitionParams{
		JobID: job.ID,
		From:  []models.Status{models.StatusReleasing},
		To:    models.StatusFailed,
		Owner: d.opts.WorkerID,
	})
	if err != nil {
		log.Error().Err(err).Msg("reservation released but job could not be failed")
		return
	}
	d.terminal(ctx, failed, errValue(failed.LastError))
}

// failUnreserved fails a RESERVING job that holds no reservation on record.
func (d *Dispatcher) failUnreserved(ctx context.Context, job models.Job, reason models.FailureReason, cause error) {
	d.releaseDangling(ctx, job)
	msg := errString(cause)
	failed, err := d.jobs.Transition(ctx, port.TransitionParams{
		JobID: job.ID,
		From:  []models.Status{models.StatusReserving},
		To:    models.StatusFailed,
		Owner: d.opts.WorkerID,
		Patch: models.JobPatch{LastError: &msg, FailureReason: &reason},
	})
	if err != nil {
		d.jobLog(job).Info().Err(err).Str("reason", string(reason)).Msg("could not fail job; status changed")
		return
	}
	d.terminal(ctx, failed, msg)
}

func (d *Dispatcher) releaseWithRetry(ctx context.Context, reservationID, reason string) error {
	var err error
	for i := 0; i < d.opts.CommitRetries; i++ {
		_, err = d.ledger.Release(ctx, reservationID, reason)
		if err == nil || errors.Is(err, models.ErrReservationClosed) {
			return nil
		}
		if errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrInvalidInput) {
			return err
		}
		if !sleepCtx(ctx, d.opts.CommitRetryDelay*time.Duration(1<<i)) {
			return ctx.Err()
		}
	}
	return err
}

// releaseIfAbandoned releases reservationID when the job it belongs to has
// already reached a terminal state without this worker.
func (d *Dispatcher) releaseIfAbandoned(ctx context.Context, jobID, reservationID string) {
	if reservationID == "" {
		return
	}
	job, err := d.jobs.GetJob(ctx, jobID)
	if err != nil || !job.Status.Terminal() || job.Status == models.StatusCompleted {
		return
	}
	if err := d.releaseWithRetry(ctx, reservationID, string(models.ReasonCancelled)); err != nil {
		d.log.Error().Err(err).Str("job_id", jobID).Str("reservation_id", reservationID).Msg("release after lost job failed")
	}
}

// releaseDangling closes a hold the job record does not know about, left
// by a reserve whose follow-up transition never landed.
func (d *Dispatcher) releaseDangling(ctx context.Context, job models.Job) {
	res, open, err := d.ledger.OpenReservation(ctx, job.ID)
	if err != nil {
		d.jobLog(job).Warn().Err(err).Msg("look up open reservation failed")
		return
	}
	if !open {
		return
	}
	if err := d.releaseWithRetry(ctx, res.ID, "dangling"); err != nil {
		d.jobLog(job).Error().Err(err).Str("reservation_id", res.ID).Msg("release dangling reservation failed")
	}
}

// retryOrFail schedules another attempt for a RUNNING job, bound to the
// next provider in the fallback order, or fails it when out of budget.
func (d *Dispatcher) retryOrFail(ctx context.Context, job models.Job, cause error) {
	if job.Attempts >= d.maxAttempts(job) {
		d.fail(ctx, job, models.StatusRunning, models.ReasonRetriesExhausted, cause)
		return
	}
	now := d.now()
	if !now.Before(d.softDeadline(job)) {
		d.fail(ctx, job, models.StatusRunning, models.ReasonTimeout, cause)
		return
	}

	next := now.Add(backoffWithJitter(d.opts.BackoffInitial, d.opts.BackoffMax, job.Attempts))
	msg := errString(cause)
	patch := models.JobPatch{LastError: &msg, NextRunAt: &next}
	if desc, _, err := d.registry.Next(job.Capability, job.Provider); err == nil {
		patch.Provider = models.Ptr(desc.Name)
	}
	waiting, err := d.jobs.Transition(ctx, port.TransitionParams{
		JobID: job.ID,
		From:  []models.Status{models.StatusRunning},
		To:    models.StatusRetryWait,
		Owner: d.opts.WorkerID,
		Patch: patch,
	})
	if err != nil {
		d.jobLog(job).Info().Err(err).Msg("could not schedule retry; status changed")
		d.releaseIfAbandoned(ctx, job.ID, job.ReservationID)
		return
	}
	d.schedule(ctx, waiting, next)
	telemetry.RetriesScheduled.Inc()
	d.audit(ctx, job.ID, "retry_scheduled", fmt.Sprintf("attempt %d failed: %s; next via %s at %s", job.Attempts, msg, waiting.Provider, next.UTC().Format(time.RFC3339)))
	d.jobLog(waiting).Info().Err(cause).Time("next_run_at", next).Msg("retry scheduled")
	d.publish(waiting)
}

// retryReserve puts a RESERVING job back after a ledger failure that was
// not a rejection. The reserve replays by key on the next claim.
func (d *Dispatcher) retryReserve(ctx context.Context, job models.Job, cause error) {
	now := d.now()
	if !now.Before(d.softDeadline(job)) {
		d.failUnreserved(ctx, job, models.ReasonTimeout, cause)
		return
	}
	next := now.Add(backoffWithJitter(d.opts.BackoffInitial, d.opts.BackoffMax, job.Attempts+1))
	msg := errString(cause)
	waiting, err := d.jobs.Transition(ctx, port.TransitionParams{
		JobID: job.ID,
		From:  []models.Status{models.StatusReserving},
		To:    models.StatusRetryWait,
		Owner: d.opts.WorkerID,
		Patch: models.JobPatch{LastError: &msg, NextRunAt: &next},
	})
	if err != nil {
		d.jobLog(job).Info().Err(err).Msg("could not reschedule reserve; status changed")
		return
	}
	d.jobLog(job).Warn().Err(cause).Time("next_run_at", next).Msg("reserve failed; rescheduled")
	d.schedule(ctx, waiting, next)
	d.publish(waiting)
}

// requeue returns an interrupted job to RETRY_WAIT without charging it an
// attempt, ready immediately.
func (d *Dispatcher) requeue(ctx context.Context, job models.Job) {
	now := d.now()
	patch := models.JobPatch{NextRunAt: &now}
	if job.Status == models.StatusRunning && job.Attempts > 0 {
		patch.Attempts = models.Ptr(job.Attempts - 1)
	}
	waiting, err := d.jobs.Transition(ctx, port.TransitionParams{
		JobID: job.ID,
		From:  []models.Status{job.Status},
		To:    models.StatusRetryWait,
		Owner: d.opts.WorkerID,
		Patch: patch,
	})
	if err != nil {
		d.jobLog(job).Warn().Err(err).Msg("could not requeue interrupted job")
		return
	}
	d.jobLog(waiting).Info().Msg("attempt interrupted by shutdown; job requeued")
	d.enqueue(ctx, waiting, now)
	d.publish(waiting)
}

// terminal does the bookkeeping shared by every terminal transition.
func (d *Dispatcher) terminal(ctx context.Context, job models.Job, detail string) {
	recordTerminal(job)
	d.audit(ctx, job.ID, string(job.Status), detail)
	d.publish(job)
	ev := d.jobLog(job).Info()
	if job.Status == models.StatusFailed {
		ev = d.jobLog(job).Warn().Str("reason", string(job.FailureReason))
	}
	ev.Str("charged", job.ChargedCost.String()).Msg("job " + string(job.Status))

	if job.Status == models.StatusFailed && job.FailureReason != models.ReasonInsufficientCredit {
		if err := d.queue.DLQPush(ctx, job.ID); err != nil {
			d.jobLog(job).Warn().Err(err).Msg("dlq push failed")
			return
		}
		telemetry.DeadLetter.Inc()
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func errValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
