package dispatcher

import (
	"context"
	"errors"
	"time"

	"credit-orchestrator/internal/models"
	"credit-orchestrator/internal/telemetry"
)

const (
	reclaimBatch   = 100
	reconcileBatch = 500
)

var errLeaseExpired = errors.New("worker lease expired")

func (d *Dispatcher) recoveryLoop(ctx context.Context) error {
	t := time.NewTicker(d.opts.RecoveryInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			d.RecoverOnce(ctx)
		}
	}
}

func (d *Dispatcher) reconcileLoop(ctx context.Context) error {
	t := time.NewTicker(d.opts.ReconcileInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			d.ReconcileOnce(ctx)
		}
	}
}

// RecoverOnce takes over jobs whose worker stopped heartbeating and drives
// each one forward from the state it was left in. Expired queue leases are
// returned to the ready lists.
func (d *Dispatcher) RecoverOnce(ctx context.Context) {
	now := d.now()
	if ids, err := d.queue.RequeueExpired(ctx, now, reclaimBatch); err != nil {
		d.log.Warn().Err(err).Msg("requeue expired queue leases failed")
	} else if len(ids) > 0 {
		d.log.Info().Int("count", len(ids)).Msg("requeued expired queue leases")
	}

	jobs, err := d.jobs.ReclaimExpired(ctx, now, reclaimBatch, d.opts.WorkerID, now.Add(d.opts.LeaseTTL))
	if err != nil {
		d.log.Warn().Err(err).Msg("reclaim expired leases failed")
		return
	}
	for _, job := range jobs {
		d.jobLog(job).Warn().Str("status", string(job.Status)).Msg("reclaimed expired lease")
		d.audit(ctx, job.ID, "reclaimed", string(job.Status))
		d.recoverJob(ctx, job)
	}
}

func (d *Dispatcher) recoverJob(ctx context.Context, job models.Job) {
	fctx, cancel := d.finalCtx(ctx)
	defer cancel()
	switch job.Status {
	case models.StatusReserving:
		// The reserve may or may not have landed; the next claim replays it
		// by key.
		d.requeue(fctx, job)
	case models.StatusRunning:
		d.retryOrFail(fctx, job, errLeaseExpired)
	case models.StatusCommitting:
		d.finishCommit(fctx, job)
	case models.StatusReleasing:
		d.finishRelease(fctx, job)
	}
}

// ReconcileOnce restores queue entries for dispatchable jobs the queue lost
// and refreshes the depth gauge.
func (d *Dispatcher) ReconcileOnce(ctx context.Context) {
	jobs, err := d.jobs.ListDispatchable(ctx, d.now(), reconcileBatch)
	if err != nil {
		d.log.Warn().Err(err).Msg("list dispatchable jobs failed")
		return
	}
	restored := 0
	for _, job := range jobs {
		added, err := d.queue.EnqueueIfAbsent(ctx, job.ID, job.Priority, job.NextRunAt)
		if err != nil {
			d.log.Warn().Err(err).Str("job_id", job.ID).Msg("reconcile enqueue failed")
			continue
		}
		if added {
			restored++
		}
	}
	if restored > 0 {
		d.log.Info().Int("restored", restored).Msg("restored missing queue entries")
	}
	if depth, err := d.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
}
