package dispatcher

import (
	"context"
	"time"
)

const cancelListenRetry = 2 * time.Second

// cancelLoop relays cancellation requests from the bus to running attempts
// in this process. The bus is best effort; the heartbeat catches anything
// it misses within a third of a lease.
func (d *Dispatcher) cancelLoop(ctx context.Context) error {
	for {
		err := d.cancels.ListenCancels(ctx, func(jobID string) {
			if d.cancelLocal(jobID, errCancelled) {
				d.log.Info().Str("job_id", jobID).Msg("cancelling running attempt")
			}
		})
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			d.log.Warn().Err(err).Msg("cancel listener stopped; resubscribing")
		}
		if !sleepCtx(ctx, cancelListenRetry) {
			return nil
		}
	}
}
