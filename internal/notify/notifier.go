// Package notify fans job events out to connected clients. Delivery is
// best effort: nothing here can fail or slow down the caller.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"credit-orchestrator/internal/models"
	"credit-orchestrator/internal/port"
	"credit-orchestrator/internal/telemetry"
)

// Sink receives events from the notifier's fan-out goroutine.
type Sink interface {
	Deliver(ctx context.Context, accountID string, ev models.JobEvent) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, accountID string, ev models.JobEvent) error

func (f SinkFunc) Deliver(ctx context.Context, accountID string, ev models.JobEvent) error {
	return f(ctx, accountID, ev)
}

type envelope struct {
	accountID string
	event     models.JobEvent
}

// Notifier buffers events in a bounded outbox. When the outbox is full new
// events are dropped.
type Notifier struct {
	log         zerolog.Logger
	outbox      chan envelope
	sinks       []Sink
	sinkTimeout time.Duration
}

var _ port.Publisher = (*Notifier)(nil)

// New builds a notifier with an outbox of buffer events.
func New(log zerolog.Logger, buffer int, sinks ...Sink) *Notifier {
	if buffer <= 0 {
		buffer = 1
	}
	return &Notifier{
		log:         log.With().Str("component", "notifier").Logger(),
		outbox:      make(chan envelope, buffer),
		sinks:       sinks,
		sinkTimeout: 2 * time.Second,
	}
}

// Publish enqueues the event without blocking.
func (n *Notifier) Publish(accountID string, ev models.JobEvent) {
	select {
	case n.outbox <- envelope{accountID: accountID, event: ev}:
		telemetry.NotifyPublished.Inc()
	default:
		telemetry.NotifyDropped.WithLabelValues("outbox").Inc()
		n.log.Warn().Str("account_id", accountID).Str("job_id", ev.JobID).Str("status", string(ev.Status)).Msg("notification outbox full; event dropped")
	}
}

// Run delivers events until ctx is done.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-n.outbox:
			for _, s := range n.sinks {
				n.deliver(ctx, s, env)
			}
		}
	}
}

// Drain delivers whatever is still buffered, stopping early when ctx is
// done. Call it after Run returns.
func (n *Notifier) Drain(ctx context.Context) int {
	delivered := 0
	for ctx.Err() == nil {
		select {
		case env := <-n.outbox:
			for _, s := range n.sinks {
				n.deliver(ctx, s, env)
			}
			delivered++
		default:
			return delivered
		}
	}
	return delivered
}

func (n *Notifier) deliver(ctx context.Context, s Sink, env envelope) {
	defer func() {
		if r := recover(); r != nil {
			telemetry.NotifyDropped.WithLabelValues("sink").Inc()
			n.log.Error().Str("account_id", env.accountID).Str("panic", fmt.Sprint(r)).Msg("notification sink panicked")
		}
	}()
	dctx, cancel := context.WithTimeout(ctx, n.sinkTimeout)
	defer cancel()
	if err := s.Deliver(dctx, env.accountID, env.event); err != nil {
		telemetry.NotifyDropped.WithLabelValues("sink").Inc()
		n.log.Warn().Err(err).Str("account_id", env.accountID).Str("job_id", env.event.JobID).Msg("notification delivery failed")
	}
}
