package notify

import (
	"context"
	"sync"

	"credit-orchestrator/internal/models"
	"credit-orchestrator/internal/telemetry"
)

// Hub holds in-process subscriptions keyed by account. A slow subscriber
// loses new events rather than blocking the fan-out.
type Hub struct {
	buffer int

	mu   sync.RWMutex
	subs map[string]map[*subscription]struct{}
}

type subscription struct {
	ch chan models.JobEvent
}

var _ Sink = (*Hub)(nil)

// NewHub creates a hub with per-subscriber channels of buffer events.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 1
	}
	return &Hub{buffer: buffer, subs: make(map[string]map[*subscription]struct{})}
}

// Subscribe returns a channel of the account's events and a function that
// ends the subscription and closes the channel.
func (h *Hub) Subscribe(accountID string) (<-chan models.JobEvent, func()) {
	sub := &subscription{ch: make(chan models.JobEvent, h.buffer)}
	h.mu.Lock()
	if h.subs[accountID] == nil {
		h.subs[accountID] = make(map[*subscription]struct{})
	}
	h.subs[accountID][sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[accountID], sub)
			if len(h.subs[accountID]) == 0 {
				delete(h.subs, accountID)
			}
			h.mu.Unlock()
			close(sub.ch)
		})
	}
}

// Subscribers reports how many subscriptions the account has.
func (h *Hub) Subscribers(accountID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[accountID])
}

// Deliver hands ev to every subscriber of the account.
func (h *Hub) Deliver(_ context.Context, accountID string, ev models.JobEvent) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[accountID] {
		select {
		case sub.ch <- ev:
		default:
			telemetry.NotifyDropped.WithLabelValues("subscriber").Inc()
		}
	}
	return nil
}
