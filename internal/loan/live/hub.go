// Package live pushes loan snapshots to websocket clients as the pipeline
// and the manager change them.
package live

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"loanflow/internal/loan/metrics"
	"loanflow/internal/loan/models"
)

const subscriberBuffer = 8

// Notifier is told about every persisted change of a loan.
type Notifier interface {
	Notify(ctx context.Context, loan *models.Loan)
}

// Subscription receives JSON-encoded loan snapshots.
type Subscription struct {
	C      <-chan []byte
	ch     chan []byte
	loanID string
	hub    *Hub
	once   sync.Once
}

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.unsubscribe(s) })
}

// Hub fans snapshots out to the local subscribers of each loan. A slow
// subscriber loses its oldest queued snapshots; it never blocks Broadcast.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]map[*Subscription]struct{}
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewHub(logger *slog.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		subs:    make(map[string]map[*Subscription]struct{}),
		logger:  logger,
		metrics: m,
	}
}

func (h *Hub) Subscribe(loanID string) *Subscription {
	ch := make(chan []byte, subscriberBuffer)
	sub := &Subscription{C: ch, ch: ch, loanID: loanID, hub: h}

	h.mu.Lock()
	set, ok := h.subs[loanID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[loanID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	h.metrics.SubscriberAdded()
	return sub
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	if set, ok := h.subs[sub.loanID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sub.loanID)
		}
	}
	close(sub.ch)
	h.mu.Unlock()
	h.metrics.SubscriberRemoved()
}

// Subscribers reports the number of local subscribers of a loan.
func (h *Hub) Subscribers(loanID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[loanID])
}

// Notify encodes the loan and broadcasts it locally.
func (h *Hub) Notify(ctx context.Context, loan *models.Loan) {
	payload, err := json.Marshal(loan)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to encode loan snapshot", "loan_id", loan.ID, "error", err)
		return
	}
	h.Broadcast(loan.ID, payload)
}

// Broadcast delivers an encoded snapshot to every subscriber of loanID.
func (h *Hub) Broadcast(loanID string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[loanID] {
		for {
			select {
			case sub.ch <- payload:
			default:
				// full: drop the oldest queued snapshot and retry
				select {
				case <-sub.ch:
				default:
				}
				continue
			}
			break
		}
	}
}
