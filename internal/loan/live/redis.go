package live

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"loanflow/internal/loan/models"
)

// DefaultChannel is the pub/sub channel shared by all instances.
const DefaultChannel = "loanflow:loan-updates"

type envelope struct {
	LoanID string          `json:"loan_id"`
	Loan   json.RawMessage `json:"loan"`
}

// RedisBridge relays snapshots through redis pub/sub so a websocket client
// connected to any instance sees changes made by every instance. Each
// instance delivers to its own hub only from the subscription.
type RedisBridge struct {
	rdb     *redis.Client
	hub     *Hub
	channel string
	logger  *slog.Logger

	ready     chan struct{}
	readyOnce sync.Once
}

func NewRedisBridge(rdb *redis.Client, hub *Hub, channel string, logger *slog.Logger) *RedisBridge {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBridge{
		rdb:     rdb,
		hub:     hub,
		channel: channel,
		logger:  logger,
		ready:   make(chan struct{}),
	}
}

// Notify publishes the snapshot. If redis is unreachable the snapshot is
// delivered to local subscribers directly.
func (b *RedisBridge) Notify(ctx context.Context, loan *models.Loan) {
	payload, err := json.Marshal(loan)
	if err != nil {
		b.logger.ErrorContext(ctx, "failed to encode loan snapshot", "loan_id", loan.ID, "error", err)
		return
	}
	msg, err := json.Marshal(envelope{LoanID: loan.ID, Loan: payload})
	if err != nil {
		b.logger.ErrorContext(ctx, "failed to encode loan envelope", "loan_id", loan.ID, "error", err)
		return
	}
	if err := b.rdb.Publish(context.WithoutCancel(ctx), b.channel, msg).Err(); err != nil {
		b.logger.WarnContext(ctx, "redis publish failed, delivering locally",
			"loan_id", loan.ID,
			"error", err,
		)
		b.hub.Broadcast(loan.ID, payload)
	}
}

// Ready is closed once the subscription is confirmed.
func (b *RedisBridge) Ready() <-chan struct{} { return b.ready }

// Run relays published snapshots into the local hub until ctx ends.
func (b *RedisBridge) Run(ctx context.Context) error {
	pubsub := b.rdb.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	b.readyOnce.Do(func() { close(b.ready) })
	b.logger.Info("live update bridge subscribed", "channel", b.channel)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.Warn("dropping malformed live update", "error", err)
				continue
			}
			b.hub.Broadcast(env.LoanID, env.Loan)
		}
	}
}
