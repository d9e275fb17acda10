package services

import (
	"context"
	"errors"
	"time"

	"github.com/hanko-field/commerce/internal/repositories"
)

const (
	defaultOutboxInterval = 2 * time.Second
	defaultOutboxBatch    = 100
)

// OutboxRelayDeps bundles the collaborators required to construct an outbox relay.
type OutboxRelayDeps struct {
	Outbox    repositories.OutboxRepository
	Publisher EventPublisher
	Interval  time.Duration
	BatchSize int
	Clock     func() time.Time
	Logger    func(ctx context.Context, event string, fields map[string]any)
}

// OutboxRelay publishes committed outbox events and marks them sent. Delivery is at-least-once:
// an event whose publish succeeded but whose mark failed is published again on the next pass.
type OutboxRelay struct {
	outbox    repositories.OutboxRepository
	publisher EventPublisher
	interval  time.Duration
	batch     int
	clock     func() time.Time
	logger    func(context.Context, string, map[string]any)
}

// NewOutboxRelay wires dependencies into an OutboxRelay.
func NewOutboxRelay(deps OutboxRelayDeps) (*OutboxRelay, error) {
	if deps.Outbox == nil {
		return nil, errors.New("outbox relay: outbox repository is required")
	}
	if deps.Publisher == nil {
		return nil, errors.New("outbox relay: publisher is required")
	}

	interval := deps.Interval
	if interval <= 0 {
		interval = defaultOutboxInterval
	}
	batch := deps.BatchSize
	if batch <= 0 {
		batch = defaultOutboxBatch
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &OutboxRelay{
		outbox:    deps.Outbox,
		publisher: deps.Publisher,
		interval:  interval,
		batch:     batch,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// RelayOnce drains one batch. It stops at the first publish failure so events keep their order.
func (r *OutboxRelay) RelayOnce(ctx context.Context) (int, error) {
	events, err := r.outbox.FetchPending(ctx, r.batch)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, event := range events {
		if err := r.publisher.Publish(ctx, event); err != nil {
			r.logger(ctx, "outbox.relay_failed", map[string]any{
				"eventId": event.EventID,
				"topic":   event.Topic,
				"error":   err.Error(),
			})
			return sent, err
		}
		if err := r.outbox.MarkSent(ctx, event.ID, r.clock()); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

// Run relays on every tick until ctx is cancelled.
func (r *OutboxRelay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			sent, err := r.RelayOnce(ctx)
			if err != nil && ctx.Err() == nil {
				r.logger(ctx, "outbox.relay_failed", map[string]any{"sent": sent, "error": err.Error()})
				continue
			}
			if sent > 0 {
				r.logger(ctx, "outbox.relayed", map[string]any{"sent": sent})
			}
		}
	}
}
