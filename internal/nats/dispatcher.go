package natsjs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Martian-dev/convosync/internal/eventstore/sqlite"
	"github.com/Martian-dev/convosync/internal/metrics"
	"github.com/Martian-dev/convosync/internal/retry"
)

// EventPublisher delivers one outbox entry. JetStream deduplicates on msgID
// so redelivering an entry after a crash is harmless.
type EventPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, msgID string) error
}

// Dispatcher drains the outbox into a publisher.
type Dispatcher struct {
	Store     *sqlite.Store
	Publisher EventPublisher
	BatchSize int
	Idle      time.Duration
	Backoff   retry.Config
}

// NewDispatcher creates a dispatcher with default pacing.
func NewDispatcher(store *sqlite.Store, pub EventPublisher) *Dispatcher {
	return &Dispatcher{
		Store:     store,
		Publisher: pub,
		BatchSize: 100,
		Idle:      500 * time.Millisecond,
		Backoff: retry.Config{
			BaseDelay:  time.Second,
			MaxDelay:   5 * time.Minute,
			Multiplier: 2,
			Jitter:     true,
		},
	}
}

// Run continuously dispatches messages from the outbox until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		n, err := d.DispatchOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Error().Err(err).Msg("failed to dequeue outbox")
			retry.Sleep(ctx, time.Second)
			continue
		}
		if n == 0 {
			retry.Sleep(ctx, d.Idle)
		}
	}
}

// DispatchOnce publishes one batch and returns how many entries it read.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	messages, err := d.Store.DequeueOutbox(ctx, d.BatchSize)
	if err != nil {
		return 0, err
	}

	for _, msg := range messages {
		if err := d.Publisher.Publish(ctx, msg.Subject, msg.Payload, msg.MsgID); err != nil {
			metrics.OutboxPublished.WithLabelValues("error").Inc()
			log.Warn().Err(err).Int64("outbox_id", msg.ID).Int("retries", msg.Retries).Msg("failed to publish event")
			if err := d.Store.MarkOutboxRetry(ctx, msg.ID, d.Backoff.Delay(msg.Retries)); err != nil {
				log.Error().Err(err).Int64("outbox_id", msg.ID).Msg("failed to schedule outbox retry")
			}
			continue
		}

		metrics.OutboxPublished.WithLabelValues("ok").Inc()
		if err := d.Store.MarkPublished(ctx, msg.ID); err != nil {
			log.Error().Err(err).Int64("outbox_id", msg.ID).Msg("failed to mark event published")
		}
	}

	return len(messages), nil
}
