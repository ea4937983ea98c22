package worker

import (
	"context"
	"time"

	"github.com/jmehdipour/quota-gateway/internal/kafka"
	"github.com/jmehdipour/quota-gateway/internal/metrics"
	"github.com/jmehdipour/quota-gateway/internal/model"
	"go.uber.org/zap"
)

// OutboxSource is the part of the outbox repository the relay needs.
type OutboxSource interface {
	FetchPending(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkPublished(ctx context.Context, ids []int64) error
	MarkFailed(ctx context.Context, ids []int64) error
}

type Publisher interface {
	Publish(ctx context.Context, msgs ...kafka.Message) error
}

// OutboxRelay moves committed outbox rows to Kafka. Delivery is at-least-once:
// a crash between publish and MarkPublished republishes the batch, and the
// sink deduplicates by usage record id.
type OutboxRelay struct {
	Outbox    OutboxSource
	Producer  Publisher
	Log       *zap.Logger
	BatchSize int
	Interval  time.Duration
}

func NewOutboxRelay(outbox OutboxSource, producer Publisher, log *zap.Logger) *OutboxRelay {
	if log == nil {
		log = zap.NewNop()
	}
	return &OutboxRelay{
		Outbox:    outbox,
		Producer:  producer,
		Log:       log,
		BatchSize: 500,
		Interval:  time.Second,
	}
}

// Run relays until ctx is cancelled. A full batch is followed immediately by
// the next one; otherwise the relay waits for Interval.
func (r *OutboxRelay) Run(ctx context.Context) error {
	if r.BatchSize <= 0 {
		r.BatchSize = 500
	}
	if r.Interval <= 0 {
		r.Interval = time.Second
	}

	for {
		n, err := r.RelayOnce(ctx)
		if err != nil && ctx.Err() == nil {
			r.Log.Warn("outbox relay failed", zap.Error(err))
		}
		if n >= r.BatchSize && err == nil {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.Interval):
		}
	}
}

// RelayOnce publishes one batch of pending events and returns its size.
func (r *OutboxRelay) RelayOnce(ctx context.Context) (int, error) {
	events, err := r.Outbox.FetchPending(ctx, r.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	msgs := make([]kafka.Message, 0, len(events))
	ids := make([]int64, 0, len(events))
	for _, ev := range events {
		msgs = append(msgs, kafka.Message{
			Topic: ev.Topic,
			Key:   []byte(ev.AggregateID),
			Value: ev.Payload,
		})
		ids = append(ids, ev.ID)
	}

	if err := r.Producer.Publish(ctx, msgs...); err != nil {
		metrics.UsageEventsTotal.WithLabelValues("publish_failed").Add(float64(len(ids)))
		if merr := r.Outbox.MarkFailed(ctx, ids); merr != nil {
			r.Log.Error("outbox mark failed", zap.Error(merr))
		}
		return 0, err
	}

	if err := r.Outbox.MarkPublished(ctx, ids); err != nil {
		return 0, err
	}

	metrics.UsageEventsTotal.WithLabelValues("published").Add(float64(len(ids)))
	r.Log.Debug("outbox relayed", zap.Int("events", len(ids)))

	return len(ids), nil
}
