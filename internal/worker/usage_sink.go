package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmehdipour/quota-gateway/internal/kafka"
	"github.com/jmehdipour/quota-gateway/internal/metrics"
	"github.com/jmehdipour/quota-gateway/internal/model"
	"go.uber.org/zap"
)

type MessageSource interface {
	Fetch(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, msgs ...kafka.Message) error
}

type UsageEventWriter interface {
	InsertBatch(ctx context.Context, rows []model.UsageRecord) error
}

// UsageSink:
// - fetches usage envelopes from Kafka,
// - buffers them into size/time bounded batches,
// - writes each batch to ClickHouse, then commits the batch's offsets.
type UsageSink struct {
	Consumer MessageSource
	Events   UsageEventWriter
	Log      *zap.Logger

	BatchSize  int           // max buffered events per flush
	BatchWait  time.Duration // max time to wait before flush
	RetryDelay time.Duration // wait before retrying a failed flush
}

func NewUsageSink(consumer MessageSource, events UsageEventWriter, log *zap.Logger) *UsageSink {
	if log == nil {
		log = zap.NewNop()
	}
	return &UsageSink{
		Consumer:   consumer,
		Events:     events,
		Log:        log,
		BatchSize:  1000,
		BatchWait:  time.Second,
		RetryDelay: 2 * time.Second,
	}
}

// Run starts the sink and blocks until ctx is cancelled.
func (w *UsageSink) Run(ctx context.Context) error {
	if w.BatchSize <= 0 {
		w.BatchSize = 1000
	}
	if w.BatchWait <= 0 {
		w.BatchWait = time.Second
	}
	if w.RetryDelay <= 0 {
		w.RetryDelay = 2 * time.Second
	}

	msgCh := make(chan kafka.Message, w.BatchSize)

	// Fetcher goroutine
	go func() {
		defer close(msgCh)
		for {
			m, err := w.Consumer.Fetch(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				w.Log.Warn("kafka fetch failed", zap.Error(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(200 * time.Millisecond):
				}
				continue
			}
			select {
			case msgCh <- m:
			case <-ctx.Done():
				return
			}
		}
	}()

	w.runBatchWriter(ctx, msgCh)
	return nil
}

type batch struct {
	rows []model.UsageRecord
	msgs []kafka.Message
	seen map[string]struct{}
}

func (b *batch) reset() {
	b.rows = b.rows[:0]
	b.msgs = b.msgs[:0]
	clear(b.seen)
}

// add decodes m into the batch. Poison messages are kept only for their offset.
func (w *UsageSink) add(b *batch, m kafka.Message) {
	b.msgs = append(b.msgs, m)

	var env model.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil || env.ID == "" {
		if err != nil {
			w.Log.Warn("bad usage envelope json", zap.Error(err), zap.Int64("offset", m.Offset))
		} else {
			w.Log.Warn("usage envelope missing id", zap.Int64("offset", m.Offset))
		}
		return
	}
	if _, dup := b.seen[env.ID]; dup {
		return
	}
	b.seen[env.ID] = struct{}{}

	rec := env.Usage
	rec.ID = env.ID
	rec.CustomerID = env.CustomerID
	b.rows = append(b.rows, rec)
}

// flush writes the batch and commits its offsets. On a write failure the
// batch is kept so the next flush retries it; offsets are never committed
// ahead of the rows they cover.
func (w *UsageSink) flush(ctx context.Context, b *batch) bool {
	if len(b.msgs) == 0 {
		return true
	}

	if err := w.Events.InsertBatch(ctx, b.rows); err != nil {
		metrics.UsageEventsTotal.WithLabelValues("store_failed").Add(float64(len(b.rows)))
		w.Log.Error("usage batch insert failed", zap.Error(err), zap.Int("rows", len(b.rows)))
		return false
	}
	metrics.UsageEventsTotal.WithLabelValues("stored").Add(float64(len(b.rows)))

	if err := w.Consumer.Commit(ctx, b.msgs...); err != nil {
		// rows are in ClickHouse; a redelivery is deduplicated by id
		w.Log.Warn("kafka commit failed", zap.Error(err))
	}

	w.Log.Debug("usage batch flushed", zap.Int("rows", len(b.rows)), zap.Int("messages", len(b.msgs)))
	b.reset()
	return true
}

func (w *UsageSink) runBatchWriter(ctx context.Context, in <-chan kafka.Message) {
	tick := time.NewTicker(w.BatchWait)
	defer tick.Stop()

	b := &batch{seen: make(map[string]struct{}, w.BatchSize)}

	// final flush uses a fresh context so a shutdown still drains the buffer
	drain := func() {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		w.flush(fctx, b)
	}

	for {
		if len(b.msgs) >= w.BatchSize {
			if !w.flush(ctx, b) {
				select {
				case <-ctx.Done():
					drain()
					return
				case <-time.After(w.RetryDelay):
				}
				continue
			}
		}

		select {
		case <-ctx.Done():
			drain()
			return

		case m, ok := <-in:
			if !ok {
				drain()
				return
			}
			w.add(b, m)

		case <-tick.C:
			w.flush(ctx, b)
		}
	}
}
