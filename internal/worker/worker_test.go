package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmehdipour/quota-gateway/internal/kafka"
	"github.com/jmehdipour/quota-gateway/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOutbox struct {
	mu        sync.Mutex
	pending   []model.OutboxEvent
	published []int64
	failed    []int64
}

func (f *fakeOutbox) FetchPending(_ context.Context, limit int) ([]model.OutboxEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if limit > len(f.pending) {
		limit = len(f.pending)
	}
	return append([]model.OutboxEvent(nil), f.pending[:limit]...), nil
}

func (f *fakeOutbox) MarkPublished(_ context.Context, ids []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, ids...)
	done := make(map[int64]bool, len(ids))
	for _, id := range ids {
		done[id] = true
	}
	kept := f.pending[:0]
	for _, ev := range f.pending {
		if !done[ev.ID] {
			kept = append(kept, ev)
		}
	}
	f.pending = kept
	return nil
}

func (f *fakeOutbox) MarkFailed(_ context.Context, ids []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, ids...)
	return nil
}

type fakePublisher struct {
	err  error
	sent []kafka.Message
}

func (p *fakePublisher) Publish(_ context.Context, msgs ...kafka.Message) error {
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, msgs...)
	return nil
}

func outboxEvents(n int) []model.OutboxEvent {
	out := make([]model.OutboxEvent, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, model.OutboxEvent{
			ID:          int64(i),
			Aggregate:   "usage",
			AggregateID: "u" + string(rune('0'+i)),
			Topic:       "usage.events",
			Payload:     []byte(`{}`),
		})
	}
	return out
}

func TestOutboxRelay_PublishesAndMarks(t *testing.T) {
	ob := &fakeOutbox{pending: outboxEvents(3)}
	pub := &fakePublisher{}
	r := NewOutboxRelay(ob, pub, nil)
	r.BatchSize = 2

	n, err := r.RelayOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = r.RelayOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = r.RelayOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	assert.Equal(t, []int64{1, 2, 3}, ob.published)
	require.Len(t, pub.sent, 3)
	assert.Equal(t, "usage.events", pub.sent[0].Topic)
	assert.Equal(t, []byte("u1"), pub.sent[0].Key)
}

func TestOutboxRelay_PublishFailureKeepsEventsPending(t *testing.T) {
	ob := &fakeOutbox{pending: outboxEvents(2)}
	r := NewOutboxRelay(ob, &fakePublisher{err: errors.New("broker down")}, nil)

	_, err := r.RelayOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, []int64{1, 2}, ob.failed)
	assert.Empty(t, ob.published)
	assert.Len(t, ob.pending, 2)
}

type fakeConsumer struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []kafka.Message
}

func (c *fakeConsumer) Fetch(ctx context.Context) (kafka.Message, error) {
	c.mu.Lock()
	if len(c.msgs) > 0 {
		m := c.msgs[0]
		c.msgs = c.msgs[1:]
		c.mu.Unlock()
		return m, nil
	}
	c.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (c *fakeConsumer) Commit(_ context.Context, msgs ...kafka.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.committed = append(c.committed, msgs...)
	return nil
}

func (c *fakeConsumer) committedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.committed)
}

type fakeEvents struct {
	mu   sync.Mutex
	err  error
	rows []model.UsageRecord
}

func (f *fakeEvents) InsertBatch(_ context.Context, rows []model.UsageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.rows = append(f.rows, rows...)
	return nil
}

func (f *fakeEvents) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

func envelopeMsg(t *testing.T, offset int64, id string, customerID int64) kafka.Message {
	t.Helper()
	b, err := json.Marshal(model.Envelope{
		ID:         id,
		CustomerID: customerID,
		Usage: model.UsageRecord{
			ID: id, CustomerID: customerID, StatusCode: 200, ResponseTimeMs: 12,
			Timestamp: time.Date(2026, 10, 17, 10, 0, 0, 0, time.UTC),
		},
	})
	require.NoError(t, err)
	return kafka.Message{Topic: "usage.events", Offset: offset, Value: b}
}

func TestUsageSink_BatchesAndCommitsAfterInsert(t *testing.T) {
	cons := &fakeConsumer{msgs: []kafka.Message{
		envelopeMsg(t, 0, "a", 1),
		envelopeMsg(t, 1, "b", 1),
		{Offset: 2, Value: []byte("not json")},
		envelopeMsg(t, 3, "c", 2),
	}}
	events := &fakeEvents{}
	w := NewUsageSink(cons, events, nil)
	w.BatchSize = 2
	w.BatchWait = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return cons.committedCount() == 4 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, 3, events.count(), "poison message is committed but not stored")
	assert.Equal(t, int64(2), events.rows[2].CustomerID)
}

func TestUsageSink_FailedFlushKeepsBatchAndOffsets(t *testing.T) {
	cons := &fakeConsumer{}
	events := &fakeEvents{err: errors.New("clickhouse down")}
	w := NewUsageSink(cons, events, nil)
	b := &batch{seen: map[string]struct{}{}}

	w.add(b, envelopeMsg(t, 0, "a", 1))
	w.add(b, envelopeMsg(t, 1, "a", 1))

	assert.False(t, w.flush(context.Background(), b))
	assert.Len(t, b.msgs, 2)
	assert.Len(t, b.rows, 1, "duplicate id within a batch is stored once")
	assert.Equal(t, 0, cons.committedCount())

	events.err = nil
	assert.True(t, w.flush(context.Background(), b))
	assert.Equal(t, 2, cons.committedCount())
	assert.Equal(t, 1, events.count())
	assert.Empty(t, b.msgs)
}
