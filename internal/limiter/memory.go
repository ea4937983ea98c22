package limiter

import (
	"context"
	"sync"
	"time"

	"github.com/jmehdipour/quota-gateway/internal/model"
)

const shardCount = 64

type counter struct {
	key   int64
	count int64
}

type shard struct {
	mu      sync.Mutex
	windows map[int64]*[numPeriods]counter
}

// MemoryStore keeps counters in process. Customers are spread over sharded
// locks, so unrelated customers rarely contend and one customer's reservation
// is always serialized.
type MemoryStore struct {
	shards [shardCount]shard
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	for i := range s.shards {
		s.shards[i].windows = make(map[int64]*[numPeriods]counter)
	}
	return s
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Name() string { return "memory" }

func (s *MemoryStore) shardFor(customerID int64) *shard {
	return &s.shards[uint64(customerID)%shardCount]
}

func (s *MemoryStore) TryReserve(ctx context.Context, customerID int64, limits model.Limits, now time.Time) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	keys := windowKeys(now)

	sh := s.shardFor(customerID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	w := sh.windows[customerID]
	used := effective(w, keys)
	res := evaluate(limits, used, now)
	if !res.Allowed {
		return res, nil
	}

	if w == nil {
		w = &[numPeriods]counter{}
		sh.windows[customerID] = w
	}
	for i := range w {
		if w[i].key != keys[i] {
			w[i] = counter{key: keys[i]}
		}
		w[i].count++
	}
	return res, nil
}

func (s *MemoryStore) Usage(ctx context.Context, customerID int64, now time.Time) (Counts, error) {
	if err := ctx.Err(); err != nil {
		return Counts{}, err
	}
	sh := s.shardFor(customerID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return effective(sh.windows[customerID], windowKeys(now)), nil
}

// Sweep drops customers whose every window is stale.
func (s *MemoryStore) Sweep(ctx context.Context, now time.Time) (int64, error) {
	keys := windowKeys(now)
	var removed int64
	for i := range s.shards {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		sh := &s.shards[i]
		sh.mu.Lock()
		for id, w := range sh.windows {
			if effective(w, keys) == (Counts{}) {
				delete(sh.windows, id)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed, nil
}

func effective(w *[numPeriods]counter, keys Counts) Counts {
	var used Counts
	if w == nil {
		return used
	}
	for i := range w {
		if w[i].key == keys[i] {
			used[i] = w[i].count
		}
	}
	return used
}
