package clock

import (
	"sync"
	"time"
)

// Clock supplies wall-clock time for window computations.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Real returns the system clock.
func Real() Clock { return realClock{} }

// Func adapts a plain function to Clock.
type Func func() time.Time

func (f Func) Now() time.Time { return f() }

// Monotonic never returns a time earlier than one it already returned, so a
// wall-clock step backwards cannot move a caller into an older window.
type Monotonic struct {
	mu   sync.Mutex
	src  Clock
	last time.Time
}

func NewMonotonic(src Clock) *Monotonic {
	if src == nil {
		src = Real()
	}
	return &Monotonic{src: src}
}

func (m *Monotonic) Now() time.Time {
	now := m.src.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if now.Before(m.last) {
		return m.last
	}
	m.last = now
	return now
}

// Fake is a manually driven clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

func NewFake(t time.Time) *Fake { return &Fake{now: t} }

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}
