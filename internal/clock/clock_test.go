package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMonotonic_NeverGoesBackwards(t *testing.T) {
	base := time.Date(2026, 10, 17, 10, 0, 0, 0, time.UTC)
	fake := NewFake(base)
	m := NewMonotonic(fake)

	assert.Equal(t, base, m.Now())

	fake.Set(base.Add(-5 * time.Second))
	assert.Equal(t, base, m.Now(), "backwards step is clamped")

	fake.Set(base.Add(2 * time.Second))
	assert.Equal(t, base.Add(2*time.Second), m.Now())
}

func TestFake_Advance(t *testing.T) {
	base := time.Date(2026, 10, 17, 10, 0, 0, 0, time.UTC)
	f := NewFake(base)
	f.Advance(time.Minute)
	assert.Equal(t, base.Add(time.Minute), f.Now())

	var c Clock = Func(func() time.Time { return base })
	assert.Equal(t, base, c.Now())
}
