package util

import (
	"strings"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAPIKey(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		k, err := NewAPIKey()
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(k, APIKeyPrefix))
		assert.Len(t, k, len(APIKeyPrefix)+43)
		_, dup := seen[k]
		require.False(t, dup)
		seen[k] = struct{}{}
	}
}

func TestNewAt_OrderedWithinMillisecond(t *testing.T) {
	at := time.Date(2026, 10, 17, 10, 0, 0, 0, time.UTC)
	a := NewAt(at)
	b := NewAt(at)
	assert.Less(t, a, b)

	id, err := ulid.Parse(a)
	require.NoError(t, err)
	assert.Equal(t, ulid.Timestamp(at), id.Time())
}
