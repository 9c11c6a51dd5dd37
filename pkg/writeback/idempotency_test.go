package writeback

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryIdempotency(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryIdempotency()
	_, ok, err := m.Get(ctx, "C-1:abc")
	require.NoError(t, err)
	assert.False(t, ok)

	r := Receipt{Key: IdempotencyKey("C-1", "abc"), CaseID: "C-1", Attempts: 2}
	require.NoError(t, m.Put(ctx, r))
	got, ok, err := m.Get(ctx, "C-1:abc")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, r, got)
}

// TestRedisIdempotency_Integration requires a running Redis.
// We skip if connection fails.
func TestRedisIdempotency_Integration(t *testing.T) {
	client := DialRedis("localhost:6379", "", 0)
	defer func() { _ = client.Close() }()
	ctx := context.Background()
	if _, err := client.Ping(ctx).Result(); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}

	s := NewRedisIdempotency(client, time.Minute)
	key := IdempotencyKey("C-"+uuid.NewString(), "hash")

	_, ok, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	first := Receipt{Key: key, CaseID: "C-1", Attempts: 1, ClosedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	require.NoError(t, s.Put(ctx, first))
	require.NoError(t, s.Put(ctx, Receipt{Key: key, CaseID: "C-1", Attempts: 3}))

	got, ok, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, first, got, "the first receipt wins")
}
