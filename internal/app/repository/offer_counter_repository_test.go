package repository

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOfferCounterRepository(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	repo := NewOfferCounterRepository(rdb, "test")
	ctx := context.Background()

	require.NoError(t, repo.Add(ctx, "offer", map[string]int64{CounterAllocations: 2, CounterLowStock: 0}))
	require.NoError(t, repo.Add(ctx, "offer", map[string]int64{CounterAllocations: 1, CounterGenerated: 7}))
	require.NoError(t, repo.Add(ctx, "offer", nil))

	got, err := repo.Get(ctx, "offer")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got[CounterAllocations])
	assert.Equal(t, int64(7), got[CounterGenerated])
	assert.Equal(t, int64(0), got[CounterLowStock])
	assert.False(t, mr.Exists("test:cnt:other"))

	empty, err := repo.Get(ctx, "other")
	require.NoError(t, err)
	assert.Len(t, empty, 6)
}
