package repository

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// Per-offer counter fields.
const (
	CounterAllocations = "allocations"
	CounterLowStock    = "low_stock"
	CounterGenerated   = "generated"
	CounterTraceFailed = "trace_failed"
	CounterDuplicates  = "duplicates"
	CounterClicks      = "clicks"
)

// OfferCounterRepository keeps lifetime counters per offer in a Redis hash.
type OfferCounterRepository interface {
	Add(ctx context.Context, offerID string, deltas map[string]int64) error
	Get(ctx context.Context, offerID string) (map[string]int64, error)
}

type offerCounterRepository struct {
	client *redis.Client
	prefix string
}

// NewOfferCounterRepository returns a Redis-backed OfferCounterRepository.
func NewOfferCounterRepository(client *redis.Client, prefix string) OfferCounterRepository {
	return &offerCounterRepository{client: client, prefix: prefix + ":cnt:"}
}

func (r *offerCounterRepository) Add(ctx context.Context, offerID string, deltas map[string]int64) error {
	key := r.prefix + offerID
	pipe := r.client.Pipeline()
	queued := 0
	for field, n := range deltas {
		if n == 0 {
			continue
		}
		pipe.HIncrBy(ctx, key, field, n)
		queued++
	}
	if queued == 0 {
		return nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("incr offer counters: %w", err)
	}
	return nil
}

func (r *offerCounterRepository) Get(ctx context.Context, offerID string) (map[string]int64, error) {
	raw, err := r.client.HGetAll(ctx, r.prefix+offerID).Result()
	if err != nil {
		return nil, fmt.Errorf("read offer counters: %w", err)
	}

	out := map[string]int64{
		CounterAllocations: 0,
		CounterLowStock:    0,
		CounterGenerated:   0,
		CounterTraceFailed: 0,
		CounterDuplicates:  0,
		CounterClicks:      0,
	}
	for field, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		out[field] = n
	}
	return out, nil
}
