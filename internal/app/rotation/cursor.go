package rotation

import (
	"context"
	"math/rand/v2"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/sifan077/PowerSuffix/internal/app/model"
	"go.uber.org/zap"
)

// CursorStore persists sequential cursors per (owner, set) key.
type CursorStore interface {
	// Next returns the current cursor for key and advances it atomically.
	Next(ctx context.Context, key string) (int, error)
}

// RedisCursors keeps cursors as Redis counters; INCR gives per-key atomicity
// across processes.
type RedisCursors struct {
	client *redis.Client
	prefix string
}

// NewRedisCursors returns a Redis-backed CursorStore.
func NewRedisCursors(client *redis.Client, prefix string) *RedisCursors {
	return &RedisCursors{client: client, prefix: prefix + ":cursor:"}
}

func (c *RedisCursors) Next(ctx context.Context, key string) (int, error) {
	v, err := c.client.Incr(ctx, c.prefix+key).Result()
	if err != nil {
		return 0, err
	}
	return int(v - 1), nil
}

// Selector binds Select to persisted cursors and a shared random source.
type Selector struct {
	cursors CursorStore
	logger  *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSelector builds a Selector. cursors may be nil, in which case sequential
// selection degrades to the first enabled entry. rng may be nil.
func NewSelector(cursors CursorStore, rng *rand.Rand, logger *zap.Logger) *Selector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Selector{cursors: cursors, rng: rng, logger: logger}
}

// Pick selects one entry of the (owner, set) rotation.
func (s *Selector) Pick(ctx context.Context, owner, set string, entries []model.RotationEntry, mode model.RotationMode) (model.RotationEntry, error) {
	var cursor *int
	if mode == model.RotationSequential && s.cursors != nil {
		if len(Enabled(entries)) == 0 {
			return model.RotationEntry{}, ErrNoEnabledEntries
		}
		c, err := s.cursors.Next(ctx, owner+":"+set)
		if err != nil {
			s.logger.Warn("rotation cursor unavailable, using first enabled entry",
				zap.String("owner", owner), zap.String("set", set), zap.Error(err))
		} else {
			cursor = &c
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return Select(entries, mode, cursor, s.rng)
}

// PickDistinct selects up to k different entries, removing each pick from
// the candidates before the next draw.
func (s *Selector) PickDistinct(ctx context.Context, owner, set string, entries []model.RotationEntry, mode model.RotationMode, k int) ([]model.RotationEntry, error) {
	remaining := Enabled(entries)
	if len(remaining) == 0 {
		return nil, ErrNoEnabledEntries
	}
	if k > len(remaining) {
		k = len(remaining)
	}

	picked := make([]model.RotationEntry, 0, k)
	for len(picked) < k {
		e, err := s.Pick(ctx, owner, set, remaining, mode)
		if err != nil {
			return picked, err
		}
		picked = append(picked, e)
		remaining = without(remaining, e.Value)
	}
	return picked, nil
}

func without(entries []model.RotationEntry, value string) []model.RotationEntry {
	out := make([]model.RotationEntry, 0, len(entries))
	for _, e := range entries {
		if e.Value != value {
			out = append(out, e)
		}
	}
	return out
}
