package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePruner struct {
	mu      sync.Mutex
	befores []time.Time
	err     error
}

func (p *fakePruner) Prune(_ context.Context, before time.Time) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.befores = append(p.befores, before)
	return 3, p.err
}

func (p *fakePruner) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.befores)
}

type fakePurger struct {
	days []int
}

func (p *fakePurger) Purge(_ context.Context, retainDays int) (int64, error) {
	p.days = append(p.days, retainDays)
	return 1, nil
}

func TestRetentionJanitor_Sweep(t *testing.T) {
	pruner := &fakePruner{}
	purger := &fakePurger{}
	j := NewRetentionJanitor(nil, pruner, purger, 3, 7, time.Hour)
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	j.now = func() time.Time { return now }

	j.Sweep(context.Background())

	require.Len(t, pruner.befores, 1)
	assert.Equal(t, now.Add(-72*time.Hour), pruner.befores[0])
	assert.Equal(t, []int{7}, purger.days)
}

func TestRetentionJanitor_SweepContinuesAfterPruneFailure(t *testing.T) {
	pruner := &fakePruner{err: errors.New("redis down")}
	purger := &fakePurger{}
	j := NewRetentionJanitor(nil, pruner, purger, 7, 7, time.Hour)

	j.Sweep(context.Background())
	assert.Equal(t, []int{7}, purger.days)
}

func TestRetentionJanitor_ServeSweepsAndStops(t *testing.T) {
	pruner := &fakePruner{}
	j := NewRetentionJanitor(nil, pruner, nil, 7, 7, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Serve(ctx) }()

	assert.Eventually(t, func() bool { return pruner.calls() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop")
	}

	// A supervisor restart starts a fresh loop.
	ctx, cancel = context.WithCancel(context.Background())
	go func() { done <- j.Serve(ctx) }()
	cancel()
	assert.NoError(t, <-done)
}
