package interval

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sifan077/PowerSuffix/internal/app/model"
	"github.com/sifan077/PowerSuffix/internal/app/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stateKey struct {
	offer, account string
	day            time.Time
}

type memoryStates struct {
	mu   sync.Mutex
	rows map[stateKey]model.IntervalState
	fail error
}

func newMemoryStates() *memoryStates {
	return &memoryStates{rows: map[stateKey]model.IntervalState{}}
}

func (m *memoryStates) key(offer, account string, day time.Time) stateKey {
	return stateKey{offer, account, repository.Day(day)}
}

func (m *memoryStates) Get(ctx context.Context, offerID, accountID string, day time.Time) (*model.IntervalState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, m.fail
	}
	row, ok := m.rows[m.key(offerID, accountID, day)]
	if !ok {
		return nil, repository.ErrIntervalStateNotFound
	}
	return &row, nil
}

func (m *memoryStates) SaveComputed(ctx context.Context, state *model.IntervalState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	k := m.key(state.OfferID, state.AccountID, state.Date)
	row := m.rows[k]
	row.OfferID, row.AccountID, row.Date = state.OfferID, state.AccountID, k.day
	row.IntervalUsedMs = state.IntervalUsedMs
	row.Scenario = state.Scenario
	m.rows[k] = row
	return nil
}

func (m *memoryStates) SaveOverrides(ctx context.Context, offerID, accountID string, day time.Time, o model.IntervalOverrides) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	k := m.key(offerID, accountID, day)
	row := m.rows[k]
	row.OfferID, row.AccountID, row.Date = offerID, accountID, k.day
	row.MinIntervalOverrideMs = o.MinIntervalOverrideMs
	row.MaxIntervalOverrideMs = o.MaxIntervalOverrideMs
	row.TargetRepeatRatio = o.TargetRepeatRatio
	row.MinRepeatRatio = o.MinRepeatRatio
	m.rows[k] = row
	return nil
}

func (m *memoryStates) put(row model.IntervalState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row.Date = repository.Day(row.Date)
	m.rows[m.key(row.OfferID, row.AccountID, row.Date)] = row
}

type mockClickStats struct {
	recordFn func(ctx context.Context, offerID, accountID string, day time.Time, newLandingPage bool) error
}

func (m *mockClickStats) RecordClick(ctx context.Context, offerID, accountID string, day time.Time, newLandingPage bool) error {
	if m.recordFn != nil {
		return m.recordFn(ctx, offerID, accountID, day, newLandingPage)
	}
	return nil
}

func (m *mockClickStats) History(ctx context.Context, offerID, accountID string, since time.Time) ([]model.IntervalState, error) {
	return nil, nil
}

func (m *mockClickStats) PurgeBefore(ctx context.Context, day time.Time) (int64, error) {
	return 0, nil
}

var fixedNow = time.Date(2026, 3, 10, 15, 30, 0, 0, time.UTC)

func newTestService(states *memoryStates, clicks *mockClickStats, pages LandingPageSet) *Service {
	return NewService(ServiceDeps{
		States: states,
		Clicks: clicks,
		Pages:  pages,
		Hard:   DefaultHardDefaults(),
		Now:    func() time.Time { return fixedNow },
	})
}

func TestService_RecomputeUsesPreviousDay(t *testing.T) {
	states := newMemoryStates()
	states.put(model.IntervalState{OfferID: "o", AccountID: "a", Date: fixedNow.AddDate(0, 0, -1), IntervalUsedMs: 6000, TotalClicks: 60, UniqueLandingPages: 10})
	svc := newTestService(states, &mockClickStats{}, nil)

	ms, scenario := svc.Current(context.Background(), "o", "a", model.ScriptDefaults{})
	assert.Equal(t, model.ScenarioSpeedup, scenario)
	assert.Equal(t, int64(3000), ms)

	today, err := states.Get(context.Background(), "o", "a", fixedNow)
	require.NoError(t, err)
	assert.Equal(t, int64(3000), today.IntervalUsedMs)
	assert.Equal(t, model.ScenarioSpeedup, today.Scenario)
}

func TestService_CurrentReusesTodaysDecision(t *testing.T) {
	states := newMemoryStates()
	states.put(model.IntervalState{OfferID: "o", AccountID: "a", Date: fixedNow, IntervalUsedMs: 4242, Scenario: model.ScenarioStable})
	svc := newTestService(states, &mockClickStats{}, nil)

	ms, scenario := svc.Current(context.Background(), "o", "a", model.ScriptDefaults{})
	assert.Equal(t, int64(4242), ms)
	assert.Equal(t, model.ScenarioStable, scenario)
}

func TestService_OverrideSetThenCleared(t *testing.T) {
	states := newMemoryStates()
	states.put(model.IntervalState{OfferID: "o", AccountID: "a", Date: fixedNow.AddDate(0, 0, -1), IntervalUsedMs: 800, TotalClicks: 100, UniqueLandingPages: 10})
	svc := newTestService(states, &mockClickStats{}, nil)
	script := model.ScriptDefaults{MinIntervalMs: 2000}
	ctx := context.Background()

	minOverride := int64(500)
	ms, _, err := svc.SetOverrides(ctx, "o", "a", model.IntervalOverrides{MinIntervalOverrideMs: &minOverride}, script)
	require.NoError(t, err)
	assert.Equal(t, int64(500), ms)

	ms, _, err = svc.SetOverrides(ctx, "o", "a", model.IntervalOverrides{}, script)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), ms)

	today, err := states.Get(ctx, "o", "a", fixedNow)
	require.NoError(t, err)
	assert.Nil(t, today.MinIntervalOverrideMs)
}

func TestService_InvalidOverrideKeepsPreviousValue(t *testing.T) {
	states := newMemoryStates()
	svc := newTestService(states, &mockClickStats{}, nil)
	ctx := context.Background()

	good := int64(1500)
	_, _, err := svc.SetOverrides(ctx, "o", "a", model.IntervalOverrides{MinIntervalOverrideMs: &good}, model.ScriptDefaults{})
	require.NoError(t, err)

	bad := int64(-1)
	_, _, err = svc.SetOverrides(ctx, "o", "a", model.IntervalOverrides{MinIntervalOverrideMs: &bad}, model.ScriptDefaults{})
	require.ErrorIs(t, err, ErrInvalidOverride)

	today, err := states.Get(ctx, "o", "a", fixedNow)
	require.NoError(t, err)
	require.NotNil(t, today.MinIntervalOverrideMs)
	assert.Equal(t, int64(1500), *today.MinIntervalOverrideMs)
}

func TestService_OverridesCarryForward(t *testing.T) {
	states := newMemoryStates()
	maxOverride := int64(9000)
	states.put(model.IntervalState{OfferID: "o", AccountID: "a", Date: fixedNow.AddDate(0, 0, -1), IntervalUsedMs: 8000, TotalClicks: 1, UniqueLandingPages: 1, MaxIntervalOverrideMs: &maxOverride})
	svc := newTestService(states, &mockClickStats{}, nil)

	ms, scenario := svc.Recompute(context.Background(), "o", "a", model.ScriptDefaults{})
	assert.Equal(t, model.ScenarioStable, scenario)
	assert.Equal(t, int64(8000), ms)

	today, err := states.Get(context.Background(), "o", "a", fixedNow)
	require.NoError(t, err)
	require.NotNil(t, today.MaxIntervalOverrideMs)
	assert.Equal(t, int64(9000), *today.MaxIntervalOverrideMs)
}

func TestService_OverridesCarryForwardOverClickOnlyRow(t *testing.T) {
	states := newMemoryStates()
	maxOverride := int64(9000)
	states.put(model.IntervalState{OfferID: "o", AccountID: "a", Date: fixedNow.AddDate(0, 0, -1), IntervalUsedMs: 20000, TotalClicks: 1, UniqueLandingPages: 1, MaxIntervalOverrideMs: &maxOverride})
	// The day's first click lands before the first cadence lookup.
	states.put(model.IntervalState{OfferID: "o", AccountID: "a", Date: fixedNow, TotalClicks: 1, UniqueLandingPages: 1})
	svc := newTestService(states, &mockClickStats{}, nil)

	ms, scenario := svc.Current(context.Background(), "o", "a", model.ScriptDefaults{})
	assert.Equal(t, model.ScenarioStable, scenario)
	assert.Equal(t, int64(9000), ms)

	today, err := states.Get(context.Background(), "o", "a", fixedNow)
	require.NoError(t, err)
	require.NotNil(t, today.MaxIntervalOverrideMs)
	assert.Equal(t, int64(9000), *today.MaxIntervalOverrideMs)
	assert.Equal(t, int64(1), today.TotalClicks)
}

func TestService_ClearedOverrideIsNotReinherited(t *testing.T) {
	states := newMemoryStates()
	maxOverride := int64(9000)
	states.put(model.IntervalState{OfferID: "o", AccountID: "a", Date: fixedNow.AddDate(0, 0, -1), IntervalUsedMs: 20000, TotalClicks: 1, UniqueLandingPages: 1, MaxIntervalOverrideMs: &maxOverride})
	svc := newTestService(states, &mockClickStats{}, nil)
	ctx := context.Background()

	ms, _, err := svc.SetOverrides(ctx, "o", "a", model.IntervalOverrides{}, model.ScriptDefaults{})
	require.NoError(t, err)
	assert.Equal(t, int64(20000), ms)

	ms, _ = svc.Recompute(ctx, "o", "a", model.ScriptDefaults{})
	assert.Equal(t, int64(20000), ms)

	today, err := states.Get(ctx, "o", "a", fixedNow)
	require.NoError(t, err)
	assert.Nil(t, today.MaxIntervalOverrideMs)
}

func TestService_StorageFailureStillProducesInterval(t *testing.T) {
	states := newMemoryStates()
	states.fail = errors.New("db down")
	svc := newTestService(states, &mockClickStats{}, nil)

	ms, scenario := svc.Current(context.Background(), "o", "a", model.ScriptDefaults{DefaultIntervalMs: 7000})
	assert.Equal(t, model.ScenarioStable, scenario)
	assert.Equal(t, int64(7000), ms)
}

func TestService_RecordClickTracksLandingPages(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	var newPages []bool
	clicks := &mockClickStats{
		recordFn: func(ctx context.Context, offerID, accountID string, day time.Time, newLandingPage bool) error {
			assert.Equal(t, "offer", offerID)
			assert.Equal(t, repository.Day(fixedNow), repository.Day(day))
			newPages = append(newPages, newLandingPage)
			return nil
		},
	}
	svc := newTestService(newMemoryStates(), clicks, NewRedisLandingPages(rdb, "test"))
	ctx := context.Background()

	require.NoError(t, svc.RecordClick(ctx, "offer", "acct", "https://shop.example/a"))
	require.NoError(t, svc.RecordClick(ctx, "offer", "acct", "https://shop.example/a"))
	require.NoError(t, svc.RecordClick(ctx, "offer", "acct", "https://shop.example/b"))

	assert.Equal(t, []bool{true, false, true}, newPages)
	assert.True(t, mr.Exists("test:lp:offer:acct:2026-03-10"))
}
