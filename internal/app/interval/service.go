package interval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sifan077/PowerSuffix/internal/app/model"
	"github.com/sifan077/PowerSuffix/internal/app/repository"
	"github.com/sifan077/PowerSuffix/internal/infra/prometheus"
	"go.uber.org/zap"
)

// LandingPageSet tracks which landing pages were already seen on a day.
type LandingPageSet interface {
	// Add records page and reports whether it was new for the day.
	Add(ctx context.Context, offerID, accountID string, day time.Time, page string) (bool, error)
}

// RedisLandingPages keeps one Redis set per offer, account and day.
type RedisLandingPages struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisLandingPages returns a Redis-backed LandingPageSet; sets expire
// two days after creation.
func NewRedisLandingPages(client *redis.Client, prefix string) *RedisLandingPages {
	return &RedisLandingPages{client: client, prefix: prefix + ":lp:", ttl: 48 * time.Hour}
}

func (p *RedisLandingPages) Add(ctx context.Context, offerID, accountID string, day time.Time, page string) (bool, error) {
	key := p.prefix + offerID + ":" + accountID + ":" + repository.Day(day).Format(time.DateOnly)

	pipe := p.client.TxPipeline()
	added := pipe.SAdd(ctx, key, page)
	pipe.Expire(ctx, key, p.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return added.Val() == 1, nil
}

// Service persists the daily cadence decision and the click counters it is computed from.
type Service struct {
	states repository.IntervalStateRepository
	clicks repository.ClickStatsRepository
	pages  LandingPageSet
	hard   HardDefaults
	logger *zap.Logger
	now    func() time.Time
}

// ServiceDeps groups the collaborators of Service.
type ServiceDeps struct {
	States repository.IntervalStateRepository
	Clicks repository.ClickStatsRepository
	Pages  LandingPageSet
	Hard   HardDefaults
	Logger *zap.Logger
	Now    func() time.Time
}

// NewService builds the interval service.
func NewService(deps ServiceDeps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		states: deps.States,
		clicks: deps.Clicks,
		pages:  deps.Pages,
		hard:   deps.Hard,
		logger: logger.Named("interval"),
		now:    now,
	}
}

// Current returns today's interval, computing and storing it on first use.
// It never fails: storage errors fall back to a STABLE default.
func (s *Service) Current(ctx context.Context, offerID, accountID string, script model.ScriptDefaults) (int64, model.IntervalScenario) {
	today, err := s.states.Get(ctx, offerID, accountID, s.now())
	if err == nil && today.IntervalUsedMs > 0 {
		return today.IntervalUsedMs, today.Scenario
	}
	return s.Recompute(ctx, offerID, accountID, script)
}

// Recompute evaluates the previous day and stores the decision on today's row.
func (s *Service) Recompute(ctx context.Context, offerID, accountID string, script model.ScriptDefaults) (int64, model.IntervalScenario) {
	return s.recompute(ctx, offerID, accountID, script, true)
}

// recompute carries the previous day's overrides onto today's row when inherit
// is set and today has neither a decision nor overrides of its own. Rows
// created by click counting alone still inherit.
func (s *Service) recompute(ctx context.Context, offerID, accountID string, script model.ScriptDefaults, inherit bool) (int64, model.IntervalScenario) {
	now := s.now()
	log := s.logger.With(zap.String("offer_id", offerID), zap.String("account_id", accountID))

	prev, err := s.states.Get(ctx, offerID, accountID, now.AddDate(0, 0, -1))
	if err != nil {
		if !errors.Is(err, repository.ErrIntervalStateNotFound) {
			log.Warn("failed to load previous interval state", zap.Error(err))
		}
		prev = nil
	}

	overrides := model.IntervalOverrides{}
	today, err := s.states.Get(ctx, offerID, accountID, now)
	if err == nil {
		overrides = today.Overrides()
	}
	fresh := err != nil || (today.IntervalUsedMs == 0 && overrides.Empty())
	if inherit && fresh && prev != nil && !prev.Overrides().Empty() {
		// Overrides stay in force until an admin clears them.
		overrides = prev.Overrides()
		if err := s.states.SaveOverrides(ctx, offerID, accountID, now, overrides); err != nil {
			log.Warn("failed to carry interval overrides forward", zap.Error(err))
		}
	}

	ms, scenario := ComputeInterval(prev, Resolve(overrides, script, s.hard))
	prometheus.IntervalScenarios.WithLabelValues(string(scenario)).Inc()

	state := &model.IntervalState{
		OfferID:        offerID,
		AccountID:      accountID,
		Date:           now,
		IntervalUsedMs: ms,
		Scenario:       scenario,
	}
	if err := s.states.SaveComputed(ctx, state); err != nil {
		log.Warn("failed to store computed interval", zap.Error(err))
	}

	log.Info("interval computed",
		zap.Int64("interval_ms", ms),
		zap.String("scenario", string(scenario)),
		zap.Float64("prev_average_repeats", averageOf(prev)),
	)
	return ms, scenario
}

// SetOverrides validates and stores admin overrides for today, then
// recomputes today's interval so the change takes effect immediately.
func (s *Service) SetOverrides(ctx context.Context, offerID, accountID string, o model.IntervalOverrides, script model.ScriptDefaults) (int64, model.IntervalScenario, error) {
	if err := ValidateOverrides(o); err != nil {
		return 0, "", err
	}
	if err := s.states.SaveOverrides(ctx, offerID, accountID, s.now(), o); err != nil {
		return 0, "", fmt.Errorf("save overrides: %w", err)
	}
	ms, scenario := s.recompute(ctx, offerID, accountID, script, false)
	return ms, scenario, nil
}

// RecordClick counts one production click and its landing page.
func (s *Service) RecordClick(ctx context.Context, offerID, accountID, landingPage string) error {
	now := s.now()

	isNew := false
	if landingPage != "" {
		added, err := s.pages.Add(ctx, offerID, accountID, now, landingPage)
		if err != nil {
			return fmt.Errorf("track landing page: %w", err)
		}
		isNew = added
	}

	if err := s.clicks.RecordClick(ctx, offerID, accountID, now, isNew); err != nil {
		return err
	}
	return nil
}

// History returns daily rows since the given number of days ago.
func (s *Service) History(ctx context.Context, offerID, accountID string, days int) ([]model.IntervalState, error) {
	since := s.now().AddDate(0, 0, -days)
	return s.clicks.History(ctx, offerID, accountID, since)
}

// Purge drops rows older than retainDays.
func (s *Service) Purge(ctx context.Context, retainDays int) (int64, error) {
	return s.clicks.PurgeBefore(ctx, s.now().AddDate(0, 0, -retainDays))
}

func averageOf(s *model.IntervalState) float64 {
	if s == nil {
		return 0
	}
	return s.AverageRepeats()
}
