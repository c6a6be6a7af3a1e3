package service

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const defaultSweepInterval = time.Hour

// SuffixPruner drops spent suffix records created before a cutoff.
type SuffixPruner interface {
	Prune(ctx context.Context, before time.Time) (int, error)
}

// IntervalPurger drops daily cadence rows older than a number of days.
type IntervalPurger interface {
	Purge(ctx context.Context, retainDays int) (int64, error)
}

// RetentionJanitor periodically prunes spent suffixes and old interval rows.
type RetentionJanitor struct {
	logger       *zap.Logger
	suffixes     SuffixPruner
	intervals    IntervalPurger
	suffixTTL    time.Duration
	intervalDays int
	interval     time.Duration
	now          func() time.Time
	stopChan     chan struct{}
	done         chan struct{}
}

// NewRetentionJanitor creates a new retention janitor.
func NewRetentionJanitor(logger *zap.Logger, suffixes SuffixPruner, intervals IntervalPurger, suffixDays, intervalDays int, every time.Duration) *RetentionJanitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if every <= 0 {
		every = defaultSweepInterval
	}
	if suffixDays <= 0 {
		suffixDays = 7
	}
	if intervalDays <= 0 {
		intervalDays = 7
	}
	return &RetentionJanitor{
		logger:       logger.Named("janitor"),
		suffixes:     suffixes,
		intervals:    intervals,
		suffixTTL:    time.Duration(suffixDays) * 24 * time.Hour,
		intervalDays: intervalDays,
		interval:     every,
		now:          time.Now,
	}
}

func (j *RetentionJanitor) String() string { return "retention-janitor" }

// Start begins the periodic sweeps.
func (j *RetentionJanitor) Start() {
	j.stopChan = make(chan struct{})
	j.done = make(chan struct{})
	go j.run(j.stopChan, j.done)
}

// Stop stops the sweeps and waits for a running sweep to finish.
func (j *RetentionJanitor) Stop() {
	if j.stopChan == nil {
		return
	}
	close(j.stopChan)
	<-j.done
	j.stopChan = nil
}

// Serve implements suture.Service on top of Start and Stop.
func (j *RetentionJanitor) Serve(ctx context.Context) error {
	j.Start()
	<-ctx.Done()
	j.Stop()
	return nil
}

func (j *RetentionJanitor) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.Sweep(context.Background())
	for {
		select {
		case <-ticker.C:
			j.Sweep(context.Background())
		case <-stop:
			j.logger.Info("retention janitor stopped")
			return
		}
	}
}

// Sweep runs one retention pass. Failures are logged and retried next tick.
func (j *RetentionJanitor) Sweep(ctx context.Context) {
	if j.suffixes != nil {
		before := j.now().Add(-j.suffixTTL)
		pruned, err := j.suffixes.Prune(ctx, before)
		if err != nil {
			j.logger.Error("failed to prune suffix records", zap.Error(err))
		} else if pruned > 0 {
			j.logger.Info("pruned spent suffix records",
				zap.Int("count", pruned),
				zap.Time("created_before", before),
			)
		}
	}

	if j.intervals != nil {
		purged, err := j.intervals.Purge(ctx, j.intervalDays)
		if err != nil {
			j.logger.Error("failed to purge interval states", zap.Error(err))
		} else if purged > 0 {
			j.logger.Info("purged interval states",
				zap.Int64("count", purged),
				zap.Int("retain_days", j.intervalDays),
			)
		}
	}
}
