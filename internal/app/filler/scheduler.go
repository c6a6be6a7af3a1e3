package filler

import (
	"context"
	"sync"
	"time"

	"github.com/sifan077/PowerSuffix/internal/app/model"
	"go.uber.org/zap"
)

// Cadence returns how long to wait between scheduled top-ups of an offer.
type Cadence interface {
	Current(ctx context.Context, offerID, accountID string, script model.ScriptDefaults) (int64, model.IntervalScenario)
}

// OfferLister lists the offers the scheduler keeps stocked.
type OfferLister interface {
	ListActiveOffers(ctx context.Context) ([]model.Offer, error)
}

// Scheduler tops up every active offer at the cadence chosen by the
// interval controller. It runs as a supervised service.
type Scheduler struct {
	filler  *Filler
	offers  OfferLister
	cadence Cadence
	tick    time.Duration
	logger  *zap.Logger
	now     func() time.Time

	mu      sync.Mutex
	next    map[string]time.Time
	running map[string]bool
	wg      sync.WaitGroup
}

// NewScheduler builds a Scheduler that checks for due offers every tick.
func NewScheduler(f *Filler, offers OfferLister, cadence Cadence, tick time.Duration, logger *zap.Logger) *Scheduler {
	if tick <= 0 {
		tick = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		filler:  f,
		offers:  offers,
		cadence: cadence,
		tick:    tick,
		logger:  logger.Named("scheduler"),
		now:     time.Now,
		next:    make(map[string]time.Time),
		running: make(map[string]bool),
	}
}

func (s *Scheduler) String() string { return "fill-scheduler" }

// Serve implements suture.Service.
func (s *Scheduler) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	defer s.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("fill scheduler stopped")
			return nil
		case <-ticker.C:
			s.runDue(ctx)
		}
	}
}

// runDue starts a top-up for every offer whose next run time has passed and
// which has no top-up in flight.
func (s *Scheduler) runDue(ctx context.Context) {
	offers, err := s.offers.ListActiveOffers(ctx)
	if err != nil {
		s.logger.Error("failed to list offers", zap.Error(err))
		return
	}

	now := s.now()
	for _, offer := range offers {
		s.mu.Lock()
		due := !s.running[offer.Name] && !now.Before(s.next[offer.Name])
		if due {
			s.running[offer.Name] = true
		}
		s.mu.Unlock()
		if !due {
			continue
		}

		ms, scenario := s.cadence.Current(ctx, offer.Name, offer.AccountID, offer.Config.Interval)
		s.mu.Lock()
		s.next[offer.Name] = now.Add(time.Duration(ms) * time.Millisecond)
		s.mu.Unlock()

		s.wg.Add(1)
		go func(name string) {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				s.running[name] = false
				s.mu.Unlock()
			}()

			report, err := s.filler.TopUp(ctx, name)
			if err != nil {
				s.logger.Warn("scheduled top-up failed", zap.String("offer_id", name), zap.Error(err))
				return
			}
			s.logger.Debug("scheduled top-up",
				zap.String("offer_id", name),
				zap.Int64("interval_ms", ms),
				zap.String("scenario", string(scenario)),
				zap.Int("generated", report.TotalGenerated),
			)
		}(offer.Name)
	}
}

// SignalLoop drains in-process low-stock signals into Filler.Refill.
type SignalLoop struct {
	filler  *Filler
	signals <-chan model.LowStockSignal
	logger  *zap.Logger
	wg      sync.WaitGroup
}

// NewSignalLoop builds a SignalLoop reading from signals.
func NewSignalLoop(f *Filler, signals <-chan model.LowStockSignal, logger *zap.Logger) *SignalLoop {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SignalLoop{filler: f, signals: signals, logger: logger.Named("signals")}
}

func (l *SignalLoop) String() string { return "lowstock-signal-loop" }

// Serve implements suture.Service.
func (l *SignalLoop) Serve(ctx context.Context) error {
	defer l.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-l.signals:
			if !ok {
				return nil
			}
			l.wg.Add(1)
			go func() {
				defer l.wg.Done()
				l.handle(ctx, sig)
			}()
		}
	}
}

func (l *SignalLoop) handle(ctx context.Context, sig model.LowStockSignal) {
	report, err := l.filler.Refill(ctx, sig)
	if err != nil {
		l.logger.Warn("refill failed",
			zap.String("offer_id", sig.OfferID),
			zap.String("geo", sig.TargetGeo),
			zap.Error(err),
		)
		return
	}
	l.logger.Info("pool refilled",
		zap.String("offer_id", sig.OfferID),
		zap.String("geo", sig.TargetGeo),
		zap.Int("available_before", sig.Available),
		zap.Int("generated", report.TotalGenerated),
		zap.Int("failed", report.TotalFailed),
	)
}
