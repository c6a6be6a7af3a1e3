// Package filler keeps suffix pools stocked: it picks targets with the
// rotation selector, traces them and inserts the results into the bucket store.
package filler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sifan077/PowerSuffix/internal/app/bucket"
	"github.com/sifan077/PowerSuffix/internal/app/model"
	"github.com/sifan077/PowerSuffix/internal/app/repository"
	"github.com/sifan077/PowerSuffix/internal/app/rotation"
	"github.com/sifan077/PowerSuffix/internal/app/tracer"
	"github.com/sifan077/PowerSuffix/internal/infra/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	defaultConcurrency    = 8
	defaultTargetPoolSize = 20
)

var (
	// ErrOfferDisabled rejects fills for a disabled offer.
	ErrOfferDisabled = errors.New("filler: offer disabled")
	// ErrNoTargets is returned when neither explicit targets nor a geo pool yield work.
	ErrNoTargets = errors.New("filler: no targets")
)

// Tracer is the part of the redirect tracer the filler uses.
type Tracer interface {
	Trace(ctx context.Context, startURL string, opts tracer.Options) (*tracer.Result, error)
}

// Offers loads offer configuration.
type Offers interface {
	GetOffer(ctx context.Context, name string) (*model.Offer, error)
}

// Counters receives per-offer batch totals.
type Counters interface {
	Add(ctx context.Context, offerID string, deltas map[string]int64) error
}

// FillRequest asks for traces into specific pools. Empty target lists are
// filled by rotating over the offer's geo pool.
type FillRequest struct {
	OfferName        string   `json:"offer_name" validate:"required"`
	SingleGeoTargets []string `json:"single_geo_targets"`
	MultiGeoTargets  []string `json:"multi_geo_targets"`
	SingleGeoCount   int      `json:"single_geo_count" validate:"gte=0,lte=500"`
	MultiGeoCount    int      `json:"multi_geo_count" validate:"gte=0,lte=500"`
	// Force traces even when a pool is already at its target size.
	Force bool `json:"force"`
}

// BucketReport is the outcome for one pool of a batch.
type BucketReport struct {
	TargetGeo  string `json:"target_geo"`
	Requested  int    `json:"requested"`
	Generated  int    `json:"generated"`
	Failed     int    `json:"failed"`
	Duplicates int    `json:"duplicates,omitempty"`
	Skipped    bool   `json:"skipped,omitempty"`
}

// FillReport summarises a batch. Failures never abort the batch.
type FillReport struct {
	TotalGenerated int            `json:"total_generated"`
	TotalFailed    int            `json:"total_failed"`
	DurationMs     int64          `json:"duration_ms"`
	Buckets        []BucketReport `json:"buckets,omitempty"`
}

// Config tunes a Filler.
type Config struct {
	Concurrency    int
	TargetPoolSize int
	DefaultTimeout time.Duration
	DefaultRetries *int
	DefaultDelay   *time.Duration
	Counters       Counters
	Logger         *zap.Logger
}

// Filler runs trace batches into the bucket store.
type Filler struct {
	store    bucket.Store
	tracer   Tracer
	selector *rotation.Selector
	offers   Offers
	cfg      Config
	logger   *zap.Logger

	locks keyLocks
	group singleflight.Group
}

// New builds a Filler.
func New(store bucket.Store, tr Tracer, selector *rotation.Selector, offers Offers, cfg Config) *Filler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.TargetPoolSize <= 0 {
		cfg.TargetPoolSize = defaultTargetPoolSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if selector == nil {
		selector = rotation.NewSelector(nil, nil, logger)
	}
	return &Filler{
		store:    store,
		tracer:   tr,
		selector: selector,
		offers:   offers,
		cfg:      cfg,
		logger:   logger.Named("filler"),
		locks:    keyLocks{m: make(map[string]*sync.Mutex)},
	}
}

type target struct {
	geo   string
	count int
	mode  model.SourceMode
}

// Fill runs an explicit fill request.
func (f *Filler) Fill(ctx context.Context, req FillRequest) (FillReport, error) {
	offer, err := f.loadOffer(ctx, req.OfferName)
	if err != nil {
		return FillReport{}, err
	}
	targets, err := f.targets(ctx, offer, req)
	if err != nil {
		return FillReport{}, err
	}
	return f.run(ctx, offer, targets, req.Force), nil
}

// TopUp is the scheduled tick: it fills with the offer's configured counts
// and never pushes a pool past its target size.
func (f *Filler) TopUp(ctx context.Context, offerName string) (FillReport, error) {
	return f.Fill(ctx, FillRequest{OfferName: offerName})
}

// Refill answers a low-stock signal by topping one pool back up to its
// target size. Concurrent refills of the same pool share one run.
func (f *Filler) Refill(ctx context.Context, sig model.LowStockSignal) (FillReport, error) {
	key := sig.OfferID + "|" + sig.TargetGeo
	v, err, shared := f.group.Do(key, func() (any, error) {
		offer, err := f.loadOffer(ctx, sig.OfferID)
		if err != nil {
			return FillReport{}, err
		}
		mode := model.SourceSingleGeo
		if len(model.SplitGeoCombo(sig.TargetGeo)) > 1 {
			mode = model.SourceMultiGeo
		}
		t := target{geo: sig.TargetGeo, count: f.targetSize(offer), mode: mode}
		return f.run(ctx, offer, []target{t}, false), nil
	})
	if shared {
		f.logger.Debug("refill coalesced", zap.String("offer_id", sig.OfferID), zap.String("geo", sig.TargetGeo))
	}
	return v.(FillReport), err
}

func (f *Filler) loadOffer(ctx context.Context, name string) (*model.Offer, error) {
	offer, err := f.offers.GetOffer(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("load offer %q: %w", name, err)
	}
	if offer.Disabled {
		return nil, fmt.Errorf("%w: %s", ErrOfferDisabled, name)
	}
	return offer, nil
}

func (f *Filler) targetSize(offer *model.Offer) int {
	if offer.Config.TargetPoolSize > 0 {
		return offer.Config.TargetPoolSize
	}
	return f.cfg.TargetPoolSize
}

// targets resolves a request into per-pool trace counts.
func (f *Filler) targets(ctx context.Context, offer *model.Offer, req FillRequest) ([]target, error) {
	cfg := offer.Config
	singleCount := firstPositive(req.SingleGeoCount, cfg.SingleGeoCount)
	multiCount := firstPositive(req.MultiGeoCount, cfg.MultiGeoCount)
	if singleCount == 0 && multiCount == 0 && len(req.MultiGeoTargets) == 0 {
		singleCount = 1
	}
	strategy := cfg.GeoStrategy
	if strategy == "" {
		strategy = model.RotationWeighted
	}

	counts := map[string]*target{}
	add := func(geo string, n int, mode model.SourceMode) {
		if t, ok := counts[geo]; ok {
			t.count += n
			return
		}
		counts[geo] = &target{geo: geo, count: n, mode: mode}
	}

	if len(req.SingleGeoTargets) > 0 {
		for _, g := range req.SingleGeoTargets {
			g = strings.ToUpper(strings.TrimSpace(g))
			if !model.IsGeoCode(g) {
				return nil, fmt.Errorf("%w: invalid geo %q", ErrNoTargets, g)
			}
			add(g, max(singleCount, 1), model.SourceSingleGeo)
		}
	} else {
		for i := 0; i < singleCount && len(cfg.GeoPool) > 0; i++ {
			e, err := f.selector.Pick(ctx, offer.Name, "geo", cfg.GeoPool, strategy)
			if err != nil {
				return nil, fmt.Errorf("select geo: %w", err)
			}
			add(e.Value, 1, model.SourceSingleGeo)
		}
	}

	if len(req.MultiGeoTargets) > 0 {
		for _, combo := range req.MultiGeoTargets {
			geos := model.SplitGeoCombo(strings.ToUpper(combo))
			if len(geos) < 2 {
				return nil, fmt.Errorf("%w: combo %q needs at least two geos", ErrNoTargets, combo)
			}
			sort.Strings(geos)
			add(strings.Join(geos, ","), max(multiCount, 1), model.SourceMultiGeo)
		}
	} else if multiCount > 0 && cfg.MultiGeoSize > 1 {
		for i := 0; i < multiCount; i++ {
			picked, err := f.selector.PickDistinct(ctx, offer.Name, "geo-combo", cfg.GeoPool, strategy, cfg.MultiGeoSize)
			if err != nil {
				return nil, fmt.Errorf("select geo combo: %w", err)
			}
			if len(picked) < 2 {
				continue
			}
			geos := make([]string, len(picked))
			for j, e := range picked {
				geos[j] = e.Value
			}
			sort.Strings(geos)
			add(strings.Join(geos, ","), 1, model.SourceMultiGeo)
		}
	}

	if len(counts) == 0 {
		return nil, ErrNoTargets
	}
	out := make([]target, 0, len(counts))
	for _, t := range counts {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].geo < out[j].geo })
	return out, nil
}

// run traces every target under its pool lock. Locks are taken in geo order
// so overlapping batches cannot deadlock.
func (f *Filler) run(ctx context.Context, offer *model.Offer, targets []target, force bool) FillReport {
	started := time.Now()

	unlock := make([]func(), 0, len(targets))
	for _, t := range targets {
		unlock = append(unlock, f.locks.lock(offer.Name+"|"+t.geo))
	}
	defer func() {
		for _, u := range unlock {
			u()
		}
	}()

	reports := make([]BucketReport, len(targets))
	for i, t := range targets {
		reports[i] = BucketReport{TargetGeo: t.geo, Requested: t.count}
		if force {
			continue
		}
		avail, err := f.store.Available(ctx, offer.Name, t.geo)
		if err != nil {
			f.logger.Warn("read pool size", zap.String("offer_id", offer.Name), zap.String("geo", t.geo), zap.Error(err))
			continue
		}
		if room := f.targetSize(offer) - avail; room < t.count {
			targets[i].count = max(room, 0)
			reports[i].Requested = targets[i].count
			reports[i].Skipped = targets[i].count == 0
		}
	}

	var (
		mu    sync.Mutex
		found = make([][]model.SuffixRecord, len(targets))
	)
	g := new(errgroup.Group)
	g.SetLimit(f.cfg.Concurrency)
	for i, t := range targets {
		for n := 0; n < t.count; n++ {
			g.Go(func() error {
				rec, err := f.traceOne(ctx, offer, t)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					reports[i].Failed++
					f.logger.Info("trace failed",
						zap.String("offer_id", offer.Name),
						zap.String("geo", t.geo),
						zap.Error(err),
					)
					return nil
				}
				found[i] = append(found[i], *rec)
				return nil
			})
		}
	}
	_ = g.Wait()

	report := FillReport{}
	duplicates := 0
	for i := range targets {
		if len(found[i]) > 0 {
			res, err := f.store.Insert(ctx, found[i])
			if err != nil {
				f.logger.Error("insert suffixes",
					zap.String("offer_id", offer.Name),
					zap.String("geo", targets[i].geo),
					zap.Error(err),
				)
				reports[i].Failed += len(found[i]) - res.Inserted - res.Duplicates
			}
			reports[i].Generated = res.Inserted
			reports[i].Duplicates = res.Duplicates
		}
		report.TotalGenerated += reports[i].Generated
		report.TotalFailed += reports[i].Failed
		duplicates += reports[i].Duplicates
	}
	report.Buckets = reports
	report.DurationMs = time.Since(started).Milliseconds()

	prometheus.FillGenerated.Add(float64(report.TotalGenerated))
	prometheus.FillFailed.Add(float64(report.TotalFailed))
	if f.cfg.Counters != nil {
		err := f.cfg.Counters.Add(ctx, offer.Name, map[string]int64{
			repository.CounterGenerated:   int64(report.TotalGenerated),
			repository.CounterTraceFailed: int64(report.TotalFailed),
			repository.CounterDuplicates:  int64(duplicates),
		})
		if err != nil {
			f.logger.Warn("update offer counters", zap.String("offer_id", offer.Name), zap.Error(err))
		}
	}
	f.logger.Info("fill batch finished",
		zap.String("offer_id", offer.Name),
		zap.Int("generated", report.TotalGenerated),
		zap.Int("failed", report.TotalFailed),
		zap.Int64("duration_ms", report.DurationMs),
	)
	return report
}

// traceOne runs a single trace with its own context so a slow or cancelled
// sibling never affects it.
func (f *Filler) traceOne(ctx context.Context, offer *model.Offer, t target) (*model.SuffixRecord, error) {
	cfg := offer.Config

	trackingMode := cfg.TrackingMode
	if trackingMode == "" {
		trackingMode = model.RotationSequential
	}
	start, err := f.selector.Pick(ctx, offer.Name, "tracking", cfg.TrackingURLs, trackingMode)
	if err != nil {
		return nil, fmt.Errorf("select tracking url: %w", err)
	}

	opts := f.traceOptions(cfg)
	opts.ProxyGeo = t.geo
	if t.mode == model.SourceMultiGeo {
		exits := make([]model.RotationEntry, 0, 2)
		for _, g := range model.SplitGeoCombo(t.geo) {
			exits = append(exits, model.RotationEntry{Value: g, Weight: 1, Enabled: true})
		}
		exit, err := f.selector.Pick(ctx, offer.Name, "combo-exit", exits, model.RotationRandom)
		if err != nil {
			return nil, err
		}
		opts.ProxyGeo = exit.Value
	}

	if len(rotation.Enabled(cfg.Referrers)) > 0 {
		mode := cfg.ReferrerMode
		if mode == "" {
			mode = model.RotationRandom
		}
		ref, err := f.selector.Pick(ctx, offer.Name, "referrer", cfg.Referrers, mode)
		if err == nil {
			opts.Referrer = &ref
		}
	}
	if device, ok := f.pickDevice(ctx, offer); ok {
		opts.UserAgent = userAgents[device]
	}

	traceCtx, cancel := context.WithTimeout(ctx, opts.Timeout+5*time.Second)
	defer cancel()

	res, err := f.tracer.Trace(traceCtx, start.Value, opts)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, res.Err()
	}
	suffix := res.Suffix(cfg.ParamAllowList)
	if suffix == "" {
		return nil, fmt.Errorf("no parameters extracted from %s", res.FinalURL)
	}

	return &model.SuffixRecord{
		OfferID:     offer.Name,
		TargetGeo:   t.geo,
		SuffixValue: suffix,
		Status:      model.SuffixUnused,
		TraceChain:  res.Hops,
		SourceMode:  t.mode,
	}, nil
}

func (f *Filler) traceOptions(cfg model.OfferConfig) tracer.Options {
	opts := tracer.Options{
		MaxRedirects:              cfg.MaxRedirects,
		Timeout:                   time.Duration(cfg.TimeoutMs) * time.Millisecond,
		UseProxy:                  cfg.UseProxy,
		ProxyProtocol:             cfg.ProxyProtocol,
		Mode:                      cfg.TracerMode,
		ExpectedFinalURL:          cfg.ExpectedFinalURL,
		ExtractionHopIndex:        cfg.ExtractionHopIndex,
		ExtractFromLocationHeader: cfg.ExtractFromLocationHeader,
		ExpectedParams:            cfg.ExpectedParams,
		RetryLimit:                f.cfg.DefaultRetries,
		RetryDelay:                f.cfg.DefaultDelay,
	}
	if opts.Timeout <= 0 {
		opts.Timeout = f.cfg.DefaultTimeout
	}
	if opts.Timeout <= 0 {
		opts.Timeout = tracer.DefaultTimeout
	}
	if cfg.RetryLimit != nil {
		opts.RetryLimit = cfg.RetryLimit
	}
	if cfg.RetryDelayMs != nil {
		d := time.Duration(*cfg.RetryDelayMs) * time.Millisecond
		opts.RetryDelay = &d
	}
	return opts
}

func (f *Filler) pickDevice(ctx context.Context, offer *model.Offer) (string, bool) {
	if len(offer.Config.DeviceDistribution) == 0 {
		return "", false
	}
	entries := make([]model.RotationEntry, 0, len(offer.Config.DeviceDistribution))
	for _, d := range offer.Config.DeviceDistribution {
		entries = append(entries, model.RotationEntry{Value: d.Device, Weight: d.Percent, Enabled: d.Percent > 0})
	}
	e, err := f.selector.Pick(ctx, offer.Name, "device", entries, model.RotationWeighted)
	if err != nil {
		return "", false
	}
	return e.Value, true
}

var userAgents = map[string]string{
	"desktop": "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"mobile":  "Mozilla/5.0 (iPhone; CPU iPhone OS 17_4 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Mobile/15E148 Safari/604.1",
	"tablet":  "Mozilla/5.0 (iPad; CPU OS 17_4 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Mobile/15E148 Safari/604.1",
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}

// keyLocks hands out one mutex per pool key.
type keyLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func (k *keyLocks) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.m[key]
	if !ok {
		l = &sync.Mutex{}
		k.m[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}
