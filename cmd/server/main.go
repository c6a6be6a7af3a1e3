package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sifan077/PowerSuffix/config"
	"github.com/sifan077/PowerSuffix/internal/app/bucket"
	"github.com/sifan077/PowerSuffix/internal/app/filler"
	"github.com/sifan077/PowerSuffix/internal/app/interval"
	appmodel "github.com/sifan077/PowerSuffix/internal/app/model"
	apprepository "github.com/sifan077/PowerSuffix/internal/app/repository"
	"github.com/sifan077/PowerSuffix/internal/app/rotation"
	appserver "github.com/sifan077/PowerSuffix/internal/app/server"
	appservice "github.com/sifan077/PowerSuffix/internal/app/service"
	"github.com/sifan077/PowerSuffix/internal/app/tracer"
	"github.com/sifan077/PowerSuffix/internal/http/middleware"
	"github.com/sifan077/PowerSuffix/internal/infra/logger"
	infraNATS "github.com/sifan077/PowerSuffix/internal/infra/nats"
	infraPostgres "github.com/sifan077/PowerSuffix/internal/infra/postgres"
	infraPrometheus "github.com/sifan077/PowerSuffix/internal/infra/prometheus"
	infraRedis "github.com/sifan077/PowerSuffix/internal/infra/redis"
	"go.uber.org/zap"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	isDev := os.Getenv("APP_ENV") != "production"
	log := logger.MustInit(logger.Config{
		Development: isDev,
		Level:       os.Getenv("LOG_LEVEL"),
		Service:     "powersuffix",
	})
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config", zap.Error(err))
	}

	log.Info("Configuration loaded successfully",
		zap.String("postgres_host", cfg.Postgres.Host),
		zap.Int("postgres_port", cfg.Postgres.Port),
		zap.String("postgres_db", cfg.Postgres.Database),
		zap.String("redis_host", cfg.Redis.Host),
		zap.Int("redis_port", cfg.Redis.Port),
		zap.Bool("nats_enabled", cfg.NATS.Enabled),
		zap.String("http_addr", cfg.HTTP.Addr),
		zap.String("key_prefix", cfg.Bucket.KeyPrefix),
	)

	gormDB, err := infraPostgres.NewGorm(cfg.Postgres, log)
	if err != nil {
		log.Fatal("Failed to open GORM connection", zap.Error(err))
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		log.Fatal("Failed to access underlying SQL DB", zap.Error(err))
	}
	defer sqlDB.Close()

	if err := infraPostgres.AutoMigrate(ctx, gormDB, &appmodel.Offer{}, &appmodel.IntervalState{}); err != nil {
		log.Fatal("Failed to run database migrations", zap.Error(err))
	}

	pool, err := infraPostgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		log.Fatal("Failed to connect to Postgres", zap.Error(err))
	}
	defer pool.Close()
	log.Info("Connected to Postgres successfully")

	redisClient, err := infraRedis.NewClient(ctx, cfg.Redis)
	if err != nil {
		log.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	log.Info("Connected to Redis successfully")

	var js nats.JetStreamContext
	if cfg.NATS.Enabled {
		natsConn, jsCtx, err := infraNATS.Connect(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		defer natsConn.Drain()
		if err := appservice.EnsureStreams(jsCtx); err != nil {
			log.Fatal("Failed to provision JetStream streams", zap.Error(err))
		}
		js = jsCtx
		log.Info("Connected to NATS successfully", zap.String("url", infraNATS.URL(cfg.NATS)))
	} else {
		log.Info("NATS disabled, low-stock signals and clicks stay in process")
	}

	prefix := cfg.Bucket.KeyPrefix

	// Repositories and offer configuration.
	offerRepo := apprepository.NewOfferRepository(gormDB)
	counters := apprepository.NewOfferCounterRepository(redisClient, prefix)
	offers := appservice.NewOfferService(offerRepo, cfg.Bucket.LowStockThreshold,
		time.Duration(cfg.HTTP.OfferCacheSeconds)*time.Second)

	// Suffix pools. Low-stock signals go to JetStream when enabled,
	// otherwise to an in-process queue drained by the signal loop.
	var (
		notifier bucket.Notifier
		signals  *bucket.ChanNotifier
	)
	if js != nil {
		notifier = appservice.NewLowStockPublisher(js)
	} else {
		signals = bucket.NewChanNotifier(cfg.Bucket.SignalBuffer)
		notifier = signals
	}
	store := bucket.NewRedisStore(redisClient, bucket.Config{
		Prefix:    prefix,
		Threshold: offers.Threshold,
		Notifier:  notifier,
		Dedupe:    bucket.NewDeduper(cfg.Bucket.DedupeCapacity, cfg.Bucket.DedupeFalseRate),
		Logger:    log.Named("bucket"),
	})

	selector := rotation.NewSelector(rotation.NewRedisCursors(redisClient, prefix), nil, log)

	// Redirect tracing.
	fetcher := tracer.NewHTTPFetcher(tracer.HTTPFetcherConfig{
		Proxies:         tracer.TemplateProxyProvider{Template: cfg.Tracer.ProxyURLTemplate},
		RequestsPerSec:  cfg.Tracer.RequestsPerSec,
		Burst:           cfg.Tracer.Burst,
		BreakerFailures: cfg.Tracer.BreakerFailures,
		Logger:          log.Named("fetch"),
	})
	tracerOpts := []tracer.Option{tracer.WithLogger(log)}
	if cfg.Tracer.RenderEndpoint != "" {
		tracerOpts = append(tracerOpts, tracer.WithRenderer(tracer.NewRemoteRenderer(cfg.Tracer.RenderEndpoint, nil)))
	}
	redirectTracer := tracer.New(fetcher, tracerOpts...)

	retryLimit := cfg.Tracer.RetryLimit
	retryDelay := time.Duration(cfg.Tracer.RetryDelayMs) * time.Millisecond
	traceDefaults := tracer.Options{
		MaxRedirects: cfg.Tracer.MaxRedirects,
		Timeout:      time.Duration(cfg.Tracer.TimeoutMs) * time.Millisecond,
		RetryLimit:   &retryLimit,
		RetryDelay:   &retryDelay,
	}

	// Adaptive cadence.
	intervals := interval.NewService(interval.ServiceDeps{
		States: apprepository.NewIntervalStateRepository(gormDB),
		Clicks: apprepository.NewClickStatsRepository(pool),
		Pages:  interval.NewRedisLandingPages(redisClient, prefix),
		Hard: interval.HardDefaults{
			DefaultIntervalMs: cfg.Interval.DefaultIntervalMs,
			MinIntervalMs:     cfg.Interval.MinIntervalMs,
			MaxIntervalMs:     cfg.Interval.MaxIntervalMs,
			TargetRepeatRatio: cfg.Interval.TargetRepeatRatio,
			MinRepeatRatio:    cfg.Interval.MinRepeatRatio,
			ShrinkFactor:      cfg.Interval.ShrinkFactor,
			GrowFactor:        cfg.Interval.GrowFactor,
		},
		Logger: log,
	})

	fill := filler.New(store, redirectTracer, selector, offers, filler.Config{
		Concurrency:    cfg.Filler.Concurrency,
		TargetPoolSize: cfg.Filler.TargetPoolSize,
		DefaultTimeout: traceDefaults.Timeout,
		DefaultRetries: &retryLimit,
		DefaultDelay:   &retryDelay,
		Counters:       counters,
		Logger:         log,
	})

	// Click ingestion feeds the interval controller.
	direct := appservice.NewDirectClicks(intervals, counters, log)
	var clicks appservice.ClickSink = direct
	if js != nil {
		clicks = appservice.NewClickPublisher(js)
	}

	rateLimit := middleware.DefaultRateLimitConfig()
	rateLimit.MaxRequests = cfg.HTTP.RateLimitPerMin
	rateLimit.KeyPrefix = prefix + ":ratelimit"

	server := appserver.New(cfg.HTTP.Addr, appserver.Dependencies{
		Logger:        log,
		Redis:         redisClient,
		Offers:        offers,
		Suffixes:      appservice.NewSuffixService(store, offers, selector, counters, log),
		Buckets:       store,
		Intervals:     intervals,
		Counters:      counters,
		Clicks:        clicks,
		Tracer:        redirectTracer,
		Filler:        fill,
		Selector:      selector,
		TraceDefaults: traceDefaults,
		RateLimit:     rateLimit,
		CORSOrigins:   cfg.HTTP.CORSOrigins,
		GeoHeader:     cfg.HTTP.GeoHeader,
	})

	tree := appserver.NewTree(log, appserver.DefaultTreeConfig())
	tree.AddUpkeepService(filler.NewScheduler(fill, offers, intervals,
		time.Duration(cfg.Filler.SchedulerTickMs)*time.Millisecond, log))
	tree.AddUpkeepService(appservice.NewRetentionJanitor(log, store, intervals,
		cfg.Retention.SuffixDays, cfg.Retention.IntervalDays,
		time.Duration(cfg.Retention.SweepMinutes)*time.Minute))
	if signals != nil {
		tree.AddUpkeepService(filler.NewSignalLoop(fill, signals.Signals(), log))
	}
	if js != nil {
		tree.AddMessagingService(appservice.NewLowStockConsumer(js, log, fill))
		tree.AddMessagingService(appservice.NewClickConsumer(js, log, direct))
	}
	tree.AddAPIService(server)
	if !isDev {
		tree.AddAPIService(infraPrometheus.NewServer(cfg.Prometheus, log))
	} else {
		log.Info("Skipping Prometheus metrics server in development mode")
	}

	log.Info("PowerSuffix started", zap.String("addr", cfg.HTTP.Addr))
	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Supervisor exited", zap.Error(err))
	}

	if report, err := tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
		log.Warn("Services did not stop in time", zap.Int("count", len(report)))
	}
	log.Info("PowerSuffix stopped")
}
