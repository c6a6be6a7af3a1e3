package server

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sifan077/PowerSuffix/internal/app/bucket"
	"github.com/sifan077/PowerSuffix/internal/app/filler"
	"github.com/sifan077/PowerSuffix/internal/app/rotation"
	"github.com/sifan077/PowerSuffix/internal/app/service"
	"github.com/sifan077/PowerSuffix/internal/app/tracer"
	inthttp "github.com/sifan077/PowerSuffix/internal/http/handler"
	"github.com/sifan077/PowerSuffix/internal/http/middleware"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

// Dependencies bundles the components served by the HTTP server.
type Dependencies struct {
	Logger        *zap.Logger
	Redis         *redis.Client
	Offers        service.OfferService
	Suffixes      inthttp.Allocator
	Buckets       bucket.Store
	Intervals     inthttp.IntervalAPI
	Counters      inthttp.CounterReader
	Clicks        service.ClickSink
	Tracer        filler.Tracer
	Filler        inthttp.Filler
	Selector      *rotation.Selector
	TraceDefaults tracer.Options

	RateLimit   middleware.RateLimitConfig
	CORSOrigins []string
	GeoHeader   string
}

// Server wraps the Fiber application and its dependencies.
type Server struct {
	app  *fiber.App
	addr string
	deps Dependencies
}

// New creates a new HTTP server instance listening on addr.
func New(addr string, deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	app := fiber.New(fiber.Config{
		AppName:               "PowerSuffix",
		DisableStartupMessage: true,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		ErrorHandler:          errorHandler,
	})

	s := &Server{
		app:  app,
		addr: addr,
		deps: deps,
	}

	s.registerRoutes()
	return s
}

// App exposes the Fiber application, mainly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen starts the Fiber server.
func (s *Server) Listen() error {
	return s.app.Listen(s.addr)
}

// Shutdown gracefully stops the Fiber server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) String() string { return "http-server" }

// Serve implements suture.Service: it listens until ctx is done, then
// drains in-flight requests.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.deps.Logger.Info("http server listening", zap.String("addr", s.addr))
		errCh <- s.Listen()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			s.deps.Logger.Warn("http server shutdown", zap.Error(err))
		}
		<-errCh
		return nil
	}
}

func (s *Server) registerRoutes() {
	logger := s.deps.Logger.Named("http")

	s.app.Use(middleware.Recovery(logger))
	s.app.Use(middleware.RequestID())
	s.app.Use(middleware.Logger(logger))
	s.app.Use(middleware.CORS(s.deps.CORSOrigins))
	s.app.Use("/api", middleware.RateLimit(s.deps.Redis, s.deps.RateLimit, logger))

	inthttp.NewRedirectHandler(inthttp.RedirectDeps{
		Logger:    logger,
		Suffixes:  s.deps.Suffixes,
		Offers:    s.deps.Offers,
		Clicks:    s.deps.Clicks,
		GeoHeader: s.deps.GeoHeader,
	}).Register(s.app)

	inthttp.NewAPIHandler(inthttp.APIDeps{
		Logger:    logger,
		Offers:    s.deps.Offers,
		Buckets:   s.deps.Buckets,
		Intervals: s.deps.Intervals,
		Counters:  s.deps.Counters,
	}).Register(s.app)

	inthttp.NewTraceHandler(inthttp.TraceDeps{
		Logger:   logger,
		Tracer:   s.deps.Tracer,
		Filler:   s.deps.Filler,
		Selector: s.deps.Selector,
		Defaults: s.deps.TraceDefaults,
	}).Register(s.app)
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	msg := "internal server error"
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
		msg = fe.Message
	}
	return c.Status(code).JSON(fiber.Map{"error": msg})
}
