package handler

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sifan077/PowerSuffix/internal/app/filler"
	"github.com/sifan077/PowerSuffix/internal/app/model"
	"github.com/sifan077/PowerSuffix/internal/app/repository"
	"github.com/sifan077/PowerSuffix/internal/app/rotation"
	"github.com/sifan077/PowerSuffix/internal/app/tracer"
	"go.uber.org/zap"
)

// Filler runs explicit fill requests.
type Filler interface {
	Fill(ctx context.Context, req filler.FillRequest) (filler.FillReport, error)
}

// TraceDeps groups dependencies required by the trace and fill handlers.
type TraceDeps struct {
	Logger   *zap.Logger
	Tracer   filler.Tracer
	Filler   Filler
	Selector *rotation.Selector
	// Defaults fills options a request leaves unset.
	Defaults tracer.Options
}

// TraceHandler exposes ad-hoc tracing and manual pool fills.
type TraceHandler struct {
	logger   *zap.Logger
	tracer   filler.Tracer
	filler   Filler
	selector *rotation.Selector
	defaults tracer.Options
}

// NewTraceHandler creates a trace handler with the provided dependencies.
func NewTraceHandler(deps TraceDeps) *TraceHandler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	selector := deps.Selector
	if selector == nil {
		selector = rotation.NewSelector(nil, nil, logger)
	}
	return &TraceHandler{
		logger:   logger,
		tracer:   deps.Tracer,
		filler:   deps.Filler,
		selector: selector,
		defaults: deps.Defaults,
	}
}

// Register wires trace routes onto the provided router.
func (h *TraceHandler) Register(router fiber.Router) {
	router.Post("/api/trace", h.Trace)
	router.Post("/api/fill-buckets", h.FillBuckets)
}

// TraceRequest is the body of POST /api/trace.
type TraceRequest struct {
	URL                       string                `json:"url" validate:"required,url"`
	MaxRedirects              int                   `json:"max_redirects" validate:"gte=0,lte=100"`
	TimeoutMs                 int                   `json:"timeout_ms" validate:"gte=0,lte=300000"`
	UserAgent                 string                `json:"user_agent"`
	UseProxy                  bool                  `json:"use_proxy"`
	ProxyGeo                  string                `json:"proxy_geo"`
	ProxyProtocol             string                `json:"proxy_protocol" validate:"omitempty,oneof=http socks5"`
	TracerMode                model.TracerMode      `json:"tracer_mode"`
	GeoPool                   []model.RotationEntry `json:"geo_pool" validate:"dive"`
	GeoStrategy               model.RotationMode    `json:"geo_strategy" validate:"omitempty,oneof=sequential random weighted"`
	ExpectedParams            []string              `json:"expected_params"`
	ExtractionHopIndex        *int                  `json:"extraction_hop_index" validate:"omitempty,gte=0"`
	ExtractFromLocationHeader bool                  `json:"extract_from_location_header"`
	ExpectedFinalURL          string                `json:"expected_final_url"`
}

// Trace handles POST /api/trace. Trace failures are reported inside the
// result; only invalid input is rejected.
func (h *TraceHandler) Trace(c *fiber.Ctx) error {
	var req TraceRequest
	if ok, err := bind(c, &req); !ok {
		return err
	}
	ctx := userContext(c)

	opts := h.defaults
	if req.MaxRedirects > 0 {
		opts.MaxRedirects = req.MaxRedirects
	}
	if req.TimeoutMs > 0 {
		opts.Timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	opts.UserAgent = req.UserAgent
	opts.UseProxy = req.UseProxy
	opts.ProxyGeo = strings.ToUpper(req.ProxyGeo)
	opts.ProxyProtocol = req.ProxyProtocol
	opts.Mode = req.TracerMode
	opts.ExpectedParams = req.ExpectedParams
	opts.ExtractionHopIndex = req.ExtractionHopIndex
	opts.ExtractFromLocationHeader = req.ExtractFromLocationHeader
	opts.ExpectedFinalURL = req.ExpectedFinalURL

	if opts.ProxyGeo == "" && len(req.GeoPool) > 0 {
		mode := req.GeoStrategy
		if mode == "" {
			mode = model.RotationWeighted
		}
		e, err := h.selector.Pick(ctx, "adhoc", "geo", req.GeoPool, mode)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
		opts.ProxyGeo = strings.ToUpper(e.Value)
	}

	res, err := h.tracer.Trace(ctx, req.URL, opts)
	if err != nil {
		switch {
		case errors.Is(err, tracer.ErrInvalidURL), errors.Is(err, tracer.ErrUnknownMode):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		case errors.Is(err, tracer.ErrStrategyUnavailable):
			return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": err.Error()})
		}
		h.logger.Error("trace failed", zap.String("url", req.URL), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "trace failed"})
	}
	return c.JSON(res)
}

// FillBuckets handles POST /api/fill-buckets.
func (h *TraceHandler) FillBuckets(c *fiber.Ctx) error {
	var req filler.FillRequest
	if ok, err := bind(c, &req); !ok {
		return err
	}

	report, err := h.filler.Fill(userContext(c), req)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrOfferNotFound):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "offer not found"})
		case errors.Is(err, filler.ErrOfferDisabled):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "offer is disabled"})
		case errors.Is(err, filler.ErrNoTargets), errors.Is(err, rotation.ErrNoEnabledEntries):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
		h.logger.Error("fill failed", zap.String("offer_id", req.OfferName), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "fill failed"})
	}
	return c.JSON(report)
}
