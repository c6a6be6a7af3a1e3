package handler

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sifan077/PowerSuffix/internal/app/bucket"
	"github.com/sifan077/PowerSuffix/internal/app/interval"
	"github.com/sifan077/PowerSuffix/internal/app/model"
	"github.com/sifan077/PowerSuffix/internal/app/repository"
	"github.com/sifan077/PowerSuffix/internal/app/service"
	"go.uber.org/zap"
)

const defaultHistoryDays = 7

// IntervalAPI is the part of the interval service the API exposes.
type IntervalAPI interface {
	History(ctx context.Context, offerID, accountID string, days int) ([]model.IntervalState, error)
	SetOverrides(ctx context.Context, offerID, accountID string, o model.IntervalOverrides, script model.ScriptDefaults) (int64, model.IntervalScenario, error)
}

// CounterReader reads per-offer counters.
type CounterReader interface {
	Get(ctx context.Context, offerID string) (map[string]int64, error)
}

// APIDeps groups dependencies required by API handlers.
type APIDeps struct {
	Logger    *zap.Logger
	Offers    service.OfferService
	Buckets   bucket.Store
	Intervals IntervalAPI
	Counters  CounterReader
}

// APIHandler implements the management API endpoints.
type APIHandler struct {
	logger    *zap.Logger
	offers    service.OfferService
	buckets   bucket.Store
	intervals IntervalAPI
	counters  CounterReader
}

// NewAPIHandler creates an API handler with the provided dependencies.
func NewAPIHandler(deps APIDeps) *APIHandler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &APIHandler{
		logger:    logger,
		offers:    deps.Offers,
		buckets:   deps.Buckets,
		intervals: deps.Intervals,
		counters:  deps.Counters,
	}
}

// Register wires API routes onto the provided router.
func (h *APIHandler) Register(router fiber.Router) {
	api := router.Group("/api")
	{
		offers := api.Group("/offers")
		{
			offers.Post("/", h.CreateOffer)
			offers.Get("/", h.ListOffers)
			offers.Get("/:name", h.GetOffer)
			offers.Put("/:name", h.UpdateOffer)
			offers.Get("/:name/stats", h.OfferStats)
			offers.Get("/:name/buckets", h.BucketStats)
			offers.Delete("/:name/buckets", h.ClearBuckets)
			offers.Get("/:name/intervals", h.IntervalHistory)
			offers.Put("/:name/intervals/overrides", h.SetIntervalOverrides)
		}
		api.Post("/suffixes/:id/status", h.MarkSuffix)
	}
}

// OfferResponse is the wire form of an offer.
type OfferResponse struct {
	Name      string            `json:"name"`
	AccountID string            `json:"account_id"`
	Disabled  bool              `json:"disabled"`
	Config    model.OfferConfig `json:"config"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

func toOfferResponse(o *model.Offer) OfferResponse {
	return OfferResponse{
		Name:      o.Name,
		AccountID: o.AccountID,
		Disabled:  o.Disabled,
		Config:    o.Config,
		CreatedAt: o.CreatedAt,
		UpdatedAt: o.UpdatedAt,
	}
}

// offerError maps offer service failures onto responses.
func (h *APIHandler) offerError(c *fiber.Ctx, name, action string, err error) error {
	switch {
	case errors.Is(err, repository.ErrOfferNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "offer not found"})
	case errors.Is(err, model.ErrInvalidOfferConfig), errors.Is(err, service.ErrInvalidOfferName):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	h.logger.Error("failed to "+action, zap.String("offer_id", name), zap.Error(err))
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to " + action})
}

// CreateOfferRequest represents the request body for creating an offer.
type CreateOfferRequest struct {
	Name      string            `json:"name" validate:"required,max=128"`
	AccountID string            `json:"account_id" validate:"required"`
	Disabled  bool              `json:"disabled"`
	Config    model.OfferConfig `json:"config"`
}

// CreateOffer handles POST /api/offers
func (h *APIHandler) CreateOffer(c *fiber.Ctx) error {
	var req CreateOfferRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if req.Name == "" || req.AccountID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "name and account_id are required"})
	}

	offer, err := h.offers.CreateOffer(userContext(c), service.CreateOfferInput{
		Name:      req.Name,
		AccountID: req.AccountID,
		Disabled:  req.Disabled,
		Config:    req.Config,
	})
	if err != nil {
		return h.offerError(c, req.Name, "create offer", err)
	}
	return c.Status(fiber.StatusCreated).JSON(toOfferResponse(offer))
}

// ListOffers handles GET /api/offers
func (h *APIHandler) ListOffers(c *fiber.Ctx) error {
	limit := 20
	offset := 0
	if parsed := c.QueryInt("limit"); parsed > 0 && parsed <= 100 {
		limit = parsed
	}
	if parsed := c.QueryInt("offset"); parsed >= 0 {
		offset = parsed
	}

	offers, err := h.offers.ListOffers(userContext(c), limit, offset)
	if err != nil {
		h.logger.Error("failed to list offers", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to list offers"})
	}

	response := make([]OfferResponse, len(offers))
	for i := range offers {
		response[i] = toOfferResponse(&offers[i])
	}
	return c.JSON(fiber.Map{
		"offers": response,
		"limit":  limit,
		"offset": offset,
		"count":  len(response),
	})
}

// GetOffer handles GET /api/offers/:name
func (h *APIHandler) GetOffer(c *fiber.Ctx) error {
	name := c.Params("name")
	offer, err := h.offers.GetOffer(userContext(c), name)
	if err != nil {
		return h.offerError(c, name, "get offer", err)
	}
	return c.JSON(toOfferResponse(offer))
}

// UpdateOfferRequest represents the request body for updating an offer.
type UpdateOfferRequest struct {
	AccountID *string            `json:"account_id,omitempty"`
	Disabled  *bool              `json:"disabled,omitempty"`
	Config    *model.OfferConfig `json:"config,omitempty"`
}

// UpdateOffer handles PUT /api/offers/:name
func (h *APIHandler) UpdateOffer(c *fiber.Ctx) error {
	name := c.Params("name")

	var req UpdateOfferRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if req.AccountID != nil && *req.AccountID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "account_id must not be empty"})
	}

	offer, err := h.offers.UpdateOffer(userContext(c), name, service.UpdateOfferInput{
		AccountID: req.AccountID,
		Disabled:  req.Disabled,
		Config:    req.Config,
	})
	if err != nil {
		return h.offerError(c, name, "update offer", err)
	}
	return c.JSON(toOfferResponse(offer))
}

// OfferStats handles GET /api/offers/:name/stats
func (h *APIHandler) OfferStats(c *fiber.Ctx) error {
	name := c.Params("name")
	ctx := userContext(c)

	if _, err := h.offers.GetOffer(ctx, name); err != nil {
		return h.offerError(c, name, "load offer stats", err)
	}

	counters := map[string]int64{}
	if h.counters != nil {
		got, err := h.counters.Get(ctx, name)
		if err != nil {
			h.logger.Error("failed to read offer counters", zap.String("offer_id", name), zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to load offer stats"})
		}
		counters = got
	}

	stats, err := h.buckets.Stats(ctx, name)
	if err != nil {
		h.logger.Error("failed to read bucket stats", zap.String("offer_id", name), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to load offer stats"})
	}
	available, low := 0, 0
	for _, s := range stats {
		available += s.Available
		if s.Low {
			low++
		}
	}

	return c.JSON(fiber.Map{
		"offer_name":   name,
		"counters":     counters,
		"available":    available,
		"pools":        len(stats),
		"low_pools":    low,
		"generated_at": time.Now().UTC().Format(time.RFC3339),
	})
}

// BucketStats handles GET /api/offers/:name/buckets
func (h *APIHandler) BucketStats(c *fiber.Ctx) error {
	name := c.Params("name")
	stats, err := h.buckets.Stats(userContext(c), name)
	if err != nil {
		h.logger.Error("failed to read bucket stats", zap.String("offer_id", name), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to load buckets"})
	}
	if stats == nil {
		stats = []model.BucketStats{}
	}
	return c.JSON(fiber.Map{
		"offer_name": name,
		"buckets":    stats,
	})
}

// ClearBuckets handles DELETE /api/offers/:name/buckets?geo=&confirm=true
func (h *APIHandler) ClearBuckets(c *fiber.Ctx) error {
	name := c.Params("name")
	if c.Query("confirm") != "true" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "clearing buckets is destructive; repeat with confirm=true",
		})
	}

	geo := c.Query("geo")
	removed, err := h.buckets.Clear(userContext(c), name, geo)
	if err != nil {
		h.logger.Error("failed to clear buckets", zap.String("offer_id", name), zap.String("geo", geo), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to clear buckets"})
	}
	return c.JSON(fiber.Map{
		"offer_name": name,
		"geo":        geo,
		"removed":    removed,
	})
}

// IntervalHistory handles GET /api/offers/:name/intervals?account_id=&days=
func (h *APIHandler) IntervalHistory(c *fiber.Ctx) error {
	name := c.Params("name")
	days := defaultHistoryDays
	if parsed := c.QueryInt("days"); parsed > 0 && parsed <= 90 {
		days = parsed
	}

	states, err := h.intervals.History(userContext(c), name, c.Query("account_id"), days)
	if err != nil {
		h.logger.Error("failed to load interval history", zap.String("offer_id", name), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to load interval history"})
	}

	rows := make([]fiber.Map, len(states))
	for i, s := range states {
		rows[i] = fiber.Map{
			"account_id":           s.AccountID,
			"date":                 s.Date.Format(time.DateOnly),
			"interval_used_ms":     s.IntervalUsedMs,
			"scenario":             s.Scenario,
			"total_clicks":         s.TotalClicks,
			"unique_landing_pages": s.UniqueLandingPages,
			"average_repeats":      s.AverageRepeats(),
			"overrides":            s.Overrides(),
		}
	}
	return c.JSON(fiber.Map{
		"offer_name": name,
		"days":       days,
		"history":    rows,
	})
}

// OverridesRequest is the body of PUT /api/offers/:name/intervals/overrides.
// A null field clears that override.
type OverridesRequest struct {
	AccountID string `json:"account_id"`
	model.IntervalOverrides
}

// SetIntervalOverrides handles PUT /api/offers/:name/intervals/overrides
func (h *APIHandler) SetIntervalOverrides(c *fiber.Ctx) error {
	name := c.Params("name")
	ctx := userContext(c)

	var req OverridesRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}

	offer, err := h.offers.GetOffer(ctx, name)
	if err != nil {
		return h.offerError(c, name, "set interval overrides", err)
	}
	accountID := req.AccountID
	if accountID == "" {
		accountID = offer.AccountID
	}

	ms, scenario, err := h.intervals.SetOverrides(ctx, name, accountID, req.IntervalOverrides, offer.Config.Interval)
	if err != nil {
		if errors.Is(err, interval.ErrInvalidOverride) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
		h.logger.Error("failed to set interval overrides", zap.String("offer_id", name), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to set interval overrides"})
	}

	return c.JSON(fiber.Map{
		"offer_name":  name,
		"account_id":  accountID,
		"interval_ms": ms,
		"scenario":    scenario,
		"overrides":   req.IntervalOverrides,
	})
}

// MarkSuffixRequest is the body of POST /api/suffixes/:id/status.
type MarkSuffixRequest struct {
	Status model.SuffixStatus `json:"status" validate:"required,oneof=zero_click invalid"`
}

// MarkSuffix handles POST /api/suffixes/:id/status
func (h *APIHandler) MarkSuffix(c *fiber.Ctx) error {
	id := c.Params("id")

	var req MarkSuffixRequest
	if ok, err := bind(c, &req); !ok {
		return err
	}

	err := h.buckets.Mark(userContext(c), id, req.Status)
	switch {
	case err == nil:
		return c.JSON(fiber.Map{"id": id, "status": req.Status})
	case errors.Is(err, bucket.ErrRecordNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "suffix not found"})
	case errors.Is(err, bucket.ErrInvalidTransition):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	}
	h.logger.Error("failed to mark suffix", zap.String("id", id), zap.Error(err))
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to mark suffix"})
}
