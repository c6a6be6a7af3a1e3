package handler

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sifan077/PowerSuffix/internal/app/model"
	"github.com/sifan077/PowerSuffix/internal/app/repository"
	"github.com/sifan077/PowerSuffix/internal/app/service"
	"go.uber.org/zap"
)

const clickSubmitTimeout = 5 * time.Second

// Allocator hands out suffixes.
type Allocator interface {
	Allocate(ctx context.Context, offerName, desiredGeo string) (service.AllocationResult, error)
}

// OfferReader loads offers.
type OfferReader interface {
	GetOffer(ctx context.Context, name string) (*model.Offer, error)
}

// RedirectDeps groups dependencies required by the serving-path handlers.
type RedirectDeps struct {
	Logger    *zap.Logger
	Suffixes  Allocator
	Offers    OfferReader
	Clicks    service.ClickSink
	GeoHeader string
}

// RedirectHandler implements allocation, click reporting and the suffixed redirect.
type RedirectHandler struct {
	logger    *zap.Logger
	suffixes  Allocator
	offers    OfferReader
	clicks    service.ClickSink
	geoHeader string
}

// NewRedirectHandler creates a redirect handler with the provided dependencies.
func NewRedirectHandler(deps RedirectDeps) *RedirectHandler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedirectHandler{
		logger:    logger,
		suffixes:  deps.Suffixes,
		offers:    deps.Offers,
		clicks:    deps.Clicks,
		geoHeader: deps.GeoHeader,
	}
}

// Register wires serving-path routes onto the provided router.
func (h *RedirectHandler) Register(router fiber.Router) {
	router.Get("/health", h.Health)
	router.Get("/r/:offer", h.Redirect)
	router.Post("/api/allocate", h.Allocate)
	router.Post("/api/clicks", h.RecordClick)
}

// Health is a simple endpoint so we know the service is running.
func (h *RedirectHandler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"service": "PowerSuffix",
		"status":  "ok",
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// AllocateRequest is the body of POST /api/allocate.
type AllocateRequest struct {
	OfferName  string `json:"offer_name" validate:"required"`
	DesiredGeo string `json:"desired_geo"`
}

// Allocate handles POST /api/allocate.
func (h *RedirectHandler) Allocate(c *fiber.Ctx) error {
	var req AllocateRequest
	if ok, err := bind(c, &req); !ok {
		return err
	}

	res, err := h.suffixes.Allocate(userContext(c), req.OfferName, req.DesiredGeo)
	if err != nil {
		return h.allocationError(c, req.OfferName, err)
	}
	return c.JSON(res)
}

func (h *RedirectHandler) allocationError(c *fiber.Ctx, offer string, err error) error {
	switch {
	case errors.Is(err, repository.ErrOfferNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "offer not found"})
	case errors.Is(err, service.ErrOfferDisabled):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "offer is disabled"})
	case errors.Is(err, service.ErrInvalidGeo):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	h.logger.Error("failed to allocate suffix", zap.String("offer_id", offer), zap.Error(err))
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to allocate suffix"})
}

// ClickRequest is the body of POST /api/clicks.
type ClickRequest struct {
	OfferName   string `json:"offer_name" validate:"required"`
	AccountID   string `json:"account_id"`
	LandingPage string `json:"landing_page" validate:"omitempty,max=2048"`
	RecordID    string `json:"record_id"`
}

// RecordClick handles POST /api/clicks.
func (h *RedirectHandler) RecordClick(c *fiber.Ctx) error {
	var req ClickRequest
	if ok, err := bind(c, &req); !ok {
		return err
	}

	ctx := userContext(c)
	accountID := req.AccountID
	if accountID == "" {
		offer, err := h.offers.GetOffer(ctx, req.OfferName)
		if err != nil {
			if errors.Is(err, repository.ErrOfferNotFound) {
				return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "offer not found"})
			}
			h.logger.Error("failed to load offer", zap.String("offer_id", req.OfferName), zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to record click"})
		}
		accountID = offer.AccountID
	}

	err := h.clicks.Submit(ctx, model.ClickEvent{
		OfferName:   req.OfferName,
		AccountID:   accountID,
		LandingPage: req.LandingPage,
		RecordID:    req.RecordID,
	})
	if err != nil {
		h.logger.Error("failed to record click", zap.String("offer_id", req.OfferName), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to record click"})
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "accepted"})
}

// Redirect handles GET /r/:offer. It sends the visitor to the offer's
// landing URL with a fresh suffix, or without one when the pool is empty.
func (h *RedirectHandler) Redirect(c *fiber.Ctx) error {
	name := c.Params("offer")
	ctx := userContext(c)

	offer, err := h.offers.GetOffer(ctx, name)
	if err != nil {
		if errors.Is(err, repository.ErrOfferNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "offer not found"})
		}
		h.logger.Error("failed to load offer", zap.String("offer_id", name), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal server error"})
	}
	if offer.Config.LandingURL == "" {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "offer has no landing url"})
	}

	geo := c.Query("geo")
	if geo == "" && h.geoHeader != "" {
		geo = c.Get(h.geoHeader)
		if !model.IsGeoCode(strings.ToUpper(geo)) {
			geo = ""
		}
	}

	target := offer.Config.LandingURL
	if !offer.Disabled {
		res, err := h.suffixes.Allocate(ctx, name, geo)
		switch {
		case err != nil:
			h.logger.Warn("allocation failed, redirecting without suffix", zap.String("offer_id", name), zap.Error(err))
		case res.Status == service.AllocationOK:
			target = appendSuffix(target, res.Suffix)
		}
	}

	if h.clicks != nil {
		event := model.ClickEvent{OfferName: name, AccountID: offer.AccountID, LandingPage: target}
		go h.submitClick(event)
	}

	h.logger.Debug("redirecting click", zap.String("offer_id", name), zap.String("target", target))
	return c.Redirect(target, fiber.StatusFound)
}

func (h *RedirectHandler) submitClick(event model.ClickEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), clickSubmitTimeout)
	defer cancel()
	if err := h.clicks.Submit(ctx, event); err != nil {
		h.logger.Error("failed to submit click event", zap.String("offer_id", event.OfferName), zap.Error(err))
	}
}

// appendSuffix adds an encoded query suffix to a URL, keeping its fragment.
func appendSuffix(target, suffix string) string {
	if suffix == "" {
		return target
	}
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	if u.RawQuery == "" {
		u.RawQuery = suffix
	} else {
		u.RawQuery += "&" + suffix
	}
	return u.String()
}
