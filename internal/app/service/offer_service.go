package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sifan077/PowerSuffix/internal/app/model"
	"github.com/sifan077/PowerSuffix/internal/app/repository"
)

const defaultOfferCacheTTL = 30 * time.Second

// ErrInvalidOfferName rejects names that cannot be used as pool keys.
var ErrInvalidOfferName = errors.New("invalid offer name")

// OfferService defines behaviour-level operations on offers.
type OfferService interface {
	CreateOffer(ctx context.Context, input CreateOfferInput) (*model.Offer, error)
	GetOffer(ctx context.Context, name string) (*model.Offer, error)
	ListOffers(ctx context.Context, limit, offset int) ([]model.Offer, error)
	ListActiveOffers(ctx context.Context) ([]model.Offer, error)
	UpdateOffer(ctx context.Context, name string, input UpdateOfferInput) (*model.Offer, error)
	// Threshold returns the cached low-stock threshold of an offer without I/O.
	Threshold(offerID string) int
}

// CreateOfferInput captures data required to create an offer.
type CreateOfferInput struct {
	Name      string
	AccountID string
	Disabled  bool
	Config    model.OfferConfig
}

// UpdateOfferInput captures fields that can be changed on an existing offer.
type UpdateOfferInput struct {
	AccountID *string
	Disabled  *bool
	Config    *model.OfferConfig
}

type cachedOffer struct {
	offer    model.Offer
	loadedAt time.Time
}

type offerService struct {
	repo             repository.OfferRepository
	defaultThreshold int
	ttl              time.Duration
	now              func() time.Time

	mu    sync.RWMutex
	cache map[string]cachedOffer
}

// NewOfferService returns a service backed by the given repository. Reads
// are cached for ttl; writes through the service refresh the cache.
func NewOfferService(repo repository.OfferRepository, defaultThreshold int, ttl time.Duration) OfferService {
	if ttl <= 0 {
		ttl = defaultOfferCacheTTL
	}
	if defaultThreshold <= 0 {
		defaultThreshold = 5
	}
	return &offerService{
		repo:             repo,
		defaultThreshold: defaultThreshold,
		ttl:              ttl,
		now:              time.Now,
		cache:            make(map[string]cachedOffer),
	}
}

func validOfferName(name string) bool {
	if name == "" || len(name) > 128 {
		return false
	}
	return !strings.ContainsAny(name, ":|, \t\n/")
}

func (s *offerService) CreateOffer(ctx context.Context, input CreateOfferInput) (*model.Offer, error) {
	if !validOfferName(input.Name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidOfferName, input.Name)
	}

	cfg := input.Config
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	offer := &model.Offer{
		Name:      input.Name,
		AccountID: input.AccountID,
		Disabled:  input.Disabled,
		Config:    cfg,
	}
	if err := s.repo.Create(ctx, offer); err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	s.remember(*offer)
	return offer, nil
}

func (s *offerService) GetOffer(ctx context.Context, name string) (*model.Offer, error) {
	s.mu.RLock()
	c, ok := s.cache[name]
	s.mu.RUnlock()
	if ok && s.now().Sub(c.loadedAt) < s.ttl {
		offer := c.offer
		return &offer, nil
	}

	offer, err := s.repo.GetByName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("get offer: %w", err)
	}
	s.remember(*offer)
	return offer, nil
}

func (s *offerService) ListOffers(ctx context.Context, limit, offset int) ([]model.Offer, error) {
	offers, err := s.repo.List(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list offers: %w", err)
	}
	for _, o := range offers {
		s.remember(o)
	}
	return offers, nil
}

func (s *offerService) ListActiveOffers(ctx context.Context) ([]model.Offer, error) {
	offers, err := s.repo.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active offers: %w", err)
	}
	for _, o := range offers {
		s.remember(o)
	}
	return offers, nil
}

func (s *offerService) UpdateOffer(ctx context.Context, name string, input UpdateOfferInput) (*model.Offer, error) {
	offer, err := s.repo.GetByName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("load offer: %w", err)
	}

	if input.AccountID != nil {
		offer.AccountID = *input.AccountID
	}
	if input.Disabled != nil {
		offer.Disabled = *input.Disabled
	}
	if input.Config != nil {
		cfg := *input.Config
		cfg.Normalize()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		offer.Config = cfg
	}

	if err := s.repo.Update(ctx, offer); err != nil {
		return nil, fmt.Errorf("update offer: %w", err)
	}
	s.remember(*offer)
	return offer, nil
}

func (s *offerService) Threshold(offerID string) int {
	s.mu.RLock()
	c, ok := s.cache[offerID]
	s.mu.RUnlock()
	if ok && c.offer.Config.LowStockThreshold > 0 {
		return c.offer.Config.LowStockThreshold
	}
	return s.defaultThreshold
}

func (s *offerService) remember(offer model.Offer) {
	s.mu.Lock()
	s.cache[offer.Name] = cachedOffer{offer: offer, loadedAt: s.now()}
	s.mu.Unlock()
}
