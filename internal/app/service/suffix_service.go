package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/sifan077/PowerSuffix/internal/app/bucket"
	"github.com/sifan077/PowerSuffix/internal/app/model"
	"github.com/sifan077/PowerSuffix/internal/app/repository"
	"github.com/sifan077/PowerSuffix/internal/app/rotation"
	"go.uber.org/zap"
)

// Allocation statuses returned to the serving path.
const (
	AllocationOK       = "ok"
	AllocationLowStock = "low_stock"
)

var (
	// ErrOfferDisabled rejects allocations for a disabled offer.
	ErrOfferDisabled = errors.New("offer disabled")
	// ErrInvalidGeo rejects a desired geo that is neither a country code nor a combo of them.
	ErrInvalidGeo = errors.New("invalid geo")
)

// AllocationResult is what the click path receives. Suffix is empty when
// the pool is low and the caller should redirect without one.
type AllocationResult struct {
	Suffix   string `json:"suffix"`
	Status   string `json:"status"`
	Geo      string `json:"geo"`
	RecordID string `json:"record_id,omitempty"`
}

// SuffixService hands out suffixes to live clicks.
type SuffixService struct {
	store    bucket.Store
	offers   OfferService
	selector *rotation.Selector
	counters repository.OfferCounterRepository
	logger   *zap.Logger
}

// NewSuffixService builds a SuffixService. counters may be nil.
func NewSuffixService(store bucket.Store, offers OfferService, selector *rotation.Selector, counters repository.OfferCounterRepository, logger *zap.Logger) *SuffixService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if selector == nil {
		selector = rotation.NewSelector(nil, nil, logger)
	}
	return &SuffixService{
		store:    store,
		offers:   offers,
		selector: selector,
		counters: counters,
		logger:   logger.Named("suffix"),
	}
}

// Allocate claims one suffix for the offer. An empty desiredGeo picks a geo
// from the offer's pool with its geo strategy. Low stock is reported in the
// result, not as an error.
func (s *SuffixService) Allocate(ctx context.Context, offerName, desiredGeo string) (AllocationResult, error) {
	offer, err := s.offers.GetOffer(ctx, offerName)
	if err != nil {
		return AllocationResult{}, err
	}
	if offer.Disabled {
		return AllocationResult{}, fmt.Errorf("%w: %s", ErrOfferDisabled, offerName)
	}

	geo, err := s.resolveGeo(ctx, offer, desiredGeo)
	if err != nil {
		return AllocationResult{}, err
	}

	rec, err := s.store.Allocate(ctx, offer.Name, geo)
	if errors.Is(err, bucket.ErrLowStock) {
		s.count(ctx, offer.Name, repository.CounterLowStock)
		return AllocationResult{Status: AllocationLowStock, Geo: geo}, nil
	}
	if err != nil {
		return AllocationResult{}, err
	}

	s.count(ctx, offer.Name, repository.CounterAllocations)
	return AllocationResult{
		Suffix:   rec.SuffixValue,
		Status:   AllocationOK,
		Geo:      geo,
		RecordID: rec.ID,
	}, nil
}

func (s *SuffixService) resolveGeo(ctx context.Context, offer *model.Offer, desired string) (string, error) {
	desired = strings.ToUpper(strings.TrimSpace(desired))
	if desired == "" {
		mode := offer.Config.GeoStrategy
		if mode == "" {
			mode = model.RotationWeighted
		}
		e, err := s.selector.Pick(ctx, offer.Name, "geo", offer.Config.GeoPool, mode)
		if err != nil {
			return "", fmt.Errorf("select geo: %w", err)
		}
		return e.Value, nil
	}

	geos := model.SplitGeoCombo(desired)
	if len(geos) == 0 {
		return "", fmt.Errorf("%w: %q", ErrInvalidGeo, desired)
	}
	for _, g := range geos {
		if !model.IsGeoCode(g) {
			return "", fmt.Errorf("%w: %q", ErrInvalidGeo, desired)
		}
	}
	sort.Strings(geos)
	return strings.Join(geos, ","), nil
}

func (s *SuffixService) count(ctx context.Context, offerID, field string) {
	if s.counters == nil {
		return
	}
	if err := s.counters.Add(ctx, offerID, map[string]int64{field: 1}); err != nil {
		s.logger.Warn("update offer counters", zap.String("offer_id", offerID), zap.Error(err))
	}
}
