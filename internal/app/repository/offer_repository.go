package repository

import (
	"context"
	"errors"

	"github.com/sifan077/PowerSuffix/internal/app/model"
	"gorm.io/gorm"
)

var (
	// ErrOfferNotFound signals that the requested offer does not exist.
	ErrOfferNotFound = errors.New("offer not found")
)

// OfferRepository defines the data access contract for offers.
type OfferRepository interface {
	Create(ctx context.Context, offer *model.Offer) error
	GetByName(ctx context.Context, name string) (*model.Offer, error)
	List(ctx context.Context, limit, offset int) ([]model.Offer, error)
	ListActive(ctx context.Context) ([]model.Offer, error)
	Update(ctx context.Context, offer *model.Offer) error
}

type offerRepository struct {
	db *gorm.DB
}

// NewOfferRepository returns a GORM-backed OfferRepository.
func NewOfferRepository(db *gorm.DB) OfferRepository {
	return &offerRepository{db: db}
}

func (r *offerRepository) Create(ctx context.Context, offer *model.Offer) error {
	return r.db.WithContext(ctx).Create(offer).Error
}

func (r *offerRepository) GetByName(ctx context.Context, name string) (*model.Offer, error) {
	var offer model.Offer
	if err := r.db.WithContext(ctx).Where("name = ?", name).First(&offer).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOfferNotFound
		}
		return nil, err
	}
	return &offer, nil
}

func (r *offerRepository) List(ctx context.Context, limit, offset int) ([]model.Offer, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	var result []model.Offer
	if err := r.db.WithContext(ctx).
		Order("name").
		Limit(limit).
		Offset(offset).
		Find(&result).Error; err != nil {
		return nil, err
	}
	return result, nil
}

func (r *offerRepository) ListActive(ctx context.Context) ([]model.Offer, error) {
	var result []model.Offer
	if err := r.db.WithContext(ctx).
		Where("disabled = ?", false).
		Order("name").
		Find(&result).Error; err != nil {
		return nil, err
	}
	return result, nil
}

func (r *offerRepository) Update(ctx context.Context, offer *model.Offer) error {
	result := r.db.WithContext(ctx).
		Model(&model.Offer{}).
		Where("name = ?", offer.Name).
		Select("account_id", "disabled", "config").
		Updates(offer)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrOfferNotFound
	}

	return r.db.WithContext(ctx).Where("name = ?", offer.Name).First(offer).Error
}
