package repository

import (
	"context"
	"errors"
	"time"

	"github.com/sifan077/PowerSuffix/internal/app/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrIntervalStateNotFound signals that no row exists for the requested day.
	ErrIntervalStateNotFound = errors.New("interval state not found")
)

// IntervalStateRepository defines the data access contract for daily cadence rows.
type IntervalStateRepository interface {
	Get(ctx context.Context, offerID, accountID string, day time.Time) (*model.IntervalState, error)
	// SaveComputed upserts the interval and scenario chosen for the row's day.
	SaveComputed(ctx context.Context, state *model.IntervalState) error
	// SaveOverrides replaces all four override columns; nil clears a column.
	SaveOverrides(ctx context.Context, offerID, accountID string, day time.Time, o model.IntervalOverrides) error
}

type intervalStateRepository struct {
	db *gorm.DB
}

// NewIntervalStateRepository returns a GORM-backed IntervalStateRepository.
func NewIntervalStateRepository(db *gorm.DB) IntervalStateRepository {
	return &intervalStateRepository{db: db}
}

func (r *intervalStateRepository) Get(ctx context.Context, offerID, accountID string, day time.Time) (*model.IntervalState, error) {
	var state model.IntervalState
	err := r.db.WithContext(ctx).
		Where("offer_id = ? AND account_id = ? AND date = ?", offerID, accountID, Day(day)).
		First(&state).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrIntervalStateNotFound
		}
		return nil, err
	}
	return &state, nil
}

func (r *intervalStateRepository) SaveComputed(ctx context.Context, state *model.IntervalState) error {
	state.Date = Day(state.Date)
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "offer_id"}, {Name: "account_id"}, {Name: "date"}},
			DoUpdates: clause.AssignmentColumns([]string{"interval_used_ms", "scenario", "updated_at"}),
		}).
		Create(state).Error
}

func (r *intervalStateRepository) SaveOverrides(ctx context.Context, offerID, accountID string, day time.Time, o model.IntervalOverrides) error {
	state := &model.IntervalState{
		OfferID:               offerID,
		AccountID:             accountID,
		Date:                  Day(day),
		MinIntervalOverrideMs: o.MinIntervalOverrideMs,
		MaxIntervalOverrideMs: o.MaxIntervalOverrideMs,
		TargetRepeatRatio:     o.TargetRepeatRatio,
		MinRepeatRatio:        o.MinRepeatRatio,
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "offer_id"}, {Name: "account_id"}, {Name: "date"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"min_interval_override_ms",
				"max_interval_override_ms",
				"target_repeat_ratio",
				"min_repeat_ratio",
				"updated_at",
			}),
		}).
		Create(state).Error
}

// Day truncates t to its UTC calendar date.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
