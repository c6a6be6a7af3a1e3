package model

import "time"

// IntervalScenario is the outcome of one daily cadence computation.
type IntervalScenario string

const (
	ScenarioSpeedup  IntervalScenario = "speedup"
	ScenarioStable   IntervalScenario = "stable"
	ScenarioSlowdown IntervalScenario = "slowdown"
)

// IntervalState is the per offer, account and day cadence row. The click
// counters are written by the click path; the overrides by admins.
type IntervalState struct {
	ID                 uint             `db:"id" gorm:"primaryKey"`
	OfferID            string           `db:"offer_id" gorm:"size:128;not null;uniqueIndex:idx_interval_states_day"`
	AccountID          string           `db:"account_id" gorm:"size:128;not null;uniqueIndex:idx_interval_states_day"`
	Date               time.Time        `db:"date" gorm:"type:date;not null;uniqueIndex:idx_interval_states_day;index"`
	IntervalUsedMs     int64            `db:"interval_used_ms" gorm:"not null;default:0"`
	TotalClicks        int64            `db:"total_clicks" gorm:"not null;default:0"`
	UniqueLandingPages int64            `db:"unique_landing_pages" gorm:"not null;default:0"`
	Scenario           IntervalScenario `db:"scenario" gorm:"size:16"`

	MinIntervalOverrideMs *int64   `db:"min_interval_override_ms"`
	MaxIntervalOverrideMs *int64   `db:"max_interval_override_ms"`
	TargetRepeatRatio     *float64 `db:"target_repeat_ratio"`
	MinRepeatRatio        *float64 `db:"min_repeat_ratio"`

	CreatedAt time.Time `db:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `db:"updated_at" gorm:"autoUpdateTime"`
}

// AverageRepeats is clicks per unique landing page, 0 without landing pages.
func (s IntervalState) AverageRepeats() float64 {
	if s.UniqueLandingPages <= 0 {
		return 0
	}
	return float64(s.TotalClicks) / float64(s.UniqueLandingPages)
}

// IntervalOverrides carries admin overrides. A nil field clears the override.
type IntervalOverrides struct {
	MinIntervalOverrideMs *int64   `json:"min_interval_override_ms"`
	MaxIntervalOverrideMs *int64   `json:"max_interval_override_ms"`
	TargetRepeatRatio     *float64 `json:"target_repeat_ratio"`
	MinRepeatRatio        *float64 `json:"min_repeat_ratio"`
}

// Empty reports whether no override is set.
func (o IntervalOverrides) Empty() bool {
	return o.MinIntervalOverrideMs == nil && o.MaxIntervalOverrideMs == nil &&
		o.TargetRepeatRatio == nil && o.MinRepeatRatio == nil
}

// Overrides returns the admin override fields of s.
func (s IntervalState) Overrides() IntervalOverrides {
	return IntervalOverrides{
		MinIntervalOverrideMs: s.MinIntervalOverrideMs,
		MaxIntervalOverrideMs: s.MaxIntervalOverrideMs,
		TargetRepeatRatio:     s.TargetRepeatRatio,
		MinRepeatRatio:        s.MinRepeatRatio,
	}
}

// ScriptDefaults are the per-offer computed cadence parameters that admin
// overrides shadow. Zero fields fall through to the hard defaults.
type ScriptDefaults struct {
	DefaultIntervalMs int64   `json:"default_interval_ms,omitempty" validate:"gte=0"`
	MinIntervalMs     int64   `json:"min_interval_ms,omitempty" validate:"gte=0"`
	MaxIntervalMs     int64   `json:"max_interval_ms,omitempty" validate:"gte=0"`
	TargetRepeatRatio float64 `json:"target_repeat_ratio,omitempty" validate:"gte=0"`
	MinRepeatRatio    float64 `json:"min_repeat_ratio,omitempty" validate:"gte=0"`
	ShrinkFactor      float64 `json:"shrink_factor,omitempty" validate:"gte=0,lte=1"`
	GrowFactor        float64 `json:"grow_factor,omitempty" validate:"gte=0"`
}
