// Package interval tunes the background suffix generation cadence from the
// previous day's landing-page reuse.
package interval

import (
	"errors"
	"fmt"
	"math"

	"github.com/sifan077/PowerSuffix/internal/app/model"
)

// ErrInvalidOverride rejects an override write; the stored value is kept.
var ErrInvalidOverride = errors.New("interval: invalid override")

// HardDefaults are the last fallback of every cadence parameter.
type HardDefaults struct {
	DefaultIntervalMs int64
	MinIntervalMs     int64
	MaxIntervalMs     int64
	TargetRepeatRatio float64
	MinRepeatRatio    float64
	ShrinkFactor      float64
	GrowFactor        float64
}

// DefaultHardDefaults returns the built-in fallbacks.
func DefaultHardDefaults() HardDefaults {
	return HardDefaults{
		DefaultIntervalMs: 5000,
		MinIntervalMs:     1000,
		MaxIntervalMs:     30000,
		TargetRepeatRatio: 5.0,
		MinRepeatRatio:    1.0,
		ShrinkFactor:      0.5,
		GrowFactor:        1.5,
	}
}

// Params are the effective parameters after override resolution.
type Params struct {
	DefaultIntervalMs int64
	MinIntervalMs     int64
	MaxIntervalMs     int64
	TargetRepeatRatio float64
	MinRepeatRatio    float64
	ShrinkFactor      float64
	GrowFactor        float64
}

// Resolve applies override > script value > hard default per field. Overrides
// replace a field outright and never blend with the computed value.
func Resolve(o model.IntervalOverrides, script model.ScriptDefaults, hard HardDefaults) Params {
	p := Params{
		DefaultIntervalMs: firstInt(nil, script.DefaultIntervalMs, hard.DefaultIntervalMs),
		MinIntervalMs:     firstInt(o.MinIntervalOverrideMs, script.MinIntervalMs, hard.MinIntervalMs),
		MaxIntervalMs:     firstInt(o.MaxIntervalOverrideMs, script.MaxIntervalMs, hard.MaxIntervalMs),
		TargetRepeatRatio: firstFloat(o.TargetRepeatRatio, script.TargetRepeatRatio, hard.TargetRepeatRatio),
		MinRepeatRatio:    firstFloat(o.MinRepeatRatio, script.MinRepeatRatio, hard.MinRepeatRatio),
		ShrinkFactor:      firstFloat(nil, script.ShrinkFactor, hard.ShrinkFactor),
		GrowFactor:        firstFloat(nil, script.GrowFactor, hard.GrowFactor),
	}
	if p.MaxIntervalMs < p.MinIntervalMs {
		p.MaxIntervalMs = p.MinIntervalMs
	}
	return p
}

// ComputeInterval evaluates the three-scenario rule on the previous day's row.
//
// prev is nil when no row exists for the previous day. Missing or malformed
// data yields STABLE with the previous (or default) interval. The result is
// always clamped to [MinIntervalMs, MaxIntervalMs].
func ComputeInterval(prev *model.IntervalState, p Params) (int64, model.IntervalScenario) {
	if prev == nil || malformed(*prev) {
		base := p.DefaultIntervalMs
		if prev != nil && prev.IntervalUsedMs > 0 {
			base = prev.IntervalUsedMs
		}
		return clamp(base, p), model.ScenarioStable
	}

	interval := prev.IntervalUsedMs
	if interval <= 0 {
		interval = p.DefaultIntervalMs
	}

	avg := prev.AverageRepeats()
	switch {
	case avg >= p.TargetRepeatRatio:
		next := int64(math.Round(float64(interval) * p.ShrinkFactor))
		return clamp(max(p.MinIntervalMs, next), p), model.ScenarioSpeedup
	case avg >= p.MinRepeatRatio:
		return clamp(interval, p), model.ScenarioStable
	default:
		next := int64(math.Round(float64(interval) * p.GrowFactor))
		return clamp(min(p.MaxIntervalMs, next), p), model.ScenarioSlowdown
	}
}

// ValidateOverrides rejects negative values and inconsistent pairs.
func ValidateOverrides(o model.IntervalOverrides) error {
	if o.MinIntervalOverrideMs != nil && *o.MinIntervalOverrideMs <= 0 {
		return fmt.Errorf("%w: min_interval_override_ms must be positive", ErrInvalidOverride)
	}
	if o.MaxIntervalOverrideMs != nil && *o.MaxIntervalOverrideMs <= 0 {
		return fmt.Errorf("%w: max_interval_override_ms must be positive", ErrInvalidOverride)
	}
	if o.MinIntervalOverrideMs != nil && o.MaxIntervalOverrideMs != nil && *o.MinIntervalOverrideMs > *o.MaxIntervalOverrideMs {
		return fmt.Errorf("%w: min_interval_override_ms exceeds max_interval_override_ms", ErrInvalidOverride)
	}
	if o.TargetRepeatRatio != nil && (*o.TargetRepeatRatio <= 0 || math.IsNaN(*o.TargetRepeatRatio)) {
		return fmt.Errorf("%w: target_repeat_ratio must be positive", ErrInvalidOverride)
	}
	if o.MinRepeatRatio != nil && (*o.MinRepeatRatio < 0 || math.IsNaN(*o.MinRepeatRatio)) {
		return fmt.Errorf("%w: min_repeat_ratio must not be negative", ErrInvalidOverride)
	}
	if o.TargetRepeatRatio != nil && o.MinRepeatRatio != nil && *o.MinRepeatRatio > *o.TargetRepeatRatio {
		return fmt.Errorf("%w: min_repeat_ratio exceeds target_repeat_ratio", ErrInvalidOverride)
	}
	return nil
}

// Negative counters can only come from a bad write. Fewer clicks than pages is
// the normal low-repeat case and drives SLOWDOWN.
func malformed(s model.IntervalState) bool {
	return s.TotalClicks < 0 || s.UniqueLandingPages < 0
}

func clamp(v int64, p Params) int64 {
	if v < p.MinIntervalMs {
		return p.MinIntervalMs
	}
	if v > p.MaxIntervalMs {
		return p.MaxIntervalMs
	}
	return v
}

func firstInt(override *int64, script, hard int64) int64 {
	if override != nil {
		return *override
	}
	if script > 0 {
		return script
	}
	return hard
}

func firstFloat(override *float64, script, hard float64) float64 {
	if override != nil {
		return *override
	}
	if script > 0 {
		return script
	}
	return hard
}
