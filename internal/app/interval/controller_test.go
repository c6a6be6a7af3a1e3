package interval

import (
	"testing"

	"github.com/sifan077/PowerSuffix/internal/app/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultParams() Params {
	return Resolve(model.IntervalOverrides{}, model.ScriptDefaults{}, DefaultHardDefaults())
}

func prevDay(interval, clicks, pages int64) *model.IntervalState {
	return &model.IntervalState{IntervalUsedMs: interval, TotalClicks: clicks, UniqueLandingPages: pages}
}

func TestComputeInterval_ScenarioBoundaries(t *testing.T) {
	p := defaultParams()

	tests := []struct {
		name     string
		prev     *model.IntervalState
		wantMs   int64
		scenario model.IntervalScenario
	}{
		{"exactly target is speedup", prevDay(8000, 50, 10), 4000, model.ScenarioSpeedup},
		{"exactly min is stable", prevDay(8000, 10, 10), 8000, model.ScenarioStable},
		{"just below min is slowdown", prevDay(8000, 99, 100), 12000, model.ScenarioSlowdown},
		{"between thresholds is stable", prevDay(8000, 30, 10), 8000, model.ScenarioStable},
		{"speedup floors at min", prevDay(1500, 100, 2), 1000, model.ScenarioSpeedup},
		{"slowdown caps at max", prevDay(25000, 1, 2), 30000, model.ScenarioSlowdown},
		{"no landing pages slows down", prevDay(8000, 0, 0), 12000, model.ScenarioSlowdown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ms, scenario := ComputeInterval(tt.prev, p)
			assert.Equal(t, tt.scenario, scenario)
			assert.Equal(t, tt.wantMs, ms)
		})
	}
}

func TestComputeInterval_AverageRepeatsBoundaryValues(t *testing.T) {
	p := defaultParams()

	_, s := ComputeInterval(prevDay(5000, 500, 100), p) // 5.0
	assert.Equal(t, model.ScenarioSpeedup, s)

	_, s = ComputeInterval(prevDay(5000, 100, 100), p) // 1.0
	assert.Equal(t, model.ScenarioStable, s)

	_, s = ComputeInterval(prevDay(5000, 99, 100), p) // 0.99
	assert.Equal(t, model.ScenarioSlowdown, s)
}

func TestComputeInterval_MissingOrMalformedIsStable(t *testing.T) {
	p := defaultParams()

	ms, s := ComputeInterval(nil, p)
	assert.Equal(t, model.ScenarioStable, s)
	assert.Equal(t, int64(5000), ms)

	ms, s = ComputeInterval(prevDay(7000, -1, 0), p)
	assert.Equal(t, model.ScenarioStable, s)
	assert.Equal(t, int64(7000), ms)

	ms, s = ComputeInterval(prevDay(7000, 5, -2), p)
	assert.Equal(t, model.ScenarioStable, s)
	assert.Equal(t, int64(7000), ms)
}

func TestComputeInterval_FewerClicksThanPagesSlowsDown(t *testing.T) {
	p := defaultParams()

	ms, s := ComputeInterval(prevDay(7000, 3, 10), p)
	assert.Equal(t, model.ScenarioSlowdown, s)
	assert.Equal(t, int64(10500), ms)
}

func TestResolve_OverridePrecedence(t *testing.T) {
	hard := DefaultHardDefaults()
	script := model.ScriptDefaults{MinIntervalMs: 2000, TargetRepeatRatio: 4}
	minOverride := int64(500)

	p := Resolve(model.IntervalOverrides{MinIntervalOverrideMs: &minOverride}, script, hard)
	assert.Equal(t, int64(500), p.MinIntervalMs)
	assert.Equal(t, 4.0, p.TargetRepeatRatio)
	assert.Equal(t, hard.MaxIntervalMs, p.MaxIntervalMs)

	// Clearing the override reverts to the script value, not the old override.
	p = Resolve(model.IntervalOverrides{}, script, hard)
	assert.Equal(t, int64(2000), p.MinIntervalMs)

	// Without a script value the hard default applies.
	p = Resolve(model.IntervalOverrides{}, model.ScriptDefaults{}, hard)
	assert.Equal(t, hard.MinIntervalMs, p.MinIntervalMs)
}

func TestResolve_OverrideDrivesComputation(t *testing.T) {
	hard := DefaultHardDefaults()
	minOverride := int64(500)

	ms, s := ComputeInterval(prevDay(800, 100, 10), Resolve(model.IntervalOverrides{MinIntervalOverrideMs: &minOverride}, model.ScriptDefaults{}, hard))
	require.Equal(t, model.ScenarioSpeedup, s)
	assert.Equal(t, int64(500), ms)

	ms, _ = ComputeInterval(prevDay(800, 100, 10), Resolve(model.IntervalOverrides{}, model.ScriptDefaults{}, hard))
	assert.Equal(t, int64(1000), ms)
}

func TestValidateOverrides(t *testing.T) {
	neg := int64(-5)
	small := int64(100)
	big := int64(50)
	ratio := 2.0
	badRatio := -1.0
	low := 3.0

	assert.NoError(t, ValidateOverrides(model.IntervalOverrides{}))
	assert.NoError(t, ValidateOverrides(model.IntervalOverrides{MinIntervalOverrideMs: &small, TargetRepeatRatio: &ratio}))

	assert.ErrorIs(t, ValidateOverrides(model.IntervalOverrides{MinIntervalOverrideMs: &neg}), ErrInvalidOverride)
	assert.ErrorIs(t, ValidateOverrides(model.IntervalOverrides{MaxIntervalOverrideMs: &neg}), ErrInvalidOverride)
	assert.ErrorIs(t, ValidateOverrides(model.IntervalOverrides{MinIntervalOverrideMs: &small, MaxIntervalOverrideMs: &big}), ErrInvalidOverride)
	assert.ErrorIs(t, ValidateOverrides(model.IntervalOverrides{TargetRepeatRatio: &badRatio}), ErrInvalidOverride)
	assert.ErrorIs(t, ValidateOverrides(model.IntervalOverrides{MinRepeatRatio: &badRatio}), ErrInvalidOverride)
	assert.ErrorIs(t, ValidateOverrides(model.IntervalOverrides{TargetRepeatRatio: &ratio, MinRepeatRatio: &low}), ErrInvalidOverride)
}
