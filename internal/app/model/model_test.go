package model

import (
	"errors"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRotationEntry_UnmarshalDefaults(t *testing.T) {
	var entries []RotationEntry
	err := json.Unmarshal([]byte(`[
		{"value":"US"},
		{"value":"GB","enabled":false,"weight":3},
		{"value":"DE","enabled":true,"weight":-2}
	]`), &entries)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.True(t, entries[0].Enabled)
	assert.Equal(t, 1, entries[0].Weight)
	assert.False(t, entries[1].Enabled)
	assert.Equal(t, 3, entries[1].Weight)
	assert.True(t, entries[2].Enabled)
	assert.Equal(t, -2, entries[2].Weight)
}

func TestOfferConfig_ValidateRejectsExplicitNonPositiveWeight(t *testing.T) {
	for _, weight := range []string{"0", "-2"} {
		t.Run(weight, func(t *testing.T) {
			cfg := validOfferConfig()
			require.NoError(t, json.Unmarshal([]byte(`[{"value":"https://track.example/c","weight":`+weight+`}]`), &cfg.TrackingURLs))
			cfg.Normalize()
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidOfferConfig)
		})
	}

	cfg := validOfferConfig()
	require.NoError(t, json.Unmarshal([]byte(`[{"value":"https://track.example/c"}]`), &cfg.TrackingURLs))
	cfg.Normalize()
	assert.NoError(t, cfg.Validate())
}

func TestRotationEntry_AppliesToHop(t *testing.T) {
	assert.True(t, RotationEntry{}.AppliesToHop(4))
	e := RotationEntry{ApplicableHops: []int{0, 2}}
	assert.True(t, e.AppliesToHop(2))
	assert.False(t, e.AppliesToHop(1))
}

func validOfferConfig() OfferConfig {
	return OfferConfig{
		TrackingURLs: []RotationEntry{{Value: "https://track.example/c", Weight: 1, Enabled: true}},
		GeoPool:      []RotationEntry{{Value: " us", Weight: 1, Enabled: true}, {Value: "gb", Weight: 1, Enabled: true}},
	}
}

func TestOfferConfig_NormalizeThenValidate(t *testing.T) {
	cfg := validOfferConfig()
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidOfferConfig)

	cfg.Normalize()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, OfferConfigVersion, cfg.Version)
	assert.Equal(t, "US", cfg.GeoPool[0].Value)
}

func TestOfferConfig_ValidateRejects(t *testing.T) {
	cases := map[string]func(c *OfferConfig){
		"no tracking urls":   func(c *OfferConfig) { c.TrackingURLs = nil },
		"empty geo pool":     func(c *OfferConfig) { c.GeoPool = nil },
		"bad mode":           func(c *OfferConfig) { c.TrackingMode = "roundrobin" },
		"device sum":         func(c *OfferConfig) { c.DeviceDistribution = []DeviceShare{{Device: "mobile", Percent: 60}} },
		"multi geo too big":  func(c *OfferConfig) { c.MultiGeoSize = 3 },
		"bad landing url":    func(c *OfferConfig) { c.LandingURL = "nope" },
		"unknown tracer":     func(c *OfferConfig) { c.TracerMode = "lynx" },
		"long geo":           func(c *OfferConfig) { c.GeoPool[0].Value = "USA" },
		"negative threshold": func(c *OfferConfig) { c.LowStockThreshold = -1 },
		"zero weight":        func(c *OfferConfig) { c.GeoPool[0].Weight = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := validOfferConfig()
			cfg.Normalize()
			mutate(&cfg)
			err := cfg.Validate()
			assert.True(t, errors.Is(err, ErrInvalidOfferConfig), "got %v", err)
		})
	}
}

func TestSplitGeoCombo(t *testing.T) {
	assert.Equal(t, []string{"US", "GB"}, SplitGeoCombo("US, GB,"))
	assert.Empty(t, SplitGeoCombo(""))
}

func TestIntervalState_AverageRepeats(t *testing.T) {
	assert.Zero(t, IntervalState{TotalClicks: 9}.AverageRepeats())
	assert.InDelta(t, 2.5, IntervalState{TotalClicks: 10, UniqueLandingPages: 4}.AverageRepeats(), 1e-9)
}
