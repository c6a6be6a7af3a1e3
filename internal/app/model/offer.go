package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// OfferConfigVersion is the schema version written by this service.
const OfferConfigVersion = 1

// ErrInvalidOfferConfig wraps every offer configuration validation failure.
var ErrInvalidOfferConfig = errors.New("invalid offer config")

var validate = validator.New()

// Offer is an ad offer whose suffix pools this service maintains.
type Offer struct {
	Name      string      `db:"name" gorm:"primaryKey;size:128"`
	AccountID string      `db:"account_id" gorm:"size:128;not null;index"`
	Disabled  bool        `db:"disabled" gorm:"not null;default:false"`
	Config    OfferConfig `db:"config" gorm:"type:jsonb;serializer:json;not null"`
	CreatedAt time.Time   `db:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time   `db:"updated_at" gorm:"autoUpdateTime"`
}

// DeviceShare assigns a percentage of traces to a device class.
type DeviceShare struct {
	Device  string `json:"device" validate:"oneof=desktop mobile tablet"`
	Percent int    `json:"percent" validate:"gte=0,lte=100"`
}

// OfferConfig is the typed, versioned configuration of an offer.
type OfferConfig struct {
	Version int `json:"version"`

	TrackingURLs []RotationEntry `json:"tracking_urls" validate:"required,min=1,dive"`
	TrackingMode RotationMode    `json:"tracking_mode" validate:"omitempty,oneof=sequential random weighted"`

	Referrers    []RotationEntry `json:"referrers,omitempty" validate:"dive"`
	ReferrerMode RotationMode    `json:"referrer_mode,omitempty" validate:"omitempty,oneof=sequential random weighted"`

	GeoPool     []RotationEntry `json:"geo_pool" validate:"required,min=1,dive"`
	GeoStrategy RotationMode    `json:"geo_strategy" validate:"omitempty,oneof=sequential random weighted"`

	DeviceDistribution []DeviceShare `json:"device_distribution,omitempty" validate:"dive"`

	TracerMode                TracerMode `json:"tracer_mode" validate:"omitempty,oneof=http_only browser anti_cloaking interactive brightdata_browser auto"`
	MaxRedirects              int        `json:"max_redirects,omitempty" validate:"gte=0,lte=100"`
	TimeoutMs                 int        `json:"timeout_ms,omitempty" validate:"gte=0"`
	RetryLimit                *int       `json:"retry_limit,omitempty" validate:"omitempty,gte=0,lte=10"`
	RetryDelayMs              *int       `json:"retry_delay_ms,omitempty" validate:"omitempty,gte=0"`
	ExtractionHopIndex        *int       `json:"extraction_hop_index,omitempty" validate:"omitempty,gte=0"`
	ExtractFromLocationHeader bool       `json:"extract_from_location_header,omitempty"`
	ExpectedParams            []string   `json:"expected_params,omitempty"`
	ParamAllowList            []string   `json:"param_allow_list,omitempty"`
	ExpectedFinalURL          string     `json:"expected_final_url,omitempty"`

	// LandingURL is where /r/:offer sends clicks, with the allocated suffix appended.
	LandingURL string `json:"landing_url,omitempty" validate:"omitempty,url"`

	UseProxy      bool   `json:"use_proxy"`
	ProxyProtocol string `json:"proxy_protocol,omitempty" validate:"omitempty,oneof=http socks5"`

	LowStockThreshold int `json:"low_stock_threshold,omitempty" validate:"gte=0"`
	TargetPoolSize    int `json:"target_pool_size,omitempty" validate:"gte=0"`
	SingleGeoCount    int `json:"single_geo_count,omitempty" validate:"gte=0"`
	MultiGeoCount     int `json:"multi_geo_count,omitempty" validate:"gte=0"`
	MultiGeoSize      int `json:"multi_geo_size,omitempty" validate:"gte=0"`

	Interval ScriptDefaults `json:"interval"`
}

// Validate enforces the invariants of a configuration before it is stored.
func (c *OfferConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOfferConfig, err)
	}

	for _, geo := range c.GeoPool {
		if !IsGeoCode(geo.Value) {
			return fmt.Errorf("%w: geo %q must be a 2-letter country code", ErrInvalidOfferConfig, geo.Value)
		}
	}

	if len(c.DeviceDistribution) > 0 {
		sum := 0
		for _, d := range c.DeviceDistribution {
			sum += d.Percent
		}
		if sum != 100 {
			return fmt.Errorf("%w: device distribution sums to %d%%, want 100%%", ErrInvalidOfferConfig, sum)
		}
	}

	if c.MultiGeoSize > len(c.GeoPool) {
		return fmt.Errorf("%w: multi_geo_size %d exceeds geo pool size %d", ErrInvalidOfferConfig, c.MultiGeoSize, len(c.GeoPool))
	}

	return nil
}

// Normalize upper-cases geo codes and stamps the schema version.
func (c *OfferConfig) Normalize() {
	c.Version = OfferConfigVersion
	for i := range c.GeoPool {
		c.GeoPool[i].Value = strings.ToUpper(strings.TrimSpace(c.GeoPool[i].Value))
	}
}

// IsGeoCode reports whether s is a 2-letter upper-case country code.
func IsGeoCode(s string) bool {
	if len(s) != 2 {
		return false
	}
	for i := 0; i < 2; i++ {
		if s[i] < 'A' || s[i] > 'Z' {
			return false
		}
	}
	return true
}

// SplitGeoCombo splits a multi-geo key such as "US,GB" into its codes.
func SplitGeoCombo(geo string) []string {
	parts := strings.Split(geo, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
