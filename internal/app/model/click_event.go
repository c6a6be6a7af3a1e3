package model

import "time"

// ClickEvent is one production click reported by the serving path. It feeds
// the daily counters the interval controller works from.
type ClickEvent struct {
	ID          string    `json:"id"`
	OfferName   string    `json:"offer_name" validate:"required"`
	AccountID   string    `json:"account_id"`
	LandingPage string    `json:"landing_page"`
	RecordID    string    `json:"record_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

const (
	ClickStreamName     = "SUFFIX_CLICKS"
	ClickStreamSubject  = "suffix.clicks"
	ClickConsumerName   = "interval-click-counter"
	ClickStreamMaxBytes = 1024 * 1024 * 100 // 100MB
)
