package model

import "time"

// SuffixStatus is the lifecycle state of a generated suffix.
type SuffixStatus string

const (
	SuffixUnused    SuffixStatus = "unused"
	SuffixUsed      SuffixStatus = "used"
	SuffixZeroClick SuffixStatus = "zero_click"
	SuffixInvalid   SuffixStatus = "invalid"
)

// SourceMode records whether a suffix was traced for a single geo or a geo combination.
type SourceMode string

const (
	SourceSingleGeo SourceMode = "single_geo"
	SourceMultiGeo  SourceMode = "multi_geo"
)

// SuffixRecord is one pre-traced suffix belonging to an offer's geo pool.
type SuffixRecord struct {
	ID          string       `json:"id"`
	OfferID     string       `json:"offer_id"`
	TargetGeo   string       `json:"target_geo"`
	SuffixValue string       `json:"suffix_value"`
	Status      SuffixStatus `json:"status"`
	CreatedAt   time.Time    `json:"created_at"`
	UsedAt      *time.Time   `json:"used_at,omitempty"`
	TraceChain  []TraceHop   `json:"trace_chain,omitempty"`
	SourceMode  SourceMode   `json:"source_mode"`
}

// BucketKey identifies one suffix pool.
type BucketKey struct {
	OfferID   string `json:"offer_id"`
	TargetGeo string `json:"target_geo"`
}

// BucketStats is the inventory projection of one pool. Counts are derived
// from record statuses when read.
type BucketStats struct {
	BucketKey
	Total     int  `json:"total"`
	Available int  `json:"available"`
	Used      int  `json:"used"`
	ZeroClick int  `json:"zero_click"`
	Invalid   int  `json:"invalid"`
	Low       bool `json:"low"`
}

// LowStockSignal asks the filler to top a pool back up.
type LowStockSignal struct {
	OfferID   string    `json:"offer_id"`
	TargetGeo string    `json:"target_geo"`
	Available int       `json:"available"`
	RaisedAt  time.Time `json:"raised_at"`
}

const (
	LowStockStreamName     = "SUFFIX_LOWSTOCK"
	LowStockStreamSubject  = "suffix.lowstock"
	LowStockConsumerName   = "suffix-filler"
	LowStockStreamMaxBytes = 1024 * 1024 * 16 // 16MB
)
