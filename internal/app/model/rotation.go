package model

import (
	"github.com/goccy/go-json"
)

// RotationMode selects how a candidate is picked from a rotation set.
type RotationMode string

const (
	RotationSequential RotationMode = "sequential"
	RotationRandom     RotationMode = "random"
	RotationWeighted   RotationMode = "weighted"
)

// Valid reports whether m is a known rotation mode.
func (m RotationMode) Valid() bool {
	switch m {
	case RotationSequential, RotationRandom, RotationWeighted:
		return true
	}
	return false
}

// RotationEntry is one candidate in a rotation set: a tracking URL, a
// referrer or a geo code.
type RotationEntry struct {
	Value   string `json:"value" validate:"required"`
	Weight  int    `json:"weight" validate:"gte=1"`
	Enabled bool   `json:"enabled"`
	Label   string `json:"label,omitempty"`
	// ApplicableHops restricts a referrer to specific chain hops; empty means all hops.
	ApplicableHops []int `json:"applicable_hops,omitempty"`
}

type rotationEntryWire struct {
	Value          string `json:"value"`
	Weight         *int   `json:"weight"`
	Enabled        *bool  `json:"enabled"`
	Label          string `json:"label,omitempty"`
	ApplicableHops []int  `json:"applicable_hops,omitempty"`
}

// UnmarshalJSON applies the stored-row defaults: an absent "enabled" means
// enabled and an absent weight means 1. An explicit weight is kept as sent so
// validation can reject non-positive values.
func (e *RotationEntry) UnmarshalJSON(data []byte) error {
	var w rotationEntryWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	e.Value = w.Value
	e.Label = w.Label
	e.ApplicableHops = w.ApplicableHops
	e.Enabled = w.Enabled == nil || *w.Enabled
	e.Weight = 1
	if w.Weight != nil {
		e.Weight = *w.Weight
	}
	return nil
}

// AppliesToHop reports whether a referrer entry should be sent on hop index.
func (e RotationEntry) AppliesToHop(index int) bool {
	if len(e.ApplicableHops) == 0 {
		return true
	}
	for _, h := range e.ApplicableHops {
		if h == index {
			return true
		}
	}
	return false
}
