// Package rotation picks one candidate out of a weighted rotation set.
package rotation

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/sifan077/PowerSuffix/internal/app/model"
)

var (
	// ErrNoEnabledEntries signals a rotation set with nothing selectable.
	// Callers fall back to their legacy single value.
	ErrNoEnabledEntries = errors.New("rotation: no enabled entries")
	// ErrUnknownMode signals an unsupported rotation mode.
	ErrUnknownMode = errors.New("rotation: unknown mode")
)

// Select returns one enabled entry according to mode.
//
// Sequential mode reads and advances *cursor; with a nil cursor it returns the
// first enabled entry so previews stay deterministic. rng may be nil, in which
// case the package-level source is used.
func Select(entries []model.RotationEntry, mode model.RotationMode, cursor *int, rng *rand.Rand) (model.RotationEntry, error) {
	enabled := Enabled(entries)
	if len(enabled) == 0 {
		return model.RotationEntry{}, ErrNoEnabledEntries
	}

	switch mode {
	case model.RotationSequential:
		if cursor == nil {
			return enabled[0], nil
		}
		idx := mod(*cursor, len(enabled))
		*cursor = idx + 1
		return enabled[idx], nil
	case model.RotationRandom:
		return enabled[intN(rng, len(enabled))], nil
	case model.RotationWeighted:
		return weighted(enabled, rng), nil
	default:
		return model.RotationEntry{}, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
}

// Enabled filters entries down to the selectable ones, preserving order.
func Enabled(entries []model.RotationEntry) []model.RotationEntry {
	out := make([]model.RotationEntry, 0, len(entries))
	for _, e := range entries {
		if e.Enabled {
			out = append(out, e)
		}
	}
	return out
}

func weighted(enabled []model.RotationEntry, rng *rand.Rand) model.RotationEntry {
	total := 0.0
	for _, e := range enabled {
		total += float64(weightOf(e))
	}

	r := float64Of(rng) * total
	for _, e := range enabled {
		r -= float64(weightOf(e))
		if r <= 0 {
			return e
		}
	}
	return enabled[len(enabled)-1]
}

func weightOf(e model.RotationEntry) int {
	if e.Weight <= 0 {
		return 1
	}
	return e.Weight
}

func mod(a, n int) int {
	m := a % n
	if m < 0 {
		m += n
	}
	return m
}

func intN(rng *rand.Rand, n int) int {
	if rng == nil {
		return rand.IntN(n)
	}
	return rng.IntN(n)
}

func float64Of(rng *rand.Rand) float64 {
	if rng == nil {
		return rand.Float64()
	}
	return rng.Float64()
}
