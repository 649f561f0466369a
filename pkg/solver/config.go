package solver

import (
	"fmt"
	"math"

	"github.com/ritzau/nucleus-tracker/pkg/model"
)

// Weights multiply the penalties of each event kind.
type Weights struct {
	Link          float64 `koanf:"link"`
	Division      float64 `koanf:"division"`
	Appearance    float64 `koanf:"appearance"`
	Disappearance float64 `koanf:"disappearance"`
}

// Config tunes the cost model.
type Config struct {
	// DivisionCutoff allows positions with a division penalty below it to
	// divide, in addition to those flagged may_divide.
	DivisionCutoff float64 `koanf:"division_cutoff"`

	// PruneMargin drops candidates whose penalty exceeds the cheapest
	// candidate into the same target by more than this. Zero or less keeps
	// every candidate.
	PruneMargin float64 `koanf:"prune_margin"`

	// TieBreak is the largest distance-proportional cost added to a link, so
	// that among equal-cost solutions the geometrically shortest wins.
	TieBreak float64 `koanf:"tie_break"`

	Weights Weights `koanf:"weights"`
}

// DefaultConfig returns the settings used by the command line tool.
func DefaultConfig() Config {
	return Config{
		DivisionCutoff: 1.0,
		PruneMargin:    4,
		TieBreak:       1e-6,
		Weights:        Weights{Link: 1, Division: 1, Appearance: 1, Disappearance: 1},
	}
}

// Validate rejects non-finite settings and negative weights.
func (c Config) Validate() error {
	for name, v := range map[string]float64{
		"division_cutoff": c.DivisionCutoff,
		"prune_margin":    c.PruneMargin,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s=%v", model.ErrInvalidParameter, name, v)
		}
	}
	for name, v := range map[string]float64{
		"tie_break":             c.TieBreak,
		"weights.link":          c.Weights.Link,
		"weights.division":      c.Weights.Division,
		"weights.appearance":    c.Weights.Appearance,
		"weights.disappearance": c.Weights.Disappearance,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return fmt.Errorf("%w: %s=%v must be a non-negative number", model.ErrInvalidParameter, name, v)
		}
	}
	return nil
}
