// Package scoring turns probabilities into penalties and supplies the scorers
// the solver consumes. A penalty is a log10 odds ratio: lower is more likely,
// zero means even odds.
package scoring

import (
	"fmt"
	"math"

	"github.com/ritzau/nucleus-tracker/pkg/model"
)

// epsilon keeps penalties finite for probabilities of exactly 0 or 1.
const epsilon = 1e-10

// PenaltyFromProbability returns -log10(p) + log10(1-p).
func PenaltyFromProbability(p float64) (float64, error) {
	if math.IsNaN(p) || p < 0 || p > 1 {
		return 0, fmt.Errorf("%w: probability %v outside [0, 1]", model.ErrInvalidPenalty, p)
	}
	return math.Log10((1 - p + epsilon) / (p + epsilon)), nil
}

// ProbabilityFromPenalty is the inverse of PenaltyFromProbability.
func ProbabilityFromPenalty(penalty float64) float64 {
	return 1 / (1 + math.Pow(10, penalty))
}

// CombineEvents returns the penalty of "any of these mutually exclusive
// events happens". An empty set is treated as an impossible event.
func CombineEvents(penalties ...float64) float64 {
	none := 1.0
	for _, e := range penalties {
		none *= 1 - ProbabilityFromPenalty(e)
	}
	p, _ := PenaltyFromProbability(1 - none)
	return p
}

// ValidatePenalty rejects NaN and infinite penalties.
func ValidatePenalty(v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%w: %v", model.ErrInvalidPenalty, v)
	}
	return nil
}
