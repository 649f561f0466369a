package marginal

import (
	"slices"

	"github.com/ritzau/nucleus-tracker/pkg/metadata"
	"github.com/ritzau/nucleus-tracker/pkg/model"
)

// LinkAnnotator stores link metadata. The track graph implements it.
type LinkAnnotator interface {
	SetLinkMetadata(a, b model.Position, key string, v metadata.Value) error
}

// Annotate records every estimate on its link.
func (e *Estimator) Annotate(dst LinkAnnotator, estimates []Estimate) error {
	for _, est := range estimates {
		a, b := est.Link.Source, est.Link.Target
		for key, v := range map[string]metadata.Value{
			metadata.KeyMarginalProbability:    metadata.Float(est.Probability),
			metadata.KeyAlternativeProbability: metadata.Float(est.Alternative),
			metadata.KeyErrorRate:              metadata.Float(est.ErrorRate()),
			metadata.KeyLowConfidence:          metadata.Bool(e.LowConfidence(est)),
		} {
			if err := dst.SetLinkMetadata(a, b, key, v); err != nil {
				return err
			}
		}
	}
	return nil
}

// Filter returns the links whose estimate is confident enough. When a
// dropped link leaves a division, the sibling link is dropped as well so
// the output never holds half a division. Links without an estimate are
// kept.
func (e *Estimator) Filter(links []model.Link, estimates []Estimate) []model.Link {
	drop := make(map[model.Link]bool)
	for _, est := range estimates {
		if e.LowConfidence(est) {
			drop[est.Link] = true
		}
	}

	children := make(map[model.Position][]model.Link)
	for _, l := range links {
		children[l.Source] = append(children[l.Source], l)
	}
	for _, l := range links {
		if !drop[l] {
			continue
		}
		if siblings := children[l.Source]; len(siblings) > 1 {
			for _, s := range siblings {
				drop[s] = true
			}
		}
	}

	kept := make([]model.Link, 0, len(links))
	for _, l := range links {
		if !drop[l] {
			kept = append(kept, l)
		}
	}
	slices.SortFunc(kept, model.CompareLinks)
	return kept
}
