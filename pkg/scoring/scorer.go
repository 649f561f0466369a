package scoring

import (
	"fmt"
	"math"

	"github.com/ritzau/nucleus-tracker/pkg/metadata"
	"github.com/ritzau/nucleus-tracker/pkg/model"
)

// LinkScorer assigns a penalty to a candidate link. Implementations may be
// backed by a neural network, stored metadata or a heuristic.
type LinkScorer interface {
	LinkPenalty(source, target model.Position) (float64, error)
}

// PositionScorer assigns a penalty to an event at a single position, such as
// appearing or disappearing.
type PositionScorer interface {
	PositionPenalty(p model.Position) (float64, error)
}

// Division describes what is known about a position dividing.
type Division struct {
	Penalty float64
	Known   bool // Penalty came from the input
	Flagged bool // explicitly marked as may_divide
}

// DivisionScorer reports the division penalty of a position.
type DivisionScorer interface {
	Division(p model.Position) (Division, error)
}

// Constant scores every link or event with the same penalty.
type Constant float64

func (c Constant) LinkPenalty(model.Position, model.Position) (float64, error) {
	return float64(c), ValidatePenalty(float64(c))
}

func (c Constant) PositionPenalty(model.Position) (float64, error) {
	return float64(c), ValidatePenalty(float64(c))
}

// DistanceScorer treats the physical displacement as Gaussian with standard
// deviation SigmaUm.
type DistanceScorer struct {
	Resolution model.Resolution
	SigmaUm    float64
}

func (s DistanceScorer) LinkPenalty(source, target model.Position) (float64, error) {
	if !(s.SigmaUm > 0) {
		return 0, fmt.Errorf("%w: sigma %v", model.ErrInvalidParameter, s.SigmaUm)
	}
	d2 := source.DistanceSquaredUm(target, s.Resolution)
	return PenaltyFromProbability(math.Exp(-d2 / (2 * s.SigmaUm * s.SigmaUm)))
}

// LinkData gives access to link metadata.
type LinkData interface {
	LinkMetadata(a, b model.Position) metadata.Document
}

// PositionData gives access to position metadata.
type PositionData interface {
	Metadata(p model.Position) metadata.Document
}

// LinkTable is a detached copy of link metadata, keyed by link.
type LinkTable map[model.Link]metadata.Document

func (t LinkTable) LinkMetadata(a, b model.Position) metadata.Document {
	l, err := model.NewLink(a, b)
	if err != nil {
		return nil
	}
	return t[l]
}

// MetadataScorer reads penalties supplied by an external predictor.
// Links without link_penalty or link_probability are scored by Fallback.
type MetadataScorer struct {
	Links     LinkData
	Positions PositionData
	Fallback  LinkScorer
}

func (s MetadataScorer) LinkPenalty(source, target model.Position) (float64, error) {
	if s.Links != nil {
		doc := s.Links.LinkMetadata(source, target)
		if v, ok, err := penaltyOf(doc, metadata.KeyLinkPenalty, metadata.KeyLinkProbability); ok || err != nil {
			if err != nil {
				return 0, fmt.Errorf("link %s -> %s: %w", source, target, err)
			}
			return v, nil
		}
	}
	if s.Fallback == nil {
		return 0, fmt.Errorf("%w: no penalty for link %s -> %s", model.ErrInvalidPenalty, source, target)
	}
	return s.Fallback.LinkPenalty(source, target)
}

func (s MetadataScorer) Division(p model.Position) (Division, error) {
	if s.Positions == nil {
		return Division{}, nil
	}
	doc := s.Positions.Metadata(p)
	flagged, _ := doc.Bool(metadata.KeyMayDivide)
	v, ok, err := penaltyOf(doc, metadata.KeyDivisionPenalty, metadata.KeyDivisionProbability)
	if err != nil {
		return Division{}, fmt.Errorf("position %s: %w", p, err)
	}
	return Division{Penalty: v, Known: ok, Flagged: flagged}, nil
}

// penaltyOf reads a penalty key, or converts a probability key.
func penaltyOf(doc metadata.Document, penaltyKey, probabilityKey string) (float64, bool, error) {
	if v, ok := doc.Float(penaltyKey); ok {
		return v, true, ValidatePenalty(v)
	}
	if p, ok := doc.Float(probabilityKey); ok {
		v, err := PenaltyFromProbability(p)
		return v, true, err
	}
	return 0, false, nil
}

// BorderModulated raises the probability of appearing or disappearing close
// to the border of the imaged volume. Positions outside an unknown volume get
// MinProbability.
type BorderModulated struct {
	Volume         model.Volume
	Resolution     model.Resolution
	BufferUm       float64
	MinProbability float64
}

func (b BorderModulated) PositionPenalty(p model.Position) (float64, error) {
	prob := b.MinProbability
	if !b.Volume.IsZero() && b.BufferUm > 0 {
		if d := b.Volume.DistanceToBorderUm(p, b.Resolution); d < b.BufferUm {
			prob += 0.5 * (1 - d/b.BufferUm)
		}
	}
	return PenaltyFromProbability(math.Min(prob, 1))
}
