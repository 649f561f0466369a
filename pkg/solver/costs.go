package solver

import (
	"context"
	"fmt"

	"github.com/ritzau/nucleus-tracker/pkg/candidates"
	"github.com/ritzau/nucleus-tracker/pkg/logging"
	"github.com/ritzau/nucleus-tracker/pkg/model"
	"github.com/ritzau/nucleus-tracker/pkg/scoring"
)

// Problem is the input of a solve.
type Problem struct {
	Candidates    *candidates.Graph
	Links         scoring.LinkScorer
	Divisions     scoring.DivisionScorer // nil: no position may divide
	Appearance    scoring.PositionScorer
	Disappearance scoring.PositionScorer
}

// Costs are the weighted penalties the solve used. Marginalization reuses
// them so both see the same energies.
type Costs struct {
	Link          map[model.Link]float64
	Division      map[model.Position]float64 // only positions that may divide
	Appearance    map[model.Position]float64
	Disappearance map[model.Position]float64
}

// MayDivide reports whether p is allowed two outgoing links.
func (c *Costs) MayDivide(p model.Position) bool {
	_, ok := c.Division[p]
	return ok
}

// LinkPenalty returns the penalty of the link between a and b.
func (c *Costs) LinkPenalty(a, b model.Position) (float64, bool) {
	l, err := model.NewLink(a, b)
	if err != nil {
		return 0, false
	}
	v, ok := c.Link[l]
	return v, ok
}

// score evaluates every penalty of the problem. Appearance is free at the
// first time point and disappearance at the last, since cells there cross the
// edge of the recording rather than the edge of the volume.
func (cfg Config) score(ctx context.Context, p Problem) (*Costs, error) {
	nodes := p.Candidates.Nodes()
	c := &Costs{
		Link:          make(map[model.Link]float64, p.Candidates.Len()),
		Division:      make(map[model.Position]float64),
		Appearance:    make(map[model.Position]float64, len(nodes)),
		Disappearance: make(map[model.Position]float64, len(nodes)),
	}
	if len(nodes) == 0 {
		return c, nil
	}
	first, last := nodes[0].T, nodes[len(nodes)-1].T

	for _, pos := range nodes {
		if pos.T != first {
			v, err := p.Appearance.PositionPenalty(pos)
			if err := checked(v, err, "appearance", pos); err != nil {
				return nil, err
			}
			c.Appearance[pos] = cfg.Weights.Appearance * v
		} else {
			c.Appearance[pos] = 0
		}
		if pos.T != last {
			v, err := p.Disappearance.PositionPenalty(pos)
			if err := checked(v, err, "disappearance", pos); err != nil {
				return nil, err
			}
			c.Disappearance[pos] = cfg.Weights.Disappearance * v
		} else {
			c.Disappearance[pos] = 0
		}

		if p.Divisions == nil {
			continue
		}
		div, err := p.Divisions.Division(pos)
		if err := checked(div.Penalty, err, "division", pos); err != nil {
			return nil, err
		}
		if div.Flagged || (div.Known && div.Penalty < cfg.DivisionCutoff) {
			c.Division[pos] = cfg.Weights.Division * div.Penalty
		}
	}

	for _, e := range p.Candidates.Edges() {
		v, err := p.Links.LinkPenalty(e.Source, e.Target)
		if err := checked(v, err, "link", e.Source); err != nil {
			return nil, err
		}
		c.Link[e.Link()] = cfg.Weights.Link * v
	}

	logging.DebugContext(ctx, "penalties scored",
		"positions", len(nodes),
		"links", len(c.Link),
		"mayDivide", len(c.Division),
	)
	return c, nil
}

func checked(v float64, err error, what string, p model.Position) error {
	if err == nil {
		err = scoring.ValidatePenalty(v)
	}
	if err != nil {
		return fmt.Errorf("%s penalty at %s: %w", what, p, err)
	}
	return nil
}

// prune drops candidates far more expensive than the best candidate into the
// same target.
func (cfg Config) prune(g *candidates.Graph, c *Costs) *candidates.Graph {
	if cfg.PruneMargin <= 0 {
		return g
	}
	best := make(map[model.Position]float64)
	for _, e := range g.Edges() {
		v := c.Link[e.Link()]
		if b, ok := best[e.Target]; !ok || v < b {
			best[e.Target] = v
		}
	}
	return g.Filter(func(e candidates.Edge) bool {
		return c.Link[e.Link()] <= best[e.Target]+cfg.PruneMargin
	})
}
