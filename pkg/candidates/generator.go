// Package candidates proposes the links the solver may choose from: every
// position is joined to its nearest neighbour in the adjacent time point and
// to all others that are not much further away.
package candidates

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/ritzau/nucleus-tracker/pkg/logging"
	"github.com/ritzau/nucleus-tracker/pkg/model"
)

// Defaults used when a Generator field is left at zero.
const (
	DefaultTolerance     = 2.0
	DefaultMaxCandidates = 5
)

// Source provides positions grouped by time point. positions.Store satisfies it.
type Source interface {
	TimePoints() []int
	OfTimePoint(t int) []model.Position
}

// Generator finds candidate links between consecutive time points.
type Generator struct {
	Resolution model.Resolution

	// Tolerance scales the nearest distance into the search radius. Must be >= 1.
	Tolerance float64

	// MaxCandidates caps the candidates per position and direction. Zero
	// means unlimited.
	MaxCandidates int

	// MaxDistanceUm is an absolute cut-off. Zero means unlimited.
	MaxDistanceUm float64

	// Workers bounds the number of time-point pairs processed at once.
	Workers int
}

// NewGenerator returns a generator with the default settings.
func NewGenerator(r model.Resolution) Generator {
	return Generator{
		Resolution:    r,
		Tolerance:     DefaultTolerance,
		MaxCandidates: DefaultMaxCandidates,
		Workers:       runtime.GOMAXPROCS(0),
	}
}

// Validate rejects settings that would produce a meaningless candidate set.
func (g Generator) Validate() error {
	if err := g.Resolution.Validate(); err != nil {
		return err
	}
	if math.IsNaN(g.Tolerance) || g.Tolerance < 1 {
		return fmt.Errorf("%w: tolerance %v must be at least 1", model.ErrInvalidParameter, g.Tolerance)
	}
	if g.MaxCandidates < 0 {
		return fmt.Errorf("%w: max candidates %d", model.ErrInvalidParameter, g.MaxCandidates)
	}
	if math.IsNaN(g.MaxDistanceUm) || g.MaxDistanceUm < 0 {
		return fmt.Errorf("%w: max distance %v", model.ErrInvalidParameter, g.MaxDistanceUm)
	}
	return nil
}

// Generate builds the candidate graph over all positions of src.
func (g Generator) Generate(ctx context.Context, src Source) (*Graph, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}

	timePoints := src.TimePoints()
	byTime := make(map[int][]model.Position, len(timePoints))
	var nodes []model.Position
	for _, t := range timePoints {
		ps := src.OfTimePoint(t)
		slices.SortFunc(ps, model.ComparePositions)
		byTime[t] = ps
		nodes = append(nodes, ps...)
	}

	var pairs []int
	for _, t := range timePoints {
		if _, ok := byTime[t+1]; ok {
			pairs = append(pairs, t)
		}
	}

	results := make([][]Edge, len(pairs))
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(max(g.Workers, 1))
	for i, t := range pairs {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			results[i] = g.pair(byTime[t], byTime[t+1])
			logging.Trace("candidate pair done", "timePoint", t, "edges", len(results[i]))
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	var edges []Edge
	for _, r := range results {
		edges = append(edges, r...)
	}
	graph, err := NewGraph(nodes, edges)
	if err != nil {
		return nil, err
	}
	logging.DebugContext(ctx, "candidates generated",
		"positions", len(nodes),
		"timePointPairs", len(pairs),
		"edges", graph.Len(),
	)
	return graph, nil
}

// pair generates the candidates between two consecutive time points, in both
// directions.
func (g Generator) pair(from, to []model.Position) []Edge {
	if len(from) == 0 || len(to) == 0 {
		return nil
	}
	fromIdx := newIndex(from, g.Resolution)
	toIdx := newIndex(to, g.Resolution)

	var edges []Edge
	for _, p := range from {
		for _, h := range g.near(toIdx, p) {
			q := to[h.index]
			edges = append(edges, Edge{Source: p, Target: q, DistanceUm: math.Sqrt(h.dist2)})
		}
	}
	// Daughters are not always the nearest children of their mother, so
	// search backwards too.
	for _, q := range to {
		for _, h := range g.near(fromIdx, q) {
			p := from[h.index]
			edges = append(edges, Edge{Source: p, Target: q, DistanceUm: math.Sqrt(h.dist2)})
		}
	}
	return edges
}

// near returns the hits within tolerance of the nearest neighbour of p.
func (g Generator) near(idx *index, p model.Position) []hit {
	q := p.Um(g.Resolution)
	nearest, ok := idx.nearest(q)
	if !ok {
		return nil
	}
	d := math.Sqrt(nearest.dist2)
	if g.MaxDistanceUm > 0 && d > g.MaxDistanceUm {
		return nil
	}
	radius := g.Tolerance * d
	if g.MaxDistanceUm > 0 {
		radius = math.Min(radius, g.MaxDistanceUm)
	}

	hits := idx.within(q, radius*radius)
	if len(hits) == 0 {
		// Rounding can push the nearest hit just outside the radius.
		hits = []hit{nearest}
	}
	slices.SortFunc(hits, byDistance)
	if g.MaxCandidates > 0 && len(hits) > g.MaxCandidates {
		hits = hits[:g.MaxCandidates]
	}
	return hits
}
