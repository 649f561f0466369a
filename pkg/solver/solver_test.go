package solver

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ritzau/nucleus-tracker/pkg/candidates"
	"github.com/ritzau/nucleus-tracker/pkg/model"
	"github.com/ritzau/nucleus-tracker/pkg/positions"
	"github.com/ritzau/nucleus-tracker/pkg/scoring"
)

var unit = model.Resolution{PixelSizeX: 1, PixelSizeY: 1, PixelSizeZ: 1, TimePointMinutes: 12}

type linkCosts map[model.Link]float64

func (c linkCosts) LinkPenalty(a, b model.Position) (float64, error) {
	l, err := model.NewLink(a, b)
	if err != nil {
		return 0, err
	}
	v, ok := c[l]
	if !ok {
		return 0, fmt.Errorf("no cost for %s", l)
	}
	return v, nil
}

type divisions map[model.Position]float64

func (d divisions) Division(p model.Position) (scoring.Division, error) {
	v, ok := d[p]
	return scoring.Division{Penalty: v, Known: ok}, nil
}

func graphOf(t *testing.T, costs linkCosts, extra ...model.Position) *candidates.Graph {
	t.Helper()
	var nodes []model.Position
	var edges []candidates.Edge
	for l := range costs {
		nodes = append(nodes, l.Source, l.Target)
		edges = append(edges, candidates.EdgeFor(l, unit))
	}
	g, err := candidates.NewGraph(append(nodes, extra...), edges)
	require.NoError(t, err)
	return g
}

func solve(t *testing.T, cfg Config, p Problem) *Solution {
	t.Helper()
	s, err := New(cfg)
	require.NoError(t, err)
	sol, err := s.Solve(context.Background(), p)
	require.NoError(t, err)
	return sol
}

func TestDivisionScenario(t *testing.T) {
	parent := model.NewPosition(0, 0, 0, 0)
	d1 := model.NewPosition(0, 0, 5, 1)
	d2 := model.NewPosition(10, 10, 10, 1)
	costs := linkCosts{
		{Source: parent, Target: d1}: -2,
		{Source: parent, Target: d2}: -2,
	}

	sol := solve(t, DefaultConfig(), Problem{
		Candidates:    graphOf(t, costs),
		Links:         costs,
		Divisions:     divisions{parent: -1},
		Appearance:    scoring.Constant(1),
		Disappearance: scoring.Constant(1),
	})

	assert.Equal(t, []model.Link{{Source: parent, Target: d1}, {Source: parent, Target: d2}}, sol.Links)
	assert.Equal(t, []model.Position{parent}, sol.Divisions)
	assert.InDelta(t, -5, sol.Cost, 1e-9)
}

func TestNoDivisionAboveCutoff(t *testing.T) {
	parent := model.NewPosition(0, 0, 0, 0)
	d1 := model.NewPosition(0, 0, 5, 1)
	d2 := model.NewPosition(10, 10, 10, 1)
	costs := linkCosts{
		{Source: parent, Target: d1}: -2,
		{Source: parent, Target: d2}: -2,
	}

	sol := solve(t, DefaultConfig(), Problem{
		Candidates:    graphOf(t, costs),
		Links:         costs,
		Divisions:     divisions{parent: 1.5},
		Appearance:    scoring.Constant(1),
		Disappearance: scoring.Constant(1),
	})

	assert.Len(t, sol.Links, 1)
	assert.Empty(t, sol.Divisions)
	assert.False(t, sol.Costs.MayDivide(parent))
}

// optimalityProblem has a unique optimum in which the cheaper pairing
// between t=0 and t=1 is given up so that c can divide.
func optimalityProblem(t *testing.T) (Problem, []model.Link) {
	a := model.NewPosition(0, 0, 0, 0)
	b := model.NewPosition(10, 0, 0, 0)
	c := model.NewPosition(0, 1, 0, 1)
	d := model.NewPosition(10, 1, 0, 1)
	e := model.NewPosition(0, 2, 0, 2)
	f := model.NewPosition(10, 2, 0, 2)
	costs := linkCosts{
		{Source: a, Target: c}: -3,
		{Source: a, Target: d}: -2.5,
		{Source: b, Target: c}: -2,
		{Source: b, Target: d}: -1,
		{Source: c, Target: e}: -3,
		{Source: c, Target: f}: -3,
		{Source: d, Target: e}: -0.1,
		{Source: d, Target: f}: -0.1,
	}
	p := Problem{
		Candidates:    graphOf(t, costs),
		Links:         costs,
		Divisions:     divisions{c: 0.5},
		Appearance:    scoring.Constant(2),
		Disappearance: scoring.Constant(2),
	}
	want := []model.Link{
		{Source: a, Target: d},
		{Source: b, Target: c},
		{Source: c, Target: e},
		{Source: c, Target: f},
	}
	return p, want
}

func TestOptimalAssignmentWithDivision(t *testing.T) {
	p, want := optimalityProblem(t)
	sol := solve(t, DefaultConfig(), p)

	assert.Equal(t, want, sol.Links)
	assert.InDelta(t, -8, sol.Cost, 1e-9)
	assert.Equal(t, []model.Position{model.NewPosition(10, 1, 0, 1)}, sol.Disappearances[:1])
	assert.Len(t, sol.Divisions, 1)
}

func TestSolvingOwnOutputIsIdempotent(t *testing.T) {
	p, _ := optimalityProblem(t)
	first := solve(t, DefaultConfig(), p)

	again, err := candidates.NewGraph(p.Candidates.Nodes(), nil)
	require.NoError(t, err)
	again, err = again.WithLinks(first.Links, unit)
	require.NoError(t, err)
	p.Candidates = again
	p.Links = scoring.Constant(0)

	second := solve(t, DefaultConfig(), p)
	assert.Equal(t, first.Links, second.Links)
}

func TestDisappearanceWithoutCandidates(t *testing.T) {
	lonely := model.NewPosition(0, 0, 0, 5)
	q := model.NewPosition(100, 0, 0, 5)
	r := model.NewPosition(101, 0, 0, 6)
	s := positions.NewStore()
	for _, pos := range []model.Position{lonely, q, r} {
		require.NoError(t, s.Add(pos, nil))
	}
	gen := candidates.NewGenerator(unit)
	gen.MaxDistanceUm = 20
	g, err := gen.Generate(context.Background(), s)
	require.NoError(t, err)

	sol := solve(t, DefaultConfig(), Problem{
		Candidates:    g,
		Links:         scoring.DistanceScorer{Resolution: unit, SigmaUm: 5},
		Appearance:    scoring.Constant(1),
		Disappearance: scoring.Constant(1),
	})

	assert.Equal(t, []model.Link{{Source: q, Target: r}}, sol.Links)
	assert.Contains(t, sol.Disappearances, lonely)
	assert.InDelta(t, 1, sol.Costs.Disappearance[lonely], 1e-12)
	assert.Zero(t, sol.Costs.Disappearance[r], "free at the last time point")
	assert.Zero(t, sol.Costs.Appearance[q], "free at the first time point")
}

func TestTieBreakPrefersShortestLink(t *testing.T) {
	a := model.NewPosition(0, 0, 0, 0)
	near := model.NewPosition(1, 0, 0, 1)
	far := model.NewPosition(5, 0, 0, 1)
	costs := linkCosts{{Source: a, Target: far}: 0, {Source: a, Target: near}: 0}

	for range 5 {
		sol := solve(t, DefaultConfig(), Problem{
			Candidates:    graphOf(t, costs),
			Links:         costs,
			Appearance:    scoring.Constant(5),
			Disappearance: scoring.Constant(5),
		})
		assert.Equal(t, []model.Link{{Source: a, Target: near}}, sol.Links)
	}
}

func TestNonConvexDivisionIsClamped(t *testing.T) {
	parent := model.NewPosition(0, 0, 0, 0)
	child := model.NewPosition(1, 0, 0, 1)
	grandchild := model.NewPosition(2, 0, 0, 2)
	costs := linkCosts{{Source: parent, Target: child}: -1, {Source: child, Target: grandchild}: -1}

	sol := solve(t, DefaultConfig(), Problem{
		Candidates:    graphOf(t, costs),
		Links:         costs,
		Divisions:     divisions{child: -5},
		Appearance:    scoring.Constant(1),
		Disappearance: scoring.Constant(1),
	})

	assert.InDelta(t, -1, sol.Costs.Division[child], 1e-12)
	assert.Equal(t, []model.Position{child}, sol.Raised)
	assert.Len(t, sol.Links, 2)
	assert.Empty(t, sol.Divisions)
	// parent appears for free at the first time point, grandchild
	// disappears for free at the last.
	assert.InDelta(t, -2, sol.Cost, 1e-9)
}

func TestPruneDropsExpensiveCandidates(t *testing.T) {
	a := model.NewPosition(0, 0, 0, 0)
	b := model.NewPosition(5, 0, 0, 0)
	c := model.NewPosition(1, 0, 0, 1)
	costs := linkCosts{{Source: a, Target: c}: -1, {Source: b, Target: c}: 3.5}

	p := Problem{
		Candidates:    graphOf(t, costs),
		Links:         costs,
		Appearance:    scoring.Constant(1),
		Disappearance: scoring.Constant(1),
	}
	sol := solve(t, DefaultConfig(), p)
	_, kept := sol.Pruned.Edge(b, c)
	assert.False(t, kept)
	assert.Equal(t, 3, len(sol.Pruned.Nodes()))

	cfg := DefaultConfig()
	cfg.PruneMargin = 0
	sol = solve(t, cfg, p)
	_, kept = sol.Pruned.Edge(b, c)
	assert.True(t, kept)
}

func TestInputValidation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Weights.Division = -1
	_, err := New(cfg)
	assert.ErrorIs(t, err, model.ErrInvalidParameter)

	cfg = DefaultConfig()
	cfg.PruneMargin = math.NaN()
	_, err = New(cfg)
	assert.ErrorIs(t, err, model.ErrInvalidParameter)

	a := model.NewPosition(0, 0, 0, 0)
	b := model.NewPosition(1, 0, 0, 1)
	costs := linkCosts{{Source: a, Target: b}: math.NaN()}
	s, err := New(DefaultConfig())
	require.NoError(t, err)
	_, err = s.Solve(context.Background(), Problem{
		Candidates:    graphOf(t, costs),
		Links:         costs,
		Appearance:    scoring.Constant(1),
		Disappearance: scoring.Constant(1),
	})
	assert.ErrorIs(t, err, model.ErrInvalidPenalty)

	_, err = s.Solve(context.Background(), Problem{Candidates: graphOf(t, costs)})
	assert.ErrorIs(t, err, model.ErrInvalidParameter)
}

// TestRandomProblemsKeepDegreeLimits solves random scenes and checks the
// degree constraints of every solution.
func TestRandomProblemsKeepDegreeLimits(t *testing.T) {
	rng := rand.New(rand.NewPCG(17, 23))
	for round := 0; round < 10; round++ {
		s := positions.NewStore()
		div := divisions{}
		for tp := 0; tp < 5; tp++ {
			for i := 0; i < 6; i++ {
				p := model.NewPosition(rng.Float64()*40, rng.Float64()*40, rng.Float64()*10, tp)
				require.NoError(t, s.Add(p, nil))
				if rng.IntN(3) == 0 {
					div[p] = rng.Float64()*2 - 1
				}
			}
		}
		g, err := candidates.NewGenerator(unit).Generate(context.Background(), s)
		require.NoError(t, err)

		sol := solve(t, DefaultConfig(), Problem{
			Candidates:    g,
			Links:         scoring.DistanceScorer{Resolution: unit, SigmaUm: 8},
			Divisions:     div,
			Appearance:    scoring.Constant(1),
			Disappearance: scoring.Constant(1),
		})

		in := map[model.Position]int{}
		out := map[model.Position]int{}
		for _, l := range sol.Links {
			require.Equal(t, l.Source.T+1, l.Target.T)
			in[l.Target]++
			out[l.Source]++
		}
		for p, n := range in {
			assert.LessOrEqual(t, n, 1, "%s", p)
		}
		for p, n := range out {
			if n == 2 {
				assert.True(t, sol.Costs.MayDivide(p), "%s divides without permission", p)
			}
			assert.LessOrEqual(t, n, 2)
		}
		assert.Len(t, sol.Appearances, s.Len()-len(in))
		assert.Len(t, sol.Disappearances, s.Len()-len(out))
	}
}
