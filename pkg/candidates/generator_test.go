package candidates

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ritzau/nucleus-tracker/pkg/model"
	"github.com/ritzau/nucleus-tracker/pkg/positions"
)

var unit = model.Resolution{PixelSizeX: 1, PixelSizeY: 1, PixelSizeZ: 1, TimePointMinutes: 12}

func store(t *testing.T, ps ...model.Position) *positions.Store {
	t.Helper()
	s := positions.NewStore()
	for _, p := range ps {
		require.NoError(t, s.Add(p, nil))
	}
	return s
}

func links(g *Graph) []model.Link {
	var out []model.Link
	for _, e := range g.Edges() {
		out = append(out, e.Link())
	}
	return out
}

func TestToleranceAndSymmetricSearch(t *testing.T) {
	a := model.NewPosition(0, 0, 0, 0)
	e := model.NewPosition(6, 0, 0, 0)
	b := model.NewPosition(1, 0, 0, 1)
	c := model.NewPosition(1.5, 0, 0, 1)
	d := model.NewPosition(6.5, 0, 0, 1)

	g, err := NewGenerator(unit).Generate(context.Background(), store(t, a, e, b, c, d))
	require.NoError(t, err)

	assert.Equal(t, []model.Link{
		{Source: a, Target: b},
		{Source: a, Target: c},
		{Source: e, Target: d},
	}, links(g))
	assert.Len(t, g.Nodes(), 5)
}

func TestBackwardSearchFindsDaughter(t *testing.T) {
	mother := model.NewPosition(0, 0, 0, 0)
	other := model.NewPosition(30, 0, 0, 0)
	near := model.NewPosition(1, 0, 0, 1)
	daughter := model.NewPosition(12, 0, 0, 1)

	// From the mother, the daughter is far outside tolerance, but the
	// mother is the daughter's nearest neighbour in the previous time point.
	g, err := NewGenerator(unit).Generate(context.Background(), store(t, mother, other, near, daughter))
	require.NoError(t, err)

	edge, ok := g.Edge(daughter, mother)
	require.True(t, ok)
	assert.InDelta(t, 12, edge.DistanceUm, 1e-9)
	assert.Len(t, g.From(mother), 2)
	assert.Len(t, g.To(daughter), 2)
}

func TestPhysicalDistances(t *testing.T) {
	r := model.Resolution{PixelSizeX: 1, PixelSizeY: 1, PixelSizeZ: 5, TimePointMinutes: 12}
	a := model.NewPosition(0, 0, 0, 0)
	up := model.NewPosition(0, 0, 1, 1)
	side := model.NewPosition(3, 0, 0, 1)

	gen := NewGenerator(r)
	gen.Tolerance = 1
	g, err := gen.Generate(context.Background(), store(t, a, up, side))
	require.NoError(t, err)

	toSide, ok := g.Edge(a, side)
	require.True(t, ok)
	assert.InDelta(t, 3, toSide.DistanceUm, 1e-9)
	toUp, ok := g.Edge(a, up)
	require.True(t, ok, "backward pass adds the only option of up")
	assert.InDelta(t, 5, toUp.DistanceUm, 1e-9)
	assert.InDelta(t, 5, g.MaxDistanceUm(), 1e-9)
}

func TestMaxDistanceCutsOff(t *testing.T) {
	a := model.NewPosition(0, 0, 0, 0)
	b := model.NewPosition(10, 0, 0, 1)

	gen := NewGenerator(unit)
	gen.MaxDistanceUm = 5
	g, err := gen.Generate(context.Background(), store(t, a, b))
	require.NoError(t, err)
	assert.Zero(t, g.Len())
	assert.Empty(t, g.From(a))
}

func TestMaxCandidatesCapsEachDirection(t *testing.T) {
	var to []model.Position
	for i := range 6 {
		to = append(to, model.NewPosition(1+0.1*float64(i), 0, 0, 1))
	}
	gen := NewGenerator(unit)
	gen.MaxCandidates = 3

	hits := gen.near(newIndex(to, unit), model.NewPosition(0, 0, 0, 0))
	require.Len(t, hits, 3)
	for i, h := range hits {
		assert.Equal(t, to[i], to[h.index])
	}
}

func TestNoPairsAcrossMissingTimePoint(t *testing.T) {
	g, err := NewGenerator(unit).Generate(context.Background(), store(t,
		model.NewPosition(0, 0, 0, 0),
		model.NewPosition(0, 0, 0, 2),
	))
	require.NoError(t, err)
	assert.Zero(t, g.Len())
}

func TestGeneratorValidation(t *testing.T) {
	gen := NewGenerator(unit)
	gen.Tolerance = 0.5
	_, err := gen.Generate(context.Background(), store(t))
	assert.ErrorIs(t, err, model.ErrInvalidParameter)

	_, err = NewGenerator(model.Resolution{}).Generate(context.Background(), store(t))
	assert.ErrorIs(t, err, model.ErrMissingResolution)
}

func TestGenerateHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewGenerator(unit).Generate(ctx, store(t,
		model.NewPosition(0, 0, 0, 0),
		model.NewPosition(1, 0, 0, 1),
	))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRejectsZeroDistanceCandidate(t *testing.T) {
	// The stationary pair is the nearest neighbour of each other, which
	// would also shrink the tolerance radius to nothing.
	_, err := NewGenerator(unit).Generate(context.Background(), store(t,
		model.NewPosition(0, 0, 0, 0),
		model.NewPosition(0, 0, 0, 1),
		model.NewPosition(3, 0, 0, 1),
	))
	assert.ErrorIs(t, err, model.ErrDegenerateCandidate)
	assert.Equal(t, model.KindInputQuality, model.KindOf(err))
}
