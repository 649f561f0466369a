package integrity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/graph/simple"

	"github.com/ritzau/nucleus-tracker/pkg/model"
	"github.com/ritzau/nucleus-tracker/pkg/positions"
	"github.com/ritzau/nucleus-tracker/pkg/tracks"
)

func setup(t *testing.T, ps ...model.Position) (*positions.Store, *tracks.Graph) {
	t.Helper()
	store := positions.NewStore()
	g := tracks.NewGraph()
	store.Subscribe(g)
	for _, p := range ps {
		require.NoError(t, store.Add(p, nil))
	}
	return store, g
}

func TestCleanGraph(t *testing.T) {
	a := model.NewPosition(0, 0, 0, 0)
	b := model.NewPosition(0, 0, 0, 1)
	c := model.NewPosition(5, 0, 0, 2)
	d := model.NewPosition(-5, 0, 0, 2)
	store, g := setup(t, a, b, c, d)
	require.NoError(t, g.AddLink(a, b))
	require.NoError(t, g.AddLink(b, c))
	require.NoError(t, g.AddLink(b, d))

	r := Verify(store, g, Options{MaxPasts: 1})
	assert.True(t, r.OK(), "%v", r.Violations)
	assert.NoError(t, r.Err())
	assert.Equal(t, 3, r.Tracks)
	assert.Equal(t, 3, r.Links)
}

func TestDegreeLimits(t *testing.T) {
	a := model.NewPosition(0, 0, 0, 0)
	b := model.NewPosition(9, 0, 0, 0)
	c := model.NewPosition(5, 0, 0, 1)
	store, g := setup(t, a, b, c)
	require.NoError(t, g.AddLink(a, c))
	require.NoError(t, g.AddLink(b, c))

	assert.True(t, Verify(store, g, Options{}).OK(), "merges are allowed by default")

	r := Verify(store, g, Options{MaxPasts: 1})
	require.Len(t, r.Violations, 1)
	assert.Equal(t, CheckDegree, r.Violations[0].Check)

	err := r.Err()
	assert.ErrorIs(t, err, model.ErrTrackInvariant)
	assert.True(t, IsViolation(err))
	assert.Equal(t, model.KindConstraint, model.KindOf(err))
}

func TestPositionOutsideTheGraph(t *testing.T) {
	store, g := setup(t, model.NewPosition(0, 0, 0, 0))
	extra := positions.NewStore()
	require.NoError(t, extra.Add(model.NewPosition(1, 1, 1, 0), nil))
	require.NoError(t, extra.Add(model.NewPosition(0, 0, 0, 0), nil))

	assert.True(t, Verify(store, g, Options{}).OK())

	r := Verify(extra, g, Options{})
	require.Len(t, r.Violations, 1)
	assert.Equal(t, CheckPartition, r.Violations[0].Check)
}

func TestCycles(t *testing.T) {
	g := simple.NewDirectedGraph()
	edge := func(a, b int64) { g.SetEdge(g.NewEdge(simple.Node(a), simple.Node(b))) }
	edge(1, 2)
	edge(2, 3)
	edge(3, 1)
	edge(3, 4)
	edge(4, 5)
	edge(5, 4)
	edge(6, 7)

	assert.Equal(t, [][]int64{{4, 5}, {1, 2, 3}}, Cycles(g))

	acyclic := simple.NewDirectedGraph()
	acyclic.SetEdge(acyclic.NewEdge(simple.Node(1), simple.Node(2)))
	assert.Empty(t, Cycles(acyclic))
}
