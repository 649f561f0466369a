package candidates

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ritzau/nucleus-tracker/pkg/model"
)

func TestNewGraphValidatesEdges(t *testing.T) {
	a := model.NewPosition(0, 0, 0, 0)
	b := model.NewPosition(1, 0, 0, 1)
	c := model.NewPosition(2, 0, 0, 2)
	still := model.NewPosition(0, 0, 0, 1)
	nodes := []model.Position{a, b, c, still}

	_, err := NewGraph(nodes, []Edge{{Source: a, Target: c, DistanceUm: 2}})
	assert.ErrorIs(t, err, model.ErrDegenerateCandidate)

	_, err = NewGraph(nodes, []Edge{{Source: b, Target: a}})
	assert.ErrorIs(t, err, model.ErrDegenerateCandidate)

	_, err = NewGraph(nodes[:1], []Edge{{Source: a, Target: b}})
	assert.ErrorIs(t, err, model.ErrUnknownPosition)

	_, err = NewGraph(nodes, []Edge{{Source: a, Target: b, DistanceUm: -1}})
	assert.ErrorIs(t, err, model.ErrDegenerateCandidate)

	_, err = NewGraph(nodes, []Edge{{Source: a, Target: still}})
	assert.ErrorIs(t, err, model.ErrDegenerateCandidate)
	assert.ErrorIs(t, err, model.ErrInputQuality)
}

func TestGraphIndexesAndDeduplicates(t *testing.T) {
	a := model.NewPosition(0, 0, 0, 0)
	b := model.NewPosition(1, 0, 0, 1)
	c := model.NewPosition(2, 0, 0, 1)
	d := model.NewPosition(2, 0, 0, 2)

	g, err := NewGraph([]model.Position{d, c, b, a, a}, []Edge{
		{Source: a, Target: c, DistanceUm: 2},
		{Source: a, Target: b, DistanceUm: 1},
		{Source: a, Target: c, DistanceUm: 2},
	})
	require.NoError(t, err)

	assert.Equal(t, []model.Position{a, b, c, d}, g.Nodes())
	assert.Equal(t, 2, g.Len())
	assert.Equal(t, []Edge{{a, b, 1}, {a, c, 2}}, g.From(a))
	assert.Equal(t, []Edge{{a, c, 2}}, g.To(c))
	assert.Empty(t, g.To(a))
	assert.True(t, g.HasNode(d))

	withLink, err := g.WithLinks([]model.Link{{Source: c, Target: d}}, unit)
	require.NoError(t, err)
	e, ok := withLink.Edge(d, c)
	require.True(t, ok)
	assert.InDelta(t, 0, e.DistanceUm, 1e-12)
	assert.Equal(t, 2, g.Len(), "original graph is unchanged")

	short := withLink.Filter(func(e Edge) bool { return e.DistanceUm < 1.5 })
	assert.Equal(t, []model.Link{{Source: a, Target: b}, {Source: c, Target: d}}, links(short))
	assert.Len(t, short.Nodes(), 4)
}
