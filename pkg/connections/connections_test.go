package connections

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ritzau/nucleus-tracker/pkg/model"
)

func TestAddIsSymmetric(t *testing.T) {
	g := NewGraph()
	a := model.NewPosition(0, 0, 0, 1)
	b := model.NewPosition(1, 0, 0, 1)

	require.NoError(t, g.Add(b, a))
	require.NoError(t, g.Add(a, b))

	assert.Equal(t, 1, g.Len())
	assert.True(t, g.Contains(a, b))
	assert.True(t, g.Contains(b, a))
	assert.Equal(t, []Pair{{A: a, B: b}}, g.All())
	assert.Equal(t, []model.Position{b}, g.Of(a))
}

func TestAddRejectsInvalidPairs(t *testing.T) {
	g := NewGraph()
	a := model.NewPosition(0, 0, 0, 1)

	assert.ErrorIs(t, g.Add(a, a.WithTime(2)), model.ErrDifferentTimePoints)
	assert.ErrorIs(t, g.Add(a, a), model.ErrConstraint)
	assert.Zero(t, g.Len())
}

func TestClustersAt(t *testing.T) {
	g := NewGraph()
	a := model.NewPosition(0, 0, 0, 0)
	b := model.NewPosition(1, 0, 0, 0)
	c := model.NewPosition(2, 0, 0, 0)
	d := model.NewPosition(8, 0, 0, 0)
	e := model.NewPosition(9, 0, 0, 0)
	require.NoError(t, g.Add(a, b))
	require.NoError(t, g.Add(c, b))
	require.NoError(t, g.Add(e, d))

	assert.Equal(t, [][]model.Position{{a, b, c}, {d, e}}, g.ClustersAt(0))
	assert.Nil(t, g.ClustersAt(1))
}

func TestRemoveAndCascade(t *testing.T) {
	g := NewGraph()
	a := model.NewPosition(0, 0, 0, 0)
	b := model.NewPosition(1, 0, 0, 0)
	c := model.NewPosition(2, 0, 0, 0)
	require.NoError(t, g.Add(a, b))
	require.NoError(t, g.Add(a, c))

	g.Remove(b, a)
	g.Remove(b, a)
	assert.Equal(t, 1, g.Len())

	g.PositionRemoved(a)
	assert.Zero(t, g.Len())
	assert.Empty(t, g.Of(c))
	assert.Empty(t, g.All())
}

func TestMoveKeepsConnections(t *testing.T) {
	g := NewGraph()
	a := model.NewPosition(0, 0, 0, 0)
	b := model.NewPosition(1, 0, 0, 0)
	require.NoError(t, g.Add(a, b))

	moved := model.NewPosition(5, 5, 5, 0)
	g.PositionMoved(a, moved)

	assert.False(t, g.Contains(a, b))
	assert.True(t, g.Contains(moved, b))
	assert.Equal(t, []model.Position{moved}, g.Of(b))
}
