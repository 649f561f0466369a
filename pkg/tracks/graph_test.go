package tracks

import (
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ritzau/nucleus-tracker/pkg/metadata"
	"github.com/ritzau/nucleus-tracker/pkg/model"
)

func pos(x float64, t int) model.Position {
	return model.NewPosition(x, 0, 0, t)
}

func newGraph(t *testing.T, ps ...model.Position) *Graph {
	t.Helper()
	g := NewGraph()
	for _, p := range ps {
		require.NoError(t, g.AddPosition(p))
	}
	return g
}

func chain(t *testing.T, g *Graph, ps ...model.Position) {
	t.Helper()
	for i := 1; i < len(ps); i++ {
		require.NoError(t, g.AddLink(ps[i-1], ps[i]))
	}
}

func TestLinearChainIsOneTrack(t *testing.T) {
	a, b, c := pos(0, 0), pos(0, 1), pos(0, 2)
	g := newGraph(t, a, b, c)
	chain(t, g, a, b, c)

	tracks := g.AllTracks()
	require.Len(t, tracks, 1)
	assert.Equal(t, []model.Position{a, b, c}, tracks[0].Positions())
	assert.Equal(t, 2, g.LinkCount())
	assert.Equal(t, []model.Position{b}, g.LinksFrom(a))
	assert.Equal(t, []model.Position{b}, g.LinksTo(c))
	assert.True(t, g.HasLink(c, b))
	checkInvariants(t, g)
}

func TestDivisionSplitsTrack(t *testing.T) {
	parent := model.NewPosition(0, 0, 0, 0)
	d1 := model.NewPosition(0, 0, 5, 1)
	d2 := model.NewPosition(10, 10, 10, 1)
	g := newGraph(t, parent, d1, d2)

	require.NoError(t, g.AddLink(parent, d1))
	require.NoError(t, g.AddLink(d2, parent))

	root, ok := g.TrackOf(parent)
	require.True(t, ok)
	assert.Equal(t, 0, root.MaxTime())
	assert.True(t, root.WillDivide())
	next := root.Next()
	require.Len(t, next, 2)
	assert.Equal(t, d1, next[0].First())
	assert.Equal(t, d2, next[1].First())
	assert.Len(t, g.TracksWithNoParent(), 1)
	assert.Len(t, g.Descendants(root), 2)
	checkInvariants(t, g)
}

func TestDivisionInsideExistingTrack(t *testing.T) {
	a, b, c := pos(0, 0), pos(0, 1), pos(0, 2)
	sister := pos(5, 2)
	g := newGraph(t, a, b, c, sister)
	chain(t, g, a, b, c)

	require.NoError(t, g.AddLink(b, sister))

	tracks := g.AllTracks()
	require.Len(t, tracks, 3)
	mother, _ := g.TrackOf(b)
	assert.Equal(t, []model.Position{a, b}, mother.Positions())
	assert.True(t, mother.WillDivide())

	require.NoError(t, g.RemoveLink(b, sister))
	tracks = g.AllTracks()
	require.Len(t, tracks, 2)
	whole, _ := g.TrackOf(a)
	assert.Equal(t, []model.Position{a, b, c}, whole.Positions())
	checkInvariants(t, g)
}

func TestRemoveInnerLinkSplitsTrack(t *testing.T) {
	ps := []model.Position{pos(0, 0), pos(0, 1), pos(0, 2), pos(0, 3), pos(0, 4)}
	g := newGraph(t, ps...)
	chain(t, g, ps...)

	require.NoError(t, g.RemoveLink(ps[1], ps[2]))

	first, _ := g.TrackOf(ps[0])
	second, _ := g.TrackOf(ps[4])
	assert.Equal(t, ps[:2], first.Positions())
	assert.Equal(t, ps[2:], second.Positions())
	assert.Empty(t, first.Next())
	assert.Empty(t, second.Previous())
	assert.Equal(t, 3, g.LinkCount())
	checkInvariants(t, g)
}

func TestMergeIntoMiddleOfTrack(t *testing.T) {
	a, b, c := pos(0, 0), pos(0, 1), pos(0, 2)
	other := pos(9, 1)
	g := newGraph(t, a, b, c, other)
	chain(t, g, a, b, c)

	require.NoError(t, g.AddLink(other, c))

	tail, _ := g.TrackOf(c)
	assert.True(t, tail.IsMerge())
	assert.Len(t, tail.Previous(), 2)
	assert.Len(t, g.Ancestors(tail), 2)
	assert.ElementsMatch(t, []model.Position{b, other}, g.LinksTo(c))
	checkInvariants(t, g)
}

func TestAddLinkRejections(t *testing.T) {
	a, b := pos(0, 0), pos(1, 0)
	far := pos(0, 3)
	g := newGraph(t, a, b, far)

	assert.ErrorIs(t, g.AddLink(a, b), model.ErrSameTimePoint)
	assert.ErrorIs(t, g.AddLink(a, far), model.ErrSkipsTimePoint)
	assert.ErrorIs(t, g.AddLink(a, pos(0, 1)), model.ErrUnknownPosition)
	assert.ErrorIs(t, g.AddPosition(a), model.ErrDuplicatePosition)
	assert.Zero(t, g.LinkCount())
}

func TestAddLinkTwiceIsNoop(t *testing.T) {
	a, b := pos(0, 0), pos(0, 1)
	g := newGraph(t, a, b)
	require.NoError(t, g.AddLink(a, b))
	require.NoError(t, g.AddLink(b, a))
	assert.Equal(t, 1, g.LinkCount())
	require.NoError(t, g.RemoveLink(a, b))
	require.NoError(t, g.RemoveLink(a, b))
	assert.Zero(t, g.LinkCount())
}

func TestRemovePositionCascades(t *testing.T) {
	a, b, c := pos(0, 0), pos(0, 1), pos(0, 2)
	g := newGraph(t, a, b, c)
	chain(t, g, a, b, c)
	require.NoError(t, g.SetLinkMetadata(a, b, "k", metadata.Int(1)))

	require.NoError(t, g.RemovePosition(b))

	assert.Zero(t, g.LinkCount())
	assert.Empty(t, g.LinksFrom(a))
	assert.Empty(t, g.LinksTo(c))
	assert.Nil(t, g.LinkMetadata(a, b))
	assert.False(t, g.HasPosition(b))
	assert.Len(t, g.AllTracks(), 2)
	assert.ErrorIs(t, g.RemovePosition(b), model.ErrUnknownPosition)
	checkInvariants(t, g)
}

func TestMovedPositionKeepsLinks(t *testing.T) {
	a, b, c := pos(0, 0), pos(0, 1), pos(0, 2)
	g := newGraph(t, a, b, c)
	chain(t, g, a, b, c)
	require.NoError(t, g.SetLinkMetadata(a, b, metadata.KeyLinkPenalty, metadata.Float(-2)))

	moved := pos(3, 1)
	g.PositionMoved(b, moved)

	assert.Equal(t, []model.Position{moved}, g.LinksFrom(a))
	assert.Equal(t, []model.Position{c}, g.LinksFrom(moved))
	penalty, ok := g.LinkMetadata(a, moved).Float(metadata.KeyLinkPenalty)
	require.True(t, ok)
	assert.Equal(t, -2.0, penalty)
	checkInvariants(t, g)
}

func TestLinkMetadataRequiresLink(t *testing.T) {
	a, b := pos(0, 0), pos(0, 1)
	g := newGraph(t, a, b)
	assert.ErrorIs(t, g.SetLinkMetadata(a, b, "k", metadata.Bool(true)), model.ErrNotFound)
}

func TestLineageMetadataFollowsRoot(t *testing.T) {
	a, b, c := pos(0, 0), pos(0, 1), pos(0, 2)
	g := newGraph(t, a, b, c)
	chain(t, g, b, c)

	lower, _ := g.TrackOf(c)
	g.SetLineageMetadata(lower, metadata.KeyName, metadata.String("B2"))

	require.NoError(t, g.AddLink(a, b))

	root, _ := g.TrackOf(a)
	name, ok := g.LineageMetadata(root).Str(metadata.KeyName)
	require.True(t, ok)
	assert.Equal(t, "B2", name)

	// Splitting keeps the data on the upper part of the lineage.
	sister := pos(4, 1)
	require.NoError(t, g.AddPosition(sister))
	require.NoError(t, g.AddLink(a, sister))
	top, _ := g.TrackOf(a)
	assert.Equal(t, 0, top.MaxTime())
	name, _ = g.LineageMetadata(top).Str(metadata.KeyName)
	assert.Equal(t, "B2", name)
}

// TestRandomEditsKeepInvariants compares the graph with a plain set of links
// after every random edit.
func TestRandomEditsKeepInvariants(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	const timePoints, perTime = 8, 4

	var all []model.Position
	for tp := 0; tp < timePoints; tp++ {
		for i := 0; i < perTime; i++ {
			all = append(all, pos(float64(i), tp))
		}
	}
	g := newGraph(t, all...)
	ref := map[model.Link]bool{}

	for step := 0; step < 2000; step++ {
		tp := rng.IntN(timePoints - 1)
		p := pos(float64(rng.IntN(perTime)), tp)
		q := pos(float64(rng.IntN(perTime)), tp+1)
		l := model.Link{Source: p, Target: q}
		if rng.IntN(2) == 0 {
			require.NoError(t, g.AddLink(p, q))
			ref[l] = true
		} else {
			require.NoError(t, g.RemoveLink(q, p))
			delete(ref, l)
		}

		if step%50 == 0 {
			checkInvariants(t, g)
		}
	}
	checkInvariants(t, g)

	want := []model.Link{}
	for l := range ref {
		want = append(want, l)
	}
	slices.SortFunc(want, model.CompareLinks)
	assert.Equal(t, want, g.AllLinks())
	assert.Equal(t, len(want), g.LinkCount())
}

// checkInvariants verifies the track partition and the maximality of tracks.
func checkInvariants(t *testing.T, g *Graph) {
	t.Helper()
	seen := map[model.Position]bool{}
	for _, tr := range g.AllTracks() {
		ps := tr.Positions()
		require.NotEmpty(t, ps)
		for i, p := range ps {
			require.False(t, seen[p], "position %s in two tracks", p)
			seen[p] = true
			owner, ok := g.TrackOf(p)
			require.True(t, ok)
			require.Equal(t, tr.ID(), owner.ID())
			if i > 0 {
				require.Equal(t, ps[i-1].T+1, p.T, "gap in %s", tr)
			}
		}
		for _, n := range tr.Next() {
			require.Equal(t, tr.MaxTime()+1, n.MinTime())
			require.Contains(t, trackIDs(n.Previous()), tr.ID())
		}
		for _, p := range tr.Previous() {
			require.Contains(t, trackIDs(p.Next()), tr.ID())
		}
		if next := tr.Next(); len(next) == 1 {
			require.NotEqual(t, 1, len(next[0].Previous()), "%s is not maximal", tr)
		}
	}
	require.Equal(t, g.PositionCount(), len(seen))
}

func trackIDs(ts []Track) []TrackID {
	out := make([]TrackID, len(ts))
	for i, t := range ts {
		out[i] = t.ID()
	}
	return out
}
