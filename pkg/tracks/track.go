package tracks

import (
	"fmt"
	"slices"

	"github.com/ritzau/nucleus-tracker/pkg/metadata"
	"github.com/ritzau/nucleus-tracker/pkg/model"
)

// Track is a read-only view of one track. It stays valid until the next edit of
// the graph.
type Track struct {
	g  *Graph
	id TrackID
}

func (t Track) ID() TrackID { return t.id }

func (t Track) entry() *entry { return &t.g.entries[t.id] }

// Positions returns a copy of the positions, ordered by time.
func (t Track) Positions() []model.Position {
	return slices.Clone(t.entry().positions)
}

func (t Track) First() model.Position { return t.entry().positions[0] }

func (t Track) Last() model.Position {
	ps := t.entry().positions
	return ps[len(ps)-1]
}

func (t Track) MinTime() int { return t.First().T }

func (t Track) MaxTime() int { return t.Last().T }

func (t Track) Len() int { return len(t.entry().positions) }

// PositionAt returns the position of the track at time point tp.
func (t Track) PositionAt(tp int) (model.Position, bool) {
	ps := t.entry().positions
	i := tp - ps[0].T
	if i < 0 || i >= len(ps) {
		return model.Position{}, false
	}
	return ps[i], true
}

// Previous returns the tracks linked to the first position of t.
func (t Track) Previous() []Track {
	return t.g.views(t.entry().prev)
}

// Next returns the tracks linked to the last position of t.
func (t Track) Next() []Track {
	return t.g.views(t.entry().next)
}

// WillDivide reports whether the track ends in a division.
func (t Track) WillDivide() bool { return len(t.entry().next) > 1 }

// IsMerge reports whether the track starts where two or more tracks merge.
func (t Track) IsMerge() bool { return len(t.entry().prev) > 1 }

func (t Track) String() string {
	return fmt.Sprintf("track %d [t=%d..%d]", t.id, t.MinTime(), t.MaxTime())
}

func (g *Graph) views(ids []TrackID) []Track {
	out := make([]Track, len(ids))
	for i, id := range ids {
		out[i] = Track{g: g, id: id}
	}
	slices.SortFunc(out, compareTracks)
	return out
}

func compareTracks(a, b Track) int {
	return model.ComparePositions(a.First(), b.First())
}

// Track returns the track with the given id.
func (g *Graph) Track(id TrackID) (Track, bool) {
	if id < 0 || int(id) >= len(g.entries) || !g.entries[id].live {
		return Track{}, false
	}
	return Track{g: g, id: id}, true
}

// TrackOf returns the track containing p.
func (g *Graph) TrackOf(p model.Position) (Track, bool) {
	id, ok := g.owner[p]
	if !ok {
		return Track{}, false
	}
	return Track{g: g, id: id}, true
}

// AllTracks returns every track ordered by its first position.
func (g *Graph) AllTracks() []Track {
	out := make([]Track, 0, len(g.entries)-len(g.free))
	for i := range g.entries {
		if g.entries[i].live {
			out = append(out, Track{g: g, id: TrackID(i)})
		}
	}
	slices.SortFunc(out, compareTracks)
	return out
}

// TracksWithNoParent returns the lineage roots.
func (g *Graph) TracksWithNoParent() []Track {
	var out []Track
	for _, t := range g.AllTracks() {
		if len(t.entry().prev) == 0 {
			out = append(out, t)
		}
	}
	return out
}

// Descendants returns every track reachable through next links, breadth first.
func (g *Graph) Descendants(t Track) []Track {
	return g.walk(t, func(e *entry) []TrackID { return e.next })
}

// Ancestors returns every track reachable through previous links, breadth first.
func (g *Graph) Ancestors(t Track) []Track {
	return g.walk(t, func(e *entry) []TrackID { return e.prev })
}

func (g *Graph) walk(t Track, step func(*entry) []TrackID) []Track {
	seen := map[TrackID]bool{t.id: true}
	queue := slices.Clone(step(t.entry()))
	var out []Track
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, Track{g: g, id: id})
		queue = append(queue, step(&g.entries[id])...)
	}
	return out
}

// LineageMetadata returns the metadata of the lineage containing t. The
// document must not be modified; use SetLineageMetadata.
func (g *Graph) LineageMetadata(t Track) metadata.Document {
	return g.entries[g.root(t.id)].lineage
}

// SetLineageMetadata stores a value on the lineage containing t.
func (g *Graph) SetLineageMetadata(t Track, key string, v metadata.Value) {
	root := g.root(t.id)
	if g.entries[root].lineage == nil {
		g.entries[root].lineage = make(metadata.Document)
	}
	g.entries[root].lineage[key] = v
}
