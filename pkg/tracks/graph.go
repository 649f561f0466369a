// Package tracks maintains the link graph between positions and its derived
// partition into tracks.
//
// Tracks live in an index-addressed arena. Every link edit splits or merges only
// the tracks at the edited boundary; when a track is split or two are merged,
// the shorter run of positions is relabelled, so edits never rescan the graph.
package tracks

import (
	"fmt"
	"slices"

	"github.com/ritzau/nucleus-tracker/pkg/metadata"
	"github.com/ritzau/nucleus-tracker/pkg/model"
)

// TrackID addresses a track in the arena. IDs are reused after tracks are merged
// away, so an ID is only meaningful until the next edit.
type TrackID int32

type entry struct {
	positions []model.Position
	prev      []TrackID
	next      []TrackID
	lineage   metadata.Document
	live      bool
}

// Graph is the link graph of one experiment. It is not safe for concurrent
// mutation.
type Graph struct {
	entries  []entry
	free     []TrackID
	owner    map[model.Position]TrackID
	linkData map[model.Link]metadata.Document
	links    int
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{
		owner:    make(map[model.Position]TrackID),
		linkData: make(map[model.Link]metadata.Document),
	}
}

// AddPosition registers p as a track of its own.
func (g *Graph) AddPosition(p model.Position) error {
	if _, ok := g.owner[p]; ok {
		return fmt.Errorf("%w: %s", model.ErrDuplicatePosition, p)
	}
	id := g.alloc()
	g.entries[id].positions = []model.Position{p}
	g.owner[p] = id
	return nil
}

// RemovePosition removes p together with every link touching it.
func (g *Graph) RemovePosition(p model.Position) error {
	if _, ok := g.owner[p]; !ok {
		return fmt.Errorf("%w: %s", model.ErrUnknownPosition, p)
	}
	for _, q := range g.LinksTo(p) {
		g.removeLink(q, p)
	}
	for _, q := range g.LinksFrom(p) {
		g.removeLink(p, q)
	}
	id := g.owner[p]
	delete(g.owner, p)
	g.release(id)
	return nil
}

// HasPosition reports whether p is part of the graph.
func (g *Graph) HasPosition(p model.Position) bool {
	_, ok := g.owner[p]
	return ok
}

// PositionCount returns the number of positions in the graph.
func (g *Graph) PositionCount() int {
	return len(g.owner)
}

// PositionAdded implements positions.Listener.
func (g *Graph) PositionAdded(p model.Position) {
	_ = g.AddPosition(p)
}

// PositionRemoved implements positions.Listener.
func (g *Graph) PositionRemoved(p model.Position) {
	_ = g.RemovePosition(p)
}

// PositionMoved implements positions.Listener. Links follow the position and
// keep their metadata.
func (g *Graph) PositionMoved(old, new model.Position) {
	id, ok := g.owner[old]
	if !ok {
		return
	}
	pasts := g.LinksTo(old)
	futures := g.LinksFrom(old)

	e := &g.entries[id]
	e.positions[old.T-e.positions[0].T] = new
	delete(g.owner, old)
	g.owner[new] = id

	for _, q := range pasts {
		g.rekeyLink(model.Link{Source: q, Target: old}, model.Link{Source: q, Target: new})
	}
	for _, q := range futures {
		g.rekeyLink(model.Link{Source: old, Target: q}, model.Link{Source: new, Target: q})
	}
}

func (g *Graph) rekeyLink(from, to model.Link) {
	if doc, ok := g.linkData[from]; ok {
		delete(g.linkData, from)
		g.linkData[to] = doc
	}
}

// LinksFrom returns the positions linked to p in the next time point.
func (g *Graph) LinksFrom(p model.Position) []model.Position {
	id, ok := g.owner[p]
	if !ok {
		return nil
	}
	e := &g.entries[id]
	if i := p.T - e.positions[0].T; i < len(e.positions)-1 {
		return []model.Position{e.positions[i+1]}
	}
	out := make([]model.Position, 0, len(e.next))
	for _, n := range e.next {
		out = append(out, g.entries[n].positions[0])
	}
	return out
}

// LinksTo returns the positions linked to p in the previous time point.
func (g *Graph) LinksTo(p model.Position) []model.Position {
	id, ok := g.owner[p]
	if !ok {
		return nil
	}
	e := &g.entries[id]
	if i := p.T - e.positions[0].T; i > 0 {
		return []model.Position{e.positions[i-1]}
	}
	out := make([]model.Position, 0, len(e.prev))
	for _, n := range e.prev {
		prev := g.entries[n].positions
		out = append(out, prev[len(prev)-1])
	}
	return out
}

// HasLink reports whether a and b are linked, in either argument order.
func (g *Graph) HasLink(a, b model.Position) bool {
	if a.T > b.T {
		a, b = b, a
	}
	if b.T != a.T+1 {
		return false
	}
	return slices.Contains(g.LinksFrom(a), b)
}

// LinkCount returns the number of links.
func (g *Graph) LinkCount() int {
	return g.links
}

// AllLinks returns every link ordered by source, then target.
func (g *Graph) AllLinks() []model.Link {
	out := make([]model.Link, 0, g.links)
	for p := range g.owner {
		for _, q := range g.LinksFrom(p) {
			out = append(out, model.Link{Source: p, Target: q})
		}
	}
	slices.SortFunc(out, model.CompareLinks)
	return out
}

// AddLink links two positions in consecutive time points. The arguments may be
// given in either order. Adding an existing link is a no-op.
func (g *Graph) AddLink(a, b model.Position) error {
	l, err := model.NewLink(a, b)
	if err != nil {
		return err
	}
	p, q := l.Source, l.Target
	for _, pos := range [...]model.Position{p, q} {
		if _, ok := g.owner[pos]; !ok {
			return fmt.Errorf("%w: %s", model.ErrUnknownPosition, pos)
		}
	}
	if g.HasLink(p, q) {
		return nil
	}

	tp := g.endAt(p)
	tq := g.startAt(q)

	if len(g.entries[tq].prev) == 0 {
		if doc := g.entries[tq].lineage; len(doc) > 0 {
			root := g.root(tp)
			if g.entries[root].lineage == nil {
				g.entries[root].lineage = make(metadata.Document)
			}
			g.entries[root].lineage.Merge(doc, false)
		}
		g.entries[tq].lineage = nil
	}

	g.entries[tp].next = append(g.entries[tp].next, tq)
	g.entries[tq].prev = append(g.entries[tq].prev, tp)
	g.links++
	g.tryMerge(tp, tq)
	return nil
}

// RemoveLink removes the link between a and b, in either argument order, along
// with its metadata. Removing a missing link is a no-op.
func (g *Graph) RemoveLink(a, b model.Position) error {
	l, err := model.NewLink(a, b)
	if err != nil {
		return err
	}
	if !g.HasLink(l.Source, l.Target) {
		return nil
	}
	g.removeLink(l.Source, l.Target)
	return nil
}

func (g *Graph) removeLink(p, q model.Position) {
	delete(g.linkData, model.Link{Source: p, Target: q})
	g.links--

	tp, tq := g.owner[p], g.owner[q]
	if tp == tq {
		head, tail := g.split(tp, p.T-g.entries[tp].positions[0].T+1)
		g.entries[head].next = nil
		g.entries[tail].prev = nil
		return
	}

	g.entries[tp].next = remove(g.entries[tp].next, tq)
	g.entries[tq].prev = remove(g.entries[tq].prev, tp)

	if next := g.entries[tp].next; len(next) == 1 {
		g.tryMerge(tp, next[0])
	}
	tq = g.owner[q]
	if prev := g.entries[tq].prev; len(prev) == 1 {
		g.tryMerge(prev[0], tq)
	}
}

// LinkMetadata returns the metadata of a link. The document must not be
// modified; use SetLinkMetadata.
func (g *Graph) LinkMetadata(a, b model.Position) metadata.Document {
	if a.T > b.T {
		a, b = b, a
	}
	return g.linkData[model.Link{Source: a, Target: b}]
}

// SetLinkMetadata stores a value on an existing link.
func (g *Graph) SetLinkMetadata(a, b model.Position, key string, v metadata.Value) error {
	if a.T > b.T {
		a, b = b, a
	}
	if !g.HasLink(a, b) {
		return fmt.Errorf("link %s -> %s: %w", a, b, model.ErrNotFound)
	}
	l := model.Link{Source: a, Target: b}
	doc := g.linkData[l]
	if doc == nil {
		doc = make(metadata.Document)
		g.linkData[l] = doc
	}
	doc[key] = v
	return nil
}

// endAt makes p the last position of its track and returns that track.
func (g *Graph) endAt(p model.Position) TrackID {
	id := g.owner[p]
	e := &g.entries[id]
	i := p.T - e.positions[0].T
	if i == len(e.positions)-1 {
		return id
	}
	head, _ := g.split(id, i+1)
	return head
}

// startAt makes q the first position of its track and returns that track.
func (g *Graph) startAt(q model.Position) TrackID {
	id := g.owner[q]
	i := q.T - g.entries[id].positions[0].T
	if i == 0 {
		return id
	}
	_, tail := g.split(id, i)
	return tail
}

// split cuts a track before index at. The part with fewer positions moves to a
// new arena slot. The head keeps the lineage data.
func (g *Graph) split(id TrackID, at int) (head, tail TrackID) {
	newID := g.alloc()
	e := &g.entries[id]
	headPos := e.positions[:at:at]
	tailPos := e.positions[at:]

	if len(headPos) < len(tailPos) {
		head, tail = newID, id
		h := &g.entries[head]
		h.positions = headPos
		h.prev = e.prev
		h.next = []TrackID{tail}
		h.lineage = e.lineage
		e.positions = tailPos
		e.prev = []TrackID{head}
		e.lineage = nil
		for _, p := range h.prev {
			replace(g.entries[p].next, id, head)
		}
		g.relabel(headPos, head)
		return head, tail
	}

	head, tail = id, newID
	t := &g.entries[tail]
	t.positions = tailPos
	t.next = e.next
	t.prev = []TrackID{head}
	e.positions = headPos
	e.next = []TrackID{tail}
	for _, n := range t.next {
		replace(g.entries[n].prev, id, tail)
	}
	g.relabel(tailPos, tail)
	return head, tail
}

// tryMerge joins a and b when b is the only successor of a and a the only
// predecessor of b.
func (g *Graph) tryMerge(a, b TrackID) {
	ea, eb := &g.entries[a], &g.entries[b]
	if len(ea.next) != 1 || ea.next[0] != b || len(eb.prev) != 1 || eb.prev[0] != a {
		return
	}

	if len(ea.positions) >= len(eb.positions) {
		ea.positions = append(ea.positions, eb.positions...)
		ea.next = eb.next
		for _, n := range ea.next {
			replace(g.entries[n].prev, b, a)
		}
		g.relabel(eb.positions, a)
		g.release(b)
		return
	}

	merged := make([]model.Position, 0, len(ea.positions)+len(eb.positions))
	merged = append(merged, ea.positions...)
	merged = append(merged, eb.positions...)
	eb.positions = merged
	eb.prev = ea.prev
	eb.lineage = ea.lineage
	for _, p := range eb.prev {
		replace(g.entries[p].next, a, b)
	}
	g.relabel(ea.positions, b)
	g.release(a)
}

func (g *Graph) root(id TrackID) TrackID {
	for len(g.entries[id].prev) > 0 {
		id = g.entries[id].prev[0]
	}
	return id
}

func (g *Graph) relabel(ps []model.Position, id TrackID) {
	for _, p := range ps {
		g.owner[p] = id
	}
}

func (g *Graph) alloc() TrackID {
	if n := len(g.free); n > 0 {
		id := g.free[n-1]
		g.free = g.free[:n-1]
		g.entries[id] = entry{live: true}
		return id
	}
	g.entries = append(g.entries, entry{live: true})
	return TrackID(len(g.entries) - 1)
}

func (g *Graph) release(id TrackID) {
	g.entries[id] = entry{}
	g.free = append(g.free, id)
}

func replace(ids []TrackID, old, new TrackID) {
	for i, id := range ids {
		if id == old {
			ids[i] = new
		}
	}
}

func remove(ids []TrackID, id TrackID) []TrackID {
	return slices.DeleteFunc(ids, func(x TrackID) bool { return x == id })
}
