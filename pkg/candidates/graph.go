package candidates

import (
	"cmp"
	"fmt"
	"math"
	"slices"

	"github.com/ritzau/nucleus-tracker/pkg/model"
)

// Edge is a candidate link from Source at t to Target at t+1.
type Edge struct {
	Source     model.Position
	Target     model.Position
	DistanceUm float64
}

// Link returns the edge as a link.
func (e Edge) Link() model.Link {
	return model.Link{Source: e.Source, Target: e.Target}
}

func compareEdges(a, b Edge) int {
	return model.CompareLinks(a.Link(), b.Link())
}

// Graph is an immutable candidate graph. Nodes are positions, edges join
// consecutive time points.
type Graph struct {
	nodes []model.Position
	known map[model.Position]bool
	edges []Edge
	out   map[model.Position][]int
	in    map[model.Position][]int
}

// NewGraph validates and indexes the edges. Duplicate edges are merged;
// edges and nodes are sorted.
func NewGraph(nodes []model.Position, edges []Edge) (*Graph, error) {
	g := &Graph{
		nodes: slices.Clone(nodes),
		known: make(map[model.Position]bool, len(nodes)),
		out:   make(map[model.Position][]int),
		in:    make(map[model.Position][]int),
	}
	slices.SortFunc(g.nodes, model.ComparePositions)
	g.nodes = slices.Compact(g.nodes)
	for _, p := range g.nodes {
		g.known[p] = true
	}

	sorted := slices.Clone(edges)
	slices.SortFunc(sorted, compareEdges)
	sorted = slices.CompactFunc(sorted, func(a, b Edge) bool { return a.Link() == b.Link() })

	for i, e := range sorted {
		if e.Target.T != e.Source.T+1 {
			return nil, fmt.Errorf("%w: %s -> %s", model.ErrDegenerateCandidate, e.Source, e.Target)
		}
		if math.IsNaN(e.DistanceUm) || math.IsInf(e.DistanceUm, 0) || e.DistanceUm < 0 {
			return nil, fmt.Errorf("%w: distance %v for %s -> %s", model.ErrDegenerateCandidate, e.DistanceUm, e.Source, e.Target)
		}
		if !g.known[e.Source] || !g.known[e.Target] {
			return nil, fmt.Errorf("%w: candidate %s -> %s", model.ErrUnknownPosition, e.Source, e.Target)
		}
		// A nucleus that did not move at all is a duplicated detection.
		if e.Source.Coordinates() == e.Target.Coordinates() {
			return nil, fmt.Errorf("%w: zero distance between %s and %s", model.ErrDegenerateCandidate, e.Source, e.Target)
		}
		g.out[e.Source] = append(g.out[e.Source], i)
		g.in[e.Target] = append(g.in[e.Target], i)
	}
	g.edges = sorted
	return g, nil
}

// EdgeFor builds an edge from a link, measuring its physical length.
func EdgeFor(l model.Link, r model.Resolution) Edge {
	return Edge{Source: l.Source, Target: l.Target, DistanceUm: l.Source.DistanceUm(l.Target, r)}
}

// WithLinks returns a graph that also contains the given links.
func (g *Graph) WithLinks(links []model.Link, r model.Resolution) (*Graph, error) {
	edges := slices.Clone(g.edges)
	for _, l := range links {
		edges = append(edges, EdgeFor(l, r))
	}
	return NewGraph(g.nodes, edges)
}

// Filter returns a graph with the same nodes and only the edges keep accepts.
func (g *Graph) Filter(keep func(Edge) bool) *Graph {
	var edges []Edge
	for _, e := range g.edges {
		if keep(e) {
			edges = append(edges, e)
		}
	}
	// Edges were valid before, so this cannot fail.
	out, _ := NewGraph(g.nodes, edges)
	return out
}

// Nodes returns every position, sorted.
func (g *Graph) Nodes() []model.Position { return slices.Clone(g.nodes) }

// HasNode reports whether p is a node of the graph.
func (g *Graph) HasNode(p model.Position) bool { return g.known[p] }

// Edges returns every edge, sorted.
func (g *Graph) Edges() []Edge { return slices.Clone(g.edges) }

// Len returns the number of edges.
func (g *Graph) Len() int { return len(g.edges) }

// From returns the edges leaving p, ordered by target.
func (g *Graph) From(p model.Position) []Edge { return g.pick(g.out[p]) }

// To returns the edges arriving at p, ordered by source.
func (g *Graph) To(p model.Position) []Edge { return g.pick(g.in[p]) }

// Edge returns the edge between a and b, in either order.
func (g *Graph) Edge(a, b model.Position) (Edge, bool) {
	l, err := model.NewLink(a, b)
	if err != nil {
		return Edge{}, false
	}
	for _, i := range g.out[l.Source] {
		if g.edges[i].Target == l.Target {
			return g.edges[i], true
		}
	}
	return Edge{}, false
}

// MaxDistanceUm returns the longest edge length, or zero for no edges.
func (g *Graph) MaxDistanceUm() float64 {
	var m float64
	for _, e := range g.edges {
		m = max(m, e.DistanceUm)
	}
	return m
}

func (g *Graph) pick(ids []int) []Edge {
	out := make([]Edge, len(ids))
	for i, id := range ids {
		out[i] = g.edges[id]
	}
	return out
}

// byDistance orders hits nearest first, breaking ties by index.
func byDistance(a, b hit) int {
	if c := cmp.Compare(a.dist2, b.dist2); c != 0 {
		return c
	}
	return cmp.Compare(a.index, b.index)
}
