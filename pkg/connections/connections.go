// Package connections stores undirected neighbour relations between positions
// of the same time point.
package connections

import (
	"fmt"
	"slices"

	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/ritzau/nucleus-tracker/pkg/model"
)

// Pair is one connection. A is ordered before B.
type Pair struct {
	A model.Position `json:"a"`
	B model.Position `json:"b"`
}

func newPair(a, b model.Position) Pair {
	if model.ComparePositions(a, b) > 0 {
		a, b = b, a
	}
	return Pair{A: a, B: b}
}

// timeGraph is the connection graph of a single time point.
type timeGraph struct {
	graph  *simple.UndirectedGraph
	ids    map[model.Position]int64
	nodes  map[int64]model.Position
	nextID int64
}

func newTimeGraph() *timeGraph {
	return &timeGraph{
		graph: simple.NewUndirectedGraph(),
		ids:   make(map[model.Position]int64),
		nodes: make(map[int64]model.Position),
	}
}

func (tg *timeGraph) node(p model.Position) int64 {
	if id, ok := tg.ids[p]; ok {
		return id
	}
	id := tg.nextID
	tg.nextID++
	tg.ids[p] = id
	tg.nodes[id] = p
	tg.graph.AddNode(simple.Node(id))
	return id
}

func (tg *timeGraph) dropIfIsolated(p model.Position) {
	id, ok := tg.ids[p]
	if !ok || tg.graph.From(id).Len() > 0 {
		return
	}
	tg.graph.RemoveNode(id)
	delete(tg.ids, p)
	delete(tg.nodes, id)
}

// Graph holds one connection graph per time point.
type Graph struct {
	byTime map[int]*timeGraph
	count  int
}

// NewGraph creates an empty connection graph.
func NewGraph() *Graph {
	return &Graph{byTime: make(map[int]*timeGraph)}
}

// Add connects a and b. Both must be in the same time point.
func (g *Graph) Add(a, b model.Position) error {
	if a.T != b.T {
		return fmt.Errorf("%w: %s and %s", model.ErrDifferentTimePoints, a, b)
	}
	if a == b {
		return fmt.Errorf("%w: cannot connect %s to itself", model.ErrConstraint, a)
	}
	tg := g.byTime[a.T]
	if tg == nil {
		tg = newTimeGraph()
		g.byTime[a.T] = tg
	}
	ida, idb := tg.node(a), tg.node(b)
	if tg.graph.HasEdgeBetween(ida, idb) {
		return nil
	}
	tg.graph.SetEdge(tg.graph.NewEdge(tg.graph.Node(ida), tg.graph.Node(idb)))
	g.count++
	return nil
}

// Remove deletes the connection between a and b, if any.
func (g *Graph) Remove(a, b model.Position) {
	tg := g.byTime[a.T]
	if tg == nil || a.T != b.T {
		return
	}
	ida, okA := tg.ids[a]
	idb, okB := tg.ids[b]
	if !okA || !okB || !tg.graph.HasEdgeBetween(ida, idb) {
		return
	}
	tg.graph.RemoveEdge(ida, idb)
	g.count--
	tg.dropIfIsolated(a)
	tg.dropIfIsolated(b)
}

// Contains reports whether a and b are connected.
func (g *Graph) Contains(a, b model.Position) bool {
	tg := g.byTime[a.T]
	if tg == nil || a.T != b.T {
		return false
	}
	ida, okA := tg.ids[a]
	idb, okB := tg.ids[b]
	return okA && okB && tg.graph.HasEdgeBetween(ida, idb)
}

// Of returns the positions connected to p, sorted.
func (g *Graph) Of(p model.Position) []model.Position {
	tg := g.byTime[p.T]
	if tg == nil {
		return nil
	}
	id, ok := tg.ids[p]
	if !ok {
		return nil
	}
	var out []model.Position
	it := tg.graph.From(id)
	for it.Next() {
		out = append(out, tg.nodes[it.Node().ID()])
	}
	slices.SortFunc(out, model.ComparePositions)
	return out
}

// Len returns the number of connections.
func (g *Graph) Len() int {
	return g.count
}

// All returns every connection, sorted.
func (g *Graph) All() []Pair {
	out := make([]Pair, 0, g.count)
	for _, tg := range g.byTime {
		it := tg.graph.Edges()
		for it.Next() {
			e := it.Edge()
			out = append(out, newPair(tg.nodes[e.From().ID()], tg.nodes[e.To().ID()]))
		}
	}
	slices.SortFunc(out, func(x, y Pair) int {
		if c := model.ComparePositions(x.A, y.A); c != 0 {
			return c
		}
		return model.ComparePositions(x.B, y.B)
	})
	return out
}

// ClustersAt returns the groups of mutually reachable positions at time point
// t. Unconnected positions are not reported.
func (g *Graph) ClustersAt(t int) [][]model.Position {
	tg := g.byTime[t]
	if tg == nil {
		return nil
	}
	var out [][]model.Position
	for _, component := range topo.ConnectedComponents(tg.graph) {
		cluster := make([]model.Position, 0, len(component))
		for _, n := range component {
			cluster = append(cluster, tg.nodes[n.ID()])
		}
		slices.SortFunc(cluster, model.ComparePositions)
		out = append(out, cluster)
	}
	slices.SortFunc(out, func(x, y []model.Position) int {
		return model.ComparePositions(x[0], y[0])
	})
	return out
}

// PositionAdded implements positions.Listener.
func (g *Graph) PositionAdded(model.Position) {}

// PositionMoved implements positions.Listener.
func (g *Graph) PositionMoved(old, new model.Position) {
	tg := g.byTime[old.T]
	if tg == nil {
		return
	}
	id, ok := tg.ids[old]
	if !ok {
		return
	}
	delete(tg.ids, old)
	tg.ids[new] = id
	tg.nodes[id] = new
}

// PositionRemoved implements positions.Listener.
func (g *Graph) PositionRemoved(p model.Position) {
	for _, q := range g.Of(p) {
		g.Remove(p, q)
	}
}
