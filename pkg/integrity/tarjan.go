package integrity

import (
	"slices"

	"gonum.org/v1/gonum/graph"
)

// tarjan finds the strongly connected components of a directed graph.
type tarjan struct {
	graph   graph.Directed
	index   int
	stack   []int64
	onStack map[int64]bool
	indices map[int64]int
	lowLink map[int64]int
	cycles  [][]int64
}

// Cycles returns every strongly connected component with more than one node,
// plus single nodes with a self edge. Each component is sorted by node ID.
func Cycles(g graph.Directed) [][]int64 {
	t := &tarjan{
		graph:   g,
		onStack: make(map[int64]bool),
		indices: make(map[int64]int),
		lowLink: make(map[int64]int),
	}
	nodes := g.Nodes()
	var ids []int64
	for nodes.Next() {
		ids = append(ids, nodes.Node().ID())
	}
	slices.Sort(ids)
	for _, id := range ids {
		if _, visited := t.indices[id]; !visited {
			t.strongConnect(id)
		}
	}
	return t.cycles
}

func (t *tarjan) strongConnect(id int64) {
	t.indices[id] = t.index
	t.lowLink[id] = t.index
	t.index++
	t.stack = append(t.stack, id)
	t.onStack[id] = true

	successors := t.graph.From(id)
	for successors.Next() {
		next := successors.Node().ID()
		if _, visited := t.indices[next]; !visited {
			t.strongConnect(next)
			t.lowLink[id] = min(t.lowLink[id], t.lowLink[next])
		} else if t.onStack[next] {
			t.lowLink[id] = min(t.lowLink[id], t.indices[next])
		}
	}

	if t.lowLink[id] != t.indices[id] {
		return
	}
	var scc []int64
	for {
		w := t.stack[len(t.stack)-1]
		t.stack = t.stack[:len(t.stack)-1]
		t.onStack[w] = false
		scc = append(scc, w)
		if w == id {
			break
		}
	}
	if len(scc) > 1 || t.graph.HasEdgeFromTo(id, id) {
		slices.Sort(scc)
		t.cycles = append(t.cycles, scc)
	}
}
