// Package flow solves min-cost flow problems with node supplies by successive
// shortest paths. Every phase runs Dijkstra on reduced costs and then pushes
// as many shortest augmenting paths as it can before recomputing distances.
package flow

import (
	"container/heap"
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/ritzau/nucleus-tracker/pkg/model"
)

// eps is the tolerance for treating a reduced cost as zero.
const eps = 1e-9

type arc struct {
	to   int
	cap  int
	cost float64
}

// Network is a directed flow network. Arcs are stored as residual pairs: arc
// i and i^1 are each other's reverse.
type Network struct {
	solved bool
	supply []int
	arcs   []arc
	adj    [][]int
}

// NewNetwork returns an empty network.
func NewNetwork() *Network {
	return &Network{}
}

// AddNode adds a node. Positive supply produces flow, negative supply
// consumes it.
func (n *Network) AddNode(supply int) int {
	n.supply = append(n.supply, supply)
	n.adj = append(n.adj, nil)
	return len(n.supply) - 1
}

// AddArc adds an arc and returns its id.
func (n *Network) AddArc(from, to, capacity int, cost float64) int {
	id := len(n.arcs)
	n.arcs = append(n.arcs, arc{to: to, cap: capacity, cost: cost}, arc{to: from, cap: 0, cost: -cost})
	n.adj[from] = append(n.adj[from], id)
	n.adj[to] = append(n.adj[to], id+1)
	return id
}

// Nodes returns the number of nodes.
func (n *Network) Nodes() int { return len(n.supply) }

// Flow returns the flow on the arc with the given id after Solve.
func (n *Network) Flow(id int) int { return n.arcs[id^1].cap }

// Result summarises a solve.
type Result struct {
	Flow   int
	Cost   float64
	Phases int
}

// Solve routes all supply to all demand at minimum cost. It fails with an
// invariant error when supply and demand do not balance or not all of it can
// be routed. A network can be solved once.
func (n *Network) Solve(ctx context.Context) (Result, error) {
	if n.solved {
		return Result{}, &model.InvariantError{Stage: "flow", Detail: "network already solved"}
	}
	n.solved = true

	var want, demand int
	for _, s := range n.supply {
		if s > 0 {
			want += s
		} else {
			demand -= s
		}
	}
	if want != demand {
		return Result{}, &model.InvariantError{
			Stage:  "flow",
			Detail: fmt.Sprintf("supply %d does not match demand %d", want, demand),
		}
	}

	// Super source and sink, appended after the user's nodes.
	src := n.AddNode(0)
	dst := n.AddNode(0)
	for v, s := range n.supply[:src] {
		switch {
		case s > 0:
			n.AddArc(src, v, s, 0)
		case s < 0:
			n.AddArc(v, dst, -s, 0)
		}
	}

	s := &solver{n: n, src: src, dst: dst}
	if err := s.initPotentials(); err != nil {
		return Result{}, err
	}

	var res Result
	for res.Flow < want {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		if !s.dijkstra() {
			break
		}
		res.Phases++
		before := res.Flow
		for s.levels() {
			s.iter = make([]int, len(n.adj))
			for {
				pushed := s.augment(src, math.MaxInt)
				if pushed == 0 {
					break
				}
				res.Flow += pushed
			}
		}
		if res.Flow == before {
			break
		}
	}

	for id := 0; id < len(n.arcs); id += 2 {
		if f := n.Flow(id); f > 0 {
			res.Cost += float64(f) * n.arcs[id].cost
		}
	}
	if res.Flow < want {
		return res, &model.InvariantError{
			Stage:  "flow",
			Detail: fmt.Sprintf("routed %d of %d units", res.Flow, want),
		}
	}
	return res, nil
}

type solver struct {
	n        *Network
	src, dst int
	pot      []float64
	reached  []bool
	level    []int
	iter     []int
}

func (s *solver) reduced(u, id int) float64 {
	a := s.n.arcs[id]
	return a.cost + s.pot[u] - s.pot[a.to]
}

// initPotentials sets potentials to shortest distances from the source over
// the initial arcs, which makes every reduced cost non-negative even with
// negative arc costs. The network is expected to be acyclic; cyclic
// networks fall back to Bellman-Ford.
func (s *solver) initPotentials() error {
	nodes := len(s.n.adj)
	dist := make([]float64, nodes)
	for i := range dist {
		dist[i] = math.Inf(1)
	}
	dist[s.src] = 0

	g := simple.NewDirectedGraph()
	for v := range nodes {
		g.AddNode(simple.Node(v))
	}
	for u := range nodes {
		for _, id := range s.n.adj[u] {
			a := s.n.arcs[id]
			if a.cap > 0 && a.to != u && !g.HasEdgeFromTo(int64(u), int64(a.to)) {
				g.SetEdge(g.NewEdge(simple.Node(u), simple.Node(a.to)))
			}
		}
	}

	order, err := topo.Sort(g)
	if err != nil {
		if err := s.bellmanFord(dist); err != nil {
			return err
		}
	} else {
		for _, node := range order {
			u := int(node.ID())
			if math.IsInf(dist[u], 1) {
				continue
			}
			for _, id := range s.n.adj[u] {
				a := s.n.arcs[id]
				if a.cap > 0 && dist[u]+a.cost < dist[a.to] {
					dist[a.to] = dist[u] + a.cost
				}
			}
		}
	}

	for i, d := range dist {
		if math.IsInf(d, 1) {
			dist[i] = 0
		}
	}
	s.pot = dist
	return nil
}

func (s *solver) bellmanFord(dist []float64) error {
	nodes := len(dist)
	for round := 0; round < nodes; round++ {
		changed := false
		for u := range nodes {
			if math.IsInf(dist[u], 1) {
				continue
			}
			for _, id := range s.n.adj[u] {
				a := s.n.arcs[id]
				if a.cap > 0 && dist[u]+a.cost < dist[a.to]-eps {
					dist[a.to] = dist[u] + a.cost
					changed = true
				}
			}
		}
		if !changed {
			return nil
		}
	}
	return &model.InvariantError{Stage: "flow", Detail: "negative cost cycle"}
}

// dijkstra computes distances on reduced costs and folds them into the
// potentials. It reports whether the sink is reachable.
func (s *solver) dijkstra() bool {
	nodes := len(s.n.adj)
	dist := make([]float64, nodes)
	for i := range dist {
		dist[i] = math.Inf(1)
	}
	done := make([]bool, nodes)
	dist[s.src] = 0

	pq := &queue{{node: s.src}}
	for pq.Len() > 0 {
		it := heap.Pop(pq).(item)
		u := it.node
		if done[u] {
			continue
		}
		done[u] = true
		for _, id := range s.n.adj[u] {
			a := s.n.arcs[id]
			if a.cap == 0 || done[a.to] {
				continue
			}
			d := dist[u] + max(s.reduced(u, id), 0)
			if d < dist[a.to] {
				dist[a.to] = d
				heap.Push(pq, item{node: a.to, dist: d})
			}
		}
	}
	if !done[s.dst] {
		return false
	}

	// Unreached nodes stay unreachable for the rest of the solve, so their
	// potentials no longer matter.
	s.reached = done
	for v := range nodes {
		if done[v] {
			s.pot[v] += dist[v]
		}
	}
	return true
}

func (s *solver) admissible(u, id int) bool {
	a := s.n.arcs[id]
	return a.cap > 0 && s.reached[u] && s.reached[a.to] && math.Abs(s.reduced(u, id)) < eps
}

// levels layers the admissible subgraph by hop count from the source, so
// augment never loops on zero-cost cycles.
func (s *solver) levels() bool {
	s.level = make([]int, len(s.n.adj))
	for i := range s.level {
		s.level[i] = -1
	}
	s.level[s.src] = 0
	frontier := []int{s.src}
	for len(frontier) > 0 {
		u := frontier[0]
		frontier = frontier[1:]
		for _, id := range s.n.adj[u] {
			v := s.n.arcs[id].to
			if s.level[v] < 0 && s.admissible(u, id) {
				s.level[v] = s.level[u] + 1
				frontier = append(frontier, v)
			}
		}
	}
	return s.level[s.dst] >= 0
}

// augment pushes up to limit units from u to the sink along admissible arcs.
func (s *solver) augment(u, limit int) int {
	if u == s.dst {
		return limit
	}
	for ; s.iter[u] < len(s.n.adj[u]); s.iter[u]++ {
		id := s.n.adj[u][s.iter[u]]
		v := s.n.arcs[id].to
		if s.level[v] != s.level[u]+1 || !s.admissible(u, id) {
			continue
		}
		if pushed := s.augment(v, min(limit, s.n.arcs[id].cap)); pushed > 0 {
			s.n.arcs[id].cap -= pushed
			s.n.arcs[id^1].cap += pushed
			return pushed
		}
	}
	return 0
}

type item struct {
	node int
	dist float64
}

type queue []item

func (q queue) Len() int           { return len(q) }
func (q queue) Less(i, j int) bool { return q[i].dist < q[j].dist }
func (q queue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *queue) Push(x any)        { *q = append(*q, x.(item)) }
func (q *queue) Pop() any {
	old := *q
	it := old[len(old)-1]
	*q = old[:len(old)-1]
	return it
}
