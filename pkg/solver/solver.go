// Package solver picks the globally cheapest set of links from a candidate
// graph. Every position has at most one incoming link and at most one
// outgoing link, or two when it may divide. Positions without an incoming
// link pay for appearing, positions without an outgoing link pay for
// disappearing and positions with two outgoing links pay for dividing.
//
// The problem is solved as a min-cost flow. Each position p has an in-node
// that needs one unit and an out-node that supplies one unit, or two when p
// may divide. A unit travels from out(p) to in(q) when p links to q. Units
// that do not follow a link go from an appearance hub A to in-nodes, or from
// out-nodes to a terminal Z. A bypass arc A->Z absorbs the rest of the hub.
//
// The out-degree cost of a dividing position, {0: D, 1: 0, 2: V}, is
// expressed with two parallel arcs to Z priced -V and D plus the constant V.
// That is only valid while V + D >= 0, so V is raised where needed.
package solver

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/ritzau/nucleus-tracker/pkg/candidates"
	"github.com/ritzau/nucleus-tracker/pkg/flow"
	"github.com/ritzau/nucleus-tracker/pkg/logging"
	"github.com/ritzau/nucleus-tracker/pkg/model"
)

// Solution is the outcome of a solve.
type Solution struct {
	// Links are the chosen links, sorted.
	Links []model.Link

	// Cost is the total weighted penalty of the solution, computed from
	// Costs. The solution is optimal for Costs, which differ from the
	// scored penalties at the positions listed in Raised.
	Cost float64

	Appearances    []model.Position
	Disappearances []model.Position
	Divisions      []model.Position

	// Pruned is the candidate graph after pruning; Costs holds its
	// penalties.
	Pruned *candidates.Graph
	Costs  *Costs

	// Raised lists the positions whose division penalty was raised to
	// minus their disappearance penalty, sorted.
	Raised []model.Position

	Phases   int
	Duration time.Duration
}

// Solver solves tracking problems with a fixed configuration.
type Solver struct {
	cfg Config
}

// New validates cfg and returns a solver.
func New(cfg Config) (*Solver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Solver{cfg: cfg}, nil
}

// Config returns the configuration of the solver.
func (s *Solver) Config() Config { return s.cfg }

type positionNodes struct {
	in, out int
	divides bool
}

// Solve finds the minimum cost link set for p.
func (s *Solver) Solve(ctx context.Context, p Problem) (*Solution, error) {
	if p.Candidates == nil || p.Links == nil || p.Appearance == nil || p.Disappearance == nil {
		return nil, fmt.Errorf("%w: incomplete problem", model.ErrInvalidParameter)
	}
	start := time.Now()

	costs, err := s.cfg.score(ctx, p)
	if err != nil {
		return nil, err
	}
	pruned := s.cfg.prune(p.Candidates, costs)
	nodes := pruned.Nodes()

	net := flow.NewNetwork()
	units := 0
	for _, pos := range nodes {
		units++
		if costs.MayDivide(pos) {
			units++
		}
	}
	hub := net.AddNode(len(nodes))
	terminal := net.AddNode(-units)
	net.AddArc(hub, terminal, len(nodes), 0)

	index := make(map[model.Position]*positionNodes, len(nodes))
	var raised []model.Position
	var constant float64
	for _, pos := range nodes {
		pn := &positionNodes{in: net.AddNode(-1), divides: costs.MayDivide(pos)}
		index[pos] = pn
		net.AddArc(hub, pn.in, 1, costs.Appearance[pos])

		disappear := costs.Disappearance[pos]
		if !pn.divides {
			pn.out = net.AddNode(1)
			net.AddArc(pn.out, terminal, 1, disappear)
			continue
		}
		division := costs.Division[pos]
		if division+disappear < 0 {
			logging.WarnContext(ctx, "division penalty raised to keep the cost model convex",
				"position", pos.String(),
				"division", division,
				"disappearance", disappear,
			)
			division = -disappear
			costs.Division[pos] = division
			raised = append(raised, pos)
		}
		pn.out = net.AddNode(2)
		net.AddArc(pn.out, terminal, 1, -division)
		net.AddArc(pn.out, terminal, 1, disappear)
		constant += division
	}

	maxDist := pruned.MaxDistanceUm()
	edges := pruned.Edges()
	arcs := make([]int, len(edges))
	for i, e := range edges {
		cost := costs.Link[e.Link()]
		if maxDist > 0 {
			cost += s.cfg.TieBreak * e.DistanceUm / maxDist
		}
		arcs[i] = net.AddArc(index[e.Source].out, index[e.Target].in, 1, cost)
	}

	res, err := net.Solve(ctx)
	if err != nil {
		return nil, fmt.Errorf("solving %d positions, %d candidates: %w", len(nodes), len(edges), err)
	}

	sol := &Solution{Pruned: pruned, Costs: costs, Raised: raised, Phases: res.Phases}
	outgoing := make(map[model.Position]int)
	incoming := make(map[model.Position]int)
	for i, e := range edges {
		if net.Flow(arcs[i]) == 0 {
			continue
		}
		sol.Links = append(sol.Links, e.Link())
		sol.Cost += costs.Link[e.Link()]
		outgoing[e.Source]++
		incoming[e.Target]++
	}
	for _, pos := range nodes {
		switch incoming[pos] {
		case 0:
			sol.Appearances = append(sol.Appearances, pos)
			sol.Cost += costs.Appearance[pos]
		case 1:
		default:
			return nil, &model.InvariantError{Stage: "solver", Detail: fmt.Sprintf("%s has %d incoming links", pos, incoming[pos])}
		}
		switch out := outgoing[pos]; {
		case out == 0:
			sol.Disappearances = append(sol.Disappearances, pos)
			sol.Cost += costs.Disappearance[pos]
		case out == 2 && index[pos].divides:
			sol.Divisions = append(sol.Divisions, pos)
			sol.Cost += costs.Division[pos]
		case out > 1:
			return nil, &model.InvariantError{Stage: "solver", Detail: fmt.Sprintf("%s has %d outgoing links", pos, out)}
		}
	}
	slices.SortFunc(sol.Links, model.CompareLinks)
	sol.Duration = time.Since(start)

	logging.InfoContext(ctx, "links solved",
		"positions", len(nodes),
		"candidates", len(edges),
		"links", len(sol.Links),
		"divisions", len(sol.Divisions),
		"cost", sol.Cost,
		"flowCost", res.Cost+constant,
		"phases", res.Phases,
		"durationMs", sol.Duration.Milliseconds(),
	)
	return sol, nil
}
