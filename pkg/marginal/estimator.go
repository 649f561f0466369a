// Package marginal estimates how likely each chosen link is, given the
// penalties of the alternatives around it.
//
// For a link p -> q the estimator collects a small neighbourhood of
// candidate links inside the time-point pair of the link and enumerates every
// way the sources and targets of that neighbourhood could be matched. Each
// configuration is weighted 10^(-E/T) by its energy E. The probability of the
// link is the weight of the configurations that contain it divided by the
// total weight.
package marginal

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"slices"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"

	"github.com/ritzau/nucleus-tracker/pkg/candidates"
	"github.com/ritzau/nucleus-tracker/pkg/logging"
	"github.com/ritzau/nucleus-tracker/pkg/model"
	"github.com/ritzau/nucleus-tracker/pkg/scoring"
	"github.com/ritzau/nucleus-tracker/pkg/solver"
)

// Probabilities never reach 0 or 1 exactly.
const bound = 1e-10

// Config tunes the estimator.
type Config struct {
	// Steps is the number of expansions of the neighbourhood, alternating
	// between the sources of the targets and the targets of the sources.
	Steps int `koanf:"steps"`

	// Temperature scales the energies: weights are 10^(-E/Temperature).
	Temperature float64 `koanf:"temperature"`

	// MaxStates is the largest number of configurations enumerated for one
	// link before the minimal estimate is used instead.
	MaxStates int `koanf:"max_states"`

	// FullCutoff selects the minimal estimate for links whose penalty is this
	// far from zero.
	FullCutoff float64 `koanf:"full_cutoff"`

	// MaxErrorRate marks links with a larger error rate as low confidence.
	MaxErrorRate float64 `koanf:"max_error_rate"`

	Workers int `koanf:"workers"`
}

// DefaultConfig returns the settings used by the command line tool.
func DefaultConfig() Config {
	return Config{
		Steps:        3,
		Temperature:  1.5,
		MaxStates:    1 << 16,
		FullCutoff:   4,
		MaxErrorRate: 0.01,
	}
}

// Validate rejects settings the estimator cannot work with.
func (c Config) Validate() error {
	switch {
	case c.Steps < 0:
		return fmt.Errorf("%w: steps=%d must not be negative", model.ErrInvalidParameter, c.Steps)
	case !(c.Temperature > 0) || math.IsInf(c.Temperature, 0):
		return fmt.Errorf("%w: temperature=%v must be positive", model.ErrInvalidParameter, c.Temperature)
	case c.MaxStates < 1:
		return fmt.Errorf("%w: max_states=%d must be positive", model.ErrInvalidParameter, c.MaxStates)
	case math.IsNaN(c.FullCutoff) || c.FullCutoff <= 0:
		return fmt.Errorf("%w: full_cutoff=%v must be positive", model.ErrInvalidParameter, c.FullCutoff)
	case !(c.MaxErrorRate >= 0 && c.MaxErrorRate <= 1):
		return fmt.Errorf("%w: max_error_rate=%v must be within [0, 1]", model.ErrInvalidParameter, c.MaxErrorRate)
	case c.Workers < 0:
		return fmt.Errorf("%w: workers=%d must not be negative", model.ErrInvalidParameter, c.Workers)
	}
	return nil
}

// Estimate is the marginal probability of one link.
type Estimate struct {
	Link        model.Link
	Probability float64

	// Alternative is the largest probability, under the same
	// marginalization, that the target of the link is reached from another
	// source instead. It is zero when there is no other source. It may
	// exceed Probability: a link of the optimal solution is not always the
	// most probable one on its own.
	Alternative float64

	// Minimal is set when the estimate only looked at the candidates into
	// the target of the link.
	Minimal bool
}

// ErrorRate is the probability that the link is wrong.
func (e Estimate) ErrorRate() float64 { return 1 - e.Probability }

// Estimator computes marginal probabilities over a solved candidate graph.
type Estimator struct {
	cfg Config
}

// New validates cfg and returns an estimator.
func New(cfg Config) (*Estimator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Estimator{cfg: cfg}, nil
}

// Config returns the configuration of the estimator.
func (e *Estimator) Config() Config { return e.cfg }

// LowConfidence reports whether est falls below the configured confidence.
func (e *Estimator) LowConfidence(est Estimate) bool {
	return est.Probability < 1-e.cfg.MaxErrorRate
}

// EstimateSolution estimates every link of sol, in the order of sol.Links.
func (e *Estimator) EstimateSolution(ctx context.Context, sol *solver.Solution) ([]Estimate, error) {
	return e.EstimateLinks(ctx, sol.Pruned, sol.Costs, sol.Links)
}

// EstimateLinks estimates links over the candidate graph g with the
// penalties in costs. Every link must be an edge of g.
func (e *Estimator) EstimateLinks(ctx context.Context, g *candidates.Graph, costs *solver.Costs, links []model.Link) ([]Estimate, error) {
	out := make([]Estimate, len(links))
	workers := e.cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(workers)
	for i, l := range links {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			est, err := e.Link(g, costs, l)
			if err != nil {
				return err
			}
			out[i] = est
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	var minimal, low int
	for _, est := range out {
		if est.Minimal {
			minimal++
		}
		if e.LowConfidence(est) {
			low++
		}
	}
	logging.DebugContext(ctx, "links marginalized",
		"links", len(links),
		"minimal", minimal,
		"lowConfidence", low,
	)
	return out, nil
}

// Link estimates a single link. The link need not be part of the solution;
// any candidate edge of g can be estimated.
func (e *Estimator) Link(g *candidates.Graph, costs *solver.Costs, l model.Link) (Estimate, error) {
	penalty, ok := costs.Link[l]
	if _, edge := g.Edge(l.Source, l.Target); !edge || !ok {
		return Estimate{}, fmt.Errorf("estimating %s: %w", l, model.ErrUnknownPosition)
	}
	est := Estimate{Link: l}

	if math.Abs(penalty) < e.cfg.FullCutoff {
		for steps := e.cfg.Steps; steps >= 0; steps-- {
			n := neighbourhoodOf(g, l, steps)
			if n.states(g, costs) > float64(e.cfg.MaxStates) {
				continue
			}
			p, alt := n.marginalize(g, costs, l, e.cfg.Temperature)
			est.Probability, est.Alternative = clamp(p), alt
			return est, nil
		}
	}

	est.Minimal = true
	p, alt := minimal(g, costs, l, e.cfg.Temperature)
	est.Probability, est.Alternative = clamp(p), alt
	return est, nil
}

// minimal weighs the link against the other ways its target can be reached.
// It returns the probability of the link and of the best other source.
func minimal(g *candidates.Graph, costs *solver.Costs, l model.Link, temperature float64) (float64, float64) {
	in := g.To(l.Target)
	weights := make([]float64, 0, len(in)+1)
	weights = append(weights, logWeight(costs.Appearance[l.Target], temperature))
	best := math.Inf(-1)
	for _, edge := range in {
		w := logWeight(costs.Link[edge.Link()], temperature)
		weights = append(weights, w)
		if edge.Link() != l {
			best = max(best, w)
		}
	}
	total := floats.LogSumExp(weights)
	return math.Exp(logWeight(costs.Link[l], temperature) - total), math.Exp(best - total)
}

// logWeight is the natural logarithm of 10^(-energy/temperature).
func logWeight(energy, temperature float64) float64 {
	return -energy / temperature * math.Ln10
}

func clamp(p float64) float64 {
	if math.IsNaN(p) {
		return bound
	}
	return min(max(p, bound), 1-bound)
}

// neighbourhood is a set of sources at t and targets at t+1.
type neighbourhood struct {
	sources []model.Position
	targets []model.Position
}

func neighbourhoodOf(g *candidates.Graph, l model.Link, steps int) neighbourhood {
	sources := map[model.Position]bool{l.Source: true}
	targets := map[model.Position]bool{l.Target: true}
	for i := range steps {
		if i%2 == 0 {
			for q := range targets {
				for _, edge := range g.To(q) {
					sources[edge.Source] = true
				}
			}
			continue
		}
		for p := range sources {
			for _, edge := range g.From(p) {
				targets[edge.Target] = true
			}
		}
	}
	n := neighbourhood{}
	for p := range sources {
		n.sources = append(n.sources, p)
	}
	for q := range targets {
		n.targets = append(n.targets, q)
	}
	slices.SortFunc(n.sources, model.ComparePositions)
	slices.SortFunc(n.targets, model.ComparePositions)
	return n
}

// states bounds the number of configurations: every target picks one of its
// local sources or none.
func (n neighbourhood) states(g *candidates.Graph, costs *solver.Costs) float64 {
	local := n.sourceIndex()
	total := 1.0
	for _, q := range n.targets {
		options := 1
		for _, edge := range g.To(q) {
			if _, ok := local[edge.Source]; ok {
				options++
			}
		}
		total *= float64(options)
	}
	return total
}

func (n neighbourhood) sourceIndex() map[model.Position]int {
	index := make(map[model.Position]int, len(n.sources))
	for i, p := range n.sources {
		index[p] = i
	}
	return index
}

type option struct {
	source  int
	penalty float64
}

// marginalize enumerates the configurations of the neighbourhood. Links that
// leave the neighbourhood are not enumerated; a source or target without a
// local partner instead pays the combined energy of its outside options.
// It returns the probability of l and the largest probability of another
// local source of the target of l.
func (n neighbourhood) marginalize(g *candidates.Graph, costs *solver.Costs, l model.Link, temperature float64) (float64, float64) {
	local := n.sourceIndex()
	inTargets := make(map[model.Position]bool, len(n.targets))
	for _, q := range n.targets {
		inTargets[q] = true
	}

	idle := make([]float64, len(n.sources))
	capacity := make([]int, len(n.sources))
	division := make([]float64, len(n.sources))
	for i, p := range n.sources {
		outside := []float64{costs.Disappearance[p]}
		for _, edge := range g.From(p) {
			if !inTargets[edge.Target] {
				outside = append(outside, costs.Link[edge.Link()])
			}
		}
		idle[i] = scoring.CombineEvents(outside...)
		capacity[i] = 1
		if costs.MayDivide(p) {
			capacity[i] = 2
			division[i] = costs.Division[p]
		}
	}

	unmatched := make([]float64, len(n.targets))
	options := make([][]option, len(n.targets))
	linkTarget, linkSource := -1, local[l.Source]
	for j, q := range n.targets {
		if q == l.Target {
			linkTarget = j
		}
		outside := []float64{costs.Appearance[q]}
		for _, edge := range g.To(q) {
			if i, ok := local[edge.Source]; ok {
				options[j] = append(options[j], option{source: i, penalty: costs.Link[edge.Link()]})
				continue
			}
			outside = append(outside, costs.Link[edge.Link()])
		}
		unmatched[j] = scoring.CombineEvents(outside...)
	}

	var all []float64
	// bySource collects the weights per source chosen by the target of l.
	bySource := make([][]float64, len(n.sources))
	used := make([]int, len(n.sources))
	choice := make([]int, len(n.targets))

	var visit func(j int, energy float64)
	visit = func(j int, energy float64) {
		if j == len(n.targets) {
			for i, u := range used {
				switch u {
				case 0:
					energy += idle[i]
				case 2:
					energy += division[i]
				}
			}
			w := logWeight(energy, temperature)
			all = append(all, w)
			if i := choice[linkTarget]; i >= 0 {
				bySource[i] = append(bySource[i], w)
			}
			return
		}
		choice[j] = -1
		visit(j+1, energy+unmatched[j])
		for _, o := range options[j] {
			if used[o.source] == capacity[o.source] {
				continue
			}
			used[o.source]++
			choice[j] = o.source
			visit(j+1, energy+o.penalty)
			used[o.source]--
		}
	}
	visit(0, 0)

	total := floats.LogSumExp(all)
	var p, alt float64
	for i, ws := range bySource {
		if len(ws) == 0 {
			continue
		}
		q := math.Exp(floats.LogSumExp(ws) - total)
		if i == linkSource {
			p = q
			continue
		}
		alt = max(alt, q)
	}
	return p, alt
}
