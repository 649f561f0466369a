// Package pipeline runs the tracking stages over an experiment: candidate
// generation, the flow solve, marginalization, post-processing and the
// integrity check.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ritzau/nucleus-tracker/pkg/candidates"
	"github.com/ritzau/nucleus-tracker/pkg/experiment"
	"github.com/ritzau/nucleus-tracker/pkg/integrity"
	"github.com/ritzau/nucleus-tracker/pkg/logging"
	"github.com/ritzau/nucleus-tracker/pkg/marginal"
	"github.com/ritzau/nucleus-tracker/pkg/metrics"
	"github.com/ritzau/nucleus-tracker/pkg/model"
	"github.com/ritzau/nucleus-tracker/pkg/pubsub"
	"github.com/ritzau/nucleus-tracker/pkg/scoring"
	"github.com/ritzau/nucleus-tracker/pkg/solver"
)

// Stage names, published as pipeline_status events and used as metric labels.
const (
	StageCandidates     = "candidates"
	StageSolving        = "solving"
	StageMarginalizing  = "marginalizing"
	StagePostprocessing = "postprocessing"
	StageChecking       = "checking"
	StageReady          = "ready"
	StageError          = "error"
)

const totalSteps = 6

// Settings collects the configuration of every stage.
type Settings struct {
	Candidates CandidateOptions
	Solver     solver.Config
	Marginal   marginal.Config
	Options    Options
}

// DefaultSettings returns the settings used by the command line tool.
func DefaultSettings() Settings {
	return Settings{
		Candidates: DefaultCandidateOptions(),
		Solver:     solver.DefaultConfig(),
		Marginal:   marginal.DefaultConfig(),
		Options:    DefaultOptions(),
	}
}

// Result is the outcome of one run.
type Result struct {
	Experiment *experiment.Experiment
	Solution   *solver.Solution
	Estimates  []marginal.Estimate
	Summary    experiment.Summary
	Report     integrity.Report

	Filtered int // links dropped as low confidence
	Bridged  int // gaps closed with a synthesized position
	Removed  int // positions of short lineages removed

	Duration time.Duration
}

// Runner orchestrates the tracking stages.
type Runner struct {
	candidates CandidateOptions
	opts       Options
	solver     *solver.Solver
	estimator  *marginal.Estimator
	metrics    *metrics.Metrics
	publisher  pubsub.Publisher

	mu sync.Mutex // serializes session runs
}

// NewRunner validates s. m and pub may be nil.
func NewRunner(s Settings, m *metrics.Metrics, pub pubsub.Publisher) (*Runner, error) {
	if err := s.Options.Validate(); err != nil {
		return nil, err
	}
	if err := s.Candidates.Validate(); err != nil {
		return nil, err
	}
	sv, err := solver.New(s.Solver)
	if err != nil {
		return nil, err
	}
	est, err := marginal.New(s.Marginal)
	if err != nil {
		return nil, err
	}
	return &Runner{
		candidates: s.Candidates,
		opts:       s.Options,
		solver:     sv,
		estimator:  est,
		metrics:    m,
		publisher:  pub,
	}, nil
}

// Track runs every stage on a copy of e and returns the tracked copy. e is
// not modified; a failed or cancelled run leaves nothing behind.
func (r *Runner) Track(ctx context.Context, e *experiment.Experiment) (*Result, error) {
	work, err := e.Clone()
	if err != nil {
		return nil, err
	}
	return r.track(ctx, work)
}

// Run tracks the experiment of s and swaps the result in on success. Edits
// committed to s while the run is in progress are replaced by the result.
func (r *Runner) Run(ctx context.Context, s *experiment.Session, reason string) (*Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var snapshot *experiment.Experiment
	err := s.Read(func(e *experiment.Experiment) (err error) {
		snapshot, err = e.Clone()
		return err
	})
	if err != nil {
		return nil, err
	}
	logging.InfoContext(logging.WithExperimentID(ctx, snapshot.ID.String()), "tracking started", "reason", reason)

	res, err := r.track(ctx, snapshot)
	if err != nil {
		return nil, err
	}
	s.Swap(res.Experiment)
	return res, nil
}

// RunBatch tracks experiments in parallel. Each experiment is independent;
// the first failure cancels the others.
func (r *Runner) RunBatch(ctx context.Context, es []*experiment.Experiment) ([]*Result, error) {
	results := make([]*Result, len(es))
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(max(r.opts.Workers, 1))
	for i, e := range es {
		eg.Go(func() error {
			res, err := r.Track(ctx, e)
			if err != nil {
				return fmt.Errorf("experiment %q: %w", e.Name, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (r *Runner) track(ctx context.Context, work *experiment.Experiment) (res *Result, err error) {
	id := work.ID.String()
	ctx = logging.WithExperimentID(ctx, id)
	start := time.Now()
	defer func() { r.finish(ctx, id, err) }()

	res = &Result{Experiment: work}

	r.publish(id, StageCandidates, "generating candidate links", 1)
	stage := time.Now()
	graph, err := r.candidates.Generator(work.Resolution).Generate(ctx, work.Positions)
	if err != nil {
		return nil, fmt.Errorf("generating candidates: %w", err)
	}
	graph, err = graph.WithLinks(suppliedLinks(work), work.Resolution)
	if err != nil {
		return nil, fmt.Errorf("adding supplied links: %w", err)
	}
	r.observe(StageCandidates, stage)
	logging.DebugContext(ctx, "candidates ready", "positions", len(graph.Nodes()), "candidates", graph.Len())

	r.publish(id, StageSolving, "solving the flow network", 2)
	stage = time.Now()
	sol, err := r.solver.Solve(ctx, r.problem(work, graph))
	if err != nil {
		return nil, fmt.Errorf("solving: %w", err)
	}
	if err := work.ReplaceLinks(sol.Links, sol.Costs.Link); err != nil {
		return nil, fmt.Errorf("storing links: %w", err)
	}
	res.Solution = sol
	r.observe(StageSolving, stage)
	if r.metrics != nil {
		r.metrics.Solve(sol.Phases, len(sol.Links), sol.Cost)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.publish(id, StageMarginalizing, "estimating link probabilities", 3)
	stage = time.Now()
	res.Estimates, err = r.estimator.EstimateSolution(ctx, sol)
	if err != nil {
		return nil, fmt.Errorf("marginalizing: %w", err)
	}
	if err := r.estimator.Annotate(work.Tracks, res.Estimates); err != nil {
		return nil, fmt.Errorf("annotating links: %w", err)
	}
	if r.opts.Filter {
		res.Filtered, err = r.filter(work, sol.Links, res.Estimates)
		if err != nil {
			return nil, err
		}
	}
	r.observe(StageMarginalizing, stage)
	r.countEstimates(res.Estimates)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.publish(id, StagePostprocessing, "post-processing tracks", 4)
	stage = time.Now()
	if r.opts.BridgeGaps {
		if res.Bridged, err = bridgeGaps(work, sol.Costs, r.opts); err != nil {
			return nil, fmt.Errorf("bridging gaps: %w", err)
		}
	}
	if res.Removed, err = removeShortLineages(work, r.opts.MinTrackLength); err != nil {
		return nil, fmt.Errorf("removing short lineages: %w", err)
	}
	r.observe(StagePostprocessing, stage)

	r.publish(id, StageChecking, "checking track invariants", 5)
	res.Report = integrity.Verify(work.Positions, work.Tracks, integrity.Options{MaxPasts: r.opts.MaxPasts})
	if err := res.Report.Err(); err != nil {
		for _, v := range res.Report.Violations {
			logging.ErrorContext(ctx, "track invariant violated", "check", v.Check, "detail", v.Detail)
		}
		return nil, err
	}

	res.Summary = work.Summarize()
	res.Duration = time.Since(start)
	logging.InfoContext(ctx, "tracking complete",
		"positions", res.Summary.Positions,
		"links", res.Summary.Links,
		"tracks", res.Summary.Tracks,
		"divisions", res.Summary.Divisions,
		"lowConfidence", res.Summary.LowConfidenceLinks,
		"filtered", res.Filtered,
		"bridged", res.Bridged,
		"removed", res.Removed,
		"durationMs", res.Duration.Milliseconds(),
	)
	r.publish(id, StageReady, "tracking complete", totalSteps)
	return res, nil
}

// problem scores links from supplied candidate metadata, falling back to
// the displacement, and appearances by distance to the volume border.
func (r *Runner) problem(e *experiment.Experiment, g *candidates.Graph) solver.Problem {
	scorer := scoring.MetadataScorer{
		Links:     scoring.LinkTable(e.CandidateData),
		Positions: e.Positions,
		Fallback:  scoring.DistanceScorer{Resolution: e.Resolution, SigmaUm: r.opts.SigmaUm},
	}
	border := scoring.BorderModulated{
		Volume:         e.Volume,
		Resolution:     e.Resolution,
		BufferUm:       r.opts.BorderBufferUm,
		MinProbability: r.opts.MinAppearanceProbability,
	}
	return solver.Problem{
		Candidates:    g,
		Links:         scorer,
		Divisions:     scorer,
		Appearance:    border,
		Disappearance: border,
	}
}

// filter removes the links Filter rejects and returns how many were removed.
func (r *Runner) filter(e *experiment.Experiment, links []model.Link, estimates []marginal.Estimate) (int, error) {
	kept := make(map[model.Link]bool)
	for _, l := range r.estimator.Filter(links, estimates) {
		kept[l] = true
	}
	removed := 0
	for _, l := range links {
		if kept[l] {
			continue
		}
		if err := e.Tracks.RemoveLink(l.Source, l.Target); err != nil {
			return removed, fmt.Errorf("filtering %s: %w", l, err)
		}
		removed++
	}
	return removed, nil
}

// suppliedLinks are the links already present and those with supplied
// candidate metadata. They join the generated candidates so that the solver
// can always reproduce them.
func suppliedLinks(e *experiment.Experiment) []model.Link {
	links := e.Tracks.AllLinks()
	links = append(links, slices.Collect(maps.Keys(e.CandidateData))...)
	slices.SortFunc(links, model.CompareLinks)
	return slices.Compact(links)
}

func (r *Runner) countEstimates(estimates []marginal.Estimate) {
	if r.metrics == nil {
		return
	}
	var full, minimal, low int
	for _, est := range estimates {
		if est.Minimal {
			minimal++
		} else {
			full++
		}
		if r.estimator.LowConfidence(est) {
			low++
		}
	}
	r.metrics.Estimates(full, minimal, low)
}

func (r *Runner) observe(stage string, since time.Time) {
	if r.metrics != nil {
		r.metrics.Stage(stage, time.Since(since))
	}
}

func (r *Runner) finish(ctx context.Context, id string, err error) {
	status := metrics.StatusOK
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = metrics.StatusCanceled
		logging.WarnContext(ctx, "tracking cancelled", "error", err)
		r.publish(id, StageError, "cancelled", totalSteps)
	default:
		status = metrics.StatusError
		logging.ErrorContext(ctx, "tracking failed", "error", err, "kind", model.KindOf(err).String())
		r.publish(id, StageError, err.Error(), totalSteps)
	}
	if r.metrics != nil {
		r.metrics.Run(status)
	}
}

func (r *Runner) publish(id, state, message string, step int) {
	if r.publisher == nil {
		return
	}
	status := pubsub.PipelineStatus{Experiment: id, State: state, Message: message, Step: step, Total: totalSteps}
	if err := r.publisher.PublishStatus(status); err != nil {
		logging.Debug("pipeline status not published", "state", state, "error", err)
	}
}
