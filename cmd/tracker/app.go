package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"

	"github.com/ritzau/nucleus-tracker/pkg/config"
	"github.com/ritzau/nucleus-tracker/pkg/experiment"
	"github.com/ritzau/nucleus-tracker/pkg/integrity"
	"github.com/ritzau/nucleus-tracker/pkg/logging"
	"github.com/ritzau/nucleus-tracker/pkg/metrics"
	"github.com/ritzau/nucleus-tracker/pkg/model"
	"github.com/ritzau/nucleus-tracker/pkg/output"
	"github.com/ritzau/nucleus-tracker/pkg/pipeline"
	"github.com/ritzau/nucleus-tracker/pkg/pubsub"
	"github.com/ritzau/nucleus-tracker/pkg/storage/jsonio"
	"github.com/ritzau/nucleus-tracker/pkg/storage/sqlite"
	"github.com/ritzau/nucleus-tracker/pkg/web"
)

// errNoInput is returned when there is nothing to track.
var errNoInput = fmt.Errorf("%w: no dataset given and no database configured", model.ErrInvalidParameter)

// app holds what a tracker invocation needs across tracking, serving and
// watching.
type app struct {
	cfg   *config.Config
	flags *pflag.FlagSet
	out   io.Writer

	metrics   *metrics.Metrics
	publisher *pubsub.SSEPublisher
	runner    *pipeline.Runner
	store     *sqlite.Store
	server    *web.Server

	// sources maps experiment IDs to the dataset they were loaded from.
	mu      sync.Mutex
	sources map[string]string
	written map[string]bool
}

func newApp(ctx context.Context, cfg *config.Config, flags *pflag.FlagSet, out io.Writer) (*app, error) {
	a := &app{
		cfg:       cfg,
		flags:     flags,
		out:       out,
		metrics:   metrics.New(newRegistry()),
		publisher: pubsub.NewSSEPublisher(cfg.Web.EditHistory),
		sources:   make(map[string]string),
		written:   make(map[string]bool),
	}
	var err error
	if a.runner, err = pipeline.NewRunner(cfg.Settings(), a.metrics, a.publisher); err != nil {
		return nil, err
	}
	if cfg.Storage.Database != "" {
		if a.store, err = sqlite.Open(ctx, cfg.Storage.Database); err != nil {
			return nil, err
		}
	}
	a.server = web.NewServer(web.Options{
		Publisher: a.publisher,
		Runner:    a.runner,
		Store:     a.store,
		Metrics:   a.metrics,
	})
	return a, nil
}

// newRegistry returns a registry with the Go runtime and process collectors.
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func (a *app) close() {
	a.server.Wait()
	if err := a.publisher.Close(); err != nil && !errors.Is(err, pubsub.ErrClosed) {
		logging.Warn("closing publisher", "error", err)
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			logging.Warn("closing database", "error", err)
		}
	}
}

func (a *app) run(ctx context.Context, args []string) error {
	exps, err := a.load(ctx, args)
	if err != nil {
		return err
	}
	if a.cfg.Check {
		return a.check(exps)
	}

	results, err := a.runner.RunBatch(ctx, exps)
	if err != nil {
		return err
	}
	for _, res := range results {
		output.PrintTrackingReport(a.out, res)
		if err := a.save(ctx, res.Experiment); err != nil {
			return err
		}
		a.server.Add(res.Experiment)
	}

	if !a.cfg.Web.Enabled && !a.cfg.Watch.Enabled {
		return nil
	}
	if a.cfg.Watch.Enabled {
		if len(args) == 0 {
			return fmt.Errorf("%w: --watch needs dataset paths", model.ErrInvalidParameter)
		}
		if err := a.watch(ctx, args); err != nil {
			return err
		}
	}
	if a.cfg.Web.Enabled {
		return a.server.Start(ctx, a.cfg.Web.Addr)
	}
	<-ctx.Done()
	return nil
}

// load reads the datasets named by args, expanding directories to their
// .json files. Without args every experiment of the database is loaded.
func (a *app) load(ctx context.Context, args []string) ([]*experiment.Experiment, error) {
	if len(args) == 0 {
		return a.loadStore(ctx)
	}
	paths, err := datasets(args)
	if err != nil {
		return nil, err
	}
	var exps []*experiment.Experiment
	for _, path := range paths {
		e, err := a.loadFile(path)
		if err != nil {
			return nil, err
		}
		exps = append(exps, e)
	}
	logging.Info("datasets loaded", "count", len(exps))
	return exps, nil
}

func (a *app) loadFile(path string) (*experiment.Experiment, error) {
	e, err := jsonio.Load(path)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.sources[e.ID.String()] = abs
	a.mu.Unlock()
	logging.Debug("dataset loaded", "path", path, "experiment", e.Name, "positions", e.Positions.Len())
	return e, nil
}

func (a *app) loadStore(ctx context.Context) ([]*experiment.Experiment, error) {
	if a.store == nil {
		return nil, errNoInput
	}
	entries, err := a.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing experiments: %w", err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: database %s is empty", model.ErrInvalidParameter, a.cfg.Storage.Database)
	}
	exps := make([]*experiment.Experiment, 0, len(entries))
	for _, entry := range entries {
		e, err := a.store.Load(ctx, entry.ID)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", entry.Name, err)
		}
		exps = append(exps, e)
	}
	return exps, nil
}

// datasets expands directories into their .json files, sorted by name.
func datasets(args []string) ([]string, error) {
	var paths []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			paths = append(paths, arg)
			continue
		}
		entries, err := os.ReadDir(arg)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.EqualFold(filepath.Ext(name), ".json") {
				continue
			}
			paths = append(paths, filepath.Join(arg, name))
		}
	}
	slices.Sort(paths)
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: no datasets in %s", model.ErrInvalidParameter, strings.Join(args, ", "))
	}
	return paths, nil
}

// check verifies the track invariants of each experiment without tracking.
func (a *app) check(exps []*experiment.Experiment) error {
	failed := 0
	for _, e := range exps {
		report := integrity.Verify(e.Positions, e.Tracks, integrity.Options{MaxPasts: a.cfg.Pipeline.MaxPasts})
		if !output.PrintCheckReport(a.out, e.Name, report) {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d experiments: %w", failed, len(exps), model.ErrTrackInvariant)
	}
	return nil
}

// save writes e to the database and to the JSON output, when configured.
func (a *app) save(ctx context.Context, e *experiment.Experiment) error {
	if a.store != nil {
		if err := a.store.Save(ctx, e); err != nil {
			return fmt.Errorf("saving %s: %w", e.Name, err)
		}
	}
	if a.cfg.Storage.Output == "" {
		return nil
	}
	path, err := a.outputPath(e)
	if err != nil {
		return err
	}
	if err := jsonio.Save(path, e); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	a.mu.Lock()
	a.written[path] = true
	a.mu.Unlock()
	logging.Info("results written", "experiment", e.Name, "path", path)
	return nil
}

// outputPath is the output itself when it names a file and only one
// experiment is tracked, otherwise a file named after the dataset inside the
// output directory.
func (a *app) outputPath(e *experiment.Experiment) (string, error) {
	out, err := filepath.Abs(a.cfg.Storage.Output)
	if err != nil {
		return "", err
	}
	a.mu.Lock()
	source, fromFile := a.sources[e.ID.String()]
	single := len(a.sources) <= 1
	a.mu.Unlock()

	path := out
	info, statErr := os.Stat(out)
	isDir := statErr == nil && info.IsDir()
	if isDir || !single || !strings.EqualFold(filepath.Ext(out), ".json") {
		if err := os.MkdirAll(out, 0o755); err != nil {
			return "", err
		}
		name := e.Name + ".json"
		if fromFile {
			name = filepath.Base(source)
		}
		path = filepath.Join(out, name)
	}
	if fromFile && path == source {
		return "", fmt.Errorf("%w: output %s would overwrite its input", model.ErrInvalidParameter, path)
	}
	return path, nil
}
