package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/ritzau/nucleus-tracker/pkg/config"
	"github.com/ritzau/nucleus-tracker/pkg/logging"
	"github.com/ritzau/nucleus-tracker/pkg/model"
	"github.com/ritzau/nucleus-tracker/pkg/output"
	"github.com/ritzau/nucleus-tracker/pkg/pipeline"
	"github.com/ritzau/nucleus-tracker/pkg/watcher"
)

// watch tracks datasets again when they change on disk, until ctx is done.
func (a *app) watch(ctx context.Context, inputs []string) error {
	configFile := ""
	if _, err := os.Stat(config.DefaultFile); err == nil {
		configFile = config.DefaultFile
	}
	fw, err := watcher.NewFileWatcher(inputs, configFile)
	if err != nil {
		return err
	}
	if err := fw.Start(ctx); err != nil {
		return err
	}

	d := watcher.NewDebouncer(fw.Events(), a.cfg.Watch.QuietPeriod, a.cfg.Watch.MaxWait)
	d.Start(ctx)

	go func() {
		for event := range d.Output() {
			a.handleChange(ctx, watcher.AnalyzeChanges(event))
		}
	}()
	return nil
}

func (a *app) handleChange(ctx context.Context, change *watcher.ChangeAnalysis) {
	if change.ReloadConfig {
		a.reloadConfig(ctx)
	}
	for _, path := range change.Forget {
		if id, ok := a.experimentOf(path); ok {
			logging.Info("dataset removed, keeping its last result", "path", path, "experiment", id)
		}
	}
	for _, path := range change.Retrack {
		if a.ownOutput(path) {
			continue
		}
		if err := a.retrack(ctx, path); err != nil {
			logging.Error("tracking changed dataset failed", "path", path, "error", err, "kind", model.KindOf(err).String())
		}
	}
}

// retrack loads the dataset at path and tracks it in place of the served
// experiment with the same ID.
func (a *app) retrack(ctx context.Context, path string) error {
	e, err := a.loadFile(path)
	if err != nil {
		return err
	}
	sess := a.server.Add(e)
	res, err := a.runner.Run(ctx, sess, "dataset changed")
	if err != nil {
		return err
	}
	output.PrintTrackingReport(a.out, res)
	return a.save(ctx, res.Experiment)
}

// reloadConfig rebuilds the runner from the configuration file and tracks
// every served experiment again. Invalid configurations are logged and the
// previous settings stay in effect.
func (a *app) reloadConfig(ctx context.Context) {
	cfg, err := config.Load(a.flags)
	if err != nil {
		logging.Error("configuration not reloaded", "error", err)
		return
	}
	runner, err := pipeline.NewRunner(cfg.Settings(), a.metrics, a.publisher)
	if err != nil {
		logging.Error("configuration not reloaded", "error", err)
		return
	}
	a.cfg.Candidates = cfg.Candidates
	a.cfg.Solver = cfg.Solver
	a.cfg.Marginal = cfg.Marginal
	a.cfg.Pipeline = cfg.Pipeline
	a.runner = runner
	a.server.SetRunner(runner)
	logging.Info("configuration reloaded")

	for _, sess := range a.server.Sessions() {
		res, err := runner.Run(ctx, sess, "configuration changed")
		if err != nil {
			logging.Error("tracking with new configuration failed", "experiment", sess.ID(), "error", err)
			continue
		}
		output.PrintTrackingReport(a.out, res)
		if err := a.save(ctx, res.Experiment); err != nil {
			logging.Error("saving failed", "experiment", sess.ID(), "error", err)
		}
	}
}

func (a *app) experimentOf(path string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, source := range a.sources {
		if source == path {
			return id, true
		}
	}
	return "", false
}

// ownOutput reports whether path is a result written by this process.
func (a *app) ownOutput(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.written[abs]
}
