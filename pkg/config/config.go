// Package config loads the tracker configuration. Priority, highest first:
// flags, TRACKER_ environment variables, tracker.toml, defaults.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/knadh/koanf/maps"
	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"

	"github.com/ritzau/nucleus-tracker/pkg/logging"
	"github.com/ritzau/nucleus-tracker/pkg/marginal"
	"github.com/ritzau/nucleus-tracker/pkg/model"
	"github.com/ritzau/nucleus-tracker/pkg/pipeline"
	"github.com/ritzau/nucleus-tracker/pkg/solver"
)

// DefaultFile is read from the working directory when present.
const DefaultFile = "tracker.toml"

// Web configures the HTTP API.
type Web struct {
	Enabled     bool   `koanf:"enabled"`
	Addr        string `koanf:"addr"`
	EditHistory int    `koanf:"edit_history"`
}

// Watch configures re-running the pipeline when input files change.
type Watch struct {
	Enabled     bool          `koanf:"enabled"`
	QuietPeriod time.Duration `koanf:"quiet_period"`
	MaxWait     time.Duration `koanf:"max_wait"`
}

// Storage selects where experiments are loaded from and saved to.
type Storage struct {
	// Database is the SQLite file. Empty disables the database.
	Database string `koanf:"database"`

	// Output is the JSON file or directory results are written to. Empty
	// writes nothing.
	Output string `koanf:"output"`
}

// Config holds all configuration for the application
type Config struct {
	Candidates pipeline.CandidateOptions `koanf:"candidates"`
	Solver     solver.Config             `koanf:"solver"`
	Marginal   marginal.Config           `koanf:"marginal"`
	Pipeline   pipeline.Options          `koanf:"pipeline"`
	Web        Web                       `koanf:"web"`
	Watch      Watch                     `koanf:"watch"`
	Storage    Storage                   `koanf:"storage"`

	Check     bool   `koanf:"check"`
	JSONLogs  bool   `koanf:"json_logs"`
	Verbosity string `koanf:"verbosity"`
}

// Settings returns the pipeline part of the configuration.
func (c *Config) Settings() pipeline.Settings {
	return pipeline.Settings{
		Candidates: c.Candidates,
		Solver:     c.Solver,
		Marginal:   c.Marginal,
		Options:    c.Pipeline,
	}
}

// Validate rejects invalid parameters with model.ErrInvalidParameter.
func (c *Config) Validate() error {
	if err := c.Candidates.Validate(); err != nil {
		return fmt.Errorf("candidates: %w", err)
	}
	if err := c.Solver.Validate(); err != nil {
		return fmt.Errorf("solver: %w", err)
	}
	if err := c.Marginal.Validate(); err != nil {
		return fmt.Errorf("marginal: %w", err)
	}
	if err := c.Pipeline.Validate(); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	if c.Web.EditHistory < 0 {
		return fmt.Errorf("%w: web.edit_history=%d", model.ErrInvalidParameter, c.Web.EditHistory)
	}
	if c.Watch.QuietPeriod < 0 || c.Watch.MaxWait < c.Watch.QuietPeriod {
		return fmt.Errorf("%w: watch.max_wait must not be shorter than watch.quiet_period", model.ErrInvalidParameter)
	}
	if _, err := logging.ParseLevel(c.Verbosity); err != nil {
		return fmt.Errorf("%w: %v", model.ErrInvalidParameter, err)
	}
	return nil
}

// Defaults returns the default values as a flat koanf map.
func Defaults() map[string]any {
	s := pipeline.DefaultSettings()
	return map[string]any{
		"candidates.tolerance":       s.Candidates.Tolerance,
		"candidates.max_candidates":  s.Candidates.MaxCandidates,
		"candidates.max_distance_um": s.Candidates.MaxDistanceUm,
		"candidates.workers":         s.Candidates.Workers,

		"solver.division_cutoff":       s.Solver.DivisionCutoff,
		"solver.prune_margin":          s.Solver.PruneMargin,
		"solver.tie_break":             s.Solver.TieBreak,
		"solver.weights.link":          s.Solver.Weights.Link,
		"solver.weights.division":      s.Solver.Weights.Division,
		"solver.weights.appearance":    s.Solver.Weights.Appearance,
		"solver.weights.disappearance": s.Solver.Weights.Disappearance,

		"marginal.steps":          s.Marginal.Steps,
		"marginal.temperature":    s.Marginal.Temperature,
		"marginal.max_states":     s.Marginal.MaxStates,
		"marginal.full_cutoff":    s.Marginal.FullCutoff,
		"marginal.max_error_rate": s.Marginal.MaxErrorRate,
		"marginal.workers":        s.Marginal.Workers,

		"pipeline.sigma_um":                   s.Options.SigmaUm,
		"pipeline.border_buffer_um":           s.Options.BorderBufferUm,
		"pipeline.min_appearance_probability": s.Options.MinAppearanceProbability,
		"pipeline.filter":                     s.Options.Filter,
		"pipeline.bridge_gaps":                s.Options.BridgeGaps,
		"pipeline.bridge_distance_um":         s.Options.BridgeDistanceUm,
		"pipeline.miss_penalty":               s.Options.MissPenalty,
		"pipeline.min_track_length":           s.Options.MinTrackLength,
		"pipeline.max_pasts":                  s.Options.MaxPasts,
		"pipeline.workers":                    s.Options.Workers,

		"web.enabled":      false,
		"web.addr":         "localhost:8080",
		"web.edit_history": 100,

		"watch.enabled":      false,
		"watch.quiet_period": "500ms",
		"watch.max_wait":     "5s",

		"storage.database": "",
		"storage.output":   "",

		"check":     false,
		"json_logs": false,
		"verbosity": "info",
	}
}

// Load loads configuration from defaults, config file, environment variables, and flags.
// Priority: Flags > Env > Config File > Defaults
func Load(f *pflag.FlagSet) (*Config, error) {
	return LoadFile(f, DefaultFile, true)
}

// LoadFile is Load with an explicit configuration file. A missing file is an
// error unless optional is set.
func LoadFile(f *pflag.FlagSet, path string, optional bool) (*Config, error) {
	k := koanf.New(".")

	// 1. Defaults
	if err := k.Load(mapProvider(Defaults()), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// 2. Config file
	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			if !optional || !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to load %s: %w", path, err)
			}
			logging.Debug("no configuration file", "path", path)
		}
	}

	// 3. Environment Variables
	// Prefix: TRACKER_, sections separated by a double underscore
	// (TRACKER_MARGINAL__MAX_ERROR_RATE=0.05)
	if err := k.Load(env.Provider("TRACKER_", ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	// 4. Flags
	if f != nil {
		if err := k.Load(posflag.ProviderWithFlag(f, ".", k, flagKey(f)), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps TRACKER_SOLVER__WEIGHTS__LINK to solver.weights.link. Single
// underscores stay, since keys such as max_error_rate contain them.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, "TRACKER_"))
	return strings.ReplaceAll(s, "__", ".")
}

// mapProvider serves a flat map with dotted keys as a koanf provider
type mapProvider map[string]any

func (p mapProvider) Read() (map[string]any, error) {
	return maps.Unflatten(p, "."), nil
}

func (p mapProvider) ReadBytes() ([]byte, error) {
	return nil, errors.New("not implemented")
}
