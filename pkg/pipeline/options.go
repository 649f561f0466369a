package pipeline

import (
	"fmt"
	"math"

	"github.com/ritzau/nucleus-tracker/pkg/candidates"
	"github.com/ritzau/nucleus-tracker/pkg/model"
)

// CandidateOptions configures candidate generation. The resolution comes
// from the experiment.
type CandidateOptions struct {
	Tolerance     float64 `koanf:"tolerance"`
	MaxCandidates int     `koanf:"max_candidates"`
	MaxDistanceUm float64 `koanf:"max_distance_um"`
	Workers       int     `koanf:"workers"`
}

// Generator returns the candidate generator for r.
func (o CandidateOptions) Generator(r model.Resolution) candidates.Generator {
	return candidates.Generator{
		Resolution:    r,
		Tolerance:     o.Tolerance,
		MaxCandidates: o.MaxCandidates,
		MaxDistanceUm: o.MaxDistanceUm,
		Workers:       o.Workers,
	}
}

// Validate checks the options against a unit resolution; the resolution of
// each experiment is checked when it is tracked.
func (o CandidateOptions) Validate() error {
	return o.Generator(model.Resolution{PixelSizeX: 1, PixelSizeY: 1, PixelSizeZ: 1, TimePointMinutes: 1}).Validate()
}

// Options configures the stages around the solver.
type Options struct {
	// SigmaUm is the displacement scale of links without a supplied
	// penalty.
	SigmaUm float64 `koanf:"sigma_um"`

	// BorderBufferUm and MinAppearanceProbability shape the appearance and
	// disappearance penalties.
	BorderBufferUm           float64 `koanf:"border_buffer_um"`
	MinAppearanceProbability float64 `koanf:"min_appearance_probability"`

	// Filter drops low confidence links from the result.
	Filter bool `koanf:"filter"`

	// BridgeGaps joins a track end to a track start two time points later
	// when both are closer than BridgeDistanceUm and MissPenalty is lower
	// than the disappearance and appearance it replaces.
	BridgeGaps       bool    `koanf:"bridge_gaps"`
	BridgeDistanceUm float64 `koanf:"bridge_distance_um"`
	MissPenalty      float64 `koanf:"miss_penalty"`

	// MinTrackLength removes lineages appearing mid-recording with fewer
	// positions. Zero keeps everything.
	MinTrackLength int `koanf:"min_track_length"`

	// MaxPasts is the largest number of incoming links a position may keep.
	// Zero means unlimited.
	MaxPasts int `koanf:"max_pasts"`

	// Workers bounds RunBatch.
	Workers int `koanf:"workers"`
}

// DefaultOptions returns the settings used by the command line tool.
func DefaultOptions() Options {
	return Options{
		SigmaUm:                  4,
		BorderBufferUm:           5,
		MinAppearanceProbability: 0.01,
		BridgeDistanceUm:         10,
		MissPenalty:              2,
		Workers:                  2,
	}
}

// DefaultCandidateOptions mirrors candidates.NewGenerator.
func DefaultCandidateOptions() CandidateOptions {
	return CandidateOptions{
		Tolerance:     candidates.DefaultTolerance,
		MaxCandidates: candidates.DefaultMaxCandidates,
		Workers:       4,
	}
}

func (o Options) Validate() error {
	for name, v := range map[string]float64{
		"sigma_um":           o.SigmaUm,
		"border_buffer_um":   o.BorderBufferUm,
		"bridge_distance_um": o.BridgeDistanceUm,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return fmt.Errorf("%w: %s=%v", model.ErrInvalidParameter, name, v)
		}
	}
	if !(o.SigmaUm > 0) {
		return fmt.Errorf("%w: sigma_um must be positive", model.ErrInvalidParameter)
	}
	if p := o.MinAppearanceProbability; math.IsNaN(p) || p < 0 || p > 1 {
		return fmt.Errorf("%w: min_appearance_probability=%v", model.ErrInvalidParameter, p)
	}
	if math.IsNaN(o.MissPenalty) || math.IsInf(o.MissPenalty, 0) {
		return fmt.Errorf("%w: miss_penalty=%v", model.ErrInvalidParameter, o.MissPenalty)
	}
	if o.MinTrackLength < 0 || o.MaxPasts < 0 || o.Workers < 0 {
		return fmt.Errorf("%w: min_track_length, max_pasts and workers must not be negative", model.ErrInvalidParameter)
	}
	return nil
}
