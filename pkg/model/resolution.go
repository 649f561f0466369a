package model

import (
	"fmt"
	"math"
)

// Resolution holds the physical scale of an experiment.
type Resolution struct {
	PixelSizeX       float64 `json:"x_um" koanf:"x_um"`
	PixelSizeY       float64 `json:"y_um" koanf:"y_um"`
	PixelSizeZ       float64 `json:"z_um" koanf:"z_um"`
	TimePointMinutes float64 `json:"t_m" koanf:"t_m"`
}

// Validate rejects resolutions that would make distances meaningless.
func (r Resolution) Validate() error {
	for name, v := range map[string]float64{
		"x_um": r.PixelSizeX,
		"y_um": r.PixelSizeY,
		"z_um": r.PixelSizeZ,
		"t_m":  r.TimePointMinutes,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
			return fmt.Errorf("%w: %s=%g", ErrMissingResolution, name, v)
		}
	}
	return nil
}

// Volume is the imaged region in pixel coordinates.
type Volume struct {
	Min [3]float64 `json:"min"`
	Max [3]float64 `json:"max"`
}

// IsZero reports whether no volume was configured.
func (v Volume) IsZero() bool {
	return v == Volume{}
}

// Contains reports whether p lies inside the volume, borders included.
func (v Volume) Contains(p Position) bool {
	c := p.Coordinates()
	for i := range c {
		if c[i] < v.Min[i] || c[i] > v.Max[i] {
			return false
		}
	}
	return true
}

// DistanceToBorderUm returns the physical distance from p to the nearest face of
// the volume. Positions outside the volume report zero.
func (v Volume) DistanceToBorderUm(p Position, r Resolution) float64 {
	scale := [3]float64{r.PixelSizeX, r.PixelSizeY, r.PixelSizeZ}
	c := p.Coordinates()
	best := math.Inf(1)
	for i := range c {
		best = math.Min(best, (c[i]-v.Min[i])*scale[i])
		best = math.Min(best, (v.Max[i]-c[i])*scale[i])
	}
	return math.Max(best, 0)
}
