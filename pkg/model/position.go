package model

import (
	"cmp"
	"fmt"
	"math"
)

// Position is a detected nucleus at one time point. Coordinates are in pixels.
// Positions are values: two positions with equal coordinates and time point are
// the same entity, so a Position can be used as a map key.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	T int     `json:"t"`
}

// NewPosition creates a position at the given time point.
func NewPosition(x, y, z float64, t int) Position {
	return Position{X: x, Y: y, Z: z, T: t}
}

// Validate rejects coordinates that cannot be used as identity or distance input.
func (p Position) Validate() error {
	for _, v := range [...]float64{p.X, p.Y, p.Z} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s", ErrInvalidCoordinate, p)
		}
	}
	return nil
}

// WithTime returns the same coordinates at another time point.
func (p Position) WithTime(t int) Position {
	p.T = t
	return p
}

// DistanceSquaredUm returns the squared physical distance in µm², ignoring time.
func (p Position) DistanceSquaredUm(other Position, r Resolution) float64 {
	dx := (p.X - other.X) * r.PixelSizeX
	dy := (p.Y - other.Y) * r.PixelSizeY
	dz := (p.Z - other.Z) * r.PixelSizeZ
	return dx*dx + dy*dy + dz*dz
}

// DistanceUm returns the physical distance in µm, ignoring time.
func (p Position) DistanceUm(other Position, r Resolution) float64 {
	return math.Sqrt(p.DistanceSquaredUm(other, r))
}

// Um returns the coordinates in µm.
func (p Position) Um(r Resolution) [3]float64 {
	return [3]float64{p.X * r.PixelSizeX, p.Y * r.PixelSizeY, p.Z * r.PixelSizeZ}
}

// Coordinates returns x, y and z as an array.
func (p Position) Coordinates() [3]float64 {
	return [3]float64{p.X, p.Y, p.Z}
}

func (p Position) String() string {
	return fmt.Sprintf("(%g, %g, %g, t=%d)", p.X, p.Y, p.Z, p.T)
}

// ComparePositions orders positions by time point, then x, y and z.
func ComparePositions(a, b Position) int {
	if c := cmp.Compare(a.T, b.T); c != 0 {
		return c
	}
	if c := cmp.Compare(a.X, b.X); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Y, b.Y); c != 0 {
		return c
	}
	return cmp.Compare(a.Z, b.Z)
}

// Interpolate returns the positions strictly between from and to, one per
// skipped time point, placed on the straight line between both.
func Interpolate(from, to Position) []Position {
	if from.T > to.T {
		from, to = to, from
	}
	steps := to.T - from.T
	if steps < 2 {
		return nil
	}
	out := make([]Position, 0, steps-1)
	for i := 1; i < steps; i++ {
		f := float64(i) / float64(steps)
		out = append(out, Position{
			X: from.X + (to.X-from.X)*f,
			Y: from.Y + (to.Y-from.Y)*f,
			Z: from.Z + (to.Z-from.Z)*f,
			T: from.T + i,
		})
	}
	return out
}
