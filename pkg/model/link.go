package model

import "fmt"

// Link joins a position to the same cell one time point later.
type Link struct {
	Source Position `json:"source"`
	Target Position `json:"target"`
}

// NewLink orders the two positions by time and validates that they are in
// consecutive time points.
func NewLink(a, b Position) (Link, error) {
	if a.T > b.T {
		a, b = b, a
	}
	switch {
	case a.T == b.T:
		return Link{}, fmt.Errorf("%w: %s and %s", ErrSameTimePoint, a, b)
	case b.T-a.T != 1:
		return Link{}, fmt.Errorf("%w: %s and %s", ErrSkipsTimePoint, a, b)
	}
	return Link{Source: a, Target: b}, nil
}

// Validate checks the no-skip invariant.
func (l Link) Validate() error {
	_, err := NewLink(l.Source, l.Target)
	return err
}

func (l Link) String() string {
	return fmt.Sprintf("%s -> %s", l.Source, l.Target)
}

// CompareLinks orders links by source, then target.
func CompareLinks(a, b Link) int {
	if c := ComparePositions(a.Source, b.Source); c != 0 {
		return c
	}
	return ComparePositions(a.Target, b.Target)
}
