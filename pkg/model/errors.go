package model

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by the tracking packages wraps exactly one of
// these, so callers can pick a message or status code with errors.Is.
var (
	// ErrConstraint marks a rejected mutation that would break the link or track
	// structure.
	ErrConstraint = errors.New("constraint violation")

	// ErrInputQuality marks input that would silently corrupt the cost model.
	ErrInputQuality = errors.New("invalid input")

	// ErrSolverInvariant marks an internal bug in the flow model. It is fatal.
	ErrSolverInvariant = errors.New("solver invariant violated")

	// ErrNotFound marks lookups of unknown experiments, tracks or links.
	ErrNotFound = errors.New("not found")
)

// Structural violations.
var (
	ErrSameTimePoint       = &KindError{Kind: ErrConstraint, Msg: "positions are in the same time point"}
	ErrSkipsTimePoint      = &KindError{Kind: ErrConstraint, Msg: "link skips a time point"}
	ErrUnknownPosition     = &KindError{Kind: ErrConstraint, Msg: "unknown position"}
	ErrDuplicatePosition   = &KindError{Kind: ErrConstraint, Msg: "position already exists"}
	ErrDifferentTimePoints = &KindError{Kind: ErrConstraint, Msg: "connection between different time points"}
	ErrTrackInvariant      = &KindError{Kind: ErrConstraint, Msg: "track invariant broken"}
)

// Input quality issues.
var (
	ErrMissingResolution   = &KindError{Kind: ErrInputQuality, Msg: "missing or invalid resolution"}
	ErrInvalidPenalty      = &KindError{Kind: ErrInputQuality, Msg: "invalid penalty"}
	ErrInvalidCoordinate   = &KindError{Kind: ErrInputQuality, Msg: "invalid coordinate"}
	ErrInvalidParameter    = &KindError{Kind: ErrInputQuality, Msg: "invalid parameter"}
	ErrDegenerateCandidate = &KindError{Kind: ErrInputQuality, Msg: "degenerate candidate link"}
)

// KindError is a specific error belonging to one of the error kinds.
type KindError struct {
	Kind error
	Msg  string
}

func (e *KindError) Error() string { return e.Msg }

// Unwrap exposes the kind, so errors.Is(err, ErrConstraint) holds for every
// structural violation.
func (e *KindError) Unwrap() error { return e.Kind }

// Kind classifies an error for presentation.
type Kind int

const (
	KindUnknown Kind = iota
	KindConstraint
	KindInputQuality
	KindSolverInvariant
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindConstraint:
		return "constraint"
	case KindInputQuality:
		return "input_quality"
	case KindSolverInvariant:
		return "solver_invariant"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// KindOf returns the kind of err, or KindUnknown.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrConstraint):
		return KindConstraint
	case errors.Is(err, ErrInputQuality):
		return KindInputQuality
	case errors.Is(err, ErrSolverInvariant):
		return KindSolverInvariant
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	default:
		return KindUnknown
	}
}

// InvariantError describes a broken solver invariant.
type InvariantError struct {
	Stage  string
	Detail string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("%s: %s", e.Stage, e.Detail)
}

func (e *InvariantError) Unwrap() error { return ErrSolverInvariant }
