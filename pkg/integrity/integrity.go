// Package integrity verifies the structural invariants of a track graph.
package integrity

import (
	"errors"
	"fmt"
	"strings"

	"gonum.org/v1/gonum/graph/simple"

	"github.com/ritzau/nucleus-tracker/pkg/model"
	"github.com/ritzau/nucleus-tracker/pkg/positions"
	"github.com/ritzau/nucleus-tracker/pkg/tracks"
)

// Check names.
const (
	CheckPartition  = "partition"
	CheckContiguity = "contiguity"
	CheckNoSkip     = "no_skip"
	CheckDegree     = "degree"
	CheckTopology   = "topology"
	CheckAcyclic    = "acyclic"
)

// Options select the degree limits.
type Options struct {
	// MaxFutures is the largest number of links into the next time point.
	// Zero means 2.
	MaxFutures int

	// MaxPasts limits links into the previous time point. Zero means no
	// limit, since merges are allowed in edited data.
	MaxPasts int
}

// Violation is one broken invariant.
type Violation struct {
	Check  string `json:"check"`
	Detail string `json:"detail"`
}

func (v Violation) String() string { return v.Check + ": " + v.Detail }

// Report collects the violations found by Verify.
type Report struct {
	Positions  int         `json:"positions"`
	Tracks     int         `json:"tracks"`
	Links      int         `json:"links"`
	Violations []Violation `json:"violations,omitempty"`
}

// OK reports whether no invariant is broken.
func (r Report) OK() bool { return len(r.Violations) == 0 }

// Err returns nil for a clean report, otherwise an error wrapping
// model.ErrTrackInvariant that lists every violation.
func (r Report) Err() error {
	if r.OK() {
		return nil
	}
	lines := make([]string, len(r.Violations))
	for i, v := range r.Violations {
		lines[i] = v.String()
	}
	return fmt.Errorf("%w: %d violations\n%s", model.ErrTrackInvariant, len(r.Violations), strings.Join(lines, "\n"))
}

func (r *Report) add(check, format string, args ...any) {
	r.Violations = append(r.Violations, Violation{Check: check, Detail: fmt.Sprintf(format, args...)})
}

// Verify checks that the tracks of g partition the positions of ps into
// time-contiguous runs, that every link joins consecutive time points within
// the degree limits, that the track topology matches the links and that the
// track graph has no cycle.
func Verify(ps *positions.Store, g *tracks.Graph, opts Options) Report {
	if opts.MaxFutures <= 0 {
		opts.MaxFutures = 2
	}
	all := g.AllTracks()
	r := Report{Positions: ps.Len(), Tracks: len(all), Links: g.LinkCount()}

	seen := make(map[model.Position]tracks.TrackID, ps.Len())
	for _, t := range all {
		run := t.Positions()
		if len(run) == 0 {
			r.add(CheckPartition, "%s is empty", t)
			continue
		}
		for i, p := range run {
			if other, dup := seen[p]; dup {
				r.add(CheckPartition, "%s is in tracks %d and %d", p, other, t.ID())
			}
			seen[p] = t.ID()
			if !ps.Contains(p) {
				r.add(CheckPartition, "%s of %s is not a stored position", p, t)
			}
			if i > 0 && run[i-1].T+1 != p.T {
				r.add(CheckContiguity, "%s jumps from t=%d to t=%d", t, run[i-1].T, p.T)
			}
		}
	}
	for _, p := range ps.All() {
		if _, ok := seen[p]; !ok {
			r.add(CheckPartition, "%s belongs to no track", p)
		}
	}

	for _, l := range g.AllLinks() {
		if err := l.Validate(); err != nil {
			r.add(CheckNoSkip, "%s: %v", l, err)
		}
	}
	for _, p := range ps.All() {
		if n := len(g.LinksFrom(p)); n > opts.MaxFutures {
			r.add(CheckDegree, "%s has %d futures", p, n)
		}
		if n := len(g.LinksTo(p)); opts.MaxPasts > 0 && n > opts.MaxPasts {
			r.add(CheckDegree, "%s has %d pasts", p, n)
		}
	}

	verifyTopology(&r, g, all)
	return r
}

// verifyTopology compares the track links with the point links and looks
// for cycles among tracks.
func verifyTopology(r *Report, g *tracks.Graph, all []tracks.Track) {
	dg := simple.NewDirectedGraph()
	for _, t := range all {
		if dg.Node(int64(t.ID())) == nil {
			dg.AddNode(simple.Node(t.ID()))
		}
	}
	for _, t := range all {
		next := t.Next()
		futures := g.LinksFrom(t.Last())
		if len(next) != len(futures) {
			r.add(CheckTopology, "%s has %d next tracks but its last position has %d futures", t, len(next), len(futures))
		}
		for _, n := range next {
			if !g.HasLink(t.Last(), n.First()) {
				r.add(CheckTopology, "%s is followed by %s without a link", t, n)
			}
			if n.ID() == t.ID() {
				r.add(CheckAcyclic, "%s follows itself", t)
				continue
			}
			dg.SetEdge(dg.NewEdge(simple.Node(t.ID()), simple.Node(n.ID())))
		}
		if len(next) == 1 && len(next[0].Previous()) == 1 {
			r.add(CheckTopology, "%s and %s should be one track", t, next[0])
		}
	}
	for _, scc := range Cycles(dg) {
		ids := make([]string, len(scc))
		for i, id := range scc {
			ids[i] = fmt.Sprint(id)
		}
		r.add(CheckAcyclic, "tracks %s form a cycle", strings.Join(ids, ", "))
	}
}

// Verified runs Verify and returns its error, if any.
func Verified(ps *positions.Store, g *tracks.Graph, opts Options) error {
	return Verify(ps, g, opts).Err()
}

// IsViolation reports whether err came from a failed verification.
func IsViolation(err error) bool {
	return errors.Is(err, model.ErrTrackInvariant)
}
