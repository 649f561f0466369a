// Package output prints console reports of tracking runs and checks.
package output

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"

	"github.com/ritzau/nucleus-tracker/pkg/integrity"
	"github.com/ritzau/nucleus-tracker/pkg/metadata"
	"github.com/ritzau/nucleus-tracker/pkg/pipeline"
)

// MaxListed bounds the low confidence links listed per experiment.
const MaxListed = 10

// PrintTrackingReport prints a nicely formatted summary of a tracking run
// with colors.
func PrintTrackingReport(w io.Writer, res *pipeline.Result) {
	// Color definitions
	bold := color.New(color.Bold)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	cyan := color.New(color.FgCyan)

	s := res.Summary

	// Header
	bold.Fprintf(w, "Tracking report: %s\n", s.Name)
	bold.Fprintln(w, "================================")
	fmt.Fprintf(w, "Experiment: %s\n", s.ID)
	fmt.Fprintf(w, "Time points: %d\n", s.TimePoints)
	fmt.Fprintf(w, "Positions: %d", s.Positions)
	if s.Synthesized > 0 {
		cyan.Fprintf(w, " (%d synthesized)", s.Synthesized)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Links: %d\n", s.Links)
	fmt.Fprintf(w, "Tracks: %d\n", s.Tracks)
	fmt.Fprintf(w, "Divisions: %d\n", s.Divisions)
	fmt.Fprintf(w, "Appearances: %d, ends: %d\n", s.Appearances, s.Ends)
	if s.PositionsWithoutLinks > 0 {
		yellow.Fprintf(w, "Positions without links: %d\n", s.PositionsWithoutLinks)
	}
	if res.Filtered > 0 || res.Bridged > 0 || res.Removed > 0 {
		cyan.Fprintf(w, "Post-processing: %d filtered, %d bridged, %d removed\n", res.Filtered, res.Bridged, res.Removed)
	}
	fmt.Fprintln(w)

	// Low confidence links
	low := res.Experiment.LowConfidenceLinks()
	if len(low) == 0 {
		green.Fprintln(w, "✓ All links are confident")
	} else {
		yellow.Fprintf(w, "LOW CONFIDENCE LINKS: %d\n", len(low))
		for i, l := range low {
			if i == MaxListed {
				fmt.Fprintf(w, "  ... and %d more\n", len(low)-MaxListed)
				break
			}
			doc := res.Experiment.Tracks.LinkMetadata(l.Source, l.Target)
			yellow.Fprintf(w, "  %s\n", l)
			if rate, ok := doc.Float(metadata.KeyErrorRate); ok {
				cyan.Fprintf(w, "    Error rate: %.3f\n", rate)
			}
		}
	}
	fmt.Fprintln(w)

	summaryColor := green
	if s.LowConfidenceLinks > 0 {
		summaryColor = yellow
	}
	summaryColor.Fprintf(w, "Summary: %d tracks, %d links, %d low confidence (%s)\n",
		s.Tracks, s.Links, s.LowConfidenceLinks, res.Duration.Round(time.Millisecond))
}

// PrintCheckReport prints the result of an integrity check. It returns
// whether the check passed.
func PrintCheckReport(w io.Writer, name string, r integrity.Report) bool {
	bold := color.New(color.Bold)
	red := color.New(color.FgRed)
	green := color.New(color.FgGreen)

	bold.Fprintf(w, "Integrity check: %s\n", name)
	fmt.Fprintf(w, "Checked %d positions, %d links, %d tracks\n", r.Positions, r.Links, r.Tracks)
	if r.OK() {
		green.Fprintln(w, "✓ All track invariants hold")
		return true
	}
	red.Fprintf(w, "VIOLATIONS: %d\n", len(r.Violations))
	for _, v := range r.Violations {
		red.Fprintf(w, "  [%s] ", v.Check)
		fmt.Fprintln(w, v.Detail)
	}
	return false
}
