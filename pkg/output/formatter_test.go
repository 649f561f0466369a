package output

import (
	"bytes"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ritzau/nucleus-tracker/pkg/experiment"
	"github.com/ritzau/nucleus-tracker/pkg/integrity"
	"github.com/ritzau/nucleus-tracker/pkg/metadata"
	"github.com/ritzau/nucleus-tracker/pkg/model"
	"github.com/ritzau/nucleus-tracker/pkg/pipeline"
)

func init() {
	color.NoColor = true
}

func result(t *testing.T, lowConfidence int) *pipeline.Result {
	t.Helper()
	e, err := experiment.New("embryo", model.Resolution{PixelSizeX: 1, PixelSizeY: 1, PixelSizeZ: 1, TimePointMinutes: 12})
	require.NoError(t, err)
	for i := range 12 {
		a := model.NewPosition(float64(10*i), 0, 0, 0)
		b := model.NewPosition(float64(10*i), 1, 0, 1)
		require.NoError(t, e.Positions.Add(a, nil))
		require.NoError(t, e.Positions.Add(b, nil))
		require.NoError(t, e.Link(a, b))
		if i < lowConfidence {
			require.NoError(t, e.Tracks.SetLinkMetadata(a, b, metadata.KeyLowConfidence, metadata.Bool(true)))
			require.NoError(t, e.Tracks.SetLinkMetadata(a, b, metadata.KeyErrorRate, metadata.Float(0.25)))
		}
	}
	return &pipeline.Result{Experiment: e, Summary: e.Summarize(), Bridged: 1}
}

func TestTrackingReport(t *testing.T) {
	var buf bytes.Buffer
	PrintTrackingReport(&buf, result(t, 0))
	out := buf.String()

	assert.Contains(t, out, "Tracking report: embryo")
	assert.Contains(t, out, "Links: 12\n")
	assert.Contains(t, out, "Tracks: 12\n")
	assert.Contains(t, out, "Post-processing: 0 filtered, 1 bridged, 0 removed")
	assert.Contains(t, out, "✓ All links are confident")
	assert.Contains(t, out, "Summary: 12 tracks, 12 links, 0 low confidence")
}

func TestTrackingReportListsLowConfidence(t *testing.T) {
	var buf bytes.Buffer
	PrintTrackingReport(&buf, result(t, 12))
	out := buf.String()

	assert.Contains(t, out, "LOW CONFIDENCE LINKS: 12")
	assert.Equal(t, MaxListed, strings.Count(out, "Error rate: 0.250"))
	assert.Contains(t, out, "... and 2 more")
	assert.NotContains(t, out, "All links are confident")
}

func TestCheckReport(t *testing.T) {
	var buf bytes.Buffer
	assert.True(t, PrintCheckReport(&buf, "clean", integrity.Report{Positions: 3, Links: 2, Tracks: 1}))
	assert.Contains(t, buf.String(), "✓ All track invariants hold")

	buf.Reset()
	report := integrity.Report{Violations: []integrity.Violation{
		{Check: integrity.CheckNoSkip, Detail: "link skips time point 3"},
	}}
	assert.False(t, PrintCheckReport(&buf, "broken", report))
	assert.Contains(t, buf.String(), "VIOLATIONS: 1")
	assert.Contains(t, buf.String(), "[no_skip] link skips time point 3")
}
