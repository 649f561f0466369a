// Package storagetest provides a sample experiment and a structural diff for
// persistence round-trip tests.
package storagetest

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"github.com/ritzau/nucleus-tracker/pkg/connections"
	"github.com/ritzau/nucleus-tracker/pkg/experiment"
	"github.com/ritzau/nucleus-tracker/pkg/metadata"
	"github.com/ritzau/nucleus-tracker/pkg/model"
)

// Sample builds an experiment that touches every persisted feature: position
// metadata, a division, a merge, link metadata, lineage metadata,
// connections, candidate data and an imaging volume.
func Sample(t testing.TB) *experiment.Experiment {
	t.Helper()
	e, err := experiment.NewWithID(uuid.MustParse("6f1c1b1e-2d40-4c55-9a57-0c1d7f3b9e21"), "organoid 7",
		model.Resolution{PixelSizeX: 0.32, PixelSizeY: 0.32, PixelSizeZ: 2, TimePointMinutes: 12})
	must(t, err)
	e.Volume = model.Volume{Min: [3]float64{0, 0, 0}, Max: [3]float64{512, 512, 30}}

	p := func(x, y, z float64, tp int) model.Position {
		pos := model.NewPosition(x, y, z, tp)
		must(t, e.Positions.Add(pos, nil))
		return pos
	}
	mother := p(100, 100, 10, 0)
	other := p(300, 120, 12.5, 0)
	d1 := p(95, 104, 10, 1)
	d2 := p(108, 96, 11, 1)
	o1 := p(301, 121, 12.5, 1)
	d1b := p(94, 106, 10, 2)
	merged := p(200, 110, 11, 2)
	o2 := p(302, 123, 13, 2)
	lone := p(450.25, 12.75, 3, 2)

	must(t, e.Positions.SetMetadata(mother, metadata.KeyDivisionPenalty, metadata.Float(-1.25)))
	must(t, e.Positions.SetMetadata(lone, "labels", metadata.List(metadata.String("edge"), metadata.Int(3))))

	for _, l := range [][2]model.Position{{mother, d1}, {mother, d2}, {d1, d1b}, {other, o1}, {o1, o2}, {d2, merged}, {o1, merged}} {
		must(t, e.Tracks.AddLink(l[0], l[1]))
	}
	must(t, e.Tracks.SetLinkMetadata(mother, d2, metadata.KeyLinkPenalty, metadata.Float(-2.5)))
	must(t, e.Tracks.SetLinkMetadata(o1, o2, metadata.KeyLowConfidence, metadata.Bool(true)))
	must(t, e.Tracks.SetLinkMetadata(d1, d1b, metadata.KeyErrorRate, metadata.Float(0.003)))

	root, _ := e.Tracks.TrackOf(mother)
	e.Tracks.SetLineageMetadata(root, metadata.KeyName, metadata.String("A1"))

	must(t, e.Connections.Add(d1, d2))
	must(t, e.Connections.Add(merged, lone))

	e.CandidateData[model.Link{Source: mother, Target: o1}] = metadata.Document{metadata.KeyLinkProbability: metadata.Float(0.02)}
	return e
}

func must(t testing.TB, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

// Snapshot is the observable state of an experiment in plain values.
type Snapshot struct {
	ID          string
	Name        string
	Resolution  model.Resolution
	Volume      model.Volume
	Positions   map[model.Position]metadata.Document
	Links       map[model.Link]metadata.Document
	Tracks      [][]model.Position
	Next        map[model.Position][]model.Position
	Lineages    map[model.Position]metadata.Document
	Connections []connections.Pair
	Candidates  map[model.Link]metadata.Document
}

// Take captures e.
func Take(e *experiment.Experiment) Snapshot {
	s := Snapshot{
		ID:          e.ID.String(),
		Name:        e.Name,
		Resolution:  e.Resolution,
		Volume:      e.Volume,
		Positions:   make(map[model.Position]metadata.Document),
		Links:       make(map[model.Link]metadata.Document),
		Next:        make(map[model.Position][]model.Position),
		Lineages:    make(map[model.Position]metadata.Document),
		Connections: e.Connections.All(),
		Candidates:  e.CandidateData,
	}
	for _, p := range e.Positions.All() {
		s.Positions[p] = e.Positions.Metadata(p)
	}
	for _, l := range e.Tracks.AllLinks() {
		s.Links[l] = e.Tracks.LinkMetadata(l.Source, l.Target)
	}
	for _, t := range e.Tracks.AllTracks() {
		s.Tracks = append(s.Tracks, t.Positions())
		for _, n := range t.Next() {
			s.Next[t.First()] = append(s.Next[t.First()], n.First())
		}
		if len(t.Previous()) == 0 {
			s.Lineages[t.First()] = e.Tracks.LineageMetadata(t)
		}
	}
	return s
}

// Diff returns a readable difference between two experiments, or "" when
// they hold the same data.
func Diff(want, got *experiment.Experiment) string {
	return cmp.Diff(Take(want), Take(got))
}
