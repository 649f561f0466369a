// Package experiment composes the stores of one time-lapse recording.
package experiment

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/ritzau/nucleus-tracker/pkg/connections"
	"github.com/ritzau/nucleus-tracker/pkg/metadata"
	"github.com/ritzau/nucleus-tracker/pkg/model"
	"github.com/ritzau/nucleus-tracker/pkg/positions"
	"github.com/ritzau/nucleus-tracker/pkg/tracks"
)

// Experiment is a single recording: its positions, the links between them
// and the same-time-point connections.
type Experiment struct {
	ID         uuid.UUID
	Name       string
	Resolution model.Resolution
	Volume     model.Volume

	Positions   *positions.Store
	Tracks      *tracks.Graph
	Connections *connections.Graph

	// CandidateData holds metadata of candidate links supplied with the
	// input, such as link_penalty from an external scorer. It is keyed by
	// link and independent of the chosen links.
	CandidateData map[model.Link]metadata.Document
}

// New creates an empty experiment with a fresh ID.
func New(name string, r model.Resolution) (*Experiment, error) {
	return NewWithID(uuid.New(), name, r)
}

// NewWithID creates an empty experiment with a known ID, as when loading a
// stored experiment.
func NewWithID(id uuid.UUID, name string, r model.Resolution) (*Experiment, error) {
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("experiment %q: %w", name, err)
	}
	e := &Experiment{
		ID:          id,
		Name:        name,
		Resolution:  r,
		Positions:   positions.NewStore(),
		Tracks:      tracks.NewGraph(),
		Connections: connections.NewGraph(),

		CandidateData: make(map[model.Link]metadata.Document),
	}
	e.Positions.Subscribe(e.Tracks)
	e.Positions.Subscribe(e.Connections)
	e.Positions.Subscribe(candidateListener{e})
	return e, nil
}

// candidateListener keeps CandidateData attached to moved positions and drops
// it for removed ones.
type candidateListener struct{ e *Experiment }

func (candidateListener) PositionAdded(model.Position) {}

func (c candidateListener) PositionMoved(old, new model.Position) {
	for l, doc := range c.e.CandidateData {
		moved := l
		switch old {
		case l.Source:
			moved.Source = new
		case l.Target:
			moved.Target = new
		default:
			continue
		}
		delete(c.e.CandidateData, l)
		c.e.CandidateData[moved] = doc
	}
}

func (c candidateListener) PositionRemoved(p model.Position) {
	for l := range c.e.CandidateData {
		if l.Source == p || l.Target == p {
			delete(c.e.CandidateData, l)
		}
	}
}

// Link joins a and b. Positions in the same time point become a connection.
// Positions further than one time point apart are joined through synthesized
// positions on the straight line between them, each flagged synthesized=true.
func (e *Experiment) Link(a, b model.Position) error {
	for _, p := range [...]model.Position{a, b} {
		if !e.Positions.Contains(p) {
			return fmt.Errorf("%w: %s", model.ErrUnknownPosition, p)
		}
	}
	if a.T == b.T {
		return e.Connections.Add(a, b)
	}
	if a.T > b.T {
		a, b = b, a
	}

	chain := append([]model.Position{a}, model.Interpolate(a, b)...)
	chain = append(chain, b)
	for _, p := range chain[1 : len(chain)-1] {
		if e.Positions.Contains(p) {
			continue
		}
		if err := e.Positions.Add(p, metadata.Document{metadata.KeySynthesized: metadata.Bool(true)}); err != nil {
			return err
		}
	}
	for i := 1; i < len(chain); i++ {
		if err := e.Tracks.AddLink(chain[i-1], chain[i]); err != nil {
			return err
		}
	}
	return nil
}

// Unlink removes the link or connection between a and b.
func (e *Experiment) Unlink(a, b model.Position) error {
	if a.T == b.T {
		if !e.Connections.Contains(a, b) {
			return fmt.Errorf("connection %s - %s: %w", a, b, model.ErrNotFound)
		}
		e.Connections.Remove(a, b)
		return nil
	}
	if !e.Tracks.HasLink(a, b) {
		return fmt.Errorf("link %s - %s: %w", a, b, model.ErrNotFound)
	}
	return e.Tracks.RemoveLink(a, b)
}

// ReplaceLinks drops every link and adds links instead, recording the
// penalty of each link that has one.
func (e *Experiment) ReplaceLinks(links []model.Link, penalties map[model.Link]float64) error {
	for _, l := range links {
		if err := l.Validate(); err != nil {
			return fmt.Errorf("replacing links: %w", err)
		}
		if !e.Positions.Contains(l.Source) || !e.Positions.Contains(l.Target) {
			return fmt.Errorf("replacing links: %w: %s", model.ErrUnknownPosition, l)
		}
	}
	for _, l := range e.Tracks.AllLinks() {
		if err := e.Tracks.RemoveLink(l.Source, l.Target); err != nil {
			return err
		}
	}
	for _, l := range links {
		if err := e.Tracks.AddLink(l.Source, l.Target); err != nil {
			return err
		}
		if v, ok := penalties[l]; ok {
			if err := e.Tracks.SetLinkMetadata(l.Source, l.Target, metadata.KeyLinkPenalty, metadata.Float(v)); err != nil {
				return err
			}
		}
	}
	return nil
}

// LinkDocuments returns the metadata of every link, keyed by link.
func (e *Experiment) LinkDocuments() map[model.Link]metadata.Document {
	out := make(map[model.Link]metadata.Document)
	for _, l := range e.Tracks.AllLinks() {
		if doc := e.Tracks.LinkMetadata(l.Source, l.Target); len(doc) > 0 {
			out[l] = doc
		}
	}
	return out
}

// LowConfidenceLinks returns the links flagged low_confidence.
func (e *Experiment) LowConfidenceLinks() []model.Link {
	var out []model.Link
	for _, l := range e.Tracks.AllLinks() {
		if low, _ := e.Tracks.LinkMetadata(l.Source, l.Target).Bool(metadata.KeyLowConfidence); low {
			out = append(out, l)
		}
	}
	return out
}

// Lineage is a root track and every track descending from it.
type Lineage struct {
	Root        tracks.Track
	Descendants []tracks.Track
}

// Lineages returns one lineage per track without a parent, ordered by root.
func (e *Experiment) Lineages() []Lineage {
	roots := e.Tracks.TracksWithNoParent()
	out := make([]Lineage, 0, len(roots))
	for _, r := range roots {
		out = append(out, Lineage{Root: r, Descendants: e.Tracks.Descendants(r)})
	}
	return out
}

// Summary counts the events of an experiment.
type Summary struct {
	ID                    string `json:"id"`
	Name                  string `json:"name"`
	TimePoints            int    `json:"time_points"`
	Positions             int    `json:"positions"`
	Links                 int    `json:"links"`
	Connections           int    `json:"connections"`
	Tracks                int    `json:"tracks"`
	Divisions             int    `json:"divisions"`
	Merges                int    `json:"merges"`
	Appearances           int    `json:"appearances"`
	Ends                  int    `json:"ends"`
	LowConfidenceLinks    int    `json:"low_confidence_links"`
	PositionsWithoutLinks int    `json:"positions_without_links"`
	Synthesized           int    `json:"synthesized"`
}

// Summarize counts tracks and events. Appearances are tracks starting after
// the first time point; ends are tracks stopping before the last one without
// dividing.
func (e *Experiment) Summarize() Summary {
	s := Summary{
		ID:          e.ID.String(),
		Name:        e.Name,
		TimePoints:  len(e.Positions.TimePoints()),
		Positions:   e.Positions.Len(),
		Links:       e.Tracks.LinkCount(),
		Connections: e.Connections.Len(),
	}
	first, _ := e.Positions.FirstTimePoint()
	last, _ := e.Positions.LastTimePoint()

	all := e.Tracks.AllTracks()
	s.Tracks = len(all)
	for _, t := range all {
		if t.WillDivide() {
			s.Divisions++
		}
		if t.IsMerge() {
			s.Merges++
		}
		if len(t.Previous()) == 0 && t.MinTime() > first {
			s.Appearances++
		}
		if len(t.Next()) == 0 && t.MaxTime() < last {
			s.Ends++
		}
		if t.Len() == 1 && len(t.Previous()) == 0 && len(t.Next()) == 0 {
			s.PositionsWithoutLinks++
		}
	}
	s.LowConfidenceLinks = len(e.LowConfidenceLinks())
	for _, p := range e.Positions.All() {
		if v, _ := e.Positions.Metadata(p).Bool(metadata.KeySynthesized); v {
			s.Synthesized++
		}
	}
	return s
}

// Clone returns a deep copy of e with the same ID.
func (e *Experiment) Clone() (*Experiment, error) {
	c, err := NewWithID(e.ID, e.Name, e.Resolution)
	if err != nil {
		return nil, fmt.Errorf("cloning: %w", err)
	}
	c.Volume = e.Volume
	for l, doc := range e.CandidateData {
		c.CandidateData[l] = doc.Clone()
	}
	for _, p := range e.Positions.All() {
		if err := c.Positions.Add(p, e.Positions.Metadata(p)); err != nil {
			return nil, fmt.Errorf("cloning %q: %w", e.Name, err)
		}
	}
	for _, l := range e.Tracks.AllLinks() {
		if err := c.Tracks.AddLink(l.Source, l.Target); err != nil {
			return nil, fmt.Errorf("cloning %q: %w", e.Name, err)
		}
		for key, v := range e.Tracks.LinkMetadata(l.Source, l.Target) {
			if err := c.Tracks.SetLinkMetadata(l.Source, l.Target, key, v); err != nil {
				return nil, fmt.Errorf("cloning %q: %w", e.Name, err)
			}
		}
	}
	for _, t := range e.Tracks.TracksWithNoParent() {
		doc := e.Tracks.LineageMetadata(t)
		ct, ok := c.Tracks.TrackOf(t.First())
		if !ok {
			return nil, fmt.Errorf("cloning %q: lineage of %s: %w", e.Name, t.First(), model.ErrTrackInvariant)
		}
		for _, key := range doc.Keys() {
			c.Tracks.SetLineageMetadata(ct, key, doc[key])
		}
	}
	for _, pair := range e.Connections.All() {
		if err := c.Connections.Add(pair.A, pair.B); err != nil {
			return nil, fmt.Errorf("cloning %q: %w", e.Name, err)
		}
	}
	return c, nil
}
