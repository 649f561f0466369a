// Package jsonio reads and writes experiments as JSON documents.
//
// Positions are listed per time point. Links are stored through tracks: each
// track lists its coordinates, the metadata of its inner links and the tracks
// preceding it, so the track topology is restored without replaying every
// link edit.
package jsonio

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"

	"github.com/google/uuid"

	"github.com/ritzau/nucleus-tracker/pkg/experiment"
	"github.com/ritzau/nucleus-tracker/pkg/metadata"
	"github.com/ritzau/nucleus-tracker/pkg/model"
	"github.com/ritzau/nucleus-tracker/pkg/tracks"
)

// Version is the schema version written by Encode.
const Version = "v1"

type coord [3]float64

func coordOf(p model.Position) coord { return coord(p.Coordinates()) }

func (c coord) at(t int) model.Position { return model.NewPosition(c[0], c[1], c[2], t) }

type document struct {
	Version     string            `json:"version"`
	ID          string            `json:"id,omitempty"`
	Name        string            `json:"name"`
	Resolution  *model.Resolution `json:"resolution"`
	Volume      *model.Volume     `json:"volume,omitempty"`
	TimePoints  []timePointEntry  `json:"time_points"`
	Tracks      []trackEntry      `json:"tracks,omitempty"`
	Connections []connectionEntry `json:"connections,omitempty"`
	Candidates  []candidateEntry  `json:"candidates,omitempty"`
}

type timePointEntry struct {
	TimePoint int                 `json:"time_point"`
	Positions []coord             `json:"positions"`
	Metadata  []metadata.Document `json:"metadata,omitempty"`
}

type trackEntry struct {
	ID                   int                 `json:"id"`
	StartTimePoint       int                 `json:"start_time_point"`
	Coordinates          []coord             `json:"coordinates"`
	Previous             []int               `json:"previous,omitempty"`
	PreviousLinkMetadata []metadata.Document `json:"previous_link_metadata,omitempty"`
	LinkMetadata         []metadata.Document `json:"link_metadata,omitempty"`
	LineageMetadata      metadata.Document   `json:"lineage_metadata,omitempty"`
}

type connectionEntry struct {
	TimePoint int   `json:"time_point"`
	A         coord `json:"a"`
	B         coord `json:"b"`
}

type candidateEntry struct {
	TimePoint int               `json:"time_point"`
	Source    coord             `json:"source"`
	Target    coord             `json:"target"`
	Metadata  metadata.Document `json:"metadata"`
}

// Encode writes e to w.
func Encode(w io.Writer, e *experiment.Experiment) error {
	doc := document{
		Version:    Version,
		ID:         e.ID.String(),
		Name:       e.Name,
		Resolution: &e.Resolution,
	}
	if !e.Volume.IsZero() {
		v := e.Volume
		doc.Volume = &v
	}

	for _, t := range e.Positions.TimePoints() {
		entry := timePointEntry{TimePoint: t}
		withData := false
		ps := e.Positions.OfTimePoint(t)
		slices.SortFunc(ps, model.ComparePositions)
		entry.Metadata = make([]metadata.Document, len(ps))
		for i, p := range ps {
			entry.Positions = append(entry.Positions, coordOf(p))
			if md := e.Positions.Metadata(p); len(md) > 0 {
				entry.Metadata[i] = md
				withData = true
			}
		}
		if !withData {
			entry.Metadata = nil
		}
		doc.TimePoints = append(doc.TimePoints, entry)
	}

	all := e.Tracks.AllTracks()
	ids := make(map[tracks.TrackID]int, len(all))
	for i, t := range all {
		ids[t.ID()] = i
	}
	for i, t := range all {
		entry := trackEntry{ID: i, StartTimePoint: t.MinTime()}
		ps := t.Positions()
		for j, p := range ps {
			entry.Coordinates = append(entry.Coordinates, coordOf(p))
			if j > 0 {
				entry.LinkMetadata = append(entry.LinkMetadata, e.Tracks.LinkMetadata(ps[j-1], p))
			}
		}
		if allEmpty(entry.LinkMetadata) {
			entry.LinkMetadata = nil
		}
		for _, prev := range t.Previous() {
			entry.Previous = append(entry.Previous, ids[prev.ID()])
			entry.PreviousLinkMetadata = append(entry.PreviousLinkMetadata, e.Tracks.LinkMetadata(prev.Last(), t.First()))
		}
		if allEmpty(entry.PreviousLinkMetadata) {
			entry.PreviousLinkMetadata = nil
		}
		if len(t.Previous()) == 0 {
			entry.LineageMetadata = e.Tracks.LineageMetadata(t)
		}
		doc.Tracks = append(doc.Tracks, entry)
	}

	for _, pair := range e.Connections.All() {
		doc.Connections = append(doc.Connections, connectionEntry{TimePoint: pair.A.T, A: coordOf(pair.A), B: coordOf(pair.B)})
	}
	candidates := slices.SortedFunc(maps.Keys(e.CandidateData), model.CompareLinks)
	for _, l := range candidates {
		doc.Candidates = append(doc.Candidates, candidateEntry{
			TimePoint: l.Source.T,
			Source:    coordOf(l.Source),
			Target:    coordOf(l.Target),
			Metadata:  e.CandidateData[l],
		})
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

// Decode reads an experiment from r. Documents without tracks load as
// unlinked positions.
func Decode(r io.Reader) (*experiment.Experiment, error) {
	var doc document
	dec := json.NewDecoder(r)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: decoding experiment: %v", model.ErrInputQuality, err)
	}
	if doc.Version != Version {
		return nil, fmt.Errorf("%w: unsupported version %q", model.ErrInputQuality, doc.Version)
	}
	if doc.Resolution == nil {
		return nil, fmt.Errorf("experiment %q: %w", doc.Name, model.ErrMissingResolution)
	}
	id := uuid.New()
	if doc.ID != "" {
		parsed, err := uuid.Parse(doc.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: experiment id %q: %v", model.ErrInputQuality, doc.ID, err)
		}
		id = parsed
	}
	e, err := experiment.NewWithID(id, doc.Name, *doc.Resolution)
	if err != nil {
		return nil, err
	}
	if doc.Volume != nil {
		e.Volume = *doc.Volume
	}

	for _, tp := range doc.TimePoints {
		if tp.Metadata != nil && len(tp.Metadata) != len(tp.Positions) {
			return nil, fmt.Errorf("%w: time point %d has %d positions but %d metadata entries",
				model.ErrInputQuality, tp.TimePoint, len(tp.Positions), len(tp.Metadata))
		}
		for i, c := range tp.Positions {
			var md metadata.Document
			if tp.Metadata != nil {
				md = tp.Metadata[i]
			}
			if err := e.Positions.Add(c.at(tp.TimePoint), md); err != nil {
				return nil, fmt.Errorf("time point %d: %w", tp.TimePoint, err)
			}
		}
	}

	if err := decodeTracks(e, doc.Tracks); err != nil {
		return nil, err
	}

	for _, c := range doc.Connections {
		if err := e.Connections.Add(c.A.at(c.TimePoint), c.B.at(c.TimePoint)); err != nil {
			return nil, err
		}
	}
	for _, c := range doc.Candidates {
		l, err := model.NewLink(c.Source.at(c.TimePoint), c.Target.at(c.TimePoint+1))
		if err != nil {
			return nil, err
		}
		if !e.Positions.Contains(l.Source) || !e.Positions.Contains(l.Target) {
			return nil, fmt.Errorf("candidate %s: %w", l, model.ErrUnknownPosition)
		}
		e.CandidateData[l] = c.Metadata.Clone()
	}
	return e, nil
}

func decodeTracks(e *experiment.Experiment, entries []trackEntry) error {
	byID := make(map[int]trackEntry, len(entries))
	for _, t := range entries {
		if len(t.Coordinates) == 0 {
			return fmt.Errorf("%w: track %d has no positions", model.ErrInputQuality, t.ID)
		}
		if _, dup := byID[t.ID]; dup {
			return fmt.Errorf("%w: duplicate track id %d", model.ErrInputQuality, t.ID)
		}
		byID[t.ID] = t
	}
	first := func(t trackEntry) model.Position { return t.Coordinates[0].at(t.StartTimePoint) }
	last := func(t trackEntry) model.Position {
		return t.Coordinates[len(t.Coordinates)-1].at(t.StartTimePoint + len(t.Coordinates) - 1)
	}

	for _, t := range entries {
		for j, c := range t.Coordinates {
			if err := e.Positions.Add(c.at(t.StartTimePoint+j), nil); err != nil {
				return fmt.Errorf("track %d: %w", t.ID, err)
			}
			if j == 0 {
				continue
			}
			prev := t.Coordinates[j-1].at(t.StartTimePoint + j - 1)
			if err := linkWith(e, prev, c.at(t.StartTimePoint+j), at(t.LinkMetadata, j-1)); err != nil {
				return fmt.Errorf("track %d: %w", t.ID, err)
			}
		}
	}
	for _, t := range entries {
		for i, id := range t.Previous {
			prev, ok := byID[id]
			if !ok {
				return fmt.Errorf("%w: track %d follows unknown track %d", model.ErrInputQuality, t.ID, id)
			}
			if err := linkWith(e, last(prev), first(t), at(t.PreviousLinkMetadata, i)); err != nil {
				return fmt.Errorf("track %d: %w", t.ID, err)
			}
		}
	}
	for _, t := range entries {
		if len(t.LineageMetadata) == 0 {
			continue
		}
		track, ok := e.Tracks.TrackOf(first(t))
		if !ok {
			continue
		}
		for _, key := range t.LineageMetadata.Keys() {
			e.Tracks.SetLineageMetadata(track, key, t.LineageMetadata[key])
		}
	}
	return nil
}

func linkWith(e *experiment.Experiment, a, b model.Position, doc metadata.Document) error {
	if err := e.Tracks.AddLink(a, b); err != nil {
		return err
	}
	for _, key := range doc.Keys() {
		if err := e.Tracks.SetLinkMetadata(a, b, key, doc[key]); err != nil {
			return err
		}
	}
	return nil
}

func at(docs []metadata.Document, i int) metadata.Document {
	if i < len(docs) {
		return docs[i]
	}
	return nil
}

func allEmpty(docs []metadata.Document) bool {
	for _, d := range docs {
		if len(d) > 0 {
			return false
		}
	}
	return true
}

// Save writes e to path through a temporary file, so a crash never leaves a
// truncated document behind.
func Save(path string, e *experiment.Experiment) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := Encode(tmp, e); err != nil {
		tmp.Close()
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Load reads the experiment stored at path.
func Load(path string) (*experiment.Experiment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	e, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	return e, nil
}
