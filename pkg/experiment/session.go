package experiment

import (
	"sync"
	"time"

	"github.com/ritzau/nucleus-tracker/pkg/metadata"
	"github.com/ritzau/nucleus-tracker/pkg/model"
)

// EditKind names a committed edit.
type EditKind string

const (
	EditAddLink        EditKind = "add_link"
	EditRemoveLink     EditKind = "remove_link"
	EditAddPosition    EditKind = "add_position"
	EditMovePosition   EditKind = "move_position"
	EditRemovePosition EditKind = "remove_position"
	EditReplaceLinks   EditKind = "replace_links"
)

// Edit describes a committed change to an experiment.
type Edit struct {
	Experiment string           `json:"experiment"`
	Kind       EditKind         `json:"kind"`
	Positions  []model.Position `json:"positions,omitempty"`
	Time       time.Time        `json:"time"`
}

// Session serializes access to an experiment. Each edit runs under the write
// lock as one critical section; queries run under the read lock and never see
// a graph mid-edit.
type Session struct {
	mu     sync.RWMutex
	exp    *Experiment
	onEdit func(Edit)
}

// NewSession wraps e. onEdit, if set, is called after every committed edit,
// outside the lock.
func NewSession(e *Experiment, onEdit func(Edit)) *Session {
	return &Session{exp: e, onEdit: onEdit}
}

// ID returns the experiment ID.
func (s *Session) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.exp.ID.String()
}

// Read runs fn under the read lock. fn must not keep references to the
// experiment after it returns.
func (s *Session) Read(fn func(*Experiment) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.exp)
}

// Write runs fn under the write lock.
func (s *Session) Write(fn func(*Experiment) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.exp)
}

// Swap replaces the experiment, as when a pipeline run finishes.
func (s *Session) Swap(e *Experiment) {
	s.mu.Lock()
	s.exp = e
	s.mu.Unlock()
	s.publish(EditReplaceLinks)
}

func (s *Session) edit(kind EditKind, fn func(*Experiment) error, ps ...model.Position) error {
	if err := s.Write(fn); err != nil {
		return err
	}
	s.publish(kind, ps...)
	return nil
}

func (s *Session) publish(kind EditKind, ps ...model.Position) {
	if s.onEdit == nil {
		return
	}
	s.onEdit(Edit{Experiment: s.ID(), Kind: kind, Positions: ps, Time: time.Now()})
}

// AddLink links a and b, see Experiment.Link.
func (s *Session) AddLink(a, b model.Position) error {
	return s.edit(EditAddLink, func(e *Experiment) error { return e.Link(a, b) }, a, b)
}

// RemoveLink removes the link or connection between a and b.
func (s *Session) RemoveLink(a, b model.Position) error {
	return s.edit(EditRemoveLink, func(e *Experiment) error { return e.Unlink(a, b) }, a, b)
}

// AddPosition adds p with its metadata.
func (s *Session) AddPosition(p model.Position, doc metadata.Document) error {
	return s.edit(EditAddPosition, func(e *Experiment) error { return e.Positions.Add(p, doc) }, p)
}

// MovePosition moves a position within its time point.
func (s *Session) MovePosition(old, new model.Position) error {
	return s.edit(EditMovePosition, func(e *Experiment) error { return e.Positions.Move(old, new) }, old, new)
}

// RemovePosition removes p with its links and connections.
func (s *Session) RemovePosition(p model.Position) error {
	return s.edit(EditRemovePosition, func(e *Experiment) error { return e.Positions.Remove(p) }, p)
}
