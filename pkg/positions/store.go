// Package positions indexes nucleus positions by time point.
package positions

import (
	"fmt"
	"slices"

	"github.com/ritzau/nucleus-tracker/pkg/metadata"
	"github.com/ritzau/nucleus-tracker/pkg/model"
)

// Listener is notified after every committed change to the store. Listeners
// keep derived structures (links, connections) consistent with the positions.
type Listener interface {
	PositionAdded(p model.Position)
	PositionMoved(old, new model.Position)
	PositionRemoved(p model.Position)
}

type timePoint struct {
	list  []model.Position
	index map[model.Position]int
}

// Store holds all positions of one experiment. It is not safe for concurrent
// mutation; callers serialize edits.
type Store struct {
	byTime    map[int]*timePoint
	data      map[model.Position]metadata.Document
	listeners []Listener
	count     int
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		byTime: make(map[int]*timePoint),
		data:   make(map[model.Position]metadata.Document),
	}
}

// Subscribe registers a listener. Listeners are called in registration order.
func (s *Store) Subscribe(l Listener) {
	s.listeners = append(s.listeners, l)
}

// Add inserts p. Adding an existing position merges doc into its metadata and
// does not notify listeners again.
func (s *Store) Add(p model.Position, doc metadata.Document) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if s.Contains(p) {
		if len(doc) > 0 {
			s.ensureData(p).Merge(doc, true)
		}
		return nil
	}

	tp := s.byTime[p.T]
	if tp == nil {
		tp = &timePoint{index: make(map[model.Position]int)}
		s.byTime[p.T] = tp
	}
	tp.index[p] = len(tp.list)
	tp.list = append(tp.list, p)
	s.count++
	if len(doc) > 0 {
		s.data[p] = doc.Clone()
	}

	for _, l := range s.listeners {
		l.PositionAdded(p)
	}
	return nil
}

// Move changes the coordinates of a position within its time point. Metadata,
// links and connections stay attached to the moved position.
func (s *Store) Move(old, new model.Position) error {
	if err := new.Validate(); err != nil {
		return err
	}
	if !s.Contains(old) {
		return fmt.Errorf("%w: %s", model.ErrUnknownPosition, old)
	}
	if old.T != new.T {
		return fmt.Errorf("%w: cannot move %s to %s", model.ErrDifferentTimePoints, old, new)
	}
	if old == new {
		return nil
	}
	if s.Contains(new) {
		return fmt.Errorf("%w: %s", model.ErrDuplicatePosition, new)
	}

	tp := s.byTime[old.T]
	i := tp.index[old]
	tp.list[i] = new
	delete(tp.index, old)
	tp.index[new] = i
	if doc, ok := s.data[old]; ok {
		delete(s.data, old)
		s.data[new] = doc
	}

	for _, l := range s.listeners {
		l.PositionMoved(old, new)
	}
	return nil
}

// Remove deletes p and its metadata. Listeners drop every link and connection
// touching p.
func (s *Store) Remove(p model.Position) error {
	tp := s.byTime[p.T]
	if tp == nil {
		return fmt.Errorf("%w: %s", model.ErrUnknownPosition, p)
	}
	i, ok := tp.index[p]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrUnknownPosition, p)
	}

	last := len(tp.list) - 1
	if i != last {
		tp.list[i] = tp.list[last]
		tp.index[tp.list[i]] = i
	}
	tp.list = tp.list[:last]
	delete(tp.index, p)
	if len(tp.list) == 0 {
		delete(s.byTime, p.T)
	}
	delete(s.data, p)
	s.count--

	for _, l := range s.listeners {
		l.PositionRemoved(p)
	}
	return nil
}

// Contains reports whether p is stored.
func (s *Store) Contains(p model.Position) bool {
	tp := s.byTime[p.T]
	if tp == nil {
		return false
	}
	_, ok := tp.index[p]
	return ok
}

// Len returns the number of positions.
func (s *Store) Len() int {
	return s.count
}

// OfTimePoint returns the positions at t in insertion order, with removals
// filled by swapping. The slice is a copy.
func (s *Store) OfTimePoint(t int) []model.Position {
	tp := s.byTime[t]
	if tp == nil {
		return nil
	}
	return slices.Clone(tp.list)
}

// CountAt returns the number of positions at t.
func (s *Store) CountAt(t int) int {
	if tp := s.byTime[t]; tp != nil {
		return len(tp.list)
	}
	return 0
}

// TimePoints returns every time point holding positions, ascending.
func (s *Store) TimePoints() []int {
	out := make([]int, 0, len(s.byTime))
	for t := range s.byTime {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// FirstTimePoint returns the lowest time point, or false when empty.
func (s *Store) FirstTimePoint() (int, bool) {
	tps := s.TimePoints()
	if len(tps) == 0 {
		return 0, false
	}
	return tps[0], true
}

// LastTimePoint returns the highest time point, or false when empty.
func (s *Store) LastTimePoint() (int, bool) {
	tps := s.TimePoints()
	if len(tps) == 0 {
		return 0, false
	}
	return tps[len(tps)-1], true
}

// All returns every position ordered by time, then x, y and z.
func (s *Store) All() []model.Position {
	out := make([]model.Position, 0, s.count)
	for _, tp := range s.byTime {
		out = append(out, tp.list...)
	}
	slices.SortFunc(out, model.ComparePositions)
	return out
}

// Metadata returns the metadata of p. The returned document must not be
// modified; use SetMetadata.
func (s *Store) Metadata(p model.Position) metadata.Document {
	return s.data[p]
}

// SetMetadata stores a single value for p.
func (s *Store) SetMetadata(p model.Position, key string, v metadata.Value) error {
	if !s.Contains(p) {
		return fmt.Errorf("%w: %s", model.ErrUnknownPosition, p)
	}
	s.ensureData(p)[key] = v
	return nil
}

// DeleteMetadata removes a key from the metadata of p.
func (s *Store) DeleteMetadata(p model.Position, key string) {
	if doc, ok := s.data[p]; ok {
		delete(doc, key)
		if len(doc) == 0 {
			delete(s.data, p)
		}
	}
}

func (s *Store) ensureData(p model.Position) metadata.Document {
	doc := s.data[p]
	if doc == nil {
		doc = make(metadata.Document)
		s.data[p] = doc
	}
	return doc
}
