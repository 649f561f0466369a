package pubsub

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"sync"

	"github.com/ritzau/nucleus-tracker/pkg/logging"
)

// ErrClosed is returned by a publisher after Close.
var ErrClosed = errors.New("publisher is closed")

// subscriberBuffer is the channel capacity of a subscription.
const subscriberBuffer = 100

// replayMode decides what a new subscriber receives first.
type replayMode int

const (
	// replayLatest replays the last event of each experiment.
	replayLatest replayMode = iota
	// replayHistory replays the most recent events, oldest first.
	replayHistory
)

// topic holds the subscribers and replay state of one topic.
type topic struct {
	name    string
	mode    replayMode
	limit   int // history length for replayHistory
	version int
	history []Event
	latest  map[string]Event // experiment -> last event
	subs    map[*sseSubscription]bool
}

func (t *topic) remember(ev Event) {
	switch t.mode {
	case replayLatest:
		t.latest[ev.Experiment] = ev
	case replayHistory:
		if t.limit <= 0 {
			return
		}
		t.history = append(t.history, ev)
		if len(t.history) > t.limit {
			t.history = slices.Delete(t.history, 0, len(t.history)-t.limit)
		}
	}
}

func (t *topic) replay(experiment string) []Event {
	var out []Event
	switch t.mode {
	case replayLatest:
		for ev := range maps.Values(t.latest) {
			if matches(experiment, ev) {
				out = append(out, ev)
			}
		}
		slices.SortFunc(out, func(a, b Event) int { return cmp.Compare(a.Version, b.Version) })
	case replayHistory:
		for _, ev := range t.history {
			if matches(experiment, ev) {
				out = append(out, ev)
			}
		}
	}
	return out
}

func matches(experiment string, ev Event) bool {
	return experiment == "" || experiment == ev.Experiment
}

// SSEPublisher implements Publisher using Server-Sent Events. A new
// subscriber to pipeline_status gets the current state of each experiment;
// a new subscriber to edits gets the recent history.
type SSEPublisher struct {
	mu     sync.RWMutex
	topics map[string]*topic
	closed bool
}

// NewSSEPublisher creates a publisher that keeps the last editHistory edits
// for replay.
func NewSSEPublisher(editHistory int) *SSEPublisher {
	return &SSEPublisher{
		topics: map[string]*topic{
			TopicPipelineStatus: {
				name:   TopicPipelineStatus,
				mode:   replayLatest,
				latest: make(map[string]Event),
				subs:   make(map[*sseSubscription]bool),
			},
			TopicEdits: {
				name:  TopicEdits,
				mode:  replayHistory,
				limit: editHistory,
				subs:  make(map[*sseSubscription]bool),
			},
		},
	}
}

// Subscribe creates a new subscription to a topic, optionally narrowed to
// one experiment.
func (p *SSEPublisher) Subscribe(ctx context.Context, name, experiment string) (Subscription, error) {
	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	t, ok := p.topics[name]
	if !ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w %q", ErrUnknownTopic, name)
	}

	sub := &sseSubscription{
		topic:      name,
		experiment: experiment,
		events:     make(chan Event, subscriberBuffer),
		publisher:  p,
	}
	t.subs[sub] = true

	// Replay under the lock so a concurrent publish cannot overtake it.
	replayed := t.replay(experiment)
	for _, event := range replayed {
		select {
		case sub.events <- event:
		default:
			logging.Warn("could not replay event to new subscriber", "topic", name)
		}
	}
	p.mu.Unlock()

	if len(replayed) > 0 {
		logging.Debug("replayed events to new subscriber", "topic", name, "experiment", experiment, "count", len(replayed))
	}

	// Handle context cancellation
	go func() {
		<-ctx.Done()
		sub.Close()
	}()

	return sub, nil
}

// PublishStatus sends a pipeline progress event typed by its state.
func (p *SSEPublisher) PublishStatus(status PipelineStatus) error {
	return p.publish(TopicPipelineStatus, status.State, status.Experiment, status)
}

// PublishEdit sends a committed edit typed by its kind.
func (p *SSEPublisher) PublishEdit(edit EditEvent) error {
	return p.publish(TopicEdits, edit.Kind, edit.Experiment, edit)
}

func (p *SSEPublisher) publish(name, eventType, experiment string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	t := p.topics[name]
	t.version++
	event := Event{
		Topic:      name,
		Type:       eventType,
		Experiment: experiment,
		Data:       jsonData,
		Version:    t.version,
	}
	t.remember(event)

	// Send to matching subscribers (non-blocking)
	for sub := range t.subs {
		if !matches(sub.experiment, event) {
			continue
		}
		select {
		case sub.events <- event:
		default:
			logging.Warn("subscription channel full, dropping event", "topic", name, "type", eventType)
		}
	}

	return nil
}

// Close shuts down the publisher and all subscriptions
func (p *SSEPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}

	p.closed = true
	for _, t := range p.topics {
		for sub := range t.subs {
			close(sub.events)
		}
		clear(t.subs)
	}

	return nil
}

// unsubscribe removes a subscription (called by subscription.Close())
func (p *SSEPublisher) unsubscribe(sub *sseSubscription) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t := p.topics[sub.topic]; t != nil {
		delete(t.subs, sub)
	}
}

// sseSubscription implements Subscription
type sseSubscription struct {
	topic      string
	experiment string
	events     chan Event
	publisher  *SSEPublisher
	closed     bool
	mu         sync.Mutex
}

// Topic returns the subscription topic
func (s *sseSubscription) Topic() string {
	return s.topic
}

// Events returns a channel for receiving events
func (s *sseSubscription) Events() <-chan Event {
	return s.events
}

// Close closes the subscription
func (s *sseSubscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	s.publisher.unsubscribe(s)

	return nil
}

// WriteSSE writes an event to an SSE response writer. The version doubles
// as the event id so a client can tell replayed events from live ones.
// Format: "id: {version}\ndata: {json}\n\n"
func WriteSSE(w io.Writer, event Event) error {
	jsonData, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	_, err = fmt.Fprintf(w, "id: %d\ndata: %s\n\n", event.Version, jsonData)
	return err
}
