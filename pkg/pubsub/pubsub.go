// Package pubsub fans tracker events out to subscribers: pipeline progress
// and committed edits, each scoped to an experiment, with replay for late
// subscribers.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ritzau/nucleus-tracker/pkg/model"
)

// Topics.
const (
	// TopicPipelineStatus carries PipelineStatus events, one per stage.
	TopicPipelineStatus = "pipeline_status"

	// TopicEdits carries EditEvent events, one per committed edit.
	TopicEdits = "edits"
)

// ErrUnknownTopic is returned when subscribing to a topic the tracker does
// not publish.
var ErrUnknownTopic = fmt.Errorf("%w: topic", model.ErrNotFound)

// Event represents a pub/sub event
type Event struct {
	Topic      string          `json:"topic"`      // TopicPipelineStatus or TopicEdits
	Type       string          `json:"type"`       // Stage name or edit kind
	Experiment string          `json:"experiment"` // Experiment the event belongs to
	Data       json.RawMessage `json:"data"`       // PipelineStatus or EditEvent
	Version    int             `json:"version"`    // Per-topic sequence number
}

// Subscription represents a client subscription to a topic
type Subscription interface {
	// Topic returns the subscription topic
	Topic() string

	// Events returns a channel for receiving events
	Events() <-chan Event

	// Close closes the subscription
	Close() error
}

// Publisher manages subscriptions and publishes the tracker's events.
type Publisher interface {
	// Subscribe creates a new subscription to a topic. An empty experiment
	// receives the events of every experiment.
	// Context cancellation will close the subscription
	Subscribe(ctx context.Context, topic, experiment string) (Subscription, error)

	// PublishStatus sends a pipeline progress event.
	PublishStatus(status PipelineStatus) error

	// PublishEdit sends a committed edit.
	PublishEdit(edit EditEvent) error

	// Close shuts down the publisher and all subscriptions
	Close() error
}

// PipelineStatus reports the progress of a tracking run.
type PipelineStatus struct {
	Experiment string `json:"experiment"`
	State      string `json:"state"`   // queued, candidates, solving, marginalizing, postprocessing, checking, ready, error
	Message    string `json:"message"` // Human-readable status message
	Step       int    `json:"step"`    // Current step number (1-based)
	Total      int    `json:"total"`   // Total number of steps
}

// EditEvent reports an edit committed to an experiment. Positions are the
// ones the edit touched: both ends of a link, or the old and new place of a
// moved nucleus.
type EditEvent struct {
	Experiment string           `json:"experiment"`
	Kind       string           `json:"kind"`
	Positions  []model.Position `json:"positions"`
	Time       time.Time        `json:"time"`
}
