package watcher

import (
	"context"
	"time"

	"github.com/ritzau/nucleus-tracker/pkg/logging"
)

// Debouncer batches rapid file system events to avoid excessive re-tracking.
// Events are released after quietPeriod without new events, or maxWait after
// the first event of a burst, whichever comes first.
type Debouncer struct {
	input       <-chan ChangeEvent
	output      chan ChangeEvent
	quietPeriod time.Duration
	maxWait     time.Duration
}

// NewDebouncer creates a new event debouncer
func NewDebouncer(input <-chan ChangeEvent, quietPeriod, maxWait time.Duration) *Debouncer {
	return &Debouncer{
		input:       input,
		output:      make(chan ChangeEvent, 10),
		quietPeriod: quietPeriod,
		maxWait:     maxWait,
	}
}

// Start begins processing events with debouncing
func (d *Debouncer) Start(ctx context.Context) {
	go d.run(ctx)
}

// run keeps the latest change per path, so a dataset that is removed and
// written again within a burst is reported once as a dataset change.
func (d *Debouncer) run(ctx context.Context) {
	defer close(d.output)

	var (
		quiet, deadline *time.Timer
		latest          = make(map[string]ChangeType)
		order           []string
	)
	timerC := func(t *time.Timer) <-chan time.Time {
		if t == nil {
			return nil
		}
		return t.C
	}

	flush := func() {
		if quiet != nil {
			quiet.Stop()
			quiet = nil
		}
		if deadline != nil {
			deadline.Stop()
			deadline = nil
		}
		if len(order) == 0 {
			return
		}
		logging.Debug("flushing accumulated changes", "paths", len(order))

		// Configuration first: it changes how every dataset is tracked.
		for _, t := range []ChangeType{ChangeTypeConfig, ChangeTypeDataset, ChangeTypeRemoved} {
			var paths []string
			for _, p := range order {
				if latest[p] == t {
					paths = append(paths, p)
				}
			}
			if len(paths) > 0 {
				d.output <- ChangeEvent{Type: t, Paths: paths, Timestamp: time.Now()}
			}
		}
		clear(latest)
		order = nil
	}

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-d.input:
			if !ok {
				flush()
				return
			}
			for _, p := range event.Paths {
				if _, seen := latest[p]; !seen {
					order = append(order, p)
				}
				latest[p] = event.Type
			}

			if quiet == nil {
				quiet = time.NewTimer(d.quietPeriod)
			} else {
				quiet.Reset(d.quietPeriod)
			}
			if deadline == nil {
				deadline = time.NewTimer(d.maxWait)
			}

		case <-timerC(quiet):
			flush()

		case <-timerC(deadline):
			flush()
		}
	}
}

// Output returns the channel of debounced events
func (d *Debouncer) Output() <-chan ChangeEvent {
	return d.output
}
