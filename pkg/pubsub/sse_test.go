package pubsub

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ritzau/nucleus-tracker/pkg/model"
)

func receive(t *testing.T, sub Subscription) Event {
	t.Helper()
	select {
	case ev := <-sub.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
		return Event{}
	}
}

func expectNone(t *testing.T, sub Subscription) {
	t.Helper()
	select {
	case ev := <-sub.Events():
		t.Errorf("unexpected event version %d", ev.Version)
	case <-time.After(50 * time.Millisecond):
	}
}

func status(experiment, state string, step int) PipelineStatus {
	return PipelineStatus{Experiment: experiment, State: state, Step: step, Total: 6}
}

func edit(experiment, kind string) EditEvent {
	return EditEvent{
		Experiment: experiment,
		Kind:       kind,
		Positions:  []model.Position{model.NewPosition(1, 2, 3, 0)},
		Time:       time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestEditHistoryIsBounded(t *testing.T) {
	pub := NewSSEPublisher(3)
	defer pub.Close()

	for range 5 {
		require.NoError(t, pub.PublishEdit(edit("e1", "add_link")))
	}

	sub, err := pub.Subscribe(context.Background(), TopicEdits, "")
	require.NoError(t, err)
	defer sub.Close()

	for want := 3; want <= 5; want++ {
		assert.Equal(t, want, receive(t, sub).Version)
	}
	expectNone(t, sub)
}

func TestEditPayload(t *testing.T) {
	pub := NewSSEPublisher(10)
	defer pub.Close()
	want := edit("e1", "move_position")
	require.NoError(t, pub.PublishEdit(want))

	sub, err := pub.Subscribe(context.Background(), TopicEdits, "e1")
	require.NoError(t, err)
	defer sub.Close()

	ev := receive(t, sub)
	assert.Equal(t, TopicEdits, ev.Topic)
	assert.Equal(t, "move_position", ev.Type)
	assert.Equal(t, "e1", ev.Experiment)
	var got EditEvent
	require.NoError(t, json.Unmarshal(ev.Data, &got))
	assert.Equal(t, want, got)
}

func TestNoEditHistory(t *testing.T) {
	pub := NewSSEPublisher(0)
	defer pub.Close()

	require.NoError(t, pub.PublishEdit(edit("e1", "add_link")))

	sub, err := pub.Subscribe(context.Background(), TopicEdits, "")
	require.NoError(t, err)
	defer sub.Close()
	expectNone(t, sub)

	require.NoError(t, pub.PublishEdit(edit("e1", "remove_link")))
	ev := receive(t, sub)
	assert.Equal(t, 2, ev.Version)
	assert.Equal(t, "remove_link", ev.Type)
}

func TestStatusReplaysLatestPerExperiment(t *testing.T) {
	pub := NewSSEPublisher(10)
	defer pub.Close()

	require.NoError(t, pub.PublishStatus(status("e1", "candidates", 1)))
	require.NoError(t, pub.PublishStatus(status("e2", "candidates", 1)))
	require.NoError(t, pub.PublishStatus(status("e1", "ready", 6)))
	require.NoError(t, pub.PublishStatus(status("e2", "solving", 2)))

	all, err := pub.Subscribe(context.Background(), TopicPipelineStatus, "")
	require.NoError(t, err)
	defer all.Close()

	ev := receive(t, all)
	assert.Equal(t, "e1", ev.Experiment)
	assert.Equal(t, "ready", ev.Type)
	var ps PipelineStatus
	require.NoError(t, json.Unmarshal(ev.Data, &ps))
	assert.Equal(t, status("e1", "ready", 6), ps)

	ev = receive(t, all)
	assert.Equal(t, "e2", ev.Experiment)
	assert.Equal(t, "solving", ev.Type)
	assert.Equal(t, 4, ev.Version)
	expectNone(t, all)

	one, err := pub.Subscribe(context.Background(), TopicPipelineStatus, "e2")
	require.NoError(t, err)
	defer one.Close()
	assert.Equal(t, "solving", receive(t, one).Type)
	expectNone(t, one)
}

func TestExperimentFilter(t *testing.T) {
	pub := NewSSEPublisher(10)
	defer pub.Close()

	e1, err := pub.Subscribe(context.Background(), TopicEdits, "e1")
	require.NoError(t, err)
	defer e1.Close()
	all, err := pub.Subscribe(context.Background(), TopicEdits, "")
	require.NoError(t, err)
	defer all.Close()

	require.NoError(t, pub.PublishEdit(edit("e2", "add_position")))
	require.NoError(t, pub.PublishEdit(edit("e1", "remove_position")))

	assert.Equal(t, "remove_position", receive(t, e1).Type)
	expectNone(t, e1)
	assert.Equal(t, "e2", receive(t, all).Experiment)
	assert.Equal(t, "e1", receive(t, all).Experiment)
}

func TestTopicsAreIndependent(t *testing.T) {
	pub := NewSSEPublisher(10)
	defer pub.Close()

	edits, err := pub.Subscribe(context.Background(), TopicEdits, "")
	require.NoError(t, err)
	defer edits.Close()

	require.NoError(t, pub.PublishStatus(status("e1", "queued", 0)))
	expectNone(t, edits)

	require.NoError(t, pub.PublishEdit(edit("e1", "add_link")))
	assert.Equal(t, 1, receive(t, edits).Version, "versions count per topic")
}

func TestUnknownTopic(t *testing.T) {
	pub := NewSSEPublisher(10)
	defer pub.Close()

	_, err := pub.Subscribe(context.Background(), "nope", "")
	assert.ErrorIs(t, err, ErrUnknownTopic)
	assert.Equal(t, model.KindNotFound, model.KindOf(err))
}

func TestContextCancelUnsubscribes(t *testing.T) {
	pub := NewSSEPublisher(10)
	defer pub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	_, err := pub.Subscribe(ctx, TopicEdits, "")
	require.NoError(t, err)
	cancel()

	assert.Eventually(t, func() bool {
		pub.mu.RLock()
		defer pub.mu.RUnlock()
		return len(pub.topics[TopicEdits].subs) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestClosedPublisher(t *testing.T) {
	pub := NewSSEPublisher(10)
	sub, err := pub.Subscribe(context.Background(), TopicPipelineStatus, "")
	require.NoError(t, err)
	require.NoError(t, pub.Close())

	_, open := <-sub.Events()
	assert.False(t, open, "subscriptions are closed with the publisher")
	assert.ErrorIs(t, pub.PublishStatus(status("e1", "ready", 6)), ErrClosed)
	assert.ErrorIs(t, pub.PublishEdit(edit("e1", "add_link")), ErrClosed)
	_, err = pub.Subscribe(context.Background(), TopicEdits, "")
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, sub.Close())
}

func TestWriteSSE(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteSSE(&buf, Event{Topic: TopicEdits, Type: "add_link", Experiment: "e1", Data: json.RawMessage(`{"a":1}`), Version: 7}))
	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "id: 7\ndata: {"))
	assert.True(t, strings.HasSuffix(out, "\n\n"))
	assert.Contains(t, out, `"version":7`)
	assert.Contains(t, out, `"experiment":"e1"`)
}
