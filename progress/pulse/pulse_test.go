package pulse

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/kulesh/waypoints/progress"
)

type fakeClient struct {
	streams map[string]*fakeStream
}

func newFakeClient() *fakeClient { return &fakeClient{streams: make(map[string]*fakeStream)} }

func (c *fakeClient) Stream(name string, _ ...streamopts.Stream) (Stream, error) {
	s, ok := c.streams[name]
	if !ok {
		s = &fakeStream{ch: make(chan *streaming.Event, 16)}
		c.streams[name] = s
	}
	return s, nil
}

func (c *fakeClient) Close(context.Context) error { return nil }

type fakeStream struct {
	added [][]byte
	ch    chan *streaming.Event
	acked []*streaming.Event
}

func (s *fakeStream) Add(_ context.Context, _ string, payload []byte) (string, error) {
	s.added = append(s.added, payload)
	s.ch <- &streaming.Event{ID: "1-0", Payload: payload}
	return "1-0", nil
}

func (s *fakeStream) NewSink(context.Context, string, ...streamopts.Sink) (StreamSink, error) {
	return &fakeSink{stream: s}, nil
}

func (s *fakeStream) Destroy(context.Context) error { return nil }

type fakeSink struct{ stream *fakeStream }

func (f *fakeSink) Subscribe() <-chan *streaming.Event { return f.stream.ch }

func (f *fakeSink) Ack(_ context.Context, e *streaming.Event) error {
	f.stream.acked = append(f.stream.acked, e)
	return nil
}

func (f *fakeSink) Close(context.Context) {}

func TestSinkPublishesEnvelope(t *testing.T) {
	client := newFakeClient()
	sink, err := NewSink(SinkOptions{Client: client})
	require.NoError(t, err)

	err = sink.HandleEvent(context.Background(), progress.Event{
		WaypointID:        "wp-1",
		Iteration:         2,
		TotalIterations:   5,
		Step:              progress.StepStreaming,
		Output:            "some accumulated output",
		CriteriaCompleted: map[int]bool{1: true, 0: true},
	})
	require.NoError(t, err)

	stream := client.streams["fly/wp-1"]
	require.NotNil(t, stream)
	require.Len(t, stream.added, 1)

	var env Envelope
	require.NoError(t, json.Unmarshal(stream.added[0], &env))
	assert.Equal(t, "wp-1", env.WaypointID)
	assert.Equal(t, 2, env.Iteration)
	assert.Equal(t, "streaming", env.Step)
	assert.Equal(t, []int{0, 1}, env.CriteriaCompleted)
	assert.Contains(t, env.OutputTail, "accumulated output")
}

func TestSinkBoundsOutputTail(t *testing.T) {
	client := newFakeClient()
	sink, err := NewSink(SinkOptions{Client: client})
	require.NoError(t, err)

	big := make([]byte, 10*outputTailLimit)
	for i := range big {
		big[i] = 'x'
	}
	require.NoError(t, sink.HandleEvent(context.Background(), progress.Event{
		WaypointID: "wp-1",
		Output:     string(big),
	}))

	var env Envelope
	require.NoError(t, json.Unmarshal(client.streams["fly/wp-1"].added[0], &env))
	assert.Len(t, env.OutputTail, outputTailLimit)
}

func TestSubscriberRoundTrip(t *testing.T) {
	client := newFakeClient()
	sink, err := NewSink(SinkOptions{Client: client})
	require.NoError(t, err)
	sub, err := NewSubscriber(SubscriberOptions{Client: client})
	require.NoError(t, err)

	events, errs, cancel, err := sub.Subscribe(context.Background(), "fly/wp-1")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, sink.HandleEvent(context.Background(), progress.Event{
		WaypointID: "wp-1",
		Iteration:  1,
		Step:       progress.StepToolUse,
	}))

	select {
	case env := <-events:
		assert.Equal(t, "wp-1", env.WaypointID)
		assert.Equal(t, "tool_use", env.Step)
	case err := <-errs:
		t.Fatalf("unexpected subscriber error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
	}
	require.Len(t, client.streams["fly/wp-1"].acked, 1)
}
