package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/kulesh/waypoints/progress"
)

// eventName is the Pulse event name every progress envelope is published
// under; the envelope's Step carries the finer-grained kind.
const eventName = "progress"

type (
	// SinkOptions configures the progress sink.
	SinkOptions struct {
		// Client publishes the envelopes. Required.
		Client Client
		// StreamID derives the target stream from an event. Defaults to
		// "fly/<waypoint-id>".
		StreamID func(progress.Event) (string, error)
		// Marshal overrides envelope serialization, primarily for tests.
		Marshal func(Envelope) ([]byte, error)
	}

	// Sink implements progress.Subscriber by publishing every event to a
	// Pulse stream. Register it on the in-process bus; it is safe for the
	// bus's synchronous delivery because Add is bounded by the client's
	// operation timeout.
	Sink struct {
		client   Client
		streamID func(progress.Event) (string, error)
		marshal  func(Envelope) ([]byte, error)
	}

	// Envelope is the wire form of a progress event. Output is elided
	// beyond a bounded tail so a chatty iteration cannot flood Redis.
	Envelope struct {
		WaypointID        string    `json:"waypoint_id"`
		Iteration         int       `json:"iteration"`
		TotalIterations   int       `json:"total_iterations"`
		Step              string    `json:"step"`
		OutputTail        string    `json:"output_tail,omitempty"`
		CriteriaCompleted []int     `json:"criteria_completed,omitempty"`
		Timestamp         time.Time `json:"timestamp"`
	}
)

// outputTailLimit bounds the output excerpt carried in each envelope.
const outputTailLimit = 2048

// NewSink constructs a Pulse-backed progress sink.
func NewSink(opts SinkOptions) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse: client is required")
	}
	s := &Sink{
		client:   opts.Client,
		streamID: opts.StreamID,
		marshal:  opts.Marshal,
	}
	if s.streamID == nil {
		s.streamID = func(e progress.Event) (string, error) { return "fly/" + e.WaypointID, nil }
	}
	if s.marshal == nil {
		s.marshal = func(env Envelope) ([]byte, error) { return json.Marshal(env) }
	}
	return s, nil
}

// HandleEvent implements progress.Subscriber.
func (s *Sink) HandleEvent(ctx context.Context, event progress.Event) error {
	streamID, err := s.streamID(event)
	if err != nil {
		return err
	}
	stream, err := s.client.Stream(streamID)
	if err != nil {
		return err
	}
	payload, err := s.marshal(newEnvelope(event))
	if err != nil {
		return err
	}
	_, err = stream.Add(ctx, eventName, payload)
	return err
}

func newEnvelope(e progress.Event) Envelope {
	tail := e.Output
	if len(tail) > outputTailLimit {
		tail = tail[len(tail)-outputTailLimit:]
	}
	var completed []int
	for idx := range e.CriteriaCompleted {
		completed = append(completed, idx)
	}
	sort.Ints(completed)
	return Envelope{
		WaypointID:        e.WaypointID,
		Iteration:         e.Iteration,
		TotalIterations:   e.TotalIterations,
		Step:              string(e.Step),
		OutputTail:        tail,
		CriteriaCompleted: completed,
		Timestamp:         time.Now().UTC(),
	}
}

