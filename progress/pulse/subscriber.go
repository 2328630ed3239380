package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"
)

type (
	// SubscriberOptions configures a Pulse-backed progress subscriber.
	SubscriberOptions struct {
		// Client consumes the envelopes. Required.
		Client Client
		// SinkName identifies the consumer group. Defaults to
		// "waypoints_viewer".
		SinkName string
		// Buffer is the envelope channel capacity. Defaults to 64.
		Buffer int
	}

	// Subscriber consumes progress envelopes published by a Sink, for
	// remote viewers that are not wired into the in-process bus.
	Subscriber struct {
		client Client
		name   string
		buffer int
	}
)

// NewSubscriber constructs a Pulse-backed progress subscriber.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse: client is required")
	}
	name := opts.SinkName
	if name == "" {
		name = "waypoints_viewer"
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Subscriber{client: opts.Client, name: name, buffer: buffer}, nil
}

// Subscribe opens a consumer group on streamID and returns channels for
// decoded envelopes and errors. The returned cancel function stops
// consumption and closes both channels.
func (s *Subscriber) Subscribe(ctx context.Context, streamID string, opts ...streamopts.Sink) (<-chan Envelope, <-chan error, context.CancelFunc, error) {
	str, err := s.client.Stream(streamID)
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, s.name, opts...)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("pulse: create sink: %w", err)
	}

	events := make(chan Envelope, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)

	go func() {
		defer close(events)
		defer close(errs)
		defer sink.Close(context.Background())
		ch := sink.Subscribe()
		for {
			select {
			case <-runCtx.Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				var env Envelope
				if err := json.Unmarshal(evt.Payload, &env); err != nil {
					select {
					case errs <- fmt.Errorf("pulse: decode envelope: %w", err):
					default:
					}
					continue
				}
				if err := sink.Ack(runCtx, evt); err != nil && runCtx.Err() == nil {
					select {
					case errs <- fmt.Errorf("pulse: ack: %w", err):
					default:
					}
				}
				select {
				case <-runCtx.Done():
					return
				case events <- env:
				}
			}
		}
	}()
	return events, errs, cancel, nil
}
