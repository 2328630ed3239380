// Package pulse forwards executor progress events to goa.design/pulse
// streams so remote viewers (a web dashboard, a second terminal) can watch
// a fly run without being wired into the in-process bus. Callers build a
// Redis client, pass it to New, and register the resulting Sink on the
// progress bus.
package pulse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

type (
	// ClientOptions configures the Pulse client.
	ClientOptions struct {
		// Redis is the connection backing the Pulse streams. Required.
		Redis *redis.Client
		// StreamMaxLen bounds entries kept per stream. Zero uses Pulse
		// defaults.
		StreamMaxLen int
		// OperationTimeout bounds individual Add operations. Zero means no
		// timeout.
		OperationTimeout time.Duration
	}

	// Client exposes the subset of Pulse used by the progress sink and
	// subscriber.
	Client interface {
		Stream(name string, opts ...streamopts.Stream) (Stream, error)
		Close(ctx context.Context) error
	}

	// Stream exposes publish and consumer-group creation on one stream.
	Stream interface {
		Add(ctx context.Context, event string, payload []byte) (string, error)
		NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (StreamSink, error)
		Destroy(ctx context.Context) error
	}

	// StreamSink mirrors the subset of Pulse streaming sinks the
	// subscriber reads from.
	StreamSink interface {
		Subscribe() <-chan *streaming.Event
		Ack(context.Context, *streaming.Event) error
		Close(context.Context)
	}

	client struct {
		redis   *redis.Client
		maxLen  int
		timeout time.Duration
	}

	handle struct {
		stream  *streaming.Stream
		timeout time.Duration
	}

	sinkAdapter struct {
		*streaming.Sink
	}
)

// New constructs a Pulse client backed by the provided Redis connection.
func New(opts ClientOptions) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("pulse: redis client is required")
	}
	return &client{redis: opts.Redis, maxLen: opts.StreamMaxLen, timeout: opts.OperationTimeout}, nil
}

func (c *client) Stream(name string, opts ...streamopts.Stream) (Stream, error) {
	if name == "" {
		return nil, errors.New("pulse: stream name is required")
	}
	var streamOptions []streamopts.Stream
	if c.maxLen > 0 {
		streamOptions = append(streamOptions, streamopts.WithStreamMaxLen(c.maxLen))
	}
	streamOptions = append(streamOptions, opts...)
	str, err := streaming.NewStream(name, c.redis, streamOptions...)
	if err != nil {
		return nil, fmt.Errorf("pulse: create stream: %w", err)
	}
	return &handle{stream: str, timeout: c.timeout}, nil
}

// Close is a no-op: the caller owns the Redis connection lifecycle.
func (c *client) Close(context.Context) error { return nil }

func (h *handle) Add(ctx context.Context, event string, payload []byte) (string, error) {
	if event == "" {
		return "", errors.New("pulse: event name is required")
	}
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	id, err := h.stream.Add(ctx, event, payload)
	if err != nil {
		return "", fmt.Errorf("pulse: add: %w", err)
	}
	return id, nil
}

func (h *handle) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (StreamSink, error) {
	sink, err := h.stream.NewSink(ctx, name, opts...)
	if err != nil {
		return nil, err
	}
	return sinkAdapter{Sink: sink}, nil
}

func (h *handle) Destroy(ctx context.Context) error { return h.stream.Destroy(ctx) }

func (s sinkAdapter) Close(ctx context.Context) { s.Sink.Close(ctx) }
