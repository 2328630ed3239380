package progress

import (
	"context"
	"errors"
	"sort"
	"sync"
)

type (
	// Bus publishes Events to registered subscribers in a synchronous
	// fan-out pattern: every Publish call delivers the event to every
	// currently registered subscriber, in registration order, on the
	// publisher's own goroutine, and stops at the first subscriber error.
	//
	// Fail-fast delivery means a critical subscriber (e.g. a journal mirror
	// that must not silently drop an event) can halt the publisher by
	// returning an error; subscribers that should never interrupt progress
	// reporting must log and swallow their own failures.
	Bus interface {
		Publish(ctx context.Context, event Event) error
		Subscribe(sub Subscriber) (Subscription, error)
	}

	// Subscriber receives every Event published to a Bus until its
	// Subscription is closed.
	Subscriber interface {
		HandleEvent(ctx context.Context, event Event) error
	}

	// SubscriberFunc adapts a plain function to the Subscriber interface.
	SubscriberFunc func(ctx context.Context, event Event) error

	// Subscription represents an active registration on a Bus. Close is
	// idempotent and safe to call multiple times or concurrently.
	Subscription interface {
		Close() error
	}

	bus struct {
		mu          sync.RWMutex
		subscribers map[*subscription]Subscriber
		nextSeq     uint64
	}

	subscription struct {
		bus  *bus
		seq  uint64
		once sync.Once
	}
)

// HandleEvent calls f.
func (f SubscriberFunc) HandleEvent(ctx context.Context, event Event) error { return f(ctx, event) }

// NewBus constructs an empty, ready-to-use progress Bus.
func NewBus() Bus {
	return &bus{subscribers: make(map[*subscription]Subscriber)}
}

// Publish delivers event to every currently registered subscriber, in
// registration order, stopping at the first error. The subscriber snapshot
// is taken under lock before iteration, so concurrent (un)registration
// during Publish does not affect the current delivery.
func (b *bus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	regs := make([]*subscription, 0, len(b.subscribers))
	for s := range b.subscribers {
		regs = append(regs, s)
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i].seq < regs[j].seq })
	subs := make([]Subscriber, 0, len(regs))
	for _, s := range regs {
		subs = append(subs, b.subscribers[s])
	}
	b.mu.RUnlock()
	for _, sub := range subs {
		if err := sub.HandleEvent(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe registers sub and returns a Subscription that can be closed to
// unregister it.
func (b *bus) Subscribe(sub Subscriber) (Subscription, error) {
	if sub == nil {
		return nil, errors.New("progress: subscriber is required")
	}
	s := &subscription{bus: b}
	b.mu.Lock()
	b.nextSeq++
	s.seq = b.nextSeq
	b.subscribers[s] = sub
	b.mu.Unlock()
	return s, nil
}

// Close removes the subscription from its bus. Idempotent.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subscribers, s)
		s.bus.mu.Unlock()
	})
	return nil
}
