// Package inmem implements execlog.Store in memory, for tests and for
// callers that don't need a durable journal file.
package inmem

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/kulesh/waypoints/execlog"
)

// Store is a sync.RWMutex-guarded, in-memory execlog.Store. The zero value
// is not usable; construct with New.
type Store struct {
	mu     sync.RWMutex
	events map[string][]*execlog.Event // executionID -> events in append order
}

// New constructs an empty Store.
func New() *Store {
	return &Store{events: make(map[string][]*execlog.Event)}
}

// Append records e, copying it so later mutation by the caller cannot
// affect the stored record.
func (s *Store) Append(_ context.Context, e *execlog.Event) error {
	if e == nil {
		return fmt.Errorf("inmem: nil event")
	}
	cp := *e
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[e.ExecutionID] = append(s.events[e.ExecutionID], &cp)
	return nil
}

// List returns a defensive copy of the events recorded for executionID,
// starting after cursor (a decimal offset), up to limit events.
func (s *Store) List(_ context.Context, executionID string, cursor string, limit int) (execlog.Page, error) {
	offset := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil {
			return execlog.Page{}, fmt.Errorf("inmem: invalid cursor %q: %w", cursor, err)
		}
		offset = n
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.events[executionID]
	if offset >= len(all) {
		return execlog.Page{}, nil
	}
	end := len(all)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}

	out := make([]*execlog.Event, end-offset)
	for i, e := range all[offset:end] {
		cp := *e
		out[i] = &cp
	}

	next := ""
	if end < len(all) {
		next = strconv.Itoa(end)
	}
	return execlog.Page{Events: out, NextCursor: next}, nil
}

// Reset discards all recorded events. Test helper.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = make(map[string][]*execlog.Event)
}
