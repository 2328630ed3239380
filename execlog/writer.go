package execlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Writer binds a Store to one execution run: it stamps every event with the
// run's execution and waypoint ids, a fresh event id, and the current time,
// and JSON-encodes the kind-specific payload. The executor owns its Writer
// exclusively; the finalizer borrows it for the finalize_* events.
type Writer struct {
	store       Store
	executionID string
	waypointID  string
	now         func() time.Time
}

// NewWriter constructs a Writer for one execution run.
func NewWriter(store Store, executionID, waypointID string) *Writer {
	return &Writer{store: store, executionID: executionID, waypointID: waypointID, now: time.Now}
}

// SetClock overrides the event timestamp source. Test helper.
func (w *Writer) SetClock(now func() time.Time) { w.now = now }

// ExecutionID returns the run id this writer is bound to.
func (w *Writer) ExecutionID() string { return w.executionID }

// Write appends one event of the given kind. Iteration-scoped events pass
// their iteration index; events outside any iteration pass 0. The payload
// is marshaled to the event body; a nil payload writes an empty object.
func (w *Writer) Write(ctx context.Context, kind Kind, iteration int, payload any) error {
	if !kind.Valid() {
		return fmt.Errorf("execlog: unknown event kind %q", kind)
	}
	body := json.RawMessage(`{}`)
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("execlog: encode %s payload: %w", kind, err)
		}
		body = raw
	}
	return w.store.Append(ctx, &Event{
		ID:          uuid.NewString(),
		WaypointID:  w.waypointID,
		ExecutionID: w.executionID,
		Kind:        kind,
		Iteration:   iteration,
		Payload:     body,
		Timestamp:   w.now(),
	})
}
