package execlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// ErrMissingHeader is returned when a journal's first line is not a header
// event. A reader never silently accepts a headerless file.
var ErrMissingHeader = errors.New("execlog: journal has no header")

// Log is the in-memory reconstruction of one execution journal, built by
// replaying its event lines. The derived query methods recompute the
// counters the live run tracked, so a resumed or debriefed run never trusts
// anything but the journal itself.
type Log struct {
	Header HeaderPayload
	Events []*Event
}

// Replay classifies events into a Log. The first event must be the header.
func Replay(events []*Event) (*Log, error) {
	if len(events) == 0 || events[0].Kind != KindHeader {
		return nil, ErrMissingHeader
	}
	var header HeaderPayload
	if err := json.Unmarshal(events[0].Payload, &header); err != nil {
		return nil, fmt.Errorf("execlog: decode header: %w", err)
	}
	if header.Schema != SchemaName {
		return nil, fmt.Errorf("execlog: unexpected schema %q", header.Schema)
	}
	// Journal lines are flat, so the ids live on the event envelope rather
	// than the decoded payload.
	if header.ExecutionID == "" {
		header.ExecutionID = events[0].ExecutionID
	}
	if header.WaypointID == "" {
		header.WaypointID = events[0].WaypointID
	}
	return &Log{Header: header, Events: events[1:]}, nil
}

// LoadFile reads a journal file from disk, migrating legacy-schema lines
// forward before replay.
func LoadFile(path string) (*Log, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("execlog: open journal: %w", err)
	}
	defer f.Close()

	var events []*Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		raw = migrateLine(raw)
		e, err := decodeLine(raw)
		if err != nil {
			return nil, fmt.Errorf("execlog: decode journal line %d: %w", line, err)
		}
		events = append(events, e)
		line++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("execlog: scan journal: %w", err)
	}
	return Replay(events)
}

// migrateLine upgrades a legacy journal line in place: early journals wrote
// the event kind under "event_type". Unrecognized lines pass through
// untouched and fail classification later, which is the desired behavior
// for genuinely corrupt input.
func migrateLine(raw []byte) []byte {
	if bytes.Contains(raw, []byte(`"type"`)) || !bytes.Contains(raw, []byte(`"event_type"`)) {
		return raw
	}
	var flat map[string]json.RawMessage
	if err := json.Unmarshal(raw, &flat); err != nil {
		return raw
	}
	if v, ok := flat["event_type"]; ok {
		flat["type"] = v
		delete(flat, "event_type")
	}
	out, err := json.Marshal(flat)
	if err != nil {
		return raw
	}
	return out
}

// CompletedCriteria is the union, across every output event, of the
// criteria_completed index sets.
func (l *Log) CompletedCriteria() map[int]bool {
	out := make(map[int]bool)
	for _, e := range l.Events {
		if e.Kind != KindOutput {
			continue
		}
		var p OutputPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			continue
		}
		for _, idx := range p.CriteriaCompleted {
			out[idx] = true
		}
	}
	return out
}

// IterationsUsed counts iteration_start events before the final completion.
func (l *Log) IterationsUsed() int {
	n := 0
	for _, e := range l.Events {
		switch e.Kind {
		case KindIterationStart:
			n++
		case KindCompletion:
			return n
		}
	}
	return n
}

// TotalCostUSD sums iteration_end and finalize_end costs, the same
// accumulation the live run reports in its completion event.
func (l *Log) TotalCostUSD() float64 {
	var total float64
	for _, e := range l.Events {
		if e.Kind != KindIterationEnd && e.Kind != KindFinalizeEnd {
			continue
		}
		var p IterationEndPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			continue
		}
		total += p.CostUSD
	}
	return total
}

// Completion returns the payload of the terminal completion event, or nil
// when the run never completed (crash, still in flight).
func (l *Log) Completion() *CompletionPayload {
	for i := len(l.Events) - 1; i >= 0; i-- {
		if l.Events[i].Kind != KindCompletion {
			continue
		}
		var p CompletionPayload
		if err := json.Unmarshal(l.Events[i].Payload, &p); err != nil {
			return nil
		}
		return &p
	}
	return nil
}
