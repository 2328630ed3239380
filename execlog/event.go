// Package execlog implements the append-only journal of a waypoint
// execution run: one line per event, with a header declaring schema and
// version, written as the run happens and readable by replay for resume and
// debrief.
package execlog

import (
	"encoding/json"
	"time"
)

// Kind is the closed set of event types that can appear in an execution
// log. Every consumer of the log switches exhaustively over Kind; there is
// no free-form event type.
type Kind string

const (
	KindHeader               Kind = "header"
	KindIterationStart       Kind = "iteration_start"
	KindOutput               Kind = "output"
	KindToolCall             Kind = "tool_call"
	KindIterationEnd         Kind = "iteration_end"
	KindError                Kind = "error"
	KindCompletion           Kind = "completion"
	KindInterventionNeeded   Kind = "intervention_needed"
	KindInterventionResolved Kind = "intervention_resolved"
	KindStateTransition      Kind = "state_transition"
	KindReceiptValidated     Kind = "receipt_validated"
	KindGitCommit            Kind = "git_commit"
	KindPause                Kind = "pause"
	KindResume               Kind = "resume"
	KindSecurityViolation    Kind = "security_violation"
	KindCompletionDetected   Kind = "completion_detected"
	KindFinalizeStart        Kind = "finalize_start"
	KindFinalizeOutput       Kind = "finalize_output"
	KindFinalizeToolCall     Kind = "finalize_tool_call"
	KindFinalizeEnd          Kind = "finalize_end"
	KindWorkspaceDiff        Kind = "workspace_diff"
)

// Valid reports whether k is a known Kind.
func (k Kind) Valid() bool {
	switch k {
	case KindHeader, KindIterationStart, KindOutput, KindToolCall, KindIterationEnd,
		KindError, KindCompletion, KindInterventionNeeded, KindInterventionResolved,
		KindStateTransition, KindReceiptValidated, KindGitCommit, KindPause, KindResume,
		KindSecurityViolation, KindCompletionDetected, KindFinalizeStart, KindFinalizeOutput,
		KindFinalizeToolCall, KindFinalizeEnd, KindWorkspaceDiff:
		return true
	default:
		return false
	}
}

// SchemaName and SchemaVersion identify the on-disk journal format recorded
// in every header event.
const (
	SchemaName    = "execution_log"
	SchemaVersion = "1.0"
)

// Event is a single immutable record appended to an execution log.
//
// Store implementations assign ID when persisting. Payload is the
// kind-specific canonical JSON-encoded body; callers decode it against the
// shape implied by Kind.
type Event struct {
	ID          string
	WaypointID  string
	ExecutionID string
	Kind        Kind
	Iteration   int
	Payload     json.RawMessage
	Timestamp   time.Time
}

// HeaderPayload is the body of the KindHeader event, the first line of
// every journal file.
type HeaderPayload struct {
	Schema             string    `json:"_schema"`
	Version            string    `json:"_version"`
	ExecutionID        string    `json:"execution_id"`
	WaypointID         string    `json:"waypoint_id"`
	WaypointTitle      string    `json:"waypoint_title"`
	WaypointObjective  string    `json:"waypoint_objective"`
	AcceptanceCriteria []string  `json:"acceptance_criteria"`
	StartedAt          time.Time `json:"started_at"`
	ProjectSlug        string    `json:"project_slug"`
}

// IterationStartPayload is the body of a KindIterationStart event.
type IterationStartPayload struct {
	Prompt     string `json:"prompt"`
	ReasonCode string `json:"reason_code,omitempty"`
}

// OutputPayload is the body of a KindOutput event.
type OutputPayload struct {
	Text              string `json:"text"`
	CriteriaCompleted []int  `json:"criteria_completed,omitempty"`
}

// ToolCallPayload is the body of a KindToolCall / KindFinalizeToolCall event.
type ToolCallPayload struct {
	Command  string `json:"command"`
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
}

// IterationEndPayload is the body of a KindIterationEnd event.
type IterationEndPayload struct {
	CostUSD float64 `json:"cost_usd,omitempty"`
}

// ErrorPayload is the body of a KindError event.
type ErrorPayload struct {
	Message string `json:"message"`
}

// CompletionPayload is the body of the terminal KindCompletion event.
type CompletionPayload struct {
	Result          string  `json:"result"`
	TotalCostUSD    float64 `json:"total_cost_usd"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// ReceiptValidatedPayload is the body of a KindReceiptValidated event.
type ReceiptValidatedPayload struct {
	Valid       bool   `json:"valid"`
	ReceiptPath string `json:"receipt_path,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// StateTransitionPayload is the body of a KindStateTransition event.
type StateTransitionPayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// InterventionPayload is the body of a KindInterventionNeeded or
// KindInterventionResolved event.
type InterventionPayload struct {
	Kind         string         `json:"kind,omitempty"`
	Action       string         `json:"action,omitempty"`
	ErrorSummary string         `json:"error_summary,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
}
