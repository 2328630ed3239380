// Package intervention models the structured control transfer from the
// waypoint executor back to the operator: a closed taxonomy of reasons, a
// suggested next action per reason, and the sentinel error the executor
// returns in place of a normal execution result.
package intervention

import (
	"fmt"
	"time"

	"github.com/kulesh/waypoints/waypoint"
)

// Kind is the closed set of reasons an Intervention can be raised.
type Kind string

const (
	KindIterationLimit Kind = "iteration_limit"
	KindTestFailure    Kind = "test_failure"
	KindLintError      Kind = "lint_error"
	KindTypeError      Kind = "type_error"
	KindParseError     Kind = "parse_error"
	KindUserRequested  Kind = "user_requested"
	KindExecutionError Kind = "execution_error"
	KindRateLimited    Kind = "rate_limited"
	KindAPIUnavailable Kind = "api_unavailable"
	KindBudgetExceeded Kind = "budget_exceeded"
)

// Action is the closed set of choices an operator can make when resolving
// an Intervention.
type Action string

const (
	ActionRetry    Action = "retry"
	ActionSkip     Action = "skip"
	ActionEdit     Action = "edit"
	ActionRollback Action = "rollback"
	ActionAbort    Action = "abort"
)

// suggested maps each Kind to the action the operator is nudged toward. A
// Kind absent from this map (there should be none) defaults to ActionRetry.
var suggested = map[Kind]Action{
	KindIterationLimit: ActionRetry,
	KindTestFailure:    ActionEdit,
	KindLintError:      ActionRetry,
	KindTypeError:      ActionRetry,
	KindParseError:     ActionRetry,
	KindUserRequested:  ActionAbort,
	KindExecutionError: ActionRetry,
	KindRateLimited:    ActionRetry,
	KindAPIUnavailable: ActionRetry,
	KindBudgetExceeded: ActionAbort,
}

// SuggestedAction returns the recommended Action for k.
func SuggestedAction(k Kind) Action {
	if a, ok := suggested[k]; ok {
		return a
	}
	return ActionRetry
}

// Intervention captures everything the operator needs to decide how to
// proceed: which waypoint stalled, where it stalled, and a short summary of
// why.
type Intervention struct {
	Kind          Kind
	Waypoint      waypoint.Waypoint
	Iteration     int
	MaxIterations int
	ErrorSummary  string
	Context       map[string]any
	At            time.Time
}

// SuggestedAction returns the recommended Action for i.Kind.
func (i Intervention) SuggestedAction() Action { return SuggestedAction(i.Kind) }

// Resolution is the operator's decision in response to an Intervention.
type Resolution struct {
	Action              Action
	AdditionalIterations int
	RollbackRef          string
	ModifiedWaypoint     *waypoint.Waypoint
}

// Needed is the error the executor returns instead of a normal
// ExecutionResult when it cannot proceed without operator input. Callers
// recover it with errors.As.
type Needed struct {
	Intervention Intervention
}

func (e *Needed) Error() string {
	return fmt.Sprintf("intervention needed: %s at iteration %d/%d",
		e.Intervention.Kind, e.Intervention.Iteration, e.Intervention.MaxIterations)
}

// New builds an Intervention, stamping At with time.Now.
func New(k Kind, wp waypoint.Waypoint, iteration, maxIterations int, summary string, fields map[string]any) Intervention {
	return Intervention{
		Kind:          k,
		Waypoint:      wp,
		Iteration:     iteration,
		MaxIterations: maxIterations,
		ErrorSummary:  summary,
		Context:       fields,
		At:            time.Now(),
	}
}
