// Package receipt defines the persisted artifact that records how a
// waypoint's completion claim was checked: a hard checklist of host-run
// validation commands, a soft checklist of agent-reported evidence, and the
// per-criterion verifications the agent emitted during its run. Receipts
// are write-once; the coordinator reads the latest receipt back when
// deciding whether a waypoint may be committed.
package receipt

import (
	"fmt"
	"strings"
	"time"

	"github.com/kulesh/waypoints/evidence"
)

// ItemStatus is the closed set of outcomes a checklist item can record.
type ItemStatus string

const (
	StatusPassed  ItemStatus = "passed"
	StatusFailed  ItemStatus = "failed"
	StatusSkipped ItemStatus = "skipped"
)

// ChecklistItem is one validation outcome, hard (host-run) or soft
// (agent-reported). Stdout and Stderr hold the captured output inline
// unless the store spilled them to side files, in which case the *Path
// fields point at the spill and the inline fields hold a truncated excerpt.
type ChecklistItem struct {
	Item       string            `json:"item"`
	Command    string            `json:"command"`
	Category   evidence.Category `json:"category,omitempty"`
	ExitCode   int               `json:"exit_code"`
	Status     ItemStatus        `json:"status"`
	Stdout     string            `json:"stdout"`
	Stderr     string            `json:"stderr"`
	StdoutPath string            `json:"stdout_path,omitempty"`
	StderrPath string            `json:"stderr_path,omitempty"`
	Evidence   string            `json:"evidence"`
}

// CriterionStatus is the closed set of statuses the agent may report for an
// acceptance criterion.
type CriterionStatus string

const (
	CriterionVerified CriterionStatus = "verified"
	CriterionFailed   CriterionStatus = "failed"
)

// CriterionVerification is the agent's structured report for one acceptance
// criterion, parsed from an <acceptance-criterion> block.
type CriterionVerification struct {
	Index     int             `json:"index"`
	Criterion string          `json:"criterion"`
	Status    CriterionStatus `json:"status"`
	Evidence  string          `json:"evidence"`
}

// Receipt is the persisted checklist artifact for one waypoint execution.
type Receipt struct {
	WaypointID            string                  `json:"waypoint_id"`
	Title                 string                  `json:"title"`
	Objective             string                  `json:"objective"`
	AcceptanceCriteria    []string                `json:"acceptance_criteria"`
	Checklist             []ChecklistItem         `json:"checklist"`
	SoftChecklist         []ChecklistItem         `json:"soft_checklist"`
	CriteriaVerifications []CriterionVerification `json:"criteria_verifications"`
	// HostValidations records whether host-run validation was enabled for
	// this finalize; when false, validity additionally requires soft
	// evidence to be present.
	HostValidations bool      `json:"host_validations"`
	CreatedAt       time.Time `json:"created_at"`
}

// InvalidReason classifies why a receipt failed the structural check.
type InvalidReason string

const (
	// InvalidHardFailure means a host-run validation command failed. This
	// is the one reason the executor retries locally (reason code
	// host_validation_failed) before surfacing an intervention.
	InvalidHardFailure InvalidReason = "hard_failure"

	// InvalidMissingSoftEvidence means host validations were disabled and
	// no agent-reported evidence was captured in their place.
	InvalidMissingSoftEvidence InvalidReason = "missing_soft_evidence"

	// InvalidNoEvidence means neither a criterion nor a command produced
	// any evidence at all.
	InvalidNoEvidence InvalidReason = "no_evidence"
)

// ValidationFailure describes the first structural defect found in a
// receipt. Item is set only for InvalidHardFailure.
type ValidationFailure struct {
	Reason InvalidReason
	Item   *ChecklistItem
}

// Summary renders the failure short enough to embed into the next
// iteration's retry prompt: the failing command, its exit code, and a
// stderr excerpt.
func (f *ValidationFailure) Summary() string {
	switch f.Reason {
	case InvalidHardFailure:
		s := fmt.Sprintf("%s exited %d", f.Item.Command, f.Item.ExitCode)
		if excerpt := excerptOf(f.Item.Stderr); excerpt != "" {
			s += ": " + excerpt
		}
		return s
	case InvalidMissingSoftEvidence:
		return "host validations disabled and no tool-reported evidence was captured"
	case InvalidNoEvidence:
		return "no criterion or command produced evidence"
	default:
		return string(f.Reason)
	}
}

const excerptLimit = 200

func excerptOf(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > excerptLimit {
		s = s[:excerptLimit] + "..."
	}
	return s
}

// Validate runs the structural validity check: every hard item must be
// passed or skipped, soft evidence must be present when host validations
// were disabled, and at least one criterion or command must have produced
// evidence. Returns nil when the receipt is structurally valid.
func (r *Receipt) Validate() *ValidationFailure {
	for i := range r.Checklist {
		item := &r.Checklist[i]
		if item.Status != StatusPassed && item.Status != StatusSkipped {
			return &ValidationFailure{Reason: InvalidHardFailure, Item: item}
		}
	}
	if !r.HostValidations && len(r.SoftChecklist) == 0 {
		return &ValidationFailure{Reason: InvalidMissingSoftEvidence}
	}
	if len(r.CriteriaVerifications) == 0 && len(r.Checklist) == 0 && len(r.SoftChecklist) == 0 {
		return &ValidationFailure{Reason: InvalidNoEvidence}
	}
	return nil
}

// Valid reports whether the receipt passes the structural check.
func (r *Receipt) Valid() bool { return r.Validate() == nil }
