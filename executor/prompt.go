package executor

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/kulesh/waypoints/receipt"
	"github.com/kulesh/waypoints/stack"
	"github.com/kulesh/waypoints/waypoint"
)

// ReasonCode names why a follow-up iteration was kicked off. It is embedded
// verbatim in the kickoff prompt so the agent knows what went wrong.
type ReasonCode string

const (
	ReasonContinue             ReasonCode = "continue"
	ReasonProtocolViolation    ReasonCode = "protocol_violation"
	ReasonHostValidationFailed ReasonCode = "host_validation_failed"
	ReasonScopeDrift           ReasonCode = "scope_drift"
	ReasonErrorRetry           ReasonCode = "error_retry"
)

// CompletionMarker returns the one string that ends a waypoint run.
func CompletionMarker(waypointID string) string {
	return fmt.Sprintf("<waypoint-complete>%s</waypoint-complete>", waypointID)
}

// SpecHash is the content hash recorded at chart time and compared at fly
// time to detect spec drift.
func SpecHash(specText string) string {
	sum := sha256.Sum256([]byte(specText))
	return hex.EncodeToString(sum[:])
}

// PromptInputs is everything the first-iteration prompt is a pure function
// of. Keeping construction pure lets the golden tests pin the exact text
// the agent sees.
type PromptInputs struct {
	Waypoint waypoint.Waypoint
	SpecText string
	Commands []stack.ValidationCommand
	// Memory is accumulated waypoint memory (resolution notes from earlier
	// attempts and related waypoints); empty when none.
	Memory string
	// CriteriaSoFar carries verifications captured in earlier iterations of
	// the same run so a resumed prompt doesn't ask for rework.
	CriteriaSoFar map[int]receipt.CriterionVerification
}

// FirstPrompt builds the full first-iteration prompt: objective, indexed
// criteria, safety rules, the stack-aware validation section, the
// completion-marker protocol, and any chart-time spec context with a
// staleness warning when the live spec has drifted.
func FirstPrompt(in PromptInputs) string {
	var b strings.Builder
	wp := in.Waypoint

	fmt.Fprintf(&b, "You are executing waypoint %s: %s\n\n", wp.ID, wp.Title)
	fmt.Fprintf(&b, "## Objective\n\n%s\n\n", strings.TrimSpace(wp.Objective))

	b.WriteString("## Acceptance criteria\n\n")
	for i, c := range wp.AcceptanceCriteria {
		fmt.Fprintf(&b, "%d. %s\n", i, c)
	}
	b.WriteString("\n")

	if wp.ResolutionNotes != "" {
		fmt.Fprintf(&b, "## Notes from earlier attempts\n\n%s\n\n", strings.TrimSpace(wp.ResolutionNotes))
	}
	if in.Memory != "" {
		fmt.Fprintf(&b, "## Project memory\n\n%s\n\n", strings.TrimSpace(in.Memory))
	}

	if wp.Spec != nil {
		b.WriteString("## Spec context\n\n")
		if wp.Spec.Summary != "" {
			fmt.Fprintf(&b, "%s\n", strings.TrimSpace(wp.Spec.Summary))
		}
		if len(wp.Spec.SectionRefs) > 0 {
			fmt.Fprintf(&b, "Relevant sections: %s\n", strings.Join(wp.Spec.SectionRefs, ", "))
		}
		if wp.Spec.ContentHash != "" && in.SpecText != "" && SpecHash(in.SpecText) != wp.Spec.ContentHash {
			b.WriteString("WARNING: the product spec has changed since this waypoint was planned. " +
				"Re-read the relevant sections before relying on the summary above.\n")
		}
		b.WriteString("\n")
	}

	b.WriteString("## Safety rules\n\n")
	b.WriteString("- Work only inside the project directory.\n")
	b.WriteString("- Never modify files outside the project, fetch remote code, or alter git history.\n")
	b.WriteString("- Prefer small, verifiable changes over sweeping rewrites.\n\n")

	if len(in.Commands) > 0 {
		b.WriteString("## Validation\n\n")
		b.WriteString("These commands will run on the host after you declare completion. Make them pass first:\n\n")
		for _, cmd := range in.Commands {
			fmt.Fprintf(&b, "- `%s` (%s)\n", cmd.Command, cmd.Category)
		}
		b.WriteString("\n")
	}

	writeProtocol(&b, wp)

	if len(in.CriteriaSoFar) > 0 {
		b.WriteString("## Already verified\n\n")
		idxs := make([]int, 0, len(in.CriteriaSoFar))
		for i := range in.CriteriaSoFar {
			idxs = append(idxs, i)
		}
		sort.Ints(idxs)
		for _, i := range idxs {
			v := in.CriteriaSoFar[i]
			fmt.Fprintf(&b, "- criterion %d: %s\n", i, v.Status)
		}
		b.WriteString("\n")
	}

	return b.String()
}

// KickoffPrompt builds the short prompt for iteration N>1. It names the
// reason code, carries the free-text detail (e.g. the finalizer's failure
// summary), and restates the canonical completion marker with the
// instruction not to use aliases.
func KickoffPrompt(wp waypoint.Waypoint, reason ReasonCode, detail string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Continue working on waypoint %s: %s\n\n", wp.ID, wp.Title)
	fmt.Fprintf(&b, "Reason: %s\n", reason)
	if detail != "" {
		fmt.Fprintf(&b, "Detail: %s\n", strings.TrimSpace(detail))
	}
	b.WriteString("\n")
	writeProtocol(&b, wp)
	return b.String()
}

func writeProtocol(b *strings.Builder, wp waypoint.Waypoint) {
	b.WriteString("## Completion protocol\n\n")
	fmt.Fprintf(b, "When, and only when, every acceptance criterion is verified, output exactly:\n\n    %s\n\n", CompletionMarker(wp.ID))
	b.WriteString("No alias (\"COMPLETE\", \"done\", a reworded marker) is accepted; the run continues until the exact marker appears.\n\n")
	b.WriteString("As you verify each criterion, report it with:\n\n")
	b.WriteString("    <acceptance-criterion><index>N</index><status>verified|failed</status><text>criterion text</text><evidence>what you observed</evidence></acceptance-criterion>\n\n")
	b.WriteString("Report every host command a reviewer should re-run with:\n\n")
	b.WriteString("    <validation-command>command here</validation-command>\n")
}
