package executor

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/kulesh/waypoints/receipt"
)

// scanCompletion reports whether text contains the canonical completion
// marker for waypointID. Nothing else satisfies completion.
func scanCompletion(text, waypointID string) bool {
	return strings.Contains(text, CompletionMarker(waypointID))
}

// aliasRE matches the completion claims agents drift toward when they
// forget the protocol. Any of these without the canonical marker is a
// protocol violation, never a completion.
var aliasRE = regexp.MustCompile(`(?i)(\bWP-?\w+\s+COMPLETE\b|implementation\s+is\s+complete|waypoint\s+(is\s+)?complete|task\s+(is\s+)?complete|all\s+criteria\s+(are\s+)?met)`)

// aliasDetected reports whether text claims completion without the
// canonical marker.
func aliasDetected(text, waypointID string) bool {
	if scanCompletion(text, waypointID) {
		return false
	}
	return aliasRE.MatchString(text)
}

var criterionRE = regexp.MustCompile(`(?s)<acceptance-criterion>\s*<index>(\d+)</index>\s*<status>(verified|failed)</status>\s*<text>(.*?)</text>\s*<evidence>(.*?)</evidence>\s*</acceptance-criterion>`)

// scanCriteria extracts every well-formed <acceptance-criterion> block.
// Indexes outside the waypoint's criteria list are dropped. A later block
// for the same index supersedes an earlier one, so an agent may downgrade
// a criterion it finds broken on re-check.
func scanCriteria(text string, criteriaCount int) map[int]receipt.CriterionVerification {
	out := make(map[int]receipt.CriterionVerification)
	for _, m := range criterionRE.FindAllStringSubmatch(text, -1) {
		idx, err := strconv.Atoi(m[1])
		if err != nil || idx < 0 || idx >= criteriaCount {
			continue
		}
		out[idx] = receipt.CriterionVerification{
			Index:     idx,
			Criterion: strings.TrimSpace(m[3]),
			Status:    receipt.CriterionStatus(m[2]),
			Evidence:  strings.TrimSpace(m[4]),
		}
	}
	return out
}

var validationCmdRE = regexp.MustCompile(`(?s)<validation-command>(.*?)</validation-command>`)

// scanValidationCommands extracts the host commands the agent reported,
// trimmed and deduplicated in first-seen order.
func scanValidationCommands(text string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range validationCmdRE.FindAllStringSubmatch(text, -1) {
		cmd := strings.TrimSpace(m[1])
		if cmd == "" || seen[cmd] {
			continue
		}
		seen[cmd] = true
		out = append(out, cmd)
	}
	return out
}

// errorSummary extracts the tail of the output around a failure, capped to
// the last 500 characters and at most 10 lines, for intervention context.
func errorSummary(output, failure string) string {
	tail := output
	if len(tail) > 500 {
		tail = tail[len(tail)-500:]
	}
	lines := strings.Split(strings.TrimSpace(tail), "\n")
	if len(lines) > 9 {
		lines = lines[len(lines)-9:]
	}
	if failure != "" {
		lines = append(lines, failure)
	}
	if len(lines) == 0 {
		return failure
	}
	return strings.Join(lines, "\n")
}
