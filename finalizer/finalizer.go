// Package finalizer turns a completed waypoint run into a verified receipt
// in four phases: resolve the validation commands, run them on the host,
// build the checklist receipt, and ask an LLM judge to verify it. The
// structural check over captured evidence is always authoritative; the
// judge is advisory, and failures in the judge path default to trusting
// the evidence.
package finalizer

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/kulesh/waypoints/evidence"
	"github.com/kulesh/waypoints/execlog"
	"github.com/kulesh/waypoints/model"
	"github.com/kulesh/waypoints/receipt"
	"github.com/kulesh/waypoints/stack"
	"github.com/kulesh/waypoints/telemetry"
	"github.com/kulesh/waypoints/waypoint"
)

// Inputs carries everything the executor captured during its run that the
// finalizer needs to build and verify the receipt.
type Inputs struct {
	Waypoint waypoint.Waypoint

	// Iteration is the iteration the completion marker was detected in;
	// finalize events are journaled under it.
	Iteration int

	// Criteria is the per-criterion verification map built from
	// <acceptance-criterion> blocks.
	Criteria map[int]receipt.CriterionVerification

	// Resolved is the stack detector's command list.
	Resolved []stack.ValidationCommand

	// ReportedCommands are host commands the model reported through
	// <validation-command> blocks, used when the detector found nothing.
	ReportedCommands []string

	// EvidenceByCommand and EvidenceByCategory are the tool-call captures
	// keyed by normalized command string and by detected category.
	EvidenceByCommand  map[string]evidence.Captured
	EvidenceByCategory map[evidence.Category]evidence.Captured

	// HostValidations gates phase two: when false, no command runs on the
	// host and the receipt leans on tool-captured soft evidence instead.
	HostValidations bool
}

// Outcome is the finalizer's verdict.
type Outcome struct {
	Receipt     *receipt.Receipt
	ReceiptPath string
	Valid       bool

	// HostValidationFailed is true when invalidity came from a failed
	// host-run command, the one case the executor retries locally.
	HostValidationFailed bool

	// InvalidReason is the structural defect class when the structural
	// check failed; empty for a valid receipt or a judge-driven invalid.
	InvalidReason receipt.InvalidReason

	// FailureSummary is short enough to embed into the next iteration's
	// retry prompt.
	FailureSummary string

	// JudgeNote records the judge's reasoning, or the note explaining why
	// the judge was skipped or its verdict discarded.
	JudgeNote string

	// CostUSD is the judge call's cost, reported to the run's accumulator.
	CostUSD float64
}

// Options configures a Finalizer.
type Options struct {
	ProjectRoot string
	Runner      Runner
	Store       receipt.Store
	// Judge is the optional LLM verifier. Nil skips verification.
	Judge model.Client
	// Logger defaults to the no-op logger.
	Logger telemetry.Logger
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Finalizer builds and verifies receipts. It borrows the executor's journal
// writer per call; it owns no journal of its own.
type Finalizer struct {
	projectRoot string
	runner      Runner
	store       receipt.Store
	judge       model.Client
	log         telemetry.Logger
	now         func() time.Time
}

// New validates opts and constructs a Finalizer.
func New(opts Options) (*Finalizer, error) {
	if opts.ProjectRoot == "" {
		return nil, errors.New("finalizer: project root is required")
	}
	if opts.Store == nil {
		return nil, errors.New("finalizer: receipt store is required")
	}
	runner := opts.Runner
	if runner == nil {
		runner = &HostRunner{}
	}
	log := opts.Logger
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Finalizer{
		projectRoot: opts.ProjectRoot,
		runner:      runner,
		store:       opts.Store,
		judge:       opts.Judge,
		log:         log,
		now:         now,
	}, nil
}

// Finalize runs the resolve-run-build-verify pipeline, journaling each host
// command to w and persisting the receipt before verification.
func (f *Finalizer) Finalize(ctx context.Context, w *execlog.Writer, in Inputs) (Outcome, error) {
	if err := w.Write(ctx, execlog.KindFinalizeStart, in.Iteration, nil); err != nil {
		return Outcome{}, err
	}

	resolved := f.resolve(in)

	var hard []receipt.ChecklistItem
	if in.HostValidations {
		var err error
		hard, err = f.runHost(ctx, w, in.Iteration, resolved)
		if err != nil {
			return Outcome{}, err
		}
	} else {
		for _, cmd := range resolved {
			hard = append(hard, receipt.ChecklistItem{
				Item:     cmd.Name,
				Command:  cmd.Command,
				Category: cmd.Category,
				Status:   receipt.StatusSkipped,
				Evidence: "host validations disabled",
			})
		}
	}

	rcpt := f.build(in, resolved, hard)
	path, err := f.store.Save(ctx, rcpt)
	if err != nil {
		return Outcome{}, fmt.Errorf("finalizer: save receipt: %w", err)
	}

	out := Outcome{Receipt: rcpt, ReceiptPath: path}
	if failure := rcpt.Validate(); failure != nil {
		out.Valid = false
		out.HostValidationFailed = failure.Reason == receipt.InvalidHardFailure
		out.InvalidReason = failure.Reason
		out.FailureSummary = failure.Summary()
	} else {
		out.Valid = true
		f.verify(ctx, w, in.Iteration, rcpt, &out)
	}

	if err := w.Write(ctx, execlog.KindReceiptValidated, in.Iteration, execlog.ReceiptValidatedPayload{
		Valid:       out.Valid,
		ReceiptPath: path,
		Reason:      out.FailureSummary,
	}); err != nil {
		return Outcome{}, err
	}
	if err := w.Write(ctx, execlog.KindFinalizeEnd, in.Iteration, execlog.IterationEndPayload{CostUSD: out.CostUSD}); err != nil {
		return Outcome{}, err
	}
	return out, nil
}

// resolve returns the detector's commands, or falls back to the
// model-reported list with best-guess categories when the detector found
// nothing.
func (f *Finalizer) resolve(in Inputs) []stack.ValidationCommand {
	if len(in.Resolved) > 0 {
		return in.Resolved
	}
	var out []stack.ValidationCommand
	seen := make(map[string]bool)
	for _, cmd := range in.ReportedCommands {
		norm := evidence.NormalizeCommand(cmd)
		if norm == "" || seen[norm] {
			continue
		}
		seen[norm] = true
		out = append(out, stack.ValidationCommand{
			Name:     "reported",
			Command:  norm,
			Category: stack.CategoryOf(norm),
			Cwd:      f.projectRoot,
		})
	}
	return out
}

// runHost executes the resolved commands sequentially, at most once per
// (command, cwd) pair, journaling each outcome.
func (f *Finalizer) runHost(ctx context.Context, w *execlog.Writer, iteration int, resolved []stack.ValidationCommand) ([]receipt.ChecklistItem, error) {
	var items []receipt.ChecklistItem
	ran := make(map[[2]string]bool)
	for _, cmd := range resolved {
		cwd := cmd.Cwd
		if cwd == "" {
			cwd = f.projectRoot
		}
		key := [2]string{cmd.Command, cwd}
		if ran[key] {
			continue
		}
		ran[key] = true

		cap := f.runner.Run(ctx, cmd.Command, cwd)
		status := receipt.StatusPassed
		if !cap.Passed() {
			status = receipt.StatusFailed
		}
		f.log.Info(ctx, "host validation", "command", cmd.Command, "exit_code", cap.ExitCode)
		if err := w.Write(ctx, execlog.KindFinalizeToolCall, iteration, execlog.ToolCallPayload{
			Command:  cmd.Command,
			ExitCode: cap.ExitCode,
			Stdout:   cap.Stdout,
			Stderr:   cap.Stderr,
		}); err != nil {
			return nil, err
		}
		items = append(items, receipt.ChecklistItem{
			Item:     cmd.Name,
			Command:  cmd.Command,
			Category: cmd.Category,
			ExitCode: cap.ExitCode,
			Status:   status,
			Stdout:   cap.Stdout,
			Stderr:   cap.Stderr,
			Evidence: fmt.Sprintf("ran on host in %s", cwd),
		})
	}
	return items, nil
}

// build assembles the receipt from the hard items, the soft evidence (when
// host validations were off), and the captured criterion verifications.
func (f *Finalizer) build(in Inputs, resolved []stack.ValidationCommand, hard []receipt.ChecklistItem) *receipt.Receipt {
	var soft []receipt.ChecklistItem
	if !in.HostValidations {
		soft = softChecklist(resolved, in)
		if len(soft) == 0 {
			// A run with no commands and no tool evidence is still valid,
			// recorded as one explicit skip so the receipt says why.
			soft = append(soft, receipt.ChecklistItem{
				Item:     "host-validations",
				Status:   receipt.StatusSkipped,
				Evidence: "host validations disabled; no validation commands resolved or reported",
			})
		}
	}

	var verifications []receipt.CriterionVerification
	for i := range in.Waypoint.AcceptanceCriteria {
		if v, ok := in.Criteria[i]; ok {
			verifications = append(verifications, v)
		}
	}

	return &receipt.Receipt{
		WaypointID:            in.Waypoint.ID,
		Title:                 in.Waypoint.Title,
		Objective:             in.Waypoint.Objective,
		AcceptanceCriteria:    append([]string(nil), in.Waypoint.AcceptanceCriteria...),
		Checklist:             hard,
		SoftChecklist:         soft,
		CriteriaVerifications: verifications,
		HostValidations:       in.HostValidations,
		CreatedAt:             f.now(),
	}
}

// softChecklist maps tool-captured evidence onto the resolved commands, by
// normalized command string first and by category second, falling back to
// every distinct capture when nothing was resolved.
func softChecklist(resolved []stack.ValidationCommand, in Inputs) []receipt.ChecklistItem {
	var out []receipt.ChecklistItem
	used := make(map[string]bool)
	add := func(name string, cat evidence.Category, cap evidence.Captured) {
		norm := evidence.NormalizeCommand(cap.Command)
		if used[norm] {
			return
		}
		used[norm] = true
		status := receipt.StatusPassed
		if !cap.Passed() {
			status = receipt.StatusFailed
		}
		out = append(out, receipt.ChecklistItem{
			Item:     name,
			Command:  cap.Command,
			Category: cat,
			ExitCode: cap.ExitCode,
			Status:   status,
			Stdout:   cap.Stdout,
			Stderr:   cap.Stderr,
			Evidence: "reported by agent tool call",
		})
	}
	for _, cmd := range resolved {
		if cap, ok := in.EvidenceByCommand[evidence.NormalizeCommand(cmd.Command)]; ok {
			add(cmd.Name, cmd.Category, cap)
			continue
		}
		if cap, ok := in.EvidenceByCategory[cmd.Category]; ok {
			add(cmd.Name, cmd.Category, cap)
		}
	}
	if len(resolved) == 0 {
		norms := make([]string, 0, len(in.EvidenceByCommand))
		for norm := range in.EvidenceByCommand {
			norms = append(norms, norm)
		}
		sort.Strings(norms)
		for _, norm := range norms {
			add("reported", stack.CategoryOf(norm), in.EvidenceByCommand[norm])
		}
	}
	return out
}

var verdictRE = regexp.MustCompile(`(?s)<receipt-verdict\s+status="(valid|invalid)">(.*?)</receipt-verdict>`)

// verify asks the LLM judge to confirm a structurally valid receipt. A
// missing marker or a judge error leaves the receipt valid with a note; an
// explicit invalid verdict flips the outcome and carries the reason.
func (f *Finalizer) verify(ctx context.Context, w *execlog.Writer, iteration int, rcpt *receipt.Receipt, out *Outcome) {
	if f.judge == nil {
		out.JudgeNote = "judge not configured; structural check only"
		return
	}

	text, cost, err := f.askJudge(ctx, rcpt)
	out.CostUSD += cost
	if err != nil {
		out.JudgeNote = "judge verification failed; trusting structural evidence: " + err.Error()
		f.log.Warn(ctx, "receipt judge failed", "err", err)
		_ = w.Write(ctx, execlog.KindError, iteration, execlog.ErrorPayload{Message: "receipt judge: " + err.Error()})
		return
	}
	_ = w.Write(ctx, execlog.KindFinalizeOutput, iteration, execlog.OutputPayload{Text: text})

	m := verdictRE.FindStringSubmatch(text)
	if m == nil {
		out.JudgeNote = "judge emitted no verdict marker; treating receipt as valid"
		return
	}
	reason := strings.TrimSpace(m[2])
	if m[1] == "invalid" {
		out.Valid = false
		out.FailureSummary = judgeFailureSummary(rcpt, reason)
		out.JudgeNote = reason
		return
	}
	out.JudgeNote = reason
}

// judgeFailureSummary prefixes the judge's reason with the worst hard item
// when one exists, so the summary names a concrete command even for
// judge-driven invalidity.
func judgeFailureSummary(rcpt *receipt.Receipt, reason string) string {
	for i := range rcpt.Checklist {
		item := &rcpt.Checklist[i]
		if item.Status == receipt.StatusFailed {
			f := receipt.ValidationFailure{Reason: receipt.InvalidHardFailure, Item: item}
			return f.Summary() + "; judge: " + reason
		}
	}
	return "judge: " + reason
}

func (f *Finalizer) askJudge(ctx context.Context, rcpt *receipt.Receipt) (string, float64, error) {
	prompt := judgePrompt(rcpt)
	stream, err := f.judge.Stream(ctx, &model.Request{
		Messages: []*model.Message{
			{Role: model.RoleSystem, Parts: []model.Part{model.TextPart{Text: judgeSystemPrompt}}},
			{Role: model.RoleUser, Parts: []model.Part{model.TextPart{Text: prompt}}},
		},
	})
	if err != nil {
		return "", 0, err
	}
	defer stream.Close()

	var text strings.Builder
	var cost float64
	for {
		chunk, err := stream.Recv()
		if err != nil {
			if isEOF(err) {
				break
			}
			return text.String(), cost, err
		}
		cost += chunk.CostUSD
		if chunk.Type == model.ChunkTypeText {
			text.WriteString(chunk.Text)
		}
	}
	return text.String(), cost, nil
}
