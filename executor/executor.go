// Package executor implements the iterative agent loop that drives one
// waypoint to completion: build a prompt, stream the provider's response,
// detect the canonical completion marker, classify derailments and provider
// failures, and hand the captured evidence to the finalizer. The loop is
// single-task and cooperative; cancellation is a flag checked at iteration
// boundaries, never a mid-stream abort.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kulesh/waypoints/evidence"
	"github.com/kulesh/waypoints/execlog"
	"github.com/kulesh/waypoints/finalizer"
	"github.com/kulesh/waypoints/intervention"
	"github.com/kulesh/waypoints/model"
	"github.com/kulesh/waypoints/progress"
	"github.com/kulesh/waypoints/receipt"
	"github.com/kulesh/waypoints/stack"
	"github.com/kulesh/waypoints/telemetry"
	"github.com/kulesh/waypoints/waypoint"
)

// Result is the closed set of ways an execution can end.
type Result string

const (
	ResultSuccess            Result = "success"
	ResultFailed             Result = "failed"
	ResultMaxIterations      Result = "max_iterations"
	ResultCancelled          Result = "cancelled"
	ResultInterventionNeeded Result = "intervention_needed"
)

// allowedTools is the fixed tool surface exposed to the agent.
var allowedTools = []string{"Read", "Write", "Edit", "Bash", "Glob", "Grep"}

// Options configures an Executor.
type Options struct {
	Client    model.Client
	Finalizer *finalizer.Finalizer
	Log       execlog.Store
	// Bus receives progress events; nil disables progress reporting.
	Bus progress.Bus

	ProjectRoot string
	ProjectSlug string
	SpecText    string
	Overrides   stack.Overrides
	// Memory is accumulated waypoint memory injected into the first prompt.
	Memory string
	// BlockedPaths are project-relative paths the agent must not touch;
	// tool calls referencing them set the scope-drift flag.
	BlockedPaths []string

	Budget *Budget
	// RetryDelays is the fixed backoff schedule for transient provider
	// failures that occur before any text is yielded. Its length bounds
	// the retry count. Defaults to a single 2s retry.
	RetryDelays []time.Duration

	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	Now     func() time.Time
	Sleep   func(time.Duration)
}

// Executor runs one waypoint at a time. It owns its execution-log writer
// and the pending intervention, if any; it is not safe for concurrent
// Execute calls.
type Executor struct {
	client      model.Client
	fin         *finalizer.Finalizer
	logStore    execlog.Store
	bus         progress.Bus
	projectRoot string
	projectSlug string
	specText    string
	overrides   stack.Overrides
	memory      string
	blocked     []string
	budget      *Budget
	retryDelays []time.Duration
	log         telemetry.Logger
	metrics     telemetry.Metrics
	now         func() time.Time
	sleep       func(time.Duration)

	cancelled atomic.Bool

	mu      sync.Mutex
	pending *intervention.Intervention
}

// New validates opts and constructs an Executor.
func New(opts Options) (*Executor, error) {
	if opts.Client == nil {
		return nil, errors.New("executor: model client is required")
	}
	if opts.Finalizer == nil {
		return nil, errors.New("executor: finalizer is required")
	}
	if opts.Log == nil {
		return nil, errors.New("executor: execution log store is required")
	}
	if opts.ProjectRoot == "" {
		return nil, errors.New("executor: project root is required")
	}
	e := &Executor{
		client:      opts.Client,
		fin:         opts.Finalizer,
		logStore:    opts.Log,
		bus:         opts.Bus,
		projectRoot: opts.ProjectRoot,
		projectSlug: opts.ProjectSlug,
		specText:    opts.SpecText,
		overrides:   opts.Overrides,
		memory:      opts.Memory,
		blocked:     opts.BlockedPaths,
		budget:      opts.Budget,
		retryDelays: opts.RetryDelays,
		log:         opts.Logger,
		metrics:     opts.Metrics,
		now:         opts.Now,
		sleep:       opts.Sleep,
	}
	if e.retryDelays == nil {
		e.retryDelays = []time.Duration{2 * time.Second}
	}
	if e.log == nil {
		e.log = telemetry.NewNoopLogger()
	}
	if e.metrics == nil {
		e.metrics = telemetry.NewNoopMetrics()
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.sleep == nil {
		e.sleep = time.Sleep
	}
	return e, nil
}

// Cancel requests cooperative cancellation. The in-flight provider call is
// allowed to complete; no new iteration starts afterwards.
func (e *Executor) Cancel() { e.cancelled.Store(true) }

// PendingIntervention returns the intervention captured by the last
// Execute, if any. The controller reads it when mapping a failed result.
func (e *Executor) PendingIntervention() *intervention.Intervention {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending
}

// journalPather is implemented by execlog.FileStore; other stores don't
// need path registration.
type journalPather interface {
	JournalPath(executionID, waypointSlug string, startedAt time.Time) string
}

// run is the per-execution mutable state.
type run struct {
	wp            waypoint.Waypoint
	w             *execlog.Writer
	maxIterations int
	hostVal       bool
	startedAt     time.Time

	iterText   strings.Builder
	fullOutput strings.Builder

	criteria  map[int]receipt.CriterionVerification
	completed map[int]bool // union of verified indexes, never shrinks

	reported   []string
	reportedAt map[string]bool
	byCommand  map[string]evidence.Captured
	byCategory map[evidence.Category]evidence.Captured

	resolved []stack.ValidationCommand

	sessionMeta map[string]any
	totalCost   float64
	derailments int
	scopeDrift  bool
	fileOps     []progress.FileOperation
}

func (r *run) completedSlice() []int {
	out := make([]int, 0, len(r.completed))
	for i := range r.completed {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

func (r *run) completedSet() map[int]bool {
	out := make(map[int]bool, len(r.completed))
	for i := range r.completed {
		out[i] = true
	}
	return out
}

// Execute drives wp through the iteration loop until the completion marker
// is detected and validated, an exit condition fires, or the operator must
// intervene. It terminates through exactly one exit: a normal Result, or
// ResultInterventionNeeded together with an *intervention.Needed error.
func (e *Executor) Execute(ctx context.Context, wp waypoint.Waypoint, maxIterations int, hostValidations bool) (Result, error) {
	if maxIterations <= 0 {
		return ResultFailed, fmt.Errorf("executor: max iterations must be positive")
	}
	e.mu.Lock()
	e.pending = nil
	e.mu.Unlock()

	startedAt := e.now()
	executionID := uuid.NewString()
	if jp, ok := e.logStore.(journalPather); ok {
		jp.JournalPath(executionID, waypoint.Slug(wp.ID), startedAt)
	}
	w := execlog.NewWriter(e.logStore, executionID, wp.ID)

	if err := w.Write(ctx, execlog.KindHeader, 0, execlog.HeaderPayload{
		Schema:             execlog.SchemaName,
		Version:            execlog.SchemaVersion,
		ExecutionID:        executionID,
		WaypointID:         wp.ID,
		WaypointTitle:      wp.Title,
		WaypointObjective:  wp.Objective,
		AcceptanceCriteria: wp.AcceptanceCriteria,
		StartedAt:          startedAt,
		ProjectSlug:        e.projectSlug,
	}); err != nil {
		return ResultFailed, err
	}

	resolved, err := stack.Resolve(e.projectRoot, e.specText, e.overrides)
	if err != nil {
		// Detection failure is not fatal; the finalizer falls back to
		// model-reported commands.
		e.log.Warn(ctx, "stack detection failed", "err", err)
	}

	r := &run{
		wp:            wp,
		w:             w,
		maxIterations: maxIterations,
		hostVal:       hostValidations,
		startedAt:     startedAt,
		criteria:      make(map[int]receipt.CriterionVerification),
		completed:     make(map[int]bool),
		reportedAt:    make(map[string]bool),
		byCommand:     make(map[string]evidence.Captured),
		byCategory:    make(map[evidence.Category]evidence.Captured),
		resolved:      resolved,
		sessionMeta:   make(map[string]any),
	}

	reason := ReasonCode("")
	detail := ""
	for iter := 1; ; iter++ {
		if iter > maxIterations {
			return e.exhausted(ctx, r, maxIterations)
		}
		if e.cancelled.Load() {
			return e.finish(ctx, r, iter-1, ResultCancelled)
		}

		var prompt string
		if iter == 1 {
			prompt = FirstPrompt(PromptInputs{
				Waypoint: wp,
				SpecText: e.specText,
				Commands: resolved,
				Memory:   e.memory,
			})
		} else {
			prompt = KickoffPrompt(wp, reason, detail)
		}
		if err := w.Write(ctx, execlog.KindIterationStart, iter, execlog.IterationStartPayload{
			Prompt:     prompt,
			ReasonCode: string(reason),
		}); err != nil {
			return ResultFailed, err
		}
		e.publish(ctx, r, iter, progress.StepExecuting)

		r.iterText.Reset()
		markerFound, cost, streamErr := e.streamIteration(ctx, r, iter, prompt)

		e.mergeCriteria(r)
		if markerFound {
			// The stream is fully drained by now, so every tool-call event
			// precedes this record.
			if err := w.Write(ctx, execlog.KindCompletionDetected, iter, nil); err != nil {
				return ResultFailed, err
			}
		}
		if err := w.Write(ctx, execlog.KindOutput, iter, execlog.OutputPayload{
			Text:              r.iterText.String(),
			CriteriaCompleted: r.completedSlice(),
		}); err != nil {
			return ResultFailed, err
		}
		if err := w.Write(ctx, execlog.KindIterationEnd, iter, execlog.IterationEndPayload{CostUSD: cost}); err != nil {
			return ResultFailed, err
		}
		r.totalCost += cost
		e.budget.Charge(cost)
		e.metrics.RecordGauge("executor.iteration_cost_usd", cost, "waypoint", wp.ID)

		if streamErr != nil {
			return e.surfaceProviderFailure(ctx, r, iter, streamErr)
		}

		if e.cancelled.Load() {
			// The cancel arrived during this iteration's stream; no new
			// iteration starts and no receipt is produced.
			return e.finish(ctx, r, iter, ResultCancelled)
		}

		if markerFound {
			result, retryReason, retryDetail, err := e.finalize(ctx, r, iter)
			if err != nil {
				return result, err
			}
			if result != "" {
				return result, nil
			}
			reason, detail = retryReason, retryDetail
			continue
		}

		reason, detail = e.classifyDerailment(r)
		e.log.Info(ctx, "iteration ended without marker",
			"waypoint", wp.ID, "iteration", iter, "reason", reason)
	}
}

// streamIteration performs one provider call with bounded retry for
// transient failures that occur before any text is yielded. It returns
// whether the completion marker was seen, the iteration's cost, and the
// terminal stream error if one survived retry.
func (e *Executor) streamIteration(ctx context.Context, r *run, iter int, prompt string) (bool, float64, error) {
	var cost float64
	attempt := 0
	for {
		if e.budget.Exceeded() {
			return false, cost, model.NewProviderError("executor", "stream", 0,
				model.ProviderErrorKindBudgetExceeded, "",
				fmt.Sprintf("project budget %.2f USD exhausted", e.budget.Max()), false, nil)
		}

		stream, err := e.client.Stream(ctx, e.buildRequest(r, prompt))
		if err == nil {
			var marker bool
			var textYielded bool
			marker, cost, textYielded, err = e.consume(ctx, r, iter, stream, cost)
			if err == nil {
				return marker, cost, nil
			}
			if textYielded {
				// Retrying after output risks duplicated tool side effects.
				return marker, cost, err
			}
		}
		class := classifyProviderErr(err)
		if !class.retryable() || attempt >= len(e.retryDelays) {
			return false, cost, err
		}
		e.log.Warn(ctx, "provider failure, retrying", "class", string(class), "attempt", attempt+1)
		e.sleep(e.retryDelays[attempt])
		attempt++
	}
}

func (e *Executor) buildRequest(r *run, prompt string) *model.Request {
	tools := make([]*model.ToolDefinition, len(allowedTools))
	for i, name := range allowedTools {
		tools[i] = &model.ToolDefinition{Name: name}
	}
	meta := make(map[string]any, len(r.sessionMeta))
	for k, v := range r.sessionMeta {
		meta[k] = v
	}
	return &model.Request{
		SessionMeta: meta,
		Messages: []*model.Message{
			{Role: model.RoleUser, Parts: []model.Part{model.TextPart{Text: prompt}}},
		},
		Tools: tools,
	}
}

// consume drains one provider stream, scanning for markers and capturing
// tool evidence. The stream is drained fully even after the marker is
// found, so every tool-call event precedes the downstream finalize.
func (e *Executor) consume(ctx context.Context, r *run, iter int, stream model.Streamer, cost float64) (bool, float64, bool, error) {
	defer stream.Close()

	marker := false
	textYielded := false
	for {
		if e.cancelled.Load() {
			// Cancellation between chunks: the in-flight call is allowed to
			// complete, so drain the remainder without interpreting it.
			for {
				if _, err := stream.Recv(); err != nil {
					break
				}
			}
			break
		}
		chunk, recvErr := stream.Recv()
		if recvErr != nil {
			if errors.Is(recvErr, io.EOF) {
				break
			}
			return marker, cost, textYielded, recvErr
		}
		cost += chunk.CostUSD

		switch chunk.Type {
		case model.ChunkTypeText:
			textYielded = true
			r.iterText.WriteString(chunk.Text)
			r.fullOutput.WriteString(chunk.Text)
			e.mergeCriteria(r)
			if !marker && scanCompletion(r.iterText.String(), r.wp.ID) {
				marker = true
			}
			e.publish(ctx, r, iter, progress.StepStreaming)

		case model.ChunkTypeToolCall:
			if chunk.ToolCall != nil {
				e.recordToolCall(ctx, r, iter, chunk.ToolCall)
			}
			e.publish(ctx, r, iter, progress.StepToolUse)

		case model.ChunkTypeToolResult:
			if chunk.ToolResult != nil {
				if err := e.recordToolResult(ctx, r, iter, chunk.ToolResult); err != nil {
					return marker, cost, textYielded, err
				}
			}
			e.publish(ctx, r, iter, progress.StepToolUse)
		}
	}

	if meta := stream.Metadata(); meta != nil {
		for k, v := range meta {
			r.sessionMeta[k] = v
		}
	}
	return marker, cost, textYielded, nil
}

// recordToolCall derives file operations for progress display and flags
// blocked-path access attempts.
func (e *Executor) recordToolCall(ctx context.Context, r *run, iter int, tc *model.ToolUsePart) {
	var input struct {
		FilePath   string `json:"file_path"`
		LineNumber int    `json:"line_number"`
		Command    string `json:"command"`
	}
	_ = json.Unmarshal(tc.Input, &input)
	if input.FilePath != "" {
		r.fileOps = append(r.fileOps, progress.FileOperation{
			ToolName:   tc.Name,
			FilePath:   input.FilePath,
			LineNumber: input.LineNumber,
		})
	}
	if e.touchesBlockedPath(input.FilePath) || e.touchesBlockedPath(input.Command) {
		r.scopeDrift = true
		_ = r.w.Write(ctx, execlog.KindSecurityViolation, iter, execlog.ErrorPayload{
			Message: fmt.Sprintf("tool %s touched a blocked path", tc.Name),
		})
	}
}

// recordToolResult captures bash outcomes as validation evidence, keyed by
// normalized command and by detected category.
func (e *Executor) recordToolResult(ctx context.Context, r *run, iter int, tr *model.ToolCallResult) error {
	if !strings.EqualFold(tr.Name, "Bash") {
		return nil
	}
	var input struct {
		Command string `json:"command"`
	}
	_ = json.Unmarshal(tr.Input, &input)
	if input.Command == "" {
		return nil
	}
	if e.touchesBlockedPath(input.Command) {
		r.scopeDrift = true
		_ = r.w.Write(ctx, execlog.KindSecurityViolation, iter, execlog.ErrorPayload{
			Message: "bash command touched a blocked path",
		})
	}

	norm := evidence.NormalizeCommand(input.Command)
	cap := evidence.Captured{
		Command:    norm,
		ExitCode:   tr.ExitCode,
		Stdout:     tr.Output,
		CapturedAt: e.now(),
	}
	r.byCommand[norm] = cap
	r.byCategory[stack.CategoryOf(norm)] = cap
	if !r.reportedAt[norm] {
		r.reportedAt[norm] = true
		r.reported = append(r.reported, norm)
	}
	return r.w.Write(ctx, execlog.KindToolCall, iter, execlog.ToolCallPayload{
		Command:  norm,
		ExitCode: tr.ExitCode,
		Stdout:   tr.Output,
	})
}

func (e *Executor) touchesBlockedPath(s string) bool {
	if s == "" {
		return false
	}
	for _, p := range e.blocked {
		if p != "" && strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// mergeCriteria folds freshly scanned criterion blocks into the run state.
// The completed set only grows: a criterion verified once stays counted
// even if a later block downgrades it, so progress reporting is monotonic.
func (e *Executor) mergeCriteria(r *run) {
	scanned := scanCriteria(r.iterText.String(), len(r.wp.AcceptanceCriteria))
	for idx, v := range scanned {
		r.criteria[idx] = v
		if v.Status == receipt.CriterionVerified {
			r.completed[idx] = true
		}
	}
	for _, cmd := range scanValidationCommands(r.iterText.String()) {
		norm := evidence.NormalizeCommand(cmd)
		if !r.reportedAt[norm] {
			r.reportedAt[norm] = true
			r.reported = append(r.reported, norm)
		}
	}
}

// classifyDerailment picks the next kickoff reason when an iteration ended
// without the marker: aliased completion is a protocol violation, a
// blocked-path attempt is scope drift, anything else just continues.
func (e *Executor) classifyDerailment(r *run) (ReasonCode, string) {
	text := r.iterText.String()
	if aliasDetected(text, r.wp.ID) {
		r.derailments++
		return ReasonProtocolViolation, "you claimed completion without the canonical marker; aliases are not accepted"
	}
	if r.scopeDrift {
		r.derailments++
		r.scopeDrift = false
		return ReasonScopeDrift, "a tool call touched a path outside this waypoint's scope; stay within the project"
	}
	return ReasonContinue, "the completion marker has not appeared yet; keep going"
}

// finalize runs the receipt pipeline after marker detection. It returns a
// terminal Result, or empty-result retry reason/detail when a failed host
// validation should kick off another iteration.
func (e *Executor) finalize(ctx context.Context, r *run, iter int) (Result, ReasonCode, string, error) {
	e.publish(ctx, r, iter, progress.StepFinalizing)

	out, err := e.fin.Finalize(ctx, r.w, finalizer.Inputs{
		Waypoint:           r.wp,
		Iteration:          iter,
		Criteria:           r.criteria,
		Resolved:           r.resolved,
		ReportedCommands:   r.reported,
		EvidenceByCommand:  r.byCommand,
		EvidenceByCategory: r.byCategory,
		HostValidations:    r.hostVal,
	})
	if err != nil {
		_ = r.w.Write(ctx, execlog.KindError, iter, execlog.ErrorPayload{Message: err.Error()})
		res, ierr := e.surface(ctx, r, iter, intervention.New(
			intervention.KindExecutionError, r.wp, iter, r.maxIterations,
			errorSummary(r.fullOutput.String(), err.Error()), nil))
		return res, "", "", ierr
	}
	r.totalCost += out.CostUSD
	e.budget.Charge(out.CostUSD)

	if out.Valid {
		res, err := e.finish(ctx, r, iter, ResultSuccess)
		if err != nil {
			return res, "", "", err
		}
		e.publish(ctx, r, iter, progress.StepComplete)
		return ResultSuccess, "", "", nil
	}

	if out.HostValidationFailed && iter < r.maxIterations {
		e.log.Info(ctx, "host validation failed, retrying",
			"waypoint", r.wp.ID, "iteration", iter, "summary", out.FailureSummary)
		return "", ReasonHostValidationFailed, out.FailureSummary, nil
	}

	// Invalid with no local retry left: record the pending intervention and
	// return failed so the controller can route it.
	kind := intervention.KindExecutionError
	switch {
	case out.HostValidationFailed:
		kind = hardFailureKind(out.Receipt)
	case out.InvalidReason == "":
		// A judge rejection of otherwise clean evidence still reads as
		// "the work does not pass its checks".
		kind = intervention.KindTestFailure
	}
	iv := intervention.New(kind, r.wp, iter, r.maxIterations,
		errorSummary(r.fullOutput.String(), out.FailureSummary), map[string]any{
			"receipt_path": out.ReceiptPath,
		})
	e.setPending(&iv)
	if err := r.w.Write(ctx, execlog.KindInterventionNeeded, iter, execlog.InterventionPayload{
		Kind:         string(iv.Kind),
		ErrorSummary: iv.ErrorSummary,
		Context:      iv.Context,
	}); err != nil {
		return ResultFailed, "", "", err
	}
	res, err := e.finish(ctx, r, iter, ResultFailed)
	return res, "", "", err
}

// hardFailureKind classifies a hard-validation failure by the categories
// of the items that failed: lint-only failures and type-only failures get
// their own intervention kinds; any mix, or a failing test or build, is a
// test failure.
func hardFailureKind(rcpt *receipt.Receipt) intervention.Kind {
	lintOnly, typeOnly := true, true
	for i := range rcpt.Checklist {
		item := &rcpt.Checklist[i]
		if item.Status != receipt.StatusFailed {
			continue
		}
		if item.Category != evidence.CategoryLint {
			lintOnly = false
		}
		if item.Category != evidence.CategoryType {
			typeOnly = false
		}
	}
	switch {
	case lintOnly:
		return intervention.KindLintError
	case typeOnly:
		return intervention.KindTypeError
	default:
		return intervention.KindTestFailure
	}
}

// exhausted handles the iterations-spent exit: a plainly stuck run (no
// criterion ever verified, no tool evidence) terminates as max_iterations;
// a run that was making progress surfaces an iteration-limit intervention
// so the operator can grant more iterations.
func (e *Executor) exhausted(ctx context.Context, r *run, maxIterations int) (Result, error) {
	if len(r.completed) == 0 && len(r.byCommand) == 0 {
		return e.finish(ctx, r, maxIterations, ResultMaxIterations)
	}
	return e.surface(ctx, r, maxIterations, intervention.New(
		intervention.KindIterationLimit, r.wp, maxIterations, maxIterations,
		errorSummary(r.fullOutput.String(), fmt.Sprintf("no completion marker after %d iterations", maxIterations)),
		map[string]any{"criteria_completed": r.completedSlice()}))
}

// surfaceProviderFailure maps a terminal stream error onto the
// intervention taxonomy with diagnostic context.
func (e *Executor) surfaceProviderFailure(ctx context.Context, r *run, iter int, streamErr error) (Result, error) {
	_ = r.w.Write(ctx, execlog.KindError, iter, execlog.ErrorPayload{Message: streamErr.Error()})

	class := classifyProviderErr(streamErr)
	fields := map[string]any{"api_error_type": string(class)}
	if class == classBudgetExceeded || class == classQuotaExhausted {
		fields["configured_budget_usd"] = e.budget.Max()
		fields["current_cost_usd"] = e.budget.Spent()
	}
	if pe, ok := model.AsProviderError(streamErr); ok && pe.HTTPStatus() > 0 {
		fields["http_status"] = pe.HTTPStatus()
	}
	return e.surface(ctx, r, iter, intervention.New(
		class.interventionKind(), r.wp, iter, r.maxIterations,
		errorSummary(r.fullOutput.String(), streamErr.Error()), fields))
}

// surface records iv as the pending intervention, journals it, and returns
// the intervention exit.
func (e *Executor) surface(ctx context.Context, r *run, iter int, iv intervention.Intervention) (Result, error) {
	e.setPending(&iv)
	_ = r.w.Write(ctx, execlog.KindInterventionNeeded, iter, execlog.InterventionPayload{
		Kind:         string(iv.Kind),
		ErrorSummary: iv.ErrorSummary,
		Context:      iv.Context,
	})
	e.publish(ctx, r, iter, progress.StepError)
	return ResultInterventionNeeded, &intervention.Needed{Intervention: iv}
}

func (e *Executor) setPending(iv *intervention.Intervention) {
	e.mu.Lock()
	e.pending = iv
	e.mu.Unlock()
}

// finish writes the terminal completion event and returns the result.
func (e *Executor) finish(ctx context.Context, r *run, iter int, result Result) (Result, error) {
	if err := r.w.Write(ctx, execlog.KindCompletion, iter, execlog.CompletionPayload{
		Result:          string(result),
		TotalCostUSD:    r.totalCost,
		DurationSeconds: e.now().Sub(r.startedAt).Seconds(),
	}); err != nil {
		return result, err
	}
	e.metrics.IncCounter("executor.completions", 1, "result", string(result))
	return result, nil
}

func (e *Executor) publish(ctx context.Context, r *run, iter int, step progress.Step) {
	if e.bus == nil {
		return
	}
	_ = e.bus.Publish(ctx, progress.Event{
		WaypointID:        r.wp.ID,
		Iteration:         iter,
		TotalIterations:   r.maxIterations,
		Step:              step,
		Output:            r.fullOutput.String(),
		CriteriaCompleted: r.completedSet(),
		FileOperations:    append([]progress.FileOperation(nil), r.fileOps...),
	})
}
