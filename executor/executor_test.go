package executor_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kulesh/waypoints/evidence"
	"github.com/kulesh/waypoints/execlog"
	"github.com/kulesh/waypoints/executor"
	"github.com/kulesh/waypoints/finalizer"
	"github.com/kulesh/waypoints/intervention"
	"github.com/kulesh/waypoints/model"
	"github.com/kulesh/waypoints/progress"
	"github.com/kulesh/waypoints/receipt"
	"github.com/kulesh/waypoints/waypoint"
)

// scriptedCall is one provider invocation's canned behavior.
type scriptedCall struct {
	openErr error
	chunks  []model.Chunk
	recvErr error // returned after chunks are exhausted, instead of EOF
	meta    map[string]any
	// hook runs before chunk i is delivered, for mid-stream triggers.
	hook func(i int)
}

type scriptedClient struct {
	calls []scriptedCall
	reqs  []*model.Request
	n     int
}

func (c *scriptedClient) Stream(_ context.Context, req *model.Request) (model.Streamer, error) {
	idx := c.n
	c.n++
	c.reqs = append(c.reqs, req)
	if idx >= len(c.calls) {
		return nil, errors.New("scripted client: unexpected provider call")
	}
	call := c.calls[idx]
	if call.openErr != nil {
		return nil, call.openErr
	}
	return &scriptedStream{call: call}, nil
}

type scriptedStream struct {
	call scriptedCall
	pos  int
}

func (s *scriptedStream) Recv() (model.Chunk, error) {
	if s.pos >= len(s.call.chunks) {
		if s.call.recvErr != nil {
			return model.Chunk{}, s.call.recvErr
		}
		return model.Chunk{}, io.EOF
	}
	if s.call.hook != nil {
		s.call.hook(s.pos)
	}
	c := s.call.chunks[s.pos]
	s.pos++
	return c, nil
}

func (s *scriptedStream) Close() error { return nil }

func (s *scriptedStream) Metadata() map[string]any { return s.call.meta }

// seqRunner replays per-command exit code sequences across finalize rounds.
type seqRunner struct {
	exits map[string][]int
	calls map[string]int
}

func newSeqRunner(exits map[string][]int) *seqRunner {
	return &seqRunner{exits: exits, calls: make(map[string]int)}
}

func (r *seqRunner) Run(_ context.Context, command, _ string) evidence.Captured {
	i := r.calls[command]
	r.calls[command]++
	code := 0
	if seq := r.exits[command]; i < len(seq) {
		code = seq[i]
	}
	stderr := ""
	if code != 0 {
		stderr = "FAILED tests/test_login.py::test_ok"
	}
	return evidence.Captured{Command: command, ExitCode: code, Stdout: "ok", Stderr: stderr, CapturedAt: time.Now()}
}

func text(s string) model.Chunk { return model.Chunk{Type: model.ChunkTypeText, Text: s} }

func usage(cost float64) model.Chunk { return model.Chunk{Type: model.ChunkTypeUsage, CostUSD: cost} }

func bashResult(command string, exit int, output string) model.Chunk {
	input, _ := json.Marshal(map[string]string{"command": command})
	return model.Chunk{Type: model.ChunkTypeToolResult, ToolResult: &model.ToolCallResult{
		Name: "Bash", Input: input, Output: output, ExitCode: exit,
	}}
}

func criterion(idx int, status, textBody, ev string) string {
	return "<acceptance-criterion><index>" + itoa(idx) + "</index><status>" + status +
		"</status><text>" + textBody + "</text><evidence>" + ev + "</evidence></acceptance-criterion>"
}

func itoa(i int) string { return string(rune('0' + i)) }

func loginWaypoint() waypoint.Waypoint {
	return waypoint.Waypoint{
		ID:                 "wp-1",
		Title:              "Add login",
		Objective:          "Implement the login endpoint",
		AcceptanceCriteria: []string{"endpoint returns 200", "bad password returns 401"},
		Status:             waypoint.StatusPending,
	}
}

type fixture struct {
	exec    *executor.Executor
	client  *scriptedClient
	runner  *seqRunner
	root    string // project root (receipts + journals live here)
	budget  *executor.Budget
	bus     progress.Bus
	events  *[]progress.Event
}

func newFixture(t *testing.T, calls []scriptedCall, exits map[string][]int, budget *executor.Budget) *fixture {
	t.Helper()

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "pyproject.toml"), []byte("[project]\nname = \"demo\"\n"), 0o644))

	runner := newSeqRunner(exits)
	fin, err := finalizer.New(finalizer.Options{
		ProjectRoot: root,
		Runner:      runner,
		Store:       receipt.NewFileStore(root),
	})
	require.NoError(t, err)

	client := &scriptedClient{calls: calls}
	bus := progress.NewBus()
	var events []progress.Event
	_, err = bus.Subscribe(progress.SubscriberFunc(func(_ context.Context, e progress.Event) error {
		events = append(events, e)
		return nil
	}))
	require.NoError(t, err)

	exec, err := executor.New(executor.Options{
		Client:      client,
		Finalizer:   fin,
		Log:         execlog.NewFileStore(root),
		Bus:         bus,
		ProjectRoot: root,
		ProjectSlug: "demo",
		SpecText:    "a python service",
		Budget:      budget,
		RetryDelays: []time.Duration{0},
		Sleep:       func(time.Duration) {},
	})
	require.NoError(t, err)
	return &fixture{exec: exec, client: client, runner: runner, root: root, budget: budget, bus: bus, events: &events}
}

func (f *fixture) journal(t *testing.T) *execlog.Log {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(f.root, "sessions", "fly", "*.jsonl"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	log, err := execlog.LoadFile(matches[0])
	require.NoError(t, err)
	return log
}

func countKind(log *execlog.Log, kind execlog.Kind) int {
	n := 0
	for _, e := range log.Events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func payloadOf[T any](t *testing.T, e *execlog.Event) T {
	t.Helper()
	var p T
	require.NoError(t, json.Unmarshal(e.Payload, &p))
	return p
}

// S1: happy path. The marker lands in iteration 2 after both criteria are
// verified; every host command passes.
func TestExecuteHappyPath(t *testing.T) {
	calls := []scriptedCall{
		{
			chunks: []model.Chunk{
				text("Implementing the endpoint...\n"),
				bashResult("pytest", 0, "2 passed"),
				text(criterion(0, "verified", "endpoint returns 200", "curl shows 200")),
				usage(0.10),
			},
			meta: map[string]any{"session_id": "sess-1"},
		},
		{
			chunks: []model.Chunk{
				text(criterion(1, "verified", "bad password returns 401", "curl shows 401") + "\n"),
				text("<waypoint-complete>wp-1</waypoint-complete>"),
				usage(0.05),
			},
			meta: map[string]any{"session_id": "sess-1"},
		},
	}
	fx := newFixture(t, calls, nil, nil)

	result, err := fx.exec.Execute(context.Background(), loginWaypoint(), 5, true)
	require.NoError(t, err)
	assert.Equal(t, executor.ResultSuccess, result)

	log := fx.journal(t)
	assert.Equal(t, 2, countKind(log, execlog.KindIterationStart))
	assert.Equal(t, 2, countKind(log, execlog.KindIterationEnd))
	assert.Equal(t, 1, countKind(log, execlog.KindCompletionDetected))
	assert.Equal(t, 1, countKind(log, execlog.KindFinalizeStart))
	// One host run per resolved python command (ruff, mypy, pytest, ruff-format).
	assert.Equal(t, 4, countKind(log, execlog.KindFinalizeToolCall))
	assert.Equal(t, 1, countKind(log, execlog.KindReceiptValidated))
	assert.Equal(t, 1, countKind(log, execlog.KindCompletion))

	completion := log.Completion()
	require.NotNil(t, completion)
	assert.Equal(t, "success", completion.Result)
	assert.InDelta(t, 0.15, completion.TotalCostUSD, 0.001)

	assert.Equal(t, map[int]bool{0: true, 1: true}, log.CompletedCriteria())
	assert.Equal(t, 2, log.IterationsUsed())
	assert.InDelta(t, completion.TotalCostUSD, log.TotalCostUSD(), 0.001)
}

// S2: a failed host validation kicks off one more iteration with reason
// host_validation_failed, then succeeds on re-finalize.
func TestExecuteHostValidationRetry(t *testing.T) {
	marker := "<waypoint-complete>wp-1</waypoint-complete>"
	calls := []scriptedCall{
		{chunks: []model.Chunk{text("working\n"), usage(0.1)}},
		{chunks: []model.Chunk{
			text(criterion(0, "verified", "endpoint returns 200", "curl") + criterion(1, "verified", "bad password returns 401", "curl") + marker),
			usage(0.1),
		}},
		{chunks: []model.Chunk{text("fixed the test\n" + marker), usage(0.1)}},
	}
	fx := newFixture(t, calls, map[string][]int{"pytest": {1, 0}}, nil)

	result, err := fx.exec.Execute(context.Background(), loginWaypoint(), 5, true)
	require.NoError(t, err)
	assert.Equal(t, executor.ResultSuccess, result)

	log := fx.journal(t)
	assert.Equal(t, 3, countKind(log, execlog.KindIterationStart))
	assert.Equal(t, 2, countKind(log, execlog.KindFinalizeStart))
	assert.Equal(t, 2, countKind(log, execlog.KindReceiptValidated))

	var validated []execlog.ReceiptValidatedPayload
	var starts []execlog.IterationStartPayload
	for _, e := range log.Events {
		switch e.Kind {
		case execlog.KindReceiptValidated:
			validated = append(validated, payloadOf[execlog.ReceiptValidatedPayload](t, e))
		case execlog.KindIterationStart:
			starts = append(starts, payloadOf[execlog.IterationStartPayload](t, e))
		}
	}
	require.Len(t, validated, 2)
	assert.False(t, validated[0].Valid)
	assert.True(t, validated[1].Valid)

	require.Len(t, starts, 3)
	assert.Equal(t, string(executor.ReasonHostValidationFailed), starts[2].ReasonCode)
	assert.Contains(t, starts[2].Prompt, "pytest exited 1")
}

// S3: an aliased completion claim is a protocol violation, not an exit;
// the next kickoff names the reason and the session id is reused.
func TestExecuteProtocolViolation(t *testing.T) {
	calls := []scriptedCall{
		{
			chunks: []model.Chunk{text("Implementation is complete. **WP-1 COMPLETE**"), usage(0.1)},
			meta:   map[string]any{"session_id": "sess-9"},
		},
		{
			chunks: []model.Chunk{
				text(criterion(0, "verified", "endpoint returns 200", "curl") + criterion(1, "verified", "bad password returns 401", "curl")),
				text("<waypoint-complete>wp-1</waypoint-complete>"),
			},
		},
	}
	fx := newFixture(t, calls, nil, nil)

	result, err := fx.exec.Execute(context.Background(), loginWaypoint(), 5, true)
	require.NoError(t, err)
	assert.Equal(t, executor.ResultSuccess, result)

	log := fx.journal(t)
	assert.Zero(t, countKind(log, execlog.KindSecurityViolation), "protocol violations are not security violations")

	var starts []execlog.IterationStartPayload
	for _, e := range log.Events {
		if e.Kind == execlog.KindIterationStart {
			starts = append(starts, payloadOf[execlog.IterationStartPayload](t, e))
		}
	}
	require.Len(t, starts, 2)
	assert.Equal(t, string(executor.ReasonProtocolViolation), starts[1].ReasonCode)
	assert.Contains(t, starts[1].Prompt, "Reason: protocol_violation")
	assert.Contains(t, starts[1].Prompt, "<waypoint-complete>wp-1</waypoint-complete>")

	require.Len(t, fx.client.reqs, 2)
	assert.Equal(t, "sess-9", fx.client.reqs[1].SessionMeta["session_id"])
}

// S4: a 429 before any chunk is retried once on the fixed schedule, then
// surfaced as a rate-limited intervention.
func TestExecuteRateLimited(t *testing.T) {
	rateErr := model.NewProviderError("anthropic", "stream", 429, model.ProviderErrorKindRateLimited, "", "rate limited", true, nil)
	calls := []scriptedCall{
		{openErr: rateErr},
		{openErr: rateErr},
	}
	fx := newFixture(t, calls, nil, nil)

	result, err := fx.exec.Execute(context.Background(), loginWaypoint(), 5, true)
	assert.Equal(t, executor.ResultInterventionNeeded, result)

	var needed *intervention.Needed
	require.ErrorAs(t, err, &needed)
	assert.Equal(t, intervention.KindRateLimited, needed.Intervention.Kind)
	assert.Equal(t, "rate_limited", needed.Intervention.Context["api_error_type"])
	assert.Equal(t, 2, fx.client.n, "one retry on the fixed schedule, then surface")

	pending := fx.exec.PendingIntervention()
	require.NotNil(t, pending)
	assert.Equal(t, intervention.KindRateLimited, pending.Kind)
}

// S5: once the budget is spent, the next provider call fails with a
// budget error and no retry.
func TestExecuteBudgetExceeded(t *testing.T) {
	calls := []scriptedCall{
		{chunks: []model.Chunk{text("expensive iteration\n"), usage(2.0)}},
	}
	budget := executor.NewBudget(1.0)
	fx := newFixture(t, calls, nil, budget)

	result, err := fx.exec.Execute(context.Background(), loginWaypoint(), 5, true)
	assert.Equal(t, executor.ResultInterventionNeeded, result)

	var needed *intervention.Needed
	require.ErrorAs(t, err, &needed)
	assert.Equal(t, intervention.KindBudgetExceeded, needed.Intervention.Kind)
	assert.Equal(t, 1.0, needed.Intervention.Context["configured_budget_usd"])
	assert.Equal(t, 2.0, needed.Intervention.Context["current_cost_usd"])
	assert.Equal(t, 1, fx.client.n, "budget errors are never retried")
	assert.Equal(t, intervention.ActionAbort, needed.Intervention.SuggestedAction())
}

// S6: cancellation during iteration 3's stream lets the call finish, then
// stops before iteration 4. No receipt is written.
func TestExecuteCancelMidStream(t *testing.T) {
	var fx *fixture
	calls := []scriptedCall{
		{chunks: []model.Chunk{text("one\n")}},
		{chunks: []model.Chunk{text("two\n")}},
		{
			chunks: []model.Chunk{text("three\n"), text("more\n")},
			hook: func(i int) {
				if i == 1 {
					fx.exec.Cancel()
				}
			},
		},
	}
	fx = newFixture(t, calls, nil, nil)

	result, err := fx.exec.Execute(context.Background(), loginWaypoint(), 10, true)
	require.NoError(t, err)
	assert.Equal(t, executor.ResultCancelled, result)

	log := fx.journal(t)
	assert.Equal(t, 3, countKind(log, execlog.KindIterationStart), "no new iteration after cancel")
	completion := log.Completion()
	require.NotNil(t, completion)
	assert.Equal(t, "cancelled", completion.Result)

	_, err = os.Stat(filepath.Join(fx.root, "receipts"))
	assert.True(t, os.IsNotExist(err), "a cancelled run produces no receipt")
}

// A lint-only host failure with no iterations left surfaces a lint_error
// intervention rather than the generic test_failure.
func TestExecuteLintOnlyFailureClassified(t *testing.T) {
	calls := []scriptedCall{
		{chunks: []model.Chunk{text("<waypoint-complete>wp-1</waypoint-complete>")}},
	}
	fx := newFixture(t, calls, map[string][]int{"ruff check .": {1}}, nil)

	result, err := fx.exec.Execute(context.Background(), loginWaypoint(), 1, true)
	require.NoError(t, err)
	assert.Equal(t, executor.ResultFailed, result)

	pending := fx.exec.PendingIntervention()
	require.NotNil(t, pending)
	assert.Equal(t, intervention.KindLintError, pending.Kind)
	assert.Equal(t, intervention.ActionRetry, pending.SuggestedAction())
}

// Iterations exhausted with progress surfaces an iteration-limit
// intervention; with no progress at all it exits max_iterations.
func TestExecuteIterationLimit(t *testing.T) {
	withProgress := []scriptedCall{
		{chunks: []model.Chunk{text(criterion(0, "verified", "endpoint returns 200", "curl"))}},
		{chunks: []model.Chunk{text("still going")}},
	}
	fx := newFixture(t, withProgress, nil, nil)
	result, err := fx.exec.Execute(context.Background(), loginWaypoint(), 2, true)
	assert.Equal(t, executor.ResultInterventionNeeded, result)
	var needed *intervention.Needed
	require.ErrorAs(t, err, &needed)
	assert.Equal(t, intervention.KindIterationLimit, needed.Intervention.Kind)

	stuck := []scriptedCall{
		{chunks: []model.Chunk{text("hmm")}},
		{chunks: []model.Chunk{text("hmm")}},
	}
	fx2 := newFixture(t, stuck, nil, nil)
	result, err = fx2.exec.Execute(context.Background(), loginWaypoint(), 2, true)
	require.NoError(t, err)
	assert.Equal(t, executor.ResultMaxIterations, result)
}

// Progress events stream to the bus with a monotonic completed set.
func TestExecutePublishesProgress(t *testing.T) {
	calls := []scriptedCall{
		{chunks: []model.Chunk{
			text(criterion(0, "verified", "endpoint returns 200", "curl")),
			text(criterion(1, "verified", "bad password returns 401", "curl")),
			text("<waypoint-complete>wp-1</waypoint-complete>"),
		}},
	}
	fx := newFixture(t, calls, nil, nil)

	result, err := fx.exec.Execute(context.Background(), loginWaypoint(), 5, true)
	require.NoError(t, err)
	require.Equal(t, executor.ResultSuccess, result)

	events := *fx.events
	require.NotEmpty(t, events)
	last := 0
	for _, e := range events {
		assert.GreaterOrEqual(t, len(e.CriteriaCompleted), last, "completed set never shrinks")
		last = len(e.CriteriaCompleted)
		assert.Equal(t, "wp-1", e.WaypointID)
	}
	assert.Equal(t, progress.StepComplete, events[len(events)-1].Step)
}
