package journey_test

import (
	"bufio"
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

	"github.com/kulesh/waypoints/controller"
	"github.com/kulesh/waypoints/evidence"
	"github.com/kulesh/waypoints/execlog"
	"github.com/kulesh/waypoints/executor"
	"github.com/kulesh/waypoints/finalizer"
	"github.com/kulesh/waypoints/intervention"
	"github.com/kulesh/waypoints/journey"
	"github.com/kulesh/waypoints/model"
	"github.com/kulesh/waypoints/receipt"
	"github.com/kulesh/waypoints/waypoint"
)

type memPersister struct{ saves int }

func (p *memPersister) SavePlan(context.Context, *waypoint.FlightPlan) error {
	p.saves++
	return nil
}

type fakeGit struct {
	isRepo    bool
	commits   []string
	tags      map[string]string
	resets    []string
	commitErr error
	resetErr  error
}

func (g *fakeGit) IsGitRepo() bool { return g.isRepo }

func (g *fakeGit) Commit(message string) (string, error) {
	if g.commitErr != nil {
		return "", g.commitErr
	}
	g.commits = append(g.commits, message)
	return "abc1234", nil
}

func (g *fakeGit) Tag(name, ref string) error {
	if g.tags == nil {
		g.tags = make(map[string]string)
	}
	g.tags[name] = ref
	return nil
}

func (g *fakeGit) ResetHard(ref string) error {
	if g.resetErr != nil {
		return g.resetErr
	}
	g.resets = append(g.resets, ref)
	return nil
}

func (g *fakeGit) CurrentBranch() (string, error) { return "main", nil }
func (g *fakeGit) HeadCommit() (string, error)    { return "abc1234", nil }

func validReceipt(wpID string) *receipt.Receipt {
	return &receipt.Receipt{
		WaypointID:      wpID,
		Title:           "Add login",
		HostValidations: true,
		Checklist: []receipt.ChecklistItem{
			{Item: "pytest", Command: "pytest", Status: receipt.StatusPassed},
		},
		CreatedAt: time.Now().UTC(),
	}
}

func newCoordinator(t *testing.T, plan *waypoint.FlightPlan, git journey.GitService, rcpts receipt.Store, opts ...func(*journey.Options)) (*journey.Coordinator, *memPersister) {
	t.Helper()
	p := &memPersister{}
	o := journey.Options{
		Plan:     plan,
		Persist:  p,
		Receipts: rcpts,
		Git:      git,
		History:  journey.NewHistoryJournal(t.TempDir()),
	}
	for _, f := range opts {
		f(&o)
	}
	c, err := journey.New(o)
	require.NoError(t, err)
	return c, p
}

func planWith(t *testing.T, wps ...waypoint.Waypoint) *waypoint.FlightPlan {
	t.Helper()
	plan := waypoint.New()
	for _, wp := range wps {
		if wp.Status == "" {
			wp.Status = waypoint.StatusPending
		}
		require.NoError(t, plan.Add(wp))
	}
	return plan
}

func TestCommitWaypointHappyPath(t *testing.T) {
	root := t.TempDir()
	store := receipt.NewFileStore(root)
	_, err := store.Save(context.Background(), validReceipt("wp-1"))
	require.NoError(t, err)

	git := &fakeGit{isRepo: true}
	plan := planWith(t, waypoint.Waypoint{ID: "wp-1", Title: "Add login"})
	c, _ := newCoordinator(t, plan, git, store)

	out := c.CommitWaypoint(context.Background(), "wp-1", journey.GitConfig{
		MessagePrefix: "fly: ",
		TagCompleted:  true,
	})
	assert.Equal(t, journey.CommitStatusCommitted, out.Status)
	assert.Equal(t, "abc1234", out.CommitHash)
	assert.Equal(t, "fly: wp-1: Add login", out.CommitMsg)
	require.Len(t, git.commits, 1)
	assert.Contains(t, git.tags, "waypoint-wp-1")
}

func TestCommitWaypointInvalidReceipt(t *testing.T) {
	root := t.TempDir()
	store := receipt.NewFileStore(root)
	bad := validReceipt("wp-1")
	bad.Checklist[0].Status = receipt.StatusFailed
	bad.Checklist[0].ExitCode = 1
	_, err := store.Save(context.Background(), bad)
	require.NoError(t, err)

	git := &fakeGit{isRepo: true}
	c, _ := newCoordinator(t, planWith(t, waypoint.Waypoint{ID: "wp-1"}), git, store)

	out := c.CommitWaypoint(context.Background(), "wp-1", journey.GitConfig{})
	assert.Equal(t, journey.CommitStatusFailed, out.Status)
	assert.Empty(t, git.commits)
	require.NotEmpty(t, out.Notices)
	assert.Equal(t, journey.SeverityError, out.Notices[0].Severity)
}

func TestCommitWaypointNoReceipt(t *testing.T) {
	c, _ := newCoordinator(t, planWith(t, waypoint.Waypoint{ID: "wp-1"}), &fakeGit{isRepo: true}, receipt.NewFileStore(t.TempDir()))
	out := c.CommitWaypoint(context.Background(), "wp-1", journey.GitConfig{})
	assert.Equal(t, journey.CommitStatusFailed, out.Status)
}

func TestCommitWaypointOutsideGitRepo(t *testing.T) {
	root := t.TempDir()
	store := receipt.NewFileStore(root)
	_, err := store.Save(context.Background(), validReceipt("wp-1"))
	require.NoError(t, err)

	c, _ := newCoordinator(t, planWith(t, waypoint.Waypoint{ID: "wp-1"}), &fakeGit{isRepo: false}, store)
	out := c.CommitWaypoint(context.Background(), "wp-1", journey.GitConfig{})
	assert.Equal(t, journey.CommitStatusSkipped, out.Status)
}

func TestRollbackToRefReloadsPlan(t *testing.T) {
	git := &fakeGit{isRepo: true}
	reloaded := planWith(t, waypoint.Waypoint{ID: "wp-1"}, waypoint.Waypoint{ID: "wp-2"})
	loads := 0
	c, _ := newCoordinator(t, planWith(t, waypoint.Waypoint{ID: "wp-1"}), git, receipt.NewFileStore(t.TempDir()),
		func(o *journey.Options) {
			o.Load = func(context.Context) (*waypoint.FlightPlan, error) {
				loads++
				return reloaded, nil
			}
		})

	res := c.RollbackToRef(context.Background(), "waypoint-wp-1-pre")
	assert.True(t, res.Success)
	assert.Equal(t, []string{"waypoint-wp-1-pre"}, git.resets)
	assert.Equal(t, 1, loads)

	git.resetErr = errors.New("unknown ref")
	res = c.RollbackToRef(context.Background(), "bad")
	assert.False(t, res.Success)
}

func TestHandleInterventionRollback(t *testing.T) {
	git := &fakeGit{isRepo: true}
	plan := planWith(t, waypoint.Waypoint{ID: "wp-1", Status: waypoint.StatusFailed})
	c, _ := newCoordinator(t, plan, git, receipt.NewFileStore(t.TempDir()))

	c.Controller().PrepareIntervention(intervention.New(
		intervention.KindTestFailure, waypoint.Waypoint{ID: "wp-1"}, 3, 5, "pytest exited 1", nil))

	ref := journey.NormalizeRollback("", "waypoint-wp-1-pre")
	d, err := c.HandleIntervention(context.Background(), intervention.Resolution{
		Action:      intervention.ActionRollback,
		RollbackRef: ref,
	})
	require.NoError(t, err)
	assert.Equal(t, controller.ActionPause, d.Action)
	assert.Equal(t, []string{"waypoint-wp-1-pre"}, git.resets)
}

func TestNormalizeRollbackPrefersRef(t *testing.T) {
	assert.Equal(t, "ref-a", journey.NormalizeRollback("ref-a", "tag-b"))
	assert.Equal(t, "tag-b", journey.NormalizeRollback("", "tag-b"))
}

func TestAddWaypointPersistsAndLogsHistory(t *testing.T) {
	root := t.TempDir()
	history := journey.NewHistoryJournal(root)
	plan := planWith(t)
	c, p := newCoordinator(t, plan, &fakeGit{}, receipt.NewFileStore(t.TempDir()),
		func(o *journey.Options) { o.History = history })

	require.NoError(t, c.AddWaypoint(context.Background(), waypoint.Waypoint{
		ID: "wp-9", Title: "New work", Status: waypoint.StatusPending,
	}))
	assert.Equal(t, 1, p.saves)

	f, err := os.Open(filepath.Join(root, "sessions", "waypoint_history.jsonl"))
	require.NoError(t, err)
	defer f.Close()
	scanner := bufio.NewScanner(f)
	require.True(t, scanner.Scan())
	var rec map[string]any
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
	assert.Equal(t, "add", rec["type"])
	assert.Equal(t, "wp-9", rec["waypoint_id"])
}

func TestHistoryJournalRejectsUnknownType(t *testing.T) {
	j := journey.NewHistoryJournal(t.TempDir())
	err := j.Append(context.Background(), journey.HistoryEventType("exploded"), nil)
	assert.Error(t, err)
}

// End to end through the coordinator: one waypoint, one iteration, marker
// plus verified criteria, host commands green.
func TestExecuteWaypointDelegates(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "pyproject.toml"), []byte("[project]\nname=\"d\"\n"), 0o644))

	fin, err := finalizer.New(finalizer.Options{
		ProjectRoot: root,
		Runner:      passRunner{},
		Store:       receipt.NewFileStore(root),
	})
	require.NoError(t, err)

	build := func(wp waypoint.Waypoint) (*executor.Executor, error) {
		client := &oneShotClient{text: "<acceptance-criterion><index>0</index><status>verified</status><text>ok</text><evidence>ran</evidence></acceptance-criterion><waypoint-complete>" + wp.ID + "</waypoint-complete>"}
		return executor.New(executor.Options{
			Client:      client,
			Finalizer:   fin,
			Log:         execlog.NewFileStore(root),
			ProjectRoot: root,
		})
	}

	plan := planWith(t, waypoint.Waypoint{ID: "wp-1", Title: "t", AcceptanceCriteria: []string{"ok"}})
	c, _ := newCoordinator(t, plan, &fakeGit{isRepo: true}, receipt.NewFileStore(root),
		func(o *journey.Options) { o.Build = build })

	d, err := c.ExecuteWaypoint(context.Background(), "wp-1", 3, true)
	require.NoError(t, err)
	assert.Equal(t, controller.ActionLand, d.Action)

	got, err := plan.Get("wp-1")
	require.NoError(t, err)
	assert.Equal(t, waypoint.StatusComplete, got.Status)
}

type passRunner struct{}

func (passRunner) Run(_ context.Context, command, _ string) evidence.Captured {
	return evidence.Captured{Command: command, ExitCode: 0, Stdout: "ok", CapturedAt: time.Now()}
}

type oneShotClient struct {
	text string
}

func (c *oneShotClient) Stream(context.Context, *model.Request) (model.Streamer, error) {
	return &oneShotStream{text: c.text}, nil
}

type oneShotStream struct {
	text string
	sent bool
}

func (s *oneShotStream) Recv() (model.Chunk, error) {
	if s.sent {
		return model.Chunk{}, io.EOF
	}
	s.sent = true
	return model.Chunk{Type: model.ChunkTypeText, Text: s.text}, nil
}

func (s *oneShotStream) Close() error              { return nil }
func (s *oneShotStream) Metadata() map[string]any { return nil }
