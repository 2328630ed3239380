// Package journey exposes the FLY-phase contract of the journey
// coordinator: the facade that owns the flight plan and project state and
// routes UI calls through the execution controller, the git service, and
// the receipt store. Phase delegates borrow the plan; only the coordinator
// persists it.
package journey

import (
	"context"
	"errors"
	"fmt"

	"github.com/kulesh/waypoints/controller"
	"github.com/kulesh/waypoints/intervention"
	"github.com/kulesh/waypoints/receipt"
	"github.com/kulesh/waypoints/telemetry"
	"github.com/kulesh/waypoints/waypoint"
)

// PlanLoader reloads the flight plan from disk, used after a rollback so
// in-memory state matches the restored working tree.
type PlanLoader func(ctx context.Context) (*waypoint.FlightPlan, error)

// Options configures a Coordinator.
type Options struct {
	Plan     *waypoint.FlightPlan
	Persist  controller.Persister
	Load     PlanLoader
	Receipts receipt.Store
	Git      GitService
	Build    controller.ExecutorFactory
	History  *HistoryJournal
	Logger   telemetry.Logger
}

// Coordinator owns the mutable flight plan and delegates fly-phase work to
// the execution controller.
type Coordinator struct {
	plan     *waypoint.FlightPlan
	persist  controller.Persister
	load     PlanLoader
	receipts receipt.Store
	git      GitService
	build    controller.ExecutorFactory
	history  *HistoryJournal
	log      telemetry.Logger

	ctrl *controller.Controller
}

// New validates opts and constructs a Coordinator with a fresh controller.
func New(opts Options) (*Coordinator, error) {
	if opts.Plan == nil {
		return nil, errors.New("journey: flight plan is required")
	}
	if opts.Persist == nil {
		return nil, errors.New("journey: persister is required")
	}
	if opts.Receipts == nil {
		return nil, errors.New("journey: receipt store is required")
	}
	log := opts.Logger
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	c := &Coordinator{
		plan:     opts.Plan,
		persist:  opts.Persist,
		load:     opts.Load,
		receipts: opts.Receipts,
		git:      opts.Git,
		build:    opts.Build,
		history:  opts.History,
		log:      log,
	}
	if err := c.rebuildController(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Coordinator) rebuildController() error {
	ctrl, err := controller.New(controller.Options{
		Plan:    c.plan,
		Persist: c.persist,
		Build:   c.build,
		Logger:  c.log,
	})
	if err != nil {
		return err
	}
	c.ctrl = ctrl
	return nil
}

// Controller exposes the underlying execution controller for drivers that
// need selection and pause directly.
func (c *Coordinator) Controller() *controller.Controller { return c.ctrl }

// Initialize runs the controller's crash recovery.
func (c *Coordinator) Initialize(ctx context.Context) error {
	return c.ctrl.Initialize(ctx)
}

// ExecuteWaypoint runs one waypoint through the iterative loop and maps
// the outcome to the next directive. An empty wpID executes the next
// runnable waypoint.
func (c *Coordinator) ExecuteWaypoint(ctx context.Context, wpID string, maxIterations int, hostValidations bool) (controller.Directive, error) {
	d, err := c.ctrl.Start(ctx, wpID)
	if err != nil || d.Action != controller.ActionExecute {
		return d, err
	}
	exec, err := c.ctrl.BuildExecutor(*d.Waypoint)
	if err != nil {
		return controller.Directive{}, err
	}
	result, execErr := exec.Execute(ctx, *d.Waypoint, maxIterations+c.ctrl.ExtraIterations(), hostValidations)
	if execErr != nil {
		var needed *intervention.Needed
		if !errors.As(execErr, &needed) {
			// Unexpected executor exception: the controller still needs the
			// run closed out before the error surfaces.
			c.log.Error(ctx, "executor failed", "waypoint", d.Waypoint.ID, "err", execErr)
		}
	}
	return c.ctrl.HandleExecutionResult(ctx, result)
}

// CommitWaypoint validates the waypoint's latest receipt and, when it
// holds up, asks the git service to commit (and optionally tag) the
// working tree.
func (c *Coordinator) CommitWaypoint(ctx context.Context, wpID string, cfg GitConfig) CommitOutcome {
	out := CommitOutcome{Status: CommitStatusFailed}

	wp, err := c.plan.Get(wpID)
	if err != nil {
		out.Notices = append(out.Notices, Notice{SeverityError, err.Error()})
		return out
	}

	rcpt, err := c.receipts.Latest(ctx, wpID)
	if err != nil {
		out.Notices = append(out.Notices, Notice{SeverityError, fmt.Sprintf("no receipt for %s: %v", wpID, err)})
		return out
	}
	if failure := rcpt.Validate(); failure != nil {
		out.Notices = append(out.Notices, Notice{SeverityError, "latest receipt is invalid: " + failure.Summary()})
		return out
	}

	if c.git == nil || !c.git.IsGitRepo() {
		out.Status = CommitStatusSkipped
		out.Notices = append(out.Notices, Notice{SeverityWarning, "not a git repository; commit skipped"})
		return out
	}

	msg := fmt.Sprintf("%s%s: %s", cfg.MessagePrefix, wpID, wp.Title)
	hash, err := c.git.Commit(msg)
	if err != nil {
		out.Notices = append(out.Notices, Notice{SeverityError, "commit failed: " + err.Error()})
		return out
	}
	out.Status = CommitStatusCommitted
	out.CommitHash = hash
	out.CommitMsg = msg
	out.Notices = append(out.Notices, Notice{SeverityInfo, "committed " + hash})

	if cfg.TagCompleted {
		tag := "waypoint-" + waypoint.Slug(wpID)
		if err := c.git.Tag(tag, hash); err != nil {
			out.Notices = append(out.Notices, Notice{SeverityWarning, "tag failed: " + err.Error()})
		} else {
			out.Notices = append(out.Notices, Notice{SeverityInfo, "tagged " + tag})
		}
	}
	return out
}

// RollbackToRef resets the working tree to ref and reloads the flight plan
// from disk so in-memory state matches what the tree now contains.
func (c *Coordinator) RollbackToRef(ctx context.Context, ref string) RollbackResult {
	if c.git == nil {
		return RollbackResult{Success: false, Message: "no git service wired"}
	}
	if err := c.git.ResetHard(ref); err != nil {
		return RollbackResult{Success: false, Message: "reset failed: " + err.Error()}
	}
	if c.load != nil {
		plan, err := c.load(ctx)
		if err != nil {
			return RollbackResult{Success: false, Message: "tree reset but plan reload failed: " + err.Error()}
		}
		c.plan = plan
		if err := c.rebuildController(); err != nil {
			return RollbackResult{Success: false, Message: "tree reset but controller rebuild failed: " + err.Error()}
		}
	}
	return RollbackResult{Success: true, Message: "rolled back to " + ref}
}

// CheckParentCompletion logs whether wpID's parent epic has every child
// complete. It never auto-completes the epic: the epic must itself execute
// to verify its own criteria.
func (c *Coordinator) CheckParentCompletion(ctx context.Context, wpID string) {
	wp, err := c.plan.Get(wpID)
	if err != nil || wp.ParentID == "" {
		return
	}
	ready, err := c.plan.ChildrenComplete(wp.ParentID)
	if err != nil {
		return
	}
	if ready {
		c.log.Info(ctx, "parent epic ready to execute", "epic", wp.ParentID, "child", wpID)
	} else {
		c.log.Info(ctx, "parent epic still waiting on children", "epic", wp.ParentID, "child", wpID)
	}
}

// HandleIntervention applies an operator resolution. Rollback resolutions
// additionally perform the git rollback and plan reload here, since the
// controller does not own git.
func (c *Coordinator) HandleIntervention(ctx context.Context, r intervention.Resolution) (controller.Directive, error) {
	d, err := c.ctrl.ResolveIntervention(ctx, r)
	if err != nil {
		return d, err
	}
	if r.Action == intervention.ActionRollback {
		res := c.RollbackToRef(ctx, r.RollbackRef)
		d.Message = res.Message
		if !res.Success {
			return d, fmt.Errorf("journey: %s", res.Message)
		}
	}
	return d, nil
}

// AddWaypoint adds wp to the plan, persists immediately, and emits an
// "add" history event.
func (c *Coordinator) AddWaypoint(ctx context.Context, wp waypoint.Waypoint) error {
	if err := c.plan.Add(wp); err != nil {
		return err
	}
	if err := c.persist.SavePlan(ctx, c.plan); err != nil {
		return err
	}
	return c.LogWaypointEvent(ctx, HistoryAdd, map[string]any{"waypoint_id": wp.ID, "title": wp.Title})
}

// UpdateWaypoint applies the invariant-bearing edit to an existing
// waypoint, persists, and emits an "update" history event.
func (c *Coordinator) UpdateWaypoint(ctx context.Context, id, objective string, criteria, deps []string) error {
	if err := c.plan.Edit(id, objective, criteria, deps); err != nil {
		return err
	}
	if err := c.persist.SavePlan(ctx, c.plan); err != nil {
		return err
	}
	return c.LogWaypointEvent(ctx, HistoryUpdate, map[string]any{"waypoint_id": id})
}

// LogWaypointEvent appends one structured event to the waypoint-history
// journal. A nil journal makes it a no-op, for embedders that don't keep
// history.
func (c *Coordinator) LogWaypointEvent(ctx context.Context, eventType HistoryEventType, payload map[string]any) error {
	if c.history == nil {
		return nil
	}
	return c.history.Append(ctx, eventType, payload)
}
