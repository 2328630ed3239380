// Package controller converts executor outcomes into next-action
// directives and manages waypoint selection, pause/resume, and intervention
// routing for one flight plan. It is stateless with respect to persistence
// (the plan is saved through a borrowed Persister) and stateful with
// respect to the current run.
package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kulesh/waypoints/executor"
	"github.com/kulesh/waypoints/intervention"
	"github.com/kulesh/waypoints/telemetry"
	"github.com/kulesh/waypoints/waypoint"
)

// State is the controller's run lifecycle.
type State string

const (
	StateIdle         State = "idle"
	StateRunning      State = "running"
	StatePausePending State = "pause_pending"
	StatePaused       State = "paused"
	StateDone         State = "done"
)

// Action is the closed set of next-action verdicts handed to the UI/CLI
// driver after each unit of work.
type Action string

const (
	ActionContinue     Action = "continue"
	ActionPause        Action = "pause"
	ActionIntervention Action = "intervention"
	ActionComplete     Action = "complete"
	ActionAbort        Action = "abort"
	ActionLand         Action = "land"
	ActionExecute      Action = "execute"
)

// Directive is one tagged next-action verdict. Waypoint is set for
// continue/execute, Intervention for intervention, Message for the rest.
type Directive struct {
	Action       Action
	Waypoint     *waypoint.Waypoint
	Intervention *intervention.Intervention
	Message      string
}

// Persister saves the flight plan after every controller mutation.
type Persister interface {
	SavePlan(ctx context.Context, plan *waypoint.FlightPlan) error
}

// ExecutorFactory builds the executor for one waypoint run. The embedding
// binary wires the concrete provider, finalizer, and journal.
type ExecutorFactory func(wp waypoint.Waypoint) (*executor.Executor, error)

// Options configures a Controller.
type Options struct {
	Plan    *waypoint.FlightPlan
	Persist Persister
	Build   ExecutorFactory
	Logger  telemetry.Logger
	Now     func() time.Time
}

// Controller drives one flight plan through the fly phase.
type Controller struct {
	plan    *waypoint.FlightPlan
	persist Persister
	build   ExecutorFactory
	log     telemetry.Logger
	now     func() time.Time

	state   State
	current string // waypoint id of the in-flight run, empty when idle
	exec    *executor.Executor
	pending *intervention.Intervention
	// extraIterations accumulates operator-granted iteration budget for
	// the current waypoint across retry resolutions.
	extraIterations int
}

// New validates opts and constructs a Controller in StateIdle.
func New(opts Options) (*Controller, error) {
	if opts.Plan == nil {
		return nil, errors.New("controller: flight plan is required")
	}
	if opts.Persist == nil {
		return nil, errors.New("controller: persister is required")
	}
	log := opts.Logger
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Controller{
		plan:    opts.Plan,
		persist: opts.Persist,
		build:   opts.Build,
		log:     log,
		now:     now,
		state:   StateIdle,
	}, nil
}

// State returns the controller's current lifecycle state.
func (c *Controller) State() State { return c.state }

// ExtraIterations returns the iteration budget granted by retry
// resolutions since the current waypoint started.
func (c *Controller) ExtraIterations() int { return c.extraIterations }

// Initialize performs crash recovery: any waypoint left in_progress by a
// previous run is reset to pending, and the plan is saved if anything
// changed.
func (c *Controller) Initialize(ctx context.Context) error {
	changed := false
	var stale []string
	c.plan.All(func(wp waypoint.Waypoint, _ int) {
		if wp.Status == waypoint.StatusInProgress {
			stale = append(stale, wp.ID)
		}
	})
	for _, id := range stale {
		if err := c.plan.SetStatus(id, waypoint.StatusPending); err != nil {
			return err
		}
		changed = true
		c.log.Info(ctx, "reset stale in-progress waypoint", "waypoint", id)
	}
	if changed {
		return c.persist.SavePlan(ctx, c.plan)
	}
	return nil
}

// SelectNextWaypoint returns the first waypoint, in tree order, whose
// dependencies are all complete and whose status is pending (plus
// in_progress and failed when includeInProgress is set, for retry). Epics
// are selectable only once every child is complete. Returns nil when
// nothing is runnable; the controller's state then reflects why (done,
// paused on failed dependencies, or idle).
func (c *Controller) SelectNextWaypoint(includeInProgress bool) *waypoint.Waypoint {
	var selected *waypoint.Waypoint
	c.plan.All(func(wp waypoint.Waypoint, _ int) {
		if selected != nil {
			return
		}
		switch wp.Status {
		case waypoint.StatusPending:
		case waypoint.StatusInProgress, waypoint.StatusFailed:
			if !includeInProgress {
				return
			}
		default:
			return
		}
		depsOK, err := c.plan.DependenciesComplete(wp.ID)
		if err != nil || !depsOK {
			return
		}
		childrenOK, err := c.plan.ChildrenComplete(wp.ID)
		if err != nil || !childrenOK {
			return
		}
		w := wp
		selected = &w
	})

	if selected == nil {
		switch {
		case c.plan.AllComplete():
			c.state = StateDone
		case c.anyFailed():
			c.state = StatePaused
		default:
			c.state = StateIdle
		}
	}
	return selected
}

func (c *Controller) anyFailed() bool {
	failed := false
	c.plan.All(func(wp waypoint.Waypoint, _ int) {
		if wp.Status == waypoint.StatusFailed {
			failed = true
		}
	})
	return failed
}

// Start validates that a waypoint is runnable and transitions to running.
// An empty selected id picks the next runnable waypoint automatically.
func (c *Controller) Start(ctx context.Context, selected string) (Directive, error) {
	if c.state == StateRunning || c.state == StatePausePending {
		return Directive{}, fmt.Errorf("controller: a waypoint is already running")
	}

	var wp *waypoint.Waypoint
	if selected == "" {
		wp = c.SelectNextWaypoint(false)
		if wp == nil {
			switch c.state {
			case StateDone:
				return Directive{Action: ActionLand, Message: "all waypoints complete"}, nil
			case StatePaused:
				return Directive{Action: ActionPause, Message: "blocked by failed dependencies"}, nil
			default:
				return Directive{Action: ActionComplete, Message: "nothing to execute"}, nil
			}
		}
	} else {
		got, err := c.plan.Get(selected)
		if err != nil {
			return Directive{}, err
		}
		if got.Status == waypoint.StatusComplete || got.Status == waypoint.StatusSkipped {
			return Directive{}, fmt.Errorf("controller: waypoint %q is already %s", selected, got.Status)
		}
		if ok, _ := c.plan.DependenciesComplete(selected); !ok {
			return Directive{}, fmt.Errorf("controller: waypoint %q has incomplete dependencies", selected)
		}
		if ok, _ := c.plan.ChildrenComplete(selected); !ok {
			return Directive{}, fmt.Errorf("controller: epic %q has incomplete children", selected)
		}
		wp = &got
	}

	if err := c.plan.SetStatus(wp.ID, waypoint.StatusInProgress); err != nil {
		return Directive{}, err
	}
	if err := c.persist.SavePlan(ctx, c.plan); err != nil {
		return Directive{}, err
	}
	c.state = StateRunning
	c.current = wp.ID
	c.pending = nil
	c.extraIterations = 0
	started := *wp
	started.Status = waypoint.StatusInProgress
	return Directive{Action: ActionExecute, Waypoint: &started}, nil
}

// RequestPause asks the run to stop at the next iteration boundary. It
// cancels the live executor cooperatively; the in-flight provider call is
// allowed to complete.
func (c *Controller) RequestPause() {
	if c.state != StateRunning {
		return
	}
	c.state = StatePausePending
	if c.exec != nil {
		c.exec.Cancel()
	}
}

// BuildExecutor constructs (through the wired factory) and retains the
// executor for the current waypoint so RequestPause can reach it.
func (c *Controller) BuildExecutor(wp waypoint.Waypoint) (*executor.Executor, error) {
	if c.build == nil {
		return nil, errors.New("controller: no executor factory wired")
	}
	exec, err := c.build(wp)
	if err != nil {
		return nil, err
	}
	c.exec = exec
	return exec, nil
}

// HandleExecutionResult maps an executor outcome onto the next directive
// and persists the status transition it implies.
func (c *Controller) HandleExecutionResult(ctx context.Context, result executor.Result) (Directive, error) {
	if c.current == "" {
		return Directive{}, errors.New("controller: no waypoint is running")
	}
	current := c.current
	if c.exec != nil {
		c.pending = c.exec.PendingIntervention()
	}
	c.exec = nil
	c.current = ""

	switch result {
	case executor.ResultSuccess:
		if err := c.plan.Complete(current, c.now()); err != nil {
			return Directive{}, err
		}
		if err := c.persist.SavePlan(ctx, c.plan); err != nil {
			return Directive{}, err
		}
		c.state = StateIdle
		return c.afterSuccess(current)

	case executor.ResultFailed, executor.ResultMaxIterations:
		if err := c.plan.SetStatus(current, waypoint.StatusFailed); err != nil {
			return Directive{}, err
		}
		if err := c.persist.SavePlan(ctx, c.plan); err != nil {
			return Directive{}, err
		}
		c.state = StatePaused
		if c.pending != nil {
			return Directive{Action: ActionIntervention, Intervention: c.pending}, nil
		}
		return Directive{Action: ActionPause, Message: fmt.Sprintf("waypoint %s ended with %s", current, result)}, nil

	case executor.ResultCancelled:
		if err := c.plan.SetStatus(current, waypoint.StatusPending); err != nil {
			return Directive{}, err
		}
		if err := c.persist.SavePlan(ctx, c.plan); err != nil {
			return Directive{}, err
		}
		c.state = StatePaused
		if c.pending != nil {
			return Directive{Action: ActionIntervention, Intervention: c.pending}, nil
		}
		return Directive{Action: ActionPause, Message: fmt.Sprintf("waypoint %s cancelled", current)}, nil

	case executor.ResultInterventionNeeded:
		c.state = StatePaused
		if c.pending == nil {
			return Directive{}, fmt.Errorf("controller: intervention result with no pending intervention")
		}
		return Directive{Action: ActionIntervention, Intervention: c.pending}, nil

	default:
		return Directive{}, fmt.Errorf("controller: unknown execution result %q", result)
	}
}

// afterSuccess picks the follow-up after a completed waypoint: the parent
// epic when it just became runnable, land when everything is complete,
// otherwise the next runnable waypoint.
func (c *Controller) afterSuccess(completedID string) (Directive, error) {
	done, err := c.plan.Get(completedID)
	if err != nil {
		return Directive{}, err
	}
	if done.ParentID != "" {
		childrenOK, err := c.plan.ChildrenComplete(done.ParentID)
		if err != nil {
			return Directive{}, err
		}
		parent, err := c.plan.Get(done.ParentID)
		if err != nil {
			return Directive{}, err
		}
		if childrenOK && parent.Status == waypoint.StatusPending {
			return Directive{Action: ActionExecute, Waypoint: &parent}, nil
		}
	}
	if c.plan.AllComplete() {
		c.state = StateDone
		return Directive{Action: ActionLand, Message: "all waypoints complete"}, nil
	}
	if next := c.SelectNextWaypoint(false); next != nil {
		return Directive{Action: ActionExecute, Waypoint: next}, nil
	}
	return Directive{Action: ActionPause, Message: "no runnable waypoint"}, nil
}

// PrepareIntervention records iv as the pending intervention, for flows
// where the executor returned through the error path and the driver
// re-presents the intervention later.
func (c *Controller) PrepareIntervention(iv intervention.Intervention) {
	c.pending = &iv
	c.state = StatePaused
}

// ResolveIntervention applies the operator's decision and returns the next
// directive. Rollback is not performed here: the coordinator owns git and
// plan reloads, so a rollback resolution surfaces as a pause directive
// carrying the ref for the caller to act on.
func (c *Controller) ResolveIntervention(ctx context.Context, r intervention.Resolution) (Directive, error) {
	if c.pending == nil {
		return Directive{}, errors.New("controller: no pending intervention")
	}
	pending := c.pending
	c.pending = nil
	wpID := pending.Waypoint.ID

	switch r.Action {
	case intervention.ActionRetry:
		c.extraIterations += r.AdditionalIterations
		if err := c.plan.SetStatus(wpID, waypoint.StatusPending); err != nil {
			return Directive{}, err
		}
		if err := c.persist.SavePlan(ctx, c.plan); err != nil {
			return Directive{}, err
		}
		wp, err := c.plan.Get(wpID)
		if err != nil {
			return Directive{}, err
		}
		c.state = StateIdle
		return Directive{Action: ActionExecute, Waypoint: &wp}, nil

	case intervention.ActionSkip:
		if err := c.plan.SetStatus(wpID, waypoint.StatusSkipped); err != nil {
			return Directive{}, err
		}
		if err := c.persist.SavePlan(ctx, c.plan); err != nil {
			return Directive{}, err
		}
		c.state = StateIdle
		if next := c.SelectNextWaypoint(false); next != nil {
			return Directive{Action: ActionExecute, Waypoint: next}, nil
		}
		if c.state == StateDone {
			return Directive{Action: ActionLand, Message: "all waypoints complete"}, nil
		}
		return Directive{Action: ActionPause, Message: "no runnable waypoint after skip"}, nil

	case intervention.ActionEdit:
		if r.ModifiedWaypoint == nil {
			return Directive{}, errors.New("controller: edit resolution requires a modified waypoint")
		}
		m := r.ModifiedWaypoint
		if err := c.plan.Edit(wpID, m.Objective, m.AcceptanceCriteria, m.Dependencies); err != nil {
			return Directive{}, err
		}
		if err := c.persist.SavePlan(ctx, c.plan); err != nil {
			return Directive{}, err
		}
		wp, err := c.plan.Get(wpID)
		if err != nil {
			return Directive{}, err
		}
		c.state = StateIdle
		return Directive{Action: ActionExecute, Waypoint: &wp}, nil

	case intervention.ActionRollback:
		if r.RollbackRef == "" {
			return Directive{}, errors.New("controller: rollback resolution requires a ref")
		}
		c.state = StatePaused
		return Directive{Action: ActionPause, Message: "rollback to " + r.RollbackRef}, nil

	case intervention.ActionAbort:
		if err := c.plan.SetStatus(wpID, waypoint.StatusFailed); err != nil {
			return Directive{}, err
		}
		if err := c.persist.SavePlan(ctx, c.plan); err != nil {
			return Directive{}, err
		}
		c.state = StatePaused
		return Directive{Action: ActionAbort, Message: pending.ErrorSummary}, nil

	default:
		return Directive{}, fmt.Errorf("controller: unknown resolution action %q", r.Action)
	}
}
