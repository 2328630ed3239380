// Command waypoints drives a flight plan through the fly phase: it selects
// runnable waypoints, runs the iterative agent loop against the project
// directory, validates receipts on the host, and commits validated work.
//
// Usage:
//
//	waypoints -project . fly           # execute waypoints until land/pause
//	waypoints -project . status        # print the plan with statuses
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"goa.design/clue/log"

	"github.com/kulesh/waypoints/controller"
	"github.com/kulesh/waypoints/execlog"
	"github.com/kulesh/waypoints/executor"
	"github.com/kulesh/waypoints/finalizer"
	"github.com/kulesh/waypoints/journey"
	"github.com/kulesh/waypoints/model"
	"github.com/kulesh/waypoints/progress"
	"github.com/kulesh/waypoints/provider/anthropic"
	"github.com/kulesh/waypoints/provider/ratelimit"
	"github.com/kulesh/waypoints/receipt"
	"github.com/kulesh/waypoints/telemetry"
	"github.com/kulesh/waypoints/waypoint"
)

func main() {
	var (
		projectDir = flag.String("project", ".", "project directory (flight plan, sessions, receipts)")
		configPath = flag.String("config", "", "config file (default {project}/waypoints.yaml)")
		specPath   = flag.String("spec", "", "product spec file (default {project}/spec.md)")
		debug      = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	ctx := log.Context(context.Background(), log.WithFormat(log.FormatTerminal))
	if *debug {
		ctx = log.Context(ctx, log.WithDebug())
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *projectDir, *configPath, *specPath, flag.Arg(0)); err != nil {
		log.Errorf(ctx, err, "waypoints")
		os.Exit(1)
	}
}

func run(ctx context.Context, projectDir, configPath, specPath, command string) error {
	root, err := filepath.Abs(projectDir)
	if err != nil {
		return err
	}
	if configPath == "" {
		configPath = filepath.Join(root, "waypoints.yaml")
	}
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}
	if specPath == "" {
		specPath = filepath.Join(root, "spec.md")
	}
	specText := ""
	if raw, err := os.ReadFile(specPath); err == nil {
		specText = string(raw)
	}

	plans := NewPlanStore(root)
	plan, err := plans.Load(ctx)
	if err != nil {
		return err
	}

	switch command {
	case "", "fly":
		return fly(ctx, root, cfg, specText, plan, plans)
	case "status":
		printStatus(plan)
		return nil
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func fly(ctx context.Context, root string, cfg Config, specText string, plan *waypoint.FlightPlan, plans *PlanStore) error {
	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()

	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is required")
	}
	base, err := anthropic.NewFromAPIKey(apiKey, cfg.Model)
	if err != nil {
		return err
	}
	var client model.Client = base
	if cfg.RateLimitTPM > 0 {
		client = ratelimit.New(cfg.RateLimitTPM, 0).Wrap(client)
	}

	receipts := receipt.NewFileStore(root)
	fin, err := finalizer.New(finalizer.Options{
		ProjectRoot: root,
		Store:       receipts,
		Judge:       client,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	overrides, err := cfg.StackOverrides()
	if err != nil {
		return err
	}
	budget := executor.NewBudget(cfg.BudgetUSD)
	bus := progress.NewBus()
	if _, err := bus.Subscribe(progress.SubscriberFunc(printProgress)); err != nil {
		return err
	}

	build := func(wp waypoint.Waypoint) (*executor.Executor, error) {
		return executor.New(executor.Options{
			Client:      client,
			Finalizer:   fin,
			Log:         execlog.NewFileStore(root),
			Bus:         bus,
			ProjectRoot: root,
			ProjectSlug: filepath.Base(root),
			SpecText:    specText,
			Overrides:   overrides,
			Memory:      wp.ResolutionNotes,
			Budget:      budget,
			Logger:      logger,
			Metrics:     metrics,
		})
	}

	coord, err := journey.New(journey.Options{
		Plan:     plan,
		Persist:  plans,
		Load:     plans.Load,
		Receipts: receipts,
		Git:      &gitCLI{dir: root},
		Build:    build,
		History:  journey.NewHistoryJournal(root),
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	if err := coord.Initialize(ctx); err != nil {
		return err
	}

	for {
		d, err := coord.ExecuteWaypoint(ctx, "", cfg.MaxIterations, cfg.HostValidationsEnabled())
		if err != nil {
			return err
		}
		switch d.Action {
		case controller.ActionExecute, controller.ActionContinue:
			if d.Waypoint != nil {
				coord.CheckParentCompletion(ctx, d.Waypoint.ID)
			}
			// Commit the waypoint that just validated before moving on.
			if done := lastCompleted(plan); done != "" {
				report(coord.CommitWaypoint(ctx, done, journey.GitConfig{
					MessagePrefix: cfg.Git.MessagePrefix,
					TagCompleted:  cfg.Git.TagCompleted,
				}))
			}
		case controller.ActionLand:
			if done := lastCompleted(plan); done != "" {
				report(coord.CommitWaypoint(ctx, done, journey.GitConfig{
					MessagePrefix: cfg.Git.MessagePrefix,
					TagCompleted:  cfg.Git.TagCompleted,
				}))
			}
			fmt.Println("landed:", d.Message)
			return nil
		case controller.ActionComplete:
			fmt.Println(d.Message)
			return nil
		case controller.ActionPause:
			fmt.Println("paused:", d.Message)
			return nil
		case controller.ActionIntervention:
			iv := d.Intervention
			fmt.Printf("intervention needed (%s) on %s: %s\nsuggested action: %s\n",
				iv.Kind, iv.Waypoint.ID, iv.ErrorSummary, iv.SuggestedAction())
			return nil
		case controller.ActionAbort:
			return fmt.Errorf("aborted: %s", d.Message)
		}
	}
}

// lastCompleted returns the most recently completed waypoint id, the one
// the commit step should capture.
func lastCompleted(plan *waypoint.FlightPlan) string {
	var id string
	var latest int64
	plan.All(func(wp waypoint.Waypoint, _ int) {
		if wp.Status == waypoint.StatusComplete && wp.CompletedAt.Unix() >= latest && !wp.CompletedAt.IsZero() {
			id = wp.ID
			latest = wp.CompletedAt.Unix()
		}
	})
	return id
}

func report(out journey.CommitOutcome) {
	for _, n := range out.Notices {
		fmt.Printf("[%s] %s\n", n.Severity, n.Message)
	}
}

func printProgress(_ context.Context, e progress.Event) error {
	switch e.Step {
	case progress.StepExecuting, progress.StepFinalizing, progress.StepComplete, progress.StepError:
		fmt.Printf("[%s] %s iteration %d/%d (%d criteria verified)\n",
			e.Step, e.WaypointID, e.Iteration, e.TotalIterations, len(e.CriteriaCompleted))
	}
	return nil
}

func printStatus(plan *waypoint.FlightPlan) {
	plan.All(func(wp waypoint.Waypoint, depth int) {
		fmt.Printf("%s%-12s %s  %s\n", strings.Repeat("  ", depth), wp.Status, wp.ID, wp.Title)
	})
}
