package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kulesh/waypoints/waypoint"
)

// planRecord is the YAML form of one waypoint, flattened for hand editing.
type planRecord struct {
	ID                 string   `yaml:"id"`
	Title              string   `yaml:"title"`
	Objective          string   `yaml:"objective,omitempty"`
	AcceptanceCriteria []string `yaml:"acceptance_criteria,omitempty"`
	Parent             string   `yaml:"parent,omitempty"`
	DebugOf            string   `yaml:"debug_of,omitempty"`
	Dependencies       []string `yaml:"dependencies,omitempty"`
	ResolutionNotes    string   `yaml:"resolution_notes,omitempty"`
	Status             string   `yaml:"status"`
	CompletedAt        string   `yaml:"completed_at,omitempty"`
}

type planFile struct {
	Waypoints []planRecord `yaml:"waypoints"`
}

// PlanStore reads and writes the flight plan YAML file, preserving tree
// order across save/load.
type PlanStore struct {
	path string
}

// NewPlanStore constructs a store for {root}/flightplan.yaml.
func NewPlanStore(root string) *PlanStore {
	return &PlanStore{path: filepath.Join(root, "flightplan.yaml")}
}

// Load reads the plan file and validates edges and cycles through the
// plan's own Add invariants. Records must appear in tree order, which Save
// guarantees and hand edits must preserve (a child after its parent, a
// dependency before its dependents).
func (s *PlanStore) Load(_ context.Context) (*waypoint.FlightPlan, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read flight plan: %w", err)
	}
	var file planFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse flight plan: %w", err)
	}

	plan := waypoint.New()
	for _, rec := range file.Waypoints {
		wp := waypoint.Waypoint{
			ID:                 rec.ID,
			Title:              rec.Title,
			Objective:          rec.Objective,
			AcceptanceCriteria: rec.AcceptanceCriteria,
			ParentID:           rec.Parent,
			DebugOf:            rec.DebugOf,
			Dependencies:       rec.Dependencies,
			ResolutionNotes:    rec.ResolutionNotes,
			Status:             waypoint.Status(rec.Status),
		}
		if wp.Status == "" {
			wp.Status = waypoint.StatusPending
		}
		if !wp.Status.Valid() {
			return nil, fmt.Errorf("waypoint %q: invalid status %q", rec.ID, rec.Status)
		}
		if rec.CompletedAt != "" {
			at, err := time.Parse(time.RFC3339, rec.CompletedAt)
			if err != nil {
				return nil, fmt.Errorf("waypoint %q: invalid completed_at: %w", rec.ID, err)
			}
			wp.CompletedAt = at
		}
		if err := plan.Add(wp); err != nil {
			return nil, fmt.Errorf("flight plan: %w", err)
		}
	}
	return plan, nil
}

// SavePlan writes the plan back in tree order. Implements the controller's
// Persister.
func (s *PlanStore) SavePlan(_ context.Context, plan *waypoint.FlightPlan) error {
	var file planFile
	plan.All(func(wp waypoint.Waypoint, _ int) {
		rec := planRecord{
			ID:                 wp.ID,
			Title:              wp.Title,
			Objective:          wp.Objective,
			AcceptanceCriteria: wp.AcceptanceCriteria,
			Parent:             wp.ParentID,
			DebugOf:            wp.DebugOf,
			Dependencies:       wp.Dependencies,
			ResolutionNotes:    wp.ResolutionNotes,
			Status:             string(wp.Status),
		}
		if !wp.CompletedAt.IsZero() {
			rec.CompletedAt = wp.CompletedAt.UTC().Format(time.RFC3339)
		}
		file.Waypoints = append(file.Waypoints, rec)
	})

	raw, err := yaml.Marshal(&file)
	if err != nil {
		return fmt.Errorf("encode flight plan: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write flight plan: %w", err)
	}
	return os.Rename(tmp, s.path)
}
