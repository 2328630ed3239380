package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kulesh/waypoints/evidence"
	"github.com/kulesh/waypoints/stack"
)

// Config is the driver's YAML configuration. Everything has a usable
// default so a bare `waypoints fly` works inside a project directory with
// ANTHROPIC_API_KEY set.
type Config struct {
	// Model is the Claude model identifier used for both the agent and the
	// receipt judge.
	Model string `yaml:"model"`

	// MaxIterations bounds each waypoint run.
	MaxIterations int `yaml:"max_iterations"`

	// HostValidations toggles running validation commands on the host.
	HostValidations *bool `yaml:"host_validations"`

	// BudgetUSD caps total spend across the project; zero means unlimited.
	BudgetUSD float64 `yaml:"budget_usd"`

	// RateLimitTPM is the initial tokens-per-minute budget for the
	// adaptive limiter; zero disables the limiter.
	RateLimitTPM float64 `yaml:"rate_limit_tpm"`

	// Overrides replaces the canonical validation commands per category.
	Overrides map[string][]string `yaml:"validation_overrides"`

	// Git controls commit behavior after a validated waypoint.
	Git struct {
		MessagePrefix string `yaml:"message_prefix"`
		TagCompleted  bool   `yaml:"tag_completed"`
	} `yaml:"git"`
}

// LoadConfig reads path, which may not exist (defaults apply).
func LoadConfig(path string) (Config, error) {
	cfg := Config{
		Model:         "claude-sonnet-4-5",
		MaxIterations: 8,
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 8
	}
	return cfg, nil
}

// StackOverrides converts the YAML override map into the detector's typed
// form, rejecting unknown categories.
func (c Config) StackOverrides() (stack.Overrides, error) {
	if len(c.Overrides) == 0 {
		return nil, nil
	}
	out := make(stack.Overrides, len(c.Overrides))
	for cat, cmds := range c.Overrides {
		switch evidence.Category(cat) {
		case evidence.CategoryLint, evidence.CategoryType, evidence.CategoryTest,
			evidence.CategoryFormat, evidence.CategoryBuild:
			out[evidence.Category(cat)] = cmds
		default:
			return nil, fmt.Errorf("unknown validation category %q", cat)
		}
	}
	return out, nil
}

// HostValidationsEnabled applies the default (enabled) when unset.
func (c Config) HostValidationsEnabled() bool {
	if c.HostValidations == nil {
		return true
	}
	return *c.HostValidations
}
