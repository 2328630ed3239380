// Package stack infers the technology stack of a project from its build
// manifests and resolves the set of validation commands the finalizer runs
// on the host. Detection is filesystem-first (root manifests, then visible
// depth-1 children for monorepo layouts) with a spec-keyword fallback when
// no manifest is found.
package stack

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kulesh/waypoints/evidence"
)

// Language identifies a detected stack.
type Language string

const (
	LangPython     Language = "python"
	LangTypeScript Language = "typescript"
	LangJavaScript Language = "javascript"
	LangGo         Language = "go"
	LangRust       Language = "rust"
	LangSwift      Language = "swift"
)

// ValidationCommand is one resolved host command, carrying the directory it
// must run in so monorepo subprojects validate against their own manifest.
type ValidationCommand struct {
	Name     string
	Command  string
	Category evidence.Category
	Cwd      string
	Language Language
}

// Overrides replaces the canonical command list for a category across every
// detected stack. An override entry with an empty slice disables the
// category entirely.
type Overrides map[evidence.Category][]string

// categoryOrder fixes the per-stack emission order so repeated resolution
// over unchanged inputs is byte-identical.
var categoryOrder = []evidence.Category{
	evidence.CategoryLint,
	evidence.CategoryType,
	evidence.CategoryTest,
	evidence.CategoryFormat,
	evidence.CategoryBuild,
}

type canonicalCommand struct {
	name     string
	command  string
	category evidence.Category
}

var canonical = map[Language][]canonicalCommand{
	LangPython: {
		{"ruff", "ruff check .", evidence.CategoryLint},
		{"mypy", "mypy .", evidence.CategoryType},
		{"pytest", "pytest", evidence.CategoryTest},
		{"ruff-format", "ruff format --check .", evidence.CategoryFormat},
	},
	LangTypeScript: {
		{"eslint", "npx eslint .", evidence.CategoryLint},
		{"tsc", "npx tsc --noEmit", evidence.CategoryType},
		{"npm-test", "npm test --silent", evidence.CategoryTest},
		{"prettier", "npx prettier --check .", evidence.CategoryFormat},
		{"npm-build", "npm run build --if-present", evidence.CategoryBuild},
	},
	LangJavaScript: {
		{"eslint", "npx eslint .", evidence.CategoryLint},
		{"npm-test", "npm test --silent", evidence.CategoryTest},
		{"prettier", "npx prettier --check .", evidence.CategoryFormat},
	},
	LangGo: {
		{"go-vet", "go vet ./...", evidence.CategoryLint},
		{"go-test", "go test ./...", evidence.CategoryTest},
		{"gofmt", "gofmt -l .", evidence.CategoryFormat},
		{"go-build", "go build ./...", evidence.CategoryBuild},
	},
	LangRust: {
		{"clippy", "cargo clippy --all-targets", evidence.CategoryLint},
		{"cargo-check", "cargo check", evidence.CategoryType},
		{"cargo-test", "cargo test", evidence.CategoryTest},
		{"cargo-fmt", "cargo fmt --check", evidence.CategoryFormat},
		{"cargo-build", "cargo build", evidence.CategoryBuild},
	},
	LangSwift: {
		{"swift-test", "swift test", evidence.CategoryTest},
		{"swift-build", "swift build", evidence.CategoryBuild},
	},
}

// detection is one stack found in one directory.
type detection struct {
	lang Language
	dir  string
	// manifest is the filename that triggered the detection, used for
	// deterministic child ordering.
	manifest string
	// pyproject / cargo carry parsed manifest metadata when the manifest
	// was TOML; nil otherwise.
	pyproject *pyprojectManifest
	cargo     *cargoManifest
}

// Resolve scans projectRoot for language manifests and returns the ordered
// validation command list: override commands first (run at the project
// root, in category order), then root stacks, then depth-1 children sorted
// by directory then manifest name. When no manifest is found anywhere,
// specText is searched for language keywords as a fallback (commands then
// run at the project root). Missing manifests are not an error; an empty
// result is permitted and the caller decides policy.
func Resolve(projectRoot, specText string, overrides Overrides) ([]ValidationCommand, error) {
	rootDetections := detectDir(projectRoot)

	var childDetections []detection
	// Any root-level manifest suppresses scanning children for that same
	// language; a pure monorepo root (no manifests) scans all children.
	rootLangs := make(map[Language]bool)
	for _, d := range rootDetections {
		rootLangs[d.lang] = true
	}
	entries, err := os.ReadDir(projectRoot)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		for _, d := range detectDir(filepath.Join(projectRoot, e.Name())) {
			if rootLangs[d.lang] {
				continue
			}
			childDetections = append(childDetections, d)
		}
	}
	sort.SliceStable(childDetections, func(i, j int) bool {
		if childDetections[i].dir != childDetections[j].dir {
			return childDetections[i].dir < childDetections[j].dir
		}
		return childDetections[i].manifest < childDetections[j].manifest
	})

	detections := append(rootDetections, childDetections...)
	if len(detections) == 0 {
		for _, lang := range languagesFromSpec(specText) {
			detections = append(detections, detection{lang: lang, dir: projectRoot})
		}
	}

	var out []ValidationCommand
	seen := make(map[[2]string]bool)
	for _, cat := range categoryOrder {
		if cmds, ok := overrides[cat]; ok {
			for _, c := range cmds {
				key := [2]string{overrideName(cat), c}
				if seen[key] {
					continue
				}
				seen[key] = true
				out = append(out, ValidationCommand{
					Name:     overrideName(cat),
					Command:  c,
					Category: cat,
					Cwd:      projectRoot,
				})
			}
		}
	}
	for _, d := range detections {
		for _, cc := range commandsFor(d) {
			if _, overridden := overrides[cc.category]; overridden {
				continue
			}
			key := [2]string{cc.name, cc.command}
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, ValidationCommand{
				Name:     cc.name,
				Command:  cc.command,
				Category: cc.category,
				Cwd:      d.dir,
				Language: d.lang,
			})
		}
	}
	return out, nil
}

func overrideName(cat evidence.Category) string { return "override-" + string(cat) }

// commandsFor returns d's canonical commands in fixed category order,
// refined by any parsed manifest metadata.
func commandsFor(d detection) []canonicalCommand {
	base := canonical[d.lang]
	byCat := make(map[evidence.Category][]canonicalCommand)
	for _, cc := range base {
		byCat[cc.category] = append(byCat[cc.category], cc)
	}
	var out []canonicalCommand
	for _, cat := range categoryOrder {
		for _, cc := range byCat[cat] {
			out = append(out, refine(d, cc))
		}
	}
	return out
}

// refine applies manifest-declared tooling to a canonical command: a Poetry
// project runs its validators through "poetry run". No other manifest
// metadata changes the command.
func refine(d detection, cc canonicalCommand) canonicalCommand {
	if d.pyproject != nil && d.pyproject.usesPoetry() {
		cc.command = "poetry run " + cc.command
	}
	return cc
}

func detectDir(dir string) []detection {
	var out []detection
	exists := func(name string) bool {
		info, err := os.Stat(filepath.Join(dir, name))
		return err == nil && !info.IsDir()
	}

	switch {
	case exists("pyproject.toml"):
		py, _ := parsePyproject(filepath.Join(dir, "pyproject.toml"))
		out = append(out, detection{lang: LangPython, dir: dir, manifest: "pyproject.toml", pyproject: py})
	case exists("setup.py"):
		out = append(out, detection{lang: LangPython, dir: dir, manifest: "setup.py"})
	case exists("requirements.txt"):
		out = append(out, detection{lang: LangPython, dir: dir, manifest: "requirements.txt"})
	}

	if exists("package.json") {
		if exists("tsconfig.json") {
			out = append(out, detection{lang: LangTypeScript, dir: dir, manifest: "package.json"})
		} else {
			out = append(out, detection{lang: LangJavaScript, dir: dir, manifest: "package.json"})
		}
	}
	if exists("go.mod") {
		out = append(out, detection{lang: LangGo, dir: dir, manifest: "go.mod"})
	}
	if exists("Cargo.toml") {
		cargo, _ := parseCargo(filepath.Join(dir, "Cargo.toml"))
		out = append(out, detection{lang: LangRust, dir: dir, manifest: "Cargo.toml", cargo: cargo})
	}
	if exists("Package.swift") {
		out = append(out, detection{lang: LangSwift, dir: dir, manifest: "Package.swift"})
	}
	return out
}

// specKeywords maps lowercase spec keywords to the language they imply. The
// fallback only fires when no manifest was found anywhere, so false
// positives cost nothing worse than a failed validation command.
var specKeywords = []struct {
	keyword string
	lang    Language
}{
	{"python", LangPython},
	{"typescript", LangTypeScript},
	{"javascript", LangJavaScript},
	{"golang", LangGo},
	{" go ", LangGo},
	{"rust", LangRust},
	{"swift", LangSwift},
}

func languagesFromSpec(specText string) []Language {
	lower := strings.ToLower(specText)
	var out []Language
	seen := make(map[Language]bool)
	for _, kw := range specKeywords {
		if seen[kw.lang] {
			continue
		}
		if strings.Contains(lower, kw.keyword) {
			seen[kw.lang] = true
			out = append(out, kw.lang)
		}
	}
	return out
}

// CategoryOf guesses the validation category of a free-form command string,
// used when the finalizer falls back to model-reported commands that carry
// no category of their own.
func CategoryOf(command string) evidence.Category {
	lower := strings.ToLower(command)
	switch {
	case containsAny(lower, "pytest", "go test", "cargo test", "npm test", "swift test", "jest", "vitest"):
		return evidence.CategoryTest
	case containsAny(lower, "mypy", "tsc", "cargo check", "pyright"):
		return evidence.CategoryType
	case containsAny(lower, "ruff format", "gofmt", "cargo fmt", "prettier", "black"):
		return evidence.CategoryFormat
	case containsAny(lower, "ruff", "eslint", "clippy", "go vet", "lint"):
		return evidence.CategoryLint
	case containsAny(lower, "build", "cargo b", "go install"):
		return evidence.CategoryBuild
	default:
		return evidence.CategoryTest
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
