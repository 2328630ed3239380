package stack_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kulesh/waypoints/evidence"
	"github.com/kulesh/waypoints/stack"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestResolvePythonRoot(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "pyproject.toml", "[project]\nname = \"demo\"\n")

	cmds, err := stack.Resolve(dir, "", nil)
	require.NoError(t, err)
	require.NotEmpty(t, cmds)

	names := make([]string, len(cmds))
	for i, c := range cmds {
		names[i] = c.Name
		assert.Equal(t, dir, c.Cwd)
		assert.Equal(t, stack.LangPython, c.Language)
	}
	assert.Equal(t, []string{"ruff", "mypy", "pytest", "ruff-format"}, names)
}

func TestResolvePoetryRunsThroughPoetry(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "pyproject.toml", "[tool.poetry]\nname = \"demo\"\n")

	cmds, err := stack.Resolve(dir, "", nil)
	require.NoError(t, err)
	require.NotEmpty(t, cmds)
	for _, c := range cmds {
		assert.Contains(t, c.Command, "poetry run ")
	}
}

func TestResolveMonorepoChildren(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "api"), "go.mod", "module example.com/api\n")
	writeFile(t, filepath.Join(dir, "web"), "package.json", "{}")
	writeFile(t, filepath.Join(dir, "web"), "tsconfig.json", "{}")

	cmds, err := stack.Resolve(dir, "", nil)
	require.NoError(t, err)

	var goCwd, tsCwd string
	for _, c := range cmds {
		switch c.Language {
		case stack.LangGo:
			goCwd = c.Cwd
		case stack.LangTypeScript:
			tsCwd = c.Cwd
		}
	}
	assert.Equal(t, filepath.Join(dir, "api"), goCwd)
	assert.Equal(t, filepath.Join(dir, "web"), tsCwd)

	// Children sort by directory name, so every api command precedes every
	// web command.
	lastGo, firstTS := -1, len(cmds)
	for i, c := range cmds {
		if c.Language == stack.LangGo && i > lastGo {
			lastGo = i
		}
		if c.Language == stack.LangTypeScript && i < firstTS {
			firstTS = i
		}
	}
	assert.Less(t, lastGo, firstTS)
}

func TestResolveRootSuppressesSameLanguageChild(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "go.mod", "module example.com/root\n")
	writeFile(t, filepath.Join(dir, "tool"), "go.mod", "module example.com/tool\n")

	cmds, err := stack.Resolve(dir, "", nil)
	require.NoError(t, err)
	for _, c := range cmds {
		assert.Equal(t, dir, c.Cwd)
	}
}

func TestResolveSpecFallback(t *testing.T) {
	dir := t.TempDir()

	cmds, err := stack.Resolve(dir, "Implement the parser in Rust with serde.", nil)
	require.NoError(t, err)
	require.NotEmpty(t, cmds)
	for _, c := range cmds {
		assert.Equal(t, stack.LangRust, c.Language)
		assert.Equal(t, dir, c.Cwd)
	}
}

func TestResolveEmptyIsPermitted(t *testing.T) {
	dir := t.TempDir()
	cmds, err := stack.Resolve(dir, "", nil)
	require.NoError(t, err)
	assert.Empty(t, cmds)
}

func TestResolveOverridesReplaceCategory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "pyproject.toml", "[project]\nname = \"demo\"\n")

	cmds, err := stack.Resolve(dir, "", stack.Overrides{
		evidence.CategoryTest: {"pytest -x tests/unit"},
	})
	require.NoError(t, err)

	var tests []string
	for _, c := range cmds {
		if c.Category == evidence.CategoryTest {
			tests = append(tests, c.Command)
		}
	}
	assert.Equal(t, []string{"pytest -x tests/unit"}, tests)
}

func TestResolveDeterministic(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "pyproject.toml", "[project]\nname = \"demo\"\n")
	writeFile(t, filepath.Join(dir, "svc"), "Cargo.toml", "[package]\nname = \"svc\"\n")

	first, err := stack.Resolve(dir, "", nil)
	require.NoError(t, err)
	second, err := stack.Resolve(dir, "", nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestCategoryOf(t *testing.T) {
	cases := map[string]evidence.Category{
		"pytest -q":           evidence.CategoryTest,
		"go test ./...":       evidence.CategoryTest,
		"mypy src":            evidence.CategoryType,
		"ruff check .":        evidence.CategoryLint,
		"cargo fmt --check":   evidence.CategoryFormat,
		"npm run build":       evidence.CategoryBuild,
		"./scripts/smoke.sh":  evidence.CategoryTest,
	}
	for cmd, want := range cases {
		assert.Equal(t, want, stack.CategoryOf(cmd), cmd)
	}
}
