package stack

import (
	"os"

	toml "github.com/pelletier/go-toml/v2"
)

// pyprojectManifest is the subset of pyproject.toml the detector reads: the
// [tool.*] tables, which declare the validators the project actually
// configures, and the build backend, which distinguishes Poetry projects.
type pyprojectManifest struct {
	Project struct {
		Name string `toml:"name"`
	} `toml:"project"`
	toolTables  map[string]bool
	BuildSystem struct {
		BuildBackend string `toml:"build-backend"`
	} `toml:"build-system"`
}

func (m *pyprojectManifest) usesPoetry() bool {
	if m == nil {
		return false
	}
	if m.toolTables["poetry"] {
		return true
	}
	return m.BuildSystem.BuildBackend == "poetry.core.masonry.api"
}

func parsePyproject(path string) (*pyprojectManifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m pyprojectManifest
	if err := toml.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	// The tool tables are open-ended, so decode them separately as a plain
	// map rather than fixing their shapes in the struct.
	var tables struct {
		Tool map[string]any `toml:"tool"`
	}
	if err := toml.Unmarshal(raw, &tables); err == nil {
		m.toolTables = make(map[string]bool, len(tables.Tool))
		for name := range tables.Tool {
			m.toolTables[name] = true
		}
	}
	return &m, nil
}

// cargoManifest is the subset of Cargo.toml the detector reads.
type cargoManifest struct {
	Package struct {
		Name string `toml:"name"`
	} `toml:"package"`
	Workspace struct {
		Members []string `toml:"members"`
	} `toml:"workspace"`
}

func parseCargo(path string) (*cargoManifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m cargoManifest
	if err := toml.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
