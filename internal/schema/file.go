package schema

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Filename returns the canonical filename for this project: {id}.json
func (p *Project) Filename() string {
	return fmt.Sprintf("%s.json", p.ID)
}

// ReadProjectFile reads and parses a project JSON file from the given path.
func ReadProjectFile(path string) (*Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read project file %s: %w", path, err)
	}

	var project Project
	if err := json.Unmarshal(data, &project); err != nil {
		return nil, fmt.Errorf("failed to parse project file %s: %w", path, err)
	}

	if err := project.Validate(); err != nil {
		return nil, fmt.Errorf("invalid project file %s: %w", path, err)
	}

	return &project, nil
}

// WriteProjectFile writes a project to dir/{id}.json with pretty-printed
// formatting. The write goes through a temp file and a rename so readers
// never observe a partial document.
func WriteProjectFile(dir string, project *Project) error {
	if err := project.Validate(); err != nil {
		return fmt.Errorf("cannot write invalid project: %w", err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create projects directory: %w", err)
	}

	data, err := json.MarshalIndent(project, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal project %s: %w", project.ID, err)
	}

	path := filepath.Join(dir, project.Filename())
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write project file %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace project file %s: %w", path, err)
	}

	return nil
}

// ReadAllProjectFiles reads all project files from the given directory.
// Invalid files are skipped with a warning to stderr.
func ReadAllProjectFiles(dir string) ([]*Project, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*Project{}, nil
		}
		return nil, fmt.Errorf("failed to read projects directory: %w", err)
	}

	var projects []*Project
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		project, err := ReadProjectFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: skipping invalid project file %s: %v\n", entry.Name(), err)
			continue
		}

		projects = append(projects, project)
	}

	return projects, nil
}
