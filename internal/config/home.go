package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Home returns the directory taskforge treats as its data root when a
// caller hasn't pinned absolute paths: $TASKFORGE_HOME if set, else a
// .taskforge directory under the repository root (detected by walking up
// for a go.mod naming this module), else a .taskforge directory under the
// current working directory. The directory is created
// if it doesn't exist. Grounded on the teacher's GetConductorHome, adapted
// from the conductor project's env var and module path to taskforge's.
func Home() (string, error) {
	if home := os.Getenv("TASKFORGE_HOME"); home != "" {
		return home, ensureDir(home)
	}

	if root, err := findModuleRoot(); err == nil && root != "" {
		home := filepath.Join(root, ".taskforge")
		return home, ensureDir(home)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}
	home := filepath.Join(cwd, ".taskforge")
	return home, ensureDir(home)
}

func ensureDir(path string) error {
	if err := os.MkdirAll(path, 0755); err != nil {
		return fmt.Errorf("create taskforge home directory: %w", err)
	}
	return nil
}

// findModuleRoot walks up from the working directory looking for a go.mod
// declaring this module.
func findModuleRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	current := cwd
	for {
		goModPath := filepath.Join(current, "go.mod")
		if data, err := os.ReadFile(goModPath); err == nil {
			if strings.Contains(string(data), "github.com/harrison/taskforge") {
				return current, nil
			}
		}

		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		current = parent
	}

	return "", fmt.Errorf("taskforge module root not found")
}
