package sqlite

import (
	"os"
	"path/filepath"
	"strings"
)

// ResolveDBPath determines the on-disk path for a storage-key/pipeline
// scoped SQLite database when no explicit path is given: an explicit
// path always wins; otherwise the database lives alongside the task
// catalog file in use (tasksConfigPath's directory, if it names an
// existing file), else alongside a kptn.yaml in the current directory,
// else under ~/.kptn/cache.
func ResolveDBPath(explicitPath string, tasksConfigPath string, storageKey string, pipeline string) (string, error) {
	if explicitPath != "" {
		return explicitPath, nil
	}

	dir, err := resolveDefaultDir(tasksConfigPath)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	var parts []string
	for _, p := range []string{storageKey, pipeline} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	filename := "cache.db"
	if len(parts) > 0 {
		filename = strings.Join(parts, "_") + ".db"
	}
	return filepath.Join(dir, filename), nil
}

func resolveDefaultDir(tasksConfigPath string) (string, error) {
	candidates := []string{}
	if tasksConfigPath != "" {
		candidates = append(candidates, tasksConfigPath)
	}
	if cwd, err := os.Getwd(); err == nil {
		candidates = append(candidates, filepath.Join(cwd, "kptn.yaml"))
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			abs, err := filepath.Abs(filepath.Dir(candidate))
			if err != nil {
				return "", err
			}
			return abs, nil
		}
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".kptn", "cache"), nil
}
