package fs

import (
	"fmt"
	"os"
	"path/filepath"
)

// ResolveScratchDir resolves the scratch root a task's declared outputs
// are globbed and hashed relative to: SCRATCH_DIR (a container mount
// point such as /data/$branch) joined with storageKey when set, else
// "./scratch/<storageKey>" beside the working directory. The result is
// always made absolute so it stays valid regardless of later working
// directory changes.
func ResolveScratchDir(storageKey string) (AbsolutePath, error) {
	var dir string
	if d := os.Getenv("SCRATCH_DIR"); d != "" {
		dir = filepath.Join(d, storageKey)
	} else {
		dir = filepath.Join("scratch", storageKey)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolving scratch dir: %w", err)
	}
	return CheckedToAbsolutePath(abs)
}
