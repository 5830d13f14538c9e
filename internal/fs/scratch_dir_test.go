package fs

import (
	"path/filepath"
	"testing"
)

func TestResolveScratchDirUsesEnvOverrideWhenSet(t *testing.T) {
	t.Setenv("SCRATCH_DIR", "/data")
	got, err := ResolveScratchDir("my-branch")
	if err != nil {
		t.Fatalf("ResolveScratchDir() error = %v", err)
	}
	want, _ := filepath.Abs(filepath.Join("/data", "my-branch"))
	if got.ToString() != want {
		t.Errorf("ResolveScratchDir() = %q, want %q", got, want)
	}
}

func TestResolveScratchDirFallsBackToRelativeScratch(t *testing.T) {
	t.Setenv("SCRATCH_DIR", "")
	got, err := ResolveScratchDir("my-branch")
	if err != nil {
		t.Fatalf("ResolveScratchDir() error = %v", err)
	}
	want, _ := filepath.Abs(filepath.Join("scratch", "my-branch"))
	if got.ToString() != want {
		t.Errorf("ResolveScratchDir() = %q, want %q", got, want)
	}
}
