package hashing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path string, contents string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
}

func TestRSourceClosurePlainSourceResolvesRelativeToCaller(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "main.R"), `source("utils.R")`)
	writeFile(t, filepath.Join(dir, "utils.R"), `helper <- function() 1`)

	files, err := RSourceClosure([]string{filepath.Join(dir, "main.R")}, dir)
	require.NoError(t, err)

	rels := relativeTo(t, dir, files)
	assert.ElementsMatch(t, []string{"main.R", "utils.R"}, rels)
}

func TestRSourceClosureTransitiveSourcesAreFollowed(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "main.R"), `source("a.R")`)
	writeFile(t, filepath.Join(dir, "a.R"), `source("b.R")`)
	writeFile(t, filepath.Join(dir, "b.R"), `x <- 1`)

	files, err := RSourceClosure([]string{filepath.Join(dir, "main.R")}, dir)
	require.NoError(t, err)

	rels := relativeTo(t, dir, files)
	assert.ElementsMatch(t, []string{"main.R", "a.R", "b.R"}, rels)
}

func TestRSourceClosureHereResolvesAgainstHereRoot(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ".here"), ``)
	writeFile(t, filepath.Join(dir, "shared", "lib.R"), `y <- 1`)
	subDir := filepath.Join(dir, "scripts")
	writeFile(t, filepath.Join(subDir, "main.R"), `source(here("shared/lib.R"))`)

	files, err := RSourceClosure([]string{filepath.Join(subDir, "main.R")}, dir)
	require.NoError(t, err)

	rels := relativeTo(t, dir, files)
	assert.ElementsMatch(t, []string{filepath.Join("scripts", "main.R"), filepath.Join("shared", "lib.R")}, rels)
}

func TestRSourceClosureMissingSourcedFileIsKeptButNotExpanded(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "main.R"), `source("missing.R")`)

	files, err := RSourceClosure([]string{filepath.Join(dir, "main.R")}, dir)
	require.NoError(t, err)

	rels := relativeTo(t, dir, files)
	assert.ElementsMatch(t, []string{"main.R", "missing.R"}, rels)
}

func TestHashRClosureIsDeterministicRegardlessOfSourceOrder(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "main.R"), "source(\"a.R\")\nsource(\"b.R\")")
	writeFile(t, filepath.Join(dir, "a.R"), `a <- 1`)
	writeFile(t, filepath.Join(dir, "b.R"), `b <- 2`)

	h1, err := HashRClosure([]string{filepath.Join(dir, "main.R")}, dir)
	require.NoError(t, err)

	dir2 := t.TempDir()
	writeFile(t, filepath.Join(dir2, "main.R"), "source(\"b.R\")\nsource(\"a.R\")")
	writeFile(t, filepath.Join(dir2, "a.R"), `a <- 1`)
	writeFile(t, filepath.Join(dir2, "b.R"), `b <- 2`)

	h2, err := HashRClosure([]string{filepath.Join(dir2, "main.R")}, dir2)
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.NotEmpty(t, h1)
}

func TestHashRClosureChangesWhenSourceContentChanges(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "main.R"), `source("a.R")`)
	writeFile(t, filepath.Join(dir, "a.R"), `a <- 1`)
	h1, err := HashRClosure([]string{filepath.Join(dir, "main.R")}, dir)
	require.NoError(t, err)

	writeFile(t, filepath.Join(dir, "a.R"), `a <- 2`)
	h2, err := HashRClosure([]string{filepath.Join(dir, "main.R")}, dir)
	require.NoError(t, err)

	assert.NotEqual(t, h1, h2)
}

func relativeTo(t *testing.T, base string, files []string) []string {
	t.Helper()
	out := make([]string, len(files))
	for i, f := range files {
		rel, err := filepath.Rel(base, f)
		require.NoError(t, err)
		out[i] = rel
	}
	return out
}
