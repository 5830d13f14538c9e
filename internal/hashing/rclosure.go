package hashing

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/kptn-dev/kptn/internal/turbopath"
)

// rSourceCall matches source("X"), source(here("X")), and r_script("X")
// invocations in an R script.
var (
	reSourcePlain = regexp.MustCompile(`\bsource\(\s*"([^"]+)"\s*\)`)
	reSourceHere  = regexp.MustCompile(`\bsource\(\s*here\(\s*"([^"]+)"\s*\)\s*\)`)
	reRScript     = regexp.MustCompile(`\br_script\(\s*"([^"]+)"\s*\)`)
)

// findHereRoot resolves the "here" project root: the nearest ancestor
// directory of startDir containing a .here marker file, falling back
// to fallbackRoot.
func findHereRoot(startDir string, fallbackRoot string) string {
	found, err := turbopath.FindupFrom(".here", startDir)
	if err != nil || found == "" {
		return fallbackRoot
	}
	return filepath.Dir(found)
}

// RSourceClosure walks the `source(...)` / `r_script(...)` graph
// reachable from the given entry R script paths and returns the
// alphabetically sorted list of absolute file paths it visited
// (including the entry scripts themselves).
//
// source("X") resolves relative to the calling file's directory;
// source(here("X")) resolves relative to the nearest ancestor
// directory containing a .here marker, falling back to projectRoot.
func RSourceClosure(entryPaths []string, projectRoot string) ([]string, error) {
	visited := map[string]struct{}{}
	var queue []string
	for _, p := range entryPaths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, err
		}
		queue = append(queue, abs)
	}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if _, ok := visited[cur]; ok {
			continue
		}
		visited[cur] = struct{}{}

		contents, err := os.ReadFile(cur)
		if err != nil {
			// Soft error: an unreadable file in the closure is not logged
			// and simply doesn't expand further; we still keep it in the
			// visited set since it was referenced (HashRClosure skips a
			// missing one when digesting).
			continue
		}
		callerDir := filepath.Dir(cur)
		hereRoot := findHereRoot(callerDir, projectRoot)

		text := string(contents)
		for _, m := range reSourcePlain.FindAllStringSubmatch(text, -1) {
			queue = append(queue, filepath.Join(callerDir, m[1]))
		}
		for _, m := range reSourceHere.FindAllStringSubmatch(text, -1) {
			queue = append(queue, filepath.Join(hereRoot, m[1]))
		}
		for _, m := range reRScript.FindAllStringSubmatch(text, -1) {
			queue = append(queue, filepath.Join(callerDir, m[1]))
		}
	}

	result := make([]string, 0, len(visited))
	for p := range visited {
		result = append(result, p)
	}
	sort.Strings(result)
	return result, nil
}

// HashRClosure computes the ordered {relative_path -> file_digest}
// digest for an R task's source closure.
func HashRClosure(entryPaths []string, projectRoot string) (string, error) {
	files, err := RSourceClosure(entryPaths, projectRoot)
	if err != nil {
		return "", err
	}
	entries := make([]KV, 0, len(files))
	for _, f := range files {
		digest, err := DigestFile(f)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", err
		}
		rel, err := filepath.Rel(projectRoot, f)
		if err != nil {
			rel = f
		}
		entries = append(entries, KV{Key: rel, Value: digest})
	}
	SortKV(entries)
	return DigestOrderedPairs(entries)
}
