// Package globby resolves declared output globs against a scratch
// directory, the shape the hashing engine's output-hash algorithm
// expects from a glob matcher. A "!" prefix has no special meaning;
// exclusion is only through an explicit exclude pattern list.
package globby

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/kptn-dev/kptn/internal/turbopath"
)

// GlobFiles returns every regular file under basePath that matches at
// least one pattern in include (or all files, if include is empty)
// and none of the patterns in exclude. Patterns are doublestar globs,
// relative to basePath. The result is sorted and holds each match
// joined onto basePath (filepath.Join(basePath, rel)).
func GlobFiles(basePath string, include []string, exclude []string) []string {
	fsys := os.DirFS(basePath)
	matched := map[string]struct{}{}

	if len(include) == 0 {
		_ = filepath.WalkDir(basePath, func(path string, d os.DirEntry, err error) error {
			if err != nil || d == nil || d.IsDir() {
				return nil
			}
			rel, relErr := filepath.Rel(basePath, path)
			if relErr == nil {
				matched[turbopath.RelativeSystemPath(rel).ToUnixPath().ToString()] = struct{}{}
			}
			return nil
		})
	} else {
		for _, pattern := range include {
			files, err := doublestar.Glob(fsys, pattern)
			if err != nil {
				continue
			}
			for _, f := range files {
				matched[f] = struct{}{}
			}
		}
	}

	for _, pattern := range exclude {
		excluded, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			continue
		}
		for _, f := range excluded {
			delete(matched, f)
		}
	}

	result := make([]string, 0, len(matched))
	for f := range matched {
		sysRel := turbopath.RelativeUnixPath(f).ToSystemPath()
		full := filepath.Join(basePath, sysRel.ToString())
		if info, err := os.Stat(full); err == nil && !info.IsDir() {
			result = append(result, full)
		}
	}
	sort.Strings(result)
	return result
}
