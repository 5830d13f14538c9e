package hashing

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/kptn-dev/kptn/internal/turbopath"
)

// varPlaceholder matches "${name}" placeholders in declared output globs.
var varPlaceholder = regexp.MustCompile(`\$\{([^}]+)\}`)

// ExpandPlaceholders resolves "${var}" placeholders in an output glob
// against the given environment. An unresolved placeholder becomes a
// "*" wildcard rather than a hard error.
func ExpandPlaceholders(glob string, env map[string]string) string {
	return varPlaceholder.ReplaceAllStringFunc(glob, func(m string) string {
		name := m[2 : len(m)-1]
		if v, ok := env[name]; ok {
			return v
		}
		return "*"
	})
}

// DuckDBTarget is a declared "duckdb://[schema.]table" output.
type DuckDBTarget struct {
	Schema string
	Table  string
}

// Qualified returns "schema.table", or just "table" when no schema was
// declared.
func (t DuckDBTarget) Qualified() string {
	if t.Schema == "" {
		return t.Table
	}
	return t.Schema + "." + t.Table
}

// ParseDuckDBTarget parses a "duckdb://[schema.]table" output
// declaration. ok is false if the string isn't a duckdb:// target.
func ParseDuckDBTarget(s string) (DuckDBTarget, bool) {
	const prefix = "duckdb://"
	if !strings.HasPrefix(s, prefix) {
		return DuckDBTarget{}, false
	}
	rest := strings.TrimPrefix(s, prefix)
	if idx := strings.LastIndex(rest, "."); idx >= 0 {
		return DuckDBTarget{Schema: rest[:idx], Table: rest[idx+1:]}, true
	}
	return DuckDBTarget{Table: rest}, true
}

// DuckDBQuerier executes the single aggregation query the output-hash
// algorithm needs. No DuckDB Go driver appears anywhere in the
// retrieval pack (see DESIGN.md); rather than fabricate one, the
// hashing engine depends on this narrow interface and lets the
// integration site supply a real *sql.DB-backed implementation.
type DuckDBQuerier interface {
	// AggregateRowHashes returns the string_agg(md5(row_text), '' ORDER
	// BY md5(row_text)) result for the given qualified table, or
	// ("", false) if the table doesn't exist.
	AggregateRowHashes(qualifiedTable string) (string, bool, error)
}

// HashDuckDBTable computes a DuckDB table's output digest: aggregate,
// then md5 the aggregate string. An empty or missing table hashes to
// DUCKDB_EMPTY_HASH. A nil querier yields a null digest (connection
// absent), logged here as a warning when a logger is given.
func HashDuckDBTable(q DuckDBQuerier, target DuckDBTarget, logger hclog.Logger) (string, error) {
	if q == nil {
		if logger != nil {
			logger.Warn("duckdb connection absent, output hash for target is null", "target", target.Qualified())
		}
		return "", nil
	}
	agg, exists, err := q.AggregateRowHashes(target.Qualified())
	if err != nil {
		return "", err
	}
	if !exists || agg == "" {
		return DUCKDB_EMPTY_HASH, nil
	}
	return md5Hex(agg), nil
}

// globMatcher is the minimal surface output hashing needs from a glob
// library; fulfilled by internal/fs/globby.GlobFiles.
type globMatcher func(basePath string, include []string, exclude []string) []string

// OutputHashInputs carries everything needed to compute one task's (or
// one subtask's) output hash.
type OutputHashInputs struct {
	ScratchDir    string
	Outputs       []string          // raw output declarations, may include "${var}" and "duckdb://" entries
	Env           map[string]string // for placeholder expansion
	DuckDB        DuckDBQuerier
	Glob          globMatcher
	Logger        hclog.Logger
}

// HashOutputs computes a task's (or subtask's) output hash: expand
// placeholders, glob each non-duckdb output, union+sort+hash matching
// files relative to the scratch dir, then append duckdb targets in
// sorted order, and hash the ordered result.
func HashOutputs(in OutputHashInputs) (string, error) {
	var fileGlobs []string
	var duckdbTargets []DuckDBTarget

	for _, raw := range in.Outputs {
		expanded := ExpandPlaceholders(raw, in.Env)
		if target, ok := ParseDuckDBTarget(expanded); ok {
			duckdbTargets = append(duckdbTargets, target)
			continue
		}
		fileGlobs = append(fileGlobs, expanded)
	}

	matched := map[string]struct{}{}
	if in.Glob != nil && len(fileGlobs) > 0 {
		for _, p := range in.Glob(in.ScratchDir, fileGlobs, nil) {
			matched[p] = struct{}{}
		}
	}

	paths := make([]string, 0, len(matched))
	for p := range matched {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	entries := make([]KV, 0, len(paths))
	for _, p := range paths {
		digest, err := DigestFile(p)
		if err != nil {
			if os.IsNotExist(err) {
				if in.Logger != nil {
					in.Logger.Warn("output file missing during hashing, skipping", "path", p)
				}
				continue
			}
			return "", err
		}
		rel, err := filepath.Rel(in.ScratchDir, p)
		if err != nil {
			rel = p
		}
		// Hash keys must agree across hosts regardless of OS path
		// separator, so a subtask hashed on Windows and one hashed on
		// Unix produce the same output hash for identical outputs.
		key := turbopath.AnchoredSystemPath(rel).ToUnixPath().ToString()
		entries = append(entries, KV{Key: key, Value: digest})
	}

	sort.Slice(duckdbTargets, func(i, j int) bool {
		return duckdbTargets[i].Qualified() < duckdbTargets[j].Qualified()
	})
	for _, target := range duckdbTargets {
		digest, err := HashDuckDBTable(in.DuckDB, target, in.Logger)
		if err != nil {
			return "", err
		}
		entries = append(entries, KV{Key: fmt.Sprintf("duckdb://%s", target.Qualified()), Value: digest})
	}

	return DigestOrderedPairs(entries)
}
