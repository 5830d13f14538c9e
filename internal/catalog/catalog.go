// Package catalog loads kptn.yaml task and graph definitions, normalises
// dependency specs, and flattens graph inheritance.
package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kptn-dev/kptn/internal/hashing"
	"github.com/kptn-dev/kptn/internal/kerrors"
	"github.com/kptn-dev/kptn/internal/turbopath"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// ArgRef aliases a dependency's cached data onto one of a task's kwargs:
// `args: {x: {ref: "<dep_name>"}}`.
type ArgRef struct {
	Ref string `yaml:"ref" mapstructure:"ref"`
}

// ComputeSpec declares a mapped task's per-subtask resource request.
type ComputeSpec struct {
	CPU    string `yaml:"cpu,omitempty" mapstructure:"cpu"`
	Memory string `yaml:"memory,omitempty" mapstructure:"memory"`
}

// ExecutionSpec names the execution mode a task prefers.
type ExecutionSpec struct {
	Mode string `yaml:"mode,omitempty" mapstructure:"mode"`
}

// TaskSpec is one entry of the catalog's `tasks` map.
type TaskSpec struct {
	File         string                 `yaml:"file" mapstructure:"file"`
	CacheResult  bool                   `yaml:"cache_result,omitempty" mapstructure:"cache_result"`
	MainFlow     bool                   `yaml:"main_flow,omitempty" mapstructure:"main_flow"`
	MapOver      string                 `yaml:"map_over,omitempty" mapstructure:"map_over"`
	IterableItem string                 `yaml:"iterable_item,omitempty" mapstructure:"iterable_item"`
	BundleSize   int                    `yaml:"bundle_size,omitempty" mapstructure:"bundle_size"`
	GroupSize    int                    `yaml:"group_size,omitempty" mapstructure:"group_size"`
	Args         map[string]interface{} `yaml:"args,omitempty" mapstructure:"args"`
	Outputs      []string               `yaml:"outputs,omitempty" mapstructure:"outputs"`
	Compute      *ComputeSpec           `yaml:"compute,omitempty" mapstructure:"compute"`
	Execution    *ExecutionSpec         `yaml:"execution,omitempty" mapstructure:"execution"`
	Logs         string                 `yaml:"logs,omitempty" mapstructure:"logs"`
	CliArgs      string                 `yaml:"cli_args,omitempty" mapstructure:"cli_args"`
	PrefixArgs   string                 `yaml:"prefix_args,omitempty" mapstructure:"prefix_args"`
}

// FilePath and FuncName split a TaskSpec.File on its optional ":func"
// suffix.
func (t TaskSpec) FilePath() string {
	path, _ := splitFileSpec(t.File)
	return path
}

func (t TaskSpec) FuncName() string {
	_, fn := splitFileSpec(t.File)
	return fn
}

func splitFileSpec(file string) (path string, fn string) {
	idx := strings.LastIndex(file, ":")
	if idx < 0 {
		return strings.TrimSpace(file), ""
	}
	return strings.TrimSpace(file[:idx]), strings.TrimSpace(file[idx+1:])
}

// AbsoluteFilePath resolves a task's declared file -- stored relative to
// the directory holding the catalog file that declared it -- against
// repoRoot, so a task can be hashed/run regardless of the process's own
// working directory.
func (t TaskSpec) AbsoluteFilePath(repoRoot turbopath.AbsoluteSystemPath) turbopath.AbsoluteSystemPath {
	rel := turbopath.RepoRelativeSystemPath(t.FilePath())
	return turbopath.AbsoluteSystemPath(filepath.Join(repoRoot.ToString(), rel.ToString()))
}

// RepoRelativeUnixFilePath returns the task's declared file as a
// unix-separated, repo-relative path: the stable, OS-independent form
// used in diagnostics so a message reads the same on Windows and Unix.
func (t TaskSpec) RepoRelativeUnixFilePath() turbopath.RepoRelativeUnixPath {
	return turbopath.RepoRelativeSystemPath(t.FilePath()).ToRepoRelativeUnixPath()
}

// Language returns the TaskSpec's code-hash kind, derived from its file
// extension. An unsupported extension is a ConfigError, never guessed.
func (t TaskSpec) Language() (hashing.CodeHashKind, error) {
	ext := filepath.Ext(t.FilePath())
	kind, ok := hashing.KindForExtension(ext)
	if !ok {
		return "", kerrors.NewConfigError("task.language", fmt.Errorf("unsupported file extension %q on task file %q", ext, t.RepoRelativeUnixFilePath()))
	}
	return kind, nil
}

// IsMappedTask reports whether the task declares a map_over key.
func (t TaskSpec) IsMappedTask() bool {
	return t.MapOver != ""
}

// TaskReturnsList reports whether the task's output is consumed as an
// iterable by downstream mapped tasks.
func (t TaskSpec) TaskReturnsList() bool {
	return t.IterableItem != ""
}

// DepSpec is the normalised form of a graph task's dependency entry:
// `null`, a string, a list, or `{deps, args}`.
type DepSpec struct {
	Deps []string
	Args map[string]interface{}
}

// GraphSpec is one entry of the catalog's `graphs` map.
type GraphSpec struct {
	Tasks   map[string]DepSpec
	Extends []ExtendsEntry
}

// ExtendsEntry is one parent reference in a graph's `extends` list: a
// bare graph name, or `{graph, args: {task: args-override}}`.
type ExtendsEntry struct {
	Graph string
	Args  map[string]map[string]interface{}
}

// Settings is the catalog's top-level `settings` block: defaults for
// the values `KPTN_DB_TYPE`/`KPTN_FLOW_TYPE` are allowed to override.
type Settings struct {
	DB       string `yaml:"db,omitempty" mapstructure:"db"`
	FlowType string `yaml:"flow_type,omitempty" mapstructure:"flow_type"`
}

// Catalog is the loaded, merged, and flattened set of task and graph
// definitions.
type Catalog struct {
	Tasks    map[string]TaskSpec
	Graphs   map[string]GraphSpec
	Settings Settings
	// RepoRoot is the absolute directory holding the primary catalog
	// file Load was given, the anchor TaskSpec.AbsoluteFilePath resolves
	// every declared task file against.
	RepoRoot turbopath.AbsoluteSystemPath
}

// Load reads and deep-merges one or more YAML catalog files (as
// `{tasks, graphs}` documents), then flattens every graph's `extends`
// chain.
func Load(paths ...string) (*Catalog, error) {
	if len(paths) == 0 {
		return nil, kerrors.NewConfigError("catalog.Load", fmt.Errorf("no catalog paths given"))
	}

	merged := map[string]interface{}{}
	for _, p := range paths {
		raw, err := loadYAMLFile(p)
		if err != nil {
			return nil, kerrors.NewConfigError("catalog.Load", err)
		}
		if err := deepMergeLeafStrict(merged, raw); err != nil {
			return nil, kerrors.NewConfigError("catalog.Load", fmt.Errorf("%s: %w", p, err))
		}
	}

	cat, err := decodeCatalog(merged)
	if err != nil {
		return nil, err
	}
	if err := cat.flattenExtends(); err != nil {
		return nil, err
	}
	absDir, err := filepath.Abs(filepath.Dir(paths[0]))
	if err != nil {
		return nil, kerrors.NewConfigError("catalog.Load", err)
	}
	cat.RepoRoot = turbopath.AbsoluteSystemPathFromUpstream(absDir)
	return cat, nil
}

func loadYAMLFile(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return out, nil
}

// deepMergeLeafStrict merges src into dst in place; a leaf-value
// conflict (both sides define a non-map scalar/list at the same key
// with different values) is an error.
func deepMergeLeafStrict(dst, src map[string]interface{}) error {
	for k, v := range src {
		existing, ok := dst[k]
		if !ok {
			dst[k] = v
			continue
		}
		existingMap, existingIsMap := asStringMap(existing)
		srcMap, srcIsMap := asStringMap(v)
		if existingIsMap && srcIsMap {
			if err := deepMergeLeafStrict(existingMap, srcMap); err != nil {
				return err
			}
			dst[k] = existingMap
			continue
		}
		if existingIsMap != srcIsMap {
			return fmt.Errorf("conflicting merge at key %q: mismatched shapes", k)
		}
		if !deepEqual(existing, v) {
			return fmt.Errorf("conflicting merge at key %q", k)
		}
	}
	return nil
}

func asStringMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(m))
		for k, val := range m {
			out[fmt.Sprintf("%v", k)] = val
		}
		return out, true
	default:
		return nil, false
	}
}

func deepEqual(a, b interface{}) bool {
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func decodeCatalog(raw map[string]interface{}) (*Catalog, error) {
	cat := &Catalog{Tasks: map[string]TaskSpec{}, Graphs: map[string]GraphSpec{}}

	if rawTasks, ok := raw["tasks"]; ok {
		tasksMap, _ := asStringMap(rawTasks)
		for name, rawSpec := range tasksMap {
			var spec TaskSpec
			if err := mapstructure.Decode(rawSpec, &spec); err != nil {
				return nil, kerrors.NewConfigError("catalog.decodeTask", fmt.Errorf("task %q: %w", name, err))
			}
			cat.Tasks[name] = spec
		}
	}

	if rawGraphs, ok := raw["graphs"]; ok {
		graphsMap, _ := asStringMap(rawGraphs)
		for name, rawGraph := range graphsMap {
			spec, err := decodeGraph(rawGraph)
			if err != nil {
				return nil, kerrors.NewConfigError("catalog.decodeGraph", fmt.Errorf("graph %q: %w", name, err))
			}
			cat.Graphs[name] = spec
		}
	}

	if rawSettings, ok := raw["settings"]; ok {
		var settings Settings
		if err := mapstructure.Decode(rawSettings, &settings); err != nil {
			return nil, kerrors.NewConfigError("catalog.decodeSettings", err)
		}
		cat.Settings = settings
	}

	return cat, nil
}

func decodeGraph(raw interface{}) (GraphSpec, error) {
	m, ok := asStringMap(raw)
	if !ok {
		return GraphSpec{}, fmt.Errorf("graph entry is not a mapping")
	}
	spec := GraphSpec{Tasks: map[string]DepSpec{}}

	if rawTasks, ok := m["tasks"]; ok {
		tasksMap, _ := asStringMap(rawTasks)
		for taskName, rawDeps := range tasksMap {
			dep, err := NormaliseDepSpec(rawDeps)
			if err != nil {
				return GraphSpec{}, fmt.Errorf("task %q: %w", taskName, err)
			}
			spec.Tasks[taskName] = dep
		}
	}

	if rawExtends, ok := m["extends"]; ok {
		entries, err := normaliseExtends(rawExtends)
		if err != nil {
			return GraphSpec{}, err
		}
		spec.Extends = entries
	}

	return spec, nil
}

// NormaliseDepSpec normalises a task's dependency declaration:
// null -> [], string -> [string], list -> list with empties removed,
// {deps, args} -> (list, args).
func NormaliseDepSpec(raw interface{}) (DepSpec, error) {
	if raw == nil {
		return DepSpec{Deps: []string{}}, nil
	}
	switch v := raw.(type) {
	case string:
		return DepSpec{Deps: []string{v}}, nil
	case []interface{}:
		deps := make([]string, 0, len(v))
		for _, item := range v {
			s := fmt.Sprintf("%v", item)
			if s != "" {
				deps = append(deps, s)
			}
		}
		return DepSpec{Deps: deps}, nil
	default:
		m, ok := asStringMap(raw)
		if !ok {
			return DepSpec{}, fmt.Errorf("unsupported dependency spec shape %T", raw)
		}
		depSpec := DepSpec{Args: map[string]interface{}{}}
		if rawDeps, ok := m["deps"]; ok {
			nested, err := NormaliseDepSpec(rawDeps)
			if err != nil {
				return DepSpec{}, err
			}
			depSpec.Deps = nested.Deps
		} else {
			depSpec.Deps = []string{}
		}
		if rawArgs, ok := m["args"]; ok {
			argsMap, _ := asStringMap(rawArgs)
			depSpec.Args = argsMap
		}
		return depSpec, nil
	}
}

func normaliseExtends(raw interface{}) ([]ExtendsEntry, error) {
	switch v := raw.(type) {
	case string:
		return []ExtendsEntry{{Graph: v}}, nil
	case []interface{}:
		var out []ExtendsEntry
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, ExtendsEntry{Graph: s})
				continue
			}
			m, ok := asStringMap(item)
			if !ok {
				return nil, fmt.Errorf("unsupported extends entry shape %T", item)
			}
			graphName, _ := m["graph"].(string)
			if graphName == "" {
				return nil, fmt.Errorf("extends entry missing 'graph'")
			}
			entry := ExtendsEntry{Graph: graphName}
			if rawArgs, ok := m["args"]; ok {
				argsMap, _ := asStringMap(rawArgs)
				entry.Args = map[string]map[string]interface{}{}
				for task, override := range argsMap {
					overrideMap, _ := asStringMap(override)
					entry.Args[task] = overrideMap
				}
			}
			out = append(out, entry)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported extends shape %T", raw)
	}
}

// TaskNames returns the sorted list of task names in a graph, for
// error messages that list the available names.
func (g GraphSpec) TaskNames() []string {
	names := make([]string, 0, len(g.Tasks))
	for name := range g.Tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
