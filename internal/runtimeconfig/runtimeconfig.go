// Package runtimeconfig resolves the `config` block of a task catalog
// into a flat value map: plain scalars pass through, `include` entries
// merge in external JSON/YAML files before the rest of the block is
// resolved, and `{value: ...}` / `{function: "name", alias: "x"}`
// entries are evaluated through a caller-supplied factory registry (Go
// has no dynamic `module:attr` import, so the registry stands in for
// the original's importlib lookup -- see DESIGN.md).
package runtimeconfig

import (
	"encoding/json"
	"fmt"
	"go/token"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kptn-dev/kptn/internal/kerrors"
	"gopkg.in/yaml.v3"
)

// TaskInfo is the optional task-scoped metadata passed to a factory
// function, mirroring `_prepare_task_info`'s task_name/task_lang keys.
type TaskInfo struct {
	TaskName     string
	TaskLanguage string
}

// Factory is a named, zero-argument or task-info-aware config
// callable, registered by the embedding application in place of a
// Python `module:attr` reference.
type Factory func(info *TaskInfo) (interface{}, error)

// Registry resolves factory names to Factory values. A `function` entry
// naming a factory not found here is a ConfigError. A bare string value
// is called only when it names a registered factory; any other string
// passes through as a literal.
type Registry map[string]Factory

// Config is the resolved `config` block: a flat map ready for
// task-callable parameter binding.
type Config struct {
	data map[string]interface{}
}

// Get returns a resolved config value, or ok=false if absent.
func (c *Config) Get(key string) (interface{}, bool) {
	v, ok := c.data[key]
	return v, ok
}

// AsMap returns a copy of the resolved configuration.
func (c *Config) AsMap() map[string]interface{} {
	out := make(map[string]interface{}, len(c.data))
	for k, v := range c.data {
		out[k] = v
	}
	return out
}

type resolvedEntry struct {
	value   interface{}
	aliases []alias
}

type alias struct {
	name  string
	value interface{}
}

// Resolve interprets a raw `config` block (as decoded from YAML: maps
// keyed by string or interface{}, slices, and scalars) against
// baseDir (for resolving `include` paths) and registry (for
// `function` entries).
func Resolve(configBlock map[string]interface{}, baseDir string, registry Registry, info *TaskInfo) (*Config, error) {
	entry, err := resolveEntry(configBlock, baseDir, registry, info)
	if err != nil {
		return nil, err
	}
	resolvedMap, ok := entry.value.(map[string]interface{})
	if !ok {
		return nil, kerrors.NewConfigError("runtimeconfig.Resolve", fmt.Errorf("config block must decode to a mapping"))
	}

	resolved := make(map[string]interface{}, len(resolvedMap))
	for k, v := range resolvedMap {
		resolved[k] = v
	}
	applyAliases(resolved, entry.aliases)
	if err := applyDuckDBOverrides(resolved); err != nil {
		return nil, err
	}
	return &Config{data: resolved}, nil
}

func resolveEntry(value interface{}, baseDir string, registry Registry, info *TaskInfo) (resolvedEntry, error) {
	switch v := value.(type) {
	case map[string]interface{}:
		return resolveMappingEntry(v, baseDir, registry, info)
	case []interface{}:
		items := make([]interface{}, 0, len(v))
		for _, item := range v {
			itemEntry, err := resolveEntry(item, baseDir, registry, info)
			if err != nil {
				return resolvedEntry{}, err
			}
			if len(itemEntry.aliases) > 0 {
				return resolvedEntry{}, kerrors.NewConfigError("runtimeconfig.resolveEntry", fmt.Errorf("alias definitions are not supported inside lists"))
			}
			items = append(items, itemEntry.value)
		}
		return resolvedEntry{value: items}, nil
	case string:
		if fn, ok := registry[strings.TrimSpace(v)]; ok {
			result, err := fn(info)
			if err != nil {
				return resolvedEntry{}, kerrors.NewConfigError("runtimeconfig.resolveEntry", err)
			}
			return resolvedEntry{value: result}, nil
		}
		return resolvedEntry{value: v}, nil
	default:
		return resolvedEntry{value: v}, nil
	}
}

func resolveMappingEntry(mapping map[string]interface{}, baseDir string, registry Registry, info *TaskInfo) (resolvedEntry, error) {
	if isConfigEntryMapping(mapping) {
		return resolveConfigEntryMapping(mapping, baseDir, registry, info)
	}

	cloned := cloneMap(mapping)
	includeValue, hasInclude := cloned["include"]
	delete(cloned, "include")

	merged := map[string]interface{}{}
	if hasInclude {
		includes, err := normaliseIncludes(includeValue)
		if err != nil {
			return resolvedEntry{}, err
		}
		for _, includePath := range includes {
			raw, err := loadInclude(baseDir, includePath)
			if err != nil {
				return resolvedEntry{}, err
			}
			includeEntry, err := resolveEntry(raw, baseDir, registry, info)
			if err != nil {
				return resolvedEntry{}, err
			}
			includeMap, ok := includeEntry.value.(map[string]interface{})
			if !ok {
				return resolvedEntry{}, kerrors.NewConfigError("runtimeconfig.resolveMappingEntry", fmt.Errorf("included file %q did not decode to a mapping", includePath))
			}
			merged = deepMerge(merged, includeMap)
			applyAliases(merged, includeEntry.aliases)
		}
	}

	current := map[string]interface{}{}
	var aliasEntries []alias
	for key, raw := range cloned {
		entry, err := resolveEntry(raw, baseDir, registry, info)
		if err != nil {
			return resolvedEntry{}, err
		}
		current[key] = entry.value
		aliasEntries = append(aliasEntries, entry.aliases...)
	}

	resolved := deepMerge(merged, current)
	applyAliases(resolved, aliasEntries)
	return resolvedEntry{value: resolved}, nil
}

func isConfigEntryMapping(m map[string]interface{}) bool {
	_, hasValue := m["value"]
	_, hasFunction := m["function"]
	return hasValue || hasFunction
}

func resolveConfigEntryMapping(mapping map[string]interface{}, baseDir string, registry Registry, info *TaskInfo) (resolvedEntry, error) {
	cloned := cloneMap(mapping)
	if _, ok := cloned["include"]; ok {
		return resolvedEntry{}, kerrors.NewConfigError("runtimeconfig.resolveConfigEntryMapping", fmt.Errorf("config entry mappings do not support 'include'"))
	}

	aliasRaw := cloned["alias"]
	parameterRaw := cloned["parameter_name"]
	delete(cloned, "alias")
	delete(cloned, "parameter_name")
	aliasName, err := coalesceAlias(aliasRaw, parameterRaw)
	if err != nil {
		return resolvedEntry{}, err
	}

	_, hasValue := cloned["value"]
	_, hasFunction := cloned["function"]
	if hasValue && hasFunction {
		return resolvedEntry{}, kerrors.NewConfigError("runtimeconfig.resolveConfigEntryMapping", fmt.Errorf("config entry cannot define both 'value' and 'function'"))
	}
	if !hasValue && !hasFunction {
		return resolvedEntry{}, kerrors.NewConfigError("runtimeconfig.resolveConfigEntryMapping", fmt.Errorf("config entry must define either 'value' or 'function'"))
	}

	var resolvedValue interface{}
	if hasFunction {
		fnSpec, ok := cloned["function"].(string)
		if !ok {
			return resolvedEntry{}, kerrors.NewConfigError("runtimeconfig.resolveConfigEntryMapping", fmt.Errorf("config entry 'function' must be provided as a string"))
		}
		delete(cloned, "function")
		if _, ok := registry[strings.TrimSpace(fnSpec)]; !ok {
			return resolvedEntry{}, kerrors.NewConfigError("runtimeconfig.resolveConfigEntryMapping", fmt.Errorf("config entry function %q is not registered", fnSpec))
		}
		fnEntry, err := resolveEntry(fnSpec, baseDir, registry, info)
		if err != nil {
			return resolvedEntry{}, err
		}
		if len(fnEntry.aliases) > 0 {
			return resolvedEntry{}, kerrors.NewConfigError("runtimeconfig.resolveConfigEntryMapping", fmt.Errorf("function specifications cannot define alias entries"))
		}
		resolvedValue = fnEntry.value
	} else {
		valueSpec := cloned["value"]
		delete(cloned, "value")
		valueEntry, err := resolveEntry(valueSpec, baseDir, registry, info)
		if err != nil {
			return resolvedEntry{}, err
		}
		if len(valueEntry.aliases) > 0 {
			return resolvedEntry{}, kerrors.NewConfigError("runtimeconfig.resolveConfigEntryMapping", fmt.Errorf("alias definitions are not supported within config 'value' fields"))
		}
		resolvedValue = valueEntry.value
	}

	if len(cloned) > 0 {
		return resolvedEntry{}, kerrors.NewConfigError("runtimeconfig.resolveConfigEntryMapping", fmt.Errorf("config entry mapping contains unsupported keys: %s", strings.Join(sortedKeys(cloned), ", ")))
	}

	var aliases []alias
	if aliasName != "" {
		aliases = append(aliases, alias{name: aliasName, value: resolvedValue})
	}
	return resolvedEntry{value: resolvedValue, aliases: aliases}, nil
}

func coalesceAlias(aliasRaw interface{}, parameterRaw interface{}) (string, error) {
	aliasSet := aliasRaw != nil
	parameterSet := parameterRaw != nil

	if aliasSet && parameterSet {
		aliasName, err := normaliseAlias(aliasRaw)
		if err != nil {
			return "", err
		}
		parameterAlias, err := normaliseAlias(parameterRaw)
		if err != nil {
			return "", err
		}
		if aliasName != parameterAlias {
			return "", kerrors.NewConfigError("runtimeconfig.coalesceAlias", fmt.Errorf("config entry defines conflicting 'alias' and 'parameter_name' values"))
		}
		return aliasName, nil
	}
	if aliasSet {
		return normaliseAlias(aliasRaw)
	}
	if parameterSet {
		return normaliseAlias(parameterRaw)
	}
	return "", nil
}

func normaliseAlias(v interface{}) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", kerrors.NewConfigError("runtimeconfig.normaliseAlias", fmt.Errorf("alias must be provided as a string"))
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", kerrors.NewConfigError("runtimeconfig.normaliseAlias", fmt.Errorf("alias strings must not be empty"))
	}
	if !token.IsIdentifier(s) {
		return "", kerrors.NewConfigError("runtimeconfig.normaliseAlias", fmt.Errorf("alias %q is not a valid identifier", s))
	}
	return s, nil
}

// applyDuckDBOverrides normalises the legacy
// `duckdb: {function: ..., alias/parameter_name: ...}` shape (already
// handled by resolveConfigEntryMapping for the common case, this
// covers a bare already-resolved `duckdb` mapping left over from
// hand-authored configs) into a flat `duckdb` value plus its alias
// key, matching `_apply_duckdb_overrides`.
func applyDuckDBOverrides(resolved map[string]interface{}) error {
	duckdbEntry, ok := resolved["duckdb"].(map[string]interface{})
	if !ok {
		return nil
	}
	connection, hasFunction := duckdbEntry["function"]
	if !hasFunction {
		_, hasAlias := duckdbEntry["alias"]
		_, hasParam := duckdbEntry["parameter_name"]
		if hasAlias || hasParam {
			return kerrors.NewConfigError("runtimeconfig.applyDuckDBOverrides", fmt.Errorf("duckdb config mapping must define a 'function' entry"))
		}
		return nil
	}
	if connection == nil {
		return kerrors.NewConfigError("runtimeconfig.applyDuckDBOverrides", fmt.Errorf("duckdb config mapping must define a 'function' entry"))
	}

	aliasRaw, hasAlias := duckdbEntry["alias"]
	if !hasAlias {
		aliasRaw = duckdbEntry["parameter_name"]
	}
	var aliasName string
	if aliasRaw != nil {
		var err error
		aliasName, err = normaliseAlias(aliasRaw)
		if err != nil {
			return err
		}
	}

	resolved["duckdb"] = connection
	if aliasName != "" {
		resolved[aliasName] = connection
	}
	return nil
}

func applyAliases(target map[string]interface{}, aliases []alias) {
	for _, a := range aliases {
		target[a.name] = a.value
	}
}

func normaliseIncludes(v interface{}) ([]string, error) {
	switch val := v.(type) {
	case string:
		return []string{val}, nil
	case []interface{}:
		out := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return nil, kerrors.NewConfigError("runtimeconfig.normaliseIncludes", fmt.Errorf("include entries must be strings"))
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, kerrors.NewConfigError("runtimeconfig.normaliseIncludes", fmt.Errorf("include must be a string or list of strings"))
	}
}

func loadInclude(baseDir string, includeEntry string) (interface{}, error) {
	resolvedPath := filepath.Join(baseDir, includeEntry)
	data, err := os.ReadFile(resolvedPath)
	if err != nil {
		return nil, kerrors.NewConfigError("runtimeconfig.loadInclude", fmt.Errorf("config include %q not found at %s", includeEntry, resolvedPath))
	}

	switch strings.ToLower(filepath.Ext(resolvedPath)) {
	case ".json":
		var out interface{}
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, kerrors.NewConfigError("runtimeconfig.loadInclude", err)
		}
		return normaliseYAMLValue(out), nil
	case ".yml", ".yaml":
		var out interface{}
		if err := yaml.Unmarshal(data, &out); err != nil {
			return nil, kerrors.NewConfigError("runtimeconfig.loadInclude", err)
		}
		return normaliseYAMLValue(out), nil
	default:
		return string(data), nil
	}
}

// normaliseYAMLValue converts yaml.v3's map[interface{}]interface{}
// decode shape (via JSON round-trip decoding it already avoids, but
// nested maps from gopkg.in/yaml.v3 come back as map[string]interface{}
// directly) into the map[string]interface{} shape the rest of this
// package expects; included here defensively for JSON-sourced includes.
func normaliseYAMLValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, sub := range val {
			out[k] = normaliseYAMLValue(sub)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, sub := range val {
			out[fmt.Sprintf("%v", k)] = normaliseYAMLValue(sub)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, sub := range val {
			out[i] = normaliseYAMLValue(sub)
		}
		return out
	default:
		return v
	}
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func deepMerge(first, second map[string]interface{}) map[string]interface{} {
	merged := cloneMap(first)
	for key, value := range second {
		if existing, ok := merged[key].(map[string]interface{}); ok {
			if incoming, ok := value.(map[string]interface{}); ok {
				merged[key] = deepMerge(existing, incoming)
				continue
			}
		}
		merged[key] = value
	}
	return merged
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
