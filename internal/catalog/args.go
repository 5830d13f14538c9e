package catalog

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kptn-dev/kptn/internal/util"
)

// ArgumentPlan describes the keyword arguments a task callable will be
// invoked with: every key named in its own `args` block, every
// `map_over` key, and every cache-enabled dependency's resolved key
// (its `{ref: ...}` alias if one targets it, else its own name).
type ArgumentPlan struct {
	ExpectedKwargs map[string]struct{}
	AliasLookup    map[string]string // dependency name -> aliased arg name
	Errors         []string
}

// ResolveDependencyKey determines the keyword a dependency's cached
// data is bound to: "" if the dependency isn't cache-enabled, the
// dependency's own `iterable_item` name when the consumer is a mapped
// task, else its `{ref}` alias or its own name.
func ResolveDependencyKey(taskSpec TaskSpec, depName string, depSpec *TaskSpec, aliasLookup map[string]string) string {
	if depSpec == nil || !depSpec.CacheResult {
		return ""
	}
	if taskSpec.IsMappedTask() && depSpec.IterableItem != "" {
		return depSpec.IterableItem
	}
	if alias, ok := aliasLookup[depName]; ok && alias != "" {
		return alias
	}
	return depName
}

// BuildArgumentPlan infers the keyword arguments a task callable will
// receive, given its own spec, its resolved dependency list, and the
// full task definition map (for looking up each dependency's own
// cache_result/iterable_item settings).
func BuildArgumentPlan(taskName string, taskSpec TaskSpec, dependencies []string, tasksDef map[string]TaskSpec) ArgumentPlan {
	_ = taskName
	expected := map[string]struct{}{}
	aliasLookup := map[string]string{}
	var errs []string

	for argName, argValue := range taskSpec.Args {
		expected[argName] = struct{}{}
		if m, ok := asStringMap(argValue); ok {
			if refTarget, hasRef := m["ref"]; hasRef {
				if refStr, ok := refTarget.(string); ok {
					aliasLookup[refStr] = argName
				} else {
					errs = append(errs, fmt.Sprintf("args.%s has unsupported ref target %v", argName, refTarget))
				}
			}
		}
	}

	depSet := util.SetFromStrings(dependencies)
	for refTarget, argName := range aliasLookup {
		if !depSet.Includes(refTarget) {
			errs = append(errs, fmt.Sprintf("args.%s references %q, but it is not listed as a dependency", argName, refTarget))
		}
	}

	if taskSpec.MapOver != "" {
		for _, part := range strings.Split(taskSpec.MapOver, ",") {
			if p := strings.TrimSpace(part); p != "" {
				expected[p] = struct{}{}
			}
		}
	}

	for _, depName := range dependencies {
		depSpec, ok := tasksDef[depName]
		if !ok {
			continue
		}
		key := ResolveDependencyKey(taskSpec, depName, &depSpec, aliasLookup)
		if key == "" {
			continue
		}
		for _, part := range strings.Split(key, ",") {
			if p := strings.TrimSpace(part); p != "" {
				expected[p] = struct{}{}
			}
		}
	}

	return ArgumentPlan{ExpectedKwargs: expected, AliasLookup: aliasLookup, Errors: errs}
}

// SortedExpectedKwargs returns the plan's expected kwarg names in
// sorted order, for deterministic diagnostics.
func (p ArgumentPlan) SortedExpectedKwargs() []string {
	out := make([]string, 0, len(p.ExpectedKwargs))
	for k := range p.ExpectedKwargs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
