package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kptn-dev/kptn/internal/catalog"
)

// DepArgs is the resolved set of keyword arguments a mapped (or plain)
// task's callable will receive: one entry per cache-enabled dependency,
// keyed by its resolved argument name, plus the element list the
// map_over key is driven from and the element count that implies.
type DepArgs struct {
	DataArgs     map[string]interface{}
	ValueList    []interface{}
	MapOverCount int // 0 if the task isn't mapped or the count couldn't be inferred
}

// fetchCachedDepData implements fetch_cached_dep_data: walks a task's
// cache-enabled dependencies, binding each one's cached payload to its
// resolved argument key, and (for a mapped task) tracking the element
// list driving the fan-out.
func (e *Executor) fetchCachedDepData(ctx context.Context, taskName string) (DepArgs, error) {
	cat := e.Cache.Catalog
	graph, ok := cat.Graphs[e.Cache.GraphName]
	if !ok {
		return DepArgs{}, fmt.Errorf("unknown graph %q", e.Cache.GraphName)
	}
	dep, ok := graph.Tasks[taskName]
	if !ok {
		return DepArgs{}, fmt.Errorf("task %q not found in graph %q", taskName, e.Cache.GraphName)
	}
	task, ok := cat.Tasks[taskName]
	if !ok {
		return DepArgs{}, fmt.Errorf("unknown task %q", taskName)
	}

	plan := catalog.BuildArgumentPlan(taskName, task, dep.Deps, cat.Tasks)
	for _, msg := range plan.Errors {
		e.Logger.Warn("task argument resolution issue", "task", taskName, "message", msg)
	}

	out := DepArgs{DataArgs: map[string]interface{}{}}
	isMapped := task.MapOver != ""

	for _, depName := range dep.Deps {
		depSpec, ok := cat.Tasks[depName]
		if !ok || !depSpec.CacheResult {
			continue
		}
		state, err := e.Cache.FetchState(ctx, depName)
		if err != nil {
			return DepArgs{}, err
		}
		if state == nil || len(state.Data) == 0 {
			continue
		}
		key := catalog.ResolveDependencyKey(task, depName, &depSpec, plan.AliasLookup)
		if key == "" {
			continue
		}

		var data []interface{}
		if err := json.Unmarshal(state.Data, &data); err != nil {
			// Non-list cached payloads (a scalar task result) bind
			// directly without fan-out semantics.
			var scalar interface{}
			if err := json.Unmarshal(state.Data, &scalar); err != nil {
				return DepArgs{}, fmt.Errorf("dependency %s data is not valid JSON: %w", depName, err)
			}
			out.DataArgs[key] = scalar
			continue
		}

		if isMapped && strings.Contains(key, ",") {
			keys := strings.Split(key, ",")
			tuples := make([][]interface{}, len(data))
			for i, raw := range data {
				tuple, ok := raw.([]interface{})
				if !ok {
					return DepArgs{}, fmt.Errorf("dependency %s element %d is not a tuple for multi-key map_over %q", depName, i, key)
				}
				tuples[i] = tuple
			}
			values := make([]string, len(tuples))
			for i, tuple := range tuples {
				parts := make([]string, len(keys))
				for j := range keys {
					if j < len(tuple) {
						parts[j] = fmt.Sprintf("%v", tuple[j])
					}
				}
				values[i] = strings.Join(parts, ",")
			}
			for ki, k := range keys {
				col := make([]interface{}, len(tuples))
				for i, tuple := range tuples {
					if ki < len(tuple) {
						col[i] = tuple[ki]
					}
				}
				out.DataArgs[strings.TrimSpace(k)] = col
			}
			out.ValueList = make([]interface{}, len(values))
			for i, v := range values {
				out.ValueList[i] = v
			}
			out.MapOverCount = len(values)
		} else {
			out.DataArgs[key] = data
			out.ValueList = data
			if isMapped {
				out.MapOverCount = len(data)
			}
		}
	}

	return out, nil
}

// indexedKwargs projects a DepArgs' list-valued entries down to the
// single element at idx, for dispatching one subtask's invocation.
func indexedKwargs(dataArgs map[string]interface{}, idx int) map[string]interface{} {
	kwargs := make(map[string]interface{}, len(dataArgs)+1)
	for k, v := range dataArgs {
		if list, ok := v.([]interface{}); ok {
			if idx >= 0 && idx < len(list) {
				kwargs[k] = list[idx]
			} else {
				kwargs[k] = nil
			}
			continue
		}
		kwargs[k] = v
	}
	kwargs["idx"] = idx
	return kwargs
}
