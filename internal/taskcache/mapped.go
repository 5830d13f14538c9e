package taskcache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kptn-dev/kptn/internal/catalog"
	"github.com/kptn-dev/kptn/internal/store"
)

// IsMappedTask reports whether a task's spec declares map_over.
func (c *Cache) IsMappedTask(taskName string) bool {
	task, ok := c.Catalog.Tasks[taskName]
	return ok && task.IsMappedTask()
}

// TaskReturnsList reports whether a task's spec declares
// iterable_item -- i.e. its cached result is consumed elementwise by a
// downstream mapped task.
func (c *Cache) TaskReturnsList(taskName string) bool {
	task, ok := c.Catalog.Tasks[taskName]
	return ok && task.TaskReturnsList()
}

// HasMappedTaskDeps reports whether any of a task's declared
// dependencies themselves return a list.
func (c *Cache) HasMappedTaskDeps(taskName string) bool {
	graph, ok := c.Catalog.Graphs[c.GraphName]
	if !ok {
		return false
	}
	dep, ok := graph.Tasks[taskName]
	if !ok {
		return false
	}
	for _, depName := range dep.Deps {
		if c.TaskReturnsList(depName) {
			return true
		}
	}
	return false
}

// GetMapOverKey returns a mapped task's map_over key name, or "" if
// the task isn't mapped.
func (c *Cache) GetMapOverKey(taskName string) string {
	task, ok := c.Catalog.Tasks[taskName]
	if !ok {
		return ""
	}
	return task.MapOver
}

// GetKeyValue implements get_key_value: resolves the map_over key's
// value(s) out of a subtask's kwargs, joining multiple comma-separated
// keys with a comma. Returns ("", false) if the key (or any of its
// comma-separated parts) isn't present in kwargs.
func GetKeyValue(mapOverKey string, kwargs map[string]interface{}) (string, bool) {
	if mapOverKey == "" {
		return "", false
	}
	if strings.Contains(mapOverKey, ",") {
		keys := strings.Split(mapOverKey, ",")
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			v, ok := kwargs[k]
			if !ok {
				return "", false
			}
			parts = append(parts, fmt.Sprintf("%v", v))
		}
		return strings.Join(parts, ","), true
	}
	v, ok := kwargs[mapOverKey]
	if !ok {
		return "", false
	}
	return fmt.Sprintf("%v", v), true
}

// GetMapOverCount returns the number of subtasks a mapped task will
// fan out to: the cached item count of whichever dependency feeds its
// map_over key, via FetchCachedDepData.
func (c *Cache) GetMapOverCount(ctx context.Context, taskName string) (int, error) {
	if !c.IsMappedTask(taskName) {
		return 0, nil
	}
	_, _, count, err := c.FetchCachedDepData(ctx, taskName)
	return count, err
}

// FetchCachedDepData locates the upstream mapped-dependency feeding a
// task's map_over key, and returns its cached data payload, the
// dependency's name, and the number of elements in that payload --
// grounded on TSCacheUtils.fetch_cached_dep_data, which the batch-array
// driver and the in-process mapped-task coordinator both rely on to
// learn how many subtasks to create.
func (c *Cache) FetchCachedDepData(ctx context.Context, taskName string) (depName string, data []byte, count int, err error) {
	graph, ok := c.Catalog.Graphs[c.GraphName]
	if !ok {
		return "", nil, 0, fmt.Errorf("unknown graph %q", c.GraphName)
	}
	dep, ok := graph.Tasks[taskName]
	if !ok {
		return "", nil, 0, fmt.Errorf("task %q not found in graph %q", taskName, c.GraphName)
	}
	for _, candidate := range dep.Deps {
		if !c.TaskReturnsList(candidate) {
			continue
		}
		state, err := c.Store.GetTask(ctx, candidate, store.GetTaskOptions{IncludeData: true, SubsetMode: c.SubsetMode})
		if err != nil {
			return "", nil, 0, err
		}
		if state == nil {
			return candidate, nil, 0, nil
		}
		n := itemCount(state.Data)
		return candidate, state.Data, n, nil
	}
	return "", nil, 0, fmt.Errorf("mapped task %q has no list-returning dependency to map over", taskName)
}

// BundleSize/GroupSize return a mapped task's declared chunking
// factors (how many subtask indices one dispatched unit of work
// covers), defaulting to 1 (no bundling) when unset.
func BundleSize(task catalog.TaskSpec) int {
	if task.BundleSize > 0 {
		return task.BundleSize
	}
	return 1
}

func GroupSize(task catalog.TaskSpec) int {
	if task.GroupSize > 0 {
		return task.GroupSize
	}
	return 1
}

// SubtaskBundles partitions count subtask indices into contiguous
// bundles of bundleSize, the unit the parallel-map and Batch array
// executors dispatch as a single work item.
func SubtaskBundles(count int, bundleSize int) [][]int {
	if bundleSize < 1 {
		bundleSize = 1
	}
	var bundles [][]int
	for i := 0; i < count; i += bundleSize {
		end := i + bundleSize
		if end > count {
			end = count
		}
		bundle := make([]int, 0, end-i)
		for idx := i; idx < end; idx++ {
			bundle = append(bundle, idx)
		}
		bundles = append(bundles, bundle)
	}
	return bundles
}

// itemCount returns the number of top-level elements in a JSON-array
// payload, or 0 if data isn't a JSON array.
func itemCount(data []byte) int {
	if len(data) == 0 {
		return 0
	}
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return 0
	}
	return len(items)
}
