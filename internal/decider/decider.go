// Package decider wraps taskcache.EvaluateSubmission in a JSON
// request/response contract usable either in-process or behind an AWS
// Lambda handler.
package decider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/kptn-dev/kptn/internal/hashing"
	"github.com/kptn-dev/kptn/internal/taskcache"
	"github.com/kptn-dev/kptn/internal/util/filter"
)

// Request is the Decider's JSON input. Fields are additive over time;
// unknown fields are ignored by encoding/json's default decode
// behavior.
type Request struct {
	TaskName        string          `json:"task_name"`
	TaskList        json.RawMessage `json:"task_list,omitempty"`
	IgnoreCache     bool            `json:"ignore_cache,omitempty"`
	ExecutionMode   string          `json:"execution_mode,omitempty"`
	TasksConfigPath string          `json:"TASKS_CONFIG_PATH,omitempty"`
	PipelineName    string          `json:"PIPELINE_NAME,omitempty"`
	PipelineConfig  json.RawMessage `json:"pipeline_config,omitempty"`
	State           json.RawMessage `json:"state,omitempty"`
}

// Response is the Decider's JSON output.
type Response struct {
	TaskName      string `json:"task_name"`
	ShouldRun     bool   `json:"should_run"`
	Reason        string `json:"reason,omitempty"`
	ArraySize     *int   `json:"array_size,omitempty"`
	ExecutionMode string `json:"execution_mode,omitempty"`
}

// CodeHasher is the narrow seam the Decider needs from the hashing
// engine to fingerprint a task's code before consulting the cache.
type CodeHasher = taskcache.CodeHasher

// Decide implements the Decider: if task_list is given and non-empty
// and doesn't name task_name, short-circuits to "Task not selected"
// without touching the store; otherwise defers to
// taskcache.EvaluateSubmission.
func Decide(ctx context.Context, cache *taskcache.Cache, req Request, codeDigest string, codeKind hashing.CodeHashKind, depStates []taskcache.DepState, logger hclog.Logger) (*Response, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	selected, err := taskSelected(req.TaskList, req.TaskName)
	if err != nil {
		return nil, err
	}
	if !selected {
		return &Response{TaskName: req.TaskName, ShouldRun: false, Reason: "Task not selected", ExecutionMode: req.ExecutionMode}, nil
	}

	decision, err := cache.EvaluateSubmission(ctx, req.TaskName, req.IgnoreCache, codeDigest, codeKind, depStates)
	if err != nil {
		return nil, err
	}

	resp := &Response{
		TaskName:      decision.TaskName,
		ShouldRun:     decision.ShouldRun,
		Reason:        decision.Reason,
		ExecutionMode: req.ExecutionMode,
	}

	if decision.Task.IsMappedTask() {
		count, err := cache.GetMapOverCount(ctx, req.TaskName)
		if err == nil && count > 0 {
			resp.ArraySize = &count
		}
	}

	return resp, nil
}

// taskSelected implements task_list's polymorphic shapes: null (no
// filter, everything selected), a CSV string, a JSON array of names, or
// a {name: bool} map. An empty CSV string, array or map is no filter
// either: everything is selected. The CSV and array forms are matched through the
// same glob.Compile-backed filter the rest of the codebase uses for
// include/exclude patterns, so a task_list entry like "ingest_*" works
// the way any other glob filter here does.
func taskSelected(taskList json.RawMessage, taskName string) (bool, error) {
	if len(taskList) == 0 || string(taskList) == "null" {
		return true, nil
	}

	var csv string
	if err := json.Unmarshal(taskList, &csv); err == nil {
		if strings.TrimSpace(csv) == "" {
			return true, nil
		}
		return matchesAny(splitCSV(csv), taskName)
	}

	var list []string
	if err := json.Unmarshal(taskList, &list); err == nil {
		if len(list) == 0 {
			return true, nil
		}
		return matchesAny(list, taskName)
	}

	var flags map[string]bool
	if err := json.Unmarshal(taskList, &flags); err == nil {
		if len(flags) == 0 {
			return true, nil
		}
		enabled, ok := flags[taskName]
		return ok && enabled, nil
	}

	return false, fmt.Errorf("unsupported task_list shape: %s", string(taskList))
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}

func matchesAny(names []string, taskName string) (bool, error) {
	f, err := filter.Compile(names)
	if err != nil {
		return false, err
	}
	if f == nil {
		return false, nil
	}
	return f.Match(taskName), nil
}
