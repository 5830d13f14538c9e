// Package executor runs tasks against a taskcache.Cache: a sequential
// "vanilla" runner, an errgroup-backed parallel map runner, and an AWS
// Batch array-job single-subtask driver, all sharing the same
// subtask-bookkeeping helpers.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/kptn-dev/kptn/internal/fs/globby"
	"github.com/kptn-dev/kptn/internal/hashing"
	"github.com/kptn-dev/kptn/internal/store"
	"github.com/kptn-dev/kptn/internal/taskcache"
)

// errIncompleteMappedTask is returned by the mapped-task runners when
// the aggregate subtask status isn't SUCCESS. finishMappedTask has
// already persisted the correct status (INCOMPLETE or FAILURE) by the
// time this is returned; callers must treat it like any other failure
// and must not follow it with a SetFinalState call that stamps SUCCESS.
type errIncompleteMappedTask struct {
	taskName string
	status   string
	errs     *multierror.Error // one entry per failed subtask, nil if none failed
}

func (e *errIncompleteMappedTask) Error() string {
	if e.errs != nil && e.errs.Len() > 0 {
		return fmt.Sprintf("task %s did not complete: %s: %v", e.taskName, e.status, e.errs)
	}
	return fmt.Sprintf("task %s did not complete: %s", e.taskName, e.status)
}

// Unwrap exposes the individual subtask failures through errors.Is/As.
func (e *errIncompleteMappedTask) Unwrap() error {
	if e.errs == nil {
		return nil
	}
	return e.errs.ErrorOrNil()
}

// IncompleteStatus reports the status ("INCOMPLETE" or "FAILURE") a
// mapped-task run recorded, when err wraps a failed mapped-task run.
// ok is false for any other error, including a nil err, so a caller can
// distinguish "this task only partially completed" from an unrelated
// failure (e.g. a bad catalog) without inspecting error text.
func IncompleteStatus(err error) (status string, ok bool) {
	var e *errIncompleteMappedTask
	if errors.As(err, &e) {
		return e.status, true
	}
	return "", false
}

// TaskRunner invokes a single task's underlying callable (an R script,
// a Python function, or a DuckDB SQL file) with a resolved set of
// keyword arguments. Concrete wrappers live outside this package,
// grounded on whatever language-specific calling convention the
// embedding application provides; the executor only needs this narrow
// seam.
type TaskRunner interface {
	RunTask(ctx context.Context, taskName string, kwargs map[string]interface{}) error
}

// Executor ties a Cache and a TaskRunner together to drive one task's
// execution and cache bookkeeping.
type Executor struct {
	Cache  *taskcache.Cache
	Runner TaskRunner
	Logger hclog.Logger

	// ScratchDir is the root a task's declared outputs are globbed and
	// hashed relative to (see fs.ResolveScratchDir). Output hashing is
	// skipped for a task with no declared outputs regardless of this
	// field.
	ScratchDir string
}

// New constructs an Executor. Logger may be nil.
func New(cache *taskcache.Cache, runner TaskRunner, logger hclog.Logger) *Executor {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Executor{Cache: cache, Runner: runner, Logger: logger}
}

// statusOfResults implements check_results_success: SUCCESS if every
// result succeeded, FAILURE if none did, INCOMPLETE otherwise.
func statusOfResults(results []bool) string {
	total := len(results)
	success := 0
	for _, r := range results {
		if r {
			success++
		}
	}
	switch {
	case total > 0 && success == total:
		return taskcache.StatusSuccess
	case success == 0:
		return taskcache.StatusFailure
	default:
		return taskcache.StatusIncomplete
	}
}

// fetchAndHashSubtasks implements fetch_and_hash_subtasks: digest the
// sorted list of each subtask's output hash into one composite
// outputs_version. Returns "" if there are no subtasks yet.
func fetchAndHashSubtasks(ctx context.Context, s store.Store, taskName string) (string, error) {
	subtasks, err := s.GetSubtasks(ctx, taskName)
	if err != nil {
		return "", err
	}
	if len(subtasks) == 0 {
		return "", nil
	}
	hashes := make([]string, 0, len(subtasks))
	for _, st := range subtasks {
		hashes = append(hashes, st.OutputHash)
	}
	sort.Strings(hashes)
	return hashing.DigestObject(hashes)
}

// RunSingleTask executes a non-mapped task's callable once, with
// whatever kwargs its dependency data resolves to, after recording the
// task's initial state. It writes no final state; RunTask does that.
func (e *Executor) RunSingleTask(ctx context.Context, taskName string, kwargs map[string]interface{}) error {
	if _, err := e.Cache.SetInitialState(ctx, taskName, false); err != nil {
		return err
	}
	if err := e.Runner.RunTask(ctx, taskName, kwargs); err != nil {
		return fmt.Errorf("task %s failed: %w", taskName, err)
	}
	return nil
}

// outputsDigestFor computes a single (non-mapped) task's output hash:
// glob the task's declared outputs against this Executor's scratch
// directory and hash the matched files. Mapped
// tasks hash their outputs per-subtask instead (fetchAndHashSubtasks),
// so this is only ever worth calling from the plain single-task path.
// A task with no declared outputs hashes to "".
func (e *Executor) outputsDigestFor(taskName string) (string, error) {
	task, ok := e.Cache.Catalog.Tasks[taskName]
	if !ok || len(task.Outputs) == 0 {
		return "", nil
	}

	env := map[string]string{}
	for _, kv := range os.Environ() {
		if idx := strings.IndexByte(kv, '='); idx >= 0 {
			env[kv[:idx]] = kv[idx+1:]
		}
	}

	return hashing.HashOutputs(hashing.OutputHashInputs{
		ScratchDir: e.ScratchDir,
		Outputs:    task.Outputs,
		Env:        env,
		Glob:       globby.GlobFiles,
		Logger:     e.Logger,
	})
}

// batchIndex resolves AWS_BATCH_JOB_ARRAY_INDEX the way
// _parse_batch_index does: absent means "not a batch worker", present
// and non-numeric is an error.
func batchIndex() (int, bool, error) {
	raw, ok := os.LookupEnv("AWS_BATCH_JOB_ARRAY_INDEX")
	if !ok {
		return 0, false, nil
	}
	idx, err := strconv.Atoi(raw)
	if err != nil {
		return 0, true, fmt.Errorf("invalid AWS_BATCH_JOB_ARRAY_INDEX value: %s", raw)
	}
	return idx, true, nil
}
