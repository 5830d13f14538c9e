package executor

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/kptn-dev/kptn/internal/taskcache"
)

// RunTask implements run_task_vanilla: clears stale cached state unless
// subset mode or an incomplete mapped-task retry is in progress, then
// dispatches to the mapped or single-task path.
func (e *Executor) RunTask(ctx context.Context, taskName string, reason string) error {
	isMapped := e.Cache.IsMappedTask(taskName)

	if idx, isBatch, err := batchIndex(); err != nil {
		return err
	} else if isBatch && isMapped {
		e.Logger.Info("detected batch array worker", "task", taskName, "index", idx)
		return e.RunBatchArraySubtask(ctx, taskName)
	}

	switch {
	case e.Cache.SubsetMode:
		e.Logger.Info("clearing subset before running task", "task", taskName)
	case reason == taskcache.StatusIncomplete && isMapped:
		// keep the cache: resume the incomplete mapped task's remaining subtasks
	default:
		e.Logger.Info("clearing cache before running task", "task", taskName)
		if err := e.Cache.DeleteState(ctx, taskName); err != nil {
			return err
		}
	}

	var outputsDigest string
	if isMapped {
		e.Logger.Info("running mapped task", "task", taskName)
		if err := e.runMappedTaskSequential(ctx, taskName); err != nil {
			// Status was already recorded by runMappedTaskSequential so a
			// retry can pick up only the subtasks that failed; still stamp
			// code/input hashes so decide sees what changed next time.
			depStates, derr := e.Cache.GetDepStates(ctx, taskName)
			if derr == nil {
				_ = e.Cache.SetFinalState(ctx, taskName, depStates, taskcache.FinalStateInputs{})
			}
			return err
		}
	} else {
		depArgs, err := e.fetchCachedDepData(ctx, taskName)
		if err != nil {
			return err
		}
		if err := e.RunSingleTask(ctx, taskName, depArgs.DataArgs); err != nil {
			if serr := e.Cache.Store.SetTaskEnded(ctx, taskName, nil, "", "", taskcache.StatusFailure, e.Cache.SubsetMode); serr != nil {
				e.Logger.Error("failed to record task failure", "task", taskName, "error", serr)
			}
			return err
		}
		if err := e.Cache.Store.SetTaskEnded(ctx, taskName, nil, "", "", "", e.Cache.SubsetMode); err != nil {
			return err
		}
		if e.Cache.ShouldHashOutputs(taskName) {
			digest, err := e.outputsDigestFor(taskName)
			if err != nil {
				return err
			}
			outputsDigest = digest
		}
	}

	depStates, err := e.Cache.GetDepStates(ctx, taskName)
	if err != nil {
		return err
	}
	return e.Cache.SetFinalState(ctx, taskName, depStates, taskcache.FinalStateInputs{Status: taskcache.StatusSuccess, OutputsDigest: outputsDigest})
}

// runMappedTaskSequential implements map_task_vanilla's non-parallel
// path: create or resume subtasks, run each index's callable in turn,
// and record the aggregate status. The TaskRunner is responsible for
// its own per-subtask set_subtask_started/set_subtask_ended bookkeeping
// (the same split the original rscript_task/py_task wrappers draw);
// this loop only isolates each subtask's failure from its siblings, the
// way execute_task_wrapper does.
func (e *Executor) runMappedTaskSequential(ctx context.Context, taskName string) error {
	depArgs, err := e.fetchCachedDepData(ctx, taskName)
	if err != nil {
		return err
	}
	if _, err := e.Cache.SetInitialState(ctx, taskName, false); err != nil {
		return err
	}

	indices, err := e.resolveSubtaskIndices(ctx, taskName, depArgs)
	if err != nil {
		return err
	}

	results := make([]bool, len(indices))
	var errs *multierror.Error
	for i, idx := range indices {
		kwargs := indexedKwargs(depArgs.DataArgs, idx)
		if err := e.Runner.RunTask(ctx, taskName, kwargs); err != nil {
			e.Logger.Error("task execution failed", "task", taskName, "index", idx, "error", err)
			errs = multierror.Append(errs, fmt.Errorf("subtask %d: %w", idx, err))
			results[i] = false
			continue
		}
		results[i] = true
	}

	status := statusOfResults(results)
	return e.finishMappedTask(ctx, taskName, status, errs)
}

// resolveSubtaskIndices implements the create-fresh/resume-incomplete/
// reset-subset branching in map_task_vanilla.
func (e *Executor) resolveSubtaskIndices(ctx context.Context, taskName string, depArgs DepArgs) ([]int, error) {
	count := len(depArgs.ValueList)
	keys := subtaskKeys(depArgs.ValueList)

	if e.Cache.SubsetMode {
		if err := e.Cache.Store.ResetSubsetOfSubtasks(ctx, taskName, keys); err != nil {
			return nil, err
		}
		subset := make([]int, count)
		for i := range subset {
			subset[i] = i
		}
		return subset, nil
	}

	existing, err := e.Cache.Store.GetSubtasks(ctx, taskName)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		var incomplete []int
		for _, st := range existing {
			if st.EndTime == "" {
				incomplete = append(incomplete, st.Index)
			}
		}
		e.Logger.Info("resuming incomplete subtasks", "task", taskName, "count", len(incomplete))
		return incomplete, nil
	}

	e.Logger.Info("creating fresh subtasks", "task", taskName, "count", count)
	if err := e.Cache.Store.CreateSubtasks(ctx, taskName, keys, true); err != nil {
		return nil, err
	}
	all := make([]int, count)
	for i := range all {
		all[i] = i
	}
	return all, nil
}

// subtaskKeys formats each mapped-over value as the key string its
// subtask record is addressed by -- the same %v formatting
// taskcache.GetKeyValue uses to derive a subtask's key from its
// dispatch kwargs.
func subtaskKeys(valueList []interface{}) []string {
	keys := make([]string, len(valueList))
	for i, v := range valueList {
		keys[i] = fmt.Sprintf("%v", v)
	}
	return keys
}

// finishMappedTask implements the SUCCESS/subset/non-subset tail of
// map_task_vanilla: a fully successful run hashes every subtask's
// output into outputs_version, a partial/failed subset run stays
// silent on status (the next subset re-evaluation handles it), and a
// partial/failed full run records the partial status so decide can
// resume just the incomplete subtasks. errs carries one entry per
// failed subtask, surfaced through the returned errIncompleteMappedTask
// so a caller logging the failure sees every root cause, not just the
// aggregate status.
func (e *Executor) finishMappedTask(ctx context.Context, taskName string, status string, errs *multierror.Error) error {
	if status == taskcache.StatusSuccess {
		outputsVersion, err := fetchAndHashSubtasks(ctx, e.Cache.Store, taskName)
		if err != nil {
			return err
		}
		return e.Cache.Store.SetTaskEnded(ctx, taskName, nil, "", outputsVersion, status, e.Cache.SubsetMode)
	}
	if e.Cache.SubsetMode {
		if err := e.Cache.Store.SetTaskEnded(ctx, taskName, nil, "", "", "", e.Cache.SubsetMode); err != nil {
			return err
		}
		return &errIncompleteMappedTask{taskName: taskName, status: status, errs: errs}
	}
	if err := e.Cache.Store.SetTaskEnded(ctx, taskName, nil, "", "", status, e.Cache.SubsetMode); err != nil {
		return err
	}
	return &errIncompleteMappedTask{taskName: taskName, status: status, errs: errs}
}
