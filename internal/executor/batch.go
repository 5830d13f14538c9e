package executor

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/hashicorp/go-multierror"

	"github.com/kptn-dev/kptn/internal/store"
	"github.com/kptn-dev/kptn/internal/taskcache"
	"github.com/kptn-dev/kptn/internal/util"
)

// batchStride returns the subtask indices one array worker owns. AWS
// Batch caps how large an array job can be, so a mapped task with more
// items than the array allows is covered by having each worker stripe
// across every index congruent to its own arrayIndex modulo arraySize
// (index, index+arraySize, index+2*arraySize, ...). arraySize<=0 or
// arraySize>=taskSize means no striping is needed: the worker owns just
// its own index.
func batchStride(arrayIndex, arraySize, taskSize int) []int {
	if arraySize <= 0 || arraySize >= taskSize {
		return []int{arrayIndex}
	}
	indices := make([]int, 0, taskSize/arraySize+1)
	for i := util.PositiveMod(arrayIndex, arraySize); i < taskSize; i += arraySize {
		indices = append(indices, i)
	}
	return indices
}

// RunBatchArraySubtask implements run_batch_array_subtask: executes the
// mapped-task elements AWS_BATCH_JOB_ARRAY_INDEX owns (its own index, or
// every index batchStride assigns it when ARRAY_SIZE is smaller than the
// task), and when it observes every subtask has finished, finalizes the
// parent task's cached state as SUCCESS.
func (e *Executor) RunBatchArraySubtask(ctx context.Context, taskName string) error {
	if !e.Cache.IsMappedTask(taskName) {
		return fmt.Errorf("task %s is not a mapped task and cannot be run as a batch array subtask", taskName)
	}

	arrayIndex, _, err := batchIndex()
	if err != nil {
		return err
	}

	depArgs, err := e.fetchCachedDepData(ctx, taskName)
	if err != nil {
		return err
	}
	taskSize := len(depArgs.ValueList)
	if taskSize == 0 {
		return fmt.Errorf("task %s has no items to map over", taskName)
	}

	arraySize := taskSize
	if raw, ok := os.LookupEnv("ARRAY_SIZE"); ok {
		if expected, err := strconv.Atoi(raw); err == nil {
			arraySize = expected
			if expected > taskSize {
				e.Logger.Warn("ARRAY_SIZE does not match computed task_size", "task", taskName, "array_size", expected, "task_size", taskSize)
			} else if expected < taskSize {
				e.Logger.Info("array smaller than task_size, striping subtasks across workers", "task", taskName, "array_size", expected, "task_size", taskSize)
			}
		} else {
			e.Logger.Warn("ARRAY_SIZE is not an int", "value", raw)
		}
	}
	if arrayIndex < 0 || arrayIndex >= arraySize {
		return fmt.Errorf("batch array index %d out of bounds for array_size %d", arrayIndex, arraySize)
	}
	if depArgs.MapOverCount != 0 && depArgs.MapOverCount != taskSize {
		e.Logger.Warn("map_over_count does not match task_size", "task", taskName, "map_over_count", depArgs.MapOverCount, "task_size", taskSize)
	}

	existing, err := e.Cache.Store.GetTask(ctx, taskName, store.GetTaskOptions{IncludeData: false, SubsetMode: e.Cache.SubsetMode})
	if err != nil {
		return err
	}
	if existing == nil {
		e.Logger.Info("creating initial task state for batch array worker", "task", taskName)
		if _, err := e.Cache.SetInitialState(ctx, taskName, false); err != nil {
			return err
		}
	}

	subtasks, err := e.Cache.Store.GetSubtasks(ctx, taskName)
	if err != nil {
		return err
	}
	if len(subtasks) == 0 {
		e.Logger.Info("creating subtasks", "task", taskName, "count", taskSize)
		if err := e.Cache.Store.CreateSubtasks(ctx, taskName, subtaskKeys(depArgs.ValueList), true); err != nil {
			return err
		}
	}

	owned := batchStride(arrayIndex, arraySize, taskSize)
	e.Logger.Info("running batch array subtask", "task", taskName, "index", arrayIndex, "owns", owned, "of", taskSize)

	var errs *multierror.Error
	for _, idx := range owned {
		kwargs := indexedKwargs(depArgs.DataArgs, idx)
		if err := e.Runner.RunTask(ctx, taskName, kwargs); err != nil {
			e.Logger.Error("batch subtask failed", "task", taskName, "index", idx, "error", err)
			errs = multierror.Append(errs, fmt.Errorf("subtask %d: %w", idx, err))
		}
	}
	if errs.ErrorOrNil() != nil {
		if serr := e.Cache.Store.SetTaskEnded(ctx, taskName, nil, "", "", taskcache.StatusFailure, e.Cache.SubsetMode); serr != nil {
			e.Logger.Error("failed to record task failure", "task", taskName, "error", serr)
		}
		depStates, derr := e.Cache.GetDepStates(ctx, taskName)
		if derr == nil {
			_ = e.Cache.SetFinalState(ctx, taskName, depStates, taskcache.FinalStateInputs{Status: taskcache.StatusFailure})
		}
		return errs.ErrorOrNil()
	}

	updated, err := e.Cache.Store.GetSubtasks(ctx, taskName)
	if err != nil {
		return err
	}
	allDone := len(updated) > 0
	for _, st := range updated {
		if st.EndTime == "" {
			allDone = false
			break
		}
	}

	if allDone {
		outputsVersion, err := fetchAndHashSubtasks(ctx, e.Cache.Store, taskName)
		if err != nil {
			return err
		}
		if err := e.Cache.Store.SetTaskEnded(ctx, taskName, nil, "", outputsVersion, taskcache.StatusSuccess, e.Cache.SubsetMode); err != nil {
			return err
		}
		depStates, err := e.Cache.GetDepStates(ctx, taskName)
		if err != nil {
			return err
		}
		if err := e.Cache.SetFinalState(ctx, taskName, depStates, taskcache.FinalStateInputs{Status: taskcache.StatusSuccess}); err != nil {
			return err
		}
		e.Logger.Info("all subtasks completed; marked SUCCESS", "task", taskName, "count", taskSize)
		return nil
	}

	e.Logger.Info("subtask complete; waiting for remaining subtasks", "task", taskName, "index", arrayIndex)
	return nil
}
