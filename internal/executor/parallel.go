package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/kptn-dev/kptn/internal/taskcache"
)

// RunMappedTaskParallel fans a mapped task's subtasks out across an
// errgroup, bounded by concurrency, instead of running them one at a
// time. Every subtask in the group is awaited before the group's
// aggregate status is computed -- a failing subtask is recorded and
// does not cancel its siblings, mirroring the isolation
// execute_task_wrapper gives the sequential path.
func (e *Executor) RunMappedTaskParallel(ctx context.Context, taskName string, concurrency int) error {
	if concurrency < 1 {
		concurrency = 1
	}

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
	var mu sync.Mutex
	var errs *multierror.Error
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for i, idx := range indices {
		i, idx := i, idx
		g.Go(func() error {
			kwargs := indexedKwargs(depArgs.DataArgs, idx)
			if err := e.Runner.RunTask(gctx, taskName, kwargs); err != nil {
				e.Logger.Error("task execution failed", "task", taskName, "index", idx, "error", err)
				mu.Lock()
				errs = multierror.Append(errs, fmt.Errorf("subtask %d: %w", idx, err))
				mu.Unlock()
				results[i] = false
				return nil // isolate: don't cancel the rest of the group
			}
			results[i] = true
			return nil
		})
	}

	// g.Wait only returns non-nil for an error a subtask deliberately
	// propagated (none do above) or a context cancellation from outside
	// this group; per-subtask failures are captured in results instead.
	if err := g.Wait(); err != nil {
		return err
	}

	status := statusOfResults(results)
	return e.finishMappedTask(ctx, taskName, status, errs)
}

// RunMappedTaskGrouped implements the group_size branch of
// map_task_vanilla: subtask bundles are partitioned into sequential
// groups (each group fully awaited, in order, before the next starts),
// with every group itself executed via RunMappedTaskParallel's
// per-subtask isolation. Used when a task declares group_size to bound
// how much concurrent load one mapped task places on a shared
// downstream resource.
func (e *Executor) RunMappedTaskGrouped(ctx context.Context, taskName string, groupSize int, concurrencyPerGroup int) error {
	if groupSize < 1 {
		groupSize = 1
	}

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

	var groupStatuses []string
	var errs *multierror.Error
	for start := 0; start < len(indices); start += groupSize {
		end := start + groupSize
		if end > len(indices) {
			end = len(indices)
		}
		group := indices[start:end]

		results := make([]bool, len(group))
		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(concurrencyPerGroup)
		for i, idx := range group {
			i, idx := i, idx
			g.Go(func() error {
				kwargs := indexedKwargs(depArgs.DataArgs, idx)
				if err := e.Runner.RunTask(gctx, taskName, kwargs); err != nil {
					e.Logger.Error("task execution failed", "task", taskName, "index", idx, "error", err)
					mu.Lock()
					errs = multierror.Append(errs, fmt.Errorf("subtask %d: %w", idx, err))
					mu.Unlock()
					results[i] = false
					return nil
				}
				results[i] = true
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		groupStatuses = append(groupStatuses, statusOfResults(results))
	}

	status := overallGroupStatus(groupStatuses)
	return e.finishMappedTask(ctx, taskName, status, errs)
}

// overallGroupStatus implements check_overall_status: SUCCESS only if
// every group succeeded, FAILURE only if every group failed outright,
// INCOMPLETE otherwise.
func overallGroupStatus(statuses []string) string {
	total := len(statuses)
	success := 0
	for _, s := range statuses {
		if s == taskcache.StatusSuccess {
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
