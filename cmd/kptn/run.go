package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kptn-dev/kptn/internal/executor"
	"github.com/kptn-dev/kptn/internal/taskcache"
	"github.com/kptn-dev/kptn/internal/util"
)

// incompleteExitCode is the process exit code run-task uses to signal a
// mapped task that only partially completed, distinct from a hard
// failure (1), so a calling orchestrator knows to re-dispatch with
// --reason=INCOMPLETE rather than treat the run as a dead end.
const incompleteExitCode = 2

// asIncompleteExit wraps err in a util.ExitCodeError when it reports a
// partially-completed mapped task; any other error passes through
// unchanged and falls back to main's default exit code of 1.
func asIncompleteExit(err error) error {
	if err == nil {
		return nil
	}
	if status, ok := executor.IncompleteStatus(err); ok && status == taskcache.StatusIncomplete {
		return &util.ExitCodeError{ExitCode: incompleteExitCode, Err: err}
	}
	return err
}

func newRunTaskCmd(flags *globalFlags) *cobra.Command {
	var reason string
	var parallel bool
	concurrency := 4

	cmd := &cobra.Command{
		Use:   "run-task <task-name>",
		Short: "Run a task (or its mapped subtasks) to completion against the configured state store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			taskName := args[0]

			a, err := buildApp(ctx, flags)
			if err != nil {
				return err
			}
			defer util.CloseAndIgnoreError(a.Cache.Store)

			if _, ok := a.Catalog.Tasks[taskName]; !ok {
				fmt.Fprintf(cmd.ErrOrStderr(), "unknown task %q\n\n", taskName)
				fmt.Fprint(cmd.ErrOrStderr(), util.HelpForCobraCmd(cmd))
				return &util.BasicError{}
			}

			if a.FlowType != "" && a.FlowType != "vanilla" {
				a.Logger.Warn("configured flow_type is not vanilla; run-task always executes the vanilla driver directly, dispatch to an external orchestrator is not performed by this command", "flow_type", a.FlowType, "task", taskName)
			}

			if a.Cache.IsMappedTask(taskName) && parallel {
				keepCache := a.Cache.SubsetMode || reason == taskcache.StatusIncomplete
				if !keepCache {
					if err := a.Cache.DeleteState(ctx, taskName); err != nil {
						return err
					}
				}
				if err := a.Executor.RunMappedTaskParallel(ctx, taskName, concurrency); err != nil {
					// Status was already recorded by RunMappedTaskParallel so a
					// retry can pick up only the subtasks that failed; still
					// stamp input hashes so decide sees what changed next time.
					depStates, derr := a.Cache.GetDepStates(ctx, taskName)
					if derr == nil {
						_ = a.Cache.SetFinalState(ctx, taskName, depStates, taskcache.FinalStateInputs{})
					}
					return asIncompleteExit(err)
				}
				depStates, err := a.Cache.GetDepStates(ctx, taskName)
				if err != nil {
					return err
				}
				return a.Cache.SetFinalState(ctx, taskName, depStates, taskcache.FinalStateInputs{Status: taskcache.StatusSuccess})
			}

			return asIncompleteExit(a.Executor.RunTask(ctx, taskName, reason))
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "decision reason that triggered this run (e.g. INCOMPLETE, to resume only unfinished subtasks)")
	cmd.Flags().BoolVar(&parallel, "parallel", false, "run a mapped task's subtasks concurrently instead of sequentially")
	cmd.Flags().Var(&util.ConcurrencyValue{Value: &concurrency}, "concurrency", "max concurrent subtasks when --parallel is set; accepts an absolute number or a percentage of CPU cores (e.g. 50%)")

	return cmd
}
