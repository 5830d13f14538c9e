package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/kptn-dev/kptn/internal/decider"
	"github.com/kptn-dev/kptn/internal/util"
)

func newDecideCmd(flags *globalFlags) *cobra.Command {
	var taskName string
	var taskListJSON string

	cmd := &cobra.Command{
		Use:   "decide",
		Short: "Evaluate whether a task should run, and print the decision as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := buildApp(ctx, flags)
			if err != nil {
				return err
			}
			defer util.CloseAndIgnoreError(a.Cache.Store)

			if taskName == "" {
				fmt.Fprintln(cmd.ErrOrStderr(), "--task-name is required")
				fmt.Fprint(cmd.ErrOrStderr(), util.HelpForCobraCmd(cmd))
				return &util.BasicError{}
			}

			req := decider.Request{
				TaskName:     taskName,
				IgnoreCache:  flags.ignoreCache,
				PipelineName: flags.pipelineName,
			}
			if taskListJSON != "" {
				req.TaskList = json.RawMessage(taskListJSON)
			} else if stdinHasData() {
				raw, err := io.ReadAll(os.Stdin)
				if err == nil {
					var parsed decider.Request
					if json.Unmarshal(raw, &parsed) == nil && parsed.TaskName != "" {
						req = parsed
					}
				}
			}

			depStates, err := a.Cache.GetDepStates(ctx, taskName)
			if err != nil {
				return err
			}

			codeDigest, codeKind, err := codeDigestFor(a, taskName)
			if err != nil {
				return err
			}

			resp, err := decider.Decide(ctx, a.Cache, req, codeDigest, codeKind, depStates, a.Logger)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(resp)
		},
	}

	cmd.Flags().StringVar(&taskName, "task-name", "", "task to evaluate")
	cmd.Flags().StringVar(&taskListJSON, "task-list", "", "JSON-encoded task_list filter (null, array, CSV string, or {name: bool} map)")

	return cmd
}

func stdinHasData() bool {
	info, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) == 0
}
