// Command kptn is a thin CLI entrypoint over the Task State Cache core:
// "decide" evaluates whether a task should run, "run-task" drives a
// single task (or its mapped subtasks) to completion against the
// configured state store.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/kptn-dev/kptn/internal/util"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// A *util.BasicError means the command already printed its own
		// message (and usage) to stderr; printing err again here would
		// just add "basic error".
		var basic *util.BasicError
		if !errors.As(err, &basic) {
			fmt.Fprintln(os.Stderr, err)
		}

		var exitErr *util.ExitCodeError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.ExitCode)
		}
		os.Exit(1)
	}
}
