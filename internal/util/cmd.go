package util

import (
	"bytes"

	"github.com/spf13/cobra"
)

// ExitCodeError is a specific error that is returned by the command to specify the exit code.
// Err, when set, is the underlying error the exit code was derived from.
type ExitCodeError struct {
	ExitCode int
	Err      error
}

func (e *ExitCodeError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return "exit code error"
}

func (e *ExitCodeError) Unwrap() error { return e.Err }

// BasicError is an empty error that is returned by the command
type BasicError struct{}

func (e *BasicError) Error() string { return "basic error" }

// HelpForCobraCmd returns the help string for a given command
// Note that this overwrites the output for the command
func HelpForCobraCmd(cmd *cobra.Command) string {
	f := cmd.HelpFunc()
	buf := bytes.NewBufferString("")
	cmd.SetOut(buf)
	f(cmd, []string{})
	return buf.String()
}
