package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kptn-dev/kptn/internal/util"
)

func TestAsIncompleteExitPassesThroughNilAndUnrelatedErrors(t *testing.T) {
	assert.NoError(t, asIncompleteExit(nil))

	plain := errors.New("boom")
	assert.Same(t, plain, asIncompleteExit(plain))
}

func TestExitCodeErrorReportsTheWrappedErrorMessage(t *testing.T) {
	var exitErr *util.ExitCodeError
	wrapped := &util.ExitCodeError{ExitCode: incompleteExitCode, Err: errors.New("only 3 of 5 subtasks finished")}
	if errors.As(error(wrapped), &exitErr) {
		assert.Equal(t, incompleteExitCode, exitErr.ExitCode)
		assert.Equal(t, "only 3 of 5 subtasks finished", exitErr.Error())
	}
}
