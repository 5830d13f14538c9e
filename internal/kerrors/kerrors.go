// Package kerrors defines the error taxonomy shared across kptn's core
// packages: configuration errors, store errors, hashing soft errors,
// task-callable errors, and precondition failures. A decision mismatch
// has no error type here.
// Callers use errors.As to dispatch on kind the same way turborepo's
// cache package singles out util.CacheDisabledError.
package kerrors

import "fmt"

// ConfigError indicates a problem in kptn.yaml or the catalog that
// derives from it: unknown task/graph names, cyclic extends, unsupported
// file extensions, malformed callable references, and the like. Never
// retried.
type ConfigError struct {
	Op  string
	Err error
}

func (e *ConfigError) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// NewConfigError wraps err as a ConfigError, tagging it with the
// operation that produced it.
func NewConfigError(op string, err error) *ConfigError {
	return &ConfigError{Op: op, Err: err}
}

// StoreError wraps a transport or conditional-update failure from a
// state-store backend. Surfaced as-is; retryable at the caller's
// discretion.
type StoreError struct {
	Backend string
	Op      string
	Err     error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s store: %s: %v", e.Backend, e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// HashingSoftError is logged at WARN and downgraded rather than
// propagated: a missing output file, an absent DuckDB connection, or a
// Python AST parse failure that falls back to file-level hashing.
type HashingSoftError struct {
	TaskID string
	Reason string
	Err    error
}

func (e *HashingSoftError) Error() string {
	return fmt.Sprintf("task %s: %s: %v", e.TaskID, e.Reason, e.Err)
}

func (e *HashingSoftError) Unwrap() error { return e.Err }

// TaskCallableError records an exception raised inside a user task
// callable. For single tasks it is propagated after the cache writes
// status=FAILURE; for mapped tasks it is recorded per-subtask and
// aggregated.
type TaskCallableError struct {
	TaskID string
	Err    error
}

func (e *TaskCallableError) Error() string {
	return fmt.Sprintf("task %s failed: %v", e.TaskID, e.Err)
}

func (e *TaskCallableError) Unwrap() error { return e.Err }

// PreconditionError marks a request that is missing information
// required before any store access, e.g. a Decider request without
// TASKS_CONFIG_PATH/PIPELINE_NAME. No partial write occurs.
type PreconditionError struct {
	Missing string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("missing required field: %s", e.Missing)
}
