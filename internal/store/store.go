// Package store defines the backend-agnostic state-store contract the
// Task State Cache is built against, with concrete DynamoDB and SQLite
// implementations in the store/dynamodb and store/sqlite subpackages.
package store

import (
	"context"

	storebin "github.com/kptn-dev/kptn/internal/store/bin"
)

// BinType names which bin family a CreateTaskData/GetTaskData call
// targets; concrete backends share the chunking contract in store/bin.
type BinType = storebin.Type

// TaskState is one task's (or one mapped task's) cached record.
type TaskState struct {
	TaskName        string
	Status          string
	StartTime       string
	EndTime         string
	CodeVersion     string
	InputsVersion   string
	InputDataVersion string
	OutputDataVersion string
	OutputsVersion  string
	TaskDataCount   int
	SubsetCount     int
	CreatedAt       string
	UpdatedAt       string

	// Data holds the cached task-level result payload, reassembled from
	// TASKDATABIN (or SUBSETBIN, in subset mode) when requested.
	Data []byte
}

// Subtask is one element of a mapped task's record: Index is its
// dispatch position and Key is the stringified map_over value that
// identifies it, independent of position (a key's subtask can be
// dropped from a bin by ResetSubsetOfSubtasks without disturbing any
// other subtask's Index).
type Subtask struct {
	TaskName   string
	Index      int
	Key        string
	StartTime  string
	EndTime    string
	OutputHash string
}

// GetTaskOptions controls how much of a task's record GetTask
// reassembles.
type GetTaskOptions struct {
	IncludeData bool
	SubsetMode  bool
}

// Store is the contract every state-store backend satisfies. Task
// names are scoped to a single pipeline for the lifetime of a Store
// value; callers construct one Store per (storage key, pipeline) pair.
type Store interface {
	CreateTask(ctx context.Context, task TaskState) error
	GetTask(ctx context.Context, taskName string, opts GetTaskOptions) (*TaskState, error)
	GetTasks(ctx context.Context) ([]TaskState, error)
	UpdateTask(ctx context.Context, taskName string, fields map[string]interface{}) error
	SetTaskEnded(ctx context.Context, taskName string, result []byte, resultHash string, outputsVersion string, status string, subsetMode bool) error
	DeleteTask(ctx context.Context, taskName string) error

	// CreateTaskData writes a task-level result payload into
	// TASKDATABIN or SUBSETBIN chunks, updating the corresponding
	// counter field on the parent task record.
	CreateTaskData(ctx context.Context, taskName string, data []byte, binType BinType) error
	GetTaskData(ctx context.Context, taskName string, binType BinType) ([]byte, error)

	// CreateSubtasks materialises len(keys) SUBTASKBIN entries for a
	// mapped task, one per element of keys (the stringified map_over
	// value dispatched at that index), recording the parent's expected
	// subtask count.
	CreateSubtasks(ctx context.Context, taskName string, keys []string, updateCount bool) error
	SetSubtaskStarted(ctx context.Context, taskName string, index int) error
	SetSubtaskEnded(ctx context.Context, taskName string, index int, outputHash string) error
	GetSubtasks(ctx context.Context, taskName string) ([]Subtask, error)

	// ResetSubsetOfSubtasks filters a mapped task's existing subtasks
	// down to those whose Key is present in keys, resetting
	// StartTime/EndTime/OutputHash on the survivors, and drops every
	// other subtask from the stored bins entirely.
	ResetSubsetOfSubtasks(ctx context.Context, taskName string, keys []string) error

	Close() error
}
