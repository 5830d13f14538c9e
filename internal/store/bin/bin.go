// Package bin implements the chunking contract shared by every
// state-store backend: task-level results, mapped-task subtasks, and
// subset snapshots are all split into fixed-size bins rather than
// stored as one unbounded blob/item, so that a single task's cached
// payload never exceeds a backend's per-item size limit.
package bin

import "strconv"

// Size is the fixed number of logical entries (subtask indices, or
// taskdata list elements) packed into one bin. Shared across every
// backend so that a bin id computed by one matches the other.
const Size = 500

// Type names which counter field on the parent task record a bin
// family's count lives in, and which name prefix its items use.
type Type string

const (
	TaskDataBin Type = "TASKDATABIN"
	SubsetBin   Type = "SUBSETBIN"
	SubtaskBin  Type = "SUBTASKBIN"
)

// CountField returns the TaskState counter field a bin Type's total
// count is tracked in.
func (t Type) CountField() string {
	switch t {
	case TaskDataBin:
		return "taskdata_count"
	case SubsetBin:
		return "subset_count"
	case SubtaskBin:
		return "subtask_count"
	default:
		return ""
	}
}

// IDs returns the list of bin ids that together hold count logical
// entries: ["0"] if count is zero or negative, else one id per full or
// partial chunk of Size entries.
func IDs(count int) []string {
	if count <= 0 {
		return []string{"0"}
	}
	n := (count-1)/Size + 1
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		ids[i] = strconv.Itoa(i)
	}
	return ids
}

// IndexToBin splits a flat index into its bin id and offset within
// that bin.
func IndexToBin(index int) (binID string, offset int) {
	return strconv.Itoa(index / Size), index % Size
}
