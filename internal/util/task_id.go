package util

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// SubtaskDelimiter separates a mapped task's name from a subtask
	// index in a subtask id (e.g. "ingest_customer#3").
	SubtaskDelimiter = "#"
)

// GetSubtaskID returns the identifier used to key one row of a mapped
// task's subtasks: "<task name>#<index>".
func GetSubtaskID(taskName string, index int) string {
	return fmt.Sprintf("%s%s%d", taskName, SubtaskDelimiter, index)
}

// GetTaskFromSubtaskID returns the task name and subtask index encoded
// in a subtask id. ok is false if id isn't a well-formed subtask id.
func GetTaskFromSubtaskID(id string) (taskName string, index int, ok bool) {
	i := strings.LastIndex(id, SubtaskDelimiter)
	if i <= 0 {
		return "", 0, false
	}
	idx, err := strconv.Atoi(id[i+len(SubtaskDelimiter):])
	if err != nil {
		return "", 0, false
	}
	return id[:i], idx, true
}

// IsSubtaskID reports whether id names a subtask rather than a
// top-level task.
func IsSubtaskID(id string) bool {
	_, _, ok := GetTaskFromSubtaskID(id)
	return ok
}
