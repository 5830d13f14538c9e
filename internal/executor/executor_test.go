package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kptn-dev/kptn/internal/catalog"
	"github.com/kptn-dev/kptn/internal/store"
	"github.com/kptn-dev/kptn/internal/taskcache"
)

// memStore is a minimal in-memory store.Store sufficient to exercise
// the executor's bookkeeping without a real backend.
type memStore struct {
	tasks    map[string]store.TaskState
	subtasks map[string][]store.Subtask
}

func newMemStore() *memStore {
	return &memStore{tasks: map[string]store.TaskState{}, subtasks: map[string][]store.Subtask{}}
}

func (m *memStore) CreateTask(ctx context.Context, task store.TaskState) error {
	m.tasks[task.TaskName] = task
	return nil
}

func (m *memStore) GetTask(ctx context.Context, taskName string, opts store.GetTaskOptions) (*store.TaskState, error) {
	t, ok := m.tasks[taskName]
	if !ok {
		return nil, nil
	}
	cp := t
	return &cp, nil
}

func (m *memStore) GetTasks(ctx context.Context) ([]store.TaskState, error) {
	var out []store.TaskState
	for _, t := range m.tasks {
		out = append(out, t)
	}
	return out, nil
}

func (m *memStore) UpdateTask(ctx context.Context, taskName string, fields map[string]interface{}) error {
	t := m.tasks[taskName]
	if v, ok := fields["status"].(string); ok {
		t.Status = v
	}
	if v, ok := fields["outputs_version"].(string); ok {
		t.OutputsVersion = v
	}
	m.tasks[taskName] = t
	return nil
}

func (m *memStore) SetTaskEnded(ctx context.Context, taskName string, result []byte, resultHash string, outputsVersion string, status string, subsetMode bool) error {
	t := m.tasks[taskName]
	t.EndTime = "now"
	if status != "" {
		t.Status = status
	}
	if outputsVersion != "" {
		t.OutputsVersion = outputsVersion
	}
	m.tasks[taskName] = t
	return nil
}

func (m *memStore) DeleteTask(ctx context.Context, taskName string) error {
	delete(m.tasks, taskName)
	delete(m.subtasks, taskName)
	return nil
}

func (m *memStore) CreateTaskData(ctx context.Context, taskName string, data []byte, binType store.BinType) error {
	t := m.tasks[taskName]
	t.Data = data
	m.tasks[taskName] = t
	return nil
}

func (m *memStore) GetTaskData(ctx context.Context, taskName string, binType store.BinType) ([]byte, error) {
	return m.tasks[taskName].Data, nil
}

func (m *memStore) CreateSubtasks(ctx context.Context, taskName string, keys []string, updateCount bool) error {
	subs := make([]store.Subtask, len(keys))
	for i, key := range keys {
		subs[i] = store.Subtask{TaskName: taskName, Index: i, Key: key}
	}
	m.subtasks[taskName] = subs
	return nil
}

func (m *memStore) SetSubtaskStarted(ctx context.Context, taskName string, index int) error {
	subs := m.subtasks[taskName]
	if index >= 0 && index < len(subs) {
		subs[index].StartTime = "now"
	}
	return nil
}

func (m *memStore) SetSubtaskEnded(ctx context.Context, taskName string, index int, outputHash string) error {
	subs := m.subtasks[taskName]
	if index >= 0 && index < len(subs) {
		subs[index].EndTime = "now"
		subs[index].OutputHash = outputHash
	}
	return nil
}

func (m *memStore) GetSubtasks(ctx context.Context, taskName string) ([]store.Subtask, error) {
	return m.subtasks[taskName], nil
}

func (m *memStore) ResetSubsetOfSubtasks(ctx context.Context, taskName string, keys []string) error {
	keep := map[string]struct{}{}
	for _, k := range keys {
		keep[k] = struct{}{}
	}
	var kept []store.Subtask
	for _, sub := range m.subtasks[taskName] {
		if _, ok := keep[sub.Key]; !ok {
			continue
		}
		sub.StartTime = ""
		sub.EndTime = ""
		sub.OutputHash = ""
		kept = append(kept, sub)
	}
	m.subtasks[taskName] = kept
	return nil
}

func (m *memStore) Close() error { return nil }

// fakeRunner is a TaskRunner that records its calls and fails on
// request for specific subtask indices.
type fakeRunner struct {
	calls    []map[string]interface{}
	failIdxs map[int]bool
}

func (f *fakeRunner) RunTask(ctx context.Context, taskName string, kwargs map[string]interface{}) error {
	f.calls = append(f.calls, kwargs)
	if idx, ok := kwargs["idx"].(int); ok && f.failIdxs[idx] {
		return fmt.Errorf("simulated failure for index %d", idx)
	}
	return nil
}

func mappedCatalog() *catalog.Catalog {
	return &catalog.Catalog{
		Tasks: map[string]catalog.TaskSpec{
			"ingest":    {File: "ingest.py", CacheResult: true},
			"transform": {File: "transform.py", CacheResult: true, MapOver: "id"},
		},
		Graphs: map[string]catalog.GraphSpec{
			"default": {
				Tasks: map[string]catalog.DepSpec{
					"ingest":    {},
					"transform": {Deps: []string{"ingest"}},
				},
			},
		},
	}
}

func seedIngestOutput(t *testing.T, s *memStore, n int) {
	t.Helper()
	rows := make([]map[string]interface{}, n)
	for i := range rows {
		rows[i] = map[string]interface{}{"id": i}
	}
	data, err := json.Marshal(rows)
	require.NoError(t, err)
	s.tasks["ingest"] = store.TaskState{TaskName: "ingest", Status: taskcache.StatusSuccess, EndTime: "t", Data: data}
}

func TestRunTaskPlainTaskRunsOnceAndMarksSuccess(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	cache := taskcache.New(s, mappedCatalog(), "default", false, nil)
	runner := &fakeRunner{failIdxs: map[int]bool{}}
	exec := New(cache, runner, nil)

	require.NoError(t, exec.RunTask(ctx, "ingest", ""))

	assert.Len(t, runner.calls, 1)
	assert.Equal(t, taskcache.StatusSuccess, s.tasks["ingest"].Status)
}

func TestRunTaskPlainTaskHashesDeclaredOutputsOnRerun(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	cat := &catalog.Catalog{
		Tasks: map[string]catalog.TaskSpec{
			"build": {File: "build.py", CacheResult: true, Outputs: []string{"out.txt"}},
		},
		Graphs: map[string]catalog.GraphSpec{
			"default": {Tasks: map[string]catalog.DepSpec{"build": {}}},
		},
	}
	// A prior run must already be on record for ShouldHashOutputs to
	// report true, and subset mode is the only path that doesn't wipe
	// that record via DeleteState before RunTask gets to SetInitialState.
	s.tasks["build"] = store.TaskState{TaskName: "build", Status: taskcache.StatusSuccess, EndTime: "t"}

	scratchDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(scratchDir, "out.txt"), []byte("hello"), 0o644))

	cache := taskcache.New(s, cat, "default", true, nil)
	runner := &fakeRunner{failIdxs: map[int]bool{}}
	exec := New(cache, runner, nil)
	exec.ScratchDir = scratchDir

	require.NoError(t, exec.RunTask(ctx, "build", ""))

	assert.NotEmpty(t, s.tasks["build"].OutputsVersion)
}

func TestRunTaskPlainTaskWithNoDeclaredOutputsSkipsHashing(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	cat := mappedCatalog()
	s.tasks["ingest"] = store.TaskState{TaskName: "ingest", Status: taskcache.StatusSuccess, EndTime: "t"}

	cache := taskcache.New(s, cat, "default", true, nil)
	runner := &fakeRunner{failIdxs: map[int]bool{}}
	exec := New(cache, runner, nil)
	exec.ScratchDir = t.TempDir()

	require.NoError(t, exec.RunTask(ctx, "ingest", ""))

	assert.Empty(t, s.tasks["ingest"].OutputsVersion)
}

func TestRunTaskMappedTaskFansOutOneSubtaskPerElement(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	seedIngestOutput(t, s, 3)
	cache := taskcache.New(s, mappedCatalog(), "default", false, nil)
	runner := &fakeRunner{failIdxs: map[int]bool{}}
	exec := New(cache, runner, nil)

	require.NoError(t, exec.RunTask(ctx, "transform", ""))

	assert.Len(t, runner.calls, 3)
	assert.Equal(t, taskcache.StatusSuccess, s.tasks["transform"].Status)
	assert.NotEmpty(t, s.tasks["transform"].OutputsVersion)
}

func TestRunTaskMappedTaskPartialFailureRecordsIncomplete(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	seedIngestOutput(t, s, 3)
	cache := taskcache.New(s, mappedCatalog(), "default", false, nil)
	runner := &fakeRunner{failIdxs: map[int]bool{1: true}}
	exec := New(cache, runner, nil)

	err := exec.RunTask(ctx, "transform", "")
	require.Error(t, err)
	assert.Equal(t, taskcache.StatusIncomplete, s.tasks["transform"].Status)
	assert.Contains(t, err.Error(), "subtask 1")
}

func TestRunMappedTaskParallelIsolatesFailingSubtasks(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	seedIngestOutput(t, s, 5)
	cache := taskcache.New(s, mappedCatalog(), "default", false, nil)
	runner := &fakeRunner{failIdxs: map[int]bool{2: true, 4: true}}
	exec := New(cache, runner, nil)

	err := exec.RunMappedTaskParallel(ctx, "transform", 3)
	require.Error(t, err)
	assert.Len(t, runner.calls, 5)
	assert.Equal(t, taskcache.StatusIncomplete, s.tasks["transform"].Status)
	assert.Contains(t, err.Error(), "subtask 2")
	assert.Contains(t, err.Error(), "subtask 4")

	status, ok := IncompleteStatus(err)
	assert.True(t, ok)
	assert.Equal(t, taskcache.StatusIncomplete, status)
}

func TestIncompleteStatusIsFalseForUnrelatedErrors(t *testing.T) {
	_, ok := IncompleteStatus(fmt.Errorf("some other failure"))
	assert.False(t, ok)

	_, ok = IncompleteStatus(nil)
	assert.False(t, ok)
}

func TestRunMappedTaskGroupedAllSucceed(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	seedIngestOutput(t, s, 7)
	cache := taskcache.New(s, mappedCatalog(), "default", false, nil)
	runner := &fakeRunner{failIdxs: map[int]bool{}}
	exec := New(cache, runner, nil)

	require.NoError(t, exec.RunMappedTaskGrouped(ctx, "transform", 3, 2))

	assert.Len(t, runner.calls, 7)
	assert.Equal(t, taskcache.StatusSuccess, s.tasks["transform"].Status)
}

func TestStatusOfResults(t *testing.T) {
	assert.Equal(t, taskcache.StatusSuccess, statusOfResults([]bool{true, true}))
	assert.Equal(t, taskcache.StatusFailure, statusOfResults([]bool{false, false}))
	assert.Equal(t, taskcache.StatusIncomplete, statusOfResults([]bool{true, false}))
}

func TestIndexedKwargsProjectsListsAndSetsIdx(t *testing.T) {
	dataArgs := map[string]interface{}{
		"ids":    []interface{}{10, 20, 30},
		"config": "shared",
	}
	kwargs := indexedKwargs(dataArgs, 1)
	assert.Equal(t, 20, kwargs["ids"])
	assert.Equal(t, "shared", kwargs["config"])
	assert.Equal(t, 1, kwargs["idx"])
}
