package taskcache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kptn-dev/kptn/internal/catalog"
	"github.com/kptn-dev/kptn/internal/hashing"
	"github.com/kptn-dev/kptn/internal/store"
)

// memStore is a minimal in-memory store.Store for exercising the Cache
// decision logic without a real backend.
type memStore struct {
	tasks map[string]store.TaskState
}

func newMemStore() *memStore {
	return &memStore{tasks: map[string]store.TaskState{}}
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
	if v, ok := fields["code_hashes"].(string); ok {
		t.CodeVersion = v
	}
	if v, ok := fields["outputs_version"].(string); ok {
		t.OutputsVersion = v
	}
	if v, ok := fields["input_hashes"].(string); ok {
		t.InputsVersion = v
	}
	if v, ok := fields["input_data_hashes"].(string); ok {
		t.InputDataVersion = v
	}
	if v, ok := fields["status"].(string); ok {
		t.Status = v
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
	return nil
}

func (m *memStore) CreateTaskData(ctx context.Context, taskName string, data []byte, binType store.BinType) error {
	return nil
}
func (m *memStore) GetTaskData(ctx context.Context, taskName string, binType store.BinType) ([]byte, error) {
	return nil, nil
}
func (m *memStore) CreateSubtasks(ctx context.Context, taskName string, keys []string, updateCount bool) error {
	return nil
}
func (m *memStore) SetSubtaskStarted(ctx context.Context, taskName string, index int) error { return nil }
func (m *memStore) SetSubtaskEnded(ctx context.Context, taskName string, index int, outputHash string) error {
	return nil
}
func (m *memStore) GetSubtasks(ctx context.Context, taskName string) ([]store.Subtask, error) {
	return nil, nil
}
func (m *memStore) ResetSubsetOfSubtasks(ctx context.Context, taskName string, keys []string) error {
	return nil
}
func (m *memStore) Close() error { return nil }

func testCatalog() *catalog.Catalog {
	return &catalog.Catalog{
		Tasks: map[string]catalog.TaskSpec{
			"ingest":    {File: "ingest.py", CacheResult: true},
			"transform": {File: "transform.py", CacheResult: true},
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

func TestEvaluateSubmissionNoCachedState(t *testing.T) {
	ctx := context.Background()
	cache := New(newMemStore(), testCatalog(), "default", false, nil)

	decision, err := cache.EvaluateSubmission(ctx, "ingest", false, "codehash1", hashing.KindPython, nil)
	require.NoError(t, err)
	assert.True(t, decision.ShouldRun)
	assert.Equal(t, "No cached state", decision.Reason)
}

func TestEvaluateSubmissionIgnoreCache(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	cache := New(s, testCatalog(), "default", false, nil)
	s.tasks["ingest"] = store.TaskState{TaskName: "ingest", CodeVersion: "codehash1", EndTime: "t", Status: StatusSuccess}

	decision, err := cache.EvaluateSubmission(ctx, "ingest", true, "codehash1", hashing.KindPython, nil)
	require.NoError(t, err)
	assert.True(t, decision.ShouldRun)
	assert.Equal(t, "ignore_cache is set", decision.Reason)
}

func TestEvaluateSubmissionPriorFailureWins(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	cache := New(s, testCatalog(), "default", false, nil)
	// Even though code also changed, FAILURE must win (it is checked first).
	s.tasks["ingest"] = store.TaskState{TaskName: "ingest", CodeVersion: "stale", EndTime: "t", Status: StatusFailure}

	decision, err := cache.EvaluateSubmission(ctx, "ingest", false, "fresh", hashing.KindPython, nil)
	require.NoError(t, err)
	assert.True(t, decision.ShouldRun)
	assert.Equal(t, "Task previously failed all subtasks", decision.Reason)
}

func TestEvaluateSubmissionCodeChangedBeforeInputs(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	cache := New(s, testCatalog(), "default", false, nil)
	s.tasks["ingest"] = store.TaskState{TaskName: "ingest", CodeVersion: "stale", InputsVersion: "", EndTime: "t", Status: StatusSuccess}

	decision, err := cache.EvaluateSubmission(ctx, "ingest", false, "fresh", hashing.KindPython, nil)
	require.NoError(t, err)
	assert.True(t, decision.ShouldRun)
	assert.Equal(t, "Python code changed", decision.Reason)
}

func TestEvaluateSubmissionUpToDate(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	cache := New(s, testCatalog(), "default", false, nil)
	s.tasks["ingest"] = store.TaskState{TaskName: "ingest", CodeVersion: "fresh", InputsVersion: "", InputDataVersion: "", EndTime: "t", Status: StatusSuccess}

	decision, err := cache.EvaluateSubmission(ctx, "ingest", false, "fresh", hashing.KindPython, nil)
	require.NoError(t, err)
	assert.False(t, decision.ShouldRun)
	assert.Equal(t, "", decision.Reason)
}

func TestSetInitialStateThenFinalStateHashesOutputsOnlyOnPriorRun(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	cache := New(s, testCatalog(), "default", false, nil)

	// First run: no prior state existed, so output hashing should not be required.
	_, err := cache.SetInitialState(ctx, "ingest", false)
	require.NoError(t, err)
	assert.False(t, cache.ShouldHashOutputs("ingest"))

	require.NoError(t, cache.SetFinalState(ctx, "ingest", nil, FinalStateInputs{CodeDigest: "c1", Status: StatusSuccess}))

	// Second run: a prior run now exists, so output hashing should be required.
	_, err = cache.SetInitialState(ctx, "ingest", false)
	require.NoError(t, err)
	assert.True(t, cache.ShouldHashOutputs("ingest"))

	// The flag is consumed exactly once by SetFinalState.
	require.NoError(t, cache.SetFinalState(ctx, "ingest", nil, FinalStateInputs{CodeDigest: "c2", Status: StatusSuccess}))
	assert.False(t, cache.ShouldHashOutputs("ingest"))
}

func TestInputHashesDigestEmptyWhenNoDeps(t *testing.T) {
	digest, err := InputHashesDigest(nil)
	require.NoError(t, err)
	assert.Equal(t, "", digest)
}

func TestInputHashesDigestDeterministicRegardlessOfOrder(t *testing.T) {
	a := []DepState{
		{Name: "b", State: &store.TaskState{OutputsVersion: "hb"}},
		{Name: "a", State: &store.TaskState{OutputsVersion: "ha"}},
	}
	b := []DepState{
		{Name: "a", State: &store.TaskState{OutputsVersion: "ha"}},
		{Name: "b", State: &store.TaskState{OutputsVersion: "hb"}},
	}
	digestA, err := InputHashesDigest(a)
	require.NoError(t, err)
	digestB, err := InputHashesDigest(b)
	require.NoError(t, err)
	assert.Equal(t, digestA, digestB)
}
