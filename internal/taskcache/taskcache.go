// Package taskcache implements the Task State Cache: given a task
// catalog, a state store, and a code/input/output hasher, it decides
// whether a task needs to run and records its start/end state.
package taskcache

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/kptn-dev/kptn/internal/catalog"
	"github.com/kptn-dev/kptn/internal/hashing"
	"github.com/kptn-dev/kptn/internal/store"
)

// StatusIncomplete/StatusSuccess/StatusFailure mirror the status
// strings written into a task's cached record.
const (
	StatusIncomplete = "INCOMPLETE"
	StatusSuccess    = "SUCCESS"
	StatusFailure    = "FAILURE"
)

// Cache ties a task graph's catalog entries to one state-store backend
// and hasher, scoped to a single pipeline/subset-mode combination.
type Cache struct {
	Store      store.Store
	Catalog    *catalog.Catalog
	GraphName  string
	SubsetMode bool
	Logger     hclog.Logger

	// taskHasPriorRun records, per task name, whether a cached state
	// already existed the moment SetInitialState ran -- the same
	// asymmetric flag the original TaskStateCache pops exactly once in
	// SetFinalState to decide whether output hashing is worth doing.
	taskHasPriorRun map[string]bool
}

// New constructs a Cache. Logger may be nil.
func New(s store.Store, cat *catalog.Catalog, graphName string, subsetMode bool, logger hclog.Logger) *Cache {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Cache{
		Store:           s,
		Catalog:         cat,
		GraphName:       graphName,
		SubsetMode:      subsetMode,
		Logger:          logger,
		taskHasPriorRun: map[string]bool{},
	}
}

// SubmissionDecision is the outcome of evaluating whether a task
// should run.
type SubmissionDecision struct {
	TaskName     string
	Task         catalog.TaskSpec
	CachedState  *store.TaskState
	ShouldRun    bool
	Reason       string
}

// CodeHashes is the ordered set of {symbol -> digest} entries that
// make up a task's code fingerprint, plus the kind used in its
// "<Kind> code changed" reason string.
type CodeHashes struct {
	Kind    hashing.CodeHashKind
	Hashes  []hashing.KV
}

// Digest returns the single digest of a task's ordered code hashes.
func (c CodeHashes) Digest() (string, error) {
	if len(c.Hashes) == 0 {
		return "", nil
	}
	sorted := append([]hashing.KV(nil), c.Hashes...)
	hashing.SortKV(sorted)
	return hashing.DigestOrderedPairs(sorted)
}

// CodeHasher computes a task's code hash entries. The concrete
// implementation (Python AST closure walk, R source() closure walk, or
// a single DuckDB SQL file digest) lives in the hashing package;
// taskcache depends only on this narrow seam so that evaluate_submission
// and the rest of the decision chain never need to know which
// language a task is written in.
type CodeHasher interface {
	HashTaskCode(ctx context.Context, taskName string, task catalog.TaskSpec) (CodeHashes, error)
}

// codeChanged implements code_changed: a nil digest means "no
// declared code" and changes only if the cache held one previously; an
// empty cached code_version always counts as changed.
func codeChanged(digest string, cached *store.TaskState) bool {
	if digest == "" {
		return cached != nil && cached.CodeVersion != ""
	}
	if cached == nil {
		return true
	}
	return digest != cached.CodeVersion
}

func inputsChanged(digest string, cached *store.TaskState) bool {
	if cached == nil {
		return true
	}
	return cached.InputsVersion != digest
}

func dataChanged(digest string, cached *store.TaskState) bool {
	if cached == nil {
		return true
	}
	return cached.InputDataVersion != digest
}

// DepState pairs a dependency's name with its (possibly nil) cached
// state, the shape get_dep_states returns.
type DepState struct {
	Name  string
	State *store.TaskState
}

// InputHashesDigest implements get_input_hashes: collect each
// dependency's outputs_version (skipping deps with none), sort by
// dependency name, and digest the ordered pairs. An entirely empty
// tree digests to "" (the Python "return None" case), treated
// identically to a null digest by codeChanged/inputsChanged's callers.
func InputHashesDigest(depStates []DepState) (string, error) {
	var pairs []hashing.KV
	for _, ds := range depStates {
		if ds.State != nil && ds.State.OutputsVersion != "" {
			pairs = append(pairs, hashing.KV{Key: ds.Name, Value: ds.State.OutputsVersion})
		}
	}
	if len(pairs) == 0 {
		return "", nil
	}
	hashing.SortKV(pairs)
	return hashing.DigestOrderedPairs(pairs)
}

// DataHashesDigest implements get_data_hashes: same shape as
// InputHashesDigest but over output_data_version instead of
// outputs_version.
func DataHashesDigest(depStates []DepState) (string, error) {
	var pairs []hashing.KV
	for _, ds := range depStates {
		if ds.State != nil && ds.State.OutputDataVersion != "" {
			pairs = append(pairs, hashing.KV{Key: ds.Name, Value: ds.State.OutputDataVersion})
		}
	}
	if len(pairs) == 0 {
		return "", nil
	}
	hashing.SortKV(pairs)
	return hashing.DigestOrderedPairs(pairs)
}

// FetchState loads a task's cached state with its data payload
// included, or nil if no record exists.
func (c *Cache) FetchState(ctx context.Context, taskName string) (*store.TaskState, error) {
	return c.Store.GetTask(ctx, taskName, store.GetTaskOptions{IncludeData: true, SubsetMode: c.SubsetMode})
}

// DeleteState removes a task's cached record entirely.
func (c *Cache) DeleteState(ctx context.Context, taskName string) error {
	return c.Store.DeleteTask(ctx, taskName)
}

// EvaluateSubmission implements evaluate_submission's exact ordered
// reason chain: no cached state, ignore_cache, subset mode, a total
// prior failure, changed code, changed inputs, changed data,
// INCOMPLETE status, or a missing end time -- in that order, the first
// match wins.
func (c *Cache) EvaluateSubmission(ctx context.Context, taskName string, ignoreCache bool, codeDigest string, codeKind hashing.CodeHashKind, depStates []DepState) (*SubmissionDecision, error) {
	task, ok := c.Catalog.Tasks[taskName]
	if !ok {
		return nil, fmt.Errorf("unknown task %q", taskName)
	}
	cachedState, err := c.FetchState(ctx, taskName)
	if err != nil {
		return nil, err
	}

	var reason string
	switch {
	case cachedState == nil:
		reason = "No cached state"
	case ignoreCache:
		reason = "ignore_cache is set"
	case c.SubsetMode:
		reason = "Subset mode"
	case cachedState.Status == StatusFailure:
		reason = "Task previously failed all subtasks"
	case codeChanged(codeDigest, cachedState):
		descriptor := "Task code"
		if codeKind != "" {
			descriptor = fmt.Sprintf("%s code", codeKind)
		}
		reason = fmt.Sprintf("%s changed", descriptor)
		c.Logger.Info("code changed", "task", taskName, "local", codeDigest, "cached", cachedState.CodeVersion)
	default:
		inputDigest, err := InputHashesDigest(depStates)
		if err != nil {
			return nil, err
		}
		dataDigest, err := DataHashesDigest(depStates)
		if err != nil {
			return nil, err
		}
		switch {
		case inputsChanged(inputDigest, cachedState):
			reason = "Inputs changed"
		case dataChanged(dataDigest, cachedState):
			reason = "Data changed"
		case cachedState.Status == StatusIncomplete:
			reason = StatusIncomplete
		case cachedState.EndTime == "":
			reason = "Not finished"
		}
	}

	return &SubmissionDecision{
		TaskName:    taskName,
		Task:        task,
		CachedState: cachedState,
		ShouldRun:   reason != "",
		Reason:      reason,
	}, nil
}

// SetInitialState implements set_initial_state: stamps a start_time,
// records whether a prior run existed (for SetFinalState's asymmetric
// output-hashing decision), and creates the task's record unless
// subset mode + a python/duckdb task has one already (subset mode never
// re-creates an already-tracked subset task record).
func (c *Cache) SetInitialState(ctx context.Context, taskName string, isPythonOrDuckDBTask bool) (*store.TaskState, error) {
	existing, err := c.Store.GetTask(ctx, taskName, store.GetTaskOptions{SubsetMode: c.SubsetMode})
	if err != nil {
		return nil, err
	}
	c.taskHasPriorRun[taskName] = existing != nil

	initial := store.TaskState{TaskName: taskName, StartTime: time.Now().UTC().Format(time.RFC3339)}
	if isPythonOrDuckDBTask && c.SubsetMode {
		if existing == nil {
			if err := c.Store.CreateTask(ctx, initial); err != nil {
				return nil, err
			}
		}
		return &initial, nil
	}
	if err := c.Store.CreateTask(ctx, initial); err != nil {
		return nil, err
	}
	return &initial, nil
}

// FinalStateInputs bundles what SetFinalState needs beyond what the
// cache already tracks: a task's recomputed code hashes and, only when
// output hashing is worth doing, its freshly computed outputs digest.
type FinalStateInputs struct {
	CodeDigest     string
	OutputsDigest  string // filled in by the caller only if ShouldHashOutputs(taskName) is true
	Status         string
}

// ShouldHashOutputs reports (and does NOT consume) whether a task had
// a prior run recorded by SetInitialState -- callers check this before
// doing the (possibly expensive) output hashing work, then pass the
// result into SetFinalState, which performs the actual one-time pop.
func (c *Cache) ShouldHashOutputs(taskName string) bool {
	return c.taskHasPriorRun[taskName]
}

// SetFinalState implements set_final_state: recomputes input/data
// hash digests against the current dependency states, consumes the
// prior-run flag exactly once, and writes the task's terminal record.
// output_data_version is intentionally left untouched here -- it was
// already set by the store's SetTaskEnded call that precedes this in
// every task-callable wrapper.
func (c *Cache) SetFinalState(ctx context.Context, taskName string, depStates []DepState, in FinalStateInputs) error {
	delete(c.taskHasPriorRun, taskName)

	inputDigest, err := InputHashesDigest(depStates)
	if err != nil {
		return err
	}
	dataDigest, err := DataHashesDigest(depStates)
	if err != nil {
		return err
	}

	fields := map[string]interface{}{"updated_at": time.Now().UTC().Format(time.RFC3339)}
	if in.CodeDigest != "" {
		fields["code_hashes"] = in.CodeDigest
	}
	if in.OutputsDigest != "" {
		fields["outputs_version"] = in.OutputsDigest
	}
	if inputDigest != "" {
		fields["input_hashes"] = inputDigest
	}
	if dataDigest != "" {
		fields["input_data_hashes"] = dataDigest
	}
	if in.Status != "" {
		fields["status"] = in.Status
	}
	return c.Store.UpdateTask(ctx, taskName, fields)
}

// GetDepStates loads every dependency's cached state for a task, in
// the graph's declared dependency order, for use by
// EvaluateSubmission/SetFinalState.
func (c *Cache) GetDepStates(ctx context.Context, taskName string) ([]DepState, error) {
	graph, ok := c.Catalog.Graphs[c.GraphName]
	if !ok {
		return nil, fmt.Errorf("unknown graph %q", c.GraphName)
	}
	dep, ok := graph.Tasks[taskName]
	if !ok {
		return nil, fmt.Errorf("task %q not found in graph %q", taskName, c.GraphName)
	}

	states := make([]DepState, 0, len(dep.Deps))
	for _, depName := range dep.Deps {
		state, err := c.FetchState(ctx, depName)
		if err != nil {
			return nil, err
		}
		states = append(states, DepState{Name: depName, State: state})
	}
	return states, nil
}
