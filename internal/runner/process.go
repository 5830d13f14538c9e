// Package runner provides a concrete executor.TaskRunner that invokes a
// task's R script or Python entry module as an external process,
// passing its resolved kwargs as a JSON document on stdin -- the
// out-of-process analog of rscript_task/py_task's in-process calling
// convention, for an embedding application that has no Python/R runtime
// linked into the Go binary itself.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/kptn-dev/kptn/internal/catalog"
	"github.com/kptn-dev/kptn/internal/hashing"
)

// ProcessRunner shells out to a task's declared file, one process per
// invocation, the way a Batch array worker or a vanilla subtask runs
// in its own process in the original. ProcessRunner holds no state
// store, so RunTask records no subtask start or end state.
type ProcessRunner struct {
	Catalog    *catalog.Catalog
	BaseDir    string
	PythonBin  string // defaults to "python3"
	RscriptBin string // defaults to "Rscript"
	Logger     hclog.Logger
}

// New constructs a ProcessRunner with default interpreter paths.
func New(cat *catalog.Catalog, baseDir string, logger hclog.Logger) *ProcessRunner {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &ProcessRunner{
		Catalog:    cat,
		BaseDir:    baseDir,
		PythonBin:  "python3",
		RscriptBin: "Rscript",
		Logger:     logger,
	}
}

// RunTask implements executor.TaskRunner: resolves the task's script
// path and language, builds an environment from kwargs (mirroring
// rscript_task's "build env from kwargs" step), applies any declared
// prefix_args/cli_args, and runs the interpreter as a child process
// with kwargs also passed as a JSON document on stdin for callables
// that prefer structured input over environment variables.
func (r *ProcessRunner) RunTask(ctx context.Context, taskName string, kwargs map[string]interface{}) error {
	task, ok := r.Catalog.Tasks[taskName]
	if !ok {
		return fmt.Errorf("unknown task %q", taskName)
	}
	kind, err := task.Language()
	if err != nil {
		return err
	}

	var bin string
	switch kind {
	case hashing.KindPython:
		bin = r.PythonBin
	case hashing.KindR:
		bin = r.RscriptBin
	default:
		return fmt.Errorf("task %q has no out-of-process runner for language %q; SQL/DuckDB tasks are an embedding-application concern, not this package's", taskName, kind)
	}

	scriptPath := task.FilePath()
	if r.BaseDir != "" && !strings.HasPrefix(scriptPath, "/") {
		scriptPath = r.BaseDir + "/" + scriptPath
	}

	args := []string{scriptPath}
	if task.PrefixArgs != "" {
		args = append(strings.Fields(task.PrefixArgs), args...)
	}
	if task.CliArgs != "" {
		args = append(args, strings.Fields(task.CliArgs)...)
	}

	payload, err := json.Marshal(kwargs)
	if err != nil {
		return fmt.Errorf("task %q kwargs are not JSON-serializable: %w", taskName, err)
	}

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Env = append(os.Environ(), envFromKwargs(kwargs)...)
	cmd.Env = append(cmd.Env, "KPTN_TASK_NAME="+taskName)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	r.Logger.Debug("invoking task process", "task", taskName, "bin", bin, "script", scriptPath)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("task %q failed: %w: %s", taskName, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// envFromKwargs projects a kwargs map into KPTN_ARG_<NAME>=<value>
// environment entries, upper-cased, for scripts that read their
// arguments from the environment rather than stdin.
func envFromKwargs(kwargs map[string]interface{}) []string {
	env := make([]string, 0, len(kwargs))
	for k, v := range kwargs {
		name := "KPTN_ARG_" + strings.ToUpper(k)
		env = append(env, fmt.Sprintf("%s=%v", name, v))
	}
	return env
}
