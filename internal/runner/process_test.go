package runner

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kptn-dev/kptn/internal/catalog"
)

func TestEnvFromKwargsUppercasesAndPrefixes(t *testing.T) {
	env := envFromKwargs(map[string]interface{}{"user_id": 7, "name": "ada"})
	sort.Strings(env)
	assert.Equal(t, []string{"KPTN_ARG_NAME=ada", "KPTN_ARG_USER_ID=7"}, env)
}

func testCatalog(file string) *catalog.Catalog {
	return &catalog.Catalog{
		Tasks: map[string]catalog.TaskSpec{
			"ingest": {File: file},
		},
	}
}

func TestRunTaskSucceedsWhenProcessExitsZero(t *testing.T) {
	r := New(testCatalog("ingest.py"), "", nil)
	r.PythonBin = "/bin/true"

	err := r.RunTask(context.Background(), "ingest", map[string]interface{}{"x": 1})
	require.NoError(t, err)
}

func TestRunTaskFailsWhenProcessExitsNonZero(t *testing.T) {
	r := New(testCatalog("ingest.py"), "", nil)
	r.PythonBin = "/bin/false"

	err := r.RunTask(context.Background(), "ingest", map[string]interface{}{"x": 1})
	require.Error(t, err)
}

func TestRunTaskRejectsUnknownTask(t *testing.T) {
	r := New(testCatalog("ingest.py"), "", nil)
	err := r.RunTask(context.Background(), "missing", nil)
	require.Error(t, err)
}

func TestRunTaskRejectsUnsupportedLanguage(t *testing.T) {
	r := New(testCatalog("ingest.sql"), "", nil)
	err := r.RunTask(context.Background(), "ingest", nil)
	require.Error(t, err)
}
