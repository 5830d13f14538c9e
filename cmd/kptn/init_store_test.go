package main

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitStoreNoOpsForSQLiteBackend(t *testing.T) {
	require.NoError(t, os.Unsetenv("KPTN_DB_TYPE"))
	flags := &globalFlags{dbType: "sqlite"}
	cmd := newInitStoreCmd(flags)

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs(nil)

	require.NoError(t, cmd.RunE(cmd, nil))
	assert.Contains(t, out.String(), "requires no setup step")
}
