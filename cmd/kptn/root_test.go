package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveCatalogPathReturnsExistingPathUnchanged(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "kptn.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("tasks: {}\n"), 0o644))

	got, err := resolveCatalogPath(configPath)
	require.NoError(t, err)
	assert.Equal(t, configPath, got)
}

func TestResolveCatalogPathFindsFileInAncestorDir(t *testing.T) {
	root := t.TempDir()
	configPath := filepath.Join(root, "kptn.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("tasks: {}\n"), 0o644))

	sub := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	cwd, err := os.Getwd()
	require.NoError(t, err)
	defer func() { require.NoError(t, os.Chdir(cwd)) }()
	require.NoError(t, os.Chdir(sub))

	got, err := resolveCatalogPath("kptn.yaml")
	require.NoError(t, err)
	wantAbs, err := filepath.Abs(configPath)
	require.NoError(t, err)
	gotAbs, err := filepath.Abs(got)
	require.NoError(t, err)
	assert.Equal(t, wantAbs, gotAbs)
}

func TestResolveSettingEnvWinsOverSettingsValue(t *testing.T) {
	t.Setenv("KPTN_DB_TYPE", "dynamodb")
	assert.Equal(t, "dynamodb", resolveSetting("KPTN_DB_TYPE", "sqlite"))
}

func TestResolveSettingFallsBackToSettingsValueWhenEnvUnset(t *testing.T) {
	require.NoError(t, os.Unsetenv("KPTN_DB_TYPE"))
	assert.Equal(t, "sqlite", resolveSetting("KPTN_DB_TYPE", "sqlite"))
}

func TestResolveDBTypeFlagWinsOverEverything(t *testing.T) {
	t.Setenv("KPTN_DB_TYPE", "dynamodb")
	dbType, err := resolveDBType("sqlite", "dynamodb")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", dbType)
}

func TestResolveDBTypeEnvWinsOverSettings(t *testing.T) {
	t.Setenv("KPTN_DB_TYPE", "sqlite")
	dbType, err := resolveDBType("", "dynamodb")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", dbType)
}

func TestResolveDBTypeFallsBackToSettingsThenDynamoDB(t *testing.T) {
	require.NoError(t, os.Unsetenv("KPTN_DB_TYPE"))

	dbType, err := resolveDBType("", "sqlite")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", dbType)

	dbType, err = resolveDBType("", "")
	require.NoError(t, err)
	assert.Equal(t, "dynamodb", dbType)
}

func TestResolveDBTypeUnknownValueIsError(t *testing.T) {
	_, err := resolveDBType("mongodb", "")
	require.Error(t, err)
}
