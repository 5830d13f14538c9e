package env

import (
	"testing"

	"gotest.tools/v3/assert"
)

func TestGetConfigEnvPairs_SingleVar(t *testing.T) {
	t.Setenv("MY_TEST_VAR", "cool")
	result := GetConfigEnvPairs([]string{"MY_TEST_VAR"})
	assert.DeepEqual(t, result, []string{"MY_TEST_VAR=cool"})
}

func TestGetConfigEnvPairs_MultiVar(t *testing.T) {
	t.Setenv("MY_TEST_VAR", "cool")
	t.Setenv("12345", "numbers")
	t.Setenv("lowercase", "stillcool")
	result := GetConfigEnvPairs([]string{"MY_TEST_VAR", "12345", "lowercase"})
	assert.DeepEqual(t, result, []string{"MY_TEST_VAR=cool", "12345=numbers", "lowercase=stillcool"})
}

func TestGetConfigEnvPairs_NoVar(t *testing.T) {
	result := GetConfigEnvPairs([]string{})
	assert.DeepEqual(t, result, []string{})
}

func TestGetConfigEnvPairs_UnsetStillHashed(t *testing.T) {
	result := GetConfigEnvPairs([]string{"KPTN_TEST_UNSET_VAR"})
	assert.DeepEqual(t, result, []string{"KPTN_TEST_UNSET_VAR="})
}

func TestGetHashableEnvPairs_Sorted(t *testing.T) {
	t.Setenv("ZVAR", "z")
	t.Setenv("AVAR", "a")
	result := GetHashableEnvPairs([]string{"ZVAR", "AVAR"})
	assert.DeepEqual(t, result, []string{"AVAR=a", "ZVAR=z"})
}
