package hashing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDigestObjectDeterministic(t *testing.T) {
	d1, err := DigestObject(map[string]string{"a": "1"})
	require.NoError(t, err)
	d2, err := DigestObject(map[string]string{"a": "1"})
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
}

func TestDigestObjectNilIsEmpty(t *testing.T) {
	d, err := DigestObject(nil)
	require.NoError(t, err)
	assert.Equal(t, "", d)
}

func TestDigestFileChangesWithContent(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(p, []byte("hello"), 0o644))

	d1, err := DigestFile(p)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(p, []byte("world"), 0o644))
	d2, err := DigestFile(p)
	require.NoError(t, err)

	assert.NotEqual(t, d1, d2)
}

func TestDuckDBEmptyHashSentinel(t *testing.T) {
	h, err := HashDuckDBTable(nil, DuckDBTarget{Table: "t"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "", h) // nil querier yields null digest, not the sentinel

	h2, err := HashDuckDBTable(fakeQuerier{}, DuckDBTarget{Table: "missing"}, nil)
	require.NoError(t, err)
	assert.Equal(t, DUCKDB_EMPTY_HASH, h2)
}

type fakeQuerier struct{}

func (fakeQuerier) AggregateRowHashes(table string) (string, bool, error) {
	return "", false, nil
}

func TestExpandPlaceholdersUnresolvedBecomesWildcard(t *testing.T) {
	got := ExpandPlaceholders("out/${missing}/*.csv", map[string]string{"present": "x"})
	assert.Equal(t, "out/*/*.csv", got)

	got2 := ExpandPlaceholders("out/${present}/*.csv", map[string]string{"present": "x"})
	assert.Equal(t, "out/x/*.csv", got2)
}

func TestParseDuckDBTarget(t *testing.T) {
	target, ok := ParseDuckDBTarget("duckdb://analytics.events")
	require.True(t, ok)
	assert.Equal(t, "analytics", target.Schema)
	assert.Equal(t, "events", target.Table)
	assert.Equal(t, "analytics.events", target.Qualified())

	_, ok = ParseDuckDBTarget("outputs/*.csv")
	assert.False(t, ok)
}
