// Package hashing implements kptn's content-addressed fingerprinting
// engine: code hashes, input hashes, input-data hashes, output hashes,
// and DuckDB-table hashes. It owns no store state; the Task State Cache
// passes in whatever task-scope data it needs (teacher pattern: taskhash.Tracker
// is constructed from a pipeline + env snapshot, never from the cache).
package hashing

import (
	"crypto/md5"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"
)

// DigestBytes is a SHA-1 hex digest, the unit of comparison for every
// "digest of X" operation in the core.
type DigestBytes = string

// DUCKDB_EMPTY_HASH is the sentinel digest for an empty or missing
// DuckDB table: MD5 of the literal string "duckdb-empty-table".
var DUCKDB_EMPTY_HASH = md5Hex("duckdb-empty-table")

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// DigestObject canonicalises an arbitrary value via its %v display form
// and SHA-1 hashes it. A nil value passes through as "" unhashed --
// callers that need "digest of null is null" behavior should check for
// nil before calling this.
func DigestObject(v interface{}) (string, error) {
	if v == nil {
		return "", nil
	}
	h := sha1.New()
	if _, err := fmt.Fprintf(h, "%v", v); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// DigestOrderedPairs hashes a slice of key/value pairs in the order
// given. Callers are responsible for sorting the slice first --
// DigestObject never takes the digest of a set directly, always of a
// sorted sequence.
func DigestOrderedPairs(pairs []KV) (string, error) {
	return DigestObject(pairs)
}

// KV is an ordered key/value entry, the building block of every
// "{symbol -> digest}" / "{relative_path -> file_digest}" list the spec
// calls for.
type KV struct {
	Key   string
	Value string
}

// SortKV sorts a slice of KV lexicographically by key, in place.
func SortKV(pairs []KV) {
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Key < pairs[j].Key })
}

// DigestFile computes the SHA-1 digest of a file's contents. IO errors
// are returned to the caller, who is expected to downgrade "file not
// found" to a skip -- DigestFile itself never swallows errors.
func DigestFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha1.New()
	buf := make([]byte, 64*1024)
	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			if _, err := h.Write(buf[:n]); err != nil {
				return "", err
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			return "", readErr
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// CodeHashKind names the task language a code hash was computed for,
// used to build the "<Kind> code changed" reason string a decision
// response surfaces to its caller.
type CodeHashKind string

const (
	KindPython CodeHashKind = "Python"
	KindR      CodeHashKind = "R"
	KindSQL    CodeHashKind = "DuckDB SQL"
)

// KindForExtension maps a task file extension to its CodeHashKind. An
// unsupported extension is a configuration error, never guessed at.
func KindForExtension(ext string) (CodeHashKind, bool) {
	switch ext {
	case ".py", ".pyw":
		return KindPython, true
	case ".r", ".R":
		return KindR, true
	case ".sql":
		return KindSQL, true
	default:
		return "", false
	}
}
