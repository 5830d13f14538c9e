// Package env collects the process environment variables a task has
// declared as part of its input hash, as sorted "key=value" pairs.
//
// Unlike turborepo's framework-prefix auto-discovery (NEXT_PUBLIC_*,
// VITE_*, ...), a kptn task's env contribution to its input hash is
// always an explicit list coming from its config block -- there is no
// framework to infer a prefix from, so only the declared keys are ever
// hashed.
package env

import (
	"fmt"
	"os"
	"sort"
)

// GetConfigEnvPairs returns "key=value" pairs for every env var name in
// envKeys, in the order given. Missing variables hash as "KEY=" rather
// than being skipped, so a variable going from unset to empty still
// changes the input hash.
func GetConfigEnvPairs(envKeys []string) []string {
	pairs := make([]string, 0, len(envKeys))
	for _, envVar := range envKeys {
		pairs = append(pairs, fmt.Sprintf("%v=%v", envVar, os.Getenv(envVar)))
	}
	return pairs
}

// GetHashableEnvPairs returns the sorted "key=value" pairs for envKeys,
// the form fed into the ordered input-hash digest.
func GetHashableEnvPairs(envKeys []string) []string {
	pairs := GetConfigEnvPairs(envKeys)
	sort.Strings(pairs)
	return pairs
}
