package turbopath

import (
	"os"
	"path/filepath"
)

// AbsoluteSystemPath is a root-relative path using system separators.
type AbsoluteSystemPath string

// For interface reasons, we need a way to distinguish between
// Absolute/Anchored/Relative/System/Unix/File paths so we stamp them.
func (AbsoluteSystemPath) absolutePathStamp() {}
func (AbsoluteSystemPath) systemPathStamp()   {}
func (AbsoluteSystemPath) filePathStamp()     {}

// ToString returns a string represenation of this Path.
// Used for interfacing with APIs that require a string.
func (p AbsoluteSystemPath) ToString() string {
	return string(p)
}

// ToUnixPath converts an AbsoluteSystemPath to an AbsoluteUnixPath, the
// stable form used anywhere a path needs to read the same on Windows
// and Unix (diagnostics, cache keys).
func (p AbsoluteSystemPath) ToUnixPath() AbsoluteUnixPath {
	return AbsoluteUnixPath(filepath.ToSlash(p.ToString()))
}

// RelativeTo calculates the relative path between two `AbsoluteSystemPath`s.
func (p AbsoluteSystemPath) RelativeTo(basePath AbsoluteSystemPath) (AnchoredSystemPath, error) {
	processed, err := filepath.Rel(basePath.ToString(), p.ToString())
	return AnchoredSystemPath(processed), err
}

// Join appends relative path segments to this AbsoluteSystemPath.
func (p AbsoluteSystemPath) Join(additional ...RelativeSystemPath) AbsoluteSystemPath {
	cast := RelativeSystemPathArray(additional)
	return AbsoluteSystemPath(filepath.Join(p.ToString(), filepath.Join(cast.ToStringArray()...)))
}

// UntypedJoin appends plain, unstamped path segments to this
// AbsoluteSystemPath, for callers joining in literal segments that
// haven't (and don't need to) go through the RelativeSystemPath type.
func (p AbsoluteSystemPath) UntypedJoin(additional ...string) AbsoluteSystemPath {
	args := append([]string{p.ToString()}, additional...)
	return AbsoluteSystemPath(filepath.Join(args...))
}

// Lstat implements os.Lstat for an AbsoluteSystemPath.
func (p AbsoluteSystemPath) Lstat() (os.FileInfo, error) {
	return os.Lstat(p.ToString())
}
