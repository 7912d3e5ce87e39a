// Package pathutil normalizes filesystem paths and enforces that a
// candidate path stays confined under a configured base directory.
package pathutil

import (
	"path/filepath"
	"strings"

	"github.com/keymesh/keymesh/internal/keymesherr"
)

// Normalize resolves p against base into a clean absolute path. A candidate
// that is already absolute is cleaned but otherwise returned as-is.
func Normalize(base, p string) (string, error) {
	absBase, err := filepath.Abs(base)
	if err != nil {
		return "", &keymesherr.IoError{Op: "resolve base", Path: base, Cause: err}
	}
	absBase = filepath.Clean(absBase)

	if filepath.IsAbs(p) {
		return filepath.Clean(p), nil
	}
	return filepath.Clean(filepath.Join(absBase, p)), nil
}

// EnsureWithin normalizes p against base and requires the result to be
// lexically confined under base, including when p is itself already
// absolute. This is stricter than the reference implementation, which lets
// an absolute candidate bypass the confinement check entirely; KeyMesh's
// ShareSpec invariant ("root_path already resolved and confined under a
// configured base") and the path-confinement testable property apply
// regardless of how the candidate path was spelled.
func EnsureWithin(base, p string) (string, error) {
	absBase, err := filepath.Abs(base)
	if err != nil {
		return "", &keymesherr.IoError{Op: "resolve base", Path: base, Cause: err}
	}
	absBase = filepath.Clean(absBase)

	target, err := Normalize(absBase, p)
	if err != nil {
		return "", err
	}

	rel, err := filepath.Rel(absBase, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &keymesherr.PathEscapeError{Root: absBase, Candidate: p}
	}
	return target, nil
}

// ToPosix renders an OS-native relative path in POSIX form (forward
// slashes), as required for ManifestEntry.path and for ignore-pattern
// matching.
func ToPosix(p string) string {
	if filepath.Separator == '/' {
		return p
	}
	return strings.ReplaceAll(p, string(filepath.Separator), "/")
}

// SanitizeComponent replaces filesystem-hostile characters (/, \, :) with
// underscores, for deriving filesystem-safe record names from
// (peer, share, path) tuples.
func SanitizeComponent(s string) string {
	replacer := strings.NewReplacer("/", "_", "\\", "_", ":", "_")
	return replacer.Replace(s)
}
