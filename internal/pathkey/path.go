// Package pathkey canonicalizes the path strings operations key their
// file-system-model state by, so that "a/b", "a//b", and "a/./b" all
// identify the same entry (core identity rule, spec §9).
package pathkey

import (
	"path/filepath"
	"strings"

	joerrors "github.com/januskey/januskey/pkg/errors"
)

// Canonicalize resolves path to its platform-neutral identity: it cleans
// "."/".." segments and duplicate separators, rejects escapes above the
// root, and always returns a slash-separated, non-absolute key suitable
// for use as a map key in the file-system model.
func Canonicalize(path string) (string, error) {
	if path == "" {
		return "", joerrors.InvalidState("pathkey", "path cannot be empty")
	}

	slashed := strings.ReplaceAll(path, `\`, "/")
	cleaned := filepath.ToSlash(filepath.Clean(slashed))
	cleaned = strings.TrimPrefix(cleaned, "/")

	if cleaned == "." {
		return "", joerrors.InvalidState("pathkey", "path resolves to the root, which has no entry")
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", joerrors.InvalidState("pathkey", "path escapes the managed root: "+path)
	}

	return cleaned, nil
}

// Join canonicalizes elements joined onto base and verifies the result
// stays within base — used wherever a component must translate a
// canonical key back to a real filesystem path under the managed root.
func Join(base string, key string) (string, error) {
	if base == "" {
		return "", joerrors.InvalidState("pathkey", "base path cannot be empty")
	}

	cleanBase := filepath.Clean(base)
	full := filepath.Join(cleanBase, filepath.FromSlash(key))

	if full != cleanBase && !strings.HasPrefix(full, cleanBase+string(filepath.Separator)) {
		return "", joerrors.InvalidState("pathkey", "key escapes base directory: "+key)
	}
	return full, nil
}

// Parent returns the canonical key of path's parent directory, or ""
// if path is already a top-level entry.
func Parent(key string) string {
	dir := filepath.ToSlash(filepath.Dir(key))
	if dir == "." {
		return ""
	}
	return dir
}

// Base returns the final path element of a canonical key.
func Base(key string) string {
	return filepath.Base(key)
}
