// Package scope tracks per-task file-write authorizations and answers
// scope-membership queries during dispatch.
//
// A write scope entry is either an exact repository-relative file path or a
// directory prefix (trailing separator). Glob patterns are never allowed in
// write scopes; disjointness between concurrent tasks must be provable at
// validation time, and glob overlap is not decidable by prefix comparison.
package scope

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrEmptyEntry is returned for empty write-scope entries.
var ErrEmptyEntry = errors.New("write scope entry is empty")

// ErrGlobEntry is returned for write-scope entries containing glob
// metacharacters.
var ErrGlobEntry = errors.New("write scope entry contains glob metacharacters")

// ErrEscapesRoot is returned when a path resolves outside the repository root.
var ErrEscapesRoot = errors.New("path escapes repository root")

const globMetacharacters = "*?[]{}"

// NormalizePath canonicalizes p to a repository-relative slash form.
// A trailing separator is preserved so directory-prefix entries stay
// distinguishable from exact paths.
func NormalizePath(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", ErrEmptyEntry
	}

	trailingSlash := strings.HasSuffix(p, "/")

	cleaned := path.Clean(strings.ReplaceAll(p, "\\", "/"))
	cleaned = strings.TrimPrefix(cleaned, "./")

	if cleaned == ".." || strings.HasPrefix(cleaned, "../") || strings.HasPrefix(cleaned, "/") {
		return "", fmt.Errorf("%q: %w", p, ErrEscapesRoot)
	}
	if cleaned == "." {
		// Whole-tree prefix: covers every repository-relative path.
		return "", nil
	}

	if trailingSlash {
		cleaned += "/"
	}
	return cleaned, nil
}

// ValidateWriteEntry checks that entry is a legal write-scope entry: a
// normalizable repository-relative path with no glob metacharacters.
func ValidateWriteEntry(entry string) error {
	if strings.TrimSpace(entry) == "" {
		return ErrEmptyEntry
	}
	if strings.ContainsAny(entry, globMetacharacters) {
		return fmt.Errorf("%q: %w", entry, ErrGlobEntry)
	}
	if _, err := NormalizePath(entry); err != nil {
		return err
	}
	return nil
}

// IsPrefixEntry reports whether a normalized entry is a directory prefix.
func IsPrefixEntry(entry string) bool {
	return strings.HasSuffix(entry, "/")
}

// EntriesOverlap reports whether two normalized write-scope entries can
// authorize a write to the same path. Exact equality and prefix containment
// in either direction both count.
func EntriesOverlap(a, b string) bool {
	if a == "" || b == "" {
		// Whole-tree prefix overlaps everything.
		return true
	}
	aDir, bDir := IsPrefixEntry(a), IsPrefixEntry(b)

	switch {
	case aDir && bDir:
		return strings.HasPrefix(a, b) || strings.HasPrefix(b, a)
	case aDir:
		return strings.HasPrefix(b, a)
	case bDir:
		return strings.HasPrefix(a, b)
	default:
		return a == b
	}
}

// EntryCovers reports whether a normalized entry authorizes a write to the
// normalized file path p.
func EntryCovers(entry, p string) bool {
	if entry == "" {
		return true
	}
	if IsPrefixEntry(entry) {
		return strings.HasPrefix(p, entry)
	}
	return entry == p
}

// PathWithin reports whether the (raw) path falls inside any of the (raw)
// write entries. Both sides are normalized first.
func PathWithin(path string, writes []string) (bool, error) {
	p, err := NormalizePath(path)
	if err != nil {
		return false, err
	}
	for _, w := range writes {
		entry, err := NormalizePath(w)
		if err != nil {
			return false, err
		}
		if EntryCovers(entry, p) {
			return true, nil
		}
	}
	return false, nil
}
