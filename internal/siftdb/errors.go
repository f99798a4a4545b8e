// Package siftdb defines the shared error taxonomy used across sift's
// storage and index packages so callers can branch on recovery policy
// with errors.As instead of matching error strings.
package siftdb

import "fmt"

// Kind classifies a storage or index failure.
type Kind int

const (
	// KindDimensionMismatch means a query or insert vector's dimension
	// does not match the index's established dimension. Callers should
	// trigger a full rebuild.
	KindDimensionMismatch Kind = iota
	// KindCorruptPersistence means an on-disk file failed to parse or
	// failed a checksum/magic check. Callers should fall back to a
	// rebuild rather than propagate a hard failure.
	KindCorruptPersistence
	// KindIndexCorruption means the in-memory index structure itself is
	// inconsistent (e.g. a neighbor id out of range). Always a bug or a
	// torn write; never expected in normal operation.
	KindIndexCorruption
	// KindNotFound means a lookup (repo id, branch, chunk id) found no
	// matching record.
	KindNotFound
	// KindLocked means the data directory's advisory lock is held by
	// another process.
	KindLocked
)

func (k Kind) String() string {
	switch k {
	case KindDimensionMismatch:
		return "dimension_mismatch"
	case KindCorruptPersistence:
		return "corrupt_persistence"
	case KindIndexCorruption:
		return "index_corruption"
	case KindNotFound:
		return "not_found"
	case KindLocked:
		return "locked"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind so callers can recover
// programmatically.
type Error struct {
	Kind    Kind
	Op      string // the operation that failed, e.g. "hnsw.Load"
	Path    string // file or resource involved, if any
	Err     error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s (%s): %v", e.Op, e.Kind, e.Path, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an Error.
func New(kind Kind, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// Is reports whether the first *Error in err's Unwrap chain has the given
// Kind, e.g. Is(err, KindDimensionMismatch).
func Is(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if ae, ok := err.(*Error); ok {
			e = ae
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return e != nil && e.Kind == kind
}
