// Package vecstore manages local vector collections: a sqlite-catalog
// backend per collection, cross-process write locks, a process-wide handle
// registry, and the WAL checkpoint discipline that keeps collections
// crash-safe.
package vecstore

import "errors"

// ErrStoreUnavailable is returned when a backend cannot be opened, the
// write lock times out, or UUID reconciliation fails.
var ErrStoreUnavailable = errors.New("vecstore: store unavailable")

// ErrSyncWriteDisallowed is returned by the synchronous write path. All
// writes must go through AddDocumentsAsync so callers are forced through
// the cross-process lock.
var ErrSyncWriteDisallowed = errors.New("vecstore: synchronous writes are disallowed, use AddDocumentsAsync")

// ErrLockTimeout is returned when the named file lock is not acquired
// within the deadline.
var ErrLockTimeout = errors.New("vecstore: lock acquisition timed out")
