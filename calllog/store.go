package calllog

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no record has the requested call id.
	ErrNotFound = errors.New("calllog: call not found")
	// ErrInvalidRecord is returned when a record violates the log invariants.
	ErrInvalidRecord = errors.New("calllog: invalid record")
)

// StorageInitError reports that the backing storage could not be opened or
// its schema could not be created.
type StorageInitError struct {
	DSN string
	Err error
}

func (e *StorageInitError) Error() string {
	return fmt.Sprintf("calllog: initialize storage %q: %v", e.DSN, e.Err)
}

func (e *StorageInitError) Unwrap() error {
	return e.Err
}

// TailTransientError reports a failed poll. The tail logs it and retries on
// the next tick.
type TailTransientError struct {
	Cursor Cursor
	Err    error
}

func (e *TailTransientError) Error() string {
	return fmt.Sprintf("calllog: tail poll after %s/%d: %v", e.Cursor.Timestamp, e.Cursor.Seq, e.Err)
}

func (e *TailTransientError) Unwrap() error {
	return e.Err
}

// Store persists call records. Records are never updated or deleted.
type Store interface {
	// Insert durably stores rec, assigning CallID and Timestamp when unset.
	// The stored record is returned.
	Insert(ctx context.Context, rec CallRecord) (CallRecord, error)

	// Get returns the record with the given call id or ErrNotFound.
	Get(ctx context.Context, callID string) (CallRecord, error)

	// Query returns records most recent first.
	Query(ctx context.Context, q Query) ([]CallRecord, error)

	// After returns records strictly after cursor in ascending
	// (timestamp, seq) order. limit <= 0 means no limit.
	After(ctx context.Context, cursor Cursor, filter Filter, limit int) ([]CallRecord, error)

	// Latest returns the cursor of the newest record (zero if empty).
	Latest(ctx context.Context) (Cursor, error)
}
