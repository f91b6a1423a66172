package models

import (
	"errors"
	"fmt"
)

// Sentinel errors for the CRUD surface. Returned to the immediate caller as
// typed failures; sync-level failures never travel through these.
var (
	ErrNotFound           = errors.New("document not found")
	ErrConflict           = errors.New("revision conflict")
	ErrStorageUnavailable = errors.New("local store unavailable")
	ErrSyncInProgress     = errors.New("sync already in progress")
	ErrSyncDenied         = errors.New("sync denied by remote")
	ErrUnknownEntity      = errors.New("unknown entity type")
)

// ConflictError reports a rejected write: the revision supplied did not match
// the stored one. Unwraps to ErrConflict.
type ConflictError struct {
	Entity     EntityType
	ID         string
	GivenRev   string
	CurrentRev string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s/%s: revision %s is stale (current %s)",
		e.Entity, e.ID, e.GivenRev, e.CurrentRev)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// NotFoundError carries the id a read missed. Unwraps to ErrNotFound.
type NotFoundError struct {
	Entity EntityType
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s/%s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// RemoteError represents a failure reported by the remote document API.
type RemoteError struct {
	StatusCode int
	Code       string
	Reason     string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %d (%s): %s", e.StatusCode, e.Code, e.Reason)
}

// Denied reports whether the remote rejected the session outright. Denied
// errors are terminal: the sync engine never retries them.
func (e *RemoteError) Denied() bool {
	return e.StatusCode == 401 || e.StatusCode == 403
}

func (e *RemoteError) Unwrap() error {
	if e.Denied() {
		return ErrSyncDenied
	}
	return nil
}

// BulkItemError names one failed item of a bulk operation. Bulk operations
// report partial success instead of rolling back.
type BulkItemError struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

func (e *BulkItemError) Error() string {
	return fmt.Sprintf("%s: %s", e.ID, e.Reason)
}
