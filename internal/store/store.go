package store

import (
	"context"
	"time"

	"github.com/tillsync/tillsync/internal/models"
)

// Store is the local document store: durable CRUD plus the change feed and
// conflict bookkeeping the sync engine and resolver build on. All operations
// work offline; sync health never affects them.
type Store interface {
	// Create persists a new document, minting an id when the body carries
	// none, and returns it with its initial revision.
	Create(ctx context.Context, entity models.EntityType, fields map[string]interface{}) (*models.Document, error)

	// Get returns the current winning revision of a document.
	Get(ctx context.Context, entity models.EntityType, id string) (*models.Document, error)

	// Find returns winning documents matching the selector. A valid
	// selector that matches nothing yields an empty slice, not an error.
	Find(ctx context.Context, entity models.EntityType, sel Selector, opts FindOptions) ([]*models.Document, error)

	// Put writes a full replacement body against the given revision. A
	// stale revision fails with a ConflictError; no blind overwrites.
	Put(ctx context.Context, entity models.EntityType, id, rev string, fields map[string]interface{}) (*models.Document, error)

	// Update is read-modify-write: fetch the current revision, merge the
	// partial fields, write with the revision check.
	Update(ctx context.Context, entity models.EntityType, id string, partial map[string]interface{}) (*models.Document, error)

	// Remove tombstones a document. Idempotent: removing an absent or
	// already-deleted id succeeds.
	Remove(ctx context.Context, entity models.EntityType, id string) error

	// ChangesSince returns changes after the given sequence in write
	// order, plus the new high-water mark.
	ChangesSince(ctx context.Context, entity models.EntityType, since int64, limit int) ([]models.Change, int64, error)

	// Watch returns a channel that receives a notification after every
	// write to the entity's collection. The cancel function releases it.
	Watch(entity models.EntityType) (<-chan struct{}, func())

	// ApplyRemote merges a document pulled from the remote store. Replay
	// of an already-known revision is a no-op; a revision that does not
	// descend from any local branch is recorded as a conflicting sibling.
	ApplyRemote(ctx context.Context, entity models.EntityType, doc *models.Document) error

	// Conflicts lists ids with more than one live sibling revision.
	Conflicts(ctx context.Context, entity models.EntityType) ([]string, error)

	// Siblings returns every live revision of a document, winner included.
	Siblings(ctx context.Context, entity models.EntityType, id string) ([]*models.Document, error)

	// Repair rewrites a document as its sole current revision, discarding
	// every sibling. Destructive and final; used by the conflict resolver.
	Repair(ctx context.Context, entity models.EntityType, id string, fields map[string]interface{}) (*models.Document, error)

	// MarkSynced flips a document's sync_status field to synced without
	// producing a new revision or change-feed entry. A no-op when the
	// revision is no longer current or the body has no sync_status.
	MarkSynced(ctx context.Context, entity models.EntityType, id, rev string) error

	// Replication checkpoints.
	LoadCheckpoint(ctx context.Context, entity models.EntityType) (*models.SyncCheckpoint, error)
	SaveCheckpoint(ctx context.Context, cp *models.SyncCheckpoint) error

	// Count returns the number of live winning documents.
	Count(ctx context.Context, entity models.EntityType) (int64, error)

	// PendingCount returns how many live documents still carry
	// sync_status pending.
	PendingCount(ctx context.Context, entity models.EntityType) (int64, error)

	// Compact physically purges tombstones older than the retention
	// window and returns how many revisions were dropped.
	Compact(ctx context.Context, olderThan time.Duration) (int64, error)

	Close() error
}

// FindOptions control pagination and ordering of Find results.
type FindOptions struct {
	Limit int
	Skip  int
	Sort  []SortOrder
}

// SortOrder names one sort field.
type SortOrder struct {
	Field string
	Desc  bool
}
