package transport

import (
	"context"
	"time"

	"github.com/tillsync/tillsync/internal/config"
	"github.com/tillsync/tillsync/internal/events"
	"github.com/tillsync/tillsync/internal/models"
)

// Client is the wire surface to the remote authoritative store: incremental
// change pull, bulk document push, and a live change feed. The remote
// exposes one database per entity type.
type Client interface {
	// Ping checks remote reachability. Used by the connectivity monitor.
	Ping(ctx context.Context) error

	// Changes pulls an ordered batch of changes after the given remote
	// sequence.
	Changes(ctx context.Context, entity models.EntityType, since int64, limit int) (*ChangesResult, error)

	// BulkDocs pushes documents and reports per-document acceptance; a
	// rejected document never fails the whole batch.
	BulkDocs(ctx context.Context, entity models.EntityType, docs []*models.Document) ([]BulkDocResult, error)

	// LiveChanges opens a streaming change feed starting after since.
	// The change channel closes when the feed ends; a fatal feed error
	// arrives on the error channel first.
	LiveChanges(ctx context.Context, entity models.EntityType, since int64) (<-chan RemoteChange, <-chan error, error)

	Close() error
}

// RemoteChange is one entry of the remote change feed.
type RemoteChange struct {
	Doc     *models.Document
	Seq     int64
	Deleted bool
}

// ChangesResult is a pulled batch plus the remote high-water mark.
type ChangesResult struct {
	Changes []RemoteChange
	LastSeq int64
}

// BulkDocResult is the per-document outcome of a push.
type BulkDocResult struct {
	ID     string `json:"id"`
	Rev    string `json:"rev,omitempty"`
	OK     bool   `json:"ok,omitempty"`
	Error  string `json:"error,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Conflict reports whether the remote rejected the document because it holds
// a revision the pushed one does not descend from.
func (r *BulkDocResult) Conflict() bool {
	return r.Error == "conflict"
}

// NewClient creates the default HTTP+websocket transport. The heartbeat sets
// the live feed's ping interval; zero or negative falls back to the default.
func NewClient(cfg *config.RemoteConfig, heartbeat time.Duration, logger *events.Logger) Client {
	return newHTTPTransport(cfg, heartbeat, logger)
}
