package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/tillsync/tillsync/internal/events"
	"github.com/tillsync/tillsync/internal/models"
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements Store on a single SQLite database. Documents of all
// entity types share one table, scoped by entity_type; each row is one live
// revision branch of a document (normally exactly one per id, more while a
// conflict is unresolved).
type SQLiteStore struct {
	db     *sql.DB
	logger *events.Logger

	// Serializes write transactions; SQLite allows one writer at a time.
	writeMu sync.Mutex

	available atomic.Bool

	watchMu  sync.Mutex
	watchers map[models.EntityType][]chan struct{}
}

// NewSQLiteStore opens (or creates) the store at path and initializes the
// schema and secondary indexes.
func NewSQLiteStore(path string, busyTimeout time.Duration, logger *events.Logger) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("%s?_journal=WAL&_timeout=%d&_fk=on", path, busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &SQLiteStore{
		db:       db,
		logger:   logger.WithField("component", "document_store"),
		watchers: make(map[models.EntityType][]chan struct{}),
	}

	if err := s.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize database: %w", err)
	}
	s.available.Store(true)

	// Secondary indexes are best-effort: a failure degrades queries to
	// full scans, it never blocks the store.
	s.ensureIndexes()

	return s, nil
}

func (s *SQLiteStore) initialize() error {
	schema := `
    CREATE TABLE IF NOT EXISTS documents (
        entity_type TEXT NOT NULL,
        doc_id      TEXT NOT NULL,
        rev         TEXT NOT NULL,
        generation  INTEGER NOT NULL,
        winner      INTEGER NOT NULL DEFAULT 1,
        deleted     INTEGER NOT NULL DEFAULT 0,
        local       INTEGER NOT NULL DEFAULT 1,
        seq         INTEGER NOT NULL,
        body        TEXT NOT NULL,
        ancestry    TEXT NOT NULL DEFAULT '[]',
        created_at  TEXT NOT NULL,
        updated_at  TEXT NOT NULL,
        PRIMARY KEY (entity_type, doc_id, rev)
    );

    CREATE INDEX IF NOT EXISTS idx_documents_current
        ON documents(entity_type, doc_id) WHERE winner = 1;
    CREATE INDEX IF NOT EXISTS idx_documents_seq
        ON documents(entity_type, seq);

    CREATE TABLE IF NOT EXISTS sequences (
        entity_type TEXT PRIMARY KEY,
        seq         INTEGER NOT NULL DEFAULT 0
    );

    CREATE TABLE IF NOT EXISTS sync_checkpoints (
        entity_type TEXT PRIMARY KEY,
        local_seq   INTEGER NOT NULL DEFAULT 0,
        remote_seq  INTEGER NOT NULL DEFAULT 0,
        updated_at  TEXT NOT NULL
    );

    CREATE TABLE IF NOT EXISTS schema_info (
        version INTEGER PRIMARY KEY
    );

    INSERT OR IGNORE INTO schema_info (version) VALUES (1);
    `

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ready() error {
	if !s.available.Load() {
		return models.ErrStorageUnavailable
	}
	return nil
}

// Close marks the store unavailable and closes the database.
func (s *SQLiteStore) Close() error {
	s.available.Store(false)
	return s.db.Close()
}

// Create persists a new document.
func (s *SQLiteStore) Create(ctx context.Context, entity models.EntityType, fields map[string]interface{}) (*models.Document, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if _, err := models.ParseEntityType(string(entity)); err != nil {
		return nil, err
	}

	body := copyFields(fields)
	id, _ := body["_id"].(string)
	delete(body, "_id")
	if id == "" {
		id = uuid.NewString()
	}

	now := time.Now().UTC()
	doc := &models.Document{
		ID:        id,
		Entity:    entity,
		CreatedAt: now,
		UpdatedAt: now,
		Fields:    body,
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := s.winnerRow(ctx, tx, entity, id)
		if err != nil && err != sql.ErrNoRows {
			return err
		}

		if err == nil && !cur.deleted {
			return &models.ConflictError{Entity: entity, ID: id, GivenRev: "", CurrentRev: cur.rev}
		}

		var prevRev string
		if err == nil {
			// Tombstoned id: the new document continues that branch so
			// the resurrection still propagates through sync.
			prevRev = cur.rev
			doc.Ancestry = models.ExtendAncestry(cur.ancestry, cur.rev)
		}
		doc.Rev = models.NewRev(prevRev, body, false)

		seq, err := s.nextSeq(ctx, tx, entity)
		if err != nil {
			return err
		}
		doc.Seq = seq

		if prevRev != "" {
			if err := s.replaceRevision(ctx, tx, entity, id, prevRev, doc, true); err != nil {
				return err
			}
		} else if err := s.insertRevision(ctx, tx, entity, doc, true); err != nil {
			return err
		}
		return s.recomputeWinner(ctx, tx, entity, id)
	})
	if err != nil {
		return nil, err
	}

	s.notify(entity)
	return doc, nil
}

// Get returns the current winning revision.
func (s *SQLiteStore) Get(ctx context.Context, entity models.EntityType, id string) (*models.Document, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `
        SELECT doc_id, rev, deleted, local, seq, body, ancestry, created_at, updated_at
        FROM documents
        WHERE entity_type = ? AND doc_id = ? AND winner = 1
    `, entity, id)

	doc, err := scanDocument(row, entity)
	if err == sql.ErrNoRows {
		return nil, &models.NotFoundError{Entity: entity, ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("query document: %w", err)
	}
	if doc.Deleted {
		return nil, &models.NotFoundError{Entity: entity, ID: id}
	}
	return doc, nil
}

// Find returns winning documents matching the selector.
func (s *SQLiteStore) Find(ctx context.Context, entity models.EntityType, sel Selector, opts FindOptions) ([]*models.Document, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	query := `
        SELECT doc_id, rev, deleted, local, seq, body, ancestry, created_at, updated_at
        FROM documents
        WHERE entity_type = ? AND winner = 1 AND deleted = 0`
	args := []interface{}{entity}

	clauses, clauseArgs := sel.sqlClauses()
	for _, c := range clauses {
		query += " AND " + c
	}
	args = append(args, clauseArgs...)

	query += orderBy(opts.Sort)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	var docs []*models.Document
	for rows.Next() {
		doc, err := scanDocument(rows, entity)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		// SQL narrowed the scan; the selector stays authoritative for
		// operators it cannot express (substring match).
		if !sel.Matches(doc) {
			continue
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}

	if opts.Skip > 0 {
		if opts.Skip >= len(docs) {
			return []*models.Document{}, nil
		}
		docs = docs[opts.Skip:]
	}
	if opts.Limit > 0 && len(docs) > opts.Limit {
		docs = docs[:opts.Limit]
	}
	if docs == nil {
		docs = []*models.Document{}
	}
	return docs, nil
}

// Put writes a replacement body against the given revision.
func (s *SQLiteStore) Put(ctx context.Context, entity models.EntityType, id, rev string, fields map[string]interface{}) (*models.Document, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	body := copyFields(fields)
	delete(body, "_id")
	now := time.Now().UTC()

	doc := &models.Document{
		ID:        id,
		Entity:    entity,
		UpdatedAt: now,
		Fields:    body,
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := s.winnerRow(ctx, tx, entity, id)
		if err == sql.ErrNoRows || (err == nil && cur.deleted) {
			return &models.NotFoundError{Entity: entity, ID: id}
		}
		if err != nil {
			return err
		}
		if cur.rev != rev {
			return &models.ConflictError{Entity: entity, ID: id, GivenRev: rev, CurrentRev: cur.rev}
		}

		doc.CreatedAt = cur.createdAt
		doc.Rev = models.NewRev(rev, body, false)
		doc.Ancestry = models.ExtendAncestry(cur.ancestry, rev)

		seq, err := s.nextSeq(ctx, tx, entity)
		if err != nil {
			return err
		}
		doc.Seq = seq

		if err := s.replaceRevision(ctx, tx, entity, id, rev, doc, true); err != nil {
			return err
		}
		return s.recomputeWinner(ctx, tx, entity, id)
	})
	if err != nil {
		return nil, err
	}

	s.notify(entity)
	return doc, nil
}

// Update merges partial fields into the current document and writes with the
// revision check. The conflict window between read and write is deliberate:
// concurrent writers race, the revision check decides.
func (s *SQLiteStore) Update(ctx context.Context, entity models.EntityType, id string, partial map[string]interface{}) (*models.Document, error) {
	cur, err := s.Get(ctx, entity, id)
	if err != nil {
		return nil, err
	}

	merged := copyFields(cur.Fields)
	for k, v := range partial {
		if k == "_id" {
			continue
		}
		merged[k] = v
	}
	return s.Put(ctx, entity, id, cur.Rev, merged)
}

// Remove tombstones a document. Idempotent.
func (s *SQLiteStore) Remove(ctx context.Context, entity models.EntityType, id string) error {
	if err := s.ready(); err != nil {
		return err
	}

	now := time.Now().UTC()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	removed := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := s.winnerRow(ctx, tx, entity, id)
		if err == sql.ErrNoRows || (err == nil && cur.deleted) {
			return nil // already gone
		}
		if err != nil {
			return err
		}

		doc := &models.Document{
			ID:        id,
			Entity:    entity,
			Deleted:   true,
			CreatedAt: cur.createdAt,
			UpdatedAt: now,
			Fields:    map[string]interface{}{},
			Rev:       models.NewRev(cur.rev, nil, true),
			Ancestry:  models.ExtendAncestry(cur.ancestry, cur.rev),
		}

		seq, err := s.nextSeq(ctx, tx, entity)
		if err != nil {
			return err
		}
		doc.Seq = seq

		if err := s.replaceRevision(ctx, tx, entity, id, cur.rev, doc, true); err != nil {
			return err
		}
		removed = true
		return s.recomputeWinner(ctx, tx, entity, id)
	})
	if err != nil {
		return err
	}

	if removed {
		s.notify(entity)
	}
	return nil
}

// ChangesSince returns changes after the given sequence in write order.
func (s *SQLiteStore) ChangesSince(ctx context.Context, entity models.EntityType, since int64, limit int) ([]models.Change, int64, error) {
	if err := s.ready(); err != nil {
		return nil, since, err
	}

	query := `
        SELECT doc_id, rev, deleted, local, seq, body, ancestry, created_at, updated_at
        FROM documents
        WHERE entity_type = ? AND seq > ?
        ORDER BY seq`
	args := []interface{}{entity, since}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, since, fmt.Errorf("query changes: %w", err)
	}
	defer rows.Close()

	var changes []models.Change
	lastSeq := since
	for rows.Next() {
		doc, err := scanDocument(rows, entity)
		if err != nil {
			return nil, since, fmt.Errorf("scan change: %w", err)
		}
		changes = append(changes, models.Change{
			Doc:     doc,
			Seq:     doc.Seq,
			Deleted: doc.Deleted,
			Local:   doc.Local,
		})
		lastSeq = doc.Seq
	}
	if err := rows.Err(); err != nil {
		return nil, since, fmt.Errorf("iterate changes: %w", err)
	}
	return changes, lastSeq, nil
}

// Watch returns a channel notified after every write to the collection.
func (s *SQLiteStore) Watch(entity models.EntityType) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	s.watchMu.Lock()
	s.watchers[entity] = append(s.watchers[entity], ch)
	s.watchMu.Unlock()

	cancel := func() {
		s.watchMu.Lock()
		list := s.watchers[entity]
		for i, c := range list {
			if c == ch {
				s.watchers[entity] = append(list[:i], list[i+1:]...)
				break
			}
		}
		s.watchMu.Unlock()
	}
	return ch, cancel
}

func (s *SQLiteStore) notify(entity models.EntityType) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for _, ch := range s.watchers[entity] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// ApplyRemote merges a pulled document into the local store.
func (s *SQLiteStore) ApplyRemote(ctx context.Context, entity models.EntityType, doc *models.Document) error {
	if err := s.ready(); err != nil {
		return err
	}
	if doc.ID == "" || doc.Rev == "" {
		return fmt.Errorf("remote document missing id or revision")
	}

	incoming := doc.Clone()
	if incoming.CreatedAt.IsZero() {
		incoming.CreatedAt = time.Now().UTC()
	}
	if incoming.UpdatedAt.IsZero() {
		incoming.UpdatedAt = incoming.CreatedAt
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	applied := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		// Idempotent replay: a known revision is a no-op.
		var one int
		err := tx.QueryRowContext(ctx, `
            SELECT 1 FROM documents
            WHERE entity_type = ? AND doc_id = ? AND rev = ?
        `, entity, incoming.ID, incoming.Rev).Scan(&one)
		if err == nil {
			return nil
		}
		if err != sql.ErrNoRows {
			return err
		}

		seq, err := s.nextSeq(ctx, tx, entity)
		if err != nil {
			return err
		}
		incoming.Seq = seq

		// A branch whose current revision appears in the incoming
		// ancestry is being fast-forwarded; anything else is a new
		// branch, a conflicting sibling until resolved.
		parent, err := s.branchInAncestry(ctx, tx, entity, incoming.ID, incoming.Ancestry)
		if err != nil {
			return err
		}
		if parent != "" {
			if err := s.replaceRevision(ctx, tx, entity, incoming.ID, parent, incoming, false); err != nil {
				return err
			}
		} else if err := s.insertRevision(ctx, tx, entity, incoming, false); err != nil {
			return err
		}
		applied = true
		return s.recomputeWinner(ctx, tx, entity, incoming.ID)
	})
	if err != nil {
		return err
	}

	if applied {
		s.notify(entity)
	}
	return nil
}

// Conflicts lists ids with more than one live sibling revision.
func (s *SQLiteStore) Conflicts(ctx context.Context, entity models.EntityType) ([]string, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
        SELECT doc_id FROM documents
        WHERE entity_type = ? AND deleted = 0
        GROUP BY doc_id HAVING COUNT(*) > 1
        ORDER BY doc_id
    `, entity)
	if err != nil {
		return nil, fmt.Errorf("query conflicts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan conflict id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Siblings returns every live revision of a document, winner first.
func (s *SQLiteStore) Siblings(ctx context.Context, entity models.EntityType, id string) ([]*models.Document, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
        SELECT doc_id, rev, deleted, local, seq, body, ancestry, created_at, updated_at
        FROM documents
        WHERE entity_type = ? AND doc_id = ? AND deleted = 0
        ORDER BY winner DESC, rev
    `, entity, id)
	if err != nil {
		return nil, fmt.Errorf("query siblings: %w", err)
	}
	defer rows.Close()

	var docs []*models.Document
	for rows.Next() {
		doc, err := scanDocument(rows, entity)
		if err != nil {
			return nil, fmt.Errorf("scan sibling: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// Repair rewrites the document as its sole current revision. Losing sibling
// revisions are discarded permanently.
func (s *SQLiteStore) Repair(ctx context.Context, entity models.EntityType, id string, fields map[string]interface{}) (*models.Document, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	body := copyFields(fields)
	delete(body, "_id")
	now := time.Now().UTC()

	doc := &models.Document{
		ID:        id,
		Entity:    entity,
		CreatedAt: now,
		UpdatedAt: now,
		Fields:    body,
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := s.winnerRow(ctx, tx, entity, id)
		if err == sql.ErrNoRows || (err == nil && cur.deleted) {
			return &models.NotFoundError{Entity: entity, ID: id}
		}
		if err != nil {
			return err
		}

		doc.CreatedAt = cur.createdAt
		doc.Rev = models.NewRev(cur.rev, body, false)
		doc.Ancestry = models.ExtendAncestry(cur.ancestry, cur.rev)

		seq, err := s.nextSeq(ctx, tx, entity)
		if err != nil {
			return err
		}
		doc.Seq = seq

		if _, err := tx.ExecContext(ctx, `
            DELETE FROM documents WHERE entity_type = ? AND doc_id = ?
        `, entity, id); err != nil {
			return fmt.Errorf("discard siblings: %w", err)
		}
		return s.insertRevision(ctx, tx, entity, doc, true)
	})
	if err != nil {
		return nil, err
	}

	s.notify(entity)
	return doc, nil
}

// MarkSynced flips sync_status to synced in place: no new revision, no
// change-feed entry, so confirmation does not trigger another push.
func (s *SQLiteStore) MarkSynced(ctx context.Context, entity models.EntityType, id, rev string) error {
	if err := s.ready(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var body string
		err := tx.QueryRowContext(ctx, `
            SELECT body FROM documents
            WHERE entity_type = ? AND doc_id = ? AND rev = ? AND winner = 1
        `, entity, id, rev).Scan(&body)
		if err == sql.ErrNoRows {
			return nil // superseded meanwhile, the newer write stays pending
		}
		if err != nil {
			return err
		}

		var fields map[string]interface{}
		if err := json.Unmarshal([]byte(body), &fields); err != nil {
			return fmt.Errorf("decode body: %w", err)
		}
		if _, ok := fields["sync_status"]; !ok {
			return nil
		}
		fields["sync_status"] = models.SyncSynced

		updated, err := json.Marshal(fields)
		if err != nil {
			return fmt.Errorf("encode body: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
            UPDATE documents SET body = ?
            WHERE entity_type = ? AND doc_id = ? AND rev = ?
        `, string(updated), entity, id, rev)
		return err
	})
}

// LoadCheckpoint returns the replication checkpoint for an entity type.
func (s *SQLiteStore) LoadCheckpoint(ctx context.Context, entity models.EntityType) (*models.SyncCheckpoint, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	cp := &models.SyncCheckpoint{Entity: entity}
	err := s.db.QueryRowContext(ctx, `
        SELECT local_seq, remote_seq FROM sync_checkpoints WHERE entity_type = ?
    `, entity).Scan(&cp.LocalSeq, &cp.RemoteSeq)
	if err == sql.ErrNoRows {
		return cp, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query checkpoint: %w", err)
	}
	return cp, nil
}

// SaveCheckpoint persists a replication checkpoint.
func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, cp *models.SyncCheckpoint) error {
	if err := s.ready(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
        INSERT INTO sync_checkpoints (entity_type, local_seq, remote_seq, updated_at)
        VALUES (?, ?, ?, ?)
        ON CONFLICT(entity_type) DO UPDATE SET
            local_seq = excluded.local_seq,
            remote_seq = excluded.remote_seq,
            updated_at = excluded.updated_at
    `, cp.Entity, cp.LocalSeq, cp.RemoteSeq, time.Now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// Count returns the number of live winning documents.
func (s *SQLiteStore) Count(ctx context.Context, entity models.EntityType) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}

	var n int64
	err := s.db.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM documents
        WHERE entity_type = ? AND winner = 1 AND deleted = 0
    `, entity).Scan(&n)
	return n, err
}

// PendingCount returns how many live documents still await sync.
func (s *SQLiteStore) PendingCount(ctx context.Context, entity models.EntityType) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}

	var n int64
	err := s.db.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM documents
        WHERE entity_type = ? AND winner = 1 AND deleted = 0
          AND json_extract(body, '$.sync_status') = ?
    `, entity, models.SyncPending).Scan(&n)
	return n, err
}

// Compact purges tombstones older than the retention window.
func (s *SQLiteStore) Compact(ctx context.Context, olderThan time.Duration) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}

	cutoff := time.Now().UTC().Add(-olderThan).Format(timeLayout)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `
        DELETE FROM documents WHERE deleted = 1 AND updated_at < ?
    `, cutoff)
	if err != nil {
		return 0, fmt.Errorf("compact: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.WithField("purged", n).Info("Compacted tombstones")
	}
	return n, nil
}

// Internals.

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) nextSeq(ctx context.Context, tx *sql.Tx, entity models.EntityType) (int64, error) {
	var seq int64
	err := tx.QueryRowContext(ctx, `
        INSERT INTO sequences (entity_type, seq) VALUES (?, 1)
        ON CONFLICT(entity_type) DO UPDATE SET seq = seq + 1
        RETURNING seq
    `, entity).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("advance sequence: %w", err)
	}
	return seq, nil
}

type winnerInfo struct {
	rev       string
	deleted   bool
	ancestry  []string
	createdAt time.Time
}

func (s *SQLiteStore) winnerRow(ctx context.Context, tx *sql.Tx, entity models.EntityType, id string) (*winnerInfo, error) {
	var (
		rev, ancestryJSON, createdAt string
		deleted                      int
	)
	err := tx.QueryRowContext(ctx, `
        SELECT rev, deleted, ancestry, created_at FROM documents
        WHERE entity_type = ? AND doc_id = ? AND winner = 1
    `, entity, id).Scan(&rev, &deleted, &ancestryJSON, &createdAt)
	if err != nil {
		return nil, err
	}

	info := &winnerInfo{rev: rev, deleted: deleted == 1}
	_ = json.Unmarshal([]byte(ancestryJSON), &info.ancestry)
	info.createdAt = parseStoredTime(createdAt)
	return info, nil
}

func (s *SQLiteStore) insertRevision(ctx context.Context, tx *sql.Tx, entity models.EntityType, doc *models.Document, local bool) error {
	doc.Local = local
	body, ancestry, err := encodeDocument(doc)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
        INSERT INTO documents
            (entity_type, doc_id, rev, generation, winner, deleted, local, seq, body, ancestry, created_at, updated_at)
        VALUES (?, ?, ?, ?, 1, ?, ?, ?, ?, ?, ?, ?)
    `, entity, doc.ID, doc.Rev, doc.Generation(), boolInt(doc.Deleted), boolInt(local), doc.Seq,
		body, ancestry,
		doc.CreatedAt.Format(timeLayout), doc.UpdatedAt.Format(timeLayout))
	if err != nil {
		return fmt.Errorf("insert revision: %w", err)
	}
	return nil
}

func (s *SQLiteStore) replaceRevision(ctx context.Context, tx *sql.Tx, entity models.EntityType, id, oldRev string, doc *models.Document, local bool) error {
	doc.Local = local
	body, ancestry, err := encodeDocument(doc)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
        UPDATE documents
        SET rev = ?, generation = ?, deleted = ?, local = ?, seq = ?, body = ?, ancestry = ?, updated_at = ?
        WHERE entity_type = ? AND doc_id = ? AND rev = ?
    `, doc.Rev, doc.Generation(), boolInt(doc.Deleted), boolInt(local), doc.Seq,
		body, ancestry, doc.UpdatedAt.Format(timeLayout),
		entity, id, oldRev)
	if err != nil {
		return fmt.Errorf("replace revision: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &models.ConflictError{Entity: entity, ID: id, GivenRev: oldRev}
	}
	return nil
}

func (s *SQLiteStore) branchInAncestry(ctx context.Context, tx *sql.Tx, entity models.EntityType, id string, ancestry []string) (string, error) {
	if len(ancestry) == 0 {
		return "", nil
	}
	rows, err := tx.QueryContext(ctx, `
        SELECT rev FROM documents WHERE entity_type = ? AND doc_id = ?
    `, entity, id)
	if err != nil {
		return "", fmt.Errorf("query branches: %w", err)
	}
	defer rows.Close()

	known := make(map[string]bool)
	for rows.Next() {
		var rev string
		if err := rows.Scan(&rev); err != nil {
			return "", err
		}
		known[rev] = true
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	for _, ancestor := range ancestry {
		if known[ancestor] {
			return ancestor, nil
		}
	}
	return "", nil
}

// recomputeWinner re-picks the winning revision among a document's branches:
// live branches beat tombstones, then the greater revision token wins. The
// rule is deterministic, so every replica converges on the same winner.
func (s *SQLiteStore) recomputeWinner(ctx context.Context, tx *sql.Tx, entity models.EntityType, id string) error {
	rows, err := tx.QueryContext(ctx, `
        SELECT rev, deleted FROM documents WHERE entity_type = ? AND doc_id = ?
    `, entity, id)
	if err != nil {
		return fmt.Errorf("query branches: %w", err)
	}

	type branch struct {
		rev     string
		deleted bool
	}
	var branches []branch
	for rows.Next() {
		var b branch
		var deleted int
		if err := rows.Scan(&b.rev, &deleted); err != nil {
			rows.Close()
			return err
		}
		b.deleted = deleted == 1
		branches = append(branches, b)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if len(branches) == 0 {
		return nil
	}

	best := branches[0]
	for _, b := range branches[1:] {
		if b.deleted != best.deleted {
			if best.deleted {
				best = b
			}
			continue
		}
		if models.CompareRevs(b.rev, best.rev) > 0 {
			best = b
		}
	}

	if _, err := tx.ExecContext(ctx, `
        UPDATE documents SET winner = CASE WHEN rev = ? THEN 1 ELSE 0 END
        WHERE entity_type = ? AND doc_id = ?
    `, best.rev, entity, id); err != nil {
		return fmt.Errorf("update winner: %w", err)
	}
	return nil
}

// Row scanning helpers.

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDocument(row rowScanner, entity models.EntityType) (*models.Document, error) {
	var (
		id, rev, body, ancestryJSON, createdAt, updatedAt string
		deleted, local                                    int
		seq                                               int64
	)
	if err := row.Scan(&id, &rev, &deleted, &local, &seq, &body, &ancestryJSON, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	doc := &models.Document{
		ID:        id,
		Rev:       rev,
		Entity:    entity,
		Deleted:   deleted == 1,
		Seq:       seq,
		CreatedAt: parseStoredTime(createdAt),
		UpdatedAt: parseStoredTime(updatedAt),
	}
	if err := json.Unmarshal([]byte(body), &doc.Fields); err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	_ = json.Unmarshal([]byte(ancestryJSON), &doc.Ancestry)
	doc.Local = local == 1
	return doc, nil
}

func encodeDocument(doc *models.Document) (body, ancestry string, err error) {
	b, err := json.Marshal(doc.Fields)
	if err != nil {
		return "", "", fmt.Errorf("encode body: %w", err)
	}
	a, err := json.Marshal(doc.Ancestry)
	if err != nil {
		return "", "", fmt.Errorf("encode ancestry: %w", err)
	}
	if doc.Ancestry == nil {
		a = []byte("[]")
	}
	return string(b), string(a), nil
}

func parseStoredTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func copyFields(fields map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func orderBy(sort []SortOrder) string {
	var clauses []string
	for _, so := range sort {
		if !plainFieldName(so.Field) {
			continue
		}
		dir := " ASC"
		if so.Desc {
			dir = " DESC"
		}
		// Timestamps live in real columns, not the body.
		switch so.Field {
		case "created_at", "updated_at":
			clauses = append(clauses, so.Field+dir)
		default:
			clauses = append(clauses, "json_extract(body, '$."+so.Field+"')"+dir)
		}
	}
	if len(clauses) == 0 {
		return " ORDER BY doc_id"
	}
	return " ORDER BY " + strings.Join(clauses, ", ")
}
