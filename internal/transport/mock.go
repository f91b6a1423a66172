package transport

import (
	"context"
	"sync"

	"github.com/tillsync/tillsync/internal/models"
)

// MockTransport is an in-memory stand-in for a remote replication endpoint.
// It keeps a per-entity document map and an ordered change log, applies
// BulkDocs with the same optimistic-concurrency check a real server performs,
// and serves Changes from the log. Tests drive the live feed through
// PushLive.
type MockTransport struct {
	mu sync.Mutex

	// Error injection
	PingError    error
	ChangesError error
	BulkError    error
	StreamError  error

	// Request tracking
	BulkRequests    [][]*models.Document
	ChangesRequests []int64

	docs    map[models.EntityType]map[string]*models.Document
	log     map[models.EntityType][]RemoteChange
	nextSeq int64

	feeds  []chan RemoteChange
	closed bool
}

// NewMockTransport creates an empty mock remote.
func NewMockTransport() *MockTransport {
	return &MockTransport{
		docs:    make(map[models.EntityType]map[string]*models.Document),
		log:     make(map[models.EntityType][]RemoteChange),
		nextSeq: 0,
	}
}

// Ping reports configured reachability.
func (m *MockTransport) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.PingError
}

// Changes returns logged changes for the entity after the given sequence.
func (m *MockTransport) Changes(ctx context.Context, entity models.EntityType, since int64, limit int) (*ChangesResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ChangesRequests = append(m.ChangesRequests, since)

	if m.ChangesError != nil {
		return nil, m.ChangesError
	}

	result := &ChangesResult{LastSeq: since}
	for _, change := range m.log[entity] {
		if change.Seq <= since {
			continue
		}
		result.Changes = append(result.Changes, change)
		result.LastSeq = change.Seq
		if limit > 0 && len(result.Changes) >= limit {
			break
		}
	}
	return result, nil
}

// BulkDocs applies pushed documents, rejecting writes whose revision does not
// descend from the stored one.
func (m *MockTransport) BulkDocs(ctx context.Context, entity models.EntityType, docs []*models.Document) ([]BulkDocResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.BulkRequests = append(m.BulkRequests, docs)

	if m.BulkError != nil {
		return nil, m.BulkError
	}

	results := make([]BulkDocResult, 0, len(docs))
	for _, doc := range docs {
		if m.acceptLocked(entity, doc) {
			results = append(results, BulkDocResult{ID: doc.ID, Rev: doc.Rev, OK: true})
		} else {
			results = append(results, BulkDocResult{
				ID:     doc.ID,
				Error:  "conflict",
				Reason: "Document update conflict.",
			})
		}
	}
	return results, nil
}

// acceptLocked stores doc if its revision descends from the current one.
func (m *MockTransport) acceptLocked(entity models.EntityType, doc *models.Document) bool {
	byID := m.docs[entity]
	if byID == nil {
		byID = make(map[string]*models.Document)
		m.docs[entity] = byID
	}

	if current, ok := byID[doc.ID]; ok && current.Rev != doc.Rev {
		descends := false
		for _, ancestor := range doc.Ancestry {
			if ancestor == current.Rev {
				descends = true
				break
			}
		}
		if !descends {
			return false
		}
	}

	stored := doc.Clone()
	byID[doc.ID] = stored

	m.nextSeq++
	change := RemoteChange{Doc: stored, Seq: m.nextSeq, Deleted: stored.Deleted}
	m.log[entity] = append(m.log[entity], change)
	return true
}

// LiveChanges replays logged changes after since, then streams whatever
// PushLive publishes.
func (m *MockTransport) LiveChanges(ctx context.Context, entity models.EntityType, since int64) (<-chan RemoteChange, <-chan error, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.StreamError != nil {
		return nil, nil, m.StreamError
	}

	feed := make(chan RemoteChange, 64)
	errs := make(chan error, 1)

	for _, change := range m.log[entity] {
		if change.Seq > since {
			feed <- change
		}
	}
	m.feeds = append(m.feeds, feed)

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, f := range m.feeds {
			if f == feed {
				m.feeds = append(m.feeds[:i], m.feeds[i+1:]...)
				close(feed)
				close(errs)
				return
			}
		}
	}()

	return feed, errs, nil
}

// Close shuts all open feeds.
func (m *MockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.closed {
		m.closed = true
		for _, feed := range m.feeds {
			close(feed)
		}
		m.feeds = nil
	}
	return nil
}

// Helper methods for test setup

// SetPingError changes the injected probe failure while goroutines may be
// probing.
func (m *MockTransport) SetPingError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PingError = err
}

// SetChangesError changes the injected pull failure.
func (m *MockTransport) SetChangesError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ChangesError = err
}

// SeedDoc stores a document server-side without conflict checking and logs a
// change for it, as if another client had pushed it.
func (m *MockTransport) SeedDoc(entity models.EntityType, doc *models.Document) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	byID := m.docs[entity]
	if byID == nil {
		byID = make(map[string]*models.Document)
		m.docs[entity] = byID
	}
	stored := doc.Clone()
	byID[doc.ID] = stored

	m.nextSeq++
	change := RemoteChange{Doc: stored, Seq: m.nextSeq, Deleted: stored.Deleted}
	m.log[entity] = append(m.log[entity], change)
	m.deliverLocked(change)
	return m.nextSeq
}

// PushLive delivers a change on every open live feed.
func (m *MockTransport) PushLive(entity models.EntityType, doc *models.Document) int64 {
	return m.SeedDoc(entity, doc)
}

// Doc returns the server's copy of a document, or nil.
func (m *MockTransport) Doc(entity models.EntityType, id string) *models.Document {
	m.mu.Lock()
	defer m.mu.Unlock()

	if doc, ok := m.docs[entity][id]; ok {
		return doc.Clone()
	}
	return nil
}

// LastSeq returns the highest sequence the mock has assigned.
func (m *MockTransport) LastSeq() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextSeq
}

func (m *MockTransport) deliverLocked(change RemoteChange) {
	for _, feed := range m.feeds {
		select {
		case feed <- change:
		default:
		}
	}
}
