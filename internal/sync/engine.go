package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tillsync/tillsync/internal/config"
	"github.com/tillsync/tillsync/internal/events"
	"github.com/tillsync/tillsync/internal/models"
	"github.com/tillsync/tillsync/internal/store"
	"github.com/tillsync/tillsync/internal/transport"
)

// State names a session's lifecycle phase.
type State string

const (
	StateIdle   State = "idle"
	StateActive State = "active"
	StatePaused State = "paused"
	StateError  State = "error"
	StateDenied State = "denied"
)

// Status is a point-in-time snapshot of one entity's replication session.
type Status struct {
	Entity    models.EntityType `json:"entity"`
	State     State             `json:"state"`
	LocalSeq  int64             `json:"local_seq"`
	RemoteSeq int64             `json:"remote_seq"`
	Pushed    int64             `json:"pushed"`
	Pulled    int64             `json:"pulled"`
	Pending   int64             `json:"pending"`
	LastSync  time.Time         `json:"last_sync,omitempty"`
	LastError string            `json:"last_error,omitempty"`
}

// Result summarizes a one-shot exchange.
type Result struct {
	Entity    models.EntityType `json:"entity"`
	Pushed    int               `json:"pushed"`
	Pulled    int               `json:"pulled"`
	Conflicts int               `json:"conflicts"`
	Duration  time.Duration     `json:"duration"`
}

// Engine runs one replication session per entity type against a remote
// endpoint. Sessions exchange whole documents with revision tokens; the store
// resolves what each pulled revision means locally, so replaying the same
// batch twice is harmless.
type Engine struct {
	store  store.Store
	client transport.Client
	bus    *events.Bus
	logger *events.Logger
	cfg    config.SyncConfig

	mu       sync.Mutex
	sessions map[models.EntityType]*session
}

// NewEngine creates a sync engine.
func NewEngine(st store.Store, client transport.Client, bus *events.Bus, cfg config.SyncConfig, logger *events.Logger) *Engine {
	return &Engine{
		store:    st,
		client:   client,
		bus:      bus,
		logger:   logger.WithField("component", "sync_engine"),
		cfg:      cfg,
		sessions: make(map[models.EntityType]*session),
	}
}

// Entities returns the entity types this engine replicates.
func (e *Engine) Entities() []models.EntityType {
	if len(e.cfg.Entities) == 0 {
		return models.RegisteredEntities()
	}
	out := make([]models.EntityType, 0, len(e.cfg.Entities))
	for _, name := range e.cfg.Entities {
		entity, err := models.ParseEntityType(name)
		if err != nil {
			e.logger.WithField("entity", name).Warn("Skipping unknown entity in sync config")
			continue
		}
		out = append(out, entity)
	}
	return out
}

// SyncOnce performs a single push/pull exchange for one entity type and
// returns what moved. It refuses to overlap with a live session for the same
// entity.
func (e *Engine) SyncOnce(ctx context.Context, entity models.EntityType) (*Result, error) {
	e.mu.Lock()
	if _, running := e.sessions[entity]; running {
		e.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", entity, models.ErrSyncInProgress)
	}
	e.mu.Unlock()

	s := newSession(e, entity)
	return s.syncOnce(ctx)
}

// SyncAll runs a one-shot exchange for every configured entity type. It keeps
// going past per-entity failures and reports them joined.
func (e *Engine) SyncAll(ctx context.Context) ([]*Result, error) {
	var (
		results []*Result
		errs    []error
	)
	for _, entity := range e.Entities() {
		result, err := e.SyncOnce(ctx, entity)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", entity, err))
			if errors.Is(err, models.ErrSyncDenied) || ctx.Err() != nil {
				break
			}
			continue
		}
		results = append(results, result)
	}
	return results, errors.Join(errs...)
}

// StartLive begins continuous replication for one entity type. The session
// pushes local writes as they happen and applies the remote live feed until
// Stop or a terminal failure.
func (e *Engine) StartLive(ctx context.Context, entity models.EntityType) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, running := e.sessions[entity]; running {
		return fmt.Errorf("%s: %w", entity, models.ErrSyncInProgress)
	}

	s := newSession(e, entity)
	sessionCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	e.sessions[entity] = s

	go func() {
		s.runLive(sessionCtx)
		e.mu.Lock()
		if e.sessions[entity] == s {
			delete(e.sessions, entity)
		}
		e.mu.Unlock()
	}()

	return nil
}

// StartAllLive starts live sessions for every configured entity type.
func (e *Engine) StartAllLive(ctx context.Context) error {
	var errs []error
	for _, entity := range e.Entities() {
		if err := e.StartLive(ctx, entity); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stop ends the live session for one entity type, if any, and waits for it to
// wind down.
func (e *Engine) Stop(entity models.EntityType) {
	e.mu.Lock()
	s := e.sessions[entity]
	e.mu.Unlock()

	if s == nil {
		return
	}
	s.cancel()
	<-s.done
}

// StopAll ends every live session.
func (e *Engine) StopAll() {
	e.mu.Lock()
	active := make([]*session, 0, len(e.sessions))
	for _, s := range e.sessions {
		active = append(active, s)
	}
	e.mu.Unlock()

	for _, s := range active {
		s.cancel()
	}
	for _, s := range active {
		<-s.done
	}
}

// Status reports every configured entity's session state. Entities with no
// running session show as idle with their stored checkpoint.
func (e *Engine) Status(ctx context.Context) map[models.EntityType]Status {
	out := make(map[models.EntityType]Status)

	for _, entity := range e.Entities() {
		e.mu.Lock()
		s := e.sessions[entity]
		e.mu.Unlock()

		if s != nil {
			out[entity] = s.snapshot()
			continue
		}

		status := Status{Entity: entity, State: StateIdle}
		if cp, err := e.store.LoadCheckpoint(ctx, entity); err == nil {
			status.LocalSeq = cp.LocalSeq
			status.RemoteSeq = cp.RemoteSeq
		}
		if pending, err := e.store.PendingCount(ctx, entity); err == nil {
			status.Pending = pending
		}
		out[entity] = status
	}
	return out
}
