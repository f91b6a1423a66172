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

// session replicates one entity type. One-shot sessions run a single
// push/pull exchange; live sessions keep a change feed open and push local
// writes as the store reports them.
type session struct {
	entity models.EntityType
	store  store.Store
	client transport.Client
	bus    *events.Bus
	logger *events.Logger
	cfg    config.SyncConfig

	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	status Status
}

func newSession(e *Engine, entity models.EntityType) *session {
	return &session{
		entity: entity,
		store:  e.store,
		client: e.client,
		bus:    e.bus,
		logger: e.logger.WithField("entity", entity),
		cfg:    e.cfg,
		done:   make(chan struct{}),
		status: Status{Entity: entity, State: StateIdle},
	}
}

// syncOnce runs one push/pull exchange.
func (s *session) syncOnce(ctx context.Context) (*Result, error) {
	start := time.Now()
	s.setState(StateActive, nil)
	s.publish(events.EventActive, 0, nil)

	pushed, conflicts, err := s.push(ctx)
	if err != nil {
		return nil, s.fail(err)
	}

	pulled, err := s.pull(ctx)
	if err != nil {
		return nil, s.fail(err)
	}

	s.setState(StateIdle, nil)
	s.publish(events.EventComplete, pushed+pulled, nil)

	result := &Result{
		Entity:    s.entity,
		Pushed:    pushed,
		Pulled:    pulled,
		Conflicts: conflicts,
		Duration:  time.Since(start),
	}
	s.logger.WithFields(map[string]interface{}{
		"pushed":    pushed,
		"pulled":    pulled,
		"conflicts": conflicts,
		"duration":  result.Duration,
	}).Info("Sync exchange completed")
	return result, nil
}

// runLive keeps replication going until ctx is cancelled or access is
// revoked. Transient failures pause the session and retry with doubling
// backoff.
func (s *session) runLive(ctx context.Context) {
	defer close(s.done)

	backoff := s.cfg.RetryBackoff
	for {
		s.setState(StateActive, nil)
		s.publish(events.EventActive, 0, nil)

		connected, err := s.liveCycle(ctx)
		if ctx.Err() != nil {
			s.setState(StateIdle, nil)
			return
		}
		if errors.Is(err, models.ErrSyncDenied) {
			s.setState(StateDenied, err)
			s.publish(events.EventDenied, 0, err)
			s.logger.WithError(err).Error("Sync denied, session stopped")
			return
		}

		if connected {
			backoff = s.cfg.RetryBackoff
		}
		s.setState(StatePaused, err)
		s.publish(events.EventPaused, 0, err)
		s.logger.WithError(err).WithField("backoff", backoff).Warn("Sync paused, will retry")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			s.setState(StateIdle, nil)
			return
		}
		backoff *= 2
		if backoff > s.cfg.MaxBackoff {
			backoff = s.cfg.MaxBackoff
		}
	}
}

// liveCycle catches up in both directions, then services the live feed and
// the store's write notifications until something breaks. The connected
// return tells the caller whether the feed was established, so backoff resets
// only after real progress.
func (s *session) liveCycle(ctx context.Context) (bool, error) {
	if _, _, err := s.push(ctx); err != nil {
		return false, err
	}
	pulled, err := s.pull(ctx)
	if err != nil {
		return false, err
	}

	cp, err := s.store.LoadCheckpoint(ctx, s.entity)
	if err != nil {
		return false, err
	}

	feed, feedErrs, err := s.client.LiveChanges(ctx, s.entity, cp.RemoteSeq)
	if err != nil {
		return false, err
	}

	notify, cancelWatch := s.store.Watch(s.entity)
	defer cancelWatch()

	s.publish(events.EventComplete, pulled, nil)

	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()

		case change, ok := <-feed:
			if !ok {
				return true, fmt.Errorf("live feed closed")
			}
			if err := s.applyRemote(ctx, change, cp); err != nil {
				s.logger.WithError(err).WithField("id", change.Doc.ID).Error("Failed to apply remote change")
			}

		case err, ok := <-feedErrs:
			if !ok {
				return true, fmt.Errorf("live feed closed")
			}
			return true, err

		case <-notify:
			if _, _, err := s.push(ctx); err != nil {
				return true, err
			}
		}
	}
}

func (s *session) applyRemote(ctx context.Context, change transport.RemoteChange, cp *models.SyncCheckpoint) error {
	if err := s.store.ApplyRemote(ctx, s.entity, change.Doc); err != nil {
		return err
	}
	if change.Seq > cp.RemoteSeq {
		cp.RemoteSeq = change.Seq
		if err := s.store.SaveCheckpoint(ctx, cp); err != nil {
			s.logger.WithError(err).Warn("Failed to save checkpoint")
		}
	}

	s.mu.Lock()
	s.status.Pulled++
	s.status.RemoteSeq = cp.RemoteSeq
	s.status.LastSync = time.Now().UTC()
	s.mu.Unlock()

	s.publish(events.EventChange, 1, nil)
	return nil
}

// push ships local-origin changes past the checkpoint to the remote in
// batches. Documents the remote accepts are confirmed in place; rejected
// writes are left for the pull side to reconcile as conflicts.
func (s *session) push(ctx context.Context) (pushed, conflicts int, err error) {
	cp, err := s.store.LoadCheckpoint(ctx, s.entity)
	if err != nil {
		return 0, 0, err
	}

	for {
		changes, lastSeq, err := s.store.ChangesSince(ctx, s.entity, cp.LocalSeq, s.cfg.BatchSize)
		if err != nil {
			return pushed, conflicts, err
		}
		if len(changes) == 0 {
			break
		}

		docs := make([]*models.Document, 0, len(changes))
		for _, change := range changes {
			if change.Local {
				docs = append(docs, change.Doc)
			}
		}

		if len(docs) > 0 {
			results, err := s.client.BulkDocs(ctx, s.entity, docs)
			if err != nil {
				return pushed, conflicts, err
			}
			for _, res := range results {
				switch {
				case res.OK:
					pushed++
					if err := s.store.MarkSynced(ctx, s.entity, res.ID, res.Rev); err != nil {
						s.logger.WithError(err).WithField("id", res.ID).Warn("Failed to confirm synced document")
					}
				case res.Conflict():
					// Remote holds a revision ours does not descend from.
					// The next pull brings it down and the store records
					// the sibling for the resolver.
					conflicts++
					s.logger.WithField("id", res.ID).Warn("Push rejected, remote revision diverged")
				default:
					s.logger.WithFields(map[string]interface{}{
						"id":     res.ID,
						"error":  res.Error,
						"reason": res.Reason,
					}).Error("Remote rejected document")
				}
			}
		}

		cp.LocalSeq = lastSeq
		if err := s.store.SaveCheckpoint(ctx, cp); err != nil {
			return pushed, conflicts, err
		}

		if len(changes) < s.cfg.BatchSize {
			break
		}
	}

	pending, perr := s.store.PendingCount(ctx, s.entity)

	s.mu.Lock()
	s.status.Pushed += int64(pushed)
	s.status.LocalSeq = cp.LocalSeq
	if pushed > 0 {
		s.status.LastSync = time.Now().UTC()
	}
	if perr == nil {
		s.status.Pending = pending
	}
	s.mu.Unlock()

	return pushed, conflicts, nil
}

// pull drains the remote change feed past the checkpoint and merges each
// document into the store.
func (s *session) pull(ctx context.Context) (int, error) {
	cp, err := s.store.LoadCheckpoint(ctx, s.entity)
	if err != nil {
		return 0, err
	}

	pulled := 0
	for {
		res, err := s.client.Changes(ctx, s.entity, cp.RemoteSeq, s.cfg.BatchSize)
		if err != nil {
			return pulled, err
		}

		for _, change := range res.Changes {
			if err := s.store.ApplyRemote(ctx, s.entity, change.Doc); err != nil {
				s.logger.WithError(err).WithField("id", change.Doc.ID).Error("Failed to apply remote change")
				continue
			}
			pulled++
		}

		if res.LastSeq > cp.RemoteSeq {
			cp.RemoteSeq = res.LastSeq
			if err := s.store.SaveCheckpoint(ctx, cp); err != nil {
				return pulled, err
			}
		}

		if len(res.Changes) < s.cfg.BatchSize {
			break
		}
	}

	s.mu.Lock()
	s.status.Pulled += int64(pulled)
	s.status.RemoteSeq = cp.RemoteSeq
	if pulled > 0 {
		s.status.LastSync = time.Now().UTC()
	}
	s.mu.Unlock()

	if pulled > 0 {
		s.publish(events.EventChange, pulled, nil)
	}
	return pulled, nil
}

func (s *session) fail(err error) error {
	if errors.Is(err, models.ErrSyncDenied) {
		s.setState(StateDenied, err)
		s.publish(events.EventDenied, 0, err)
		return err
	}
	s.setState(StateError, err)
	s.publish(events.EventError, 0, err)
	return err
}

func (s *session) setState(state State, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.status.State = state
	if err != nil {
		s.status.LastError = err.Error()
	} else if state == StateActive {
		s.status.LastError = ""
	}
}

func (s *session) snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *session) publish(typ events.EventType, docs int, err error) {
	s.mu.Lock()
	pending := s.status.Pending
	s.mu.Unlock()

	s.bus.Publish(events.Event{
		Type:    typ,
		Entity:  s.entity,
		Docs:    docs,
		Pending: int(pending),
		Err:     err,
	})
}
