package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tillsync/tillsync/internal/config"
	"github.com/tillsync/tillsync/internal/events"
	"github.com/tillsync/tillsync/internal/models"
	"github.com/tillsync/tillsync/internal/store"
	"github.com/tillsync/tillsync/internal/transport"
	"github.com/tillsync/tillsync/test/testutil"
)

func newTestEngine(t *testing.T, entities ...string) (*Engine, *store.SQLiteStore, *transport.MockTransport, *events.Bus) {
	t.Helper()

	st := testutil.NewTestStore(t)
	mock := transport.NewMockTransport()
	bus := events.NewBus()
	cfg := config.SyncConfig{
		Entities:     entities,
		BatchSize:    10,
		RetryBackoff: 10 * time.Millisecond,
		MaxBackoff:   50 * time.Millisecond,
	}
	engine := NewEngine(st, mock, bus, cfg, testutil.NewTestLogger())
	t.Cleanup(engine.StopAll)
	return engine, st, mock, bus
}

func pendingSaleFields(cashier string) map[string]interface{} {
	return map[string]interface{}{
		"cashier_id":  cashier,
		"sync_status": models.SyncPending,
		"items": []interface{}{
			map[string]interface{}{"product_id": "prod-1", "quantity": 2.0, "price": 5.0},
		},
		"total_amount": 10.0,
	}
}

func remoteProduct(id string, fields map[string]interface{}) *models.Document {
	now := time.Now().UTC()
	return &models.Document{
		ID:        id,
		Entity:    models.EntityProduct,
		Rev:       models.NewRev("", fields, false),
		Fields:    fields,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestSyncOncePush(t *testing.T) {
	engine, st, mock, _ := newTestEngine(t)
	ctx := context.Background()

	doc, err := st.Create(ctx, models.EntitySale, pendingSaleFields("cashier-1"))
	require.NoError(t, err)

	result, err := engine.SyncOnce(ctx, models.EntitySale)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Pushed)
	assert.Equal(t, 0, result.Conflicts)
	// The pull side sees our own push echoed back; the store replays it as a
	// no-op.
	assert.Equal(t, 1, result.Pulled)

	t.Run("remote holds the document", func(t *testing.T) {
		remote := mock.Doc(models.EntitySale, doc.ID)
		require.NotNil(t, remote)
		assert.Equal(t, doc.Rev, remote.Rev)
	})

	t.Run("local copy confirmed as synced", func(t *testing.T) {
		got, err := st.Get(ctx, models.EntitySale, doc.ID)
		require.NoError(t, err)
		assert.Equal(t, models.SyncSynced, got.String("sync_status"))
		assert.Equal(t, doc.Rev, got.Rev)
	})

	t.Run("checkpoints advanced", func(t *testing.T) {
		cp, err := st.LoadCheckpoint(ctx, models.EntitySale)
		require.NoError(t, err)
		assert.Equal(t, doc.Seq, cp.LocalSeq)
		assert.Equal(t, mock.LastSeq(), cp.RemoteSeq)
	})

	t.Run("replay moves nothing", func(t *testing.T) {
		again, err := engine.SyncOnce(ctx, models.EntitySale)
		require.NoError(t, err)
		assert.Equal(t, 0, again.Pushed)
		assert.Equal(t, 0, again.Pulled)
	})
}

func TestSyncOncePull(t *testing.T) {
	engine, st, mock, _ := newTestEngine(t)
	ctx := context.Background()

	mock.SeedDoc(models.EntityProduct, remoteProduct("prod-100",
		map[string]interface{}{"name": "Milk", "price": 5.0}))
	mock.SeedDoc(models.EntityProduct, remoteProduct("prod-101",
		map[string]interface{}{"name": "Bread", "price": 10.0}))

	result, err := engine.SyncOnce(ctx, models.EntityProduct)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Pushed)
	assert.Equal(t, 2, result.Pulled)

	got, err := st.Get(ctx, models.EntityProduct, "prod-100")
	require.NoError(t, err)
	assert.Equal(t, "Milk", got.String("name"))
	assert.False(t, got.Local, "pulled documents must not be pushed back")

	cp, err := st.LoadCheckpoint(ctx, models.EntityProduct)
	require.NoError(t, err)
	assert.Equal(t, mock.LastSeq(), cp.RemoteSeq)

	t.Run("pulled documents are not echoed on next push", func(t *testing.T) {
		before := len(mock.BulkRequests)
		_, err := engine.SyncOnce(ctx, models.EntityProduct)
		require.NoError(t, err)
		assert.Equal(t, before, len(mock.BulkRequests))
	})
}

func TestSyncOnceConflict(t *testing.T) {
	engine, st, mock, _ := newTestEngine(t)
	ctx := context.Background()

	fields := map[string]interface{}{"_id": "prod-1", "name": "Milk", "price": 5.0}
	local, err := st.Create(ctx, models.EntityProduct, fields)
	require.NoError(t, err)

	// The server already holds a revision ours does not descend from.
	foreign := remoteProduct("prod-1", map[string]interface{}{"name": "Milk", "price": 6.0})
	mock.SeedDoc(models.EntityProduct, foreign)

	result, err := engine.SyncOnce(ctx, models.EntityProduct)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Pushed)
	assert.Equal(t, 1, result.Conflicts)
	assert.Equal(t, 1, result.Pulled)

	t.Run("both versions survive locally", func(t *testing.T) {
		siblings, err := st.Siblings(ctx, models.EntityProduct, local.ID)
		require.NoError(t, err)
		assert.Len(t, siblings, 2)

		ids, err := st.Conflicts(ctx, models.EntityProduct)
		require.NoError(t, err)
		assert.Contains(t, ids, local.ID)
	})
}

func TestSyncOnceDenied(t *testing.T) {
	t.Run("denied on push", func(t *testing.T) {
		engine, st, mock, _ := newTestEngine(t)
		ctx := context.Background()

		_, err := st.Create(ctx, models.EntitySale, pendingSaleFields("cashier-1"))
		require.NoError(t, err)

		mock.BulkError = &models.RemoteError{StatusCode: 401, Code: "unauthorized", Reason: "credentials expired"}

		_, err = engine.SyncOnce(ctx, models.EntitySale)
		assert.ErrorIs(t, err, models.ErrSyncDenied)
	})

	t.Run("denied on pull", func(t *testing.T) {
		engine, _, mock, bus := newTestEngine(t)
		ch, cancel := bus.Subscribe(events.EventDenied)
		defer cancel()

		mock.ChangesError = &models.RemoteError{StatusCode: 403, Code: "forbidden", Reason: "device revoked"}

		_, err := engine.SyncOnce(context.Background(), models.EntityProduct)
		assert.ErrorIs(t, err, models.ErrSyncDenied)

		select {
		case event := <-ch:
			assert.Equal(t, events.EventDenied, event.Type)
		case <-time.After(time.Second):
			t.Fatal("expected a denied event")
		}
	})

	t.Run("server error is not denied", func(t *testing.T) {
		engine, _, mock, _ := newTestEngine(t)
		mock.ChangesError = &models.RemoteError{StatusCode: 500, Code: "internal", Reason: "boom"}

		_, err := engine.SyncOnce(context.Background(), models.EntityProduct)
		require.Error(t, err)
		assert.NotErrorIs(t, err, models.ErrSyncDenied)
	})
}

func TestSyncAll(t *testing.T) {
	engine, st, mock, _ := newTestEngine(t, "product", "sale")
	ctx := context.Background()

	_, err := st.Create(ctx, models.EntitySale, pendingSaleFields("cashier-1"))
	require.NoError(t, err)
	mock.SeedDoc(models.EntityProduct, remoteProduct("prod-1",
		map[string]interface{}{"name": "Milk", "price": 5.0}))

	results, err := engine.SyncAll(ctx)
	require.NoError(t, err)
	require.Len(t, results, 2)

	byEntity := map[models.EntityType]*Result{}
	for _, r := range results {
		byEntity[r.Entity] = r
	}
	assert.Equal(t, 1, byEntity[models.EntityProduct].Pulled)
	assert.Equal(t, 1, byEntity[models.EntitySale].Pushed)
}

func TestEntities(t *testing.T) {
	t.Run("default covers every registered entity", func(t *testing.T) {
		engine, _, _, _ := newTestEngine(t)
		assert.ElementsMatch(t, models.RegisteredEntities(), engine.Entities())
	})

	t.Run("configured subset, unknowns skipped", func(t *testing.T) {
		engine, _, _, _ := newTestEngine(t, "product", "gadget")
		assert.Equal(t, []models.EntityType{models.EntityProduct}, engine.Entities())
	})
}

func TestLiveSession(t *testing.T) {
	engine, st, mock, bus := newTestEngine(t)
	ctx := context.Background()

	ch, cancel := bus.Subscribe(events.EventComplete)
	defer cancel()

	require.NoError(t, engine.StartLive(ctx, models.EntityProduct))

	// Wait for the initial catch-up so the feed is established.
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("live session did not reach steady state")
	}

	t.Run("overlapping session refused", func(t *testing.T) {
		_, err := engine.SyncOnce(ctx, models.EntityProduct)
		assert.ErrorIs(t, err, models.ErrSyncInProgress)

		err = engine.StartLive(ctx, models.EntityProduct)
		assert.ErrorIs(t, err, models.ErrSyncInProgress)
	})

	t.Run("remote change arrives through the feed", func(t *testing.T) {
		mock.PushLive(models.EntityProduct, remoteProduct("prod-live",
			map[string]interface{}{"name": "Butter", "price": 15.0}))

		require.Eventually(t, func() bool {
			_, err := st.Get(ctx, models.EntityProduct, "prod-live")
			return err == nil
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("local write is pushed as it happens", func(t *testing.T) {
		doc, err := st.Create(ctx, models.EntityProduct,
			map[string]interface{}{"name": "Eggs", "price": 8.0})
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			return mock.Doc(models.EntityProduct, doc.ID) != nil
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("status reports an active session", func(t *testing.T) {
		status := engine.Status(ctx)[models.EntityProduct]
		assert.Equal(t, StateActive, status.State)
	})

	engine.Stop(models.EntityProduct)

	t.Run("stopped session shows idle", func(t *testing.T) {
		status := engine.Status(ctx)[models.EntityProduct]
		assert.Equal(t, StateIdle, status.State)
	})
}

func TestLiveSessionDenied(t *testing.T) {
	engine, _, mock, bus := newTestEngine(t)

	ch, cancel := bus.Subscribe(events.EventDenied)
	defer cancel()

	mock.StreamError = &models.RemoteError{StatusCode: 401, Code: "unauthorized", Reason: "expired"}

	require.NoError(t, engine.StartLive(context.Background(), models.EntityProduct))

	select {
	case event := <-ch:
		assert.ErrorIs(t, event.Err, models.ErrSyncDenied)
	case <-time.After(2 * time.Second):
		t.Fatal("expected the session to stop with a denied event")
	}

	// A terminal session deregisters itself; a new one may start.
	require.Eventually(t, func() bool {
		return engine.Status(context.Background())[models.EntityProduct].State == StateIdle
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLiveSessionRetriesAfterError(t *testing.T) {
	engine, _, mock, bus := newTestEngine(t)

	pausedCh, cancelPaused := bus.Subscribe(events.EventPaused)
	defer cancelPaused()
	completeCh, cancelComplete := bus.Subscribe(events.EventComplete)
	defer cancelComplete()

	mock.SetChangesError(&models.RemoteError{StatusCode: 500, Code: "internal", Reason: "boom"})

	require.NoError(t, engine.StartLive(context.Background(), models.EntityProduct))

	select {
	case <-pausedCh:
	case <-time.After(2 * time.Second):
		t.Fatal("expected the session to pause on a transient failure")
	}

	// Heal the remote; the next retry should reach steady state.
	mock.SetChangesError(nil)

	select {
	case <-completeCh:
	case <-time.After(2 * time.Second):
		t.Fatal("expected the session to recover")
	}
}
