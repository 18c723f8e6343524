package sync_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/offsync/internal/cache"
	"github.com/TheMichaelB/offsync/internal/connectivity"
	"github.com/TheMichaelB/offsync/internal/events"
	"github.com/TheMichaelB/offsync/internal/models"
	"github.com/TheMichaelB/offsync/internal/outbox"
	"github.com/TheMichaelB/offsync/internal/services/sync"
	"github.com/TheMichaelB/offsync/internal/state"
	"github.com/TheMichaelB/offsync/internal/transport"
)

type env struct {
	svc    *sync.Service
	cache  *cache.Cache
	outbox *outbox.Outbox
	remote *transport.MockRemote
	signal *connectivity.ManualSignal
	events <-chan models.DomainEvent
}

func newEnv(t *testing.T, online bool, mutate ...func(*outbox.Options)) *env {
	t.Helper()

	logger := events.Discard()
	store := state.NewMockStore()
	remote := transport.NewMockRemote()

	c := cache.New(store, cache.DefaultOptions(), logger)

	opts := outbox.DefaultOptions()
	opts.Retry = models.RetryPolicy{MaxAttempts: 5, BaseDelay: 10 * time.Millisecond, MaxDelay: 100 * time.Millisecond}
	opts.FailedHold = 0
	for _, fn := range mutate {
		fn(&opts)
	}
	ob := outbox.New(store, remote, opts, logger)
	require.NoError(t, ob.Load())

	signal := connectivity.NewManualSignal(online)
	monitor := connectivity.NewMonitor(signal, connectivity.Options{}, logger)
	ob.SetGate(monitor.IsOnline)
	monitor.SetDrainTrigger(ob.Kick)

	bus := events.NewBus(32, logger)
	ch, unsubscribe := bus.Subscribe()

	svc := sync.NewService(c, ob, remote, monitor, bus, sync.Options{RequestTimeout: time.Second}, logger)

	require.NoError(t, monitor.Start(context.Background(), func() bool { return ob.Len() > 0 }))
	require.Eventually(t, signal.Attached, time.Second, time.Millisecond)

	t.Cleanup(func() {
		monitor.Stop()
		ob.Close()
		unsubscribe()
	})

	return &env{svc: svc, cache: c, outbox: ob, remote: remote, signal: signal, events: ch}
}

func nextEvent(t *testing.T, ch <-chan models.DomainEvent) models.DomainEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no domain event published")
		return models.DomainEvent{}
	}
}

func field(t *testing.T, payload json.RawMessage, key string) any {
	t.Helper()
	rec, err := models.DecodeRecord(payload)
	require.NoError(t, err)
	return rec[key]
}

func TestCreateOnlineIsConfirmed(t *testing.T) {
	e := newEnv(t, true)

	res, err := e.svc.CreateRecord(context.Background(), "med", json.RawMessage(`{"name":"A"}`))
	require.NoError(t, err)
	assert.Equal(t, sync.OutcomeConfirmed, res.Outcome)
	assert.Equal(t, "srv-1", res.RecordID)
	assert.Equal(t, "srv-1", field(t, res.Record, "id"))

	entry, ok := e.svc.Get("med", "srv-1")
	require.True(t, ok)
	assert.Equal(t, models.CacheFresh, entry.State)
	assert.Equal(t, "A", field(t, entry.Payload, "name"))

	ev := nextEvent(t, e.events)
	assert.Equal(t, models.EventRecordCreated, ev.Kind)
	assert.Equal(t, "srv-1", ev.RecordID)
	assert.False(t, ev.CompletedAt.IsZero())

	assert.Zero(t, e.outbox.Len())
}

func TestOfflineCreateSyncsOnReconnect(t *testing.T) {
	e := newEnv(t, false)

	res, err := e.svc.CreateRecord(context.Background(), "med", json.RawMessage(`{"name":"A"}`))
	require.NoError(t, err)
	assert.Equal(t, sync.OutcomePendingSync, res.Outcome)
	require.True(t, models.NewScopeKey("med", res.RecordID).IsLocal())

	entry, ok := e.svc.Get("med", res.RecordID)
	require.True(t, ok)
	assert.Equal(t, models.CacheOptimistic, entry.State)
	assert.Equal(t, "A", field(t, entry.Payload, "name"))

	pending := e.outbox.ListPending()
	require.Len(t, pending, 1)
	assert.Equal(t, models.StatusPending, pending[0].Status)
	assert.Empty(t, e.remote.Calls())

	e.signal.Set(true)

	require.Eventually(t, func() bool {
		entry, ok := e.svc.Get("med", res.RecordID)
		return ok && entry.State == models.CacheFresh
	}, time.Second, 5*time.Millisecond)

	entry, _ = e.svc.Get("med", res.RecordID)
	assert.Equal(t, "srv-1", field(t, entry.Payload, "id"))
	assert.Equal(t, "A", field(t, entry.Payload, "name"))

	ev := nextEvent(t, e.events)
	assert.Equal(t, models.EventRecordCreated, ev.Kind)
	assert.Equal(t, res.ItemID, ev.ItemID)
	assert.Equal(t, 1, e.remote.Records("med"))
}

func TestOfflineUpdateThenDeleteReplayInOrder(t *testing.T) {
	e := newEnv(t, false)
	e.remote.Seed("med", "a", json.RawMessage(`{"id":"a","name":"A"}`))
	ctx := context.Background()

	_, err := e.svc.UpdateRecord(ctx, "med", "a", json.RawMessage(`{"dose":10}`))
	require.NoError(t, err)
	_, err = e.svc.DeleteRecord(ctx, "med", "a")
	require.NoError(t, err)

	pending := e.outbox.ListPending()
	require.Len(t, pending, 2)
	assert.Equal(t, models.OpUpdate, pending[0].Op.Kind)
	assert.Equal(t, models.OpDelete, pending[1].Op.Kind)

	entry, ok := e.svc.Get("med", "a")
	require.True(t, ok)
	assert.True(t, entry.Deleted)

	e.signal.Set(true)

	require.Eventually(t, func() bool { return e.outbox.Len() == 0 }, time.Second, 5*time.Millisecond)

	calls := e.remote.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, models.OpUpdate, calls[0].Op.Kind)
	assert.Equal(t, models.OpDelete, calls[1].Op.Kind)
	assert.Zero(t, e.remote.Records("med"))

	require.Eventually(t, func() bool {
		_, ok := e.svc.Get("med", "a")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestDirectTransientFailureIsQueued(t *testing.T) {
	e := newEnv(t, true)
	e.remote.Seed("med", "a", json.RawMessage(`{"id":"a"}`))
	e.remote.QueueErrors(&models.TransientError{Code: models.ErrCodeServerBusy, Op: "update", Err: errors.New("503")})

	res, err := e.svc.UpdateRecord(context.Background(), "med", "a", json.RawMessage(`{"dose":5}`))
	require.NoError(t, err)
	assert.Equal(t, sync.OutcomePendingSync, res.Outcome)
	assert.NotZero(t, res.ItemID)

	require.Eventually(t, func() bool {
		item, err := e.outbox.Get(res.ItemID)
		return err == nil && item.Status == models.StatusCompleted
	}, time.Second, 5*time.Millisecond)

	rec, ok := e.remote.Record("med", "a")
	require.True(t, ok)
	assert.EqualValues(t, 5, field(t, rec, "dose"))

	calls := e.remote.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, calls[0].Key, calls[1].Key, "the queued replay reuses the direct attempt's key")
}

func TestPermanentRejectionRevertsOptimisticEntry(t *testing.T) {
	e := newEnv(t, true)
	e.remote.Seed("med", "a", json.RawMessage(`{"id":"a","dose":1}`))
	ctx := context.Background()

	_, err := e.svc.Fetch(ctx, "med", "a")
	require.NoError(t, err)

	e.remote.FailWhen(func(models.Operation) error {
		return &models.PermanentError{Code: models.ErrCodeAuth, Op: "update", Reason: "not allowed"}
	})

	res, err := e.svc.UpdateRecord(ctx, "med", "a", json.RawMessage(`{"dose":99}`))
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, models.ErrRejected)

	var rejected *models.RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, models.ClassPermanent, rejected.Class)
	assert.Equal(t, "not allowed", rejected.Reason)

	entry, ok := e.svc.Get("med", "a")
	require.True(t, ok)
	assert.EqualValues(t, 1, field(t, entry.Payload, "dose"))
	assert.NotEqual(t, models.CacheOptimistic, entry.State)
	assert.Zero(t, e.outbox.Len())
}

func TestCapacityRejection(t *testing.T) {
	e := newEnv(t, false, func(o *outbox.Options) { o.MaxItems = 1 })
	ctx := context.Background()

	first, err := e.svc.CreateRecord(ctx, "med", json.RawMessage(`{"name":"A"}`))
	require.NoError(t, err)

	_, err = e.svc.CreateRecord(ctx, "med", json.RawMessage(`{"name":"B"}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrCapacityExceeded)

	var rejected *models.RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, models.ClassCapacity, rejected.Class)

	assert.Equal(t, 1, e.outbox.Len())
	assert.Equal(t, []models.ScopeKey{first.Scope}, e.cache.Scopes(), "rejected change leaves no optimistic entry")
}

func TestWriteQueuesBehindLiveItem(t *testing.T) {
	e := newEnv(t, false)
	e.remote.Seed("med", "a", json.RawMessage(`{"id":"a"}`))
	ctx := context.Background()

	_, err := e.svc.UpdateRecord(ctx, "med", "a", json.RawMessage(`{"step":1}`))
	require.NoError(t, err)

	e.remote.Block()
	e.signal.Set(true)
	require.Eventually(t, func() bool { return len(e.remote.Calls()) == 1 }, time.Second, 5*time.Millisecond)

	res, err := e.svc.UpdateRecord(ctx, "med", "a", json.RawMessage(`{"step":2}`))
	require.NoError(t, err)
	assert.Equal(t, sync.OutcomePendingSync, res.Outcome, "never overtakes a queued change on the same record")

	e.remote.Unblock()
	require.Eventually(t, func() bool { return e.outbox.Len() == 0 }, time.Second, 5*time.Millisecond)

	calls := e.remote.Calls()
	require.Len(t, calls, 2)
	assert.JSONEq(t, `{"step":1}`, string(calls[0].Op.Data))
	assert.JSONEq(t, `{"step":2}`, string(calls[1].Op.Data))

	rec, _ := e.remote.Record("med", "a")
	assert.EqualValues(t, 2, field(t, rec, "step"))
}

func TestRecordActionOnline(t *testing.T) {
	e := newEnv(t, true)
	e.remote.Seed("med", "a", json.RawMessage(`{"id":"a"}`))

	res, err := e.svc.RecordAction(context.Background(), "med", "a", "take", json.RawMessage(`{"at":"08:00"}`))
	require.NoError(t, err)
	assert.Equal(t, sync.OutcomeConfirmed, res.Outcome)
	assert.Equal(t, "take", field(t, res.Record, "last_action"))

	ev := nextEvent(t, e.events)
	assert.Equal(t, models.EventRecordAction, ev.Kind)
	assert.Equal(t, "take", ev.Action)
}

func TestOfflineActionKeepsRecordFields(t *testing.T) {
	e := newEnv(t, false)
	ctx := context.Background()

	created, err := e.svc.CreateRecord(ctx, "med", json.RawMessage(`{"name":"A"}`))
	require.NoError(t, err)

	res, err := e.svc.RecordAction(ctx, "med", created.RecordID, "take", json.RawMessage(`{"at":"08:00"}`))
	require.NoError(t, err)
	assert.Equal(t, sync.OutcomePendingSync, res.Outcome)

	entry, ok := e.svc.Get("med", created.RecordID)
	require.True(t, ok)
	assert.Equal(t, models.CacheOptimistic, entry.State)
	assert.Equal(t, "A", field(t, entry.Payload, "name"))
	assert.Nil(t, field(t, entry.Payload, "at"), "action arguments are not record fields")

	item, err := e.outbox.Get(res.ItemID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"at":"08:00"}`, string(item.Op.Data))
}

func TestConcurrentWritesKeepOrderWhenDirectCallFallsBack(t *testing.T) {
	e := newEnv(t, true)
	e.remote.Seed("med", "a", json.RawMessage(`{"id":"a"}`))
	ctx := context.Background()

	e.remote.Block()

	first := make(chan *sync.Result, 1)
	go func() {
		res, err := e.svc.UpdateRecord(ctx, "med", "a", json.RawMessage(`{"step":1}`))
		assert.NoError(t, err)
		first <- res
	}()
	require.Eventually(t, func() bool { return len(e.remote.Calls()) == 1 }, time.Second, time.Millisecond)

	second := make(chan *sync.Result, 1)
	go func() {
		res, err := e.svc.UpdateRecord(ctx, "med", "a", json.RawMessage(`{"step":2}`))
		assert.NoError(t, err)
		second <- res
	}()
	assert.Never(t, func() bool { return len(e.remote.Calls()) > 1 }, 50*time.Millisecond, 5*time.Millisecond,
		"a second write waits while the first is in flight")

	e.remote.QueueErrors(&models.TransientError{Code: models.ErrCodeServerBusy, Op: "update", Err: errors.New("503")})
	e.remote.Unblock()

	assert.Equal(t, sync.OutcomePendingSync, (<-first).Outcome)
	assert.Equal(t, sync.OutcomePendingSync, (<-second).Outcome, "queued behind the fallen-back write")

	require.Eventually(t, func() bool { return e.outbox.Len() == 0 }, time.Second, 5*time.Millisecond)

	calls := e.remote.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, calls[0].Key, calls[1].Key)
	assert.JSONEq(t, `{"step":1}`, string(calls[1].Op.Data))
	assert.JSONEq(t, `{"step":2}`, string(calls[2].Op.Data))

	rec, _ := e.remote.Record("med", "a")
	assert.EqualValues(t, 2, field(t, rec, "step"))
}

func TestFetch(t *testing.T) {
	e := newEnv(t, true)
	e.remote.Seed("med", "a", json.RawMessage(`{"id":"a","name":"A"}`))
	ctx := context.Background()

	entry, err := e.svc.Fetch(ctx, "med", "a")
	require.NoError(t, err)
	assert.Equal(t, models.CacheFresh, entry.State)
	assert.Equal(t, 1, e.remote.Fetches())

	_, err = e.svc.Fetch(ctx, "med", "missing")
	assert.True(t, models.IsPermanent(err))

	e.signal.Set(false)

	entry, err = e.svc.Fetch(ctx, "med", "a")
	require.NoError(t, err, "offline reads fall back to the cache")
	assert.Equal(t, "A", field(t, entry.Payload, "name"))
	assert.Equal(t, 2, e.remote.Fetches())

	_, err = e.svc.Fetch(ctx, "med", "b")
	assert.ErrorIs(t, err, models.ErrOffline)
}

func TestFetchNotFoundDropsConfirmedEntry(t *testing.T) {
	e := newEnv(t, true)
	e.remote.Seed("med", "a", json.RawMessage(`{"id":"a"}`))
	ctx := context.Background()

	_, err := e.svc.Fetch(ctx, "med", "a")
	require.NoError(t, err)

	_, err = e.remote.ApplyDelete(ctx, "elsewhere", models.Operation{Kind: models.OpDelete, Entity: "med", RecordID: "a"})
	require.NoError(t, err)

	_, err = e.svc.Fetch(ctx, "med", "a")
	assert.True(t, models.IsPermanent(err))

	_, ok := e.svc.Get("med", "a")
	assert.False(t, ok)
}

func TestDiscardRevertsOptimisticEntry(t *testing.T) {
	e := newEnv(t, false)

	res, err := e.svc.CreateRecord(context.Background(), "med", json.RawMessage(`{"name":"A"}`))
	require.NoError(t, err)

	require.NoError(t, e.svc.Discard(res.ItemID))

	_, ok := e.svc.Get("med", res.RecordID)
	assert.False(t, ok)
	assert.Zero(t, e.svc.Summary().Waiting())
}

func TestDrainFailurePublishesEvent(t *testing.T) {
	e := newEnv(t, false)

	res, err := e.svc.UpdateRecord(context.Background(), "med", "ghost", json.RawMessage(`{"dose":1}`))
	require.NoError(t, err)

	e.signal.Set(true)

	ev := nextEvent(t, e.events)
	assert.Equal(t, models.EventSyncFailed, ev.Kind)
	assert.Equal(t, res.ItemID, ev.ItemID)
	assert.Contains(t, ev.Reason, "does not exist")

	summary := e.svc.Summary()
	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, models.ErrCodeNotFound, summary.Failures[0].Code)

	entry, ok := e.svc.Get("med", "ghost")
	require.True(t, ok)
	assert.Equal(t, models.CacheOptimistic, entry.State, "kept until the user retries or discards")

	require.NoError(t, e.svc.Discard(res.ItemID))
	_, ok = e.svc.Get("med", "ghost")
	assert.False(t, ok)
}
