package events_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/offsync/internal/events"
	"github.com/TheMichaelB/offsync/internal/models"
)

func TestBusFanOut(t *testing.T) {
	bus := events.NewBus(4, nil)

	a, unsubA := bus.Subscribe()
	b, unsubB := bus.Subscribe()
	defer unsubB()

	ev := models.DomainEvent{
		Kind:        models.EventRecordCreated,
		Scope:       models.NewScopeKey("note", "1"),
		CompletedAt: time.Now(),
	}
	bus.Publish(ev)

	select {
	case got := <-a:
		assert.Equal(t, ev.Kind, got.Kind)
	case <-time.After(time.Second):
		t.Fatal("subscriber a did not receive event")
	}
	select {
	case got := <-b:
		assert.Equal(t, ev.Scope, got.Scope)
	case <-time.After(time.Second):
		t.Fatal("subscriber b did not receive event")
	}

	unsubA()
	unsubA()
	_, open := <-a
	assert.False(t, open)

	bus.Publish(ev)
	select {
	case <-b:
	case <-time.After(time.Second):
		t.Fatal("remaining subscriber did not receive event")
	}
}

func TestBusDropsWhenFull(t *testing.T) {
	bus := events.NewBus(1, nil)
	ch, unsub := bus.Subscribe()
	defer unsub()

	bus.Publish(models.DomainEvent{Kind: models.EventRecordUpdated})
	bus.Publish(models.DomainEvent{Kind: models.EventRecordDeleted})

	require.Len(t, ch, 1)
	assert.Equal(t, uint64(1), bus.Dropped())
}

func TestSinkFunc(t *testing.T) {
	var got []models.DomainEventKind
	var sink events.Sink = events.SinkFunc(func(ev models.DomainEvent) {
		got = append(got, ev.Kind)
	})

	sink.Publish(models.DomainEvent{Kind: models.EventSyncFailed})
	assert.Equal(t, []models.DomainEventKind{models.EventSyncFailed}, got)
}
