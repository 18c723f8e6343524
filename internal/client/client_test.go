package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/offsync/internal/client"
	"github.com/TheMichaelB/offsync/internal/config"
	"github.com/TheMichaelB/offsync/internal/connectivity"
	"github.com/TheMichaelB/offsync/internal/events"
	"github.com/TheMichaelB/offsync/internal/models"
	"github.com/TheMichaelB/offsync/internal/services/sync"
	"github.com/TheMichaelB/offsync/internal/transport"
)

func testConfig(t *testing.T, backend string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Storage.Backend = backend
	cfg.Storage.DataDir = t.TempDir()
	cfg.Connectivity.SettleWindow = 0
	cfg.Outbox.BaseDelay = 10 * time.Millisecond
	cfg.Outbox.ReplayRate = 0
	cfg.Outbox.MaintenanceEvery = 10 * time.Millisecond
	return cfg
}

func TestQueuedChangesSurviveRestart(t *testing.T) {
	cfg := testConfig(t, "sqlite")
	remote := transport.NewMockRemote()
	ctx := context.Background()

	signal := connectivity.NewManualSignal(false)
	first, err := client.New(cfg, events.Discard(), client.WithRemote(remote), client.WithSignal(signal))
	require.NoError(t, err)
	require.NoError(t, first.Start(ctx))

	res, err := first.Sync.CreateRecord(ctx, "med", json.RawMessage(`{"name":"A"}`))
	require.NoError(t, err)
	assert.Equal(t, sync.OutcomePendingSync, res.Outcome)
	require.NoError(t, first.Close())

	second, err := client.New(cfg, events.Discard(), client.WithRemote(remote), client.WithSignal(connectivity.NewManualSignal(true)))
	require.NoError(t, err)
	defer second.Close()

	entry, ok := second.Sync.Get("med", res.RecordID)
	require.True(t, ok, "optimistic entry restored")
	assert.Equal(t, models.CacheOptimistic, entry.State)
	require.Len(t, second.Outbox.ListPending(), 1)

	require.NoError(t, second.Start(ctx))
	require.Eventually(t, func() bool { return second.Outbox.Len() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, remote.Records("med"))

	online, summary := second.Status()
	assert.True(t, online.Online)
	assert.Zero(t, summary.Waiting())
}

func TestRunPerformsMaintenance(t *testing.T) {
	cfg := testConfig(t, "badger")
	cfg.Outbox.CompletedRetention = time.Millisecond
	remote := transport.NewMockRemote()

	c, err := client.New(cfg, events.Discard(), client.WithRemote(remote), client.WithSignal(connectivity.NewManualSignal(true)))
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, c.Monitor.IsOnline, time.Second, 5*time.Millisecond)

	remote.QueueErrors(&models.TransientError{Code: models.ErrCodeNetwork, Op: "create", Err: errors.New("reset by peer")})
	res, err := c.Sync.CreateRecord(ctx, "med", json.RawMessage(`{"name":"A"}`))
	require.NoError(t, err)
	require.Equal(t, sync.OutcomePendingSync, res.Outcome)

	require.Eventually(t, func() bool {
		_, err := c.Outbox.Get(res.ItemID)
		return errors.Is(err, models.ErrItemNotFound)
	}, 2*time.Second, 5*time.Millisecond, "completed item purged by maintenance")
	assert.Equal(t, 1, remote.Records("med"))

	cancel()
	require.NoError(t, <-done)
}

func TestNewRejectsUnknownSignal(t *testing.T) {
	cfg := testConfig(t, "memory")
	cfg.Connectivity.Signal = "smoke"

	_, err := client.New(cfg, events.Discard(), client.WithRemote(transport.NewMockRemote()))
	assert.Error(t, err)
}

func TestMetricsRegistered(t *testing.T) {
	cfg := testConfig(t, "memory")
	c, err := client.New(cfg, events.Discard(), client.WithRemote(transport.NewMockRemote()), client.WithSignal(connectivity.NewManualSignal(false)))
	require.NoError(t, err)
	defer c.Close()

	families, err := c.Registry.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["offsync_outbox_enqueued_total"])
	assert.True(t, names["go_goroutines"])
}
