// Package testutil holds helpers shared by the integration tests and
// benchmarks.
package testutil

import (
	"bytes"
	"testing"
	"time"

	"github.com/TheMichaelB/offsync/internal/config"
	"github.com/TheMichaelB/offsync/internal/events"
)

// NewTestLogger creates a logger for testing.
func NewTestLogger() *events.Logger {
	var buf bytes.Buffer
	return events.NewTestLogger(events.DebugLevel, "json", &buf)
}

// TestConfig returns a config pointing at baseURL with a temp data dir
// and timings short enough for tests.
func TestConfig(t testing.TB, baseURL string) *config.Config {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Remote.BaseURL = baseURL
	cfg.Remote.Timeout = 2 * time.Second
	cfg.Remote.MaxRetries = 0
	cfg.Storage.DataDir = t.TempDir()
	cfg.Connectivity.SettleWindow = 20 * time.Millisecond
	cfg.Connectivity.ProbeInterval = 10 * time.Millisecond
	cfg.Connectivity.ProbeTimeout = time.Second
	cfg.Outbox.BaseDelay = 10 * time.Millisecond
	cfg.Outbox.MaxDelay = 100 * time.Millisecond
	cfg.Outbox.RequestTimeout = time.Second
	cfg.Outbox.ReplayRate = 0
	cfg.Log.Color = false
	return cfg
}
