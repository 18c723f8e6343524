package connectivity_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/offsync/internal/config"
	"github.com/TheMichaelB/offsync/internal/connectivity"
	"github.com/TheMichaelB/offsync/internal/events"
)

type observations struct {
	mu   sync.Mutex
	seen []bool
}

func (o *observations) report(online bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seen = append(o.seen, online)
}

func (o *observations) list() []bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]bool(nil), o.seen...)
}

func TestHTTPProbe(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	probe := connectivity.NewHTTPProbe(srv.URL+"/health", 10*time.Millisecond, time.Second, events.Discard())
	assert.True(t, probe.Probe(context.Background()))

	status.Store(http.StatusServiceUnavailable)
	assert.False(t, probe.Probe(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	var obs observations
	done := make(chan error, 1)
	go func() { done <- probe.Run(ctx, obs.report) }()

	require.Eventually(t, func() bool { return len(obs.list()) >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	for _, online := range obs.list() {
		assert.False(t, online)
	}
}

func TestHTTPProbeUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	probe := connectivity.NewHTTPProbe(url+"/health", time.Second, 100*time.Millisecond, events.Discard())
	assert.False(t, probe.Probe(context.Background()))
}

func TestWSLinkReconnects(t *testing.T) {
	upgrader := websocket.Upgrader{}
	conns := make(chan *websocket.Conn, 4)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	link := connectivity.NewWSLink(srv.URL, "secret", events.Discard())
	link.SetTiming(20*time.Millisecond, 50*time.Millisecond, 5*time.Millisecond, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	var obs observations
	done := make(chan error, 1)
	go func() { done <- link.Run(ctx, obs.report) }()

	first := <-conns
	require.Eventually(t, func() bool { return link.Probe(ctx) }, time.Second, 5*time.Millisecond)

	require.NoError(t, first.Close())
	second := <-conns
	require.Eventually(t, func() bool { return len(obs.list()) >= 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []bool{true, false, true}, obs.list()[:3])

	cancel()
	require.NoError(t, <-done)
	assert.False(t, link.Probe(ctx))
	_ = second.Close()
}

func TestWSLinkReportsOfflineWhenDialFails(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	link := connectivity.NewWSLink(url, "", events.Discard())
	link.SetTiming(time.Second, time.Second, 5*time.Millisecond, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var obs observations
	go func() { _ = link.Run(ctx, obs.report) }()

	require.Eventually(t, func() bool { return len(obs.list()) >= 2 }, time.Second, 5*time.Millisecond)
	for _, online := range obs.list() {
		assert.False(t, online)
	}
}

func TestNewSignal(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Remote.BaseURL = "http://example.test"

	for name, want := range map[string]string{"http": "http", "websocket": "websocket", "manual": "manual"} {
		cfg.Connectivity.Signal = name
		signal, err := connectivity.NewSignal(cfg, events.Discard())
		require.NoError(t, err)
		assert.Equal(t, want, signal.Name())
	}

	cfg.Connectivity.Signal = "carrier-pigeon"
	_, err := connectivity.NewSignal(cfg, events.Discard())
	assert.Error(t, err)
}
