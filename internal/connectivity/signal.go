package connectivity

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/TheMichaelB/offsync/internal/config"
	"github.com/TheMichaelB/offsync/internal/events"
)

// Signal is a source of raw reachability observations. Only the Monitor
// reads it.
type Signal interface {
	// Name identifies the signal in snapshots and logs.
	Name() string

	// Probe reports current reachability without waiting for a change.
	Probe(ctx context.Context) bool

	// Run reports observations until ctx ends. Repeated identical
	// observations are allowed.
	Run(ctx context.Context, report func(online bool)) error
}

// NewSignal builds the signal selected in cfg.
func NewSignal(cfg *config.Config, logger *events.Logger) (Signal, error) {
	switch cfg.Connectivity.Signal {
	case "http", "":
		return NewHTTPProbe(cfg.Remote.BaseURL+cfg.Connectivity.HealthPath, cfg.Connectivity.ProbeInterval, cfg.Connectivity.ProbeTimeout, logger), nil
	case "websocket":
		url := cfg.Connectivity.WebSocketURL
		if url == "" {
			url = strings.TrimRight(cfg.Remote.BaseURL, "/") + "/v1/live"
		}
		link := NewWSLink(url, cfg.Remote.Token, logger)
		if cfg.Connectivity.ProbeInterval > 0 && cfg.Connectivity.ProbeTimeout > 0 {
			link.SetTiming(cfg.Connectivity.ProbeInterval, cfg.Connectivity.ProbeTimeout, link.minBackoff, link.maxBackoff)
		}
		return link, nil
	case "manual":
		return NewManualSignal(true), nil
	default:
		return nil, fmt.Errorf("unknown connectivity signal %q", cfg.Connectivity.Signal)
	}
}

// HTTPProbe polls a health endpoint. Any 2xx answer counts as online.
type HTTPProbe struct {
	url      string
	interval time.Duration
	client   *http.Client
	logger   *events.Logger
}

// NewHTTPProbe creates a probe against url.
func NewHTTPProbe(url string, interval, timeout time.Duration, logger *events.Logger) *HTTPProbe {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HTTPProbe{
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: timeout},
		logger:   logger.WithField("component", "http_probe"),
	}
}

func (p *HTTPProbe) Name() string { return "http" }

// Probe issues one health request.
func (p *HTTPProbe) Probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		p.logger.WithError(err).Error("Invalid health URL")
		return false
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.WithError(err).Debug("Health check failed")
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Run probes every interval.
func (p *HTTPProbe) Run(ctx context.Context, report func(bool)) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			report(p.Probe(ctx))
		}
	}
}

// WSLink treats an open websocket as connectivity. The link keeps itself
// alive with pings and redials with backoff after a drop.
type WSLink struct {
	url    string
	token  string
	logger *events.Logger
	dialer websocket.Dialer

	connected atomic.Bool

	pingInterval time.Duration
	pongTimeout  time.Duration
	minBackoff   time.Duration
	maxBackoff   time.Duration
}

// NewWSLink creates a link to wsURL. http(s) URLs are converted to ws(s).
func NewWSLink(wsURL, token string, logger *events.Logger) *WSLink {
	if strings.HasPrefix(wsURL, "http") {
		wsURL = "ws" + strings.TrimPrefix(wsURL, "http")
	}

	return &WSLink{
		url:          wsURL,
		token:        token,
		logger:       logger.WithField("component", "ws_link"),
		dialer:       websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		pingInterval: 30 * time.Second,
		pongTimeout:  10 * time.Second,
		minBackoff:   500 * time.Millisecond,
		maxBackoff:   30 * time.Second,
	}
}

// SetTiming overrides keepalive and reconnect timing.
func (l *WSLink) SetTiming(pingInterval, pongTimeout, minBackoff, maxBackoff time.Duration) {
	l.pingInterval = pingInterval
	l.pongTimeout = pongTimeout
	l.minBackoff = minBackoff
	l.maxBackoff = maxBackoff
}

func (l *WSLink) Name() string { return "websocket" }

// Probe reports whether the link is currently open.
func (l *WSLink) Probe(context.Context) bool {
	return l.connected.Load()
}

// Run keeps the link open until ctx ends.
func (l *WSLink) Run(ctx context.Context, report func(bool)) error {
	backoff := l.minBackoff

	for {
		conn, err := l.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.logger.WithError(err).WithField("retry_in", backoff.String()).Debug("Websocket dial failed")
			report(false)

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > l.maxBackoff {
				backoff = l.maxBackoff
			}
			continue
		}

		backoff = l.minBackoff
		l.connected.Store(true)
		l.logger.Info("Websocket connected")
		report(true)

		l.hold(ctx, conn)

		l.connected.Store(false)
		if ctx.Err() != nil {
			return nil
		}
		l.logger.Info("Websocket disconnected")
		report(false)
	}
}

func (l *WSLink) dial(ctx context.Context) (*websocket.Conn, error) {
	headers := http.Header{}
	if l.token != "" {
		headers.Set("Authorization", "Bearer "+l.token)
	}

	conn, resp, err := l.dialer.DialContext(ctx, l.url, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket connect failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket connect failed: %w", err)
	}
	return conn, nil
}

// hold runs the read and ping loops until the connection drops or ctx
// ends.
func (l *WSLink) hold(ctx context.Context, conn *websocket.Conn) {
	done := make(chan struct{})
	var once sync.Once
	closeConn := func() {
		once.Do(func() {
			close(done)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = conn.Close()
		})
	}
	defer closeConn()

	go func() {
		select {
		case <-ctx.Done():
			closeConn()
		case <-done:
		}
	}()

	go l.pingLoop(conn, done)

	deadline := l.pingInterval + l.pongTimeout
	_ = conn.SetReadDeadline(time.Now().Add(deadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				l.logger.WithError(err).Debug("Websocket read error")
			}
			return
		}
		// Any frame from the server also proves the link is alive.
		_ = conn.SetReadDeadline(time.Now().Add(deadline))
	}
}

func (l *WSLink) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(l.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(l.pongTimeout)); err != nil {
				l.logger.WithError(err).Debug("Ping failed")
				_ = conn.Close()
				return
			}
		case <-done:
			return
		}
	}
}

// ManualSignal is flipped by hand. It backs the CLI --offline flag and
// tests.
type ManualSignal struct {
	mu     sync.Mutex
	online bool
	report func(bool)
}

// NewManualSignal creates a signal in the given state.
func NewManualSignal(online bool) *ManualSignal {
	return &ManualSignal{online: online}
}

func (s *ManualSignal) Name() string { return "manual" }

func (s *ManualSignal) Probe(context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Run forwards Set calls until ctx ends.
func (s *ManualSignal) Run(ctx context.Context, report func(bool)) error {
	s.mu.Lock()
	s.report = report
	s.mu.Unlock()

	<-ctx.Done()

	s.mu.Lock()
	s.report = nil
	s.mu.Unlock()
	return nil
}

// Attached reports whether a Run loop is receiving changes.
func (s *ManualSignal) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.report != nil
}

// Set changes the observed state.
func (s *ManualSignal) Set(online bool) {
	s.mu.Lock()
	s.online = online
	report := s.report
	s.mu.Unlock()

	if report != nil {
		report(online)
	}
}
