// Package client wires the sync engine together from configuration.
package client

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/TheMichaelB/offsync/internal/cache"
	"github.com/TheMichaelB/offsync/internal/config"
	"github.com/TheMichaelB/offsync/internal/connectivity"
	"github.com/TheMichaelB/offsync/internal/events"
	"github.com/TheMichaelB/offsync/internal/models"
	"github.com/TheMichaelB/offsync/internal/outbox"
	"github.com/TheMichaelB/offsync/internal/services/sync"
	"github.com/TheMichaelB/offsync/internal/state"
	"github.com/TheMichaelB/offsync/internal/transport"
)

// Client provides the high-level API for offsync operations.
type Client struct {
	Sync    *sync.Service
	Cache   *cache.Cache
	Outbox  *outbox.Outbox
	Monitor *connectivity.Monitor
	Events  *events.Bus

	// Registry holds the engine metrics.
	Registry *prometheus.Registry

	config *config.Config
	logger *events.Logger
	store  state.Store
	remote transport.RemoteStore
}

// Option overrides a dependency New would otherwise build from config.
type Option func(*options)

type options struct {
	store  state.Store
	remote transport.RemoteStore
	signal connectivity.Signal
}

// WithStore uses store instead of opening the configured backend.
func WithStore(store state.Store) Option {
	return func(o *options) { o.store = store }
}

// WithRemote uses remote instead of the HTTP client.
func WithRemote(remote transport.RemoteStore) Option {
	return func(o *options) { o.remote = remote }
}

// WithSignal uses signal instead of the configured connectivity signal.
func WithSignal(signal connectivity.Signal) Option {
	return func(o *options) { o.signal = signal }
}

// New creates a client and restores persisted state. Call Start (or Run)
// to begin watching connectivity.
func New(cfg *config.Config, logger *events.Logger, opts ...Option) (*Client, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	store := o.store
	if store == nil {
		if err := cfg.EnsureDirectories(); err != nil {
			return nil, err
		}
		var err error
		if store, err = state.Open(cfg.Storage, logger); err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
	}

	remote := o.remote
	if remote == nil {
		remote = transport.NewHTTPClient(&cfg.Remote, logger)
	}

	signal := o.signal
	if signal == nil {
		var err error
		if signal, err = connectivity.NewSignal(cfg, logger); err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	c := cache.New(store, cache.Options{
		TTL:       cfg.Cache.TTL,
		MaxAge:    cfg.Cache.MaxAge,
		MaxScopes: cfg.Cache.MaxScopes,
	}, logger)
	c.Load()

	ob := outbox.New(store, remote, outbox.Options{
		MaxItems: cfg.Outbox.MaxItems,
		Retry: models.RetryPolicy{
			MaxAttempts: cfg.Outbox.MaxAttempts,
			BaseDelay:   cfg.Outbox.BaseDelay,
			MaxDelay:    cfg.Outbox.MaxDelay,
		},
		RequestTimeout:     cfg.Outbox.RequestTimeout,
		FailedHold:         cfg.Outbox.FailedHold,
		CompletedRetention: cfg.Outbox.CompletedRetention,
		ReplayRate:         cfg.Outbox.ReplayRate,
		Registerer:         registry,
	}, logger)
	if err := ob.Load(); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("load outbox: %w", err)
	}

	monitor := connectivity.NewMonitor(signal, connectivity.Options{
		SettleWindow: cfg.Connectivity.SettleWindow,
	}, logger)
	ob.SetGate(monitor.IsOnline)
	monitor.SetDrainTrigger(ob.Kick)

	bus := events.NewBus(64, logger)

	svc := sync.NewService(c, ob, remote, monitor, bus, sync.Options{
		RequestTimeout: cfg.Outbox.RequestTimeout,
	}, logger)

	return &Client{
		Sync:     svc,
		Cache:    c,
		Outbox:   ob,
		Monitor:  monitor,
		Events:   bus,
		Registry: registry,
		config:   cfg,
		logger:   logger.WithField("component", "client"),
		store:    store,
		remote:   remote,
	}, nil
}

// Start probes connectivity and drains queued changes if online.
func (c *Client) Start(ctx context.Context) error {
	return c.Monitor.Start(ctx, func() bool { return c.Outbox.Len() > 0 })
}

// Run starts the client and performs periodic maintenance until ctx
// ends.
func (c *Client) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}

	every := c.config.Outbox.MaintenanceEvery
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.Maintain()
		}
	}
}

// Maintain purges completed outbox items, prunes the cache and compacts
// the store where the backend supports it.
func (c *Client) Maintain() {
	purged := c.Outbox.Maintain()
	pruned := c.Cache.Prune()

	if gc, ok := c.store.(interface{ RunGC(float64) error }); ok {
		if err := gc.RunGC(0.5); err != nil {
			c.logger.WithError(err).Warn("Store GC failed")
		}
	}

	if purged > 0 || pruned > 0 {
		c.logger.WithFields(map[string]interface{}{
			"outbox_purged": purged,
			"cache_pruned":  pruned,
		}).Debug("Maintenance pass")
	}
}

// Status returns the connectivity snapshot and outbox summary.
func (c *Client) Status() (models.ConnectivitySnapshot, models.OutboxSummary) {
	return c.Monitor.Status(), c.Outbox.Summary()
}

// Close stops background work and closes the store.
func (c *Client) Close() error {
	c.Monitor.Stop()
	c.Outbox.Close()
	return c.store.Close()
}
