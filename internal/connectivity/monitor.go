// Package connectivity derives a debounced online/offline status from a
// raw reachability signal and triggers outbox drains on reconnect.
package connectivity

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TheMichaelB/offsync/internal/events"
	"github.com/TheMichaelB/offsync/internal/models"
)

// Options configure the monitor.
type Options struct {
	// SettleWindow is how long a raw change must hold before it is
	// published.
	SettleWindow time.Duration

	Now func() time.Time
}

// Monitor publishes connectivity snapshots. Status is lock-free.
type Monitor struct {
	signal Signal
	opts   Options
	logger *events.Logger

	status atomic.Pointer[models.ConnectivitySnapshot]

	// publish orders subscriber notification across commits.
	publish sync.Mutex

	mu      sync.Mutex
	subs    map[uint64]func(models.ConnectivitySnapshot)
	nextSub uint64
	trigger func()
	settle  *time.Timer
	target  bool
	gen     uint64
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewMonitor creates a monitor that starts out offline until Start
// probes the signal.
func NewMonitor(signal Signal, opts Options, logger *events.Logger) *Monitor {
	if opts.Now == nil {
		opts.Now = time.Now
	}

	m := &Monitor{
		signal: signal,
		opts:   opts,
		logger: logger.WithField("component", "connectivity"),
		subs:   make(map[uint64]func(models.ConnectivitySnapshot)),
	}
	m.status.Store(&models.ConnectivitySnapshot{Source: signal.Name()})
	return m
}

// SetDrainTrigger installs the function called once per offline to
// online transition.
func (m *Monitor) SetDrainTrigger(trigger func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trigger = trigger
}

// Status returns the current snapshot.
func (m *Monitor) Status() models.ConnectivitySnapshot {
	return *m.status.Load()
}

// IsOnline reports the debounced state.
func (m *Monitor) IsOnline() bool {
	return m.status.Load().Online
}

// Subscribe registers fn for published changes. The returned function
// removes it and is safe to call more than once.
func (m *Monitor) Subscribe(fn func(models.ConnectivitySnapshot)) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextSub++
	id := m.nextSub
	m.subs[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// Start probes the signal, publishes the initial state and begins
// watching. If the device is online and hasPending reports queued work
// the drain trigger fires once.
func (m *Monitor) Start(ctx context.Context, hasPending func() bool) error {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return errors.New("monitor already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	online := m.signal.Probe(ctx)
	snapshot := &models.ConnectivitySnapshot{
		Online:        online,
		LastChangedAt: m.opts.Now(),
		Source:        m.signal.Name(),
	}
	m.status.Store(snapshot)
	m.logger.WithField("online", online).Info("Connectivity monitor started")

	if online && hasPending != nil && hasPending() {
		m.fireTrigger()
	}

	go func() {
		defer close(m.done)
		if err := m.signal.Run(runCtx, m.observe); err != nil {
			m.logger.WithError(err).Error("Connectivity signal stopped")
		}
	}()

	return nil
}

// Stop halts the signal and any pending settle timer.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel = nil
	if m.settle != nil {
		m.settle.Stop()
		m.settle = nil
	}
	m.gen++
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// observe feeds one raw observation through the settle window.
func (m *Monitor) observe(online bool) {
	m.mu.Lock()

	if online == m.status.Load().Online {
		// Flapped back before settling.
		if m.settle != nil {
			m.settle.Stop()
			m.settle = nil
			m.gen++
		}
		m.mu.Unlock()
		return
	}

	if m.settle != nil && m.target == online {
		m.mu.Unlock()
		return
	}

	if m.settle != nil {
		m.settle.Stop()
	}
	m.gen++
	gen := m.gen
	m.target = online

	if m.opts.SettleWindow <= 0 {
		m.settle = nil
		m.mu.Unlock()
		m.commit(online, gen)
		return
	}

	m.settle = time.AfterFunc(m.opts.SettleWindow, func() { m.commit(online, gen) })
	m.mu.Unlock()
}

func (m *Monitor) commit(online bool, gen uint64) {
	m.publish.Lock()
	defer m.publish.Unlock()

	m.mu.Lock()
	if gen != m.gen || online == m.status.Load().Online {
		m.mu.Unlock()
		return
	}
	m.settle = nil

	snapshot := &models.ConnectivitySnapshot{
		Online:        online,
		LastChangedAt: m.opts.Now(),
		Source:        m.signal.Name(),
	}
	m.status.Store(snapshot)

	subs := make([]func(models.ConnectivitySnapshot), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	m.logger.WithField("status", snapshot.Label()).Info("Connectivity changed")

	for _, fn := range subs {
		fn(*snapshot)
	}
	if online {
		m.fireTrigger()
	}
}

func (m *Monitor) fireTrigger() {
	m.mu.Lock()
	trigger := m.trigger
	m.mu.Unlock()

	if trigger != nil {
		trigger()
	}
}
