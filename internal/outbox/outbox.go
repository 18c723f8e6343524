// Package outbox implements the persistent mutation outbox: an ordered
// queue of writes that could not be applied directly, and the drain
// protocol that replays them against the remote store.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/TheMichaelB/offsync/internal/events"
	"github.com/TheMichaelB/offsync/internal/models"
	"github.com/TheMichaelB/offsync/internal/state"
	"github.com/TheMichaelB/offsync/internal/transport"
)

// Durable store keys owned by the outbox.
const (
	KeyPrefix   = "outbox/"
	itemPrefix  = KeyPrefix + "item/"
	aliasPrefix = KeyPrefix + "alias/"
	seqKey      = KeyPrefix + "seq"
)

// Options configure capacity, retry and pacing.
type Options struct {
	MaxItems           int
	Retry              models.RetryPolicy
	RequestTimeout     time.Duration
	FailedHold         time.Duration
	CompletedRetention time.Duration

	// ReplayRate limits remote calls per second during a drain. Zero
	// disables pacing.
	ReplayRate float64

	// Registerer receives the outbox metrics.
	Registerer prometheus.Registerer

	// Now overrides the clock used for item timestamps.
	Now func() time.Time
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		MaxItems:           500,
		Retry:              models.DefaultRetryPolicy(),
		RequestTimeout:     15 * time.Second,
		FailedHold:         time.Minute,
		CompletedRetention: time.Minute,
	}
}

// Outcome is how one replay attempt ended.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeRetrying
	OutcomeFailed
	OutcomeDiscarded
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeRetrying:
		return "retrying"
	case OutcomeFailed:
		return "failed"
	case OutcomeDiscarded:
		return "discarded"
	default:
		return "unknown"
	}
}

// Resolution reports what happened to an item. Hooks receive a copy of
// the item after its transition.
type Resolution struct {
	Item    models.QueueItem
	Outcome Outcome
	Result  *models.RemoteResult
	Err     error

	// RetryIn is the backoff applied to a retrying item.
	RetryIn time.Duration
}

// ResolutionHook observes item resolutions. Hooks run on the draining
// goroutine outside the outbox lock.
type ResolutionHook func(Resolution)

type alias struct {
	ServerID  string    `json:"server_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Outbox is the mutation outbox. One mutex serializes enqueue, status
// transitions and drain ownership; remote calls run outside it.
type Outbox struct {
	store    state.Store
	remote   transport.RemoteStore
	logger   *events.Logger
	opts     Options
	metrics  *Metrics
	validate *validator.Validate
	limiter  *rate.Limiter

	mu       sync.Mutex
	items    map[uint64]*models.QueueItem
	byKey    map[string]uint64
	aliases  map[models.ScopeKey]alias
	seq      uint64
	draining bool
	rerun    bool // a drain was requested while one was running
	active   sync.WaitGroup
	timer    *time.Timer
	timerAt  time.Time
	gate     func() bool
	hooks    []ResolutionHook
	closed   bool
}

// New creates an outbox. Call Load before use to restore persisted items.
func New(store state.Store, remote transport.RemoteStore, opts Options, logger *events.Logger) *Outbox {
	defaults := DefaultOptions()
	if opts.MaxItems <= 0 {
		opts.MaxItems = defaults.MaxItems
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry.MaxAttempts = defaults.Retry.MaxAttempts
	}
	if opts.Retry.BaseDelay <= 0 {
		opts.Retry.BaseDelay = defaults.Retry.BaseDelay
	}
	if opts.Retry.MaxDelay <= 0 {
		opts.Retry.MaxDelay = defaults.Retry.MaxDelay
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaults.RequestTimeout
	}
	if opts.FailedHold < 0 {
		opts.FailedHold = 0
	}
	if opts.CompletedRetention <= 0 {
		opts.CompletedRetention = defaults.CompletedRetention
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	limit := rate.Inf
	if opts.ReplayRate > 0 {
		limit = rate.Limit(opts.ReplayRate)
	}

	return &Outbox{
		store:    store,
		remote:   remote,
		logger:   logger.WithField("component", "outbox"),
		opts:     opts,
		metrics:  NewMetrics(opts.Registerer),
		validate: validator.New(),
		limiter:  rate.NewLimiter(limit, 1),
		items:    make(map[uint64]*models.QueueItem),
		byKey:    make(map[string]uint64),
		aliases:  make(map[models.ScopeKey]alias),
	}
}

// SetGate installs the connectivity check consulted before every drain
// step. Drain is a no-op while gate returns false.
func (o *Outbox) SetGate(gate func() bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.gate = gate
}

// OnResolve registers a hook for item resolutions.
func (o *Outbox) OnResolve(hook ResolutionHook) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.hooks = append(o.hooks, hook)
}

// Load restores items, aliases and the id sequence from the store. Items
// found processing were interrupted mid-call and go back to pending; the
// replay reuses their idempotency key.
func (o *Outbox) Load() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if raw, err := o.store.Get(seqKey); err == nil {
		seq, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
		if err != nil {
			return fmt.Errorf("parse outbox sequence: %w", err)
		}
		o.seq = seq
	} else if !errors.Is(err, state.ErrNotFound) {
		return fmt.Errorf("load outbox sequence: %w", err)
	}

	stored, err := o.store.List(itemPrefix)
	if err != nil {
		return fmt.Errorf("load outbox items: %w", err)
	}

	now := o.opts.Now()
	o.items = make(map[uint64]*models.QueueItem, len(stored))
	o.byKey = make(map[string]uint64, len(stored))

	for _, kv := range stored {
		var item models.QueueItem
		if err := json.Unmarshal(kv.Value, &item); err != nil {
			return fmt.Errorf("decode %s: %w", kv.Key, err)
		}

		if item.Status == models.StatusCompleted && now.Sub(item.CompletedAt) > o.opts.CompletedRetention {
			o.deleteItemLocked(item.ID)
			continue
		}
		if item.Status == models.StatusProcessing {
			if err := item.Requeue(now); err != nil {
				return err
			}
			o.persistItemLocked(&item)
			o.logger.WithField("item_id", item.ID).Info("Requeued item interrupted mid-replay")
		}

		it := item
		o.items[item.ID] = &it
		o.byKey[item.IdempotencyKey] = item.ID
		if item.ID > o.seq {
			o.seq = item.ID
		}
	}

	aliases, err := o.store.List(aliasPrefix)
	if err != nil {
		return fmt.Errorf("load outbox aliases: %w", err)
	}
	o.aliases = make(map[models.ScopeKey]alias, len(aliases))
	for _, kv := range aliases {
		var a alias
		if err := json.Unmarshal(kv.Value, &a); err != nil {
			o.logger.WithError(err).WithField("key", kv.Key).Warn("Skipping unreadable alias")
			continue
		}
		o.aliases[models.ScopeKey(strings.TrimPrefix(kv.Key, aliasPrefix))] = a
	}

	summary := o.summaryLocked()
	o.metrics.setCounts(summary)
	o.logger.WithFields(map[string]interface{}{
		"pending": summary.Pending,
		"failed":  summary.Failed,
		"seq":     o.seq,
	}).Info("Loaded outbox")

	return nil
}

// Enqueue appends a mutation and persists it before returning its id. A
// request whose idempotency key is already known returns the existing id.
// A full outbox rejects with models.ErrCapacityExceeded.
func (o *Outbox) Enqueue(ctx context.Context, req models.EnqueueRequest) (uint64, error) {
	if err := o.validate.StructCtx(ctx, req); err != nil {
		return 0, &models.PermanentError{
			Code:   models.ErrCodeValidation,
			Op:     "enqueue",
			Reason: "invalid mutation",
			Err:    err,
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return 0, errors.New("outbox is closed")
	}

	if id, ok := o.byKey[req.IdempotencyKey]; ok {
		o.logger.WithFields(map[string]interface{}{
			"item_id":         id,
			"idempotency_key": req.IdempotencyKey,
		}).Debug("Duplicate enqueue")
		return id, nil
	}

	now := o.opts.Now()
	o.purgeCompletedLocked(now)

	if live := o.liveCountLocked(); live >= o.opts.MaxItems {
		o.metrics.rejected.Inc()
		o.logger.WithFields(map[string]interface{}{
			"live":      live,
			"max_items": o.opts.MaxItems,
		}).Warn("Outbox full, rejecting mutation")
		return 0, fmt.Errorf("enqueue %s: %w", req.Op, models.ErrCapacityExceeded)
	}

	id := o.seq + 1
	if err := o.store.Put(seqKey, []byte(strconv.FormatUint(id, 10))); err != nil {
		return 0, fmt.Errorf("persist outbox sequence: %w", err)
	}
	o.seq = id

	item := &models.QueueItem{
		ID:             id,
		IdempotencyKey: req.IdempotencyKey,
		Scope:          req.Scope,
		Op:             req.Op,
		Status:         models.StatusPending,
		CacheToken:     req.CacheToken,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	data, err := json.Marshal(item)
	if err != nil {
		return 0, fmt.Errorf("encode item: %w", err)
	}
	if err := o.store.Put(itemKey(id), data); err != nil {
		return 0, fmt.Errorf("persist item: %w", err)
	}

	o.items[id] = item
	o.byKey[item.IdempotencyKey] = id
	o.metrics.enqueued.Inc()
	o.metrics.setCounts(o.summaryLocked())

	events.FromContext(ctx).WithFields(map[string]interface{}{
		"component": "outbox",
		"item_id":   id,
		"op":        req.Op.String(),
		"scope":     req.Scope.String(),
	}).Debug("Enqueued mutation")

	return id, nil
}

// Get returns a copy of one item.
func (o *Outbox) Get(id uint64) (models.QueueItem, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	item, ok := o.items[id]
	if !ok {
		return models.QueueItem{}, fmt.Errorf("item %d: %w", id, models.ErrItemNotFound)
	}
	return *item, nil
}

// ListPending returns pending and processing items in replay order.
func (o *Outbox) ListPending() []models.QueueItem {
	return o.list(func(s models.Status) bool {
		return s == models.StatusPending || s == models.StatusProcessing
	})
}

// ListFailed returns failed items in id order.
func (o *Outbox) ListFailed() []models.QueueItem {
	return o.list(func(s models.Status) bool { return s == models.StatusFailed })
}

func (o *Outbox) list(match func(models.Status) bool) []models.QueueItem {
	o.mu.Lock()
	defer o.mu.Unlock()

	var out []models.QueueItem
	for _, id := range o.orderLocked() {
		if item := o.items[id]; match(item.Status) {
			out = append(out, *item)
		}
	}
	return out
}

// Summary returns counts and failure reasons for presentation layers.
func (o *Outbox) Summary() models.OutboxSummary {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.summaryLocked()
}

// Len returns the number of live (not completed) items.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.liveCountLocked()
}

// HasLive reports whether any unconfirmed item targets scope, including
// items queued against the local id of a record since confirmed.
func (o *Outbox) HasLive(scope models.ScopeKey) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	target := o.canonicalLocked(scope)
	for _, item := range o.items {
		if item.Status.Live() && o.canonicalLocked(item.Scope) == target {
			return true
		}
	}
	return false
}

// ResolveRecordID maps a local record id to the id the remote assigned,
// once its create has been confirmed.
func (o *Outbox) ResolveRecordID(kind, id string) string {
	o.mu.Lock()
	defer o.mu.Unlock()

	if a, ok := o.aliases[models.NewScopeKey(kind, id)]; ok {
		return a.ServerID
	}
	return id
}

// Retry moves a failed item back to pending and starts a drain.
func (o *Outbox) Retry(id uint64) error {
	o.mu.Lock()
	item, ok := o.items[id]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("retry item %d: %w", id, models.ErrItemNotFound)
	}
	if err := item.Reset(o.opts.Now()); err != nil {
		o.mu.Unlock()
		return fmt.Errorf("retry: %w", err)
	}
	o.persistItemLocked(item)
	o.metrics.setCounts(o.summaryLocked())
	o.mu.Unlock()

	o.logger.WithField("item_id", id).Info("Item scheduled for retry")
	o.Kick()
	return nil
}

// Discard removes a pending or failed item. Items behind it on other
// scopes are unaffected.
func (o *Outbox) Discard(id uint64) error {
	o.mu.Lock()
	item, ok := o.items[id]
	if !ok || item.Status == models.StatusCompleted {
		o.mu.Unlock()
		return fmt.Errorf("discard item %d: %w", id, models.ErrItemNotFound)
	}
	if item.Status == models.StatusProcessing {
		o.mu.Unlock()
		return fmt.Errorf("discard item %d while in flight: %w", id, models.ErrIllegalTransition)
	}

	removed := *item
	o.deleteItemLocked(id)
	o.metrics.setCounts(o.summaryLocked())
	hooks := append([]ResolutionHook(nil), o.hooks...)
	o.mu.Unlock()

	o.logger.WithFields(map[string]interface{}{
		"item_id": id,
		"op":      removed.Op.String(),
	}).Info("Item discarded")

	res := Resolution{Item: removed, Outcome: OutcomeDiscarded}
	for _, hook := range hooks {
		hook(res)
	}

	o.Kick()
	return nil
}

// Maintain drops completed items past retention and aliases nothing
// refers to any more. It returns the number of records removed.
func (o *Outbox) Maintain() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.opts.Now()
	removed := o.purgeCompletedLocked(now)

	for local, a := range o.aliases {
		if now.Sub(a.CreatedAt) <= o.opts.CompletedRetention {
			continue
		}
		inUse := false
		for _, item := range o.items {
			if item.Scope == local {
				inUse = true
				break
			}
		}
		if !inUse {
			delete(o.aliases, local)
			if err := o.store.Delete(aliasPrefix + string(local)); err != nil {
				o.logger.WithError(err).Warn("Failed to delete alias")
			}
			removed++
		}
	}

	if removed > 0 {
		o.metrics.setCounts(o.summaryLocked())
	}
	return removed
}

// Kick starts a drain in the background.
func (o *Outbox) Kick() {
	go o.Drain(context.Background())
}

// ScheduleRetry arms a drain after the first backoff delay. The facade
// uses it when a direct write failed transiently and was queued.
func (o *Outbox) ScheduleRetry() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.scheduleLocked(o.opts.Retry.Delay(1))
}

// Close stops the retry timer and waits for a running drain to finish.
// Queued items stay persisted.
func (o *Outbox) Close() {
	o.mu.Lock()
	o.closed = true
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
	o.mu.Unlock()

	o.active.Wait()
}

// Helpers below expect o.mu to be held.

func (o *Outbox) orderLocked() []uint64 {
	ids := make([]uint64, 0, len(o.items))
	for id := range o.items {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (o *Outbox) liveCountLocked() int {
	n := 0
	for _, item := range o.items {
		if item.Status.Live() {
			n++
		}
	}
	return n
}

func (o *Outbox) summaryLocked() models.OutboxSummary {
	var s models.OutboxSummary
	for _, id := range o.orderLocked() {
		item := o.items[id]
		switch item.Status {
		case models.StatusPending:
			s.Pending++
		case models.StatusProcessing:
			s.Processing++
		case models.StatusCompleted:
			s.Completed++
		case models.StatusFailed:
			s.Failed++
			s.Failures = append(s.Failures, models.FailureReport{
				ItemID:   item.ID,
				Scope:    item.Scope,
				Op:       item.Op.String(),
				Code:     item.ErrorCode,
				Reason:   item.LastError,
				FailedAt: item.FailedAt,
			})
		}
	}
	return s
}

// canonicalLocked maps a local scope onto its confirmed server scope.
func (o *Outbox) canonicalLocked(scope models.ScopeKey) models.ScopeKey {
	if a, ok := o.aliases[scope]; ok {
		return models.NewScopeKey(scope.Kind(), a.ServerID)
	}
	return scope
}

func (o *Outbox) purgeCompletedLocked(now time.Time) int {
	removed := 0
	for id, item := range o.items {
		if item.Status == models.StatusCompleted && now.Sub(item.CompletedAt) > o.opts.CompletedRetention {
			o.deleteItemLocked(id)
			removed++
		}
	}
	return removed
}

func (o *Outbox) deleteItemLocked(id uint64) {
	if item, ok := o.items[id]; ok {
		delete(o.byKey, item.IdempotencyKey)
		delete(o.items, id)
	}
	if err := o.store.Delete(itemKey(id)); err != nil {
		o.logger.WithError(err).WithField("item_id", id).Warn("Failed to delete item")
	}
}

func (o *Outbox) persistItemLocked(item *models.QueueItem) {
	data, err := json.Marshal(item)
	if err != nil {
		o.logger.WithError(err).WithField("item_id", item.ID).Error("Failed to encode item")
		return
	}
	if err := o.store.Put(itemKey(item.ID), data); err != nil {
		o.logger.WithError(err).WithField("item_id", item.ID).Error("Failed to persist item")
	}
}

func (o *Outbox) setAliasLocked(local models.ScopeKey, serverID string, now time.Time) {
	a := alias{ServerID: serverID, CreatedAt: now}
	o.aliases[local] = a

	data, err := json.Marshal(a)
	if err != nil {
		return
	}
	if err := o.store.Put(aliasPrefix+string(local), data); err != nil {
		o.logger.WithError(err).WithField("scope", local.String()).Warn("Failed to persist alias")
	}
}

func itemKey(id uint64) string {
	return fmt.Sprintf("%s%020d", itemPrefix, id)
}
