// Package cache keeps the last-known-good payload for every scope the
// application has seen, so reads are answered locally whatever the
// connectivity.
package cache

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TheMichaelB/offsync/internal/events"
	"github.com/TheMichaelB/offsync/internal/models"
	"github.com/TheMichaelB/offsync/internal/state"
)

// KeyPrefix namespaces cache entries in the durable store.
const KeyPrefix = "cache/"

// Options tune freshness and pruning.
type Options struct {
	// TTL after which a fresh entry reads as stale-but-usable.
	TTL time.Duration

	// MaxAge after which Prune drops a confirmed entry.
	MaxAge time.Duration

	// MaxScopes bounds the number of entries kept by Prune.
	MaxScopes int

	// Now overrides the clock.
	Now func() time.Time
}

// DefaultOptions returns a 30m TTL, 24h max age and 64 scopes.
func DefaultOptions() Options {
	return Options{
		TTL:       30 * time.Minute,
		MaxAge:    24 * time.Hour,
		MaxScopes: 64,
	}
}

// node is one immutable entry plus its mutable access time.
type node struct {
	entry      models.CacheEntry
	previous   *models.CacheEntry
	lastAccess atomic.Int64
}

// record is the persisted form of a node.
type record struct {
	Entry    models.CacheEntry  `json:"entry"`
	Previous *models.CacheEntry `json:"previous,omitempty"`
}

type entries map[models.ScopeKey]*node

// Cache is the snapshot cache. Reads load an immutable map without
// locking; writers copy the map under mu and swap it in.
type Cache struct {
	store  state.Store
	logger *events.Logger
	opts   Options

	mu    sync.Mutex
	snap  atomic.Pointer[entries]
	token atomic.Uint64
}

// New creates an empty cache persisting to store. Call Load to restore
// persisted entries.
func New(store state.Store, opts Options, logger *events.Logger) *Cache {
	defaults := DefaultOptions()
	if opts.TTL <= 0 {
		opts.TTL = defaults.TTL
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = defaults.MaxAge
	}
	if opts.MaxScopes <= 0 {
		opts.MaxScopes = defaults.MaxScopes
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	c := &Cache{
		store:  store,
		logger: logger.WithField("component", "snapshot_cache"),
		opts:   opts,
	}
	empty := entries{}
	c.snap.Store(&empty)
	return c
}

// NextToken returns a new ordering token. Tokens increase monotonically.
func (c *Cache) NextToken() uint64 {
	return c.token.Add(1)
}

// Get returns the entry for scope. It never blocks and never touches the
// network. A fresh entry older than the TTL is reported stale-but-usable.
func (c *Cache) Get(scope models.ScopeKey) (models.CacheEntry, bool) {
	n, ok := (*c.snap.Load())[scope]
	if !ok {
		return models.CacheEntry{}, false
	}

	now := c.opts.Now()
	n.lastAccess.Store(now.UnixNano())

	entry := n.entry
	if entry.State == models.CacheFresh && entry.Age(now) > c.opts.TTL {
		entry.State = models.CacheStale
	}
	return entry, true
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	return len(*c.snap.Load())
}

// Scopes returns every cached scope in key order.
func (c *Cache) Scopes() []models.ScopeKey {
	m := *c.snap.Load()
	scopes := make([]models.ScopeKey, 0, len(m))
	for k := range m {
		scopes = append(scopes, k)
	}
	sort.Slice(scopes, func(i, j int) bool { return scopes[i] < scopes[j] })
	return scopes
}

// Put stores payload for scope. Writes carrying a token older than the
// current entry's lose. An optimistic entry is only replaced by a newer
// optimistic write; confirmations go through Reconcile.
func (c *Cache) Put(scope models.ScopeKey, payload json.RawMessage, st models.CacheState, token uint64) bool {
	return c.write(scope, payload, st, token, false)
}

// PutTombstone records a queued delete optimistically.
func (c *Cache) PutTombstone(scope models.ScopeKey, token uint64) bool {
	return c.write(scope, nil, models.CacheOptimistic, token, true)
}

func (c *Cache) write(scope models.ScopeKey, payload json.RawMessage, st models.CacheState, token uint64, deleted bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.opts.Now()
	current := *c.snap.Load()
	old, exists := current[scope]

	if exists {
		if token < old.entry.Token {
			c.logger.WithFields(map[string]interface{}{
				"scope":         scope.String(),
				"token":         token,
				"current_token": old.entry.Token,
			}).Debug("Rejected out-of-order cache write")
			return false
		}
		if old.entry.State == models.CacheOptimistic && st != models.CacheOptimistic {
			c.logger.WithField("scope", scope.String()).Debug("Kept optimistic entry over unconfirmed fetch")
			return false
		}
	}

	entry := models.CacheEntry{
		ScopeKey: scope,
		Payload:  payload,
		CachedAt: now,
		State:    st,
		Token:    token,
		Deleted:  deleted,
	}

	var previous *models.CacheEntry
	if exists {
		if old.entry.CachedAt.After(now) {
			entry.CachedAt = old.entry.CachedAt
		}
		if st == models.CacheOptimistic {
			prev := old.entry
			previous = &prev
		}
	}

	c.install(current, scope, entry, previous, now)
	return true
}

// Reconcile applies the confirmed outcome of the write that carried token.
// A nil payload removes the entry. A newer write on the same scope wins
// and the confirmation is dropped.
func (c *Cache) Reconcile(scope models.ScopeKey, payload json.RawMessage, token uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.opts.Now()
	current := *c.snap.Load()
	old, exists := current[scope]

	if exists && token < old.entry.Token {
		c.logger.WithFields(map[string]interface{}{
			"scope":         scope.String(),
			"token":         token,
			"current_token": old.entry.Token,
		}).Debug("Newer write supersedes confirmation")
		return false
	}

	if payload == nil {
		if exists {
			c.remove(current, scope)
		}
		return true
	}

	entry := models.CacheEntry{
		ScopeKey: scope,
		Payload:  payload,
		CachedAt: now,
		State:    models.CacheFresh,
		Token:    token,
	}
	if exists && old.entry.CachedAt.After(now) {
		entry.CachedAt = old.entry.CachedAt
	}

	c.install(current, scope, entry, nil, now)
	return true
}

// Revert undoes the optimistic write that carried token, restoring the
// entry it replaced. It is a no-op when a different write owns the scope.
func (c *Cache) Revert(scope models.ScopeKey, token uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	current := *c.snap.Load()
	old, exists := current[scope]
	if !exists || old.entry.Token != token || old.entry.State != models.CacheOptimistic {
		return false
	}

	if old.previous == nil {
		c.remove(current, scope)
		return true
	}

	// The restored payload keeps the scope's timestamp and no longer
	// counts as fresh.
	prev := *old.previous
	prev.CachedAt = old.entry.CachedAt
	if prev.State == models.CacheFresh {
		prev.State = models.CacheStale
	}
	c.install(current, scope, prev, nil, c.opts.Now())
	return true
}

// Invalidate drops the entry for scope unconditionally.
func (c *Cache) Invalidate(scope models.ScopeKey) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current := *c.snap.Load()
	if _, ok := current[scope]; ok {
		c.remove(current, scope)
	}
}

// Prune drops confirmed entries older than MaxAge and then evicts the
// least recently used confirmed entries beyond MaxScopes. Optimistic
// entries are never pruned. It returns the number of entries removed.
func (c *Cache) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.opts.Now()
	current := *c.snap.Load()
	next := make(entries, len(current))
	var removed []models.ScopeKey

	for scope, n := range current {
		if n.entry.State != models.CacheOptimistic && n.entry.Age(now) > c.opts.MaxAge {
			removed = append(removed, scope)
			continue
		}
		next[scope] = n
	}

	if over := len(next) - c.opts.MaxScopes; over > 0 {
		var candidates []*node
		for _, n := range next {
			if n.entry.State != models.CacheOptimistic {
				candidates = append(candidates, n)
			}
		}
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].lastAccess.Load() < candidates[j].lastAccess.Load()
		})
		for i := 0; i < over && i < len(candidates); i++ {
			scope := candidates[i].entry.ScopeKey
			delete(next, scope)
			removed = append(removed, scope)
		}
	}

	if len(removed) == 0 {
		return 0
	}

	c.snap.Store(&next)
	for _, scope := range removed {
		if err := c.store.Delete(storeKey(scope)); err != nil {
			c.logger.WithError(err).WithField("scope", scope.String()).Warn("Failed to delete pruned cache entry")
		}
	}

	c.logger.WithFields(map[string]interface{}{
		"removed":   len(removed),
		"remaining": len(next),
	}).Debug("Pruned cache")
	return len(removed)
}

// Load restores persisted entries. Unreadable entries are skipped.
func (c *Cache) Load() {
	c.mu.Lock()
	defer c.mu.Unlock()

	stored, err := c.store.List(KeyPrefix)
	if err != nil {
		c.logger.WithError(err).Warn("Failed to load cache, starting empty")
		return
	}

	next := make(entries, len(stored))
	var maxToken uint64
	for _, kv := range stored {
		var rec record
		if err := json.Unmarshal(kv.Value, &rec); err != nil {
			c.logger.WithError(err).WithField("key", kv.Key).Warn("Skipping unreadable cache entry")
			continue
		}
		scope := models.ScopeKey(strings.TrimPrefix(kv.Key, KeyPrefix))
		rec.Entry.ScopeKey = scope

		n := &node{entry: rec.Entry, previous: rec.Previous}
		n.lastAccess.Store(rec.Entry.CachedAt.UnixNano())
		next[scope] = n

		if rec.Entry.Token > maxToken {
			maxToken = rec.Entry.Token
		}
	}

	c.snap.Store(&next)
	for {
		cur := c.token.Load()
		if cur >= maxToken || c.token.CompareAndSwap(cur, maxToken) {
			break
		}
	}

	c.logger.WithField("entries", len(next)).Debug("Loaded cache")
}

// install swaps in a copy of current with scope set. Caller holds mu.
func (c *Cache) install(current entries, scope models.ScopeKey, entry models.CacheEntry, previous *models.CacheEntry, now time.Time) {
	n := &node{entry: entry, previous: previous}
	n.lastAccess.Store(now.UnixNano())

	next := make(entries, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	next[scope] = n
	c.snap.Store(&next)

	c.persist(scope, record{Entry: entry, Previous: previous})
}

// remove swaps in a copy of current without scope. Caller holds mu.
func (c *Cache) remove(current entries, scope models.ScopeKey) {
	next := make(entries, len(current))
	for k, v := range current {
		if k != scope {
			next[k] = v
		}
	}
	c.snap.Store(&next)

	if err := c.store.Delete(storeKey(scope)); err != nil {
		c.logger.WithError(err).WithField("scope", scope.String()).Warn("Failed to delete cache entry")
	}
}

func (c *Cache) persist(scope models.ScopeKey, rec record) {
	data, err := json.Marshal(rec)
	if err != nil {
		c.logger.WithError(err).WithField("scope", scope.String()).Warn("Failed to encode cache entry")
		return
	}
	if err := c.store.Put(storeKey(scope), data); err != nil {
		c.logger.WithError(err).WithField("scope", scope.String()).Warn("Failed to persist cache entry")
	}
}

func storeKey(scope models.ScopeKey) string {
	return fmt.Sprintf("%s%s", KeyPrefix, scope)
}
