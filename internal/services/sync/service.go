// Package sync is the facade domain code writes through. It applies
// optimistic cache updates, calls the remote directly when online and
// falls back to the outbox otherwise.
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/TheMichaelB/offsync/internal/cache"
	"github.com/TheMichaelB/offsync/internal/events"
	"github.com/TheMichaelB/offsync/internal/models"
	"github.com/TheMichaelB/offsync/internal/outbox"
	"github.com/TheMichaelB/offsync/internal/transport"
)

// Outcome distinguishes the two success variants of a mutation.
type Outcome int

const (
	// OutcomeConfirmed means the remote store applied the change.
	OutcomeConfirmed Outcome = iota
	// OutcomePendingSync means the change is saved locally and queued.
	OutcomePendingSync
)

func (o Outcome) String() string {
	if o == OutcomeConfirmed {
		return "confirmed"
	}
	return "pending-sync"
}

// MarshalText implements encoding.TextMarshaler.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Result describes an accepted mutation.
type Result struct {
	Outcome Outcome         `json:"outcome"`
	Scope   models.ScopeKey `json:"scope"`

	// RecordID is the server id once confirmed, else the id the caller
	// should keep using (a local id for queued creates).
	RecordID string `json:"record_id"`

	// ItemID is the outbox item of a pending change.
	ItemID uint64 `json:"item_id,omitempty"`

	// Record is the confirmed payload, or the optimistic one while
	// pending. Empty for deletes.
	Record json.RawMessage `json:"record,omitempty"`
}

// Connectivity is the part of the monitor the facade reads.
type Connectivity interface {
	IsOnline() bool
}

// Options configure the facade.
type Options struct {
	// RequestTimeout bounds direct remote calls.
	RequestTimeout time.Duration
	Now            func() time.Time
}

// Service is the sync facade.
type Service struct {
	cache  *cache.Cache
	outbox *outbox.Outbox
	remote transport.RemoteStore
	conn   Connectivity
	sink   events.Sink
	logger *events.Logger
	opts   Options

	flight singleflight.Group
	scopes scopeGate
}

// NewService wires the facade and registers it for outbox resolutions.
func NewService(
	c *cache.Cache,
	ob *outbox.Outbox,
	remote transport.RemoteStore,
	conn Connectivity,
	sink events.Sink,
	opts Options,
	logger *events.Logger,
) *Service {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 15 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if sink == nil {
		sink = events.SinkFunc(func(models.DomainEvent) {})
	}

	s := &Service{
		cache:  c,
		outbox: ob,
		remote: remote,
		conn:   conn,
		sink:   sink,
		logger: logger.WithField("service", "sync"),
		opts:   opts,
	}
	ob.OnResolve(s.onResolve)
	return s
}

// CreateRecord creates a record of kind. The record gets a local id
// until the remote confirms it.
func (s *Service) CreateRecord(ctx context.Context, kind string, data json.RawMessage) (*Result, error) {
	localID := models.LocalIDPrefix + uuid.NewString()

	payload, err := models.WithID(data, localID)
	if err != nil {
		return nil, invalid(err)
	}

	op := models.Operation{Kind: models.OpCreate, Entity: kind, RecordID: localID, Data: data}
	return s.submit(ctx, models.NewScopeKey(kind, localID), op, payload)
}

// UpdateRecord merges patch into the record. Keys set to null are
// removed.
func (s *Service) UpdateRecord(ctx context.Context, kind, id string, patch json.RawMessage) (*Result, error) {
	id = s.outbox.ResolveRecordID(kind, id)
	scope := models.NewScopeKey(kind, id)

	leave := s.scopes.enter(scope)
	defer leave()

	payload, err := s.optimistic(scope, id, patch)
	if err != nil {
		return nil, invalid(err)
	}

	op := models.Operation{Kind: models.OpUpdate, Entity: kind, RecordID: id, Data: patch}
	return s.submit(ctx, scope, op, payload)
}

// DeleteRecord deletes the record.
func (s *Service) DeleteRecord(ctx context.Context, kind, id string) (*Result, error) {
	id = s.outbox.ResolveRecordID(kind, id)
	scope := models.NewScopeKey(kind, id)

	leave := s.scopes.enter(scope)
	defer leave()

	op := models.Operation{Kind: models.OpDelete, Entity: kind, RecordID: id}
	return s.submit(ctx, scope, op, nil)
}

// RecordAction runs a named domain action on the record. Only the remote
// knows what an action does to the record, so until it confirms, the
// cached record keeps its fields and is marked optimistic.
func (s *Service) RecordAction(ctx context.Context, kind, id, action string, args json.RawMessage) (*Result, error) {
	id = s.outbox.ResolveRecordID(kind, id)
	scope := models.NewScopeKey(kind, id)

	if _, err := models.DecodeRecord(args); err != nil {
		return nil, invalid(err)
	}

	leave := s.scopes.enter(scope)
	defer leave()

	payload, err := s.optimistic(scope, id, nil)
	if err != nil {
		return nil, invalid(err)
	}

	op := models.Operation{Kind: models.OpAction, Entity: kind, RecordID: id, Action: action, Data: args}
	return s.submit(ctx, scope, op, payload)
}

// optimistic merges changes into the cached record, or starts from the
// changes alone when nothing is cached.
func (s *Service) optimistic(scope models.ScopeKey, id string, changes json.RawMessage) (json.RawMessage, error) {
	var base json.RawMessage
	if entry, ok := s.cache.Get(scope); ok && !entry.Deleted {
		base = entry.Payload
	}

	merged, err := models.MergePatch(base, changes)
	if err != nil {
		return nil, err
	}
	return models.WithID(merged, id)
}

// submit runs the shared write path. A nil payload writes a tombstone.
// Writes to existing records hold the scope's turn, so an earlier write to
// the same record is confirmed or visible in the outbox before this one is
// routed.
func (s *Service) submit(ctx context.Context, scope models.ScopeKey, op models.Operation, payload json.RawMessage) (*Result, error) {
	ctx = events.WithScope(ctx, scope)
	log := events.FromContext(ctx).WithFields(map[string]interface{}{
		"service": "sync",
		"op":      op.String(),
	})

	token := s.cache.NextToken()
	if op.Kind == models.OpDelete {
		s.cache.PutTombstone(scope, token)
	} else {
		s.cache.Put(scope, payload, models.CacheOptimistic, token)
	}

	key := uuid.NewString()
	online := s.conn.IsOnline()
	queuedBehind := s.outbox.HasLive(scope)
	directFailed := false

	if online && !queuedBehind {
		callCtx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
		res, err := transport.Apply(callCtx, s.remote, key, op)
		cancel()

		if err == nil {
			record := s.confirm(scope, op, token, res, 0)
			log.WithField("record_id", res.RecordID).Info("Change confirmed")
			return &Result{
				Outcome:  OutcomeConfirmed,
				Scope:    models.NewScopeKey(op.Entity, res.RecordID),
				RecordID: res.RecordID,
				Record:   record,
			}, nil
		}

		if models.IsPermanent(err) {
			s.cache.Revert(scope, token)
			log.WithError(err).Warn("Change rejected by remote")
			return nil, &models.RejectedError{
				Class:  models.ClassPermanent,
				Reason: models.Reason(err),
				Err:    err,
			}
		}

		log.WithError(err).Info("Direct write failed, queueing")
		directFailed = true
	}

	id, err := s.outbox.Enqueue(ctx, models.EnqueueRequest{
		IdempotencyKey: key,
		Scope:          scope,
		Op:             op,
		CacheToken:     token,
	})
	if err != nil {
		s.cache.Revert(scope, token)
		log.WithError(err).Warn("Change could not be queued")
		return nil, &models.RejectedError{
			Class:  models.Classify(err),
			Reason: models.Reason(err),
			Err:    err,
		}
	}

	switch {
	case directFailed:
		s.outbox.ScheduleRetry()
	case online:
		s.outbox.Kick()
	}

	log.WithField("item_id", id).Info("Change saved, will sync")
	return &Result{
		Outcome:  OutcomePendingSync,
		Scope:    scope,
		RecordID: op.RecordID,
		ItemID:   id,
		Record:   payload,
	}, nil
}

// Get reads the cache without touching the network. A local id whose
// create has been confirmed reads whichever of its entries is newer.
func (s *Service) Get(kind, id string) (models.CacheEntry, bool) {
	scope := models.NewScopeKey(kind, id)
	entry, ok := s.cache.Get(scope)
	if !scope.IsLocal() {
		return entry, ok
	}

	if resolved := s.outbox.ResolveRecordID(kind, id); resolved != id {
		if other, found := s.cache.Get(models.NewScopeKey(kind, resolved)); found && (!ok || other.Token > entry.Token) {
			return other, true
		}
	}
	return entry, ok
}

// Fetch reads the record from the remote and caches it as fresh.
// Concurrent fetches of one record share a single remote call. Offline,
// or when the remote is unreachable, the cached entry is returned as is.
func (s *Service) Fetch(ctx context.Context, kind, id string) (models.CacheEntry, error) {
	id = s.outbox.ResolveRecordID(kind, id)
	scope := models.NewScopeKey(kind, id)

	if !s.conn.IsOnline() {
		if entry, ok := s.cache.Get(scope); ok {
			return entry, nil
		}
		return models.CacheEntry{}, fmt.Errorf("fetch %s: %w", scope, models.ErrOffline)
	}

	v, err, _ := s.flight.Do(string(scope), func() (interface{}, error) {
		token := s.cache.NextToken()

		callCtx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
		defer cancel()

		payload, err := s.remote.Fetch(callCtx, kind, id)
		if err != nil {
			return nil, err
		}
		s.cache.Put(scope, payload, models.CacheFresh, token)
		return payload, nil
	})

	if err != nil {
		if models.ErrorCode(err) == models.ErrCodeNotFound {
			// Gone remotely; keep only local changes that are still pending.
			if entry, ok := s.cache.Get(scope); ok && entry.State != models.CacheOptimistic {
				s.cache.Invalidate(scope)
			}
		}
		if models.IsTransient(err) {
			if entry, ok := s.cache.Get(scope); ok {
				s.logger.WithError(err).WithField("scope", scope.String()).Warn("Fetch failed, serving cached entry")
				return entry, nil
			}
		}
		return models.CacheEntry{}, fmt.Errorf("fetch %s: %w", scope, err)
	}

	if entry, ok := s.cache.Get(scope); ok {
		return entry, nil
	}

	// Evicted between the put and the read.
	return models.CacheEntry{
		ScopeKey: scope,
		Payload:  v.(json.RawMessage),
		CachedAt: s.opts.Now(),
		State:    models.CacheFresh,
	}, nil
}

// Summary returns pending and failed counts for presentation layers.
func (s *Service) Summary() models.OutboxSummary {
	return s.outbox.Summary()
}

// Retry schedules a failed change for another attempt.
func (s *Service) Retry(id uint64) error {
	return s.outbox.Retry(id)
}

// Discard drops a queued or failed change and reverts its optimistic
// cache entry.
func (s *Service) Discard(id uint64) error {
	return s.outbox.Discard(id)
}

func invalid(err error) error {
	return &models.RejectedError{
		Class:  models.ClassPermanent,
		Reason: "payload must be a JSON object",
		Err:    err,
	}
}
