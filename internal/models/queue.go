package models

import (
	"fmt"
	"time"
)

// Status is the state of a queue item. The zero value is StatusPending.
type Status uint8

const (
	StatusPending Status = iota
	StatusProcessing
	StatusCompleted
	StatusFailed
)

var statusNames = [...]string{
	StatusPending:    "pending",
	StatusProcessing: "processing",
	StatusCompleted:  "completed",
	StatusFailed:     "failed",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", s)
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	if int(s) >= len(statusNames) {
		return nil, fmt.Errorf("unknown status %d", s)
	}
	return []byte(statusNames[s]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	for i, name := range statusNames {
		if name == string(text) {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", text)
}

// Live reports whether the item still counts against the outbox size.
func (s Status) Live() bool {
	return s != StatusCompleted
}

// transitions lists the legal moves of the item state machine.
var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusPending, StatusCompleted, StatusFailed},
	StatusFailed:     {StatusPending},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// QueueItem is one pending write in the outbox.
type QueueItem struct {
	ID             uint64    `json:"id"`
	IdempotencyKey string    `json:"idempotency_key"`
	Scope          ScopeKey  `json:"scope"`
	Op             Operation `json:"op"`
	Status         Status    `json:"status"`
	Attempts       int       `json:"attempts"`
	LastError      string    `json:"last_error,omitempty"`
	ErrorCode      string    `json:"error_code,omitempty"`
	CacheToken     uint64    `json:"cache_token"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	NextAttemptAt  time.Time `json:"next_attempt_at,omitempty"`
	FailedAt       time.Time `json:"failed_at,omitempty"`
	CompletedAt    time.Time `json:"completed_at,omitempty"`
}

func (it *QueueItem) move(to Status, now time.Time) error {
	if !CanTransition(it.Status, to) {
		return fmt.Errorf("item %d %s -> %s: %w", it.ID, it.Status, to, ErrIllegalTransition)
	}
	it.Status = to
	it.UpdatedAt = now
	return nil
}

// Begin marks the item as being replayed.
func (it *QueueItem) Begin(now time.Time) error {
	return it.move(StatusProcessing, now)
}

// Complete records remote confirmation.
func (it *QueueItem) Complete(now time.Time) error {
	if err := it.move(StatusCompleted, now); err != nil {
		return err
	}
	it.CompletedAt = now
	it.LastError = ""
	it.ErrorCode = ""
	return nil
}

// Defer returns the item to pending after a transient failure.
func (it *QueueItem) Defer(cause error, retryAt, now time.Time) error {
	if err := it.move(StatusPending, now); err != nil {
		return err
	}
	it.Attempts++
	it.LastError = cause.Error()
	it.ErrorCode = ErrorCode(cause)
	it.NextAttemptAt = retryAt
	return nil
}

// Fail parks the item for user inspection.
func (it *QueueItem) Fail(code, reason string, now time.Time) error {
	if err := it.move(StatusFailed, now); err != nil {
		return err
	}
	it.ErrorCode = code
	it.LastError = reason
	it.FailedAt = now
	it.NextAttemptAt = time.Time{}
	return nil
}

// Requeue returns an interrupted item to pending without charging an
// attempt.
func (it *QueueItem) Requeue(now time.Time) error {
	return it.move(StatusPending, now)
}

// Reset moves a failed item back to pending on user request.
func (it *QueueItem) Reset(now time.Time) error {
	if it.Status != StatusFailed {
		return fmt.Errorf("item %d is %s, only failed items can be retried: %w", it.ID, it.Status, ErrIllegalTransition)
	}
	if err := it.move(StatusPending, now); err != nil {
		return err
	}
	it.Attempts = 0
	it.NextAttemptAt = time.Time{}
	it.FailedAt = time.Time{}
	return nil
}

// Ready reports whether a pending item may be attempted at now.
func (it *QueueItem) Ready(now time.Time) bool {
	return it.Status == StatusPending && !now.Before(it.NextAttemptAt)
}

// EnqueueRequest carries what the facade knows about a mutation that could
// not be applied directly.
type EnqueueRequest struct {
	IdempotencyKey string    `validate:"required"`
	Scope          ScopeKey  `validate:"required"`
	Op             Operation
	CacheToken     uint64
}

// OutboxSummary is what presentation layers need for badges.
type OutboxSummary struct {
	Pending    int             `json:"pending"`
	Processing int             `json:"processing"`
	Failed     int             `json:"failed"`
	Completed  int             `json:"completed"`
	Failures   []FailureReport `json:"failures,omitempty"`
}

// Waiting returns the number of changes not yet confirmed or failed.
func (s OutboxSummary) Waiting() int {
	return s.Pending + s.Processing
}

// FailureReport is a failed item rendered for humans.
type FailureReport struct {
	ItemID   uint64    `json:"item_id"`
	Scope    ScopeKey  `json:"scope"`
	Op       string    `json:"op"`
	Code     string    `json:"code"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failed_at"`
}
