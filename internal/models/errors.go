package models

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Error codes for structured error handling.
const (
	ErrCodeNetwork    = "NETWORK_ERROR"
	ErrCodeTimeout    = "TIMEOUT"
	ErrCodeServerBusy = "SERVER_BUSY"
	ErrCodeValidation = "VALIDATION_ERROR"
	ErrCodeAuth       = "AUTH_ERROR"
	ErrCodeConflict   = "CONFLICT"
	ErrCodeNotFound   = "NOT_FOUND"
	ErrCodeCapacity   = "CAPACITY_EXCEEDED"
	ErrCodeExhausted  = "RETRIES_EXHAUSTED"
	ErrCodeStorage    = "STORAGE_ERROR"
)

// Sentinel errors
var (
	ErrCapacityExceeded  = errors.New("capacity exceeded")
	ErrItemNotFound      = errors.New("queue item not found")
	ErrIllegalTransition = errors.New("illegal status transition")
	ErrRejected          = errors.New("mutation rejected")
	ErrKeyNotFound       = errors.New("key not found")
	ErrOffline           = errors.New("device is offline")
)

// ErrorClass partitions failures into the three handling policies.
type ErrorClass int

const (
	ClassUnknown ErrorClass = iota
	ClassTransient
	ClassPermanent
	ClassCapacity
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	case ClassCapacity:
		return "capacity"
	default:
		return "unknown"
	}
}

// APIError represents an error body returned by the remote store.
type APIError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"status_code"`
	RequestID  string `json:"request_id,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

// TransientError is a failure worth retrying: network unreachable, timeout,
// server busy.
type TransientError struct {
	Code string
	Op   string
	Err  error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s [%s]: %v", e.Op, e.Code, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// PermanentError is a failure the remote will keep returning: validation,
// authorization, unresolvable conflict.
type PermanentError struct {
	Code   string
	Op     string
	Reason string
	Err    error
}

func (e *PermanentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s [%s]: %s: %v", e.Op, e.Code, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s [%s]: %s", e.Op, e.Code, e.Reason)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// RejectedError is returned by the sync facade when a mutation can be
// neither applied nor queued.
type RejectedError struct {
	Class  ErrorClass
	Reason string
	Err    error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("mutation rejected (%s): %s", e.Class, e.Reason)
}

func (e *RejectedError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrRejected}
	}
	return []error{ErrRejected, e.Err}
}

// Classify maps an error onto its handling class. Unclassified errors
// count as transient.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassUnknown
	}

	var permanent *PermanentError
	var transient *TransientError
	var netErr net.Error

	switch {
	case errors.Is(err, ErrCapacityExceeded):
		return ClassCapacity
	case errors.As(err, &permanent):
		return ClassPermanent
	case errors.As(err, &transient):
		return ClassTransient
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	case errors.As(err, &netErr):
		return ClassTransient
	default:
		return ClassTransient
	}
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return err != nil && Classify(err) == ClassTransient
}

// IsPermanent reports whether err must be surfaced to the user.
func IsPermanent(err error) bool {
	return err != nil && Classify(err) == ClassPermanent
}

// ErrorCode extracts a code from a classified error.
func ErrorCode(err error) string {
	var permanent *PermanentError
	var transient *TransientError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &permanent):
		return permanent.Code
	case errors.As(err, &transient):
		return transient.Code
	case errors.Is(err, ErrCapacityExceeded):
		return ErrCodeCapacity
	case errors.Is(err, context.DeadlineExceeded):
		return ErrCodeTimeout
	default:
		return ErrCodeNetwork
	}
}

// Reason returns a human-readable explanation suitable for a failed-items list.
func Reason(err error) string {
	var permanent *PermanentError
	if errors.As(err, &permanent) && permanent.Reason != "" {
		return permanent.Reason
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
