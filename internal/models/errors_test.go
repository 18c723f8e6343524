package models_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/TheMichaelB/offsync/internal/models"
)

func TestTransientError(t *testing.T) {
	cause := errors.New("connection refused")
	err := &models.TransientError{
		Code: models.ErrCodeNetwork,
		Op:   "create note",
		Err:  cause,
	}

	assert.Equal(t, "create note [NETWORK_ERROR]: connection refused", err.Error())
	assert.ErrorIs(t, err, cause)
}

func TestPermanentError(t *testing.T) {
	tests := []struct {
		name string
		err  *models.PermanentError
		want string
	}{
		{
			name: "with cause",
			err: &models.PermanentError{
				Code:   models.ErrCodeValidation,
				Op:     "update note",
				Reason: "title is required",
				Err:    errors.New("status 422"),
			},
			want: "update note [VALIDATION_ERROR]: title is required: status 422",
		},
		{
			name: "without cause",
			err: &models.PermanentError{
				Code:   models.ErrCodeConflict,
				Op:     "delete note",
				Reason: "record was modified",
			},
			want: "delete note [CONFLICT]: record was modified",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestAPIError(t *testing.T) {
	err := &models.APIError{
		Code:       "validation_failed",
		Message:    "title is required",
		StatusCode: 422,
	}

	assert.Equal(t, "API error 422 (validation_failed): title is required", err.Error())
	assert.Equal(t, "title is required", models.Reason(err))
}

func TestRejectedError(t *testing.T) {
	t.Run("wraps cause", func(t *testing.T) {
		cause := &models.PermanentError{Code: models.ErrCodeAuth, Op: "create", Reason: "forbidden"}
		err := &models.RejectedError{Class: models.ClassPermanent, Reason: "forbidden", Err: cause}

		assert.Equal(t, "mutation rejected (permanent): forbidden", err.Error())
		assert.ErrorIs(t, err, models.ErrRejected)

		var permanent *models.PermanentError
		assert.ErrorAs(t, err, &permanent)
		assert.Equal(t, models.ErrCodeAuth, permanent.Code)
	})

	t.Run("no cause", func(t *testing.T) {
		err := &models.RejectedError{Class: models.ClassCapacity, Reason: "outbox full"}
		assert.ErrorIs(t, err, models.ErrRejected)
	})
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want models.ErrorClass
		code string
	}{
		{"nil", nil, models.ClassUnknown, ""},
		{"capacity", fmt.Errorf("enqueue: %w", models.ErrCapacityExceeded), models.ClassCapacity, models.ErrCodeCapacity},
		{"permanent", &models.PermanentError{Code: models.ErrCodeValidation}, models.ClassPermanent, models.ErrCodeValidation},
		{"transient", &models.TransientError{Code: models.ErrCodeServerBusy, Err: errors.New("503")}, models.ClassTransient, models.ErrCodeServerBusy},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), models.ClassTransient, models.ErrCodeTimeout},
		{"net error", timeoutErr{}, models.ClassTransient, models.ErrCodeNetwork},
		{"unknown", errors.New("boom"), models.ClassTransient, models.ErrCodeNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, models.Classify(tt.err))
			assert.Equal(t, tt.code, models.ErrorCode(tt.err))
		})
	}

	assert.True(t, models.IsTransient(errors.New("boom")))
	assert.False(t, models.IsTransient(nil))
	assert.True(t, models.IsPermanent(&models.PermanentError{}))
}

func TestReason(t *testing.T) {
	assert.Equal(t, "", models.Reason(nil))
	assert.Equal(t, "no access", models.Reason(&models.PermanentError{Reason: "no access"}))
	assert.Equal(t, "boom", models.Reason(errors.New("boom")))
}
