package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/TheMichaelB/offsync/internal/models"
)

// RemoteStore is the remote system of record. Every mutating call carries
// the idempotency key of the change so a replay after an ambiguous failure
// is applied at most once. Errors are *models.TransientError or
// *models.PermanentError. Callers go through Apply, which tolerates a nil
// result on success.
type RemoteStore interface {
	ApplyCreate(ctx context.Context, idempotencyKey string, op models.Operation) (*models.RemoteResult, error)
	ApplyUpdate(ctx context.Context, idempotencyKey string, op models.Operation) (*models.RemoteResult, error)
	ApplyDelete(ctx context.Context, idempotencyKey string, op models.Operation) (*models.RemoteResult, error)
	ApplyAction(ctx context.Context, idempotencyKey string, op models.Operation) (*models.RemoteResult, error)

	// Fetch reads the current payload of one record.
	Fetch(ctx context.Context, kind, id string) (json.RawMessage, error)
}

// Apply dispatches op to the matching RemoteStore method. A success
// without a result is read as the record applied under its own id.
func Apply(ctx context.Context, remote RemoteStore, idempotencyKey string, op models.Operation) (*models.RemoteResult, error) {
	result, err := dispatch(ctx, remote, idempotencyKey, op)
	if err != nil {
		return nil, err
	}
	if result == nil {
		result = &models.RemoteResult{RecordID: op.RecordID}
	}
	return result, nil
}

func dispatch(ctx context.Context, remote RemoteStore, idempotencyKey string, op models.Operation) (*models.RemoteResult, error) {
	switch op.Kind {
	case models.OpCreate:
		return remote.ApplyCreate(ctx, idempotencyKey, op)
	case models.OpUpdate:
		return remote.ApplyUpdate(ctx, idempotencyKey, op)
	case models.OpDelete:
		return remote.ApplyDelete(ctx, idempotencyKey, op)
	case models.OpAction:
		return remote.ApplyAction(ctx, idempotencyKey, op)
	default:
		return nil, &models.PermanentError{
			Code:   models.ErrCodeValidation,
			Op:     "apply",
			Reason: fmt.Sprintf("unknown operation kind %q", op.Kind),
		}
	}
}
