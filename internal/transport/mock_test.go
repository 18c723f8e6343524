package transport_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/offsync/internal/models"
	"github.com/TheMichaelB/offsync/internal/transport"
)

func TestMockRemoteIdempotency(t *testing.T) {
	remote := transport.NewMockRemote()
	ctx := context.Background()
	op := models.Operation{Kind: models.OpCreate, Entity: "note", RecordID: "local-1", Data: json.RawMessage(`{"title":"x"}`)}

	first, err := remote.ApplyCreate(ctx, "key-1", op)
	require.NoError(t, err)
	assert.Equal(t, "srv-1", first.RecordID)

	again, err := remote.ApplyCreate(ctx, "key-1", op)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, "srv-1", again.RecordID)

	assert.Equal(t, 1, remote.Records("note"))
	assert.Equal(t, 1, remote.Applied())
	assert.Len(t, remote.Calls(), 2)
}

func TestMockRemoteScriptedErrors(t *testing.T) {
	remote := transport.NewMockRemote()
	remote.Seed("note", "1", json.RawMessage(`{"id":"1","title":"a"}`))
	boom := &models.TransientError{Code: models.ErrCodeNetwork, Op: "update", Err: errors.New("reset")}
	remote.QueueErrors(boom, nil)

	op := models.Operation{Kind: models.OpUpdate, Entity: "note", RecordID: "1", Data: json.RawMessage(`{"title":"b"}`)}

	_, err := remote.ApplyUpdate(context.Background(), "k1", op)
	assert.ErrorIs(t, err, boom)

	_, err = remote.ApplyUpdate(context.Background(), "k1", op)
	require.NoError(t, err)

	rec, ok := remote.Record("note", "1")
	require.True(t, ok)
	assert.JSONEq(t, `{"id":"1","title":"b"}`, string(rec))
}

func TestMockRemoteAction(t *testing.T) {
	remote := transport.NewMockRemote()
	remote.Seed("task", "9", json.RawMessage(`{"id":"9"}`))

	op := models.Operation{Kind: models.OpAction, Entity: "task", RecordID: "9", Action: "complete"}
	res, err := remote.ApplyAction(context.Background(), "k", op)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"9","last_action":"complete"}`, string(res.Record))

	_, err = remote.ApplyAction(context.Background(), "k2", models.Operation{Kind: models.OpAction, Entity: "task", RecordID: "404", Action: "x"})
	assert.Equal(t, models.ErrCodeNotFound, models.ErrorCode(err))
}

func TestMockRemoteBlock(t *testing.T) {
	remote := transport.NewMockRemote()
	remote.Block()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	op := models.Operation{Kind: models.OpDelete, Entity: "note", RecordID: "1"}
	_, err := remote.ApplyDelete(ctx, "k", op)
	assert.True(t, models.IsTransient(err))

	remote.Unblock()
	_, err = remote.ApplyDelete(context.Background(), "k", op)
	assert.NoError(t, err)
}
