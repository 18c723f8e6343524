package models_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/offsync/internal/models"
)

func TestScopeKey(t *testing.T) {
	key := models.NewScopeKey("note", "local-abc")
	assert.Equal(t, "note:local-abc", key.String())
	assert.Equal(t, "note", key.Kind())
	assert.Equal(t, "local-abc", key.ID())
	assert.True(t, key.IsLocal())

	assert.False(t, models.NewScopeKey("note", "42").IsLocal())
}

func TestMergePatch(t *testing.T) {
	base := json.RawMessage(`{"id":"1","title":"a","body":"b"}`)
	patch := json.RawMessage(`{"title":"c","body":null,"tags":["x"]}`)

	merged, err := models.MergePatch(base, patch)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"1","title":"c","tags":["x"]}`, string(merged))

	merged, err = models.MergePatch(nil, patch)
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"c","tags":["x"]}`, string(merged))

	_, err = models.MergePatch(json.RawMessage(`[1]`), patch)
	assert.Error(t, err)
}

func TestWithID(t *testing.T) {
	out, err := models.WithID(json.RawMessage(`{"title":"a"}`), "srv-9")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"srv-9","title":"a"}`, string(out))
}

func TestOperationString(t *testing.T) {
	op := models.Operation{Kind: models.OpAction, Entity: "task", RecordID: "5", Action: "complete"}
	assert.Equal(t, "action task/5 (complete)", op.String())
	assert.True(t, op.Kind.Valid())
	assert.False(t, models.OperationKind("upsert").Valid())
}
