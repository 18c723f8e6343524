package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// LocalIDPrefix marks record ids generated on the device before the
// remote store has confirmed the record.
const LocalIDPrefix = "local-"

// ScopeKey identifies the owning context of a cache entry or queue item:
// an entity kind combined with a record id.
type ScopeKey string

// NewScopeKey builds the scope key for a single record.
func NewScopeKey(kind, id string) ScopeKey {
	return ScopeKey(kind + ":" + id)
}

// Kind returns the entity kind part of the key.
func (s ScopeKey) Kind() string {
	kind, _, _ := strings.Cut(string(s), ":")
	return kind
}

// ID returns the record id part of the key.
func (s ScopeKey) ID() string {
	_, id, _ := strings.Cut(string(s), ":")
	return id
}

// IsLocal reports whether the key refers to an unconfirmed local record.
func (s ScopeKey) IsLocal() bool {
	return strings.HasPrefix(s.ID(), LocalIDPrefix)
}

func (s ScopeKey) String() string {
	return string(s)
}

// OperationKind is the kind of write an outbox item replays.
type OperationKind string

const (
	OpCreate OperationKind = "create"
	OpUpdate OperationKind = "update"
	OpDelete OperationKind = "delete"
	OpAction OperationKind = "action"
)

// Valid reports whether k is one of the known operation kinds.
func (k OperationKind) Valid() bool {
	switch k {
	case OpCreate, OpUpdate, OpDelete, OpAction:
		return true
	}
	return false
}

// Operation holds the arguments of a mutation.
type Operation struct {
	Kind     OperationKind   `json:"kind" validate:"required,oneof=create update delete action"`
	Entity   string          `json:"entity" validate:"required"`
	RecordID string          `json:"record_id" validate:"required"`
	Action   string          `json:"action,omitempty" validate:"required_if=Kind action"`
	Data     json.RawMessage `json:"data,omitempty"`
}

func (o Operation) String() string {
	if o.Kind == OpAction {
		return fmt.Sprintf("%s %s/%s (%s)", o.Kind, o.Entity, o.RecordID, o.Action)
	}
	return fmt.Sprintf("%s %s/%s", o.Kind, o.Entity, o.RecordID)
}

// RemoteResult is what the remote store returns for an applied mutation.
type RemoteResult struct {
	RecordID  string          `json:"id"`
	Record    json.RawMessage `json:"record,omitempty"`
	Duplicate bool            `json:"duplicate,omitempty"`
	AppliedAt time.Time       `json:"applied_at"`
}

// Record is the decoded form of a record payload.
type Record map[string]any

// DecodeRecord unmarshals a JSON object payload. An empty payload yields
// an empty record.
func DecodeRecord(payload json.RawMessage) (Record, error) {
	rec := Record{}
	if len(payload) == 0 || string(payload) == "null" {
		return rec, nil
	}
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}

// MergePatch applies a shallow merge of patch onto base. Keys set to null
// in patch are removed.
func MergePatch(base, patch json.RawMessage) (json.RawMessage, error) {
	rec, err := DecodeRecord(base)
	if err != nil {
		return nil, err
	}
	changes, err := DecodeRecord(patch)
	if err != nil {
		return nil, err
	}
	for k, v := range changes {
		if v == nil {
			delete(rec, k)
			continue
		}
		rec[k] = v
	}
	return json.Marshal(rec)
}

// WithID returns payload with its "id" field set.
func WithID(payload json.RawMessage, id string) (json.RawMessage, error) {
	rec, err := DecodeRecord(payload)
	if err != nil {
		return nil, err
	}
	rec["id"] = id
	return json.Marshal(rec)
}
