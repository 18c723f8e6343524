package models

import "time"

// DomainEventKind names a state change collaborators can react to.
type DomainEventKind string

const (
	EventRecordCreated DomainEventKind = "record.created"
	EventRecordUpdated DomainEventKind = "record.updated"
	EventRecordDeleted DomainEventKind = "record.deleted"
	EventRecordAction  DomainEventKind = "record.action"
	EventSyncFailed    DomainEventKind = "record.sync_failed"
)

// EventKindFor maps a confirmed operation onto its domain event kind.
func EventKindFor(kind OperationKind) DomainEventKind {
	switch kind {
	case OpCreate:
		return EventRecordCreated
	case OpDelete:
		return EventRecordDeleted
	case OpAction:
		return EventRecordAction
	default:
		return EventRecordUpdated
	}
}

// DomainEvent is published by the sync facade on confirmed completion.
type DomainEvent struct {
	Kind        DomainEventKind `json:"kind"`
	Scope       ScopeKey        `json:"scope"`
	RecordID    string          `json:"record_id,omitempty"`
	Action      string          `json:"action,omitempty"`
	ItemID      uint64          `json:"item_id,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	CompletedAt time.Time       `json:"completed_at"`
}
