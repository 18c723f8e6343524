package sync

import (
	"encoding/json"

	"github.com/TheMichaelB/offsync/internal/models"
	"github.com/TheMichaelB/offsync/internal/outbox"
)

// onResolve applies drain outcomes to the cache and event sink.
func (s *Service) onResolve(res outbox.Resolution) {
	item := res.Item
	log := s.logger.WithFields(map[string]interface{}{
		"item_id": item.ID,
		"op":      item.Op.String(),
		"outcome": res.Outcome.String(),
	})

	switch res.Outcome {
	case outbox.OutcomeCompleted:
		s.confirm(item.Scope, item.Op, item.CacheToken, res.Result, item.ID)
		log.Debug("Reconciled replayed change")

	case outbox.OutcomeFailed:
		s.sink.Publish(models.DomainEvent{
			Kind:        models.EventSyncFailed,
			Scope:       item.Scope,
			RecordID:    item.Op.RecordID,
			Action:      item.Op.Action,
			ItemID:      item.ID,
			Reason:      item.LastError,
			CompletedAt: s.opts.Now(),
		})

	case outbox.OutcomeDiscarded:
		if s.cache.Revert(item.Scope, item.CacheToken) {
			log.Debug("Reverted discarded change")
		}

	case outbox.OutcomeRetrying:
		log.WithField("retry_in", res.RetryIn.String()).Debug("Change will be retried")
	}
}

// confirm reconciles the cache with a confirmed result and publishes the
// domain event. It returns the confirmed record payload.
func (s *Service) confirm(scope models.ScopeKey, op models.Operation, token uint64, res *models.RemoteResult, itemID uint64) json.RawMessage {
	recordID := res.RecordID
	if recordID == "" {
		recordID = op.RecordID
	}
	serverScope := models.NewScopeKey(op.Entity, recordID)

	record := res.Record
	if len(record) == 0 && op.Kind == models.OpCreate {
		if withID, err := models.WithID(op.Data, recordID); err == nil {
			record = withID
		}
	}

	switch op.Kind {
	case models.OpDelete:
		s.cache.Reconcile(scope, nil, token)
		if serverScope != scope {
			s.cache.Reconcile(serverScope, nil, s.cache.NextToken())
		}

	default:
		// An empty record drops the entry so the next read refetches.
		var confirmed json.RawMessage
		if len(record) > 0 {
			confirmed = record
		}
		s.cache.Reconcile(scope, confirmed, token)
		if serverScope != scope && confirmed != nil {
			s.cache.Put(serverScope, confirmed, models.CacheFresh, s.cache.NextToken())
		}
	}

	completedAt := res.AppliedAt
	if completedAt.IsZero() {
		completedAt = s.opts.Now()
	}
	s.sink.Publish(models.DomainEvent{
		Kind:        models.EventKindFor(op.Kind),
		Scope:       serverScope,
		RecordID:    recordID,
		Action:      op.Action,
		ItemID:      itemID,
		CompletedAt: completedAt,
	})

	return record
}
