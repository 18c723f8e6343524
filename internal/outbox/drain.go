package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/TheMichaelB/offsync/internal/models"
	"github.com/TheMichaelB/offsync/internal/transport"
)

// DrainReport summarizes one drain invocation.
type DrainReport struct {
	// Coalesced is set when another drain was already running.
	Coalesced bool `json:"coalesced,omitempty"`
	// Offline is set when the gate reported no connectivity.
	Offline bool `json:"offline,omitempty"`

	Attempted int `json:"attempted"`
	Completed int `json:"completed"`
	Retrying  int `json:"retrying"`
	Failed    int `json:"failed"`
	Remaining int `json:"remaining"`

	// NextAttempt is when a scheduled drain will wake, zero if none is.
	NextAttempt time.Time `json:"next_attempt,omitempty"`
}

// Drain replays pending items in ascending id order, one at a time. Only
// one drain runs per outbox; concurrent calls return immediately with
// Coalesced set and the running drain makes one more pass when it
// finishes. Drain records per-item failures and never returns an error.
func (o *Outbox) Drain(ctx context.Context) (report DrainReport) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return report
	}
	if o.draining {
		o.rerun = true
		o.mu.Unlock()
		o.metrics.drains.WithLabelValues("coalesced").Inc()
		report.Coalesced = true
		return report
	}
	o.draining = true
	o.active.Add(1)
	o.mu.Unlock()
	defer o.active.Done()

	defer func() {
		o.mu.Lock()
		o.draining = false
		again := o.rerun && !o.closed && !report.Offline
		o.rerun = false
		report.Remaining = o.liveCountLocked()
		if o.timer != nil {
			report.NextAttempt = o.timerAt
		}
		o.metrics.setCounts(o.summaryLocked())
		o.mu.Unlock()

		// A wake-up that lost the race with this drain still gets its pass.
		if again {
			go o.Drain(context.Background())
		}
	}()

	if !o.online() {
		o.metrics.drains.WithLabelValues("offline").Inc()
		report.Offline = true
		return report
	}
	o.metrics.drains.WithLabelValues("run").Inc()

	log := o.logger.WithField("drain", true)
	log.Debug("Drain started")

	for ctx.Err() == nil {
		if !o.online() {
			report.Offline = true
			break
		}

		id, ok := o.next()
		if !ok {
			break
		}

		if err := o.limiter.Wait(ctx); err != nil {
			break
		}

		key, op, ok := o.begin(id)
		if !ok {
			continue
		}

		report.Attempted++
		res, stop := o.replay(ctx, id, key, op)
		if res == nil {
			break
		}

		switch res.Outcome {
		case OutcomeCompleted:
			report.Completed++
		case OutcomeRetrying:
			report.Retrying++
		case OutcomeFailed:
			report.Failed++
		}
		o.notify(*res)

		if stop {
			break
		}
	}

	log.WithFields(map[string]interface{}{
		"attempted": report.Attempted,
		"completed": report.Completed,
		"retrying":  report.Retrying,
		"failed":    report.Failed,
	}).Debug("Drain finished")

	return report
}

func (o *Outbox) online() bool {
	o.mu.Lock()
	gate := o.gate
	o.mu.Unlock()
	return gate == nil || gate()
}

// next picks the item to replay and schedules a wake-up when the head is
// waiting on backoff or a failed-item hold.
func (o *Outbox) next() (uint64, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return 0, false
	}

	now := o.opts.Now()
	item, wait := o.nextLocked(now)
	if item == nil {
		if wait > 0 {
			o.scheduleLocked(wait)
		}
		return 0, false
	}
	return item.ID, true
}

// nextLocked walks the queue in id order. A failed item holds the queue
// until FailedHold has passed; after that only its own scope stays
// blocked.
func (o *Outbox) nextLocked(now time.Time) (*models.QueueItem, time.Duration) {
	blocked := make(map[models.ScopeKey]bool)

	for _, id := range o.orderLocked() {
		item := o.items[id]
		scope := o.canonicalLocked(item.Scope)

		switch item.Status {
		case models.StatusCompleted:
			continue

		case models.StatusFailed:
			if until := item.FailedAt.Add(o.opts.FailedHold); now.Before(until) {
				return nil, until.Sub(now)
			}
			blocked[scope] = true

		case models.StatusProcessing:
			return nil, 0

		case models.StatusPending:
			if blocked[scope] {
				continue
			}
			if !item.Ready(now) {
				return nil, item.NextAttemptAt.Sub(now)
			}
			return item, 0
		}
	}

	return nil, 0
}

// begin marks the item processing and returns the operation to send,
// with local record ids replaced by confirmed server ids.
func (o *Outbox) begin(id uint64) (string, models.Operation, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	item, ok := o.items[id]
	now := o.opts.Now()
	if !ok || !item.Ready(now) {
		return "", models.Operation{}, false
	}
	if err := item.Begin(now); err != nil {
		o.logger.WithError(err).Warn("Could not start replay")
		return "", models.Operation{}, false
	}
	o.persistItemLocked(item)
	o.metrics.setCounts(o.summaryLocked())

	op := item.Op
	if a, ok := o.aliases[item.Scope]; ok && op.Kind != models.OpCreate {
		op.RecordID = a.ServerID
	}
	return item.IdempotencyKey, op, true
}

// replay sends one item and applies the resulting transition. It returns
// nil when the drain context ended mid-call; the item goes back to pending
// with no attempt charged.
func (o *Outbox) replay(ctx context.Context, id uint64, key string, op models.Operation) (*Resolution, bool) {
	callCtx, cancel := context.WithTimeout(ctx, o.opts.RequestTimeout)
	start := time.Now()
	result, err := transport.Apply(callCtx, o.remote, key, op)
	cancel()
	o.metrics.replayDuration.Observe(time.Since(start).Seconds())

	o.mu.Lock()
	defer o.mu.Unlock()

	item := o.items[id]
	now := o.opts.Now()
	log := o.logger.WithFields(map[string]interface{}{
		"item_id": id,
		"op":      op.String(),
	})

	if err == nil {
		if cerr := item.Complete(now); cerr != nil {
			log.WithError(cerr).Error("Could not complete item")
		}
		if op.Kind == models.OpCreate && result.RecordID != "" && result.RecordID != item.Op.RecordID {
			o.setAliasLocked(item.Scope, result.RecordID, now)
		}
		o.persistItemLocked(item)
		o.metrics.attempts.WithLabelValues("completed").Inc()
		log.WithField("duplicate", result.Duplicate).Info("Replayed item")
		return &Resolution{Item: *item, Outcome: OutcomeCompleted, Result: result}, false
	}

	if ctx.Err() != nil {
		if rerr := item.Requeue(now); rerr != nil {
			log.WithError(rerr).Error("Could not requeue item")
		}
		o.persistItemLocked(item)
		return nil, true
	}

	if models.IsPermanent(err) {
		if ferr := item.Fail(models.ErrorCode(err), models.Reason(err), now); ferr != nil {
			log.WithError(ferr).Error("Could not fail item")
		}
		o.persistItemLocked(item)
		o.metrics.attempts.WithLabelValues("permanent").Inc()
		log.WithError(err).Warn("Item rejected by remote")
		return &Resolution{Item: *item, Outcome: OutcomeFailed, Err: err}, false
	}

	o.metrics.attempts.WithLabelValues("transient").Inc()
	attempts := item.Attempts + 1

	if o.opts.Retry.Exhausted(attempts) {
		item.Attempts = attempts
		if ferr := item.Fail(models.ErrCodeExhausted, fmt.Sprintf("gave up after %d attempts: %s", attempts, models.Reason(err)), now); ferr != nil {
			log.WithError(ferr).Error("Could not fail item")
		}
		o.persistItemLocked(item)
		log.WithError(err).WithField("attempts", attempts).Warn("Retries exhausted")
		return &Resolution{Item: *item, Outcome: OutcomeFailed, Err: err}, false
	}

	delay := o.opts.Retry.Delay(attempts)
	if derr := item.Defer(err, now.Add(delay), now); derr != nil {
		log.WithError(derr).Error("Could not defer item")
	}
	o.persistItemLocked(item)
	o.scheduleLocked(delay)
	log.WithError(err).WithFields(map[string]interface{}{
		"attempts": attempts,
		"retry_in": delay.String(),
	}).Info("Transient failure, backing off")

	return &Resolution{Item: *item, Outcome: OutcomeRetrying, Err: err, RetryIn: delay}, true
}

func (o *Outbox) notify(res Resolution) {
	o.mu.Lock()
	hooks := append([]ResolutionHook(nil), o.hooks...)
	o.mu.Unlock()

	for _, hook := range hooks {
		hook(res)
	}
}

// scheduleLocked arms the wake-up timer. An earlier pending wake-up wins.
func (o *Outbox) scheduleLocked(delay time.Duration) {
	if o.closed {
		return
	}
	at := time.Now().Add(delay)
	if o.timer != nil && o.timerAt.After(time.Now()) && !o.timerAt.After(at) {
		return
	}
	if o.timer != nil {
		o.timer.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		o.mu.Lock()
		if o.timer == t {
			o.timer = nil
		}
		o.mu.Unlock()
		o.Drain(context.Background())
	})
	o.timer = t
	o.timerAt = at
}
