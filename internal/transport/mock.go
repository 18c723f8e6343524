package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/TheMichaelB/offsync/internal/models"
)

// Call is one mutation received by MockRemote.
type Call struct {
	Key string
	Op  models.Operation
	At  time.Time
}

// MockRemote is an in-memory remote store for tests. It honours
// idempotency keys: a key seen before returns the original result marked
// Duplicate without applying the change again.
type MockRemote struct {
	mu sync.Mutex

	records map[string]map[string]json.RawMessage
	applied map[string]models.RemoteResult
	nextID  int

	// Error injection
	script  []error
	failFor func(models.Operation) error
	block   chan struct{}

	// Request tracking
	calls   []Call
	fetches int
}

// NewMockRemote creates an empty remote.
func NewMockRemote() *MockRemote {
	return &MockRemote{
		records: make(map[string]map[string]json.RawMessage),
		applied: make(map[string]models.RemoteResult),
	}
}

// QueueErrors makes the next len(errs) mutation calls fail with errs in
// order. A nil entry lets that call through.
func (m *MockRemote) QueueErrors(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, errs...)
}

// FailWhen installs a standing failure policy consulted on every call.
func (m *MockRemote) FailWhen(fn func(models.Operation) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failFor = fn
}

// Block holds every call until Unblock or the call's context ends.
func (m *MockRemote) Block() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.block == nil {
		m.block = make(chan struct{})
	}
}

// Unblock releases blocked calls.
func (m *MockRemote) Unblock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.block != nil {
		close(m.block)
		m.block = nil
	}
}

// Seed stores a record directly.
func (m *MockRemote) Seed(kind, id string, payload json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.table(kind)[id] = payload
}

// Record returns the stored payload of one record.
func (m *MockRemote) Record(kind, id string) (json.RawMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.records[kind][id]
	return p, ok
}

// Records returns the number of records of kind.
func (m *MockRemote) Records(kind string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records[kind])
}

// Calls returns every mutation call received, including failed ones.
func (m *MockRemote) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// Applied returns the number of distinct idempotency keys applied.
func (m *MockRemote) Applied() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.applied)
}

// Fetches returns the number of Fetch calls.
func (m *MockRemote) Fetches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetches
}

// ApplyCreate mocks record creation. The server assigns "srv-<n>" ids.
func (m *MockRemote) ApplyCreate(ctx context.Context, key string, op models.Operation) (*models.RemoteResult, error) {
	return m.apply(ctx, key, op, func() (*models.RemoteResult, error) {
		m.nextID++
		id := fmt.Sprintf("srv-%d", m.nextID)
		rec, err := models.WithID(op.Data, id)
		if err != nil {
			return nil, &models.PermanentError{Code: models.ErrCodeValidation, Op: "create", Reason: "invalid record", Err: err}
		}
		m.table(op.Entity)[id] = rec
		return &models.RemoteResult{RecordID: id, Record: rec}, nil
	})
}

// ApplyUpdate mocks a merge-patch update.
func (m *MockRemote) ApplyUpdate(ctx context.Context, key string, op models.Operation) (*models.RemoteResult, error) {
	return m.apply(ctx, key, op, func() (*models.RemoteResult, error) {
		current, ok := m.table(op.Entity)[op.RecordID]
		if !ok {
			return nil, notFound("update", op)
		}
		rec, err := models.MergePatch(current, op.Data)
		if err != nil {
			return nil, &models.PermanentError{Code: models.ErrCodeValidation, Op: "update", Reason: "invalid patch", Err: err}
		}
		m.table(op.Entity)[op.RecordID] = rec
		return &models.RemoteResult{RecordID: op.RecordID, Record: rec}, nil
	})
}

// ApplyDelete mocks deletion. Missing records count as deleted.
func (m *MockRemote) ApplyDelete(ctx context.Context, key string, op models.Operation) (*models.RemoteResult, error) {
	return m.apply(ctx, key, op, func() (*models.RemoteResult, error) {
		delete(m.table(op.Entity), op.RecordID)
		return &models.RemoteResult{RecordID: op.RecordID}, nil
	})
}

// ApplyAction records the action name on the record.
func (m *MockRemote) ApplyAction(ctx context.Context, key string, op models.Operation) (*models.RemoteResult, error) {
	return m.apply(ctx, key, op, func() (*models.RemoteResult, error) {
		current, ok := m.table(op.Entity)[op.RecordID]
		if !ok {
			return nil, notFound("action", op)
		}
		rec, err := models.MergePatch(current, op.Data)
		if err != nil {
			return nil, &models.PermanentError{Code: models.ErrCodeValidation, Op: "action", Reason: "invalid arguments", Err: err}
		}
		marker, _ := json.Marshal(map[string]string{"last_action": op.Action})
		if rec, err = models.MergePatch(rec, marker); err != nil {
			return nil, err
		}
		m.table(op.Entity)[op.RecordID] = rec
		return &models.RemoteResult{RecordID: op.RecordID, Record: rec}, nil
	})
}

// Fetch returns a stored record.
func (m *MockRemote) Fetch(ctx context.Context, kind, id string) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.fetches++
	if err := ctx.Err(); err != nil {
		return nil, &models.TransientError{Code: models.ErrCodeTimeout, Op: "fetch", Err: err}
	}
	rec, ok := m.records[kind][id]
	if !ok {
		return nil, &models.PermanentError{Code: models.ErrCodeNotFound, Op: "fetch", Reason: "record not found"}
	}
	return rec, nil
}

func (m *MockRemote) apply(ctx context.Context, key string, op models.Operation, fn func() (*models.RemoteResult, error)) (*models.RemoteResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, Call{Key: key, Op: op, At: time.Now()})
	block := m.block
	m.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, &models.TransientError{Code: models.ErrCodeTimeout, Op: string(op.Kind), Err: ctx.Err()}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.script) > 0 {
		err := m.script[0]
		m.script = m.script[1:]
		if err != nil {
			return nil, err
		}
	}
	if m.failFor != nil {
		if err := m.failFor(op); err != nil {
			return nil, err
		}
	}

	if prev, ok := m.applied[key]; ok {
		prev.Duplicate = true
		return &prev, nil
	}

	result, err := fn()
	if err != nil {
		return nil, err
	}
	result.AppliedAt = time.Now().UTC()
	m.applied[key] = *result
	return result, nil
}

func (m *MockRemote) table(kind string) map[string]json.RawMessage {
	t, ok := m.records[kind]
	if !ok {
		t = make(map[string]json.RawMessage)
		m.records[kind] = t
	}
	return t
}

func notFound(opName string, op models.Operation) error {
	return &models.PermanentError{
		Code:   models.ErrCodeNotFound,
		Op:     opName,
		Reason: fmt.Sprintf("%s %s does not exist", op.Entity, op.RecordID),
	}
}
