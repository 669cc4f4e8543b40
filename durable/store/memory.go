package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-memory implementation of Service.
//
// It keeps every execution's operation log in maps guarded by one mutex.
// Designed for:
//   - Unit tests of workflow code
//   - Single-process development loops
//   - Examples that should run with zero setup
//
// MemStore is thread-safe and supports concurrent access.
//
// Limitations:
//   - Data is lost when the process terminates
//   - Not suitable for distributed systems
//
// For persistence, use SQLiteStore, MySQLStore, or RedisStore.
type MemStore struct {
	mu         sync.RWMutex
	executions map[string]*memExecution // executionID -> execution
	callbacks  map[string]callbackRef   // callbackID -> owning operation
	clock      Clock
}

type memExecution struct {
	token string
	ops   map[string]*Operation
	order []string
}

type callbackRef struct {
	executionID string
	operationID string
}

// MemOption configures a MemStore.
type MemOption func(*MemStore)

// WithMemClock replaces the wall clock used for timestamps and time-based transitions.
func WithMemClock(clock Clock) MemOption {
	return func(m *MemStore) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// NewMemStore creates a new in-memory durability service.
//
// Example:
//
//	svc := store.NewMemStore()
//	id, _ := svc.StartExecution(ctx, "order-flow", &input)
//	out, _ := durable.Execute(ctx, svc, id, handler)
func NewMemStore(opts ...MemOption) *MemStore {
	m := &MemStore{
		executions: make(map[string]*memExecution),
		callbacks:  make(map[string]callbackRef),
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartExecution creates an execution holding input in its EXECUTION operation.
func (m *MemStore) StartExecution(_ context.Context, name string, input *string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := uuid.NewString()
	root := newExecutionOperation(id, name, input, m.clock())
	m.executions[id] = &memExecution{
		token: uuid.NewString(),
		ops:   map[string]*Operation{id: root},
		order: []string{id},
	}
	return id, nil
}

// GetExecutionState returns one page of operations in creation order.
func (m *MemStore) GetExecutionState(_ context.Context, executionID, marker string, maxItems int) (*ExecutionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	exec, ok := m.executions[executionID]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", executionID, ErrNotFound)
	}

	start, end, next, err := paginate(len(exec.order), marker, maxItems)
	if err != nil {
		return nil, err
	}

	now := m.clock()
	page := make([]*Operation, 0, end-start)
	for _, id := range exec.order[start:end] {
		op := exec.ops[id]
		materialize(op, now)
		page = append(page, op.Clone())
	}

	return &ExecutionState{
		CheckpointToken: exec.token,
		Operations:      page,
		NextMarker:      next,
	}, nil
}

// Checkpoint applies updates atomically and rotates the checkpoint token.
func (m *MemStore) Checkpoint(_ context.Context, executionID, token string, updates []OperationUpdate) (*CheckpointOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	exec, ok := m.executions[executionID]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", executionID, ErrNotFound)
	}
	if token != exec.token {
		return nil, ErrInvalidCheckpointToken
	}

	touched, created, err := applyBatch(exec.ops, updates, m.clock(), uuid.NewString)
	if err != nil {
		return nil, err
	}

	for _, op := range created {
		exec.order = append(exec.order, op.ID)
	}
	out := make([]*Operation, 0, len(touched))
	for _, op := range touched {
		exec.ops[op.ID] = op
		if op.CallbackDetails != nil && op.CallbackDetails.CallbackID != "" {
			m.callbacks[op.CallbackDetails.CallbackID] = callbackRef{executionID: executionID, operationID: op.ID}
		}
		out = append(out, op.Clone())
	}
	exec.token = uuid.NewString()

	return &CheckpointOutput{CheckpointToken: exec.token, Operations: out}, nil
}

// SendCallbackSuccess completes a callback with result.
func (m *MemStore) SendCallbackSuccess(_ context.Context, callbackID string, result *string) error {
	return m.updateCallback(callbackID, func(op *Operation, now time.Time) error {
		return completeCallback(op, result, nil, now)
	})
}

// SendCallbackFailure fails a callback with errObj.
func (m *MemStore) SendCallbackFailure(_ context.Context, callbackID string, errObj *ErrorObject) error {
	if errObj == nil {
		errObj = &ErrorObject{}
	}
	return m.updateCallback(callbackID, func(op *Operation, now time.Time) error {
		return completeCallback(op, nil, errObj, now)
	})
}

// SendCallbackHeartbeat records a heartbeat for a callback.
func (m *MemStore) SendCallbackHeartbeat(_ context.Context, callbackID string) error {
	return m.updateCallback(callbackID, heartbeatCallback)
}

func (m *MemStore) updateCallback(callbackID string, fn func(*Operation, time.Time) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ref, ok := m.callbacks[callbackID]
	if !ok {
		return fmt.Errorf("callback %s: %w", callbackID, ErrNotFound)
	}
	op := m.executions[ref.executionID].ops[ref.operationID]
	now := m.clock()
	materialize(op, now)

	next := op.Clone()
	if err := fn(next, now); err != nil {
		return err
	}
	m.executions[ref.executionID].ops[ref.operationID] = next
	return nil
}

var _ Service = (*MemStore)(nil)
