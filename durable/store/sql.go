package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// dialect captures the few statements that differ between SQL backends.
type dialect struct {
	name string

	// schema is executed statement by statement on open.
	schema []string

	// upsertOperation inserts or replaces one operation row.
	// Parameters: execution_id, op_id, seq, callback_id, data.
	upsertOperation string

	// lockExecution reads the checkpoint token inside a transaction and locks the row.
	lockExecution string
}

// sqlStore implements Service on database/sql. SQLiteStore and MySQLStore wrap it.
//
// Schema:
//   - durable_executions: one row per execution with its current checkpoint token
//   - durable_operations: one row per operation, JSON encoded, ordered by seq
type sqlStore struct {
	db     *sql.DB
	d      dialect
	clock  Clock
	mu     sync.RWMutex
	closed bool
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect, clock Clock) (*sqlStore, error) {
	if clock == nil {
		clock = time.Now
	}
	s := &sqlStore{db: db, d: d, clock: clock}
	for _, stmt := range d.schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("failed to create %s schema: %w", d.name, err)
		}
	}
	return s, nil
}

func (s *sqlStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("store is closed")
	}
	return nil
}

// Close closes the underlying database connection.
func (s *sqlStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// StartExecution creates an execution holding input in its EXECUTION operation.
func (s *sqlStore) StartExecution(ctx context.Context, name string, input *string) (string, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}

	id := uuid.NewString()
	root := newExecutionOperation(id, name, input, s.clock())
	data, err := json.Marshal(root)
	if err != nil {
		return "", fmt.Errorf("failed to marshal execution operation: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO durable_executions (id, name, token, created_at) VALUES (?, ?, ?, ?)",
		id, name, uuid.NewString(), s.clock().UTC()); err != nil {
		return "", fmt.Errorf("failed to insert execution: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.d.upsertOperation, id, id, 0, "", string(data)); err != nil {
		return "", fmt.Errorf("failed to insert execution operation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit execution: %w", err)
	}
	return id, nil
}

// GetExecutionState returns one page of operations ordered by creation.
func (s *sqlStore) GetExecutionState(ctx context.Context, executionID, marker string, maxItems int) (*ExecutionState, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if maxItems <= 0 {
		maxItems = DefaultPageSize
	}
	offset := 0
	if marker != "" {
		n, err := strconv.Atoi(marker)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: bad marker %q", ErrInvalidUpdate, marker)
		}
		offset = n
	}

	var token string
	err := s.db.QueryRowContext(ctx, "SELECT token FROM durable_executions WHERE id = ?", executionID).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution %s: %w", executionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load execution: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT data FROM durable_operations WHERE execution_id = ? ORDER BY seq LIMIT ? OFFSET ?",
		executionID, maxItems+1, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query operations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	now := s.clock()
	ops := make([]*Operation, 0, maxItems)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		op, err := decodeOperation(data)
		if err != nil {
			return nil, err
		}
		materialize(op, now)
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate operations: %w", err)
	}

	state := &ExecutionState{CheckpointToken: token}
	if len(ops) > maxItems {
		ops = ops[:maxItems]
		state.NextMarker = strconv.Itoa(offset + maxItems)
	}
	state.Operations = ops
	return state, nil
}

// Checkpoint applies updates in one transaction and rotates the checkpoint token.
func (s *sqlStore) Checkpoint(ctx context.Context, executionID, token string, updates []OperationUpdate) (*CheckpointOutput, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRowContext(ctx, s.d.lockExecution, executionID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution %s: %w", executionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock execution: %w", err)
	}
	if current != token {
		return nil, ErrInvalidCheckpointToken
	}

	ops, maxSeq, err := s.loadOperations(ctx, tx, executionID)
	if err != nil {
		return nil, err
	}
	now := s.clock()
	for _, op := range ops {
		materialize(op, now)
	}

	touched, created, err := applyBatch(ops, updates, now, uuid.NewString)
	if err != nil {
		return nil, err
	}

	seqs := make(map[string]int, len(created))
	for i, op := range created {
		seqs[op.ID] = maxSeq + 1 + i
	}

	for _, op := range touched {
		data, err := json.Marshal(op)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal operation %s: %w", op.ID, err)
		}
		if seq, isNew := seqs[op.ID]; isNew {
			_, err = tx.ExecContext(ctx, s.d.upsertOperation, executionID, op.ID, seq, callbackIDOf(op), string(data))
		} else {
			_, err = tx.ExecContext(ctx,
				"UPDATE durable_operations SET data = ?, callback_id = ? WHERE execution_id = ? AND op_id = ?",
				string(data), callbackIDOf(op), executionID, op.ID)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to save operation %s: %w", op.ID, err)
		}
	}

	next := uuid.NewString()
	if _, err := tx.ExecContext(ctx, "UPDATE durable_executions SET token = ? WHERE id = ?", next, executionID); err != nil {
		return nil, fmt.Errorf("failed to rotate checkpoint token: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit checkpoint: %w", err)
	}

	return &CheckpointOutput{CheckpointToken: next, Operations: touched}, nil
}

func (s *sqlStore) loadOperations(ctx context.Context, tx *sql.Tx, executionID string) (map[string]*Operation, int, error) {
	rows, err := tx.QueryContext(ctx,
		"SELECT seq, data FROM durable_operations WHERE execution_id = ? ORDER BY seq", executionID)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query operations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	ops := make(map[string]*Operation)
	maxSeq := 0
	for rows.Next() {
		var (
			seq  int
			data string
		)
		if err := rows.Scan(&seq, &data); err != nil {
			return nil, 0, fmt.Errorf("failed to scan operation: %w", err)
		}
		op, err := decodeOperation(data)
		if err != nil {
			return nil, 0, err
		}
		ops[op.ID] = op
		if seq > maxSeq {
			maxSeq = seq
		}
	}
	return ops, maxSeq, rows.Err()
}

// SendCallbackSuccess completes a callback with result.
func (s *sqlStore) SendCallbackSuccess(ctx context.Context, callbackID string, result *string) error {
	return s.updateCallback(ctx, callbackID, func(op *Operation, now time.Time) error {
		return completeCallback(op, result, nil, now)
	})
}

// SendCallbackFailure fails a callback with errObj.
func (s *sqlStore) SendCallbackFailure(ctx context.Context, callbackID string, errObj *ErrorObject) error {
	if errObj == nil {
		errObj = &ErrorObject{}
	}
	return s.updateCallback(ctx, callbackID, func(op *Operation, now time.Time) error {
		return completeCallback(op, nil, errObj, now)
	})
}

// SendCallbackHeartbeat records a heartbeat for a callback.
func (s *sqlStore) SendCallbackHeartbeat(ctx context.Context, callbackID string) error {
	return s.updateCallback(ctx, callbackID, heartbeatCallback)
}

func (s *sqlStore) updateCallback(ctx context.Context, callbackID string, fn func(*Operation, time.Time) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var executionID, opID, data string
	err = tx.QueryRowContext(ctx,
		"SELECT execution_id, op_id, data FROM durable_operations WHERE callback_id = ?", callbackID).
		Scan(&executionID, &opID, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("callback %s: %w", callbackID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to load callback: %w", err)
	}

	op, err := decodeOperation(data)
	if err != nil {
		return err
	}
	now := s.clock()
	materialize(op, now)
	if err := fn(op, now); err != nil {
		return err
	}

	encoded, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("failed to marshal callback operation: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE durable_operations SET data = ? WHERE execution_id = ? AND op_id = ?",
		string(encoded), executionID, opID); err != nil {
		return fmt.Errorf("failed to save callback: %w", err)
	}
	return tx.Commit()
}

func decodeOperation(data string) (*Operation, error) {
	var op Operation
	if err := json.Unmarshal([]byte(data), &op); err != nil {
		return nil, fmt.Errorf("failed to unmarshal operation: %w", err)
	}
	return &op, nil
}

func callbackIDOf(op *Operation) string {
	if op.CallbackDetails != nil {
		return op.CallbackDetails.CallbackID
	}
	return ""
}
