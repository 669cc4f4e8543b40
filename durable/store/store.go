package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested execution, operation, or callback does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidCheckpointToken is returned when a checkpoint call presents a stale token.
// It means another invocation of the same execution checkpointed first.
var ErrInvalidCheckpointToken = errors.New("invalid checkpoint token")

// ErrOperationTerminal is returned when an update targets an operation whose
// status can no longer change.
var ErrOperationTerminal = errors.New("operation already terminal")

// ErrInvalidUpdate is returned for updates the service cannot apply: unknown
// actions, actions that do not fit the operation type, or dangling parent ids.
var ErrInvalidUpdate = errors.New("invalid operation update")

// Client is the durability control plane as seen by the execution engine.
//
// It is the only contract the engine depends on. Implementations can be:
//   - A generated client for a remote control plane
//   - A local service backed by memory, SQLite, MySQL, or Redis (this package)
type Client interface {
	// GetExecutionState returns one page of the execution's operations in
	// creation order, plus the checkpoint token for the next write.
	//
	// Parameters:
	//   - executionID: Execution to read
	//   - marker: Opaque page marker from a previous page ("" for the first page)
	//   - maxItems: Page size (<= 0 lets the implementation choose)
	//
	// Returns ErrNotFound if the execution does not exist.
	GetExecutionState(ctx context.Context, executionID, marker string, maxItems int) (*ExecutionState, error)

	// Checkpoint applies updates in order and atomically.
	//
	// Returns ErrInvalidCheckpointToken when token is stale, ErrOperationTerminal
	// when an update targets a finished operation, or ErrInvalidUpdate for
	// malformed updates. No update is applied when an error is returned.
	Checkpoint(ctx context.Context, executionID, token string, updates []OperationUpdate) (*CheckpointOutput, error)
}

// Service extends Client with the calls made by parties outside the running
// function: starting executions and completing callbacks.
type Service interface {
	Client

	// StartExecution creates an execution whose EXECUTION operation holds input.
	StartExecution(ctx context.Context, name string, input *string) (string, error)

	// SendCallbackSuccess completes the callback with a serialized result.
	SendCallbackSuccess(ctx context.Context, callbackID string, result *string) error

	// SendCallbackFailure fails the callback with the given error record.
	SendCallbackFailure(ctx context.Context, callbackID string, errObj *ErrorObject) error

	// SendCallbackHeartbeat extends the callback's heartbeat deadline.
	SendCallbackHeartbeat(ctx context.Context, callbackID string) error
}

// Clock returns the current time. Stores accept one so tests can move time forward.
type Clock func() time.Time

// DefaultPageSize is used when maxItems is not positive.
const DefaultPageSize = 100

// FetchAll drains every page of GetExecutionState.
func FetchAll(ctx context.Context, c Client, executionID string, pageSize int) ([]*Operation, string, error) {
	var (
		ops    []*Operation
		token  string
		marker string
	)
	for {
		page, err := c.GetExecutionState(ctx, executionID, marker, pageSize)
		if err != nil {
			return nil, "", err
		}
		if token == "" {
			token = page.CheckpointToken
		}
		ops = append(ops, page.Operations...)
		if page.NextMarker == "" {
			return ops, token, nil
		}
		marker = page.NextMarker
	}
}
