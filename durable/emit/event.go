package emit

// Event represents an observability event emitted while a durable execution runs.
//
// Events cover:
//   - Execution start, end, and suspension
//   - Operation start, replay, retry, success, and failure
//   - Checkpoint batches sent to the durability service
//
// Events are emitted to an Emitter which can:
//   - Log to stdout/stderr
//   - Send to OpenTelemetry
//   - Keep them in memory for tests
type Event struct {
	// ExecutionID identifies the durable execution that emitted this event.
	ExecutionID string

	// OperationID identifies the operation the event is about.
	// Empty string for execution-level events.
	OperationID string

	// Name is the user supplied operation name, if any.
	Name string

	// Msg is the event kind, for example "operation_retry".
	Msg string

	// Meta contains additional structured data specific to this event.
	// Common keys:
	//   - "type": Operation type (STEP, CALLBACK, WAIT, CONTEXT)
	//   - "attempt": Attempt number for step events (1-indexed)
	//   - "delay_ms": Scheduled retry delay
	//   - "duration_ms": Execution duration in milliseconds
	//   - "error": Error message
	//   - "batch_size": Number of updates in a checkpoint call
	Meta map[string]interface{}
}

// Event kinds emitted by the durable package.
const (
	MsgExecutionStart      = "execution_start"
	MsgExecutionEnd        = "execution_end"
	MsgExecutionSuspended  = "execution_suspended"
	MsgOperationStart      = "operation_start"
	MsgOperationReplayed   = "operation_replayed"
	MsgOperationRetry      = "operation_retry"
	MsgOperationFailed     = "operation_failed"
	MsgOperationSucceeded  = "operation_succeeded"
	MsgOperationNotAwaited = "operation_not_awaited"
	MsgCheckpointBatch     = "checkpoint_batch"
)
