package store

import (
	"fmt"
	"time"
)

// Transition rules shared by every backend in this package.
//
// Backends load the execution's operations, call materialize on reads, and
// call applyBatch inside their write transaction. Keeping the rules here means
// MemStore, SQLiteStore, MySQLStore, and RedisStore cannot drift apart.

// heartbeatTimeoutMessage is recorded when a callback misses its heartbeat deadline.
const heartbeatTimeoutMessage = "Callback heartbeat timed out"

// materialize applies the time-based transitions a remote service would have
// performed by now. It reports whether op changed.
//
//   - STEP PENDING becomes READY once NextAttemptTimestamp has passed
//   - WAIT STARTED becomes SUCCEEDED once its scheduled end has passed
//   - CALLBACK STARTED becomes TIMED_OUT once its timeout or heartbeat deadline passes
func materialize(op *Operation, now time.Time) bool {
	if op == nil || op.Status.Terminal() {
		return false
	}

	switch op.Type {
	case TypeStep:
		if op.Status == StatusPending && op.StepDetails != nil && op.StepDetails.NextAttemptTimestamp != nil &&
			!now.Before(*op.StepDetails.NextAttemptTimestamp) {
			op.Status = StatusReady
			return true
		}

	case TypeWait:
		if op.WaitDetails != nil && op.WaitDetails.ScheduledEndTimestamp != nil &&
			!now.Before(*op.WaitDetails.ScheduledEndTimestamp) {
			end := *op.WaitDetails.ScheduledEndTimestamp
			op.Status = StatusSucceeded
			op.EndTimestamp = &end
			return true
		}

	case TypeCallback:
		cb := op.CallbackDetails
		if cb == nil || op.StartTimestamp == nil {
			return false
		}
		if cb.TimeoutSeconds > 0 {
			deadline := op.StartTimestamp.Add(time.Duration(cb.TimeoutSeconds) * time.Second)
			if !now.Before(deadline) {
				op.Status = StatusTimedOut
				op.EndTimestamp = &deadline
				return true
			}
		}
		if cb.HeartbeatTimeoutSeconds > 0 {
			last := *op.StartTimestamp
			if cb.LastHeartbeat != nil {
				last = *cb.LastHeartbeat
			}
			deadline := last.Add(time.Duration(cb.HeartbeatTimeoutSeconds) * time.Second)
			if !now.Before(deadline) {
				op.Status = StatusTimedOut
				op.EndTimestamp = &deadline
				cb.Error = &ErrorObject{ErrorMessage: heartbeatTimeoutMessage}
				return true
			}
		}
	}
	return false
}

// applyBatch applies updates in order against ops, which maps operation id to
// the current record. It never mutates ops or its records. On success it
// returns the new version of every touched operation (in first-touch order)
// and the subset that did not exist before.
func applyBatch(ops map[string]*Operation, updates []OperationUpdate, now time.Time, newID func() string) (touched, created []*Operation, err error) {
	work := make(map[string]*Operation, len(updates))
	order := make([]string, 0, len(updates))
	isNew := make(map[string]bool)

	lookup := func(id string) *Operation {
		if op, ok := work[id]; ok {
			return op
		}
		if op, ok := ops[id]; ok {
			c := op.Clone()
			materialize(c, now)
			return c
		}
		return nil
	}

	for i, u := range updates {
		existing := lookup(u.ID)
		next, err := applyUpdate(existing, u, now, newID, func(id string) bool { return lookup(id) != nil })
		if err != nil {
			return nil, nil, fmt.Errorf("update %d (%s %s): %w", i, u.Action, u.ID, err)
		}
		if _, seen := work[u.ID]; !seen {
			order = append(order, u.ID)
			if existing == nil {
				isNew[u.ID] = true
			}
		}
		work[u.ID] = next
	}

	for _, id := range order {
		touched = append(touched, work[id])
		if isNew[id] {
			created = append(created, work[id])
		}
	}
	return touched, created, nil
}

// applyUpdate computes the record that results from applying u to existing
// (nil when the operation does not exist yet).
func applyUpdate(existing *Operation, u OperationUpdate, now time.Time, newID func() string, exists func(string) bool) (*Operation, error) {
	if u.ID == "" {
		return nil, fmt.Errorf("%w: missing operation id", ErrInvalidUpdate)
	}
	if existing != nil && existing.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrOperationTerminal, u.ID, existing.Status)
	}
	if existing != nil && u.Type != "" && existing.Type != u.Type {
		return nil, fmt.Errorf("%w: type %s does not match recorded %s", ErrInvalidUpdate, u.Type, existing.Type)
	}
	if existing == nil && u.Action != ActionStart {
		return nil, fmt.Errorf("%w: %s on unknown operation", ErrInvalidUpdate, u.Action)
	}

	ts := now
	switch u.Action {
	case ActionStart:
		if existing != nil {
			return restart(existing, u, ts)
		}
		return create(u, ts, newID, exists)

	case ActionSucceed:
		op := existing
		op.Status = StatusSucceeded
		op.EndTimestamp = &ts
		setResult(op, u.Payload)
		return op, nil

	case ActionFail:
		op := existing
		op.Status = StatusFailed
		op.EndTimestamp = &ts
		setError(op, u.Error)
		return op, nil

	case ActionRetry:
		op := existing
		if op.Type != TypeStep {
			return nil, fmt.Errorf("%w: RETRY is only valid for STEP", ErrInvalidUpdate)
		}
		if op.StepDetails == nil {
			op.StepDetails = &StepDetails{}
		}
		delay := 0
		if u.StepOptions != nil && u.StepOptions.NextAttemptDelaySeconds > 0 {
			delay = u.StepOptions.NextAttemptDelaySeconds
		}
		next := ts.Add(time.Duration(delay) * time.Second)
		op.Status = StatusPending
		op.StepDetails.Attempt++
		op.StepDetails.NextAttemptTimestamp = &next
		op.StepDetails.Error = u.Error.clone()
		return op, nil

	case ActionCancel:
		op := existing
		op.Status = StatusCancelled
		op.EndTimestamp = &ts
		return op, nil
	}

	return nil, fmt.Errorf("%w: unknown action %q", ErrInvalidUpdate, u.Action)
}

func create(u OperationUpdate, now time.Time, newID func() string, exists func(string) bool) (*Operation, error) {
	if u.ParentID != "" {
		if u.ParentID == u.ID {
			return nil, fmt.Errorf("%w: operation cannot be its own parent", ErrInvalidUpdate)
		}
		if !exists(u.ParentID) {
			return nil, fmt.Errorf("%w: parent %s does not exist", ErrInvalidUpdate, u.ParentID)
		}
	}

	start := now
	op := &Operation{
		ID:             u.ID,
		ParentID:       u.ParentID,
		Name:           u.Name,
		Type:           u.Type,
		SubType:        u.SubType,
		Status:         StatusStarted,
		StartTimestamp: &start,
	}

	switch u.Type {
	case TypeStep:
		op.StepDetails = &StepDetails{}
	case TypeCallback:
		cb := &CallbackDetails{CallbackID: newID()}
		if u.CallbackOptions != nil {
			cb.TimeoutSeconds = u.CallbackOptions.TimeoutSeconds
			cb.HeartbeatTimeoutSeconds = u.CallbackOptions.HeartbeatTimeoutSeconds
		}
		op.CallbackDetails = cb
	case TypeWait:
		if u.WaitOptions == nil || u.WaitOptions.WaitSeconds < 1 {
			return nil, fmt.Errorf("%w: WAIT requires WaitSeconds >= 1", ErrInvalidUpdate)
		}
		end := now.Add(time.Duration(u.WaitOptions.WaitSeconds) * time.Second)
		op.WaitDetails = &WaitDetails{ScheduledEndTimestamp: &end}
	case TypeContext, TypeInvoke:
		op.ContextDetails = &ContextDetails{}
	case TypeExecution:
		return nil, fmt.Errorf("%w: EXECUTION operations are created by StartExecution", ErrInvalidUpdate)
	default:
		return nil, fmt.Errorf("%w: unknown operation type %q", ErrInvalidUpdate, u.Type)
	}
	return op, nil
}

// restart handles START against an existing record. A STEP may be restarted
// for a new attempt; every other type treats a repeated START as a no-op.
func restart(op *Operation, u OperationUpdate, now time.Time) (*Operation, error) {
	if op.Type != TypeStep {
		return op, nil
	}
	switch op.Status {
	case StatusStarted, StatusReady, StatusPending:
		op.Status = StatusStarted
		if op.StepDetails != nil {
			op.StepDetails.NextAttemptTimestamp = nil
		}
		return op, nil
	}
	return nil, fmt.Errorf("%w: cannot START step in status %s", ErrInvalidUpdate, op.Status)
}

func setResult(op *Operation, payload *string) {
	p := cloneString(payload)
	switch op.Type {
	case TypeStep:
		if op.StepDetails == nil {
			op.StepDetails = &StepDetails{}
		}
		op.StepDetails.Result = p
		op.StepDetails.NextAttemptTimestamp = nil
	case TypeCallback:
		if op.CallbackDetails == nil {
			op.CallbackDetails = &CallbackDetails{}
		}
		op.CallbackDetails.Result = p
	case TypeContext, TypeInvoke:
		if op.ContextDetails == nil {
			op.ContextDetails = &ContextDetails{}
		}
		op.ContextDetails.Result = p
	case TypeExecution:
		if op.ExecutionDetails == nil {
			op.ExecutionDetails = &ExecutionDetails{}
		}
		op.ExecutionDetails.Result = p
	}
}

func setError(op *Operation, e *ErrorObject) {
	c := e.clone()
	switch op.Type {
	case TypeStep:
		if op.StepDetails == nil {
			op.StepDetails = &StepDetails{}
		}
		op.StepDetails.Error = c
		op.StepDetails.NextAttemptTimestamp = nil
	case TypeCallback:
		if op.CallbackDetails == nil {
			op.CallbackDetails = &CallbackDetails{}
		}
		op.CallbackDetails.Error = c
	case TypeContext, TypeInvoke:
		if op.ContextDetails == nil {
			op.ContextDetails = &ContextDetails{}
		}
		op.ContextDetails.Error = c
	case TypeExecution:
		if op.ExecutionDetails == nil {
			op.ExecutionDetails = &ExecutionDetails{}
		}
		op.ExecutionDetails.Error = c
	}
}

// completeCallback applies an external completion to a CALLBACK record.
func completeCallback(op *Operation, result *string, errObj *ErrorObject, now time.Time) error {
	if op.Type != TypeCallback {
		return fmt.Errorf("%w: %s is not a callback", ErrInvalidUpdate, op.ID)
	}
	if op.Status.Terminal() {
		return fmt.Errorf("%w: callback %s is %s", ErrOperationTerminal, op.ID, op.Status)
	}
	if errObj != nil {
		op.Status = StatusFailed
		setError(op, errObj)
	} else {
		op.Status = StatusSucceeded
		setResult(op, result)
	}
	op.EndTimestamp = &now
	return nil
}

// heartbeatCallback records a heartbeat on a live CALLBACK record.
func heartbeatCallback(op *Operation, now time.Time) error {
	if op.Type != TypeCallback {
		return fmt.Errorf("%w: %s is not a callback", ErrInvalidUpdate, op.ID)
	}
	if op.Status.Terminal() {
		return fmt.Errorf("%w: callback %s is %s", ErrOperationTerminal, op.ID, op.Status)
	}
	if op.CallbackDetails == nil {
		op.CallbackDetails = &CallbackDetails{}
	}
	hb := now
	op.CallbackDetails.LastHeartbeat = &hb
	return nil
}

// newExecutionOperation builds the root EXECUTION record for StartExecution.
func newExecutionOperation(id, name string, input *string, now time.Time) *Operation {
	start := now
	return &Operation{
		ID:               id,
		Name:             name,
		Type:             TypeExecution,
		Status:           StatusStarted,
		StartTimestamp:   &start,
		ExecutionDetails: &ExecutionDetails{InputPayload: cloneString(input)},
	}
}

// paginate slices ordered ids by an integer marker.
func paginate(total int, marker string, maxItems int) (start, end int, next string, err error) {
	if maxItems <= 0 {
		maxItems = DefaultPageSize
	}
	if marker != "" {
		if _, err := fmt.Sscanf(marker, "%d", &start); err != nil || start < 0 || start > total {
			return 0, 0, "", fmt.Errorf("%w: bad marker %q", ErrInvalidUpdate, marker)
		}
	}
	end = start + maxItems
	if end >= total {
		return start, total, "", nil
	}
	return start, end, fmt.Sprintf("%d", end), nil
}
