package durable

import (
	"time"

	"github.com/dshills/durable-go/durable/emit"
	"github.com/dshills/durable-go/durable/store"
)

// CallbackConfig configures CreateCallback.
type CallbackConfig[T any] struct {
	Serdes Serdes[T]

	// Timeout fails the callback with TIMED_OUT when it is not completed in time.
	// Zero means no timeout.
	Timeout time.Duration

	// HeartbeatTimeout fails the callback with TIMED_OUT when the external
	// party stops sending heartbeats. Zero disables heartbeats.
	HeartbeatTimeout time.Duration
}

// CallbackHandle is the deferred result of a callback. The callback id is
// what the external party presents when it completes the callback.
type CallbackHandle[T any] struct {
	*Handle[T]
	callbackID string
}

// ID blocks until the callback is registered and returns its id.
func (h *CallbackHandle[T]) ID() (string, error) {
	<-h.registered
	return h.callbackID, h.regErr
}

// CreateCallback registers an operation completed by a party outside the
// running function, for example a human approval.
//
// Example:
//
//	cb := durable.CreateCallback[Approval](dc, "manager-approval",
//	    durable.CallbackConfig[Approval]{Timeout: 24 * time.Hour})
//	id, err := cb.ID()
//	// hand id to the approver
//	approval, err := cb.Await()
func CreateCallback[T any](dc *Context, name string, cfg ...CallbackConfig[T]) *CallbackHandle[T] {
	var c CallbackConfig[T]
	if len(cfg) > 0 {
		c = cfg[0]
	}
	_, id := dc.nextID()
	serdes := serdesOrDefault(c.Serdes)
	meta := OperationMetadata{Type: store.TypeCallback, Name: name, ParentID: dc.parentID}

	h := &CallbackHandle[T]{Handle: newHandle[T]()}
	h.start(func() (func() (T, error), error) {
		cbID, err := registerCallback(dc, id, name, meta, c)
		if err != nil {
			return nil, err
		}
		h.callbackID = cbID
		return func() (T, error) {
			return awaitCallback(dc, id, meta, serdes)
		}, nil
	})
	return h
}

func registerCallback[T any](dc *Context, id, name string, meta OperationMetadata, c CallbackConfig[T]) (string, error) {
	cp := dc.cp
	op := cp.StepData(id)
	if err := validateReplay(op, expectation{Type: store.TypeCallback, Name: name}); err != nil {
		cp.Terminate(err)
		return "", err
	}

	if op != nil {
		cbID := callbackIDOf(op)
		if cbID == "" && (op.Status == store.StatusStarted || op.Status == store.StatusSucceeded) {
			err := integrityError(ErrMissingCallbackID, id)
			cp.Terminate(err)
			return "", err
		}
		if op.Status.Terminal() {
			dc.opts.Metrics.RecordReplay(string(store.TypeCallback))
			dc.emit(emit.MsgOperationReplayed, id, name, map[string]interface{}{"type": string(store.TypeCallback)})
		}
		dc.mark(id, StateIdleNotAwaited, meta, MarkOptions{})
		return cbID, nil
	}

	if err := cp.Checkpoint(dc, store.OperationUpdate{
		ID:       id,
		ParentID: dc.parentID,
		Action:   store.ActionStart,
		Type:     store.TypeCallback,
		Name:     name,
		CallbackOptions: &store.CallbackOptions{
			TimeoutSeconds:          optionalSeconds(c.Timeout),
			HeartbeatTimeoutSeconds: optionalSeconds(c.HeartbeatTimeout),
		},
	}); err != nil {
		return "", err
	}

	cbID := callbackIDOf(cp.StepData(id))
	if cbID == "" {
		err := integrityError(ErrMissingCallbackID, id)
		cp.Terminate(err)
		return "", err
	}
	dc.mark(id, StateIdleNotAwaited, meta, MarkOptions{})
	dc.emit(emit.MsgOperationStart, id, name, map[string]interface{}{
		"type":        string(store.TypeCallback),
		"callback_id": cbID,
	})
	return cbID, nil
}

// awaitCallback is the deferred phase of a callback.
func awaitCallback[T any](dc *Context, id string, meta OperationMetadata, serdes Serdes[T]) (T, error) {
	var zero T
	cp := dc.cp
	cp.MarkOperationAwaited(id)

	op, err := waitTerminal(dc, id)
	if err != nil {
		return zero, err
	}

	var d store.CallbackDetails
	if op.CallbackDetails != nil {
		d = *op.CallbackDetails
	}

	var (
		v       T
		outcome error
	)
	switch op.Status {
	case store.StatusSucceeded:
		if d.Result == nil {
			outcome = integrityError(ErrMissingResult, id)
			cp.Terminate(outcome)
			break
		}
		v, outcome = serdes.Deserialize(d.Result)
	case store.StatusTimedOut:
		outcome = timeoutErrorOf(d.Error)
	default:
		outcome = callbackErrorOf(d.Error)
	}

	dc.mark(id, StateCompleted, meta, MarkOptions{})
	if outcome != nil {
		dc.emit(emit.MsgOperationFailed, id, meta.Name, map[string]interface{}{
			"type":  string(store.TypeCallback),
			"error": outcome.Error(),
		})
		return zero, outcome
	}
	dc.emit(emit.MsgOperationSucceeded, id, meta.Name, map[string]interface{}{"type": string(store.TypeCallback)})
	return v, nil
}

// waitTerminal blocks until the record of id is terminal and returns it.
func waitTerminal(dc *Context, id string) (*store.Operation, error) {
	for {
		op := dc.cp.StepData(id)
		if op != nil && op.Status.Terminal() {
			return op, nil
		}
		if err := dc.cp.WaitForStatusChange(dc, id); err != nil {
			return nil, err
		}
	}
}

func callbackErrorOf(obj *store.ErrorObject) error {
	if obj == nil {
		return NewCallbackError("", nil, nil)
	}
	err := NewCallbackError(obj.ErrorMessage, nil, obj.ErrorData)
	err.setStack(obj.StackTrace)
	return err
}

func timeoutErrorOf(obj *store.ErrorObject) error {
	if obj == nil {
		return NewCallbackTimeoutError("", nil, nil)
	}
	err := NewCallbackTimeoutError(obj.ErrorMessage, nil, obj.ErrorData)
	err.setStack(obj.StackTrace)
	return err
}

func callbackIDOf(op *store.Operation) string {
	if op == nil || op.CallbackDetails == nil {
		return ""
	}
	return op.CallbackDetails.CallbackID
}

// optionalSeconds converts an optional duration to wire seconds; zero stays zero.
func optionalSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return delaySeconds(d)
}
