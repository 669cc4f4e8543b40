package durable

import (
	"errors"
	"fmt"

	"github.com/dshills/durable-go/durable/emit"
	"github.com/dshills/durable-go/durable/store"
)

// ChildConfig configures RunInChildContext.
type ChildConfig[T any] struct {
	Serdes Serdes[T]
}

// RunInChildContext runs fn as a CONTEXT operation. Operations fn creates are
// numbered under the child and recorded with the child as their parent, so
// the child can be replayed as a unit.
//
// Once the child has finished its outcome is recorded, and replays return it
// without calling fn again. A failure is returned as a *ChildContextError.
func RunInChildContext[T any](dc *Context, name string, fn func(*Context) (T, error), cfg ...ChildConfig[T]) *Handle[T] {
	var c ChildConfig[T]
	if len(cfg) > 0 {
		c = cfg[0]
	}
	logical, id := dc.nextID()
	serdes := serdesOrDefault(c.Serdes)
	meta := OperationMetadata{Type: store.TypeContext, Name: name, ParentID: dc.parentID}

	return startHandle(func() (func() (T, error), error) {
		v, err := runChild(dc, logical, id, name, meta, serdes, fn)
		return resolved(v, err), nil
	})
}

func runChild[T any](dc *Context, logical, id, name string, meta OperationMetadata, serdes Serdes[T], fn func(*Context) (T, error)) (T, error) {
	var zero T
	cp := dc.cp
	op := cp.StepData(id)
	if err := validateReplay(op, expectation{Type: store.TypeContext, Name: name}); err != nil {
		cp.Terminate(err)
		return zero, err
	}

	if op != nil && op.Status.Terminal() {
		dc.mark(id, StateCompleted, meta, MarkOptions{})
		dc.opts.Metrics.RecordReplay(string(store.TypeContext))
		dc.emit(emit.MsgOperationReplayed, id, name, map[string]interface{}{"type": string(store.TypeContext)})

		var d store.ContextDetails
		if op.ContextDetails != nil {
			d = *op.ContextDetails
		}
		if op.Status == store.StatusSucceeded {
			return serdes.Deserialize(d.Result)
		}
		if d.Error == nil {
			return zero, NewChildContextError("", nil, nil)
		}
		return zero, ErrorFromObject(*d.Error)
	}

	if op == nil {
		cp.CheckpointAsync(store.OperationUpdate{
			ID:       id,
			ParentID: dc.parentID,
			Action:   store.ActionStart,
			Type:     store.TypeContext,
			Name:     name,
		})
		dc.emit(emit.MsgOperationStart, id, name, map[string]interface{}{"type": string(store.TypeContext)})
	}
	dc.mark(id, StateIdleNotAwaited, meta, MarkOptions{})

	v, err := callChild(dc.child(logical, id), name, fn)
	if err != nil {
		if stop := dc.stopped(); stop != nil {
			return zero, stop
		}
		if IsUnrecoverable(err) {
			return zero, err
		}
		obj := childErrorObject(err)
		if cerr := cp.Checkpoint(dc, store.OperationUpdate{
			ID:       id,
			ParentID: dc.parentID,
			Action:   store.ActionFail,
			Type:     store.TypeContext,
			Name:     name,
			Error:    &obj,
		}); cerr != nil {
			return zero, cerr
		}
		dc.mark(id, StateCompleted, meta, MarkOptions{})
		dc.emit(emit.MsgOperationFailed, id, name, map[string]interface{}{
			"type":  string(store.TypeContext),
			"error": obj.ErrorMessage,
		})
		return zero, ErrorFromObject(obj)
	}

	payload, err := serdes.Serialize(v)
	if err != nil {
		err = Unrecoverable(fmt.Errorf("child context %s: %w", name, err))
		cp.Terminate(err)
		return zero, err
	}
	if err := cp.Checkpoint(dc, store.OperationUpdate{
		ID:       id,
		ParentID: dc.parentID,
		Action:   store.ActionSucceed,
		Type:     store.TypeContext,
		Name:     name,
		Payload:  payload,
	}); err != nil {
		return zero, err
	}
	dc.mark(id, StateCompleted, meta, MarkOptions{})
	dc.emit(emit.MsgOperationSucceeded, id, name, map[string]interface{}{"type": string(store.TypeContext)})
	return v, nil
}

func callChild[T any](child *Context, name string, fn func(*Context) (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("child context %s panicked: %v", name, r)
		}
	}()
	return fn(child)
}

// childErrorObject records a child failure as a ChildContextError, keeping
// the data of a durable cause.
func childErrorObject(err error) store.ErrorObject {
	var data *string
	var de DurableError
	if errors.As(err, &de) {
		data = de.Data()
	}
	return NewChildContextError(err.Error(), err, data).ErrorObject()
}
