package durable

import (
	"time"

	"github.com/dshills/durable-go/durable/emit"
	"github.com/dshills/durable-go/durable/store"
)

// Wait registers a durable timer of d, rounded up to whole seconds with a
// minimum of one second. The invocation suspends while it waits and the
// function resumes on a later invocation once the timer has elapsed.
func Wait(dc *Context, name string, d time.Duration) *Handle[struct{}] {
	_, id := dc.nextID()
	meta := OperationMetadata{Type: store.TypeWait, Name: name, ParentID: dc.parentID}

	return startHandle(func() (func() (struct{}, error), error) {
		if err := registerWait(dc, id, name, meta, d); err != nil {
			return nil, err
		}
		return func() (struct{}, error) {
			return struct{}{}, awaitWait(dc, id, meta)
		}, nil
	})
}

func registerWait(dc *Context, id, name string, meta OperationMetadata, d time.Duration) error {
	cp := dc.cp
	op := cp.StepData(id)
	if err := validateReplay(op, expectation{Type: store.TypeWait, Name: name}); err != nil {
		cp.Terminate(err)
		return err
	}

	if op == nil {
		secs := delaySeconds(d)
		if err := cp.Checkpoint(dc, store.OperationUpdate{
			ID:          id,
			ParentID:    dc.parentID,
			Action:      store.ActionStart,
			Type:        store.TypeWait,
			Name:        name,
			WaitOptions: &store.WaitOptions{WaitSeconds: secs},
		}); err != nil {
			return err
		}
		dc.emit(emit.MsgOperationStart, id, name, map[string]interface{}{
			"type":     string(store.TypeWait),
			"delay_ms": int64(secs) * 1000,
		})
		op = cp.StepData(id)
	} else if op.Status.Terminal() {
		dc.opts.Metrics.RecordReplay(string(store.TypeWait))
		dc.emit(emit.MsgOperationReplayed, id, name, map[string]interface{}{"type": string(store.TypeWait)})
	}

	var end *time.Time
	if op != nil && op.WaitDetails != nil {
		end = op.WaitDetails.ScheduledEndTimestamp
	}
	dc.mark(id, StateIdleNotAwaited, meta, MarkOptions{EndTimestamp: end})
	return nil
}

// awaitWait is the deferred phase of a wait. An elapsed wait resolves without
// polling the service.
func awaitWait(dc *Context, id string, meta OperationMetadata) error {
	dc.cp.MarkOperationAwaited(id)

	op, err := waitTerminal(dc, id)
	if err != nil {
		return err
	}
	dc.mark(id, StateCompleted, meta, MarkOptions{})
	if op.Status != store.StatusSucceeded {
		return &EngineError{Message: "wait " + meta.Name + " ended " + string(op.Status), Code: "WAIT_" + string(op.Status)}
	}
	dc.emit(emit.MsgOperationSucceeded, id, meta.Name, map[string]interface{}{"type": string(store.TypeWait)})
	return nil
}
