package durable

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dshills/durable-go/durable/emit"
	"github.com/dshills/durable-go/durable/store"
)

// ErrNoExecutionRecord is returned when the service holds no EXECUTION
// operation for the requested execution.
var ErrNoExecutionRecord = errors.New("execution record not found")

// ExecutionStatus is the outcome of one invocation.
type ExecutionStatus string

const (
	// ExecutionSucceeded means the function returned a result, now recorded.
	ExecutionSucceeded ExecutionStatus = "SUCCEEDED"

	// ExecutionFailed means the function returned an error or was terminated.
	ExecutionFailed ExecutionStatus = "FAILED"

	// ExecutionPending means the invocation suspended. Invoke Execute again
	// once the awaited timers or callbacks have resolved.
	ExecutionPending ExecutionStatus = "PENDING"
)

// Handler is a durable function: input I, result O.
type Handler[I, O any] func(dc *Context, input I) (O, error)

// Output is the result of one invocation.
type Output[O any] struct {
	Status ExecutionStatus
	Result O
	Error  error

	// Unawaited lists operations that were registered but never awaited.
	Unawaited []OperationInfo
}

// Execute runs one invocation of fn for executionID.
//
// It loads the recorded operations, replays fn against them, and returns when
// fn completes, the execution is terminated, or every task is waiting on a
// timer or callback (status PENDING). A returned error means the invocation
// itself could not run or persist its progress and should be retried.
//
// Example:
//
//	svc := store.NewMemStore()
//	id, _ := svc.StartExecution(ctx, "greet", &input)
//	out, err := durable.Execute(ctx, svc, id, func(dc *durable.Context, name string) (string, error) {
//	    return durable.Step(dc, "greet", func(ctx context.Context) (string, error) {
//	        return "hello " + name, nil
//	    }).Await()
//	})
func Execute[I, O any](ctx context.Context, client store.Client, executionID string, fn Handler[I, O], opts ...Option) (*Output[O], error) {
	cfg, err := newExecutionConfig(opts)
	if err != nil {
		return nil, err
	}

	ops, token, err := store.FetchAll(ctx, client, executionID, cfg.opts.PageSize)
	if err != nil {
		return nil, fmt.Errorf("load execution %s: %w", executionID, err)
	}
	root := findRoot(ops, executionID)
	if root == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoExecutionRecord, executionID)
	}

	out := JSONSerdes[O]{}
	if root.Status.Terminal() {
		return recordedOutput(root, out)
	}

	var input I
	if root.ExecutionDetails != nil {
		if input, err = (JSONSerdes[I]{}).Deserialize(root.ExecutionDetails.InputPayload); err != nil {
			return nil, fmt.Errorf("execution %s input: %w", executionID, err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	mgr := newCheckpointManager(ctx, client, executionID, token, ops, cfg.opts, cancel)
	mgr.start()
	defer mgr.close()

	x := &execution[O]{ctx: ctx, mgr: mgr, id: executionID, opts: cfg.opts, serdes: out, began: time.Now()}
	x.emit(emit.MsgExecutionStart, map[string]interface{}{"operations": len(ops)})

	dc := newRootContext(runCtx, mgr, cfg.opts, executionID)
	done := make(chan runResult[O], 1)
	go func() {
		var r runResult[O]
		defer func() {
			if p := recover(); p != nil {
				r.err = Unrecoverable(fmt.Errorf("durable function panicked: %v", p))
			}
			done <- r
		}()
		r.value, r.err = fn(dc, input)
	}()

	var r runResult[O]
	select {
	case r = <-done:
	case <-mgr.terminated:
	case <-mgr.suspended:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if r.err != nil && IsUnrecoverable(r.err) {
		mgr.Terminate(r.err)
	}
	if termErr := mgr.terminationError(); termErr != nil {
		return x.terminated(termErr)
	}
	select {
	case <-mgr.suspended:
		return x.suspended()
	default:
	}
	return x.completed(r)
}

type runResult[O any] struct {
	value O
	err   error
}

// execution finishes one invocation.
type execution[O any] struct {
	ctx    context.Context
	mgr    *checkpointManager
	id     string
	opts   Options
	serdes Serdes[O]
	began  time.Time
}

func (x *execution[O]) completed(r runResult[O]) (*Output[O], error) {
	if err := x.mgr.flush(x.ctx); err != nil {
		return nil, err
	}
	if termErr := x.mgr.terminationError(); termErr != nil {
		return x.terminated(termErr)
	}

	update := store.OperationUpdate{ID: x.id, Action: store.ActionSucceed, Type: store.TypeExecution}
	status := ExecutionSucceeded
	if r.err != nil {
		obj := ErrorObjectFromError(r.err)
		update.Action, update.Error = store.ActionFail, &obj
		status = ExecutionFailed
	} else {
		payload, err := x.serdes.Serialize(r.value)
		if err != nil {
			return nil, fmt.Errorf("execution %s result: %w", x.id, err)
		}
		update.Payload = payload
	}
	if err := x.mgr.Checkpoint(x.ctx, update); err != nil {
		return nil, err
	}

	unawaited := x.unawaited()
	x.end(status, r.err)
	return &Output[O]{Status: status, Result: r.value, Error: r.err, Unawaited: unawaited}, nil
}

// terminated records the execution as failed. A checkpoint failure is an
// infrastructure error and is returned instead.
func (x *execution[O]) terminated(cause error) (*Output[O], error) {
	if errors.Is(cause, ErrCheckpointFailed) {
		x.end(ExecutionFailed, cause)
		return nil, cause
	}
	if err := x.mgr.flush(x.ctx); err != nil {
		return nil, err
	}
	obj := ErrorObjectFromError(cause)
	if err := x.mgr.Checkpoint(x.ctx, store.OperationUpdate{
		ID:     x.id,
		Action: store.ActionFail,
		Type:   store.TypeExecution,
		Error:  &obj,
	}); err != nil {
		return nil, err
	}
	x.end(ExecutionFailed, cause)
	return &Output[O]{Status: ExecutionFailed, Error: cause}, nil
}

func (x *execution[O]) suspended() (*Output[O], error) {
	if err := x.mgr.flush(x.ctx); err != nil {
		return nil, err
	}
	x.end(ExecutionPending, nil)
	return &Output[O]{Status: ExecutionPending}, nil
}

// unawaited reports and returns the operations nobody awaited.
func (x *execution[O]) unawaited() []OperationInfo {
	var out []OperationInfo
	for _, info := range x.mgr.AllOperations() {
		if info.State != StateIdleNotAwaited {
			continue
		}
		out = append(out, info)
		x.opts.Emitter.Emit(emit.Event{
			ExecutionID: x.id,
			OperationID: info.StepID,
			Name:        info.Metadata.Name,
			Msg:         emit.MsgOperationNotAwaited,
			Meta:        map[string]interface{}{"type": string(info.Metadata.Type)},
		})
	}
	return out
}

func (x *execution[O]) end(status ExecutionStatus, err error) {
	meta := map[string]interface{}{
		"status":      string(status),
		"duration_ms": time.Since(x.began).Milliseconds(),
	}
	if err != nil {
		meta["error"] = err.Error()
	}
	x.emit(emit.MsgExecutionEnd, meta)
}

func (x *execution[O]) emit(msg string, meta map[string]interface{}) {
	x.opts.Emitter.Emit(emit.Event{ExecutionID: x.id, Msg: msg, Meta: meta})
}

func findRoot(ops []*store.Operation, executionID string) *store.Operation {
	for _, op := range ops {
		if op.Type == store.TypeExecution && (op.ID == executionID || op.ParentID == "") {
			return op
		}
	}
	return nil
}

// recordedOutput answers an invocation of a finished execution from its record.
func recordedOutput[O any](root *store.Operation, serdes Serdes[O]) (*Output[O], error) {
	var d store.ExecutionDetails
	if root.ExecutionDetails != nil {
		d = *root.ExecutionDetails
	}
	if root.Status == store.StatusSucceeded {
		v, err := serdes.Deserialize(d.Result)
		if err != nil {
			return nil, fmt.Errorf("execution %s result: %w", root.ID, err)
		}
		return &Output[O]{Status: ExecutionSucceeded, Result: v}, nil
	}
	var recorded error = NewStepError("", nil, nil)
	if d.Error != nil {
		recorded = ErrorFromObject(*d.Error)
	}
	return &Output[O]{Status: ExecutionFailed, Error: recorded}, nil
}
