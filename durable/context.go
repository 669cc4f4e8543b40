package durable

import (
	"context"
	"strconv"
	"sync"

	"github.com/dshills/durable-go/durable/emit"
)

// Context is the handle workflow code uses to create durable operations.
//
// It embeds the invocation's context.Context, which is cancelled when the
// invocation suspends or terminates. Operations must be created in a
// deterministic order: the n-th operation created from a Context is matched
// against the n-th operation recorded under it on every replay.
type Context struct {
	context.Context

	cp          Checkpoint
	opts        Options
	executionID string

	// prefix is the logical id of the enclosing child context, "" at the root.
	prefix string

	// parentID is the operation id new operations are recorded under.
	parentID string

	mu      sync.Mutex
	counter int
}

func newRootContext(ctx context.Context, cp Checkpoint, opts Options, executionID string) *Context {
	return &Context{Context: ctx, cp: cp, opts: opts, executionID: executionID, parentID: executionID}
}

// child returns a Context whose operations are numbered under logical and
// recorded with parent id opID.
func (c *Context) child(logical, opID string) *Context {
	return &Context{
		Context:     c.Context,
		cp:          c.cp,
		opts:        c.opts,
		executionID: c.executionID,
		prefix:      logical,
		parentID:    opID,
	}
}

// ExecutionID returns the id of the running execution.
func (c *Context) ExecutionID() string { return c.executionID }

// nextID allocates the next logical id ("1", "2", "3-1", ...) and returns it
// with the derived operation id.
func (c *Context) nextID() (logical, opID string) {
	c.mu.Lock()
	c.counter++
	n := c.counter
	c.mu.Unlock()

	logical = strconv.Itoa(n)
	if c.prefix != "" {
		logical = c.prefix + "-" + logical
	}
	return logical, hashID(logical)
}

// stopped returns the reason the invocation context ended, or nil while it is live.
func (c *Context) stopped() error {
	if c.Err() == nil {
		return nil
	}
	if s, ok := c.cp.(interface{ stopCause(context.Context) error }); ok {
		return s.stopCause(c)
	}
	return c.Err()
}

func (c *Context) emit(msg, opID, name string, meta map[string]interface{}) {
	c.opts.Emitter.Emit(emit.Event{
		ExecutionID: c.executionID,
		OperationID: opID,
		Name:        name,
		Msg:         msg,
		Meta:        meta,
	})
}

// mark records a lifecycle transition. The lifecycle is diagnostic, so an
// illegal transition is reported as an event instead of failing the operation.
func (c *Context) mark(id string, state OperationState, meta OperationMetadata, opts MarkOptions) {
	opts.Metadata = &meta
	if err := c.cp.MarkOperationState(id, state, opts); err != nil {
		c.emit(emit.MsgOperationFailed, id, meta.Name, map[string]interface{}{
			"type":  string(meta.Type),
			"error": err.Error(),
		})
	}
}

type attemptKey struct{}

// StepAttempt returns the 1-based attempt number of the step whose closure
// received ctx, or 0 outside a step.
func StepAttempt(ctx context.Context) int {
	n, _ := ctx.Value(attemptKey{}).(int)
	return n
}

func withAttempt(ctx context.Context, attempt int) context.Context {
	return context.WithValue(ctx, attemptKey{}, attempt)
}
