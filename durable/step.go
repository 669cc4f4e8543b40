package durable

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dshills/durable-go/durable/emit"
	"github.com/dshills/durable-go/durable/store"
)

// StepSemantics is the durability contract for a step's closure within one
// retry attempt.
type StepSemantics int

const (
	// AtLeastOncePerRetry sends START without waiting for it. A crash between
	// START and the outcome reruns the closure on replay.
	AtLeastOncePerRetry StepSemantics = iota

	// AtMostOncePerRetry waits for START to be durable before running the
	// closure. A step found STARTED on replay was interrupted; the interruption
	// counts as a failed attempt and goes through the retry strategy.
	AtMostOncePerRetry
)

func (s StepSemantics) String() string {
	if s == AtMostOncePerRetry {
		return "AT_MOST_ONCE_PER_RETRY"
	}
	return "AT_LEAST_ONCE_PER_RETRY"
}

// StepFunc is the user code run by a step. ctx is cancelled when the
// invocation ends and carries the attempt number (see StepAttempt).
type StepFunc[T any] func(ctx context.Context) (T, error)

// StepConfig configures Step. The zero value selects at-least-once
// semantics, JSON serialization, DefaultRetryStrategy and no timeout.
type StepConfig[T any] struct {
	Semantics     StepSemantics
	Serdes        Serdes[T]
	RetryStrategy RetryStrategy

	// Timeout bounds a single attempt. A timed-out attempt is a retryable failure.
	Timeout time.Duration
}

// step is one Step call in flight.
type step[T any] struct {
	dc     *Context
	id     string
	name   string
	fn     StepFunc[T]
	cfg    StepConfig[T]
	serdes Serdes[T]
	meta   OperationMetadata
}

// Step runs fn as a checkpointed, retryable operation.
//
// On replay a step that already succeeded returns its recorded result and a
// step that already failed returns its recorded error; fn does not run in
// either case.
//
// Example:
//
//	h := durable.Step(dc, "charge-card", func(ctx context.Context) (Receipt, error) {
//	    return payments.Charge(ctx, order)
//	}, durable.StepConfig[Receipt]{Semantics: durable.AtMostOncePerRetry})
//	receipt, err := h.Await()
func Step[T any](dc *Context, name string, fn StepFunc[T], cfg ...StepConfig[T]) *Handle[T] {
	var c StepConfig[T]
	if len(cfg) > 0 {
		c = cfg[0]
	}
	if c.RetryStrategy == nil {
		c.RetryStrategy = DefaultRetryStrategy
	}
	_, id := dc.nextID()
	s := &step[T]{
		dc:     dc,
		id:     id,
		name:   name,
		fn:     fn,
		cfg:    c,
		serdes: serdesOrDefault(c.Serdes),
		meta:   OperationMetadata{Type: store.TypeStep, Name: name, ParentID: dc.parentID},
	}
	return startHandle(func() (func() (T, error), error) {
		v, err := s.run()
		return resolved(v, err), nil
	})
}

func (s *step[T]) run() (T, error) {
	var zero T
	cp := s.dc.cp
	for {
		op := cp.StepData(s.id)
		if err := validateReplay(op, expectation{Type: store.TypeStep, Name: s.name}); err != nil {
			cp.Terminate(err)
			return zero, err
		}
		if op == nil {
			retry, v, err := s.attempt(0)
			if !retry {
				return v, err
			}
			continue
		}

		switch op.Status {
		case store.StatusSucceeded:
			s.dc.mark(s.id, StateCompleted, s.meta, MarkOptions{})
			s.replayed()
			var result *string
			if op.StepDetails != nil {
				result = op.StepDetails.Result
			}
			return s.serdes.Deserialize(result)

		case store.StatusFailed, store.StatusCancelled, store.StatusTimedOut:
			s.dc.mark(s.id, StateCompleted, s.meta, MarkOptions{})
			s.replayed()
			return zero, recordedError(op.StepDetails)

		case store.StatusPending:
			var next *time.Time
			if op.StepDetails != nil {
				next = op.StepDetails.NextAttemptTimestamp
			}
			s.dc.mark(s.id, StateRetryWaiting, s.meta, MarkOptions{EndTimestamp: next})
			if err := cp.WaitForRetryTimer(s.dc, s.id); err != nil {
				return zero, err
			}
			continue

		case store.StatusStarted:
			if s.cfg.Semantics == AtMostOncePerRetry {
				cause := NewStepError(ErrStepInterrupted.Error(), ErrStepInterrupted, nil)
				retry, err := s.fail(cause, attemptOf(op))
				if !retry {
					return zero, err
				}
				continue
			}
		}

		retry, v, err := s.attempt(attemptOf(op))
		if !retry {
			return v, err
		}
	}
}

// attempt runs the closure once. recorded is the number of retries the
// service has already scheduled for the step.
func (s *step[T]) attempt(recorded int) (retry bool, v T, err error) {
	cp := s.dc.cp
	start := store.OperationUpdate{
		ID:       s.id,
		ParentID: s.dc.parentID,
		Action:   store.ActionStart,
		Type:     store.TypeStep,
		Name:     s.name,
	}
	if s.cfg.Semantics == AtMostOncePerRetry {
		if err := cp.Checkpoint(s.dc, start); err != nil {
			return false, v, err
		}
	} else {
		cp.CheckpointAsync(start)
	}

	s.dc.mark(s.id, StateExecuting, s.meta, MarkOptions{})
	s.dc.emit(emit.MsgOperationStart, s.id, s.name, map[string]interface{}{
		"type":    string(store.TypeStep),
		"attempt": recorded + 1,
	})

	began := time.Now()
	v, err = s.invoke(recorded + 1)
	latency := time.Since(began)

	if err != nil {
		s.dc.opts.Metrics.RecordStepLatency(latency, "error")
		var zero T
		retry, err = s.fail(err, recorded)
		return retry, zero, err
	}
	s.dc.opts.Metrics.RecordStepLatency(latency, "success")

	payload, serr := s.serdes.Serialize(v)
	if serr != nil {
		serr = Unrecoverable(fmt.Errorf("step %s: %w", s.name, serr))
		cp.Terminate(serr)
		s.dc.mark(s.id, StateCompleted, s.meta, MarkOptions{})
		return false, v, serr
	}
	if err := cp.Checkpoint(s.dc, store.OperationUpdate{
		ID:       s.id,
		ParentID: s.dc.parentID,
		Action:   store.ActionSucceed,
		Type:     store.TypeStep,
		Name:     s.name,
		Payload:  payload,
	}); err != nil {
		return false, v, err
	}

	s.dc.mark(s.id, StateCompleted, s.meta, MarkOptions{})
	s.dc.emit(emit.MsgOperationSucceeded, s.id, s.name, map[string]interface{}{
		"type":        string(store.TypeStep),
		"attempt":     recorded + 1,
		"duration_ms": latency.Milliseconds(),
	})
	return false, v, nil
}

// invoke calls the closure with the attempt number and per-attempt timeout.
func (s *step[T]) invoke(attempt int) (v T, err error) {
	ctx := withAttempt(s.dc.Context, attempt)
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step %s panicked: %v", s.name, r)
		}
	}()

	v, err = s.fn(ctx)
	if s.cfg.Timeout > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) && s.dc.Err() == nil {
		err = &EngineError{
			Message: fmt.Sprintf("step %s exceeded timeout of %v", s.name, s.cfg.Timeout),
			Code:    "STEP_TIMEOUT",
		}
	}
	return v, err
}

// fail handles a failed attempt. It either schedules a retry and reports
// retry=true, or records the failure and returns the error the caller sees.
func (s *step[T]) fail(cause error, recorded int) (retry bool, err error) {
	cp := s.dc.cp
	if stop := s.dc.stopped(); stop != nil {
		return false, stop
	}
	if IsUnrecoverable(cause) {
		cp.Terminate(cause)
		s.dc.mark(s.id, StateCompleted, s.meta, MarkOptions{})
		return false, cause
	}

	decision := s.cfg.RetryStrategy(cause, recorded+1)
	obj := s.errorObject(cause)

	if !decision.ShouldRetry {
		if err := cp.Checkpoint(s.dc, store.OperationUpdate{
			ID:       s.id,
			ParentID: s.dc.parentID,
			Action:   store.ActionFail,
			Type:     store.TypeStep,
			Name:     s.name,
			Error:    &obj,
		}); err != nil {
			return false, err
		}
		s.dc.mark(s.id, StateCompleted, s.meta, MarkOptions{})
		s.dc.emit(emit.MsgOperationFailed, s.id, s.name, map[string]interface{}{
			"type":    string(store.TypeStep),
			"attempt": recorded + 1,
			"error":   obj.ErrorMessage,
		})
		return false, ErrorFromObject(obj)
	}

	secs := delaySeconds(decision.Delay)
	if err := cp.Checkpoint(s.dc, store.OperationUpdate{
		ID:          s.id,
		ParentID:    s.dc.parentID,
		Action:      store.ActionRetry,
		Type:        store.TypeStep,
		Name:        s.name,
		Error:       &obj,
		StepOptions: &store.StepOptions{NextAttemptDelaySeconds: secs},
	}); err != nil {
		return false, err
	}

	wakeAt := s.dc.opts.Clock().Add(time.Duration(secs) * time.Second)
	s.dc.mark(s.id, StateRetryWaiting, s.meta, MarkOptions{EndTimestamp: &wakeAt})
	s.dc.opts.Metrics.IncrementRetries(retryReason(cause))
	s.dc.emit(emit.MsgOperationRetry, s.id, s.name, map[string]interface{}{
		"type":     string(store.TypeStep),
		"attempt":  recorded + 1,
		"delay_ms": int64(secs) * 1000,
		"reason":   retryReason(cause),
		"error":    obj.ErrorMessage,
	})
	return true, nil
}

// errorObject projects a closure failure. Plain errors are recorded as a
// StepError carrying the cause's message. The returned error is not modified.
func (s *step[T]) errorObject(cause error) store.ErrorObject {
	var de DurableError
	if !errors.As(cause, &de) {
		de = NewStepError(cause.Error(), cause, nil)
	}
	obj := de.ErrorObject()
	if s.dc.opts.StackTraces && len(obj.StackTrace) == 0 {
		obj.StackTrace = captureStack(cause)
	}
	return obj
}

func (s *step[T]) replayed() {
	s.dc.opts.Metrics.RecordReplay(string(store.TypeStep))
	s.dc.emit(emit.MsgOperationReplayed, s.id, s.name, map[string]interface{}{
		"type": string(store.TypeStep),
	})
}

func attemptOf(op *store.Operation) int {
	if op == nil || op.StepDetails == nil {
		return 0
	}
	return op.StepDetails.Attempt
}

// recordedError rebuilds the failure stored on a step record.
func recordedError(d *store.StepDetails) DurableError {
	if d == nil || d.Error == nil {
		return NewStepError("", nil, nil)
	}
	return ErrorFromObject(*d.Error)
}

func retryReason(err error) string {
	var ee *EngineError
	switch {
	case errors.Is(err, ErrStepInterrupted):
		return "interrupted"
	case errors.As(err, &ee) && ee.Code == "STEP_TIMEOUT":
		return "timeout"
	}
	return "error"
}
