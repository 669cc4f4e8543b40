// Package durable provides the execution engine for durable functions.
//
// A durable function is ordinary sequential Go code that runs inside a
// stateless, repeatedly re-invoked process. Every side effect goes through an
// operation (Step, CreateCallback, Wait, RunInChildContext) whose outcome is
// persisted by a durability service. When the function is invoked again it is
// replayed from the start: completed operations return their recorded outcome
// without running again, and execution resumes where it left off.
package durable

import (
	"errors"
	"fmt"
	"reflect"
	"runtime/debug"
	"strings"

	"github.com/dshills/durable-go/durable/store"
)

// ErrorKind discriminates the concrete durable error variants. It is the
// ErrorType recorded on the wire.
type ErrorKind string

const (
	KindStep             ErrorKind = "StepError"
	KindCallback         ErrorKind = "CallbackError"
	KindCallbackTimeout  ErrorKind = "CallbackTimeoutError"
	KindInvoke           ErrorKind = "InvokeError"
	KindChildContext     ErrorKind = "ChildContextError"
	KindWaitForCondition ErrorKind = "WaitForConditionError"
)

// defaultMessages are used when a variant is built without a message.
var defaultMessages = map[ErrorKind]string{
	KindStep:             "Step failed",
	KindCallback:         "Callback failed",
	KindCallbackTimeout:  "Callback timed out",
	KindInvoke:           "Invoke failed",
	KindChildContext:     "Child context failed",
	KindWaitForCondition: "Wait for condition failed",
}

// DurableError is implemented by every failure that can cross the replay
// boundary. Use errors.As with a DurableError target to catch all variants,
// or with a concrete pointer type to catch one.
type DurableError interface {
	error

	// Kind returns the variant discriminant.
	Kind() ErrorKind

	// Data returns the opaque caller payload attached to the failure, if any.
	Data() *string

	// Stack returns the captured stack lines, if stack capture was enabled.
	Stack() []string

	// Unwrap returns the underlying cause. Reconstructed errors have none.
	Unwrap() error

	// ErrorObject projects the error to its transport form.
	ErrorObject() store.ErrorObject
}

// durableError is the shared base embedded by every variant.
type durableError struct {
	kind    ErrorKind
	message string
	cause   error
	data    *string
	stack   []string
}

func newBase(kind ErrorKind, message string, cause error, data *string) durableError {
	if message == "" {
		message = defaultMessages[kind]
	}
	return durableError{kind: kind, message: message, cause: cause, data: data}
}

func (e *durableError) Error() string   { return e.message }
func (e *durableError) Kind() ErrorKind { return e.kind }
func (e *durableError) Data() *string   { return e.data }
func (e *durableError) Stack() []string { return e.stack }
func (e *durableError) Unwrap() error   { return e.cause }

// ErrorObject projects the error to the wire record.
func (e *durableError) ErrorObject() store.ErrorObject {
	obj := store.ErrorObject{
		ErrorType:    string(e.kind),
		ErrorMessage: e.message,
	}
	if e.data != nil {
		d := *e.data
		obj.ErrorData = &d
	}
	if len(e.stack) > 0 {
		obj.StackTrace = append([]string(nil), e.stack...)
	}
	return obj
}

// StepError reports a step whose closure failed and will not be retried again.
type StepError struct{ durableError }

// CallbackError reports a callback completed with a failure by the external party.
type CallbackError struct{ durableError }

// CallbackTimeoutError reports a callback whose timeout or heartbeat timeout
// elapsed. It is a sibling of CallbackError, not a subtype: errors.As with a
// *CallbackError target does not match it.
type CallbackTimeoutError struct{ durableError }

// InvokeError reports a failed invocation of another durable function.
type InvokeError struct{ durableError }

// ChildContextError reports a failed child context.
type ChildContextError struct{ durableError }

// WaitForConditionError reports a failed condition wait.
type WaitForConditionError struct{ durableError }

// NewStepError creates a StepError. An empty message selects the default.
func NewStepError(message string, cause error, data *string) *StepError {
	return &StepError{newBase(KindStep, message, cause, data)}
}

// NewCallbackError creates a CallbackError.
func NewCallbackError(message string, cause error, data *string) *CallbackError {
	return &CallbackError{newBase(KindCallback, message, cause, data)}
}

// NewCallbackTimeoutError creates a CallbackTimeoutError.
func NewCallbackTimeoutError(message string, cause error, data *string) *CallbackTimeoutError {
	return &CallbackTimeoutError{newBase(KindCallbackTimeout, message, cause, data)}
}

// NewInvokeError creates an InvokeError.
func NewInvokeError(message string, cause error, data *string) *InvokeError {
	return &InvokeError{newBase(KindInvoke, message, cause, data)}
}

// NewChildContextError creates a ChildContextError.
func NewChildContextError(message string, cause error, data *string) *ChildContextError {
	return &ChildContextError{newBase(KindChildContext, message, cause, data)}
}

// NewWaitForConditionError creates a WaitForConditionError.
func NewWaitForConditionError(message string, cause error, data *string) *WaitForConditionError {
	return &WaitForConditionError{newBase(KindWaitForCondition, message, cause, data)}
}

// newError builds the variant for kind. Unknown kinds produce a StepError.
func newError(kind ErrorKind, message string, cause error, data *string) DurableError {
	switch kind {
	case KindCallback:
		return NewCallbackError(message, cause, data)
	case KindCallbackTimeout:
		return NewCallbackTimeoutError(message, cause, data)
	case KindInvoke:
		return NewInvokeError(message, cause, data)
	case KindChildContext:
		return NewChildContextError(message, cause, data)
	case KindWaitForCondition:
		return NewWaitForConditionError(message, cause, data)
	default:
		return NewStepError(message, cause, data)
	}
}

// ErrorFromObject reconstructs the concrete variant recorded in obj.
//
// An ErrorType this version does not know becomes a StepError, so records
// written by newer releases still surface as a generic step failure.
func ErrorFromObject(obj store.ErrorObject) DurableError {
	var data *string
	if obj.ErrorData != nil {
		d := *obj.ErrorData
		data = &d
	}
	err := newError(ErrorKind(obj.ErrorType), obj.ErrorMessage, nil, data)
	if len(obj.StackTrace) > 0 {
		setStack(err, append([]string(nil), obj.StackTrace...))
	}
	return err
}

// ErrorObjectFromError projects any error to the wire record.
//
// Durable errors use their own projection. Other errors record their Go type
// name as ErrorType and their message as ErrorMessage.
func ErrorObjectFromError(err error) store.ErrorObject {
	if err == nil {
		return store.ErrorObject{}
	}
	var de DurableError
	if errors.As(err, &de) {
		return de.ErrorObject()
	}
	return store.ErrorObject{
		ErrorType:    typeName(err),
		ErrorMessage: err.Error(),
	}
}

func typeName(err error) string {
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() == "" {
		return t.String()
	}
	return t.Name()
}

// errorKindOf returns the durable kind of err, or "" for plain errors.
func errorKindOf(err error) ErrorKind {
	var de DurableError
	if errors.As(err, &de) {
		return de.Kind()
	}
	return ""
}

// stackTracer is implemented by causes that carry their own stack.
type stackTracer interface {
	StackTrace() []string
}

func (e *durableError) setStack(stack []string) { e.stack = stack }

func setStack(err error, stack []string) {
	if s, ok := err.(interface{ setStack([]string) }); ok {
		s.setStack(stack)
	}
}

// captureStack returns the stack lines for cause, preferring a stack the
// cause carries itself over the current goroutine's stack.
func captureStack(cause error) []string {
	var st stackTracer
	if errors.As(cause, &st) {
		return append([]string(nil), st.StackTrace()...)
	}
	lines := strings.Split(strings.TrimRight(string(debug.Stack()), "\n"), "\n")
	out := lines[:0]
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

// UnrecoverableError flags a failure that must bypass retry and tear down the
// whole execution.
type UnrecoverableError struct {
	Err error
}

func (e *UnrecoverableError) Error() string {
	if e.Err == nil {
		return "unrecoverable error"
	}
	return "unrecoverable: " + e.Err.Error()
}

func (e *UnrecoverableError) Unwrap() error { return e.Err }

// Unrecoverable wraps err so that it bypasses retry and terminates the execution.
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}
	return &UnrecoverableError{Err: err}
}

// IsUnrecoverable reports whether err, or any error it wraps, is flagged unrecoverable.
func IsUnrecoverable(err error) bool {
	var u *UnrecoverableError
	return errors.As(err, &u)
}

// Data-integrity and lifecycle sentinels.
var (
	// ErrNonDeterministic is returned when the operation recorded at a position
	// does not match the operation the code requests on replay.
	ErrNonDeterministic = errors.New("non-deterministic execution")

	// ErrMissingCallbackID is returned when a started or succeeded callback
	// record has no callback id.
	ErrMissingCallbackID = errors.New("callback record is missing its callback id")

	// ErrMissingResult is returned when a succeeded callback record has no result payload.
	ErrMissingResult = errors.New("succeeded record is missing its result")

	// ErrStepInterrupted is synthesized when an at-most-once step is found
	// STARTED on replay: its previous attempt died before reaching a terminal checkpoint.
	ErrStepInterrupted = errors.New("step interrupted before completion")

	// ErrTerminated is returned to operations that are still running when the
	// execution is torn down.
	ErrTerminated = errors.New("execution terminated")

	// ErrSuspended is returned to operations that are still waiting when the
	// invocation suspends. The execution resumes on the next invocation.
	ErrSuspended = errors.New("execution suspended")
)

// integrityError marks a data-integrity defect found in a cached record.
// Integrity errors are never retried.
func integrityError(sentinel error, opID string) error {
	return Unrecoverable(fmt.Errorf("operation %s: %w", opID, sentinel))
}

// EngineError represents a configuration or usage error.
type EngineError struct {
	Message string
	Code    string
}

func (e *EngineError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}
