package store

import "time"

// OperationType identifies the kind of durable operation.
type OperationType string

const (
	TypeStep      OperationType = "STEP"
	TypeCallback  OperationType = "CALLBACK"
	TypeWait      OperationType = "WAIT"
	TypeInvoke    OperationType = "INVOKE"
	TypeContext   OperationType = "CONTEXT"
	TypeExecution OperationType = "EXECUTION"
)

// OperationStatus is the authoritative remote status of an operation.
//
// Once an operation reaches SUCCEEDED or FAILED its status never changes again.
type OperationStatus string

const (
	StatusPending   OperationStatus = "PENDING"
	StatusStarted   OperationStatus = "STARTED"
	StatusSucceeded OperationStatus = "SUCCEEDED"
	StatusFailed    OperationStatus = "FAILED"
	StatusTimedOut  OperationStatus = "TIMED_OUT"
	StatusCancelled OperationStatus = "CANCELLED"
	StatusReady     OperationStatus = "READY"
)

// Terminal reports whether the status can no longer change.
func (s OperationStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusTimedOut, StatusCancelled:
		return true
	}
	return false
}

// Action is the transition requested by an OperationUpdate.
type Action string

const (
	ActionStart   Action = "START"
	ActionSucceed Action = "SUCCEED"
	ActionFail    Action = "FAIL"
	ActionRetry   Action = "RETRY"
	ActionCancel  Action = "CANCEL"
)

// ErrorObject is the transport form of a failure.
//
// It is the flat projection that lets a typed error cross the replay boundary.
type ErrorObject struct {
	ErrorType    string   `json:"ErrorType,omitempty"`
	ErrorMessage string   `json:"ErrorMessage,omitempty"`
	ErrorData    *string  `json:"ErrorData,omitempty"`
	StackTrace   []string `json:"StackTrace,omitempty"`
}

// StepDetails carries STEP specific state.
type StepDetails struct {
	// Attempt counts retries scheduled so far. It never decreases.
	Attempt              int          `json:"Attempt"`
	NextAttemptTimestamp *time.Time   `json:"NextAttemptTimestamp,omitempty"`
	Result               *string      `json:"Result,omitempty"`
	Error                *ErrorObject `json:"Error,omitempty"`
}

// CallbackDetails carries CALLBACK specific state.
type CallbackDetails struct {
	CallbackID              string       `json:"CallbackId,omitempty"`
	Result                  *string      `json:"Result,omitempty"`
	Error                   *ErrorObject `json:"Error,omitempty"`
	TimeoutSeconds          int          `json:"TimeoutSeconds,omitempty"`
	HeartbeatTimeoutSeconds int          `json:"HeartbeatTimeoutSeconds,omitempty"`
	LastHeartbeat           *time.Time   `json:"LastHeartbeat,omitempty"`
}

// WaitDetails carries WAIT specific state.
type WaitDetails struct {
	ScheduledEndTimestamp *time.Time `json:"ScheduledEndTimestamp,omitempty"`
}

// ContextDetails carries CONTEXT specific state.
type ContextDetails struct {
	Result *string      `json:"Result,omitempty"`
	Error  *ErrorObject `json:"Error,omitempty"`
}

// ExecutionDetails carries the top-level EXECUTION operation state.
type ExecutionDetails struct {
	InputPayload *string      `json:"InputPayload,omitempty"`
	Result       *string      `json:"Result,omitempty"`
	Error        *ErrorObject `json:"Error,omitempty"`
}

// Operation is the remote, authoritative record of one unit of durable work.
type Operation struct {
	ID       string          `json:"Id"`
	ParentID string          `json:"ParentId,omitempty"`
	Name     string          `json:"Name,omitempty"`
	Type     OperationType   `json:"Type"`
	SubType  string          `json:"SubType,omitempty"`
	Status   OperationStatus `json:"Status"`

	StartTimestamp *time.Time `json:"StartTimestamp,omitempty"`
	EndTimestamp   *time.Time `json:"EndTimestamp,omitempty"`

	StepDetails      *StepDetails      `json:"StepDetails,omitempty"`
	CallbackDetails  *CallbackDetails  `json:"CallbackDetails,omitempty"`
	WaitDetails      *WaitDetails      `json:"WaitDetails,omitempty"`
	ContextDetails   *ContextDetails   `json:"ContextDetails,omitempty"`
	ExecutionDetails *ExecutionDetails `json:"ExecutionDetails,omitempty"`
}

// Clone returns a deep copy so callers never share mutable detail blocks.
func (o *Operation) Clone() *Operation {
	if o == nil {
		return nil
	}
	c := *o
	c.StartTimestamp = cloneTime(o.StartTimestamp)
	c.EndTimestamp = cloneTime(o.EndTimestamp)
	if o.StepDetails != nil {
		d := *o.StepDetails
		d.NextAttemptTimestamp = cloneTime(d.NextAttemptTimestamp)
		d.Result = cloneString(d.Result)
		d.Error = d.Error.clone()
		c.StepDetails = &d
	}
	if o.CallbackDetails != nil {
		d := *o.CallbackDetails
		d.Result = cloneString(d.Result)
		d.Error = d.Error.clone()
		d.LastHeartbeat = cloneTime(d.LastHeartbeat)
		c.CallbackDetails = &d
	}
	if o.WaitDetails != nil {
		d := *o.WaitDetails
		d.ScheduledEndTimestamp = cloneTime(d.ScheduledEndTimestamp)
		c.WaitDetails = &d
	}
	if o.ContextDetails != nil {
		d := *o.ContextDetails
		d.Result = cloneString(d.Result)
		d.Error = d.Error.clone()
		c.ContextDetails = &d
	}
	if o.ExecutionDetails != nil {
		d := *o.ExecutionDetails
		d.InputPayload = cloneString(d.InputPayload)
		d.Result = cloneString(d.Result)
		d.Error = d.Error.clone()
		c.ExecutionDetails = &d
	}
	return &c
}

func (e *ErrorObject) clone() *ErrorObject {
	if e == nil {
		return nil
	}
	c := *e
	c.ErrorData = cloneString(e.ErrorData)
	if e.StackTrace != nil {
		c.StackTrace = append([]string(nil), e.StackTrace...)
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// CallbackOptions configures a CALLBACK START.
type CallbackOptions struct {
	TimeoutSeconds          int `json:"TimeoutSeconds,omitempty"`
	HeartbeatTimeoutSeconds int `json:"HeartbeatTimeoutSeconds,omitempty"`
}

// WaitOptions configures a WAIT START.
type WaitOptions struct {
	WaitSeconds int `json:"WaitSeconds"`
}

// StepOptions configures a STEP RETRY.
type StepOptions struct {
	NextAttemptDelaySeconds int `json:"NextAttemptDelaySeconds"`
}

// OperationUpdate is one state transition submitted through Checkpoint.
type OperationUpdate struct {
	ID       string        `json:"Id"`
	ParentID string        `json:"ParentId,omitempty"`
	Action   Action        `json:"Action"`
	Type     OperationType `json:"Type"`
	SubType  string        `json:"SubType,omitempty"`
	Name     string        `json:"Name,omitempty"`
	Payload  *string       `json:"Payload,omitempty"`
	Error    *ErrorObject  `json:"Error,omitempty"`

	CallbackOptions *CallbackOptions `json:"CallbackOptions,omitempty"`
	WaitOptions     *WaitOptions     `json:"WaitOptions,omitempty"`
	StepOptions     *StepOptions     `json:"StepOptions,omitempty"`
}

// ExecutionState is one page of a bulk state fetch.
type ExecutionState struct {
	CheckpointToken string       `json:"CheckpointToken"`
	Operations      []*Operation `json:"Operations"`
	NextMarker      string       `json:"NextMarker,omitempty"`
}

// CheckpointOutput is the service response to a checkpoint call.
type CheckpointOutput struct {
	// CheckpointToken must be presented on the next checkpoint call.
	CheckpointToken string `json:"CheckpointToken"`

	// Operations holds the new state of every operation touched by the call.
	Operations []*Operation `json:"Operations"`
}
