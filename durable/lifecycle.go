package durable

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dshills/durable-go/durable/store"
)

// OperationState is the local lifecycle state of an operation within one
// invocation. It is diagnostic only: correctness is governed by the remote
// operation status.
type OperationState string

const (
	// StateExecuting means user code for the operation is running now.
	StateExecuting OperationState = "EXECUTING"

	// StateRetryWaiting means a step is backing off before its next attempt.
	StateRetryWaiting OperationState = "RETRY_WAITING"

	// StateIdleNotAwaited means the operation is registered but nobody awaits it yet.
	StateIdleNotAwaited OperationState = "IDLE_NOT_AWAITED"

	// StateIdleAwaited means the caller has started waiting on the operation.
	StateIdleAwaited OperationState = "IDLE_AWAITED"

	// StateCompleted is absorbing: success or permanent failure.
	StateCompleted OperationState = "COMPLETED"
)

// legalTransitions lists the edges of the lifecycle graph. Re-marking the
// current state is always allowed and changes nothing but options.
var legalTransitions = map[OperationState][]OperationState{
	StateExecuting:      {StateRetryWaiting, StateCompleted},
	StateRetryWaiting:   {StateExecuting},
	StateIdleNotAwaited: {StateIdleAwaited, StateCompleted},
	StateIdleAwaited:    {StateCompleted},
	StateCompleted:      nil,
}

// ErrIllegalTransition is returned when a lifecycle edge is not in the graph.
var ErrIllegalTransition = errors.New("illegal lifecycle transition")

// ErrMissingMetadata is returned when the first mark of an operation carries no metadata.
var ErrMissingMetadata = errors.New("metadata is required on the first lifecycle transition")

// OperationMetadata identifies an operation for diagnostics.
type OperationMetadata struct {
	Type     store.OperationType
	SubType  string
	Name     string
	ParentID string
}

// OperationInfo is the lifecycle record of one operation.
type OperationInfo struct {
	StepID       string
	State        OperationState
	Metadata     OperationMetadata
	EndTimestamp *time.Time

	// seq orders infos by first registration.
	seq int
}

// MarkOptions carries optional data for MarkOperationState.
type MarkOptions struct {
	// Metadata is mandatory on the first mark of an operation and ignored afterwards.
	Metadata *OperationMetadata

	// EndTimestamp records when a timed suspension ends.
	EndTimestamp *time.Time
}

// lifecycle is the per-invocation table of OperationInfo keyed by operation id.
// It is rebuilt from scratch on every invocation.
type lifecycle struct {
	mu    sync.Mutex
	infos map[string]*OperationInfo
	next  int

	// onChange is called after every applied transition, outside the lock.
	onChange func()
}

func newLifecycle(onChange func()) *lifecycle {
	return &lifecycle{infos: make(map[string]*OperationInfo), onChange: onChange}
}

// mark moves id to state. It returns ErrIllegalTransition for edges outside
// the graph and ErrMissingMetadata for a first mark without metadata.
func (l *lifecycle) mark(id string, state OperationState, opts MarkOptions) error {
	l.mu.Lock()
	info, ok := l.infos[id]
	switch {
	case !ok:
		if opts.Metadata == nil {
			l.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrMissingMetadata, id)
		}
		l.next++
		info = &OperationInfo{StepID: id, State: state, Metadata: *opts.Metadata, seq: l.next}
		l.infos[id] = info
	case info.State == state:
	case !canTransition(info.State, state):
		from := info.State
		l.mu.Unlock()
		return fmt.Errorf("%w: %s %s -> %s", ErrIllegalTransition, id, from, state)
	default:
		info.State = state
	}
	if opts.EndTimestamp != nil {
		ts := *opts.EndTimestamp
		info.EndTimestamp = &ts
	}
	l.mu.Unlock()

	if l.onChange != nil {
		l.onChange()
	}
	return nil
}

// markAwaited moves IDLE_NOT_AWAITED to IDLE_AWAITED. Every other state is left alone.
func (l *lifecycle) markAwaited(id string) {
	l.mu.Lock()
	info, ok := l.infos[id]
	changed := ok && info.State == StateIdleNotAwaited
	if changed {
		info.State = StateIdleAwaited
	}
	l.mu.Unlock()

	if changed && l.onChange != nil {
		l.onChange()
	}
}

func canTransition(from, to OperationState) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (l *lifecycle) get(id string) (OperationInfo, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	info, ok := l.infos[id]
	if !ok {
		return OperationInfo{}, false
	}
	return copyInfo(info), true
}

// all returns every info in registration order.
func (l *lifecycle) all() []OperationInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]OperationInfo, 0, len(l.infos))
	for _, info := range l.infos {
		out = append(out, copyInfo(info))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// count returns how many operations are in state.
func (l *lifecycle) count(state OperationState) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, info := range l.infos {
		if info.State == state {
			n++
		}
	}
	return n
}

func copyInfo(info *OperationInfo) OperationInfo {
	c := *info
	if info.EndTimestamp != nil {
		ts := *info.EndTimestamp
		c.EndTimestamp = &ts
	}
	return c
}
