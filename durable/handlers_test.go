package durable

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dshills/durable-go/durable/store"
)

// fakeCheckpoint is an in-process Checkpoint that applies updates to a map
// and records every call. Its wait primitives return ErrSuspended at once.
type fakeCheckpoint struct {
	mu          sync.Mutex
	ops         map[string]*store.Operation
	updates     []store.OperationUpdate
	life        *lifecycle
	retryWaits  int
	statusWaits int
	terminated  error
	now         time.Time
}

func newFakeCheckpoint(ops ...*store.Operation) *fakeCheckpoint {
	f := &fakeCheckpoint{
		ops:  make(map[string]*store.Operation),
		life: newLifecycle(nil),
		now:  time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	for _, op := range ops {
		f.ops[op.ID] = op
	}
	return f
}

func (f *fakeCheckpoint) Checkpoint(_ context.Context, u store.OperationUpdate) error {
	f.CheckpointAsync(u)
	return nil
}

func (f *fakeCheckpoint) CheckpointAsync(u store.OperationUpdate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, u)

	op := f.ops[u.ID]
	if op == nil {
		op = &store.Operation{ID: u.ID, ParentID: u.ParentID, Name: u.Name, Type: u.Type}
		f.ops[u.ID] = op
	}
	switch u.Action {
	case store.ActionStart:
		op.Status = store.StatusStarted
		if u.Type == store.TypeCallback {
			op.CallbackDetails = &store.CallbackDetails{CallbackID: "cb-" + u.ID[:6]}
		}
	case store.ActionSucceed:
		op.Status = store.StatusSucceeded
		op.StepDetails = &store.StepDetails{Result: u.Payload}
	case store.ActionFail:
		op.Status = store.StatusFailed
		op.StepDetails = &store.StepDetails{Error: u.Error}
	case store.ActionRetry:
		attempt := 0
		if op.StepDetails != nil {
			attempt = op.StepDetails.Attempt
		}
		next := f.now.Add(time.Duration(u.StepOptions.NextAttemptDelaySeconds) * time.Second)
		op.Status = store.StatusPending
		op.StepDetails = &store.StepDetails{Attempt: attempt + 1, NextAttemptTimestamp: &next, Error: u.Error}
	}
}

func (f *fakeCheckpoint) StepData(id string) *store.Operation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ops[id].Clone()
}

func (f *fakeCheckpoint) MarkOperationState(id string, state OperationState, opts MarkOptions) error {
	return f.life.mark(id, state, opts)
}

func (f *fakeCheckpoint) MarkOperationAwaited(id string) { f.life.markAwaited(id) }

func (f *fakeCheckpoint) WaitForRetryTimer(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retryWaits++
	return ErrSuspended
}

func (f *fakeCheckpoint) WaitForStatusChange(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusWaits++
	return ErrSuspended
}

func (f *fakeCheckpoint) OperationState(id string) (OperationInfo, bool) { return f.life.get(id) }

func (f *fakeCheckpoint) AllOperations() []OperationInfo { return f.life.all() }

func (f *fakeCheckpoint) Terminate(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.terminated == nil {
		f.terminated = err
	}
}

func (f *fakeCheckpoint) actions() []store.Action {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Action, len(f.updates))
	for i, u := range f.updates {
		out[i] = u.Action
	}
	return out
}

func newTestContext(cp Checkpoint) *Context {
	return newRootContext(context.Background(), cp, DefaultOptions(), "exec-1")
}

// firstID is the operation id of the first operation created at the root.
var firstID = hashID("1")

func TestStep_CachedResult(t *testing.T) {
	cp := newFakeCheckpoint(&store.Operation{
		ID:          firstID,
		Type:        store.TypeStep,
		Name:        "answer",
		Status:      store.StatusSucceeded,
		StepDetails: &store.StepDetails{Result: strPtr(`"42"`)},
	})
	dc := newTestContext(cp)

	called := false
	got, err := Step(dc, "answer", func(context.Context) (string, error) {
		called = true
		return "", nil
	}).Await()

	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if got != "42" {
		t.Errorf("result = %q, want %q", got, "42")
	}
	if called {
		t.Error("closure ran for a succeeded step")
	}
	if len(cp.actions()) != 0 {
		t.Errorf("checkpointed %v for a cached step", cp.actions())
	}
	if info, _ := cp.OperationState(firstID); info.State != StateCompleted {
		t.Errorf("State = %s, want %s", info.State, StateCompleted)
	}
}

func TestStep_CachedFailure(t *testing.T) {
	recorded := NewStepError("card declined", nil, strPtr(`{"code":"declined"}`)).ErrorObject()
	cp := newFakeCheckpoint(&store.Operation{
		ID:          firstID,
		Type:        store.TypeStep,
		Name:        "charge",
		Status:      store.StatusFailed,
		StepDetails: &store.StepDetails{Error: &recorded},
	})

	called := false
	_, err := Step(newTestContext(cp), "charge", func(context.Context) (int, error) {
		called = true
		return 0, nil
	}).Await()

	var stepErr *StepError
	if !errors.As(err, &stepErr) {
		t.Fatalf("err = %v, want *StepError", err)
	}
	if stepErr.Error() != "card declined" || stepErr.Data() == nil || *stepErr.Data() != `{"code":"declined"}` {
		t.Errorf("err = %q data %v, want recorded message and data", stepErr.Error(), stepErr.Data())
	}
	if called {
		t.Error("closure ran for a failed step")
	}
}

func TestStep_AtMostOnceInterrupted(t *testing.T) {
	cp := newFakeCheckpoint(&store.Operation{
		ID:          firstID,
		Type:        store.TypeStep,
		Name:        "transfer",
		Status:      store.StatusStarted,
		StepDetails: &store.StepDetails{Attempt: 0},
	})

	var attempts []int
	cfg := StepConfig[int]{
		Semantics: AtMostOncePerRetry,
		RetryStrategy: func(err error, attempt int) RetryDecision {
			attempts = append(attempts, attempt)
			if !errors.Is(err, ErrStepInterrupted) {
				t.Errorf("strategy got %v, want ErrStepInterrupted", err)
			}
			return DefaultRetryStrategy(err, attempt)
		},
	}

	called := false
	_, err := Step(newTestContext(cp), "transfer", func(context.Context) (int, error) {
		called = true
		return 1, nil
	}, cfg).Await()

	if !errors.Is(err, ErrSuspended) {
		t.Fatalf("err = %v, want ErrSuspended from the retry wait", err)
	}
	if called {
		t.Error("closure ran for an interrupted at-most-once step")
	}
	if len(attempts) != 1 || attempts[0] != 1 {
		t.Errorf("strategy attempts = %v, want [1]", attempts)
	}

	cp.mu.Lock()
	defer cp.mu.Unlock()
	if len(cp.updates) != 1 || cp.updates[0].Action != store.ActionRetry {
		t.Fatalf("updates = %+v, want one RETRY", cp.updates)
	}
	if secs := cp.updates[0].StepOptions.NextAttemptDelaySeconds; secs < 1 {
		t.Errorf("NextAttemptDelaySeconds = %d, want >= 1", secs)
	}
	if cp.retryWaits != 1 {
		t.Errorf("retry waits = %d, want 1", cp.retryWaits)
	}
}

func TestStep_AtMostOnceInterruptedNoRetry(t *testing.T) {
	cp := newFakeCheckpoint(&store.Operation{
		ID:          firstID,
		Type:        store.TypeStep,
		Name:        "transfer",
		Status:      store.StatusStarted,
		StepDetails: &store.StepDetails{Attempt: 5},
	})

	_, err := Step(newTestContext(cp), "transfer", func(context.Context) (int, error) {
		t.Error("closure ran")
		return 0, nil
	}, StepConfig[int]{Semantics: AtMostOncePerRetry}).Await()

	var stepErr *StepError
	if !errors.As(err, &stepErr) {
		t.Fatalf("err = %v, want *StepError", err)
	}
	if got := cp.actions(); len(got) != 1 || got[0] != store.ActionFail {
		t.Errorf("actions = %v, want [FAIL]", got)
	}
}

func TestStep_AtLeastOnceRerunsStarted(t *testing.T) {
	cp := newFakeCheckpoint(&store.Operation{
		ID:     firstID,
		Type:   store.TypeStep,
		Name:   "email",
		Status: store.StatusStarted,
	})

	got, err := Step(newTestContext(cp), "email", func(context.Context) (string, error) {
		return "sent", nil
	}).Await()
	if err != nil || got != "sent" {
		t.Fatalf("Await = %q, %v, want sent", got, err)
	}
	if acts := cp.actions(); len(acts) != 2 || acts[0] != store.ActionStart || acts[1] != store.ActionSucceed {
		t.Errorf("actions = %v, want [START SUCCEED]", acts)
	}
}

func TestStep_StackDoesNotMutateReturnedError(t *testing.T) {
	shared := NewStepError("quota exceeded", nil, nil)
	cp := newFakeCheckpoint()
	dc := newTestContext(cp)
	dc.opts.StackTraces = true

	handles := make([]*Handle[int], 4)
	for i := range handles {
		handles[i] = Step(dc, "quota", func(context.Context) (int, error) {
			return 0, shared
		}, StepConfig[int]{RetryStrategy: NoRetry})
	}
	for _, h := range handles {
		_, err := h.Await()
		var stepErr *StepError
		if !errors.As(err, &stepErr) || len(stepErr.Stack()) == 0 {
			t.Errorf("err = %v, want *StepError with a stack", err)
		}
		if stepErr == shared {
			t.Error("Await returned the closure's error value instead of the recorded one")
		}
	}
	if n := len(shared.Stack()); n != 0 {
		t.Errorf("shared error stack has %d lines, want 0", n)
	}
}

func TestStep_FailureWithoutRetry(t *testing.T) {
	cp := newFakeCheckpoint()
	dc := newTestContext(cp)
	dc.opts.StackTraces = true

	_, err := Step(dc, "parse", func(context.Context) (int, error) {
		return 0, errors.New("bad input")
	}, StepConfig[int]{RetryStrategy: NoRetry}).Await()

	var stepErr *StepError
	if !errors.As(err, &stepErr) {
		t.Fatalf("err = %v, want *StepError", err)
	}
	if stepErr.Error() != "bad input" {
		t.Errorf("message = %q, want %q", stepErr.Error(), "bad input")
	}
	if len(stepErr.Stack()) == 0 {
		t.Error("stack not captured with StackTraces enabled")
	}
	if acts := cp.actions(); len(acts) != 2 || acts[1] != store.ActionFail {
		t.Errorf("actions = %v, want [START FAIL]", acts)
	}
	if info, _ := cp.OperationState(firstID); info.State != StateCompleted {
		t.Errorf("State = %s, want COMPLETED", info.State)
	}
}

func TestStep_UnrecoverableTerminates(t *testing.T) {
	cp := newFakeCheckpoint()
	calls := 0
	_, err := Step(newTestContext(cp), "migrate", func(context.Context) (int, error) {
		calls++
		return 0, Unrecoverable(errors.New("schema corrupt"))
	}).Await()

	if !IsUnrecoverable(err) {
		t.Fatalf("err = %v, want unrecoverable", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if cp.terminated == nil {
		t.Error("execution was not terminated")
	}
	for _, a := range cp.actions() {
		if a == store.ActionRetry {
			t.Error("unrecoverable failure was retried")
		}
	}
}

func TestStep_Timeout(t *testing.T) {
	cp := newFakeCheckpoint()
	var reasons []error
	_, err := Step(newTestContext(cp), "slow", func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}, StepConfig[int]{
		Timeout: 10 * time.Millisecond,
		RetryStrategy: func(err error, attempt int) RetryDecision {
			reasons = append(reasons, err)
			return RetryDecision{}
		},
	}).Await()

	if err == nil {
		t.Fatal("Await succeeded, want timeout failure")
	}
	var ee *EngineError
	if len(reasons) != 1 || !errors.As(reasons[0], &ee) || ee.Code != "STEP_TIMEOUT" {
		t.Errorf("strategy saw %v, want STEP_TIMEOUT", reasons)
	}
}

func TestStep_NonDeterministic(t *testing.T) {
	cp := newFakeCheckpoint(&store.Operation{
		ID:     firstID,
		Type:   store.TypeWait,
		Name:   "pause",
		Status: store.StatusSucceeded,
	})

	_, err := Step(newTestContext(cp), "pause", func(context.Context) (int, error) {
		t.Error("closure ran on a mismatched record")
		return 0, nil
	}).Await()

	if !errors.Is(err, ErrNonDeterministic) || !IsUnrecoverable(err) {
		t.Fatalf("err = %v, want unrecoverable ErrNonDeterministic", err)
	}
	if !errors.Is(cp.terminated, ErrNonDeterministic) {
		t.Errorf("terminated = %v, want ErrNonDeterministic", cp.terminated)
	}
}

func TestStepAttempt(t *testing.T) {
	cp := newFakeCheckpoint(&store.Operation{
		ID:          firstID,
		Type:        store.TypeStep,
		Name:        "n",
		Status:      store.StatusReady,
		StepDetails: &store.StepDetails{Attempt: 2},
	})
	got, err := Step(newTestContext(cp), "n", func(ctx context.Context) (int, error) {
		return StepAttempt(ctx), nil
	}).Await()
	if err != nil || got != 3 {
		t.Errorf("StepAttempt = %d, %v, want 3", got, err)
	}
	if StepAttempt(context.Background()) != 0 {
		t.Error("StepAttempt outside a step != 0")
	}
}

func TestCallback_TimedOut(t *testing.T) {
	cp := newFakeCheckpoint(&store.Operation{
		ID:              firstID,
		Type:            store.TypeCallback,
		Name:            "approval",
		Status:          store.StatusTimedOut,
		CallbackDetails: &store.CallbackDetails{},
	})

	_, err := CreateCallback[string](newTestContext(cp), "approval").Await()

	var timeout *CallbackTimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("err = %v, want *CallbackTimeoutError", err)
	}
	if timeout.Error() != "Callback timed out" {
		t.Errorf("message = %q, want %q", timeout.Error(), "Callback timed out")
	}
	var cbErr *CallbackError
	if errors.As(err, &cbErr) {
		t.Error("timeout matched *CallbackError")
	}
	if cp.statusWaits != 0 {
		t.Errorf("status waits = %d, want 0", cp.statusWaits)
	}
}

func TestCallback_Outcomes(t *testing.T) {
	failure := store.ErrorObject{ErrorMessage: "rejected by reviewer", ErrorData: strPtr("r-17")}

	tests := []struct {
		name       string
		op         store.Operation
		want       string
		wantErr    func(error) bool
		terminates bool
	}{
		{
			name: "succeeded",
			op: store.Operation{Status: store.StatusSucceeded,
				CallbackDetails: &store.CallbackDetails{CallbackID: "cb-1", Result: strPtr(`"ok"`)}},
			want: "ok",
		},
		{
			name: "succeeded without result",
			op: store.Operation{Status: store.StatusSucceeded,
				CallbackDetails: &store.CallbackDetails{CallbackID: "cb-1"}},
			wantErr:    func(err error) bool { return errors.Is(err, ErrMissingResult) },
			terminates: true,
		},
		{
			name: "failed with details",
			op: store.Operation{Status: store.StatusFailed,
				CallbackDetails: &store.CallbackDetails{CallbackID: "cb-1", Error: &failure}},
			wantErr: func(err error) bool {
				var cb *CallbackError
				return errors.As(err, &cb) && cb.Error() == "rejected by reviewer" && *cb.Data() == "r-17"
			},
		},
		{
			name: "failed without details",
			op:   store.Operation{Status: store.StatusFailed, CallbackDetails: &store.CallbackDetails{}},
			wantErr: func(err error) bool {
				var cb *CallbackError
				return errors.As(err, &cb) && cb.Error() == "Callback failed"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := tt.op
			op.ID, op.Type, op.Name = firstID, store.TypeCallback, "review"
			cp := newFakeCheckpoint(&op)

			got, err := CreateCallback[string](newTestContext(cp), "review").Await()
			if (cp.terminated != nil) != tt.terminates {
				t.Errorf("terminated = %v, want terminated %v", cp.terminated, tt.terminates)
			}
			if tt.wantErr != nil {
				if !tt.wantErr(err) {
					t.Errorf("err = %v", err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("Await = %q, %v, want %q", got, err, tt.want)
			}
		})
	}
}

func TestCallback_MissingID(t *testing.T) {
	cp := newFakeCheckpoint(&store.Operation{
		ID:              firstID,
		Type:            store.TypeCallback,
		Name:            "approval",
		Status:          store.StatusStarted,
		CallbackDetails: &store.CallbackDetails{},
	})

	h := CreateCallback[string](newTestContext(cp), "approval")
	if _, err := h.ID(); !errors.Is(err, ErrMissingCallbackID) {
		t.Errorf("ID() err = %v, want ErrMissingCallbackID", err)
	}
	if _, err := h.Await(); !errors.Is(err, ErrMissingCallbackID) {
		t.Errorf("Await() err = %v, want ErrMissingCallbackID", err)
	}
	if !errors.Is(cp.terminated, ErrMissingCallbackID) {
		t.Errorf("terminated = %v, want ErrMissingCallbackID", cp.terminated)
	}
}

func TestCallback_Registers(t *testing.T) {
	cp := newFakeCheckpoint()
	h := CreateCallback[string](newTestContext(cp), "approval", CallbackConfig[string]{
		Timeout:          90 * time.Minute,
		HeartbeatTimeout: 1500 * time.Millisecond,
	})

	id, err := h.ID()
	if err != nil || id == "" {
		t.Fatalf("ID() = %q, %v, want a callback id", id, err)
	}
	cp.mu.Lock()
	u := cp.updates[0]
	cp.mu.Unlock()
	if u.Action != store.ActionStart || u.CallbackOptions == nil {
		t.Fatalf("update = %+v, want START with options", u)
	}
	if u.CallbackOptions.TimeoutSeconds != 5400 || u.CallbackOptions.HeartbeatTimeoutSeconds != 2 {
		t.Errorf("CallbackOptions = %+v, want 5400s / 2s", *u.CallbackOptions)
	}
	if info, _ := cp.OperationState(firstID); info.State != StateIdleNotAwaited {
		t.Errorf("State = %s, want IDLE_NOT_AWAITED", info.State)
	}

	if _, err := h.Await(); !errors.Is(err, ErrSuspended) {
		t.Errorf("Await() = %v, want ErrSuspended", err)
	}
	if info, _ := cp.OperationState(firstID); info.State != StateIdleAwaited {
		t.Errorf("State = %s, want IDLE_AWAITED", info.State)
	}
}

func TestWait_AlreadySatisfied(t *testing.T) {
	end := time.Date(2025, 1, 1, 12, 0, 10, 0, time.UTC)
	cp := newFakeCheckpoint(&store.Operation{
		ID:          firstID,
		Type:        store.TypeWait,
		Name:        "cool-off",
		Status:      store.StatusSucceeded,
		WaitDetails: &store.WaitDetails{ScheduledEndTimestamp: &end},
	})

	if _, err := Wait(newTestContext(cp), "cool-off", 10*time.Second).Await(); err != nil {
		t.Fatalf("Await: %v", err)
	}
	if cp.statusWaits != 0 {
		t.Errorf("status waits = %d, want 0", cp.statusWaits)
	}
	if len(cp.actions()) != 0 {
		t.Errorf("actions = %v, want none", cp.actions())
	}
	if info, _ := cp.OperationState(firstID); info.State != StateCompleted {
		t.Errorf("State = %s, want COMPLETED", info.State)
	}
}

func TestWait_Registers(t *testing.T) {
	cp := newFakeCheckpoint()
	_, err := Wait(newTestContext(cp), "tick", 300*time.Millisecond).Await()
	if !errors.Is(err, ErrSuspended) {
		t.Fatalf("Await = %v, want ErrSuspended", err)
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if len(cp.updates) != 1 || cp.updates[0].WaitOptions == nil || cp.updates[0].WaitOptions.WaitSeconds != 1 {
		t.Errorf("updates = %+v, want START with WaitSeconds 1", cp.updates)
	}
	if cp.statusWaits != 1 {
		t.Errorf("status waits = %d, want 1", cp.statusWaits)
	}
}

func TestHandle_RegistrationErrorIsHeld(t *testing.T) {
	boom := errors.New("boom")
	h := startHandle(func() (func() (int, error), error) { return nil, boom })

	<-h.Done()
	for i := 0; i < 2; i++ {
		if _, err := h.Await(); !errors.Is(err, boom) {
			t.Errorf("Await #%d = %v, want boom", i, err)
		}
	}
}

func TestHandle_DeferredRunsOnce(t *testing.T) {
	runs := 0
	h := startHandle(func() (func() (int, error), error) {
		return func() (int, error) { runs++; return 7, nil }, nil
	})
	for i := 0; i < 3; i++ {
		if v, err := h.Await(); v != 7 || err != nil {
			t.Errorf("Await = %d, %v, want 7", v, err)
		}
	}
	if runs != 1 {
		t.Errorf("deferred ran %d times, want 1", runs)
	}
}

func TestHandle_PanicBecomesError(t *testing.T) {
	h := startHandle(func() (func() (int, error), error) { panic("kaboom") })
	if _, err := h.Await(); err == nil {
		t.Error("Await = nil, want panic error")
	}
}

func TestAwaitAll(t *testing.T) {
	cp := newFakeCheckpoint()
	dc := newTestContext(cp)

	handles := make([]*Handle[int], 5)
	for i := range handles {
		handles[i] = Step(dc, "square", func(context.Context) (int, error) { return i * i, nil })
	}
	got, err := AwaitAll(handles...)
	if err != nil {
		t.Fatalf("AwaitAll: %v", err)
	}
	for i, v := range got {
		if v != i*i {
			t.Errorf("result[%d] = %d, want %d", i, v, i*i)
		}
	}
}
