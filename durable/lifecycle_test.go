package durable

import (
	"errors"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/dshills/durable-go/durable/store"
)

var stepMeta = &OperationMetadata{Type: store.TypeStep, Name: "charge"}

func TestLifecycle_Transitions(t *testing.T) {
	tests := []struct {
		name    string
		path    []OperationState
		wantErr error
	}{
		{"retry loop", []OperationState{StateExecuting, StateRetryWaiting, StateExecuting, StateCompleted}, nil},
		{"awaited callback", []OperationState{StateIdleNotAwaited, StateIdleAwaited, StateCompleted}, nil},
		{"already resolved", []OperationState{StateIdleNotAwaited, StateCompleted}, nil},
		{"repeat is a no-op", []OperationState{StateExecuting, StateExecuting, StateCompleted}, nil},
		{"replayed as completed", []OperationState{StateCompleted}, nil},
		{"completed is absorbing", []OperationState{StateExecuting, StateCompleted, StateExecuting}, ErrIllegalTransition},
		{"retry waiting cannot complete", []OperationState{StateRetryWaiting, StateCompleted}, ErrIllegalTransition},
		{"awaited cannot go back", []OperationState{StateIdleAwaited, StateIdleNotAwaited}, ErrIllegalTransition},
		{"idle cannot execute", []OperationState{StateIdleNotAwaited, StateExecuting}, ErrIllegalTransition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newLifecycle(nil)
			var err error
			for i, s := range tt.path {
				opts := MarkOptions{}
				if i == 0 {
					opts.Metadata = stepMeta
				}
				if err = l.mark("op", s, opts); err != nil {
					break
				}
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("mark = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestLifecycle_MetadataRequiredFirst(t *testing.T) {
	l := newLifecycle(nil)
	if err := l.mark("op", StateExecuting, MarkOptions{}); !errors.Is(err, ErrMissingMetadata) {
		t.Fatalf("mark without metadata = %v, want ErrMissingMetadata", err)
	}
	if _, ok := l.get("op"); ok {
		t.Error("operation registered without metadata")
	}

	if err := l.mark("op", StateExecuting, MarkOptions{Metadata: stepMeta}); err != nil {
		t.Fatalf("mark: %v", err)
	}
	other := &OperationMetadata{Type: store.TypeWait, Name: "other"}
	if err := l.mark("op", StateCompleted, MarkOptions{Metadata: other}); err != nil {
		t.Fatalf("mark: %v", err)
	}
	info, _ := l.get("op")
	if info.Metadata.Name != "charge" {
		t.Errorf("Metadata.Name = %q, want charge (metadata is fixed on first mark)", info.Metadata.Name)
	}
}

func TestLifecycle_MarkAwaited(t *testing.T) {
	changes := 0
	l := newLifecycle(func() { changes++ })

	l.markAwaited("missing")
	if changes != 0 {
		t.Errorf("markAwaited on unknown id triggered %d changes", changes)
	}

	end := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	if err := l.mark("cb", StateIdleNotAwaited, MarkOptions{Metadata: stepMeta, EndTimestamp: &end}); err != nil {
		t.Fatalf("mark: %v", err)
	}
	l.markAwaited("cb")
	l.markAwaited("cb")

	info, _ := l.get("cb")
	if info.State != StateIdleAwaited {
		t.Errorf("State = %s, want %s", info.State, StateIdleAwaited)
	}
	if info.EndTimestamp == nil || !info.EndTimestamp.Equal(end) {
		t.Errorf("EndTimestamp = %v, want %v", info.EndTimestamp, end)
	}
	if changes != 2 {
		t.Errorf("changes = %d, want 2", changes)
	}
}

func TestLifecycle_AllKeepsRegistrationOrder(t *testing.T) {
	l := newLifecycle(nil)
	ids := []string{"c", "a", "b"}
	for _, id := range ids {
		if err := l.mark(id, StateIdleNotAwaited, MarkOptions{Metadata: stepMeta}); err != nil {
			t.Fatalf("mark: %v", err)
		}
	}
	all := l.all()
	for i, info := range all {
		if info.StepID != ids[i] {
			t.Errorf("all()[%d] = %s, want %s", i, info.StepID, ids[i])
		}
	}
	if n := l.count(StateIdleNotAwaited); n != 3 {
		t.Errorf("count = %d, want 3", n)
	}
}

// Random event sequences never produce a transition outside the graph, and
// every rejected transition leaves the state unchanged.
func TestLifecycle_Legality_Property(t *testing.T) {
	states := []OperationState{StateExecuting, StateRetryWaiting, StateIdleNotAwaited, StateIdleAwaited, StateCompleted}
	allowed := map[OperationState]bool{
		StateExecuting + "->" + StateRetryWaiting:     true,
		StateRetryWaiting + "->" + StateExecuting:     true,
		StateExecuting + "->" + StateCompleted:        true,
		StateIdleNotAwaited + "->" + StateIdleAwaited: true,
		StateIdleAwaited + "->" + StateCompleted:      true,
		StateIdleNotAwaited + "->" + StateCompleted:   true,
	}

	rapid.Check(t, func(t *rapid.T) {
		l := newLifecycle(nil)
		ids := []string{"a", "b", "c"}
		steps := rapid.IntRange(1, 60).Draw(t, "steps")

		for i := 0; i < steps; i++ {
			id := rapid.SampledFrom(ids).Draw(t, "id")
			before, existed := l.get(id)

			if rapid.Bool().Draw(t, "awaited") {
				l.markAwaited(id)
				after, _ := l.get(id)
				if existed && before.State != after.State && !(before.State == StateIdleNotAwaited && after.State == StateIdleAwaited) {
					t.Fatalf("markAwaited moved %s from %s to %s", id, before.State, after.State)
				}
				continue
			}

			to := rapid.SampledFrom(states).Draw(t, "state")
			err := l.mark(id, to, MarkOptions{Metadata: stepMeta})
			after, _ := l.get(id)

			switch {
			case !existed:
				if err != nil || after.State != to {
					t.Fatalf("first mark of %s to %s: err=%v state=%s", id, to, err, after.State)
				}
			case before.State == to || allowed[before.State+"->"+to]:
				if err != nil {
					t.Fatalf("legal %s -> %s rejected: %v", before.State, to, err)
				}
				if after.State != to {
					t.Fatalf("state = %s after legal move to %s", after.State, to)
				}
			default:
				if !errors.Is(err, ErrIllegalTransition) {
					t.Fatalf("illegal %s -> %s: err = %v", before.State, to, err)
				}
				if after.State != before.State {
					t.Fatalf("rejected move changed state %s -> %s", before.State, after.State)
				}
			}
		}

		for _, info := range l.all() {
			if info.Metadata.Type == "" {
				t.Fatalf("%s has no metadata", info.StepID)
			}
		}
	})
}
