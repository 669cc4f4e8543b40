package durable

import (
	"errors"
	"testing"
	"time"

	"pgregory.net/rapid"
)

func TestRetryPolicy_Validate(t *testing.T) {
	tests := []struct {
		name    string
		policy  RetryPolicy
		wantErr bool
	}{
		{"default", DefaultRetryPolicy, false},
		{"single attempt", RetryPolicy{MaxAttempts: 1}, false},
		{"zero attempts", RetryPolicy{MaxAttempts: 0}, true},
		{"shrinking backoff", RetryPolicy{MaxAttempts: 3, BackoffRate: 0.5}, true},
		{"negative delay", RetryPolicy{MaxAttempts: 3, InitialDelay: -time.Second}, true},
		{"cap below initial", RetryPolicy{MaxAttempts: 3, InitialDelay: 10 * time.Second, MaxDelay: time.Second}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidRetryPolicy) {
				t.Errorf("Validate() = %v, want ErrInvalidRetryPolicy", err)
			}
		})
	}
}

func TestRetryPolicy_Strategy(t *testing.T) {
	boom := errors.New("connection reset")
	policy := RetryPolicy{MaxAttempts: 4, InitialDelay: 2 * time.Second, MaxDelay: 5 * time.Second, Jitter: JitterNone}
	strategy := policy.Strategy()

	tests := []struct {
		attempt   int
		wantRetry bool
		wantDelay time.Duration
	}{
		{1, true, 2 * time.Second},
		{2, true, 4 * time.Second},
		{3, true, 5 * time.Second},
		{4, false, 0},
		{9, false, 0},
	}
	for _, tt := range tests {
		got := strategy(boom, tt.attempt)
		if got.ShouldRetry != tt.wantRetry {
			t.Errorf("attempt %d: ShouldRetry = %v, want %v", tt.attempt, got.ShouldRetry, tt.wantRetry)
		}
		if got.Delay != tt.wantDelay {
			t.Errorf("attempt %d: Delay = %v, want %v", tt.attempt, got.Delay, tt.wantDelay)
		}
	}
}

func TestRetryPolicy_RetryableFilters(t *testing.T) {
	policy := RetryPolicy{
		MaxAttempts:     3,
		InitialDelay:    time.Second,
		Jitter:          JitterNone,
		RetryableErrors: []string{"throttl"},
	}
	strategy := policy.Strategy()

	if !strategy(errors.New("request throttled"), 1).ShouldRetry {
		t.Error("matching message was not retried")
	}
	if strategy(errors.New("access denied"), 1).ShouldRetry {
		t.Error("non-matching message was retried")
	}

	byKind := RetryPolicy{MaxAttempts: 3, RetryableKinds: []string{string(KindCallbackTimeout), "EngineError"}}.Strategy()
	if !byKind(NewCallbackTimeoutError("", nil, nil), 1).ShouldRetry {
		t.Error("CallbackTimeoutError was not retried")
	}
	if !byKind(&EngineError{Message: "timeout", Code: "STEP_TIMEOUT"}, 1).ShouldRetry {
		t.Error("EngineError was not retried")
	}
	if byKind(NewCallbackError("", nil, nil), 1).ShouldRetry {
		t.Error("CallbackError was retried")
	}
	if byKind(nil, 1).ShouldRetry {
		t.Error("nil error was retried")
	}
}

func TestNoRetry(t *testing.T) {
	if NoRetry(errors.New("x"), 1).ShouldRetry {
		t.Error("NoRetry retried")
	}
}

func TestWholeSeconds(t *testing.T) {
	tests := []struct {
		in, want time.Duration
	}{
		{0, time.Second},
		{-time.Second, time.Second},
		{time.Millisecond, time.Second},
		{time.Second, time.Second},
		{1500 * time.Millisecond, 2 * time.Second},
		{60 * time.Second, 60 * time.Second},
	}
	for _, tt := range tests {
		if got := wholeSeconds(tt.in); got != tt.want {
			t.Errorf("wholeSeconds(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if got := delaySeconds(2500 * time.Millisecond); got != 3 {
		t.Errorf("delaySeconds(2.5s) = %d, want 3", got)
	}
}

// The default strategy retries exactly while attempt < 6 and always produces
// a whole-second delay within [1s, 60s].
func TestDefaultRetryStrategy_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		attempt := rapid.IntRange(1, 20).Draw(t, "attempt")
		d := DefaultRetryStrategy(errors.New("transient"), attempt)

		if want := attempt < DefaultRetryPolicy.MaxAttempts; d.ShouldRetry != want {
			t.Fatalf("attempt %d: ShouldRetry = %v, want %v", attempt, d.ShouldRetry, want)
		}
		if !d.ShouldRetry {
			return
		}
		if d.Delay < time.Second || d.Delay > DefaultRetryPolicy.MaxDelay {
			t.Fatalf("attempt %d: Delay = %v, want within [1s, 60s]", attempt, d.Delay)
		}
		if d.Delay%time.Second != 0 {
			t.Fatalf("attempt %d: Delay = %v is not whole seconds", attempt, d.Delay)
		}
	})
}

func TestJitterHalf_Bounds(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 10, InitialDelay: 8 * time.Second, Jitter: JitterHalf}
	for i := 0; i < 100; i++ {
		d := policy.delay(1)
		if d < 4*time.Second || d > 8*time.Second {
			t.Fatalf("delay = %v, want within [4s, 8s]", d)
		}
	}
}
