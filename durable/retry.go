package durable

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"strings"
	"time"
)

// RetryDecision is the outcome of a retry strategy. It is never persisted.
type RetryDecision struct {
	// ShouldRetry reports whether the failed step should run again.
	ShouldRetry bool

	// Delay is the backoff before the next attempt. The service schedules
	// retries in whole seconds, so the engine rounds it up to at least 1s.
	Delay time.Duration
}

// RetryStrategy maps a failure and the next attempt number to a retry decision.
//
// attempt is 1 for the decision after the first failure, 2 after the second,
// and so on. Strategies must be pure: the same inputs always yield the same
// ShouldRetry.
type RetryStrategy func(err error, attempt int) RetryDecision

// JitterStrategy selects how randomness is applied to a computed delay.
type JitterStrategy int

const (
	// JitterFull picks a delay uniformly in [0, d].
	JitterFull JitterStrategy = iota

	// JitterHalf picks a delay uniformly in [d/2, d].
	JitterHalf

	// JitterNone uses the computed delay unchanged.
	JitterNone
)

// ErrInvalidRetryPolicy is returned by RetryPolicy.Validate.
var ErrInvalidRetryPolicy = errors.New("invalid retry policy")

// RetryPolicy is the declarative form of an exponential backoff strategy.
//
// The delay before attempt n+1 is:
//
//	min(InitialDelay * BackoffRate^(n-1), MaxDelay)
//
// with jitter applied afterwards, then rounded up to whole seconds.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	// A value of 1 disables retries.
	MaxAttempts int

	// InitialDelay is the delay before the second attempt.
	InitialDelay time.Duration

	// MaxDelay caps the computed delay. Zero means no cap.
	MaxDelay time.Duration

	// BackoffRate multiplies the delay after each failure. Zero means 2.0.
	BackoffRate float64

	// Jitter selects the randomization applied to each delay.
	Jitter JitterStrategy

	// RetryableErrors restricts retries to errors whose message contains one
	// of these substrings. Empty means every message qualifies.
	RetryableErrors []string

	// RetryableKinds restricts retries to errors of these kinds. A kind is the
	// durable ErrorKind for durable errors or the Go type name otherwise.
	// Empty means every kind qualifies.
	RetryableKinds []string
}

// DefaultRetryPolicy is applied to steps without a caller supplied strategy:
// 6 attempts, 5s initial delay doubling up to 60s, full jitter.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:  6,
	InitialDelay: 5 * time.Second,
	MaxDelay:     60 * time.Second,
	BackoffRate:  2.0,
	Jitter:       JitterFull,
}

// DefaultRetryStrategy is the strategy form of DefaultRetryPolicy.
var DefaultRetryStrategy = DefaultRetryPolicy.Strategy()

// NoRetry never retries.
func NoRetry(error, int) RetryDecision { return RetryDecision{} }

// Validate checks the policy's constraints:
//   - MaxAttempts must be >= 1
//   - BackoffRate must be 0 (default) or >= 1
//   - InitialDelay and MaxDelay must not be negative
//   - If MaxDelay > 0 it must be >= InitialDelay
func (p RetryPolicy) Validate() error {
	switch {
	case p.MaxAttempts < 1:
		return fmt.Errorf("%w: MaxAttempts must be >= 1, got %d", ErrInvalidRetryPolicy, p.MaxAttempts)
	case p.BackoffRate != 0 && p.BackoffRate < 1:
		return fmt.Errorf("%w: BackoffRate must be >= 1, got %v", ErrInvalidRetryPolicy, p.BackoffRate)
	case p.InitialDelay < 0 || p.MaxDelay < 0:
		return fmt.Errorf("%w: delays must not be negative", ErrInvalidRetryPolicy)
	case p.MaxDelay > 0 && p.MaxDelay < p.InitialDelay:
		return fmt.Errorf("%w: MaxDelay %v is below InitialDelay %v", ErrInvalidRetryPolicy, p.MaxDelay, p.InitialDelay)
	}
	return nil
}

// Strategy returns the RetryStrategy described by the policy.
func (p RetryPolicy) Strategy() RetryStrategy {
	return func(err error, attempt int) RetryDecision {
		if attempt >= p.MaxAttempts || !p.retryable(err) {
			return RetryDecision{}
		}
		return RetryDecision{ShouldRetry: true, Delay: p.delay(attempt)}
	}
}

func (p RetryPolicy) retryable(err error) bool {
	if err == nil {
		return false
	}
	if len(p.RetryableKinds) > 0 {
		kind := string(errorKindOf(err))
		if kind == "" {
			kind = typeName(err)
		}
		if !slices.Contains(p.RetryableKinds, kind) {
			return false
		}
	}
	if len(p.RetryableErrors) > 0 {
		msg := err.Error()
		return slices.ContainsFunc(p.RetryableErrors, func(s string) bool {
			return strings.Contains(msg, s)
		})
	}
	return true
}

// delay computes the backoff before attempt+1.
func (p RetryPolicy) delay(attempt int) time.Duration {
	rate := p.BackoffRate
	if rate == 0 {
		rate = 2.0
	}
	d := float64(p.InitialDelay) * math.Pow(rate, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}

	// #nosec G404 -- jitter for retry timing, not security
	switch p.Jitter {
	case JitterFull:
		d = rand.Float64() * d
	case JitterHalf:
		d = d/2 + rand.Float64()*d/2
	}
	return wholeSeconds(time.Duration(d))
}

// wholeSeconds rounds d up to whole seconds with a 1s floor.
func wholeSeconds(d time.Duration) time.Duration {
	secs := int64(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}

// delaySeconds converts a decision delay to the wire's integer seconds.
func delaySeconds(d time.Duration) int {
	return int(wholeSeconds(d) / time.Second)
}
