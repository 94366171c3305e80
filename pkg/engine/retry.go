package engine

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Retry defaults used at the post-creation probe call site.
const (
	DefaultRetryAttempts = 5
	DefaultRetryDelay    = time.Second
)

// RetryPolicy bounds the attempts made for one action invocation.
type RetryPolicy struct {
	// Action names the invoked action in errors and callbacks.
	Action string

	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// Delay is the fixed sleep between attempts.
	Delay time.Duration

	// Success is the set of status codes returned immediately.
	Success StatusSet

	// IsRetryable judges a non-successful outcome. A nil func retries nothing.
	IsRetryable func(result ActionResult, err error) bool

	// OnRetry is called before each sleep with the attempt that just failed.
	OnRetry func(attempt, maxAttempts int, last error)

	// Wait sleeps between attempts. Defaults to a context-aware timer.
	Wait func(ctx context.Context, d time.Duration) error
}

// AuthNotReady treats transport errors and 401/403 answers as "not yet
// authorized". Only wire it where the callee was just created.
func AuthNotReady(result ActionResult, err error) bool {
	if err != nil {
		var e *EngineError
		return errors.As(err, &e) && e.Code == ErrCodeInvocationFailed
	}
	return result.StatusCode == 401 || result.StatusCode == 403
}

// NewProbePolicy returns the retry policy for the post-creation probe.
func NewProbePolicy(action string, maxAttempts int, delay time.Duration) RetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = DefaultRetryAttempts
	}
	if delay < 0 {
		delay = DefaultRetryDelay
	}
	return RetryPolicy{
		Action:      action,
		MaxAttempts: maxAttempts,
		Delay:       delay,
		Success:     NewStatusSet(200),
		IsRetryable: AuthNotReady,
	}
}

// WithRetry invokes action until it returns a status in the success set,
// a non-retryable outcome, or MaxAttempts is reached.
func WithRetry(ctx context.Context, policy RetryPolicy, action func(ctx context.Context) (ActionResult, error)) (ActionResult, error) {
	maxAttempts := policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	success := policy.Success
	if success == nil {
		success = NewStatusSet(200)
	}
	wait := policy.Wait
	if wait == nil {
		wait = sleepContext
	}

	var (
		result ActionResult
		last   error
	)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		var err error
		result, err = action(ctx)

		if err == nil && success.Contains(result.StatusCode) {
			return result, nil
		}

		retryable := policy.IsRetryable != nil && policy.IsRetryable(result, err)
		if !retryable {
			if err != nil {
				return result, err
			}
			return result, NewActionFailedError(policy.Action, result)
		}

		if err != nil {
			last = err
		} else {
			last = fmt.Errorf("not ready (%d): %s", result.StatusCode, result.Body)
		}

		if attempt == maxAttempts {
			break
		}

		if policy.OnRetry != nil {
			policy.OnRetry(attempt, maxAttempts, last)
		}

		if err := wait(ctx, policy.Delay); err != nil {
			return result, err
		}
	}

	return result, NewRetryExhaustedError(policy.Action, maxAttempts, last)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
