package engine

import (
	"context"
	"errors"
	"testing"
	"time"
)

func sequence(responses ...response) (func(context.Context) (ActionResult, error), *int) {
	calls := 0
	return func(context.Context) (ActionResult, error) {
		r := responses[len(responses)-1]
		if calls < len(responses) {
			r = responses[calls]
		}
		calls++
		return r.result, r.err
	}, &calls
}

func TestWithRetry(t *testing.T) {
	transport := NewInvocationError("probe", errors.New("connection refused"))

	tests := []struct {
		name        string
		responses   []response
		maxAttempts int
		wantCalls   int
		wantWaits   int
		wantCode    string
		wantStatus  int
	}{
		{
			name:        "success first attempt",
			responses:   []response{respond(200)},
			maxAttempts: 5,
			wantCalls:   1,
			wantStatus:  200,
		},
		{
			name:        "not authorized then success",
			responses:   []response{respond(401), respond(403), respond(200)},
			maxAttempts: 5,
			wantCalls:   3,
			wantWaits:   2,
			wantStatus:  200,
		},
		{
			name:        "transport error then success",
			responses:   []response{{err: transport}, respond(200)},
			maxAttempts: 5,
			wantCalls:   2,
			wantWaits:   1,
			wantStatus:  200,
		},
		{
			name:        "non-retryable status",
			responses:   []response{respond(500)},
			maxAttempts: 5,
			wantCalls:   1,
			wantCode:    ErrCodeActionFailed,
			wantStatus:  500,
		},
		{
			name:        "exhausted",
			responses:   []response{respond(403)},
			maxAttempts: 4,
			wantCalls:   4,
			wantWaits:   3,
			wantCode:    ErrCodeRetryExhausted,
			wantStatus:  403,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			action, calls := sequence(tt.responses...)
			waits := 0
			retries := 0

			policy := NewProbePolicy("probe", tt.maxAttempts, time.Second)
			policy.Wait = func(_ context.Context, d time.Duration) error {
				if d != time.Second {
					t.Errorf("wait %v, want 1s", d)
				}
				waits++
				return nil
			}
			policy.OnRetry = func(attempt, maxAttempts int, last error) {
				retries++
				if attempt != retries || maxAttempts != tt.maxAttempts || last == nil {
					t.Errorf("OnRetry(%d, %d, %v) out of order", attempt, maxAttempts, last)
				}
			}

			result, err := WithRetry(context.Background(), policy, action)

			if *calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", *calls, tt.wantCalls)
			}
			if waits != tt.wantWaits {
				t.Errorf("waits = %d, want %d", waits, tt.wantWaits)
			}
			if retries != tt.wantWaits {
				t.Errorf("retries = %d, want %d", retries, tt.wantWaits)
			}
			if result.StatusCode != tt.wantStatus {
				t.Errorf("StatusCode = %d, want %d", result.StatusCode, tt.wantStatus)
			}
			if tt.wantCode == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if !HasCode(err, tt.wantCode) {
				t.Errorf("error = %v, want code %s", err, tt.wantCode)
			}
		})
	}
}

func TestWithRetryExhaustedKeepsLastCause(t *testing.T) {
	transport := NewInvocationError("probe", errors.New("connection refused"))
	action, _ := sequence(response{err: transport})

	policy := NewProbePolicy("probe", 2, 0)
	_, err := WithRetry(context.Background(), policy, action)

	if !HasCode(err, ErrCodeRetryExhausted) {
		t.Fatalf("error = %v, want retry exhausted", err)
	}
	if !errors.Is(err, transport) {
		t.Errorf("exhausted error does not wrap the last transport error: %v", err)
	}
	if !IsTransient(err) {
		t.Errorf("exhausted error should be transient")
	}
}

func TestWithRetryNonInvocationError(t *testing.T) {
	boom := errors.New("boom")
	action, calls := sequence(response{err: boom})

	_, err := WithRetry(context.Background(), NewProbePolicy("probe", 5, 0), action)
	if !errors.Is(err, boom) {
		t.Errorf("error = %v, want boom", err)
	}
	if *calls != 1 {
		t.Errorf("calls = %d, want 1", *calls)
	}
}

func TestWithRetryWithoutPredicate(t *testing.T) {
	action, calls := sequence(respond(401))

	policy := RetryPolicy{Action: "plain", MaxAttempts: 5}
	_, err := WithRetry(context.Background(), policy, action)
	if !HasCode(err, ErrCodeActionFailed) {
		t.Errorf("error = %v, want action failed", err)
	}
	if *calls != 1 {
		t.Errorf("calls = %d, want 1", *calls)
	}
}

func TestWithRetryCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	action, calls := sequence(respond(403))

	policy := NewProbePolicy("probe", 5, time.Hour)
	policy.Wait = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, err := WithRetry(ctx, policy, action)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if *calls != 1 {
		t.Errorf("calls = %d, want 1", *calls)
	}
}

func TestNewProbePolicyDefaults(t *testing.T) {
	p := NewProbePolicy("probe", 0, -1)
	if p.MaxAttempts != DefaultRetryAttempts {
		t.Errorf("MaxAttempts = %d, want %d", p.MaxAttempts, DefaultRetryAttempts)
	}
	if p.Delay != DefaultRetryDelay {
		t.Errorf("Delay = %v, want %v", p.Delay, DefaultRetryDelay)
	}
	if !p.Success.Contains(200) || p.Success.Contains(201) {
		t.Errorf("Success = %v, want only 200", p.Success)
	}
}

func TestAuthNotReady(t *testing.T) {
	tests := []struct {
		name   string
		result ActionResult
		err    error
		want   bool
	}{
		{"401", ActionResult{StatusCode: 401}, nil, true},
		{"403", ActionResult{StatusCode: 403}, nil, true},
		{"404", ActionResult{StatusCode: 404}, nil, false},
		{"500", ActionResult{StatusCode: 500}, nil, false},
		{"transport", ActionResult{}, NewInvocationError("x", errors.New("eof")), true},
		{"other error", ActionResult{}, errors.New("eof"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AuthNotReady(tt.result, tt.err); got != tt.want {
				t.Errorf("AuthNotReady() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSleepContext(t *testing.T) {
	if err := sleepContext(context.Background(), 0); err != nil {
		t.Errorf("sleepContext(0) = %v", err)
	}
	if err := sleepContext(context.Background(), time.Millisecond); err != nil {
		t.Errorf("sleepContext(1ms) = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleepContext(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("sleepContext(cancelled) = %v", err)
	}
}
