package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errTransient = errors.New("transient")

func isTestTransient(err error) bool { return errors.Is(err, errTransient) }

func fastRetry(n int) Retry {
	return Retry{MaxAttempts: n, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
}

func TestRetry_TransientThenSuccess(t *testing.T) {
	calls, notified := 0, 0
	err := fastRetry(5).do(context.Background(), isTestTransient,
		func(error, time.Duration) { notified++ },
		func() error {
			calls++
			if calls < 3 {
				return errTransient
			}
			return nil
		})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if calls != 3 || notified != 2 {
		t.Fatalf("calls=%d notified=%d, want 3 and 2", calls, notified)
	}
}

func TestRetry_PermanentNotRetried(t *testing.T) {
	boom := errors.New("bad value")
	calls := 0
	err := fastRetry(5).do(context.Background(), isTestTransient, nil, func() error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) || calls != 1 {
		t.Fatalf("err=%v calls=%d, want boom after 1 call", err, calls)
	}
}

func TestRetry_BoundedAttempts(t *testing.T) {
	calls := 0
	err := fastRetry(3).do(context.Background(), isTestTransient, nil, func() error {
		calls++
		return errTransient
	})
	if !errors.Is(err, errTransient) || calls != 3 {
		t.Fatalf("err=%v calls=%d, want transient after 3 calls", err, calls)
	}
}

func TestRetry_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	_ = Retry{}.do(context.Background(), isTestTransient, nil, func() error {
		calls++
		return errTransient
	})
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestRetry_CanceledStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := fastRetry(10).do(ctx, isTestTransient, nil, func() error {
		calls++
		cancel()
		return errTransient
	})
	if err == nil || calls != 1 {
		t.Fatalf("err=%v calls=%d, want error after 1 call", err, calls)
	}
}
