package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestExponentialDoublesAndCaps(t *testing.T) {
	e := Exponential{Initial: time.Second, Max: 5 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
		{20, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := e.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestJitterStaysInRange(t *testing.T) {
	j := Jitter{Base: Constant{Interval: 10 * time.Second}}
	for i := 0; i < 200; i++ {
		d := j.Delay(1)
		if d < 5*time.Second || d > 10*time.Second {
			t.Fatalf("Delay() = %v, want within [5s, 10s]", d)
		}
	}
	if got := (Jitter{Base: Constant{}}).Delay(1); got != 0 {
		t.Errorf("zero base should give zero delay, got %v", got)
	}
}

func TestRetrierSucceedsAfterFailures(t *testing.T) {
	var delays []time.Duration
	r := Retrier{
		Attempts: 3,
		Strategy: Exponential{Initial: time.Second, Max: time.Minute},
		Sleep: func(ctx context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		},
	}

	calls := 0
	err := r.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return errors.New("transient")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if len(delays) != 2 || delays[0] != time.Second || delays[1] != 2*time.Second {
		t.Errorf("delays = %v, want [1s 2s]", delays)
	}
}

func TestRetrierExhaustsBudget(t *testing.T) {
	want := errors.New("still down")
	retries := 0
	r := Retrier{
		Attempts: 3,
		Sleep:    NoSleep,
		OnRetry:  func(int, error, time.Duration) { retries++ },
	}

	calls := 0
	err := r.Do(context.Background(), func(context.Context, int) error {
		calls++
		return want
	})

	if !errors.Is(err, want) {
		t.Fatalf("Do() error = %v, want %v", err, want)
	}
	if calls != 3 || retries != 2 {
		t.Errorf("calls = %d, retries = %d, want 3 and 2", calls, retries)
	}
}

func TestRetrierStopsOnPermanent(t *testing.T) {
	cause := errors.New("bad request")
	calls := 0
	err := Retrier{Attempts: 5, Sleep: NoSleep}.Do(context.Background(), func(context.Context, int) error {
		calls++
		return Permanent(cause)
	})

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if err != cause {
		t.Errorf("Do() error = %v, want unwrapped cause", err)
	}
	if !IsPermanent(Permanent(cause)) || IsPermanent(cause) {
		t.Error("IsPermanent mismatch")
	}
}

func TestRetrierHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Retrier{Attempts: 3, Strategy: Constant{Interval: time.Hour}}.Do(ctx, func(context.Context, int) error {
		calls++
		return errors.New("fail")
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Do() error = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
