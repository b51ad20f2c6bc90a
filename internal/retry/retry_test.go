package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoSucceedsAfterRetries(t *testing.T) {
	calls := 0
	var retried []int
	err := Do(context.Background(), Fixed(3, time.Millisecond), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("boom")
		}
		return nil
	}, func(attempt int, err error) {
		retried = append(retried, attempt)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
	if len(retried) != 2 || retried[0] != 1 || retried[1] != 2 {
		t.Fatalf("unexpected retry callbacks %v", retried)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	want := errors.New("still failing")
	err := Do(context.Background(), Fixed(3, 0), func(context.Context) error {
		calls++
		return want
	}, nil)
	if !errors.Is(err, want) {
		t.Fatalf("expected last error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected exactly 3 calls, got %d", calls)
	}
}

func TestDoStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Fixed(5, time.Hour), func(context.Context) error {
		calls++
		cancel()
		return errors.New("boom")
	}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestBackoffDelays(t *testing.T) {
	p := Backoff(4, 10*time.Millisecond)
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}
	if len(p.Delays) != len(want) {
		t.Fatalf("unexpected delays %v", p.Delays)
	}
	for i := range want {
		if p.delay(i+1) != want[i] {
			t.Errorf("delay %d: expected %v, got %v", i+1, want[i], p.delay(i+1))
		}
	}
	if Fixed(3, time.Second).delay(2) != time.Second {
		t.Error("fixed policy should reuse its delay")
	}
}
