package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var fast = Policy{Attempts: 3, Delay: -1}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()
	calls := 0
	err := Do(context.Background(), fast, "download", func(_ context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return errors.New("connection reset")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDo_ExhaustsBudget(t *testing.T) {
	t.Parallel()
	boom := errors.New("encode failed")
	calls := 0
	err := Do(context.Background(), fast, "encode", func(context.Context, int) error {
		calls++
		return boom
	})
	if calls != 3 {
		t.Errorf("calls = %d, want exactly 3", calls)
	}
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapping %v", err, boom)
	}
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	t.Parallel()
	calls := 0
	err := Do(context.Background(), fast, "search", func(context.Context, int) error {
		calls++
		return Permanent(errors.New("bad api key"))
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if !IsPermanent(err) {
		t.Errorf("err = %v, want permanent", err)
	}
}

func TestDo_ContextCancelledDuringDelay(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, Policy{Attempts: 3, Delay: time.Hour}, "combine", func(context.Context, int) error {
			calls++
			cancel()
			return errors.New("fail")
		})
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Do did not return after cancellation")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestPolicyDefaults(t *testing.T) {
	t.Parallel()
	var p Policy
	if p.attempts() != DefaultAttempts {
		t.Errorf("attempts = %d", p.attempts())
	}
	if p.delay() != DefaultDelay {
		t.Errorf("delay = %v", p.delay())
	}
}
