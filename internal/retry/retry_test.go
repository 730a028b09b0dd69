package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoStopsAfterFirstSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 5, time.Millisecond, func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Do returned %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDoRetriesTransientErrors(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 5, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do returned %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDoReturnsLastErrorWhenExhausted(t *testing.T) {
	calls := 0
	last := errors.New("attempt 3")
	err := Do(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls == 3 {
			return last
		}
		return errors.New("earlier")
	})
	if !errors.Is(err, last) {
		t.Fatalf("expected the final attempt's error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDoUnwrapsPermanentErrors(t *testing.T) {
	calls := 0
	inner := errors.New("bad request")
	err := Do(context.Background(), 5, time.Millisecond, func() error {
		calls++
		return Permanent(inner)
	})
	if err != inner {
		t.Fatalf("expected the inner error itself, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("permanent errors must not retry, got %d calls", calls)
	}
}

func TestDoHonorsContextDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Do(ctx, 10, time.Hour, func() error {
		calls++
		return errors.New("fail")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	// The attempt itself runs; only the wait is interruptible.
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDoTreatsNonPositiveAttemptsAsOne(t *testing.T) {
	for _, attempts := range []int{0, -4} {
		calls := 0
		sentinel := errors.New("nope")
		err := Do(context.Background(), attempts, time.Millisecond, func() error {
			calls++
			return sentinel
		})
		if !errors.Is(err, sentinel) {
			t.Fatalf("attempts=%d: expected sentinel, got %v", attempts, err)
		}
		if calls != 1 {
			t.Fatalf("attempts=%d: expected 1 call, got %d", attempts, calls)
		}
	}
}

func TestJitteredStaysNearDuration(t *testing.T) {
	base := 100 * time.Millisecond
	lo, hi := 75*time.Millisecond, 125*time.Millisecond
	for i := 0; i < 1000; i++ {
		if d := jittered(base); d < lo || d > hi {
			t.Fatalf("jittered(%v) = %v, outside [%v, %v]", base, d, lo, hi)
		}
	}
	if d := jittered(0); d != 0 {
		t.Fatalf("jittered(0) = %v, expected 0", d)
	}
}

func TestPermanentErrorIsTransparent(t *testing.T) {
	inner := errors.New("inner")
	wrapped := Permanent(inner)
	if !errors.Is(wrapped, inner) {
		t.Fatal("expected errors.Is to see through Permanent")
	}
	if wrapped.Error() != "inner" {
		t.Fatalf("expected message %q, got %q", "inner", wrapped.Error())
	}
}
