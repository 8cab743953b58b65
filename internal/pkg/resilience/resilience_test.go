package resilience

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Base: 5 * time.Second, Max: 30 * time.Second}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 5 * time.Second},
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 30 * time.Second},
		{10, 30 * time.Second},
	}
	for _, c := range cases {
		if got := b.Delay(c.attempt); got != c.want {
			t.Errorf("Delay(%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
	if got := (Backoff{}).Delay(3); got != 0 {
		t.Errorf("zero backoff should yield 0, got %v", got)
	}
}

func TestRetry(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fast := Backoff{Base: time.Millisecond, Max: time.Millisecond}

	t.Run("Succeeds After Failures", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), logger, "op", 3, fast, nil, func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("boom")
			}
			return nil
		})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if calls != 3 {
			t.Errorf("expected 3 calls, got %d", calls)
		}
	})

	t.Run("Stops On Non Retryable", func(t *testing.T) {
		fatal := errors.New("fatal")
		calls := 0
		err := Retry(context.Background(), logger, "op", 5, fast, func(err error) bool { return !errors.Is(err, fatal) }, func(ctx context.Context) error {
			calls++
			return fatal
		})
		if !errors.Is(err, fatal) {
			t.Fatalf("expected fatal error, got %v", err)
		}
		if calls != 1 {
			t.Errorf("expected 1 call, got %d", calls)
		}
	})

	t.Run("Exhausts Attempts", func(t *testing.T) {
		boom := errors.New("boom")
		err := Retry(context.Background(), logger, "op", 2, fast, nil, func(ctx context.Context) error { return boom })
		if !errors.Is(err, boom) {
			t.Fatalf("expected wrapped boom, got %v", err)
		}
	})

	t.Run("Context Cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := Retry(ctx, logger, "op", 3, Backoff{Base: time.Hour}, nil, func(ctx context.Context) error { return errors.New("boom") })
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	})
}

func TestCircuitBreaker(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	boom := errors.New("boom")
	now := time.Unix(1_700_000_000, 0)

	var transitions []State
	cb := NewCircuitBreaker("forwarder", 2, time.Minute, logger, func(s State) { transitions = append(transitions, s) })
	cb.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		if err := cb.Execute(func() error { return boom }, nil); !errors.Is(err, boom) {
			t.Fatalf("call %d: expected boom, got %v", i, err)
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	called := false
	err := cb.Execute(func() error { called = true; return nil }, nil)
	if !errors.Is(err, ErrCircuitOpen) || called {
		t.Fatalf("expected rejection while open, got err=%v called=%v", err, called)
	}

	now = now.Add(2 * time.Minute)
	if err := cb.Execute(func() error { return nil }, nil); err != nil {
		t.Fatalf("probe should pass, got %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("expected closed after successful probe, got %s", cb.State())
	}
	want := []State{StateOpen, StateHalfOpen, StateClosed}
	if len(transitions) != len(want) {
		t.Fatalf("expected transitions %v, got %v", want, transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}

	t.Run("Ignored Errors Do Not Trip", func(t *testing.T) {
		cb := NewCircuitBreaker("x", 1, time.Minute, logger, nil)
		permanent := errors.New("permanent")
		_ = cb.Execute(func() error { return permanent }, func(err error) bool { return !errors.Is(err, permanent) })
		if cb.State() != StateClosed {
			t.Errorf("expected closed, got %s", cb.State())
		}
	})
}
