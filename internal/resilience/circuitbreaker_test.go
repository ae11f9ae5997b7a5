package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestBreaker(t *testing.T, clock *time.Time) *Breaker {
	t.Helper()

	b := NewBreaker("test", Settings{
		FailureThreshold: 3,
		RecoveryTimeout:  30 * time.Second,
		SuccessThreshold: 2,
	}, zap.NewNop())
	b.now = func() time.Time { return *clock }
	return b
}

func fail(context.Context) error { return errors.New("boom") }
func ok(context.Context) error   { return nil }

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	clock := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	b := newTestBreaker(t, &clock)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := b.Do(ctx, fail); errors.Is(err, ErrOpen) {
			t.Fatalf("call %d rejected before threshold", i)
		}
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %s after 2 failures, want closed", b.State())
	}

	b.Do(ctx, fail)
	if b.State() != StateOpen {
		t.Fatalf("state = %s after 3 failures, want open", b.State())
	}

	called := false
	err := b.Do(ctx, func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Errorf("open breaker error = %v, want ErrOpen", err)
	}
	if called {
		t.Error("open breaker still invoked the function")
	}
}

func TestBreakerSuccessResetsFailureStreak(t *testing.T) {
	clock := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	b := newTestBreaker(t, &clock)
	ctx := context.Background()

	b.Do(ctx, fail)
	b.Do(ctx, fail)
	b.Do(ctx, ok)
	b.Do(ctx, fail)
	b.Do(ctx, fail)

	if b.State() != StateClosed {
		t.Errorf("state = %s, want closed while failures stay below threshold", b.State())
	}
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	clock := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	b := newTestBreaker(t, &clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		b.Do(ctx, fail)
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want open", b.State())
	}

	clock = clock.Add(31 * time.Second)
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %s after recovery timeout, want half-open", b.State())
	}

	if err := b.Do(ctx, ok); err != nil {
		t.Fatalf("first probe error = %v", err)
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %s after 1 probe success, want half-open", b.State())
	}
	if err := b.Do(ctx, ok); err != nil {
		t.Fatalf("second probe error = %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("state = %s after 2 probe successes, want closed", b.State())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	b := newTestBreaker(t, &clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		b.Do(ctx, fail)
	}
	clock = clock.Add(31 * time.Second)

	if err := b.Do(ctx, fail); errors.Is(err, ErrOpen) {
		t.Fatal("probe was rejected instead of executed")
	}
	if b.State() != StateOpen {
		t.Errorf("state = %s after failed probe, want open", b.State())
	}
}

func TestBreakerSingleProbeAtATime(t *testing.T) {
	clock := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	b := newTestBreaker(t, &clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		b.Do(ctx, fail)
	}
	clock = clock.Add(31 * time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	go b.Do(ctx, func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started

	if err := b.Do(ctx, ok); !errors.Is(err, ErrOpen) {
		t.Errorf("second concurrent probe error = %v, want ErrOpen", err)
	}
	close(release)
}
