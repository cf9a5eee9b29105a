package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestBreaker(threshold int, reset time.Duration) (*Breaker, *time.Time) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	b := NewBreaker("auction_feed", BreakerConfig{FailureThreshold: threshold, ResetTimeout: reset})
	b.nowFunc = func() time.Time { return now }
	return b, &now
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)
	fail := func(context.Context) error { return errors.New("boom") }

	_ = b.Execute(context.Background(), fail)
	if b.State() != BreakerClosed {
		t.Fatalf("expected closed after 1 failure, got %s", b.State())
	}
	_ = b.Execute(context.Background(), fail)
	if b.State() != BreakerOpen {
		t.Fatalf("expected open after 2 failures, got %s", b.State())
	}

	called := false
	err := b.Execute(context.Background(), func(context.Context) error { called = true; return nil })
	if !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("expected ErrBreakerOpen, got %v", err)
	}
	if called {
		t.Error("fn should not run while open")
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, now := newTestBreaker(1, time.Minute)
	b.Record(errors.New("boom"))
	if b.State() != BreakerOpen {
		t.Fatalf("expected open, got %s", b.State())
	}

	*now = now.Add(2 * time.Minute)
	if b.State() != BreakerHalfOpen {
		t.Fatalf("expected half-open after timeout, got %s", b.State())
	}
	if err := b.Allow(); err != nil {
		t.Fatalf("probe should be allowed: %v", err)
	}
	b.Record(nil)
	if b.State() != BreakerClosed {
		t.Errorf("expected closed after successful probe, got %s", b.State())
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, now := newTestBreaker(1, time.Minute)
	b.Record(errors.New("boom"))
	*now = now.Add(2 * time.Minute)
	_ = b.Allow()
	b.Record(errors.New("still down"))
	if b.State() != BreakerOpen {
		t.Errorf("expected reopened, got %s", b.State())
	}
}

func TestBreaker_ShouldTripFiltersErrors(t *testing.T) {
	b := NewBreaker("manual", BreakerConfig{
		FailureThreshold: 1,
		ShouldTrip:       IsTransient,
	})
	b.Record(errors.New("permanent"))
	if b.State() != BreakerClosed {
		t.Errorf("non-transient error should not trip, got %s", b.State())
	}
	b.Record(NewTransientError(errors.New("timeout"), "timeout"))
	if b.State() != BreakerOpen {
		t.Errorf("transient error should trip, got %s", b.State())
	}
}

func TestBreaker_ResetAndStateChange(t *testing.T) {
	var changes []string
	b := NewBreaker("auction_feed", BreakerConfig{
		FailureThreshold: 1,
		OnStateChange: func(name string, from, to BreakerState) {
			changes = append(changes, name+":"+from.String()+"->"+to.String())
		},
	})
	b.Record(errors.New("boom"))
	b.Reset()
	if b.State() != BreakerClosed {
		t.Errorf("expected closed after reset, got %s", b.State())
	}
	want := []string{"auction_feed:closed->open", "auction_feed:open->closed"}
	if len(changes) != len(want) || changes[0] != want[0] || changes[1] != want[1] {
		t.Errorf("unexpected transitions: %v", changes)
	}
}

func TestBreakerSet(t *testing.T) {
	set := NewBreakerSet(FromBreakerConfig(1, 600))
	a := set.Get("b_feed")
	if set.Get("b_feed") != a {
		t.Error("expected same breaker for same name")
	}
	set.Get("a_feed").Record(errors.New("x"))
	a.Record(errors.New("y"))
	set.Get("c_feed")

	open := set.Open()
	if len(open) != 2 || open[0] != "a_feed" || open[1] != "b_feed" {
		t.Errorf("unexpected open set: %v", open)
	}
}

func TestBreakerState_String(t *testing.T) {
	if BreakerState(99).String() != "unknown" {
		t.Error("expected unknown")
	}
}
