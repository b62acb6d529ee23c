package orchestration

import (
	"context"
	"errors"
	"testing"
	"time"
)

// throttleFixture drives an outputThrottle on a fake clock where sleeping
// advances time instantly.
type throttleFixture struct {
	throttle *outputThrottle
	clock    time.Time
	sleeps   []time.Duration
	sleepErr error
}

func newThrottleFixture(config OutputConfig) *throttleFixture {
	config.applyDefaults()
	f := &throttleFixture{
		throttle: newOutputThrottle(config),
		clock:    time.Unix(1000, 0),
	}
	f.throttle.now = func() time.Time { return f.clock }
	f.throttle.sleep = func(_ context.Context, d time.Duration) error {
		if f.sleepErr != nil {
			return f.sleepErr
		}
		f.sleeps = append(f.sleeps, d)
		f.clock = f.clock.Add(d)
		return nil
	}
	return f
}

func (f *throttleFixture) lead() time.Duration {
	return f.throttle.anchor.Add(f.throttle.forwarded).Sub(f.clock)
}

func TestThrottleNonAudioChunksPassUnpaced(t *testing.T) {
	f := newThrottleFixture(OutputConfig{})

	if err := f.throttle.await(context.Background(), 0); err != nil {
		t.Fatalf("expected no error for zero duration, got %v", err)
	}
	if len(f.sleeps) != 0 {
		t.Fatalf("expected no sleep for zero duration, got %v", f.sleeps)
	}
	if f.throttle.started {
		t.Fatalf("expected zero-duration chunk not to start pacing")
	}
}

func TestThrottleFirstChunkReleasesImmediately(t *testing.T) {
	f := newThrottleFixture(OutputConfig{})

	if err := f.throttle.await(context.Background(), 100*time.Millisecond); err != nil {
		t.Fatalf("expected first chunk to pass, got %v", err)
	}
	if len(f.sleeps) != 0 {
		t.Fatalf("expected no sleep on the first chunk, got %v", f.sleeps)
	}
}

func TestThrottleLeadStaysWithinBounds(t *testing.T) {
	config := OutputConfig{MaxLead: 150 * time.Millisecond, MinLead: -150 * time.Millisecond}
	f := newThrottleFixture(config)
	ctx := context.Background()

	// Fast producer: chunks arrive with no wall time in between.
	for range 20 {
		if err := f.throttle.await(ctx, 100*time.Millisecond); err != nil {
			t.Fatalf("expected await to succeed, got %v", err)
		}
		if lead := f.lead(); lead < config.MinLead || lead > config.MaxLead+100*time.Millisecond {
			t.Fatalf("expected lead within bounds, got %v", lead)
		}
	}

	if len(f.sleeps) == 0 {
		t.Fatalf("expected a fast producer to be slowed down")
	}
}

func TestThrottleSlidesAnchorWhenDeliveryFallsBehind(t *testing.T) {
	config := OutputConfig{MaxLead: 150 * time.Millisecond, MinLead: -150 * time.Millisecond}
	f := newThrottleFixture(config)
	ctx := context.Background()

	if err := f.throttle.await(ctx, 100*time.Millisecond); err != nil {
		t.Fatalf("expected await to succeed, got %v", err)
	}

	// A long synthesis stall leaves the projected head far in the past.
	f.clock = f.clock.Add(2 * time.Second)

	if err := f.throttle.await(ctx, 100*time.Millisecond); err != nil {
		t.Fatalf("expected await to succeed after stall, got %v", err)
	}
	if len(f.sleeps) != 0 {
		t.Fatalf("expected no catch-up sleep after a stall, got %v", f.sleeps)
	}
	if lead := f.lead(); lead < config.MinLead {
		t.Fatalf("expected the anchor to slide so the lead recovers, got %v", lead)
	}
}

func TestThrottleSleepErrorPropagates(t *testing.T) {
	f := newThrottleFixture(OutputConfig{MaxLead: 10 * time.Millisecond})
	f.sleepErr = context.Canceled
	ctx := context.Background()

	// Build up enough lead to force a sleep.
	if err := f.throttle.await(ctx, time.Second); err != nil {
		t.Fatalf("expected first chunk to pass, got %v", err)
	}
	if err := f.throttle.await(ctx, time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected the sleep error to propagate, got %v", err)
	}
}

func TestThrottleResetRestartsPacing(t *testing.T) {
	f := newThrottleFixture(OutputConfig{})
	ctx := context.Background()

	for range 5 {
		if err := f.throttle.await(ctx, time.Second); err != nil {
			t.Fatalf("expected await to succeed, got %v", err)
		}
	}
	f.throttle.reset()
	f.sleeps = nil

	if err := f.throttle.await(ctx, 100*time.Millisecond); err != nil {
		t.Fatalf("expected first chunk after reset to pass, got %v", err)
	}
	if len(f.sleeps) != 0 {
		t.Fatalf("expected no sleep right after reset, got %v", f.sleeps)
	}
}

func TestOutputConfigValidateRejectsInvertedBounds(t *testing.T) {
	config := OutputConfig{MaxLead: -time.Second, MinLead: time.Second}
	if err := config.validate(); err == nil {
		t.Fatalf("expected inverted lead bounds to be rejected")
	}
}
