package orchestration

import (
	"context"
	"fmt"
	"time"
)

type OutputConfig struct {
	// MaxLead bounds how far ahead of real time audio may be released
	// downstream. Small values keep interruption latency low; large values
	// tolerate jittery synthesis.
	MaxLead time.Duration
	// MinLead is the floor on the pacing lead. When delivery falls behind it
	// the pacing anchor slides forward instead of trying to catch up in a
	// burst.
	MinLead time.Duration
}

func (c *OutputConfig) applyDefaults() {
	if c.MaxLead == 0 {
		c.MaxLead = 150 * time.Millisecond
	}
	if c.MinLead == 0 {
		c.MinLead = -c.MaxLead
	}
}

func (c OutputConfig) validate() error {
	if c.MinLead > c.MaxLead {
		return fmt.Errorf("min lead (%v) must not exceed max lead (%v)", c.MinLead, c.MaxLead)
	}
	return nil
}

// outputThrottle paces audio release against the wall clock. It tracks an
// anchor time plus the total duration already forwarded; the difference
// between that projected playback head and now is the lead. Forwarding waits
// until the lead drops back under MaxLead, and a lead under MinLead slides
// the anchor so late chunks do not cause a burst of catch-up audio.
type outputThrottle struct {
	maxLead time.Duration
	minLead time.Duration

	anchor    time.Time
	forwarded time.Duration
	started   bool

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func newOutputThrottle(config OutputConfig) *outputThrottle {
	return &outputThrottle{
		maxLead: config.MaxLead,
		minLead: config.MinLead,
		now:     time.Now,
		sleep:   sleepFor,
	}
}

func sleepFor(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// await blocks until the chunk may be released, then accounts for its
// duration. Chunks without audio pass through unpaced.
func (t *outputThrottle) await(ctx context.Context, chunkDuration time.Duration) error {
	if chunkDuration <= 0 {
		return nil
	}

	now := t.now()
	if !t.started {
		t.started = true
		t.anchor = now
	}

	lead := t.anchor.Add(t.forwarded).Sub(now)
	if lead < t.minLead {
		t.anchor = now.Add(t.minLead - t.forwarded)
		lead = t.minLead
	}
	if lead > t.maxLead {
		if err := t.sleep(ctx, lead-t.maxLead); err != nil {
			return err
		}
	}

	t.forwarded += chunkDuration
	return nil
}

// reset restarts pacing from scratch, for the next response.
func (t *outputThrottle) reset() {
	t.started = false
	t.forwarded = 0
}
