package orchestration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/koscakluka/aria-core/core/events"
	"github.com/koscakluka/aria-core/core/llms"
)

const eouPluginName = "eou"

// EndOfTurnPredictor estimates how likely it is that the user has finished
// their turn, given everything they said since the agent last spoke and the
// conversation so far.
type EndOfTurnPredictor interface {
	PredictEndOfTurn(ctx context.Context, utterance string, history []llms.Turn) (probability float64, err error)
}

type EndOfTurnConfig struct {
	// Threshold is the probability at which the turn is considered over
	// immediately, with no grace period.
	Threshold float64
	// MinTimeout and MaxTimeout bound the grace period before a response is
	// triggered. The period shrinks linearly as the predicted probability
	// approaches Threshold.
	MinTimeout time.Duration
	MaxTimeout time.Duration
}

func (c *EndOfTurnConfig) applyDefaults() {
	if c.Threshold == 0 {
		c.Threshold = 0.8
	}
	if c.MinTimeout == 0 {
		c.MinTimeout = 200 * time.Millisecond
	}
	if c.MaxTimeout == 0 {
		c.MaxTimeout = 2 * time.Second
	}
}

func (c EndOfTurnConfig) validate() error {
	var errs []error
	if c.Threshold <= 0 || c.Threshold > 1 {
		errs = append(errs, fmt.Errorf("threshold (%v) must be within (0, 1]", c.Threshold))
	}
	if c.MinTimeout > c.MaxTimeout {
		errs = append(errs, fmt.Errorf("min timeout (%v) must not exceed max timeout (%v)", c.MinTimeout, c.MaxTimeout))
	}
	return errors.Join(errs...)
}

// PunctuationPredictor is the built-in predictor: terminal punctuation reads
// as a finished turn, continuation punctuation as an unfinished one.
type PunctuationPredictor struct{}

func (PunctuationPredictor) PredictEndOfTurn(_ context.Context, utterance string, _ []llms.Turn) (float64, error) {
	utterance = strings.TrimSpace(utterance)
	if utterance == "" {
		return 0, nil
	}
	switch utterance[len(utterance)-1] {
	case '.', '!', '?':
		return 0.9, nil
	case ',', ';', ':':
		return 0.2, nil
	}
	return 0.5, nil
}

func newEndOfTurnPlugin(config EndOfTurnConfig, predictor EndOfTurnPredictor, history func() []llms.Turn) PluginConfig {
	scheduler := &endOfTurnScheduler{config: config, predictor: predictor, history: history}
	return PluginConfig{
		Name: eouPluginName,
		Effects: []Effect{
			{Type: events.TypeTranscriptChunk, Handle: func(_ Mutable, event events.Event) error {
				chunk, ok := event.Data.(events.TranscriptChunk)
				if !ok || !chunk.Final {
					return nil
				}
				scheduler.transcriptReceived(chunk.Transcript)
				return nil
			}},
			{Type: events.TypeVoiceStarted, Handle: func(_ Mutable, _ events.Event) error {
				scheduler.voiceStarted()
				return nil
			}},
			{Type: events.TypeVoiceEnded, Handle: func(_ Mutable, _ events.Event) error {
				scheduler.voiceEnded()
				return nil
			}},
			{Type: events.TypeSpeakingStarted, Handle: func(_ Mutable, _ events.Event) error {
				scheduler.reset()
				return nil
			}},
		},
		OnStart: func(plugin *Plugin) error {
			scheduler.plugin = plugin
			return nil
		},
		OnStop: func(*Plugin) error {
			scheduler.reset()
			return nil
		},
		OnError: func(err error) {
			logger.Error("eou plugin error", "error", err)
		},
	}
}

// endOfTurnScheduler decides when the user's turn has ended. Every final
// transcript chunk restarts the decision: the pending timer is cancelled, the
// predictor is re-run on the full utterance so far, and either a response is
// triggered outright or a new grace timer is scheduled.
type endOfTurnScheduler struct {
	config    EndOfTurnConfig
	predictor EndOfTurnPredictor
	history   func() []llms.Turn
	plugin    *Plugin

	mu        sync.Mutex
	utterance strings.Builder
	voiceOpen bool
	timer     *time.Timer
	revision  uint64
	cancel    context.CancelFunc
}

func (s *endOfTurnScheduler) transcriptReceived(transcript string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidateLocked()
	if s.utterance.Len() > 0 {
		s.utterance.WriteByte(' ')
	}
	s.utterance.WriteString(transcript)
	// Mid-speech transcripts only accumulate; the turn cannot end while the
	// user's voice segment is still open.
	if s.voiceOpen {
		return
	}
	s.evaluateLocked()
}

// voiceStarted cancels any pending trigger; the user is talking again.
func (s *endOfTurnScheduler) voiceStarted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.voiceOpen = true
	s.invalidateLocked()
}

// voiceEnded re-evaluates the utterance collected so far, so a turn can end
// even when the last transcript chunk arrived before the voice segment
// closed.
func (s *endOfTurnScheduler) voiceEnded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.voiceOpen = false
	if s.utterance.Len() == 0 {
		return
	}
	s.invalidateLocked()
	s.evaluateLocked()
}

// evaluateLocked kicks off a prediction over the full utterance so far. The
// revision captured here lets a later event discard the result before it is
// acted on, so the timer is never scheduled against a stale probability.
func (s *endOfTurnScheduler) evaluateLocked() {
	utterance := s.utterance.String()
	revision := s.revision

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	go func() {
		defer cancel()
		// A later event may have invalidated this evaluation before the
		// goroutine was scheduled; skip the predictor call outright.
		if ctx.Err() != nil {
			return
		}
		var turns []llms.Turn
		if s.history != nil {
			turns = s.history()
		}
		probability, err := s.predictor.PredictEndOfTurn(ctx, utterance, turns)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				logger.Warn("end of turn prediction failed", "error", err)
			}
			probability = 0
		}
		s.schedule(revision, probability)
	}()
}

// reset additionally clears the accumulated utterance, for when the agent
// takes its turn.
func (s *endOfTurnScheduler) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidateLocked()
	s.utterance.Reset()
}

func (s *endOfTurnScheduler) invalidateLocked() {
	s.revision++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

func (s *endOfTurnScheduler) schedule(revision uint64, probability float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if revision != s.revision {
		return
	}

	if probability >= s.config.Threshold {
		s.utterance.Reset()
		s.triggerLocked(true)
		return
	}

	timeout := time.Duration(float64(s.config.MaxTimeout) * (1 - probability/s.config.Threshold))
	if timeout < s.config.MinTimeout {
		timeout = s.config.MinTimeout
	}
	s.timer = time.AfterFunc(timeout, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if revision != s.revision {
			return
		}
		s.utterance.Reset()
		s.triggerLocked(false)
	})
}

func (s *endOfTurnScheduler) triggerLocked(abrupt bool) {
	s.revision++
	if s.plugin == nil {
		return
	}
	opts := []EmitOption{}
	if abrupt {
		opts = append(opts, WithUrgent())
	}
	if _, err := s.plugin.Emit(events.TypeContinue, events.Continue{Abrupt: abrupt}, opts...); err != nil {
		logger.Warn("failed to trigger response", "error", err)
	}
}
