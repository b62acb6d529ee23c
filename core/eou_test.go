package orchestration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/koscakluka/aria-core/core/events"
	"github.com/koscakluka/aria-core/core/llms"
)

// recordingPredictor scores punctuation like the built-in predictor but
// remembers every utterance it was asked about.
type recordingPredictor struct {
	mu         sync.Mutex
	utterances []string
}

func (p *recordingPredictor) PredictEndOfTurn(ctx context.Context, utterance string, history []llms.Turn) (float64, error) {
	p.mu.Lock()
	p.utterances = append(p.utterances, utterance)
	p.mu.Unlock()
	return PunctuationPredictor{}.PredictEndOfTurn(ctx, utterance, history)
}

func (p *recordingPredictor) seen() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string{}, p.utterances...)
}

func startEOURuntime(t *testing.T, config EndOfTurnConfig, predictor EndOfTurnPredictor) (*Plugin, *eventRecorder) {
	t.Helper()

	recorder := &eventRecorder{}
	config.applyDefaults()
	pluginConfig := newEndOfTurnPlugin(config, predictor, nil)
	pluginConfig.Effects = append(pluginConfig.Effects, Effect{
		Type: events.TypeContinue,
		Handle: func(_ Mutable, event events.Event) error {
			recorder.record(event)
			return nil
		},
	})

	runtime := startRuntime(t, pluginConfig)
	plugin, err := runtime.Plugin(eouPluginName)
	if err != nil {
		t.Fatalf("expected eou plugin, got %v", err)
	}
	return plugin, recorder
}

func finalTranscript(t *testing.T, plugin *Plugin, transcript string) {
	t.Helper()
	if _, err := plugin.Emit(events.TypeTranscriptChunk, events.TranscriptChunk{Transcript: transcript, Final: true}); err != nil {
		t.Fatalf("expected transcript emit to succeed, got %v", err)
	}
}

func TestEndOfTurnAtThresholdTriggersImmediately(t *testing.T) {
	plugin, recorder := startEOURuntime(t, EndOfTurnConfig{Threshold: 0.9, MaxTimeout: time.Hour}, &recordingPredictor{})

	finalTranscript(t, plugin, "That is everything.")

	recorded := recorder.await(t, 1)
	c := recorded[0].Data.(events.Continue)
	if !c.Abrupt {
		t.Fatalf("expected an abrupt continue at threshold")
	}
	if !recorded[0].Urgent {
		t.Fatalf("expected the abrupt continue to be urgent")
	}
}

func TestEndOfTurnBelowThresholdTriggersAfterGracePeriod(t *testing.T) {
	plugin, recorder := startEOURuntime(t, EndOfTurnConfig{
		Threshold:  0.8,
		MinTimeout: 10 * time.Millisecond,
		MaxTimeout: 80 * time.Millisecond,
	}, &recordingPredictor{})

	finalTranscript(t, plugin, "so I was thinking,")

	recorded := recorder.await(t, 1)
	c := recorded[0].Data.(events.Continue)
	if c.Abrupt {
		t.Fatalf("expected a timed continue, not an abrupt one")
	}
	if recorded[0].Urgent {
		t.Fatalf("expected the timed continue not to be urgent")
	}
}

func TestEndOfTurnInterimTranscriptsAreIgnored(t *testing.T) {
	plugin, recorder := startEOURuntime(t, EndOfTurnConfig{
		Threshold:  0.8,
		MinTimeout: 10 * time.Millisecond,
		MaxTimeout: 30 * time.Millisecond,
	}, &recordingPredictor{})

	if _, err := plugin.Emit(events.TypeTranscriptChunk, events.TranscriptChunk{Transcript: "interim guess.", Final: false}); err != nil {
		t.Fatalf("expected interim emit to succeed, got %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if got := len(recorder.snapshot()); got != 0 {
		t.Fatalf("expected interim transcripts not to trigger, got %d continues", got)
	}
}

func TestEndOfTurnVoiceStartCancelsPendingTrigger(t *testing.T) {
	plugin, recorder := startEOURuntime(t, EndOfTurnConfig{
		Threshold:  0.8,
		MinTimeout: 40 * time.Millisecond,
		MaxTimeout: 80 * time.Millisecond,
	}, &recordingPredictor{})

	finalTranscript(t, plugin, "hold on,")
	// The user starts talking again before the grace period elapses.
	time.Sleep(10 * time.Millisecond)
	if _, err := plugin.Emit(events.TypeVoiceStarted, nil); err != nil {
		t.Fatalf("expected voice start emit to succeed, got %v", err)
	}

	time.Sleep(150 * time.Millisecond)
	if got := len(recorder.snapshot()); got != 0 {
		t.Fatalf("expected the pending trigger to be cancelled, got %d continues", got)
	}
}

func TestEndOfTurnAccumulatesUtteranceAcrossChunks(t *testing.T) {
	predictor := &recordingPredictor{}
	plugin, _ := startEOURuntime(t, EndOfTurnConfig{Threshold: 0.9, MaxTimeout: time.Hour}, predictor)

	finalTranscript(t, plugin, "first part,")
	finalTranscript(t, plugin, "second part.")

	// Only membership is asserted: a stale evaluation scheduled before the
	// second chunk may record its utterance in either order.
	awaitUtteranceSeen(t, predictor, "first part, second part.")
}

func awaitUtteranceSeen(t *testing.T, predictor *recordingPredictor, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, utterance := range predictor.seen() {
			if utterance == want {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected the predictor to see %q, got %v", want, predictor.seen())
}

func TestEndOfTurnSpeakingStartClearsUtterance(t *testing.T) {
	predictor := &recordingPredictor{}
	plugin, _ := startEOURuntime(t, EndOfTurnConfig{Threshold: 0.9, MaxTimeout: time.Hour}, predictor)

	finalTranscript(t, plugin, "before the response,")
	if _, err := plugin.Emit(events.TypeSpeakingStarted, nil); err != nil {
		t.Fatalf("expected speaking start emit to succeed, got %v", err)
	}
	finalTranscript(t, plugin, "after the response.")

	awaitUtteranceSeen(t, predictor, "after the response.")
}

func TestEndOfTurnDoesNotTriggerWhileVoiceSegmentIsOpen(t *testing.T) {
	plugin, recorder := startEOURuntime(t, EndOfTurnConfig{Threshold: 0.9, MaxTimeout: time.Hour}, &recordingPredictor{})

	if _, err := plugin.Emit(events.TypeVoiceStarted, nil); err != nil {
		t.Fatalf("expected voice start emit to succeed, got %v", err)
	}
	// A confident final chunk arrives while the user is still talking.
	finalTranscript(t, plugin, "Stop right there.")

	time.Sleep(200 * time.Millisecond)
	if got := len(recorder.snapshot()); got != 0 {
		t.Fatalf("expected no continue while the voice segment is open, got %d", got)
	}

	if _, err := plugin.Emit(events.TypeVoiceEnded, nil); err != nil {
		t.Fatalf("expected voice end emit to succeed, got %v", err)
	}
	recorded := recorder.await(t, 1)
	if c := recorded[0].Data.(events.Continue); !c.Abrupt {
		t.Fatalf("expected the deferred continue to be abrupt")
	}
}

func TestEndOfTurnVoiceEndReEvaluatesCollectedUtterance(t *testing.T) {
	predictor := &recordingPredictor{}
	plugin, _ := startEOURuntime(t, EndOfTurnConfig{Threshold: 0.9, MaxTimeout: time.Hour}, predictor)

	finalTranscript(t, plugin, "already transcribed")
	if _, err := plugin.Emit(events.TypeVoiceEnded, nil); err != nil {
		t.Fatalf("expected voice end emit to succeed, got %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(predictor.seen()) >= 2 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected a re-evaluation on voice end, got %v", predictor.seen())
}

func TestPunctuationPredictorScores(t *testing.T) {
	predictor := PunctuationPredictor{}

	cases := []struct {
		utterance string
		want      float64
	}{
		{"", 0},
		{"Done.", 0.9},
		{"Really?", 0.9},
		{"Wow!", 0.9},
		{"and then,", 0.2},
		{"no punctuation", 0.5},
	}
	for _, c := range cases {
		got, err := predictor.PredictEndOfTurn(context.Background(), c.utterance, nil)
		if err != nil {
			t.Fatalf("expected no error for %q, got %v", c.utterance, err)
		}
		if got != c.want {
			t.Fatalf("expected %v for %q, got %v", c.want, c.utterance, got)
		}
	}
}
