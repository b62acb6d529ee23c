package orchestration

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/koscakluka/aria-core/core/events"
	"github.com/koscakluka/aria-core/core/llms"
	"github.com/koscakluka/aria-core/core/speechtotext"
)

// echoTranscriber transcribes every received audio chunk by reading the frame
// as text: tests encode utterances directly into the audio bytes.
type echoTranscriber struct {
	mu      sync.Mutex
	options speechtotext.TranscriptionOptions
	pending []byte
	started bool
	closed  bool
}

func (c *echoTranscriber) StartTranscription(_ context.Context, opts ...speechtotext.TranscriptionOption) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, opt := range opts {
		opt(&c.options)
	}
	c.started = true
	return nil
}

func (c *echoTranscriber) SendAudio(audio []byte) error {
	c.mu.Lock()
	c.pending = append(c.pending, audio...)
	c.mu.Unlock()
	return nil
}

func (c *echoTranscriber) Finalize() error {
	c.mu.Lock()
	transcript := strings.TrimRight(string(c.pending), "\x00")
	c.pending = nil
	callback := c.options.TranscriptChunkCallback
	c.mu.Unlock()

	if callback != nil && transcript != "" {
		callback(transcript)
	}
	return nil
}

func (c *echoTranscriber) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// loudFrame packs text into a frame whose leading samples read as loud PCM,
// so the energy gate treats it as speech.
func loudFrame(text string) []byte {
	frame := make([]byte, 640)
	for i := 0; i+1 < len(frame); i += 2 {
		frame[i] = 0xFF
		frame[i+1] = 0x3F
	}
	copy(frame, text)
	return frame
}

func silentFrame() []byte {
	return make([]byte, 640)
}

type agentFixture struct {
	agent      *Agent
	llm        *capturingLLM
	responses  chan string
	ended      chan struct{}
	transcript chan string
}

func newAgentFixture(t *testing.T, opts ...AgentOption) *agentFixture {
	t.Helper()

	f := &agentFixture{
		llm:        &capturingLLM{response: "Model says hi."},
		responses:  make(chan string, 16),
		ended:      make(chan struct{}, 4),
		transcript: make(chan string, 16),
	}

	opts = append(opts,
		WithEndOfTurnConfig(EndOfTurnConfig{
			Threshold:  0.8,
			MinTimeout: 10 * time.Millisecond,
			MaxTimeout: 50 * time.Millisecond,
		}),
		WithVADConfig(VADConfig{
			ActivationFrames:   2,
			DeactivationFrames: 2,
			PreRollFrames:      2,
			PostRollFrames:     1,
		}),
		WithResponseChunkCallback(func(chunk events.ResponseChunk) {
			select {
			case f.responses <- chunk.Text:
			default:
			}
		}),
		WithResponseEndedCallback(func() {
			select {
			case f.ended <- struct{}{}:
			default:
			}
		}),
		WithTranscriptCallback(func(chunk events.TranscriptChunk) {
			if chunk.Final {
				select {
				case f.transcript <- chunk.Transcript:
				default:
				}
			}
		}),
	)

	agent, err := NewAgent(f.llm, &freshStreamSynthesizer{}, &echoTranscriber{}, opts...)
	if err != nil {
		t.Fatalf("expected agent to compose, got %v", err)
	}
	if err := agent.Start(context.Background()); err != nil {
		t.Fatalf("expected agent to start, got %v", err)
	}
	t.Cleanup(func() { agent.Close() })

	f.agent = agent
	return f
}

func (f *agentFixture) awaitResponseEnded(t *testing.T) {
	t.Helper()
	select {
	case <-f.ended:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a response to end")
	}
}

func TestNewAgentRequiresClients(t *testing.T) {
	if _, err := NewAgent(nil, &freshStreamSynthesizer{}, &echoTranscriber{}); err == nil {
		t.Fatalf("expected a missing LLM to be rejected")
	}
	if _, err := NewAgent(&capturingLLM{}, nil, &echoTranscriber{}); err == nil {
		t.Fatalf("expected a missing synthesizer to be rejected")
	}
	if _, err := NewAgent(&capturingLLM{}, &freshStreamSynthesizer{}, nil); err == nil {
		t.Fatalf("expected a missing transcriber to be rejected")
	}
}

func TestNewAgentRejectsInvalidConfiguration(t *testing.T) {
	_, err := NewAgent(&capturingLLM{}, &freshStreamSynthesizer{}, &echoTranscriber{},
		WithEndOfTurnConfig(EndOfTurnConfig{Threshold: 2}),
	)
	if err == nil {
		t.Fatalf("expected an out-of-range threshold to be rejected")
	}
}

func TestAgentSaySpeaksAndRecordsHistory(t *testing.T) {
	f := newAgentFixture(t)

	if err := f.agent.Say("Welcome aboard."); err != nil {
		t.Fatalf("expected say to succeed, got %v", err)
	}
	f.awaitResponseEnded(t)

	select {
	case text := <-f.responses:
		if text != "Welcome aboard." {
			t.Fatalf("expected the say text back, got %q", text)
		}
	default:
		t.Fatalf("expected a response chunk")
	}

	history := f.agent.History()
	if len(history) != 1 || history[0].Role != llms.TurnRoleAssistant || history[0].Content != "Welcome aboard." {
		t.Fatalf("expected the spoken text in history, got %v", history)
	}
}

func TestAgentAudioFlowsThroughToModelResponse(t *testing.T) {
	f := newAgentFixture(t)

	// Speech frames carrying the utterance, then silence to close the segment.
	for _, frame := range [][]byte{
		loudFrame("Tell me "), loudFrame("a story."),
		silentFrame(), silentFrame(), silentFrame(),
	} {
		if err := f.agent.SendAudio(frame); err != nil {
			t.Fatalf("expected audio send to succeed, got %v", err)
		}
	}

	select {
	case transcript := <-f.transcript:
		if !strings.Contains(transcript, "story") {
			t.Fatalf("expected the utterance transcribed, got %q", transcript)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a transcript")
	}

	f.awaitResponseEnded(t)

	rounds := f.llm.capturedRounds()
	if len(rounds) == 0 {
		t.Fatalf("expected the transcript to trigger a model round")
	}
	if len(rounds[0]) == 0 || rounds[0][0].Role != llms.TurnRoleUser {
		t.Fatalf("expected the user's words in the model conversation, got %v", rounds[0])
	}
}

func TestAgentExecutesRequestedTools(t *testing.T) {
	called := make(chan string, 1)
	tool := llms.Tool{
		Name:        "get_weather",
		Description: "Reports the weather.",
		Call: func(_ context.Context, args string) (string, error) {
			called <- args
			return "sunny", nil
		},
	}

	f := newAgentFixture(t, WithTools(tool))

	plugin, err := f.agent.Plugin(orchestratorPluginName)
	if err != nil {
		t.Fatalf("expected orchestrator plugin, got %v", err)
	}
	if _, err := plugin.Emit(events.TypeToolRequest, events.ToolRequest{ID: "call-1", Name: "get_weather", Input: `{"city":"Oslo"}`}); err != nil {
		t.Fatalf("expected tool request emit to succeed, got %v", err)
	}

	select {
	case args := <-called:
		if args != `{"city":"Oslo"}` {
			t.Fatalf("expected the tool input passed through, got %q", args)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for the tool call")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		history := f.agent.History()
		for _, turn := range history {
			if turn.Role == llms.TurnRoleTool && turn.ToolID == "call-1" && turn.Success {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected the tool result in history, got %v", f.agent.History())
}

func TestAgentInterruptedCallbackFiresOnForcedInterrupt(t *testing.T) {
	interrupted := make(chan events.Interrupted, 1)
	responses := make(chan struct{}, 1)

	agent, err := NewAgent(
		repeatingLLM{chunk: "more words ", interval: 5 * time.Millisecond},
		&freshStreamSynthesizer{},
		&echoTranscriber{},
		WithResponseChunkCallback(func(events.ResponseChunk) {
			select {
			case responses <- struct{}{}:
			default:
			}
		}),
		WithInterruptedCallback(func(event events.Interrupted) {
			select {
			case interrupted <- event:
			default:
			}
		}),
	)
	if err != nil {
		t.Fatalf("expected agent to compose, got %v", err)
	}
	if err := agent.Start(context.Background()); err != nil {
		t.Fatalf("expected agent to start, got %v", err)
	}
	defer agent.Close()

	if err := agent.Continue(); err != nil {
		t.Fatalf("expected continue to succeed, got %v", err)
	}

	select {
	case <-responses:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for response output")
	}

	if err := agent.Interrupt(WithForce()); err != nil {
		t.Fatalf("expected interrupt to succeed, got %v", err)
	}

	select {
	case event := <-interrupted:
		if !event.Forced {
			t.Fatalf("expected the interruption marked forced")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for the interrupted callback")
	}
}
