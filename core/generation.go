package orchestration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/koscakluka/aria-core/core/eventqueue"
	"github.com/koscakluka/aria-core/core/events"
	"github.com/koscakluka/aria-core/core/llms"
	"github.com/koscakluka/aria-core/core/spokentext"
	"github.com/koscakluka/aria-core/core/texttospeech"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var (
	ErrGenerationNotIdle = errors.New("generation is no longer idle")
	ErrGenerationEnded   = errors.New("generation has ended")
)

// LLM is a streaming language model client. Errors surface as error items on
// the returned stream, not as a second return value.
type LLM interface {
	PromptWithStream(ctx context.Context, prompt *string, opts ...llms.StreamingPromptOption) llms.Stream
}

// Synthesizer creates streaming text-to-speech jobs.
type Synthesizer interface {
	NewSpeechStream(ctx context.Context, opts ...texttospeech.SynthesisOption) (texttospeech.SpeechStream, error)
}

type GenerationStatus string

const (
	GenerationIdle    GenerationStatus = "idle"
	GenerationWaiting GenerationStatus = "waiting"
	GenerationRunning GenerationStatus = "running"
	GenerationEnded   GenerationStatus = "ended"
)

type generationWaitingFor string

const (
	waitingForNothing   generationWaitingFor = ""
	waitingForResources generationWaitingFor = "resources"
	waitingForTools     generationWaitingFor = "tools"
)

// GenerationChunk is one unit of a Generation's output stream.
type GenerationChunk interface{ isGenerationChunk() }

// GenerationContentChunk carries synthesized audio together with the slice
// of transcript it corresponds to.
type GenerationContentChunk struct {
	Audio    []byte
	Text     string
	Duration time.Duration
}

// GenerationToolRequestChunk asks the application to execute a tool call.
type GenerationToolRequestChunk struct {
	ID    string
	Name  string
	Input string
}

// GenerationEndChunk terminates the stream; it is always the last chunk.
type GenerationEndChunk struct{}

func (GenerationContentChunk) isGenerationChunk()     {}
func (GenerationToolRequestChunk) isGenerationChunk() {}
func (GenerationEndChunk) isGenerationChunk()         {}

type generationConfig struct {
	llm         LLM
	synthesizer Synthesizer
	pace        *spokentext.PaceEstimator
	// requestResources emits a resources request at the application, keyed by
	// the given request id so the response can be correlated back.
	requestResources func(requestID string) error
	instructions     string
	synthesisOptions []texttospeech.SynthesisOption
}

// Generation coordinates one LLM streaming job and one TTS streaming job for
// a single turn attempt. Intent accumulates while idle; Start runs the
// pipeline; the Chunks iterator yields the result stream until the end chunk.
type Generation struct {
	id     string
	config generationConfig

	mu                  sync.Mutex
	status              GenerationStatus
	sayText             string
	instruction         string
	needContinue        bool
	preventInterruption bool
	waitingFor          generationWaitingFor

	resourcesRequestID string
	resources          chan events.ResourcesResponse

	outstandingTools map[string]events.ToolResponse
	toolsFulfilled   chan struct{}

	output   *eventqueue.Queue[GenerationChunk]
	produced atomic.Uint64
	consumed atomic.Uint64

	cancel  context.CancelFunc
	endOnce sync.Once
}

func newGeneration(config generationConfig) *Generation {
	return &Generation{
		id:               uuid.NewString(),
		config:           config,
		status:           GenerationIdle,
		resources:        make(chan events.ResourcesResponse, 1),
		outstandingTools: map[string]events.ToolResponse{},
		output:           eventqueue.New[GenerationChunk](),
	}
}

func (g *Generation) ID() string { return g.id }

func (g *Generation) Status() GenerationStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status
}

// AddSay appends text the agent should speak verbatim before any model
// output. Only valid while the generation has not started.
func (g *Generation) AddSay(text string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.status != GenerationIdle {
		return fmt.Errorf("%w: cannot add say text in status %q", ErrGenerationNotIdle, g.status)
	}
	g.sayText += text
	return nil
}

// AddContinue marks that the generation should continue the conversation
// with a model response. Only valid while the generation has not started.
func (g *Generation) AddContinue() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.status != GenerationIdle {
		return fmt.Errorf("%w: cannot add continue in status %q", ErrGenerationNotIdle, g.status)
	}
	g.needContinue = true
	return nil
}

// AddInstruction folds extra steering text into the model prompt, used when
// a decide evaluation concludes the agent should react. Implies continue.
func (g *Generation) AddInstruction(instruction string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.status != GenerationIdle {
		return fmt.Errorf("%w: cannot add instruction in status %q", ErrGenerationNotIdle, g.status)
	}
	if g.instruction != "" {
		g.instruction += "\n"
	}
	g.instruction += instruction
	g.needContinue = true
	return nil
}

// hasIntent reports whether anything has been accumulated that would make
// starting this generation produce output.
func (g *Generation) hasIntent() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sayText != "" || g.needContinue
}

func (g *Generation) SetPreventInterruption(prevent bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.preventInterruption = prevent
}

// Interruptible reports whether an interrupt may end this generation.
// Force overrides the generation's own preference.
func (g *Generation) Interruptible(force bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return force || !g.preventInterruption
}

// StreamedOutput reports whether any chunk of this generation has already
// been consumed downstream, which is what decides whether an interruption is
// observable to the application.
func (g *Generation) StreamedOutput() bool {
	produced := g.produced.Load()
	return produced > 0 && g.consumed.Load() > 0
}

// Chunks yields the generation's output stream in order, blocking until the
// next chunk is available, and returns after the end chunk.
func (g *Generation) Chunks(yield func(GenerationChunk) bool) {
	for chunk := range g.output.Items {
		g.consumed.Add(1)
		if !yield(chunk) {
			return
		}
	}
}

// ProvideResources delivers the application's answer to this generation's
// pending resources request. Responses for other request ids are ignored.
func (g *Generation) ProvideResources(response events.ResourcesResponse) {
	g.mu.Lock()
	match := g.waitingFor == waitingForResources && g.resourcesRequestID == response.RequestID
	g.mu.Unlock()
	if !match {
		return
	}
	select {
	case g.resources <- response:
	default:
	}
}

// AddToolResponse marks one outstanding tool call as fulfilled. Once every
// outstanding tool has an answer, the model phase restarts to fold the
// results into the turn.
func (g *Generation) AddToolResponse(response events.ToolResponse) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.status == GenerationEnded {
		return ErrGenerationEnded
	}
	pending, ok := g.outstandingTools[response.ToolID]
	if !ok || pending.ToolID != "" {
		return fmt.Errorf("no outstanding tool call %q", response.ToolID)
	}
	g.outstandingTools[response.ToolID] = response

	for _, recorded := range g.outstandingTools {
		if recorded.ToolID == "" {
			return nil
		}
	}
	if g.toolsFulfilled != nil {
		close(g.toolsFulfilled)
		g.toolsFulfilled = nil
	}
	return nil
}

// Start launches the generation pipeline. It returns immediately; output is
// consumed through Chunks. Calling Start more than once is an error.
func (g *Generation) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.status != GenerationIdle {
		g.mu.Unlock()
		return fmt.Errorf("%w: cannot start in status %q", ErrGenerationNotIdle, g.status)
	}
	g.status = GenerationWaiting
	ctx, g.cancel = context.WithCancel(ctx)
	g.mu.Unlock()

	go g.run(ctx)
	return nil
}

// Stop cancels both underlying jobs and forces the generation to end. Safe
// to call at any point, including before Start.
func (g *Generation) Stop() {
	g.mu.Lock()
	if g.cancel != nil {
		g.cancel()
	}
	g.status = GenerationEnded
	g.mu.Unlock()
	g.finish()
}

func (g *Generation) finish() {
	g.endOnce.Do(func() {
		g.mu.Lock()
		g.status = GenerationEnded
		g.mu.Unlock()
		g.push(GenerationEndChunk{})
		g.output.Close()
	})
}

func (g *Generation) push(chunk GenerationChunk) {
	if err := g.output.Push(chunk); err != nil {
		return
	}
	g.produced.Add(1)
}

func (g *Generation) run(ctx context.Context) {
	ctx, span := tracer.Start(ctx, "run generation")
	defer span.End()
	span.SetAttributes(attribute.String("generation.id", g.id))
	defer g.finish()

	speech, err := g.config.synthesizer.NewSpeechStream(ctx, g.config.synthesisOptions...)
	if err != nil {
		err = fmt.Errorf("failed to open speech stream: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "speech stream unavailable")
		logger.Error("generation failed", "generation.id", g.id, "error", err)
		return
	}

	relay := newSpeechRelay(speech, g.config.pace, g.push)
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		relay.consume()
	}()

	g.mu.Lock()
	sayText := g.sayText
	needContinue := g.needContinue
	g.mu.Unlock()

	if sayText != "" {
		relay.sendText(sayText)
	}

	if needContinue {
		if err := g.runModelPhase(ctx, relay); err != nil {
			if !errors.Is(err, context.Canceled) {
				span.RecordError(err)
				span.SetStatus(codes.Error, "model phase failed")
				logger.Error("generation model phase failed", "generation.id", g.id, "error", err)
			}
			speech.Cancel()
			<-relayDone
			return
		}
	}

	if err := speech.EndOfText(); err != nil {
		logger.Warn("failed to close speech stream input", "generation.id", g.id, "error", err)
	}
	<-relayDone
}

// runModelPhase streams the model until it finishes without requesting any
// tools. Each round requests fresh resources so tool results recorded in the
// history between rounds are visible to the model.
func (g *Generation) runModelPhase(ctx context.Context, relay *speechRelay) error {
	for {
		resources, err := g.awaitResources(ctx)
		if err != nil {
			return err
		}

		g.mu.Lock()
		g.status = GenerationRunning
		g.waitingFor = waitingForNothing
		instruction := g.instruction
		g.mu.Unlock()

		var prompt *string
		if instruction != "" {
			prompt = &instruction
		}
		stream := g.config.llm.PromptWithStream(ctx, prompt,
			llms.WithInstructions(g.config.instructions),
			llms.WithTurns(resources.Messages...),
			llms.WithTools(resources.Tools...),
		)

		requestedTools, err := g.relayModelStream(ctx, stream, relay)
		if err != nil {
			return err
		}
		if !requestedTools {
			return nil
		}
		if err := g.awaitTools(ctx); err != nil {
			return err
		}
	}
}

func (g *Generation) awaitResources(ctx context.Context) (events.ResourcesResponse, error) {
	// The request id is registered before the request goes out, so a response
	// arriving immediately still finds somewhere to land.
	requestID := uuid.NewString()
	g.mu.Lock()
	g.status = GenerationWaiting
	g.waitingFor = waitingForResources
	g.resourcesRequestID = requestID
	g.mu.Unlock()

	if err := g.config.requestResources(requestID); err != nil {
		return events.ResourcesResponse{}, fmt.Errorf("failed to request resources: %w", err)
	}

	select {
	case response := <-g.resources:
		return response, nil
	case <-ctx.Done():
		return events.ResourcesResponse{}, ctx.Err()
	}
}

func (g *Generation) relayModelStream(ctx context.Context, stream llms.Stream, relay *speechRelay) (requestedTools bool, err error) {
	for chunk, chunkErr := range stream.Chunks(ctx) {
		if chunkErr != nil {
			return false, fmt.Errorf("model stream failed: %w", chunkErr)
		}

		switch chunk := chunk.(type) {
		case llms.StreamContentChunk:
			relay.sendText(chunk.Content())
		case llms.StreamToolCallChunk:
			call := chunk.ToolCall()
			g.mu.Lock()
			g.outstandingTools[call.ID] = events.ToolResponse{}
			g.mu.Unlock()
			g.push(GenerationToolRequestChunk{ID: call.ID, Name: call.Name, Input: call.Arguments})
			requestedTools = true
		}
	}
	return requestedTools, ctx.Err()
}

func (g *Generation) awaitTools(ctx context.Context) error {
	g.mu.Lock()
	fulfilled := true
	for _, recorded := range g.outstandingTools {
		if recorded.ToolID == "" {
			fulfilled = false
			break
		}
	}
	if fulfilled {
		g.mu.Unlock()
		return nil
	}
	g.status = GenerationWaiting
	g.waitingFor = waitingForTools
	wait := make(chan struct{})
	g.toolsFulfilled = wait
	g.mu.Unlock()

	select {
	case <-wait:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// speechRelay forwards text into the TTS stream and converts its audio
// chunks into content chunks, attributing transcript text to audio. When the
// provider reports its own per-chunk text that is used directly; otherwise
// the pace estimate backs out how much of the sent text the audio covers.
type speechRelay struct {
	stream texttospeech.SpeechStream
	pace   *spokentext.PaceEstimator
	push   func(GenerationChunk)

	mu            sync.Mutex
	sent          string
	emittedBytes  int
	audioDuration time.Duration
}

func newSpeechRelay(stream texttospeech.SpeechStream, pace *spokentext.PaceEstimator, push func(GenerationChunk)) *speechRelay {
	return &speechRelay{stream: stream, pace: pace, push: push}
}

func (r *speechRelay) sendText(text string) {
	if text == "" {
		return
	}
	r.mu.Lock()
	r.sent += text
	r.mu.Unlock()
	if err := r.stream.SendText(text); err != nil {
		logger.Warn("failed to send text for synthesis", "error", err)
	}
}

func (r *speechRelay) consume() {
	var failed bool
	for chunk, err := range r.stream.Chunks {
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				logger.Error("speech stream failed", "error", err)
			}
			failed = true
			break
		}
		r.push(GenerationContentChunk{
			Audio:    chunk.Audio,
			Text:     r.attribute(chunk),
			Duration: chunk.Duration,
		})
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if remainder := r.sent[r.emittedBytes:]; remainder != "" && !failed {
		r.push(GenerationContentChunk{Text: remainder})
		r.emittedBytes = len(r.sent)
	}
	if r.audioDuration > 0 {
		r.pace.AddJob(r.audioDuration, spokentext.Weight(r.sent))
	}
}

func (r *speechRelay) attribute(chunk texttospeech.SpeechChunk) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audioDuration += chunk.Duration

	if chunk.Text != "" {
		r.emittedBytes = len(r.sent)
		return chunk.Text
	}

	entitled := r.pace.ChunksPlayed(r.audioDuration)
	prefix := spokentext.Take(r.sent, entitled)
	if len(prefix) <= r.emittedBytes {
		return ""
	}
	text := r.sent[r.emittedBytes:len(prefix)]
	r.emittedBytes = len(prefix)
	return text
}
