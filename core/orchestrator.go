package orchestration

import (
	"context"
	"errors"
	"sync"

	"github.com/koscakluka/aria-core/core/eventqueue"
	"github.com/koscakluka/aria-core/core/events"
	"github.com/koscakluka/aria-core/core/llms"
	"github.com/koscakluka/aria-core/core/spokentext"
	"github.com/koscakluka/aria-core/core/texttospeech"
)

const orchestratorPluginName = "orchestrator"

// DecideEvaluator judges whether new information merits a spoken reaction
// from the agent, given the instruction that described the information and
// the conversation so far.
type DecideEvaluator interface {
	Evaluate(ctx context.Context, instruction string, turns []llms.Turn) (react bool, err error)
}

type orchestratorConfig struct {
	llm         LLM
	synthesizer Synthesizer
	evaluator   DecideEvaluator

	instructions string
	tools        []llms.Tool

	output           OutputConfig
	synthesisOptions []texttospeech.SynthesisOption
}

// orchestrator is the top-level turn-taking state machine: it owns the set
// of live generations and the in-flight decide evaluations, routes
// generation-relevant events into them, and drains started generations
// through the output throttle.
type orchestrator struct {
	config orchestratorConfig
	plugin *Plugin

	history *llms.History
	pace    *spokentext.PaceEstimator

	mu          sync.Mutex
	generations []*Generation
	revision    uint64
	decides     map[string]*decideEvaluation
	drainCancel context.CancelFunc

	queue    *eventqueue.Queue[*Generation]
	throttle *outputThrottle
}

type decideEvaluation struct {
	instruction string
	cancel      context.CancelFunc
}

func newOrchestrator(config orchestratorConfig) *orchestrator {
	return &orchestrator{
		config:   config,
		history:  llms.NewHistory(),
		pace:     spokentext.NewPaceEstimator(),
		decides:  map[string]*decideEvaluation{},
		queue:    eventqueue.New[*Generation](),
		throttle: newOutputThrottle(config.output),
	}
}

func newOrchestratorPlugin(config orchestratorConfig) (PluginConfig, *orchestrator) {
	o := newOrchestrator(config)
	return PluginConfig{
		Name:         orchestratorPluginName,
		InitialState: State{"speaking": false, "thinking": false},
		Effects: []Effect{
			{Type: events.TypeSay, Handle: o.onSay},
			{Type: events.TypeContinue, Handle: o.onContinue},
			{Type: events.TypeDecide, Handle: o.onDecide},
			{Type: events.TypeInterrupt, Handle: o.onInterrupt},
			{Type: events.TypeResourcesRequest, Handle: o.onResourcesRequest},
			{Type: events.TypeResourcesResponse, Handle: o.onResourcesResponse},
			{Type: events.TypeToolRequest, Handle: o.onToolRequest},
			{Type: events.TypeToolResponse, Handle: o.onToolResponse},
			{Type: events.TypeTranscriptChunk, Handle: o.onTranscript},
			{Type: events.TypeResponseChunk, Handle: o.onResponseChunk},
			{Type: events.TypeSpeakingStarted, Handle: func(state Mutable, _ events.Event) error {
				state.Set("speaking", true)
				return nil
			}},
			{Type: events.TypeSpeakingEnded, Handle: func(state Mutable, _ events.Event) error {
				state.Set("speaking", false)
				return nil
			}},
			{Type: events.TypeThinkingStarted, Handle: func(state Mutable, _ events.Event) error {
				state.Set("thinking", true)
				return nil
			}},
			{Type: events.TypeThinkingEnded, Handle: func(state Mutable, _ events.Event) error {
				state.Set("thinking", false)
				return nil
			}},
			// Readiness is rechecked after every event: an intent-carrying
			// event may have been processed while later events (an urgent
			// continue jumping ahead of its transcript, say) still sat on
			// the queue and kept the generation from starting.
			{Handle: func(_ Mutable, _ events.Event) error {
				o.maybeStart()
				return nil
			}},
		},
		Services: []Service{{
			Name: "generation consumer",
			Run:  o.consume,
		}},
		OnStart: func(plugin *Plugin) error {
			o.plugin = plugin
			return nil
		},
		OnStop: func(*Plugin) error {
			o.close()
			return nil
		},
		OnError: func(err error) {
			logger.Error("orchestrator plugin error", "error", err)
		},
	}, o
}

func (o *orchestrator) close() {
	o.mu.Lock()
	generations := append([]*Generation(nil), o.generations...)
	for _, evaluation := range o.decides {
		evaluation.cancel()
	}
	o.decides = map[string]*decideEvaluation{}
	o.mu.Unlock()

	for _, generation := range generations {
		generation.Stop()
	}
	o.queue.Close()
}

// targetLocked returns the first idle generation, creating one when none
// exists. Callers hold o.mu so the returned generation cannot be started
// before they are done adding to it.
func (o *orchestrator) targetLocked() *Generation {
	for _, generation := range o.generations {
		if generation.Status() == GenerationIdle {
			return generation
		}
	}
	generation := newGeneration(generationConfig{
		llm:              o.config.llm,
		synthesizer:      o.config.synthesizer,
		pace:             o.pace,
		instructions:     o.config.instructions,
		synthesisOptions: o.config.synthesisOptions,
		requestResources: o.requestResources,
	})
	o.generations = append(o.generations, generation)
	return generation
}

func (o *orchestrator) requestResources(requestID string) error {
	_, err := o.plugin.Emit(events.TypeResourcesRequest, events.ResourcesRequest{RequestID: requestID})
	return err
}

func (o *orchestrator) onSay(_ Mutable, event events.Event) error {
	say, ok := event.Data.(events.Say)
	if !ok {
		return nil
	}

	// Selecting the target and adding to it happen under one lock, so a
	// concurrent start cannot flip the generation out of idle in between.
	o.mu.Lock()
	defer o.mu.Unlock()
	o.revision++
	return o.targetLocked().AddSay(say.Text)
}

func (o *orchestrator) onContinue(_ Mutable, event events.Event) error {
	cont, ok := event.Data.(events.Continue)
	if !ok {
		return nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.revision++
	target := o.targetLocked()
	if cont.Abrupt {
		// An abrupt turn end preempts pending decide evaluations; their
		// instructions ride along with this response instead.
		for id, evaluation := range o.decides {
			evaluation.cancel()
			if err := target.AddInstruction(evaluation.instruction); err != nil {
				return err
			}
			delete(o.decides, id)
		}
	}
	return target.AddContinue()
}

func (o *orchestrator) onDecide(_ Mutable, event events.Event) error {
	decide, ok := event.Data.(events.Decide)
	if !ok {
		return nil
	}

	if o.config.evaluator == nil {
		// Without an evaluator every decide is worth reacting to.
		o.mu.Lock()
		defer o.mu.Unlock()
		return o.targetLocked().AddInstruction(decide.Instruction)
	}

	ctx, cancel := context.WithCancel(context.Background())
	evaluation := &decideEvaluation{instruction: decide.Instruction, cancel: cancel}

	o.mu.Lock()
	id := event.ID
	o.decides[id] = evaluation
	revision := o.revision
	o.mu.Unlock()

	turns := o.history.Turns()
	go func() {
		defer cancel()
		react, err := o.config.evaluator.Evaluate(ctx, decide.Instruction, turns)

		o.mu.Lock()
		if _, pending := o.decides[id]; !pending {
			o.mu.Unlock()
			return
		}
		delete(o.decides, id)
		superseded := o.revision != revision
		o.mu.Unlock()

		if err != nil {
			if !errors.Is(err, context.Canceled) {
				logger.Warn("decide evaluation failed", "error", err)
			}
			return
		}
		if !react || superseded {
			return
		}

		o.mu.Lock()
		addErr := o.targetLocked().AddInstruction(decide.Instruction)
		o.mu.Unlock()
		if addErr != nil {
			logger.Warn("failed to fold decide into generation", "error", addErr)
			return
		}
		o.maybeStart()
	}()
	return nil
}

func (o *orchestrator) onInterrupt(_ Mutable, event events.Event) error {
	interrupt, ok := event.Data.(events.Interrupt)
	if !ok {
		return nil
	}

	o.mu.Lock()
	generations := append([]*Generation(nil), o.generations...)
	drainCancel := o.drainCancel
	o.mu.Unlock()

	observed := false
	for _, generation := range generations {
		if !generation.Interruptible(interrupt.Force) {
			continue
		}
		if generation.StreamedOutput() {
			observed = true
		}
		generation.Stop()
		o.forget(generation)
	}
	if drainCancel != nil {
		drainCancel()
	}

	if observed {
		if err := o.history.AnnotateInterruption(llms.TurnRoleAssistant); err != nil && !errors.Is(err, llms.ErrNoAppendableTurn) {
			logger.Warn("failed to annotate interruption", "error", err)
		}
		if _, err := o.plugin.Emit(events.TypeInterrupted, events.Interrupted{Forced: interrupt.Force}); err != nil {
			return err
		}
	}
	return nil
}

func (o *orchestrator) onResourcesRequest(_ Mutable, event events.Event) error {
	request, ok := event.Data.(events.ResourcesRequest)
	if !ok {
		return nil
	}
	_, err := o.plugin.Emit(events.TypeResourcesResponse, events.ResourcesResponse{
		RequestID: request.RequestID,
		Messages:  o.history.Turns(),
		Tools:     o.config.tools,
	})
	return err
}

func (o *orchestrator) onResourcesResponse(_ Mutable, event events.Event) error {
	response, ok := event.Data.(events.ResourcesResponse)
	if !ok {
		return nil
	}
	o.mu.Lock()
	generations := append([]*Generation(nil), o.generations...)
	o.mu.Unlock()
	for _, generation := range generations {
		generation.ProvideResources(response)
	}
	return nil
}

func (o *orchestrator) onToolRequest(_ Mutable, event events.Event) error {
	request, ok := event.Data.(events.ToolRequest)
	if !ok {
		return nil
	}
	o.history.AppendToolCalls(llms.ToolCall{ID: request.ID, Name: request.Name, Arguments: request.Input})
	return nil
}

func (o *orchestrator) onToolResponse(_ Mutable, event events.Event) error {
	response, ok := event.Data.(events.ToolResponse)
	if !ok {
		return nil
	}

	if err := o.history.AddToolResponse(response.ToolID, response.Success, response.Output, response.Error); err != nil {
		logger.Warn("failed to record tool response", "tool.id", response.ToolID, "error", err)
	}

	o.mu.Lock()
	generations := append([]*Generation(nil), o.generations...)
	o.mu.Unlock()
	for _, generation := range generations {
		if err := generation.AddToolResponse(response); err == nil {
			break
		}
	}
	return nil
}

func (o *orchestrator) onTranscript(_ Mutable, event events.Event) error {
	chunk, ok := event.Data.(events.TranscriptChunk)
	if !ok || !chunk.Final {
		return nil
	}
	o.history.AppendUtterance(llms.TurnRoleUser, chunk.Transcript)
	return nil
}

func (o *orchestrator) onResponseChunk(_ Mutable, event events.Event) error {
	chunk, ok := event.Data.(events.ResponseChunk)
	if !ok || chunk.Text == "" {
		return nil
	}
	o.history.AppendContent(llms.TurnRoleAssistant, chunk.Text)
	return nil
}

// maybeStart starts the first generation with accumulated intent, but only
// once the event queue has settled (later queued events may still add to the
// same generation) and only when nothing else is running. Starting while
// another generation runs is deliberately left alone; the new generation
// waits for the running one to drain.
func (o *orchestrator) maybeStart() {
	if o.plugin == nil || o.plugin.QueueBusy() {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	for _, generation := range o.generations {
		switch generation.Status() {
		case GenerationWaiting, GenerationRunning:
			return
		}
	}

	for _, generation := range o.generations {
		if generation.Status() != GenerationIdle || !generation.hasIntent() {
			continue
		}
		if err := generation.Start(context.Background()); err != nil {
			logger.Warn("failed to start generation", "generation.id", generation.ID(), "error", err)
			return
		}
		if err := o.queue.Push(generation); err != nil {
			logger.Warn("failed to queue generation", "generation.id", generation.ID(), "error", err)
		}
		return
	}
}

func (o *orchestrator) forget(generation *Generation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, candidate := range o.generations {
		if candidate == generation {
			o.generations = append(o.generations[:i], o.generations[i+1:]...)
			return
		}
	}
}

// consume drains started generations in order, relaying their chunks
// outward through the throttle and reporting thinking/speaking transitions.
func (o *orchestrator) consume(ctx context.Context, _ *eventqueue.Queue[events.Event], plugin *Plugin) error {
	for generation := range o.queue.Items {
		o.drain(ctx, plugin, generation)
		o.forget(generation)

		// Another generation may have accumulated intent while this one
		// was draining.
		o.maybeStart()
	}
	return nil
}

func (o *orchestrator) drain(ctx context.Context, plugin *Plugin, generation *Generation) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.mu.Lock()
	o.drainCancel = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.drainCancel = nil
		o.mu.Unlock()
	}()

	emit := func(eventType events.Type, data any) {
		if _, err := plugin.Emit(eventType, data); err != nil {
			logger.Warn("failed to emit orchestrator event", "event.type", string(eventType), "error", err)
		}
	}

	emit(events.TypeThinkingStarted, nil)
	thinking := true
	speaking := false
	o.throttle.reset()

	for chunk := range generation.Chunks {
		switch chunk := chunk.(type) {
		case GenerationContentChunk:
			if err := o.throttle.await(ctx, chunk.Duration); err != nil {
				continue
			}
			if thinking {
				emit(events.TypeThinkingEnded, nil)
				thinking = false
			}
			if !speaking {
				emit(events.TypeSpeakingStarted, nil)
				speaking = true
			}
			emit(events.TypeSpeechChunk, events.SpeechChunk{Audio: chunk.Audio, Text: chunk.Text, Duration: chunk.Duration})
			if chunk.Text != "" {
				emit(events.TypeResponseChunk, events.ResponseChunk{Text: chunk.Text})
			}
		case GenerationToolRequestChunk:
			emit(events.TypeToolRequest, events.ToolRequest{ID: chunk.ID, Name: chunk.Name, Input: chunk.Input})
		case GenerationEndChunk:
			emit(events.TypeResponseEnded, nil)
		}
	}

	if thinking {
		emit(events.TypeThinkingEnded, nil)
	}
	if speaking {
		emit(events.TypeSpeakingEnded, nil)
	}
}
