package orchestration

import (
	"context"
	"errors"
	"fmt"

	"github.com/koscakluka/aria-core/core/audio"
	"github.com/koscakluka/aria-core/core/events"
	"github.com/koscakluka/aria-core/core/llms"
	"github.com/koscakluka/aria-core/core/texttospeech"
	"github.com/koscakluka/aria-core/internal/utils"
)

type agentOptions struct {
	instructions string
	tools        []llms.Tool

	detector  VoiceActivityDetector
	predictor EndOfTurnPredictor
	evaluator DecideEvaluator

	vad    VADConfig
	eou    EndOfTurnConfig
	output OutputConfig

	encoding audio.EncodingInfo
	voice    string

	plugins []PluginConfig

	speechChunkCallback   func(events.SpeechChunk)
	transcriptCallback    func(events.TranscriptChunk)
	responseChunkCallback func(events.ResponseChunk)
	responseEndedCallback func()
	interruptedCallback   func(events.Interrupted)
}

type AgentOption func(*agentOptions)

// WithInstructions sets the system instructions passed to the language model
// on every generation.
func WithInstructions(instructions string) AgentOption {
	return func(o *agentOptions) { o.instructions = instructions }
}

// WithTools makes tools available to the language model; requested calls are
// executed automatically and their results folded back into the turn.
func WithTools(tools ...llms.Tool) AgentOption {
	return func(o *agentOptions) { o.tools = append(o.tools, tools...) }
}

func WithVoiceActivityDetector(detector VoiceActivityDetector) AgentOption {
	return func(o *agentOptions) { o.detector = detector }
}

func WithEndOfTurnPredictor(predictor EndOfTurnPredictor) AgentOption {
	return func(o *agentOptions) { o.predictor = predictor }
}

func WithDecideEvaluator(evaluator DecideEvaluator) AgentOption {
	return func(o *agentOptions) { o.evaluator = evaluator }
}

func WithVADConfig(config VADConfig) AgentOption {
	return func(o *agentOptions) { o.vad = config }
}

func WithEndOfTurnConfig(config EndOfTurnConfig) AgentOption {
	return func(o *agentOptions) { o.eou = config }
}

func WithOutputConfig(config OutputConfig) AgentOption {
	return func(o *agentOptions) { o.output = config }
}

func WithEncodingInfo(encoding audio.EncodingInfo) AgentOption {
	return func(o *agentOptions) { o.encoding = encoding }
}

func WithVoice(voice string) AgentOption {
	return func(o *agentOptions) { o.voice = voice }
}

// WithPlugins adds application plugins to the composition. They may depend
// on the built-in plugins by name ("vad", "stt", "eou", "orchestrator").
func WithPlugins(plugins ...PluginConfig) AgentOption {
	return func(o *agentOptions) { o.plugins = append(o.plugins, plugins...) }
}

// WithSpeechChunkCallback registers the outbound audio sink; it receives
// synthesized audio paced to roughly real time.
func WithSpeechChunkCallback(callback func(events.SpeechChunk)) AgentOption {
	return func(o *agentOptions) { o.speechChunkCallback = callback }
}

func WithTranscriptCallback(callback func(events.TranscriptChunk)) AgentOption {
	return func(o *agentOptions) { o.transcriptCallback = callback }
}

func WithResponseChunkCallback(callback func(events.ResponseChunk)) AgentOption {
	return func(o *agentOptions) { o.responseChunkCallback = callback }
}

func WithResponseEndedCallback(callback func()) AgentOption {
	return func(o *agentOptions) { o.responseEndedCallback = callback }
}

func WithInterruptedCallback(callback func(events.Interrupted)) AgentOption {
	return func(o *agentOptions) { o.interruptedCallback = callback }
}

// Agent is a complete turn-taking voice agent: microphone frames in through
// SendAudio, paced speech out through the speech chunk callback, with say,
// continue, decide and interrupt controls available at any moment.
type Agent struct {
	runtime      *Runtime
	orchestrator *orchestrator

	vadPlugin          *Plugin
	sttPlugin          *Plugin
	eouPlugin          *Plugin
	orchestratorPlugin *Plugin

	toolsByName map[string]llms.Tool
}

// NewAgent composes the default plugin set around the given model clients.
func NewAgent(llm LLM, synthesizer Synthesizer, transcriber SpeechToText, opts ...AgentOption) (*Agent, error) {
	if llm == nil {
		return nil, errors.New("an LLM client is required")
	}
	if synthesizer == nil {
		return nil, errors.New("a synthesizer client is required")
	}
	if transcriber == nil {
		return nil, errors.New("a transcription client is required")
	}

	options := agentOptions{
		detector:  NewEnergyDetector(),
		predictor: PunctuationPredictor{},
		encoding:  audio.GetDefaultEncodingInfo(),
	}
	for _, opt := range opts {
		opt(&options)
	}

	options.vad.EncodingInfo = options.encoding
	options.vad.applyDefaults()
	options.eou.applyDefaults()
	options.output.applyDefaults()
	if err := errors.Join(
		options.vad.validate(),
		options.eou.validate(),
		options.output.validate(),
	); err != nil {
		return nil, fmt.Errorf("invalid agent configuration: %w", err)
	}

	agent := &Agent{toolsByName: map[string]llms.Tool{}}
	for _, tool := range options.tools {
		agent.toolsByName[tool.Name] = tool
	}

	synthesisOptions := []texttospeech.SynthesisOption{texttospeech.WithEncodingInfo(options.encoding)}
	if options.voice != "" {
		synthesisOptions = append(synthesisOptions, texttospeech.WithVoice(options.voice))
	}

	orchConfig, orchestratorState := newOrchestratorPlugin(orchestratorConfig{
		llm:              llm,
		synthesizer:      synthesizer,
		evaluator:        options.evaluator,
		instructions:     options.instructions,
		tools:            options.tools,
		output:           options.output,
		synthesisOptions: synthesisOptions,
	})
	agent.orchestrator = orchestratorState

	vadConfig := newVADPlugin(options.vad, options.detector)
	sttConfig := newSTTPlugin(transcriber, options.encoding)
	eouConfig := newEndOfTurnPlugin(options.eou, options.predictor, orchestratorState.history.Turns)

	agent.bridge(&vadConfig, &sttConfig, &eouConfig, &orchConfig, options)

	plugins := append([]PluginConfig{vadConfig, sttConfig, eouConfig, orchConfig}, options.plugins...)
	runtime, err := NewRuntime(plugins...)
	if err != nil {
		return nil, fmt.Errorf("failed to compose agent plugins: %w", err)
	}
	agent.runtime = runtime

	if agent.vadPlugin, err = runtime.Plugin(vadPluginName); err != nil {
		return nil, err
	}
	if agent.sttPlugin, err = runtime.Plugin(sttPluginName); err != nil {
		return nil, err
	}
	if agent.eouPlugin, err = runtime.Plugin(eouPluginName); err != nil {
		return nil, err
	}
	if agent.orchestratorPlugin, err = runtime.Plugin(orchestratorPluginName); err != nil {
		return nil, err
	}

	return agent, nil
}

// bridge wires the default plugins to each other. Plugins only see events on
// their own queue, so cross-plugin flow is explicit re-emission installed at
// composition time.
func (a *Agent) bridge(vad, stt, eou, orch *PluginConfig, options agentOptions) {
	forward := func(target func() *Plugin, urgent func(events.Event) bool) EffectFunc {
		return func(_ Mutable, event events.Event) error {
			plugin := target()
			if plugin == nil {
				return nil
			}
			var opts []EmitOption
			if urgent != nil && urgent(event) {
				opts = append(opts, WithUrgent())
			}
			_, err := plugin.Emit(event.Type, event.Data, opts...)
			return err
		}
	}
	always := func(events.Event) bool { return true }

	// voice segments feed transcription
	vad.Effects = append(vad.Effects,
		Effect{Type: events.TypeVoiceChunk, Handle: forward(func() *Plugin { return a.sttPlugin }, nil)},
		Effect{Type: events.TypeVoiceEnded, Handle: forward(func() *Plugin { return a.sttPlugin }, nil)},
		// segment boundaries reschedule the end-of-turn decision
		Effect{Type: events.TypeVoiceStarted, Handle: forward(func() *Plugin { return a.eouPlugin }, nil)},
		Effect{Type: events.TypeVoiceEnded, Handle: forward(func() *Plugin { return a.eouPlugin }, nil)},
		// barge-in reaches the orchestrator ahead of anything else queued
		Effect{Type: events.TypeInterrupt, Handle: forward(func() *Plugin { return a.orchestratorPlugin }, always)},
	)

	// transcripts reach both the conversation history and the end-of-turn
	// scheduler
	stt.Effects = append(stt.Effects,
		Effect{Type: events.TypeTranscriptChunk, Handle: forward(func() *Plugin { return a.orchestratorPlugin }, nil)},
		Effect{Type: events.TypeTranscriptChunk, Handle: forward(func() *Plugin { return a.eouPlugin }, nil)},
	)
	if options.transcriptCallback != nil {
		stt.Effects = append(stt.Effects, Effect{Type: events.TypeTranscriptChunk, Handle: func(_ Mutable, event events.Event) error {
			if chunk, ok := event.Data.(events.TranscriptChunk); ok {
				options.transcriptCallback(chunk)
			}
			return nil
		}})
	}

	// a finished user turn triggers a response
	eou.Effects = append(eou.Effects,
		Effect{Type: events.TypeContinue, Handle: forward(func() *Plugin { return a.orchestratorPlugin }, func(event events.Event) bool {
			cont, ok := event.Data.(events.Continue)
			return ok && cont.Abrupt
		})},
	)

	// speaking transitions gate both listening and turn-end scheduling
	orch.Effects = append(orch.Effects,
		Effect{Type: events.TypeSpeakingStarted, Handle: forward(func() *Plugin { return a.vadPlugin }, nil)},
		Effect{Type: events.TypeSpeakingEnded, Handle: forward(func() *Plugin { return a.vadPlugin }, nil)},
		Effect{Type: events.TypeSpeakingStarted, Handle: forward(func() *Plugin { return a.eouPlugin }, nil)},
	)

	// requested tool calls are executed off the main loop and answered with
	// tool responses
	orch.Effects = append(orch.Effects, Effect{Type: events.TypeToolRequest, Handle: func(_ Mutable, event events.Event) error {
		request, ok := event.Data.(events.ToolRequest)
		if !ok {
			return nil
		}
		go a.executeTool(request)
		return nil
	}})

	if options.speechChunkCallback != nil {
		orch.Effects = append(orch.Effects, Effect{Type: events.TypeSpeechChunk, Handle: func(_ Mutable, event events.Event) error {
			if chunk, ok := event.Data.(events.SpeechChunk); ok {
				options.speechChunkCallback(chunk)
			}
			return nil
		}})
	}
	if options.responseChunkCallback != nil {
		orch.Effects = append(orch.Effects, Effect{Type: events.TypeResponseChunk, Handle: func(_ Mutable, event events.Event) error {
			if chunk, ok := event.Data.(events.ResponseChunk); ok {
				options.responseChunkCallback(chunk)
			}
			return nil
		}})
	}
	if options.responseEndedCallback != nil {
		orch.Effects = append(orch.Effects, Effect{Type: events.TypeResponseEnded, Handle: func(_ Mutable, _ events.Event) error {
			options.responseEndedCallback()
			return nil
		}})
	}
	if options.interruptedCallback != nil {
		orch.Effects = append(orch.Effects, Effect{Type: events.TypeInterrupted, Handle: func(_ Mutable, event events.Event) error {
			if interrupted, ok := event.Data.(events.Interrupted); ok {
				options.interruptedCallback(interrupted)
			}
			return nil
		}})
	}
}

func (a *Agent) executeTool(request events.ToolRequest) {
	respond := func(success bool, output, failure *string) {
		if _, err := a.orchestratorPlugin.Emit(events.TypeToolResponse, events.ToolResponse{
			ToolID:  request.ID,
			Success: success,
			Output:  output,
			Error:   failure,
		}); err != nil {
			logger.Warn("failed to report tool result", "tool.id", request.ID, "error", err)
		}
	}

	tool, ok := a.toolsByName[request.Name]
	if !ok {
		respond(false, nil, utils.Ptr(fmt.Sprintf("unknown tool %q", request.Name)))
		return
	}

	output, err := tool.Call(context.Background(), request.Input)
	if err != nil {
		respond(false, nil, utils.Ptr(err.Error()))
		return
	}
	respond(true, utils.Ptr(output), nil)
}

// Start launches the runtime; the agent is ready for audio and control calls
// once it returns.
func (a *Agent) Start(ctx context.Context) error {
	return a.runtime.Start(ctx)
}

// Close drains and stops all plugins.
func (a *Agent) Close() error {
	return a.runtime.Close()
}

// SendAudio feeds one inbound audio frame into the pipeline.
func (a *Agent) SendAudio(frame []byte) error {
	_, err := a.vadPlugin.Emit(events.TypeAudioFrame, events.AudioFrame{Audio: frame})
	return err
}

// Say makes the agent speak the given text verbatim before any model output
// of the same turn.
func (a *Agent) Say(text string) error {
	_, err := a.orchestratorPlugin.Emit(events.TypeSay, events.Say{Text: text})
	return err
}

// Continue asks the agent to respond to the conversation as it stands.
func (a *Agent) Continue() error {
	_, err := a.orchestratorPlugin.Emit(events.TypeContinue, events.Continue{})
	return err
}

// Decide hands the agent new information and lets it judge whether a spoken
// reaction is warranted.
func (a *Agent) Decide(instruction string) error {
	_, err := a.orchestratorPlugin.Emit(events.TypeDecide, events.Decide{Instruction: instruction})
	return err
}

type interruptOptions struct {
	force bool
}

type InterruptOption func(*interruptOptions)

// WithForce interrupts even generations that asked not to be interrupted.
func WithForce() InterruptOption {
	return func(o *interruptOptions) { o.force = true }
}

// Interrupt stops the agent's current speech.
func (a *Agent) Interrupt(opts ...InterruptOption) error {
	options := interruptOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	_, err := a.orchestratorPlugin.Emit(events.TypeInterrupt, events.Interrupt{Force: options.force}, WithUrgent())
	return err
}

// History returns a copy of the conversation transcript so far.
func (a *Agent) History() []llms.Turn {
	return a.orchestrator.history.Turns()
}

// Plugin exposes a composed plugin by name, for applications that emit their
// own events or observe plugin context.
func (a *Agent) Plugin(name string) (*Plugin, error) {
	return a.runtime.Plugin(name)
}
