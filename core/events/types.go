package events

import (
	"time"

	"github.com/koscakluka/aria-core/core/llms"
)

// Inbound audio and voice segmentation.

type AudioFrame struct {
	Audio []byte
}

type PaddingTag string

const (
	PaddingNone PaddingTag = ""
	PaddingPre  PaddingTag = "pre"
	PaddingPost PaddingTag = "post"
)

type VoiceChunk struct {
	Audio   []byte
	Padding PaddingTag
	Index   int
}

// Transcription.

type TranscriptChunk struct {
	Transcript string
	Final      bool
}

// Agent control operations.

type Say struct {
	Text string
}

type Continue struct {
	// Abrupt marks forced turn boundaries (end-of-turn firing at threshold,
	// interruption fallout) as opposed to a plain application continue.
	Abrupt bool
}

type Decide struct {
	// Instruction is the new information the agent should judge for a
	// reaction.
	Instruction string
}

type Interrupt struct {
	Force bool
}

type Interrupted struct {
	Forced bool
}

// Resource and tool exchange.

type ResourcesRequest struct {
	RequestID string
}

type ResourcesResponse struct {
	RequestID string
	Messages  []llms.Turn
	Tools     []llms.Tool
}

type ToolRequest struct {
	ID    string
	Name  string
	Input string
}

type ToolResponse struct {
	ToolID  string
	Success bool
	Output  *string
	Error   *string
}

// Outbound agent stream.

type SpeechChunk struct {
	Audio    []byte
	Text     string
	Duration time.Duration
}

type ResponseChunk struct {
	Text string
}

var (
	TypeAudioFrame = Register[AudioFrame]("audio.frame")

	TypeVoiceStarted = Register[None]("voice.started")
	TypeVoiceChunk   = Register[VoiceChunk]("voice.chunk")
	TypeVoiceEnded   = Register[None]("voice.ended")

	TypeTranscriptChunk = Register[TranscriptChunk]("transcript.chunk")

	TypeSay         = Register[Say]("agent.say")
	TypeContinue    = Register[Continue]("agent.continue")
	TypeDecide      = Register[Decide]("agent.decide")
	TypeInterrupt   = Register[Interrupt]("agent.interrupt")
	TypeInterrupted = Register[Interrupted]("agent.interrupted")

	TypeResourcesRequest  = Register[ResourcesRequest]("resources.request")
	TypeResourcesResponse = Register[ResourcesResponse]("resources.response")
	TypeToolRequest       = Register[ToolRequest]("tool.request")
	TypeToolResponse      = Register[ToolResponse]("tool.response")

	TypeSpeechChunk   = Register[SpeechChunk]("agent.speech.chunk")
	TypeResponseChunk = Register[ResponseChunk]("agent.response.chunk")
	TypeResponseEnded = Register[None]("agent.response.ended")

	TypeSpeakingStarted = Register[None]("agent.speaking.started")
	TypeSpeakingEnded   = Register[None]("agent.speaking.ended")
	TypeThinkingStarted = Register[None]("agent.thinking.started")
	TypeThinkingEnded   = Register[None]("agent.thinking.ended")
)
