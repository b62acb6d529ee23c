package llms

import "context"

// Stream is a cancellable stream of typed model output chunks. Cancellation
// happens through the context passed to Chunks; the iterator always ends with
// either exhaustion (terminal end) or a yielded error.
type Stream interface {
	Chunks(context.Context) func(func(StreamChunk, error) bool)
}

type StreamChunk interface {
	FinishReason() *string
}

type StreamContentChunk interface {
	StreamChunk
	Content() string
}

type StreamReasoningChunk interface {
	StreamChunk
	Reasoning() string
}

type StreamToolCallChunk interface {
	StreamChunk
	ToolCall() ToolCall
}
