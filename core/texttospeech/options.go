package texttospeech

import (
	"time"

	"github.com/koscakluka/aria-core/core/audio"
)

type SynthesisOptions struct {
	EncodingInfo audio.EncodingInfo
	Voice        string
}

type SynthesisOption func(*SynthesisOptions)

func WithEncodingInfo(encodingInfo audio.EncodingInfo) SynthesisOption {
	return func(o *SynthesisOptions) {
		if encodingInfo.IsZero() {
			return
		}
		o.EncodingInfo = encodingInfo
	}
}

func WithVoice(voice string) SynthesisOption {
	return func(o *SynthesisOptions) {
		o.Voice = voice
	}
}

// SpeechChunk is one unit of synthesized speech. Text and Duration are
// optional: providers that do not align transcripts or report timing leave
// them zero and the runtime backs the alignment out of its pace estimate.
type SpeechChunk struct {
	Audio    []byte
	Text     string
	Duration time.Duration
}

// SpeechStream is one streaming synthesis job.
type SpeechStream interface {
	// SendText queues text for synthesis. Speech is generated in the order
	// text is sent. SendText errors once EndOfText or Cancel was called.
	SendText(text string) error
	// EndOfText signals that no more text will be sent; the chunk iterator
	// ends once all queued speech has been produced. Repeated calls are
	// ignored.
	EndOfText() error
	// Cancel immediately stops further synthesis and terminates the chunk
	// iterator. Repeated calls are ignored.
	Cancel() error
	// Chunks iterates synthesized speech in order. The iteration ends on
	// stream completion, cancellation or a yielded terminal error.
	Chunks(yield func(SpeechChunk, error) bool)
}
