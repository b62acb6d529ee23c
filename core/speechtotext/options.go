package speechtotext

import "github.com/koscakluka/aria-core/core/audio"

type TranscriptionOptions struct {
	// TranscriptChunkCallback is called for every finalized transcript
	// segment as it becomes available.
	TranscriptChunkCallback func(transcript string)
	// InterimTranscriptCallback is called for provisional transcripts that a
	// later chunk may revise.
	InterimTranscriptCallback func(transcript string)
	// SegmentEndedCallback is called once a finalized speech segment is
	// fully transcribed.
	SegmentEndedCallback func(transcript string)
	// ErrorCallback is called when the transcription stream fails; the
	// stream is terminal after the first error.
	ErrorCallback func(error)

	EncodingInfo audio.EncodingInfo
}

type TranscriptionOption func(*TranscriptionOptions)

func WithTranscriptChunkCallback(callback func(transcript string)) TranscriptionOption {
	return func(o *TranscriptionOptions) {
		o.TranscriptChunkCallback = callback
	}
}

func WithInterimTranscriptCallback(callback func(transcript string)) TranscriptionOption {
	return func(o *TranscriptionOptions) {
		o.InterimTranscriptCallback = callback
	}
}

func WithSegmentEndedCallback(callback func(transcript string)) TranscriptionOption {
	return func(o *TranscriptionOptions) {
		o.SegmentEndedCallback = callback
	}
}

func WithErrorCallback(callback func(error)) TranscriptionOption {
	return func(o *TranscriptionOptions) {
		o.ErrorCallback = callback
	}
}

func WithEncodingInfo(encodingInfo audio.EncodingInfo) TranscriptionOption {
	return func(o *TranscriptionOptions) {
		if encodingInfo.IsZero() {
			return
		}
		o.EncodingInfo = encodingInfo
	}
}
