package orchestration

import (
	"context"
	"fmt"

	"github.com/koscakluka/aria-core/core/audio"
	"github.com/koscakluka/aria-core/core/eventqueue"
	"github.com/koscakluka/aria-core/core/events"
	"github.com/koscakluka/aria-core/core/speechtotext"
)

const sttPluginName = "stt"

// SpeechToText is a streaming transcription client. StartTranscription opens
// the session and registers callbacks, SendAudio feeds it voice audio, and
// Finalize forces the current utterance to be transcribed without waiting for
// the provider's own endpointing.
type SpeechToText interface {
	StartTranscription(ctx context.Context, opts ...speechtotext.TranscriptionOption) error
	SendAudio(audio []byte) error
	Finalize() error
	Close() error
}

// newSTTPlugin bridges voice segments into the transcription client and
// re-emits the returned transcripts as events. Padding frames are sent along
// with confirmed speech; the provider is better at judging them than the
// energy gate that produced them.
func newSTTPlugin(client SpeechToText, encoding audio.EncodingInfo) PluginConfig {
	return PluginConfig{
		Name: sttPluginName,
		Services: []Service{{
			Name: "transcription",
			Run: func(ctx context.Context, feed *eventqueue.Queue[events.Event], plugin *Plugin) error {
				err := client.StartTranscription(ctx,
					speechtotext.WithEncodingInfo(encoding),
					speechtotext.WithTranscriptChunkCallback(func(transcript string) {
						if transcript == "" {
							return
						}
						if _, err := plugin.Emit(events.TypeTranscriptChunk, events.TranscriptChunk{Transcript: transcript, Final: true}); err != nil {
							logger.Warn("failed to emit transcript chunk", "error", err)
						}
					}),
					speechtotext.WithInterimTranscriptCallback(func(transcript string) {
						if transcript == "" {
							return
						}
						if _, err := plugin.Emit(events.TypeTranscriptChunk, events.TranscriptChunk{Transcript: transcript}); err != nil {
							logger.Warn("failed to emit interim transcript", "error", err)
						}
					}),
					speechtotext.WithErrorCallback(func(err error) {
						logger.Error("transcription stream error", "error", err)
					}),
				)
				if err != nil {
					return fmt.Errorf("failed to start transcription: %w", err)
				}
				defer client.Close()

				for event := range feed.Items {
					switch event.Type {
					case events.TypeVoiceChunk:
						chunk, ok := event.Data.(events.VoiceChunk)
						if !ok {
							continue
						}
						if err := client.SendAudio(chunk.Audio); err != nil {
							logger.Warn("failed to send audio for transcription", "error", err)
						}
					case events.TypeVoiceEnded:
						if err := client.Finalize(); err != nil {
							logger.Warn("failed to finalize utterance", "error", err)
						}
					}
				}
				return nil
			},
		}},
		OnError: func(err error) {
			logger.Error("stt plugin error", "error", err)
		},
	}
}
