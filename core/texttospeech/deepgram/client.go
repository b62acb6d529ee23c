package deepgram

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/koscakluka/aria-core/core/audio"
	"github.com/koscakluka/aria-core/core/texttospeech"
)

type Voice string

const (
	VoiceThalia  Voice = "aura-2-thalia-en"
	VoiceAsteria Voice = "aura-asteria-en"
	VoiceOrion   Voice = "aura-2-orion-en"
	VoiceLuna    Voice = "aura-luna-en"

	defaultVoice = VoiceThalia
)

func AvailableVoices() []Voice {
	return []Voice{VoiceThalia, VoiceAsteria, VoiceOrion, VoiceLuna}
}

// TextToSpeechClient opens streaming synthesis sessions against Deepgram's
// speak websocket, one per generation.
type TextToSpeechClient struct {
	apiKey string
	voice  Voice
}

type ClientOption func(*TextToSpeechClient)

func WithAPIKey(apiKey string) ClientOption {
	return func(c *TextToSpeechClient) { c.apiKey = apiKey }
}

func WithVoice(voice Voice) ClientOption {
	return func(c *TextToSpeechClient) { c.voice = voice }
}

// NewTextToSpeechClient prepares a client. Without WithAPIKey the key is
// read from DEEPGRAM_API_KEY when a stream opens.
func NewTextToSpeechClient(opts ...ClientOption) (*TextToSpeechClient, error) {
	client := &TextToSpeechClient{voice: defaultVoice}
	for _, opt := range opts {
		opt(client)
	}

	if !slices.Contains(AvailableVoices(), client.voice) {
		return nil, fmt.Errorf("invalid voice %q", client.voice)
	}
	return client, nil
}

// NewSpeechStream opens one synthesis session. The stream yields raw audio
// chunks tagged with their playback duration; text attribution is left to
// the caller.
func (c *TextToSpeechClient) NewSpeechStream(ctx context.Context, opts ...texttospeech.SynthesisOption) (texttospeech.SpeechStream, error) {
	options := texttospeech.SynthesisOptions{EncodingInfo: audio.GetDefaultEncodingInfo()}
	for _, opt := range opts {
		opt(&options)
	}

	voice := c.voice
	if options.Voice != "" {
		voice = Voice(options.Voice)
		if !slices.Contains(AvailableVoices(), voice) {
			return nil, fmt.Errorf("invalid voice %q", voice)
		}
	}

	apiKey := c.apiKey
	if apiKey == "" {
		var ok bool
		if apiKey, ok = os.LookupEnv("DEEPGRAM_API_KEY"); !ok {
			return nil, fmt.Errorf("deepgram api key not found")
		}
	}

	conn, err := connectWebsocket(apiKey, voice, options.EncodingInfo)
	if err != nil {
		return nil, fmt.Errorf("failed to open websocket: %w", err)
	}

	stream := newSpeechStream(conn, options.EncodingInfo)
	go stream.processIncomingMessages(ctx)
	return stream, nil
}

func connectWebsocket(apiKey string, voice Voice, encodingInfo audio.EncodingInfo) (*websocket.Conn, error) {
	urlValues := url.Values{}
	urlValues.Set("encoding", encodingInfo.Format.Name())
	urlValues.Set("sample_rate", strconv.Itoa(encodingInfo.SampleRate))
	urlValues.Set("model", string(voice))
	urlValues.Set("container", "none")

	conn, _, err := websocket.DefaultDialer.Dial(
		(&url.URL{
			Scheme: "wss",
			Host:   "api.deepgram.com", Path: "/v1/speak",
			RawQuery: urlValues.Encode(),
		}).String(),
		http.Header{"Authorization": {"token " + apiKey}})
	if err != nil {
		return nil, fmt.Errorf("failed to open socket connection to deepgram: %w", err)
	}

	return conn, nil
}
