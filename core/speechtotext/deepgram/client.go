package deepgram

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// TranscriptionClient is a live transcription session against Deepgram's
// listen websocket. One client drives one connection; audio goes in through
// SendAudio, transcripts come back through the callbacks registered at
// StartTranscription.
type TranscriptionClient struct {
	apiKey   string
	model    string
	language string

	connMu sync.Mutex
	conn   *websocket.Conn

	lastMsgTs             time.Time
	accumulatedTranscript string
	unendedSegment        bool
}

type ClientOption func(*TranscriptionClient)

func WithAPIKey(apiKey string) ClientOption {
	return func(c *TranscriptionClient) { c.apiKey = apiKey }
}

func WithModel(model string) ClientOption {
	return func(c *TranscriptionClient) { c.model = model }
}

func WithLanguage(language string) ClientOption {
	return func(c *TranscriptionClient) { c.language = language }
}

// NewTranscriptionClient prepares a client. Without WithAPIKey the key is
// read from DEEPGRAM_API_KEY when the session starts.
func NewTranscriptionClient(opts ...ClientOption) *TranscriptionClient {
	client := &TranscriptionClient{
		model:    "nova-3",
		language: "en-US",
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}
