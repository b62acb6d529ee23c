package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/koscakluka/aria-core/core/audio"
	"github.com/koscakluka/aria-core/core/texttospeech"
)

type chunkOrError struct {
	chunk texttospeech.SpeechChunk
	err   error
}

// speechStream is one live synthesis session. Text goes in through SendText,
// audio comes out of the Chunks iterator; EndOfText flushes the remaining
// buffered text and ends the stream once Deepgram confirms the flush.
type speechStream struct {
	ws       *websocket.Conn
	wsMu     sync.Mutex
	encoding audio.EncodingInfo

	mu           sync.Mutex
	textComplete bool
	cancelled    bool
	closed       bool

	chunks    chan chunkOrError
	closeOnce sync.Once
}

func newSpeechStream(conn *websocket.Conn, encoding audio.EncodingInfo) *speechStream {
	return &speechStream{
		ws:       conn,
		encoding: encoding,
		chunks:   make(chan chunkOrError, 64),
	}
}

func (s *speechStream) SendText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("speech stream closed")
	} else if s.cancelled {
		return fmt.Errorf("speech stream cancelled")
	} else if s.textComplete {
		return fmt.Errorf("speech stream text already completed")
	}

	if err := s.sendWebsocketMessage(speakMsg(text)); err != nil {
		return fmt.Errorf("failed to send websocket speak message: %w", err)
	}
	return nil
}

func (s *speechStream) EndOfText() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("speech stream closed")
	} else if s.cancelled {
		return fmt.Errorf("speech stream cancelled")
	}

	s.textComplete = true
	if err := s.sendWebsocketMessage(flushMsg); err != nil {
		return fmt.Errorf("failed to send websocket flush message: %w", err)
	}
	return nil
}

func (s *speechStream) Cancel() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("speech stream closed")
	}
	s.cancelled = true
	s.mu.Unlock()

	if err := s.sendWebsocketMessage(clearMsg); err != nil {
		return errors.Join(fmt.Errorf("failed to send websocket clear message: %w", err), s.close())
	}
	return s.close()
}

// Chunks yields synthesized audio in order until the stream ends; a failed
// session yields one final error item.
func (s *speechStream) Chunks(yield func(texttospeech.SpeechChunk, error) bool) {
	for item := range s.chunks {
		if !yield(item.chunk, item.err) {
			return
		}
	}
}

func (s *speechStream) close() error {
	var err error
	s.mu.Lock()
	alreadyClosed := s.closed
	s.closed = true
	s.mu.Unlock()

	if !alreadyClosed {
		if sendErr := s.sendWebsocketMessage(closeMsg); sendErr != nil {
			if aggressiveCloseErr := s.ws.Close(); aggressiveCloseErr != nil {
				err = fmt.Errorf("failed to close websocket: %w", errors.Join(sendErr, aggressiveCloseErr))
			}
		}
	}
	s.closeOnce.Do(func() { close(s.chunks) })
	return err
}

func (s *speechStream) processIncomingMessages(ctx context.Context) {
	defer s.close()

	for {
		msgType, msg, err := s.ws.ReadMessage()
		if err != nil {
			s.mu.Lock()
			expected := s.closed || s.cancelled
			s.mu.Unlock()
			if expected || err.Error() == "websocket: close 1000 (normal)" {
				return
			}
			log.Printf("Websocket read error: %v", err)
			s.deliver(chunkOrError{err: fmt.Errorf("speech stream failed: %w", err)})
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			if len(msg) == 0 {
				continue
			}
			s.deliver(chunkOrError{chunk: texttospeech.SpeechChunk{
				Audio:    msg,
				Duration: s.encoding.Duration(len(msg)),
			}})
		case websocket.TextMessage:
			var parsedMsg struct {
				Type string `json:"type"`
			}
			if err := json.Unmarshal(msg, &parsedMsg); err != nil {
				continue
			}

			switch parsedMsg.Type {
			case "Flushed":
				s.mu.Lock()
				done := s.textComplete
				s.mu.Unlock()
				if done {
					return
				}
			case "Close":
				return
			}
		}
	}
}

func (s *speechStream) deliver(item chunkOrError) {
	select {
	case s.chunks <- item:
	default:
		// The consumer stopped reading; dropping beats blocking the
		// websocket read loop.
	}
}

type websocketMessage struct {
	Type string `json:"type"`
}

type speakMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func speakMsg(text string) speakMessage {
	return speakMessage{Type: "Speak", Text: text}
}

var (
	flushMsg = websocketMessage{Type: "Flush"}
	clearMsg = websocketMessage{Type: "Clear"}
	closeMsg = websocketMessage{Type: "Close"}
)

func (s *speechStream) sendWebsocketMessage(msg any) error {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	if s.ws == nil {
		return fmt.Errorf("websocket connection closed")
	}

	if err := s.ws.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to write to websocket: %w", err)
	}
	return nil
}
