package miniaudio

import (
	"bytes"
	"testing"
)

func TestPlaybackCallbackCarriesPendingAudioAcrossCalls(t *testing.T) {
	c := &playbackClient{}
	proc := c.processAudio(2)
	c.pendingAudio = []byte{1, 2, 3, 4, 5, 6}

	out := make([]byte, 4)
	proc(out, nil, 2)
	if !bytes.Equal(out, []byte{1, 2, 3, 4}) {
		t.Fatalf("expected the first call to fill from pending audio, got %v", out)
	}
	if !bytes.Equal(c.pendingAudio, []byte{5, 6}) {
		t.Fatalf("expected the remainder to carry over, got %v", c.pendingAudio)
	}

	out = make([]byte, 4)
	proc(out, nil, 2)
	if !bytes.Equal(out, []byte{5, 6, 0, 0}) {
		t.Fatalf("expected a short remainder to fill only its own bytes, got %v", out)
	}
	if len(c.pendingAudio) != 0 {
		t.Fatalf("expected pending audio to be drained, got %v", c.pendingAudio)
	}
}

func TestPlaybackCallbackLeavesOutputSilentWhenNothingIsPending(t *testing.T) {
	c := &playbackClient{}
	proc := c.processAudio(2)

	out := make([]byte, 4)
	proc(out, nil, 2)
	if !bytes.Equal(out, []byte{0, 0, 0, 0}) {
		t.Fatalf("expected untouched output with no pending audio, got %v", out)
	}
}

func TestPlaybackClearBufferDropsPendingAudio(t *testing.T) {
	c := &playbackClient{}
	c.pendingAudio = []byte{1, 2, 3}

	c.ClearBuffer()

	proc := c.processAudio(1)
	out := make([]byte, 3)
	proc(out, nil, 3)
	if !bytes.Equal(out, []byte{0, 0, 0}) {
		t.Fatalf("expected cleared audio not to play, got %v", out)
	}
}
