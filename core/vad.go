package orchestration

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/koscakluka/aria-core/core/audio"
	"github.com/koscakluka/aria-core/core/eventqueue"
	"github.com/koscakluka/aria-core/core/events"
)

const vadPluginName = "vad"

// VoiceActivityDetector scores a single audio frame with the probability that
// it contains speech.
type VoiceActivityDetector interface {
	CheckActivity(frame []byte) (probability float64, err error)
}

type VADConfig struct {
	// ActivationThreshold opens a voice segment, DeactivationThreshold closes
	// it. Keeping them apart gives the detector hysteresis so a segment does
	// not flap around a single threshold.
	ActivationThreshold   float64
	DeactivationThreshold float64

	// ActivationFrames and DeactivationFrames are how many consecutive frames
	// must agree before the segment state flips.
	ActivationFrames   int
	DeactivationFrames int

	// PreRollFrames are replayed at segment start, PostRollFrames trail the
	// segment end, both tagged as padding so downstream consumers can tell
	// them from confirmed speech.
	PreRollFrames  int
	PostRollFrames int

	// InterruptWindow and MinInterruptDuration control barge-in while the
	// agent is speaking: once the speech-positive frames inside the sliding
	// window add up to MinInterruptDuration, an interrupt is raised. The
	// window keeps a burst of stale detections from triggering long after
	// the audio that caused them.
	InterruptWindow      time.Duration
	MinInterruptDuration time.Duration

	// InterruptBuffer bounds how much audio is held back while the agent
	// speaks, to be replayed once an interrupt fires.
	InterruptBuffer time.Duration

	EncodingInfo audio.EncodingInfo
}

func (c *VADConfig) applyDefaults() {
	if c.ActivationThreshold == 0 {
		c.ActivationThreshold = 0.6
	}
	if c.DeactivationThreshold == 0 {
		c.DeactivationThreshold = 0.4
	}
	if c.ActivationFrames == 0 {
		c.ActivationFrames = 3
	}
	if c.DeactivationFrames == 0 {
		c.DeactivationFrames = 25
	}
	if c.PreRollFrames == 0 {
		c.PreRollFrames = 10
	}
	if c.PostRollFrames == 0 {
		c.PostRollFrames = 5
	}
	if c.InterruptWindow == 0 {
		c.InterruptWindow = 500 * time.Millisecond
	}
	if c.MinInterruptDuration == 0 {
		c.MinInterruptDuration = 250 * time.Millisecond
	}
	if c.InterruptBuffer == 0 {
		c.InterruptBuffer = 2 * time.Second
	}
	if c.EncodingInfo.IsZero() {
		c.EncodingInfo = audio.GetDefaultEncodingInfo()
	}
}

func (c VADConfig) validate() error {
	var errs []error
	if c.ActivationThreshold <= c.DeactivationThreshold {
		errs = append(errs, fmt.Errorf("activation threshold (%v) must be above deactivation threshold (%v)", c.ActivationThreshold, c.DeactivationThreshold))
	}
	if c.ActivationThreshold > 1 || c.DeactivationThreshold < 0 {
		errs = append(errs, errors.New("thresholds must stay within [0, 1]"))
	}
	if c.MinInterruptDuration > c.InterruptWindow {
		errs = append(errs, fmt.Errorf("minimum interrupt duration (%v) must fit inside the interrupt window (%v)", c.MinInterruptDuration, c.InterruptWindow))
	}
	return errors.Join(errs...)
}

// EnergyDetector is the built-in detector: root mean square energy of 16-bit
// little-endian PCM, squashed into a probability against a reference level.
type EnergyDetector struct {
	// Reference is the RMS amplitude mapped to probability 0.5.
	Reference float64
}

func NewEnergyDetector() *EnergyDetector {
	return &EnergyDetector{Reference: 1000}
}

func (d *EnergyDetector) CheckActivity(frame []byte) (float64, error) {
	if len(frame) < 2 {
		return 0, nil
	}

	var sum float64
	samples := len(frame) / 2
	for i := 0; i+1 < len(frame); i += 2 {
		sample := float64(int16(uint16(frame[i]) | uint16(frame[i+1])<<8))
		sum += sample * sample
	}
	rms := math.Sqrt(sum / float64(samples))

	reference := d.Reference
	if reference <= 0 {
		reference = 1000
	}
	return rms / (rms + reference), nil
}

func newVADPlugin(config VADConfig, detector VoiceActivityDetector) PluginConfig {
	return PluginConfig{
		Name:         vadPluginName,
		InitialState: State{"agentSpeaking": false},
		Effects: []Effect{
			{Type: events.TypeSpeakingStarted, Handle: func(state Mutable, _ events.Event) error {
				state.Set("agentSpeaking", true)
				return nil
			}},
			{Type: events.TypeSpeakingEnded, Handle: func(state Mutable, _ events.Event) error {
				state.Set("agentSpeaking", false)
				return nil
			}},
		},
		Services: []Service{{
			Name: "voice activity detection",
			Run: func(ctx context.Context, feed *eventqueue.Queue[events.Event], plugin *Plugin) error {
				segmenter := newVoiceSegmenter(config, detector, plugin)
				for event := range feed.Items {
					if event.Type != events.TypeAudioFrame {
						continue
					}
					frame, ok := event.Data.(events.AudioFrame)
					if !ok {
						continue
					}
					if err := segmenter.processFrame(frame.Audio); err != nil {
						logger.Warn("voice activity detection failed on frame", "error", err)
					}
				}
				segmenter.flush()
				return nil
			},
		}},
		OnError: func(err error) {
			logger.Error("vad plugin error", "error", err)
		},
	}
}

// voiceSegmenter turns a raw frame stream into voice segments with padding,
// and watches for barge-in while the agent is speaking.
type voiceSegmenter struct {
	config   VADConfig
	detector VoiceActivityDetector
	plugin   *Plugin

	active     bool
	chunkIndex int

	activeStreak   int
	inactiveStreak int

	preRoll [][]byte
	tail    [][]byte

	// interrupt tracking while the agent speaks
	window       []bool
	windowFrames int
	bufferFrames int
	interrupted  bool
	heldFrames   [][]byte
}

func newVoiceSegmenter(config VADConfig, detector VoiceActivityDetector, plugin *Plugin) *voiceSegmenter {
	return &voiceSegmenter{config: config, detector: detector, plugin: plugin}
}

func (s *voiceSegmenter) processFrame(frame []byte) error {
	probability, err := s.detector.CheckActivity(frame)
	if err != nil {
		return fmt.Errorf("failed to score frame: %w", err)
	}

	if s.agentSpeaking() {
		if !s.interrupted {
			s.observeWhileSpeaking(frame, probability >= s.config.ActivationThreshold)
			return nil
		}
	} else {
		s.interrupted = false
		s.window = nil
		s.heldFrames = nil
	}

	s.segment(frame, probability)
	return nil
}

func (s *voiceSegmenter) agentSpeaking() bool {
	speaking, _ := s.plugin.Context().Snapshot()["agentSpeaking"].(bool)
	return speaking
}

// observeWhileSpeaking holds frames back while the agent talks and raises an
// interrupt once enough of the recent window scores as speech. Held frames
// are replayed through segmentation afterwards so the start of the barge-in
// is not lost.
func (s *voiceSegmenter) observeWhileSpeaking(frame []byte, speech bool) {
	frameDuration := s.config.EncodingInfo.Duration(len(frame))
	if s.windowFrames == 0 {
		if frameDuration > 0 {
			s.windowFrames = int(s.config.InterruptWindow / frameDuration)
			s.bufferFrames = int(s.config.InterruptBuffer / frameDuration)
		}
		if s.windowFrames < 1 {
			s.windowFrames = 1
		}
		if s.bufferFrames < s.windowFrames {
			s.bufferFrames = s.windowFrames
		}
	}

	s.window = append(s.window, speech)
	if len(s.window) > s.windowFrames {
		s.window = s.window[1:]
	}
	s.heldFrames = append(s.heldFrames, frame)
	if len(s.heldFrames) > s.bufferFrames {
		s.heldFrames = s.heldFrames[1:]
	}

	var speechDuration time.Duration
	for _, hit := range s.window {
		if hit {
			speechDuration += frameDuration
		}
	}
	if speechDuration < s.config.MinInterruptDuration {
		return
	}

	s.interrupted = true
	s.window = nil
	if _, err := s.plugin.Emit(events.TypeInterrupt, events.Interrupt{Force: true}, WithUrgent()); err != nil {
		logger.Warn("failed to emit barge-in interrupt", "error", err)
	}

	held := s.heldFrames
	s.heldFrames = nil
	for _, heldFrame := range held {
		if probability, err := s.detector.CheckActivity(heldFrame); err == nil {
			s.segment(heldFrame, probability)
		}
	}
}

func (s *voiceSegmenter) segment(frame []byte, probability float64) {
	if !s.active {
		if probability >= s.config.ActivationThreshold {
			s.activeStreak++
		} else {
			s.activeStreak = 0
		}

		s.preRoll = append(s.preRoll, frame)
		overflow := len(s.preRoll) - s.config.PreRollFrames - s.activeStreak
		if overflow > 0 {
			s.preRoll = s.preRoll[overflow:]
		}

		if s.activeStreak >= s.config.ActivationFrames {
			s.open()
		}
		return
	}

	if probability >= s.config.DeactivationThreshold {
		s.inactiveStreak = 0
		s.flushTail(events.PaddingNone)
		s.emitChunk(frame, events.PaddingNone)
		return
	}

	s.inactiveStreak++
	s.tail = append(s.tail, frame)
	if s.inactiveStreak >= s.config.DeactivationFrames {
		s.close()
	}
}

// open starts a segment: voice.started, then the buffered lead-in as pre
// padding, then the frames that triggered activation as confirmed speech.
func (s *voiceSegmenter) open() {
	s.active = true
	s.chunkIndex = 0
	s.inactiveStreak = 0

	if _, err := s.plugin.Emit(events.TypeVoiceStarted, nil); err != nil {
		logger.Warn("failed to emit voice segment start", "error", err)
	}

	confirmed := s.activeStreak
	if confirmed > len(s.preRoll) {
		confirmed = len(s.preRoll)
	}
	padding := s.preRoll[:len(s.preRoll)-confirmed]
	speech := s.preRoll[len(s.preRoll)-confirmed:]
	for _, frame := range padding {
		s.emitChunk(frame, events.PaddingPre)
	}
	for _, frame := range speech {
		s.emitChunk(frame, events.PaddingNone)
	}

	s.preRoll = nil
	s.activeStreak = 0
}

// close ends a segment: the trailing quiet frames are emitted as post
// padding, capped at PostRollFrames, then voice.ended.
func (s *voiceSegmenter) close() {
	if len(s.tail) > s.config.PostRollFrames {
		s.tail = s.tail[:s.config.PostRollFrames]
	}
	s.flushTail(events.PaddingPost)

	if _, err := s.plugin.Emit(events.TypeVoiceEnded, nil); err != nil {
		logger.Warn("failed to emit voice segment end", "error", err)
	}

	s.active = false
	s.activeStreak = 0
	s.inactiveStreak = 0
	s.interrupted = false
}

func (s *voiceSegmenter) flushTail(padding events.PaddingTag) {
	for _, frame := range s.tail {
		s.emitChunk(frame, padding)
	}
	s.tail = nil
}

func (s *voiceSegmenter) emitChunk(frame []byte, padding events.PaddingTag) {
	chunk := events.VoiceChunk{Audio: frame, Padding: padding, Index: s.chunkIndex}
	s.chunkIndex++
	if _, err := s.plugin.Emit(events.TypeVoiceChunk, chunk); err != nil {
		logger.Warn("failed to emit voice chunk", "error", err)
	}
}

// flush closes any segment still open when the frame stream ends.
func (s *voiceSegmenter) flush() {
	if s.active {
		s.close()
	}
}
