package audio

import "time"

const (
	DefaultSampleRate = 16000
	DefaultFormat     = "linear16"
)

func GetDefaultEncodingInfo() EncodingInfo {
	return EncodingInfo{SampleRate: DefaultSampleRate, Format: encodingFormat(DefaultFormat)}
}

type EncodingInfo struct {
	SampleRate int
	Format     encodingFormat
}

func (e EncodingInfo) IsZero() bool {
	return e.SampleRate == 0 || e.Format.Name() == ""
}

func (e EncodingInfo) SilenceValue() byte {
	switch e.Format {
	case EncodingALaw:
		return 0x55
	case EncodingMulaw:
		return 0xFF
	case EncodingLinear16:
		return 0
	}

	return 0
}

// Duration converts a raw byte count into the playback time it represents
// under this encoding.
func (e EncodingInfo) Duration(byteCount int) time.Duration {
	if e.IsZero() {
		return 0
	}
	return time.Duration(float64(byteCount) / float64(e.SampleRate) / float64(e.Format.ByteSize()) * float64(time.Second))
}

// Bytes converts a playback duration into the raw byte count it represents
// under this encoding.
func (e EncodingInfo) Bytes(duration time.Duration) int {
	if e.IsZero() {
		return 0
	}
	return int(float64(duration) / float64(time.Second) * float64(e.SampleRate) * float64(e.Format.ByteSize()))
}

type encodingFormat string

func (e encodingFormat) Name() string {
	return string(e)
}

func (e encodingFormat) ByteSize() int {
	switch e {
	case EncodingMulaw, EncodingALaw:
		return 1
	case EncodingLinear16:
		return 2
	}
	return -1
}

const (
	EncodingMulaw    encodingFormat = "mulaw"
	EncodingALaw     encodingFormat = "alaw"
	EncodingLinear16 encodingFormat = "linear16"
)
