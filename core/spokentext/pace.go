package spokentext

import (
	"sync"
	"time"
)

// DefaultPace is used before the first synthesis job has completed.
const DefaultPace = 75 * time.Millisecond

// PaceEstimator tracks a weighted running average of milliseconds of
// synthesized audio per spoken chunk. Each completed synthesis job
// contributes one sample (its duration divided by its chunk count) weighted
// by the job's total audio duration, so longer jobs dominate the average. It
// lives as long as its text-to-speech provider instance.
type PaceEstimator struct {
	mu sync.Mutex

	weightedSum float64
	totalWeight float64
}

func NewPaceEstimator() *PaceEstimator {
	return &PaceEstimator{}
}

// AddJob records one completed synthesis job.
func (e *PaceEstimator) AddJob(audioDuration time.Duration, chunkCount int) {
	if audioDuration <= 0 || chunkCount <= 0 {
		return
	}

	sample := float64(audioDuration) / float64(chunkCount)
	weight := float64(audioDuration)

	e.mu.Lock()
	e.weightedSum += sample * weight
	e.totalWeight += weight
	e.mu.Unlock()
}

// Pace returns the current estimate of audio duration per spoken chunk.
func (e *PaceEstimator) Pace() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.totalWeight == 0 {
		return DefaultPace
	}
	return time.Duration(e.weightedSum / e.totalWeight)
}

// HasEstimate reports whether at least one job has been recorded.
func (e *PaceEstimator) HasEstimate() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.totalWeight > 0
}

// ChunksPlayed converts a played audio duration into how many spoken chunks
// it covers under the current pace.
func (e *PaceEstimator) ChunksPlayed(played time.Duration) int {
	pace := e.Pace()
	if pace <= 0 {
		return 0
	}
	return int(played / pace)
}
