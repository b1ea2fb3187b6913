package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// RMS returns sqrt(mean(x^2)) of samples normalized to [-1, 1].
// An empty window yields 0.
func RMS(window []float64) float64 {
	if len(window) == 0 {
		return 0
	}
	var sum float64
	for _, x := range window {
		sum += x * x
	}
	return math.Sqrt(sum / float64(len(window)))
}

// RMSPCM16 computes the RMS of 16-bit signed little-endian PCM, normalizing
// each sample by 32768. A trailing odd byte is ignored.
func RMSPCM16(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}

	var sum float64
	for i := 0; i+1 < len(pcm); i += 2 {
		normalized := float64(int16(binary.LittleEndian.Uint16(pcm[i:]))) / 32768.0
		sum += normalized * normalized
	}
	return math.Sqrt(sum / float64(samples))
}

// PeakPCM16 returns the maximum absolute amplitude in the PCM data, in [0, 1].
func PeakPCM16(pcm []byte) float64 {
	if len(pcm) < 2 {
		return 0
	}

	var maxAbs float64
	for i := 0; i+1 < len(pcm); i += 2 {
		// float64 avoids overflow when negating -32768
		abs := math.Abs(float64(int16(binary.LittleEndian.Uint16(pcm[i:]))))
		if abs > maxAbs {
			maxAbs = abs
		}
	}
	return maxAbs / 32768.0
}

// Source identifies which side of the call an amplitude sample measures.
type Source int

const (
	// Local is the microphone.
	Local Source = iota
	// Remote is agent playback.
	Remote
)

func (s Source) String() string {
	switch s {
	case Local:
		return "local"
	case Remote:
		return "remote"
	default:
		return "unknown"
	}
}

// AmplitudeSample is one loudness reading. Value is in [0, ~1.4]; it only
// exceeds 1 on clipped input.
type AmplitudeSample struct {
	Source Source
	Value  float64
	At     time.Time
}
