package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// Samples decodes PCM16 LE bytes into ints, the sample type used by WAV encoders.
func Samples(pcm []byte) []int {
	out := make([]int, len(pcm)/2)
	for i := range out {
		out[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return out
}

// Normalize decodes PCM16 LE bytes into floats in [-1, 1).
func Normalize(pcm []byte) []float64 {
	out := make([]float64, len(pcm)/2)
	for i := range out {
		out[i] = float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
	}
	return out
}

// SineTone renders a mono sine at freqHz for d. amp is clamped to (0, 1].
func SineTone(freqHz int, sampleRate int, d time.Duration, amp float64) []byte {
	if sampleRate <= 0 || d <= 0 || freqHz <= 0 {
		return nil
	}
	if amp <= 0 {
		amp = 0.2
	}
	if amp > 1.0 {
		amp = 1.0
	}
	samples := int(float64(sampleRate) * d.Seconds())
	if samples <= 0 {
		samples = 1
	}
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		t := float64(i) / float64(sampleRate)
		v := amp * math.Sin(2*math.Pi*float64(freqHz)*t)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v*32767.0)))
	}
	return out
}
