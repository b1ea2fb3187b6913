// Package audio holds the PCM primitives shared by the capture and playback
// pipelines: frame format math, the amplitude estimator, the playback FIFO and
// the tap window.
//
// All audio is 16-bit signed little-endian PCM. Nothing in this package
// resamples; a rate mismatch between a device and a stream is a configuration
// error reported at setup.
package audio

import (
	"fmt"
	"time"
)

const (
	// BytesPerSample is the size of one 16-bit sample.
	BytesPerSample = 2

	// DefaultSampleRate matches the agent service's PCM16 stream rate.
	DefaultSampleRate = 24000
)

// Format describes a PCM16 stream.
type Format struct {
	SampleRate int `json:"sample_rate" yaml:"sample_rate"`
	Channels   int `json:"channels" yaml:"channels"`
}

// DefaultFormat returns 24 kHz mono.
func DefaultFormat() Format {
	return Format{SampleRate: DefaultSampleRate, Channels: 1}
}

// Validate reports whether the format is usable.
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be > 0")
	}
	if f.Channels <= 0 {
		return fmt.Errorf("channels must be > 0")
	}
	return nil
}

// BytesPerSecond returns the byte rate.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * BytesPerSample
}

// BlockAlign returns the size of one sample across all channels.
func (f Format) BlockAlign() int {
	return f.Channels * BytesPerSample
}

// BytesFor returns the byte count for d, rounded down to a whole block.
func (f Format) BytesFor(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	n := int(int64(f.BytesPerSecond()) * int64(d) / int64(time.Second))
	if align := f.BlockAlign(); align > 0 {
		n -= n % align
	}
	return n
}

// Duration returns the play time of n bytes.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 || n <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

func (f Format) String() string {
	return fmt.Sprintf("pcm_s16le/%dHz/%dch", f.SampleRate, f.Channels)
}

// Frame is a buffer of PCM16 samples in a known format.
type Frame struct {
	Format Format
	PCM    []byte
}

// Duration returns the frame's play time.
func (f Frame) Duration() time.Duration {
	return f.Format.Duration(len(f.PCM))
}
