// Package wavrec records PCM16 frames to a WAV file.
package wavrec

import (
	"fmt"
	"os"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/vango-go/vai-call/pkg/audio"
)

// Recorder appends frames of one format to a WAV file. It is safe for
// concurrent use.
type Recorder struct {
	mu      sync.Mutex
	file    *os.File
	enc     *wav.Encoder
	format  audio.Format
	written int
	closed  bool
}

// Create opens path for writing, truncating any existing file.
func Create(path string, format audio.Format) (*Recorder, error) {
	if err := format.Validate(); err != nil {
		return nil, fmt.Errorf("wav format: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create wav: %w", err)
	}
	return &Recorder{
		file:   file,
		enc:    wav.NewEncoder(file, format.SampleRate, 16, format.Channels, 1),
		format: format,
	}, nil
}

// Write appends f. Frames in another format are rejected.
func (r *Recorder) Write(f audio.Frame) error {
	if len(f.PCM)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("wav recorder closed")
	}
	if f.Format != r.format {
		return fmt.Errorf("frame format %s does not match recording format %s", f.Format, r.format)
	}
	if len(f.PCM) == 0 {
		return nil
	}
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: r.format.Channels, SampleRate: r.format.SampleRate},
		Data:           audio.Samples(f.PCM),
		SourceBitDepth: 16,
	}
	if err := r.enc.Write(buf); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	r.written += len(f.PCM)
	return nil
}

// Duration returns the recorded play time.
func (r *Recorder) Duration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.format.Duration(r.written)
}

// Close finalizes the WAV header and closes the file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	encErr := r.enc.Close()
	fileErr := r.file.Close()
	if encErr != nil {
		return fmt.Errorf("close wav encoder: %w", encErr)
	}
	return fileErr
}
