package audio

import "sync"

// Window is a fixed-size circular buffer holding the most recent bytes
// written to it. It automatically overwrites old data when full and is used as
// the amplitude tap for both pipelines.
type Window struct {
	mu       sync.Mutex
	data     []byte
	writePos int
	filled   int // how much of data has been written to
}

// NewWindow creates a window that holds size bytes.
func NewWindow(size int) *Window {
	if size < BytesPerSample {
		size = BytesPerSample
	}
	size -= size % BytesPerSample
	return &Window{data: make([]byte, size)}
}

// Write adds p, overwriting the oldest bytes if necessary.
func (w *Window) Write(p []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()

	size := len(w.data)
	if len(p) >= size {
		copy(w.data, p[len(p)-size:])
		w.writePos = 0
		w.filled = size
		return
	}
	n := copy(w.data[w.writePos:], p)
	if n < len(p) {
		copy(w.data, p[n:])
	}
	w.writePos = (w.writePos + len(p)) % size
	w.filled += len(p)
	if w.filled > size {
		w.filled = size
	}
}

// Snapshot returns the buffered bytes in chronological order.
func (w *Window) Snapshot() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.filled < len(w.data) {
		out := make([]byte, w.filled)
		copy(out, w.data[:w.filled])
		return out
	}

	// full: oldest byte sits at writePos
	out := make([]byte, len(w.data))
	first := copy(out, w.data[w.writePos:])
	copy(out[first:], w.data[:w.writePos])
	return out
}

// RMS returns the RMS of the buffered PCM16 samples.
func (w *Window) RMS() float64 {
	return RMSPCM16(w.Snapshot())
}

// Reset empties the window.
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writePos = 0
	w.filled = 0
}

// Filled returns how many bytes are buffered.
func (w *Window) Filled() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.filled
}
