package audio

// FIFO is a bounded byte ring buffer with one reader and one writer.
// It is not safe for concurrent use; the owner serializes access.
type FIFO struct {
	buf  []byte
	head int // next byte to read
	size int // bytes queued
}

// NewFIFO creates a FIFO holding up to capacity bytes.
func NewFIFO(capacity int) *FIFO {
	if capacity < BytesPerSample {
		capacity = BytesPerSample
	}
	capacity -= capacity % BytesPerSample
	return &FIFO{buf: make([]byte, capacity)}
}

// Write appends p. When p does not fit, the oldest queued bytes are discarded
// to make room and their count is returned. Discards happen in whole samples.
func (q *FIFO) Write(p []byte) (dropped int) {
	capacity := len(q.buf)
	if len(p) > capacity {
		dropped = q.size + len(p) - capacity
		p = p[len(p)-capacity:]
		q.head = 0
		q.size = 0
	} else if over := q.size + len(p) - capacity; over > 0 {
		if r := over % BytesPerSample; r != 0 {
			over += BytesPerSample - r
		}
		q.discard(over)
		dropped = over
	}

	tail := (q.head + q.size) % capacity
	n := copy(q.buf[tail:], p)
	if n < len(p) {
		copy(q.buf, p[n:])
	}
	q.size += len(p)
	return dropped
}

// Read moves up to len(p) queued bytes into p.
func (q *FIFO) Read(p []byte) int {
	if q.size == 0 || len(p) == 0 {
		return 0
	}
	want := len(p)
	if want > q.size {
		want = q.size
	}
	n := copy(p[:want], q.buf[q.head:])
	if n < want {
		n += copy(p[n:want], q.buf)
	}
	q.discard(n)
	return n
}

func (q *FIFO) discard(n int) {
	if n > q.size {
		n = q.size
	}
	q.head = (q.head + n) % len(q.buf)
	q.size -= n
	if q.size == 0 {
		q.head = 0
	}
}

// Len returns the number of queued bytes.
func (q *FIFO) Len() int { return q.size }

// Cap returns the capacity in bytes.
func (q *FIFO) Cap() int { return len(q.buf) }

// Reset drops everything queued.
func (q *FIFO) Reset() {
	q.head = 0
	q.size = 0
}
