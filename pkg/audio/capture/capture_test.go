package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/vango-go/vai-call/pkg/audio"
	"github.com/vango-go/vai-call/pkg/core"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeDevice struct {
	mu       sync.Mutex
	startErr error
	cb       Callbacks
	started  int
	stopped  int
}

func (d *fakeDevice) Start(_ context.Context, _ audio.Format, cb Callbacks) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.startErr != nil {
		return d.startErr
	}
	d.cb = cb
	d.started++
	return nil
}

func (d *fakeDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped++
	return nil
}

func (d *fakeDevice) push(pcm []byte) {
	d.mu.Lock()
	cb := d.cb
	d.mu.Unlock()
	cb.Data(pcm)
}

// numberedFrame returns a frame whose samples all equal n.
func numberedFrame(n int, frameBytes int) []byte {
	out := make([]byte, frameBytes)
	for i := 0; i+1 < len(out); i += 2 {
		binary.LittleEndian.PutUint16(out[i:], uint16(n))
	}
	return out
}

func frameNumber(f audio.Frame) int {
	return int(binary.LittleEndian.Uint16(f.PCM))
}

type recordingSink struct {
	mu     sync.Mutex
	frames []audio.Frame
	signal chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{signal: make(chan struct{}, 64)}
}

func (s *recordingSink) sink(f audio.Frame) {
	s.mu.Lock()
	s.frames = append(s.frames, f)
	s.mu.Unlock()
	s.signal <- struct{}{}
}

func (s *recordingSink) waitFor(t *testing.T, n int) []audio.Frame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		s.mu.Lock()
		got := len(s.frames)
		s.mu.Unlock()
		if got >= n {
			s.mu.Lock()
			defer s.mu.Unlock()
			return append([]audio.Frame(nil), s.frames...)
		}
		select {
		case <-s.signal:
		case <-deadline:
			t.Fatalf("timed out waiting for %d frames, got %d", n, got)
		}
	}
}

func TestPipeline_FramesInOrder(t *testing.T) {
	dev := &fakeDevice{}
	p := New(dev, Config{}, newLogger(), nil)
	rec := newRecordingSink()

	h, err := p.Start(context.Background(), rec.sink)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.Stop()

	frameBytes := audio.DefaultFormat().BytesFor(20 * time.Millisecond)
	var stream []byte
	for i := 1; i <= 4; i++ {
		stream = append(stream, numberedFrame(i, frameBytes)...)
	}
	// Device periods rarely line up with frame boundaries.
	for _, chunk := range []int{100, 1234, 7, 1500, 999} {
		dev.push(stream[:chunk])
		stream = stream[chunk:]
	}
	dev.push(stream)

	frames := rec.waitFor(t, 4)
	for i, f := range frames {
		if len(f.PCM) != frameBytes {
			t.Fatalf("frame %d has %d bytes, want %d", i, len(f.PCM), frameBytes)
		}
		if got := frameNumber(f); got != i+1 {
			t.Fatalf("frame %d = %d, want %d", i, got, i+1)
		}
		if f.Format != audio.DefaultFormat() {
			t.Fatalf("frame format = %v", f.Format)
		}
	}
}

func TestPipeline_FullQueueDropsOldest(t *testing.T) {
	dev := &fakeDevice{}
	p := New(dev, Config{QueueFrames: 2}, newLogger(), nil)

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	var mu sync.Mutex
	var got []int
	sink := func(f audio.Frame) {
		mu.Lock()
		got = append(got, frameNumber(f))
		first := len(got) == 1
		mu.Unlock()
		if first {
			entered <- struct{}{}
			<-release
		}
	}

	h, err := p.Start(context.Background(), sink)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	frameBytes := p.Format().BytesFor(20 * time.Millisecond)
	dev.push(numberedFrame(0, frameBytes))
	<-entered

	// The sink is stuck on frame 0; frames 1 and 2 are pushed out by 3 and 4.
	for i := 1; i <= 4; i++ {
		dev.push(numberedFrame(i, frameBytes))
	}
	close(release)

	if err := h.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	// Stop discards frames still queued, so only the prefix is guaranteed.
	if len(got) == 0 || got[0] != 0 {
		t.Fatalf("got frames %v", got)
	}
	for i := 1; i < len(got); i++ {
		if got[i] != i+2 {
			t.Fatalf("got frames %v, want [0 3 4] or a prefix", got)
		}
	}
	if _, dropped := h.Stats(); dropped != 2 {
		t.Fatalf("dropped = %d, want 2", dropped)
	}
}

func TestPipeline_NoFramesAfterStop(t *testing.T) {
	dev := &fakeDevice{}
	p := New(dev, Config{}, newLogger(), nil)
	rec := newRecordingSink()

	h, err := p.Start(context.Background(), rec.sink)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	frameBytes := p.Format().BytesFor(20 * time.Millisecond)
	dev.push(numberedFrame(1, frameBytes))
	rec.waitFor(t, 1)

	if err := h.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := h.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if dev.stopped != 1 {
		t.Fatalf("device stopped %d times, want 1", dev.stopped)
	}

	// A late device callback must not reach the sink.
	dev.push(numberedFrame(2, frameBytes))
	time.Sleep(20 * time.Millisecond)
	rec.mu.Lock()
	n := len(rec.frames)
	rec.mu.Unlock()
	if n != 1 {
		t.Fatalf("sink saw %d frames after stop, want 1", n)
	}
	if got := h.Amplitude(); got != 0 {
		t.Fatalf("Amplitude after stop = %v, want 0", got)
	}
}

func TestPipeline_StartErrorsAreClassified(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantKind core.ErrorKind
		wantIs   error
	}{
		{"permission sentinel", ErrPermissionDenied, core.KindPermission, ErrPermissionDenied},
		{"permission text", errors.New("Access denied by the operating system"), core.KindPermission, ErrPermissionDenied},
		{"missing device", errors.New("no such device"), core.KindDevice, ErrDeviceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := &fakeDevice{startErr: tt.err}
			p := New(dev, Config{}, newLogger(), nil)
			h, err := p.Start(context.Background(), func(audio.Frame) {})
			if h != nil {
				t.Fatalf("expected nil handle on failure")
			}
			if !core.IsKind(err, tt.wantKind) {
				t.Fatalf("kind = %q, want %q (err=%v)", core.KindOf(err), tt.wantKind, err)
			}
			if !errors.Is(err, tt.wantIs) {
				t.Fatalf("errors.Is(%v, %v) = false", err, tt.wantIs)
			}

			// A failed start leaves the pipeline reusable.
			dev.startErr = nil
			h, err = p.Start(context.Background(), func(audio.Frame) {})
			if err != nil {
				t.Fatalf("restart: %v", err)
			}
			_ = h.Stop()
		})
	}
}

func TestPipeline_DoubleStartIsStateError(t *testing.T) {
	p := New(&fakeDevice{}, Config{}, newLogger(), nil)
	h, err := p.Start(context.Background(), func(audio.Frame) {})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.Stop()

	if _, err := p.Start(context.Background(), func(audio.Frame) {}); !core.IsKind(err, core.KindState) {
		t.Fatalf("second Start err = %v, want state error", err)
	}
}

func TestPipeline_AmplitudeTracksLatestFrame(t *testing.T) {
	dev := &fakeDevice{}
	p := New(dev, Config{}, newLogger(), nil)
	rec := newRecordingSink()
	h, err := p.Start(context.Background(), rec.sink)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.Stop()

	if got := h.Amplitude(); got != 0 {
		t.Fatalf("Amplitude before audio = %v, want 0", got)
	}
	dev.push(audio.SineTone(440, audio.DefaultSampleRate, 20*time.Millisecond, 0.5))
	rec.waitFor(t, 1)
	if got := h.Amplitude(); got < 0.3 || got > 0.4 {
		t.Fatalf("Amplitude = %v, want ~0.35", got)
	}
}

func TestPipeline_DeviceStopSurfacesDeviceError(t *testing.T) {
	dev := &fakeDevice{}
	p := New(dev, Config{}, newLogger(), nil)
	h, err := p.Start(context.Background(), func(audio.Frame) {})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.Stop()

	dev.cb.Stopped(errors.New("unplugged"))
	select {
	case err := <-h.Err():
		if !core.IsKind(err, core.KindDevice) {
			t.Fatalf("err kind = %q, want device_error", core.KindOf(err))
		}
	case <-time.After(time.Second):
		t.Fatal("expected device error")
	}
}

func TestCommandDevice_ReadsStdout(t *testing.T) {
	if _, err := exec.LookPath("head"); err != nil {
		t.Skip("head not available")
	}
	// Two 20 ms frames of 24 kHz mono silence.
	dev := NewCommandDevice("head -c 1920 /dev/zero", newLogger())
	frameBytes := audio.DefaultFormat().BytesFor(20 * time.Millisecond)

	p := New(dev, Config{}, newLogger(), nil)
	rec := newRecordingSink()
	h, err := p.Start(context.Background(), rec.sink)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.Stop()

	frames := rec.waitFor(t, 2)
	for _, f := range frames {
		if len(f.PCM) != frameBytes {
			t.Fatalf("frame len = %d, want %d", len(f.PCM), frameBytes)
		}
	}
	select {
	case err := <-h.Err():
		if !core.IsKind(err, core.KindDevice) {
			t.Fatalf("err = %v, want device error once the command exits", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected device error after command exit")
	}
}

func TestCommandDevice_MissingBinary(t *testing.T) {
	dev := NewCommandDevice("definitely-not-a-real-binary-vai -f s16le -", newLogger())
	p := New(dev, Config{}, newLogger(), nil)
	_, err := p.Start(context.Background(), func(audio.Frame) {})
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("err = %v, want ErrDeviceUnavailable", err)
	}
}

func TestCommandDevice_Placeholders(t *testing.T) {
	dev := NewCommandDevice(`ffmpeg -i "my mic" -ac {channels} -ar {rate} -`, newLogger())
	args, err := dev.argv(audio.Format{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("argv: %v", err)
	}
	want := []string{"ffmpeg", "-i", "my mic", "-ac", "1", "-ar", "16000", "-"}
	if len(args) != len(want) {
		t.Fatalf("args = %q, want %q", args, want)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Fatalf("args = %q, want %q", args, want)
		}
	}
}
