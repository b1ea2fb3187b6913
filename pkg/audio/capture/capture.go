// Package capture acquires microphone audio, slices it into fixed-duration
// frames and hands them to a sink without ever blocking the device.
//
// A Device pushes raw PCM from its own callback goroutine. The Pipeline frames
// that PCM and queues it on a bounded channel; a single delivery goroutine
// drains the channel into the sink in capture order. When the sink falls
// behind, the oldest queued frame is dropped, never the device callback.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vango-go/vai-call/pkg/audio"
	"github.com/vango-go/vai-call/pkg/core"
	"github.com/vango-go/vai-call/pkg/metrics"
)

var (
	// ErrPermissionDenied is returned when the platform refuses microphone access.
	ErrPermissionDenied = errors.New("microphone permission denied")
	// ErrDeviceUnavailable is returned when no usable input device exists.
	ErrDeviceUnavailable = errors.New("input device unavailable")
)

// Callbacks receive data and failures from a Device.
type Callbacks struct {
	// Data is called from the device goroutine with raw PCM16. The slice is
	// only valid for the duration of the call.
	Data func(pcm []byte)
	// Stopped is called at most once if the device stops on its own.
	Stopped func(err error)
}

// Device is an exclusive input audio device session.
type Device interface {
	Start(ctx context.Context, format audio.Format, cb Callbacks) error
	// Stop releases the device. No Data callbacks run after it returns.
	Stop() error
}

// Config configures framing and queueing.
type Config struct {
	Format        audio.Format
	FrameDuration time.Duration
	QueueFrames   int
}

func (c Config) withDefaults() Config {
	if c.Format.SampleRate <= 0 {
		c.Format.SampleRate = audio.DefaultSampleRate
	}
	if c.Format.Channels <= 0 {
		c.Format.Channels = 1
	}
	if c.FrameDuration <= 0 {
		c.FrameDuration = 20 * time.Millisecond
	}
	if c.QueueFrames <= 0 {
		c.QueueFrames = 50
	}
	return c
}

// Pipeline owns one capture device and at most one running Handle.
type Pipeline struct {
	dev     Device
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	active *Handle
}

// New creates a capture pipeline over dev.
func New(dev Device, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		dev:     dev,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		metrics: m,
	}
}

// Format returns the frame format the pipeline produces.
func (p *Pipeline) Format() audio.Format {
	return p.cfg.Format
}

// Start opens the device and begins delivering frames to sink. Permission and
// device failures are classified as core.KindPermission and core.KindDevice
// and are not retried.
func (p *Pipeline) Start(ctx context.Context, sink func(audio.Frame)) (*Handle, error) {
	if sink == nil {
		return nil, core.NewStateError("capture.start", "sink must not be nil")
	}
	if err := p.cfg.Format.Validate(); err != nil {
		return nil, core.NewStateError("capture.start", "invalid capture format: %v", err)
	}

	p.mu.Lock()
	if p.active != nil {
		p.mu.Unlock()
		return nil, core.NewStateError("capture.start", "capture already running")
	}
	h := &Handle{
		p:          p,
		sink:       sink,
		frameBytes: p.cfg.Format.BytesFor(p.cfg.FrameDuration),
		queue:      make(chan audio.Frame, p.cfg.QueueFrames),
		errCh:      make(chan error, 1),
		done:       make(chan struct{}),
	}
	if h.frameBytes <= 0 {
		h.frameBytes = p.cfg.Format.BlockAlign()
	}
	p.active = h
	p.mu.Unlock()

	go h.deliver()

	err := p.dev.Start(ctx, p.cfg.Format, Callbacks{
		Data:    h.onData,
		Stopped: h.onDeviceStopped,
	})
	if err != nil {
		h.closeQueue()
		<-h.done
		p.mu.Lock()
		p.active = nil
		p.mu.Unlock()
		return nil, classify("capture.start", err)
	}

	p.logger.Debug("capture started",
		"format", p.cfg.Format.String(),
		"frame_ms", p.cfg.FrameDuration.Milliseconds(),
		"queue_frames", p.cfg.QueueFrames,
	)
	return h, nil
}

// Stop is shorthand for h.Stop.
func (p *Pipeline) Stop(h *Handle) error {
	if h == nil {
		return nil
	}
	return h.Stop()
}

// Handle is one running capture.
type Handle struct {
	p          *Pipeline
	sink       func(audio.Frame)
	frameBytes int

	// pending is only touched from the device callback goroutine.
	pending []byte

	cbMu    sync.Mutex // orders queue sends against closeQueue
	closed  bool
	queue   chan audio.Frame
	stopped atomic.Bool

	lastRMS   atomic.Uint64
	delivered atomic.Int64
	dropped   atomic.Int64

	errCh    chan error
	done     chan struct{}
	stopOnce sync.Once
	stopErr  error
}

func (h *Handle) onData(pcm []byte) {
	if h.stopped.Load() || len(pcm) == 0 {
		return
	}
	h.pending = append(h.pending, pcm...)
	for len(h.pending) >= h.frameBytes {
		buf := make([]byte, h.frameBytes)
		copy(buf, h.pending[:h.frameBytes])
		h.pending = h.pending[h.frameBytes:]
		h.lastRMS.Store(math.Float64bits(audio.RMSPCM16(buf)))
		h.enqueue(audio.Frame{Format: h.p.cfg.Format, PCM: buf})
	}
	if len(h.pending) == 0 {
		h.pending = h.pending[:0:0]
	}
}

func (h *Handle) enqueue(f audio.Frame) {
	h.cbMu.Lock()
	defer h.cbMu.Unlock()
	if h.closed {
		return
	}
	select {
	case h.queue <- f:
		return
	default:
	}
	// Full: drop the oldest frame so the newest audio wins.
	select {
	case <-h.queue:
		h.dropped.Add(1)
		h.p.metrics.RecordCaptureFrame("dropped")
	default:
	}
	select {
	case h.queue <- f:
	default:
		h.dropped.Add(1)
		h.p.metrics.RecordCaptureFrame("dropped")
	}
}

func (h *Handle) deliver() {
	defer close(h.done)
	for f := range h.queue {
		if h.stopped.Load() {
			continue
		}
		h.sink(f)
		h.delivered.Add(1)
		h.p.metrics.RecordCaptureFrame("delivered")
		h.p.metrics.RecordAudio("in", len(f.PCM))
	}
}

func (h *Handle) onDeviceStopped(err error) {
	if h.stopped.Load() {
		return
	}
	if err == nil {
		err = errors.New("input device stopped")
	}
	h.p.logger.Warn("capture device stopped unexpectedly", "error", err)
	select {
	case h.errCh <- core.NewDeviceError("capture.device", err):
	default:
	}
}

func (h *Handle) closeQueue() {
	h.cbMu.Lock()
	defer h.cbMu.Unlock()
	if !h.closed {
		h.closed = true
		close(h.queue)
	}
}

// Stop releases the device and waits for the delivery goroutine. No frame
// reaches the sink after Stop returns. It must not be called from the sink.
func (h *Handle) Stop() error {
	if h == nil {
		return nil
	}
	h.stopOnce.Do(func() {
		h.stopped.Store(true)
		if err := h.p.dev.Stop(); err != nil {
			h.stopErr = core.NewDeviceError("capture.stop", err)
		}
		h.closeQueue()
		<-h.done
		h.lastRMS.Store(0)

		h.p.mu.Lock()
		if h.p.active == h {
			h.p.active = nil
		}
		h.p.mu.Unlock()

		h.p.logger.Debug("capture stopped",
			"frames_delivered", h.delivered.Load(),
			"frames_dropped", h.dropped.Load(),
		)
	})
	return h.stopErr
}

// Err yields a device error if the device stops on its own.
func (h *Handle) Err() <-chan error {
	return h.errCh
}

// Amplitude returns the RMS of the most recent captured frame, or 0 once stopped.
func (h *Handle) Amplitude() float64 {
	if h == nil || h.stopped.Load() {
		return 0
	}
	return math.Float64frombits(h.lastRMS.Load())
}

// Stats returns frame counters.
func (h *Handle) Stats() (delivered, dropped int64) {
	return h.delivered.Load(), h.dropped.Load()
}

// classify maps device start failures onto the error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if core.KindOf(err) != "" {
		return err
	}
	if errors.Is(err, ErrPermissionDenied) {
		return core.NewPermissionError(op, err)
	}
	if errors.Is(err, ErrDeviceUnavailable) {
		return core.NewDeviceError(op, err)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission"), strings.Contains(msg, "access denied"), strings.Contains(msg, "not authorized"):
		return core.NewPermissionError(op, fmt.Errorf("%w: %v", ErrPermissionDenied, err))
	default:
		return core.NewDeviceError(op, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err))
	}
}
