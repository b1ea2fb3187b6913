// Package playback renders agent audio to an output device.
//
// Play enqueues PCM into a bounded ring. The output device pulls from the
// Player on its own real-time path, which never waits on the network or the
// session; when the ring is empty it renders silence. Flush implements
// barge-in: once it returns, no sample queued before the call is rendered.
package playback

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vango-go/vai-call/pkg/audio"
	"github.com/vango-go/vai-call/pkg/core"
	"github.com/vango-go/vai-call/pkg/metrics"
)

var (
	// ErrNotInitialized is returned by Play before Init has completed.
	ErrNotInitialized = errors.New("player not initialized")
	// ErrClosed is returned by Play after Close.
	ErrClosed = errors.New("player closed")
)

// Output is an output audio device session. Open hands the device a reader it
// pulls PCM from at its native rate.
type Output interface {
	Open(format audio.Format, src io.Reader) error
	// Discard drops audio the device has already pulled but not yet rendered.
	Discard() error
	Close() error
}

// Config tunes buffering.
type Config struct {
	Channels int
	// MaxBuffer bounds queued audio. Overflow drops the oldest audio.
	MaxBuffer time.Duration
	// Prebuffer is queued before rendering starts or resumes after running dry.
	Prebuffer time.Duration
	// PrebufferWait starts rendering anyway once the first queued byte is this old.
	PrebufferWait time.Duration
	// TapWindow is the span of rendered audio the amplitude tap keeps.
	TapWindow time.Duration
	// IdleAfter is how long after the last real sample the player reports idle.
	IdleAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.Channels <= 0 {
		c.Channels = 1
	}
	if c.MaxBuffer <= 0 {
		c.MaxBuffer = 60 * time.Second
	}
	if c.Prebuffer < 0 {
		c.Prebuffer = 0
	} else if c.Prebuffer == 0 {
		c.Prebuffer = 60 * time.Millisecond
	}
	if c.PrebufferWait <= 0 {
		c.PrebufferWait = 150 * time.Millisecond
	}
	if c.TapWindow <= 0 {
		c.TapWindow = 50 * time.Millisecond
	}
	if c.IdleAfter <= 0 {
		c.IdleAfter = 200 * time.Millisecond
	}
	return c
}

// Player is the playback pipeline. Its Read method is the render path.
type Player struct {
	out     Output
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu            sync.Mutex
	format        audio.Format
	ring          *audio.FIFO
	tap           *audio.Window
	prebufBytes   int
	ready         bool
	closed        bool
	opening       chan struct{}
	primed        bool
	firstQueuedAt time.Time

	lastReal atomic.Int64 // unix nanos of the last rendered real sample
}

// New creates a player that renders to out.
func New(out Output, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Player {
	if logger == nil {
		logger = slog.Default()
	}
	return &Player{
		out:     out,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// Init opens the output at sampleRate and returns once the device is ready to
// pull audio. Calling it again with the same rate is a no-op; a different rate
// while initialized is a state error. A closed player can be initialized again.
func (p *Player) Init(ctx context.Context, sampleRate int) error {
	format := audio.Format{SampleRate: sampleRate, Channels: p.cfg.Channels}
	if err := format.Validate(); err != nil {
		return core.NewStateError("playback.init", "invalid playback format: %v", err)
	}

	for {
		p.mu.Lock()
		if p.ready {
			cur := p.format
			p.mu.Unlock()
			if cur != format {
				return core.NewStateError("playback.init", "already initialized at %s, requested %s", cur, format)
			}
			return nil
		}
		if p.opening == nil {
			break
		}
		wait := p.opening
		p.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	opening := make(chan struct{})
	p.opening = opening
	p.closed = false
	p.format = format
	p.ring = audio.NewFIFO(format.BytesFor(p.cfg.MaxBuffer))
	p.tap = audio.NewWindow(format.BytesFor(p.cfg.TapWindow))
	p.prebufBytes = format.BytesFor(p.cfg.Prebuffer)
	p.primed = false
	p.mu.Unlock()

	result := make(chan error, 1)
	go func() { result <- p.out.Open(format, renderer{p}) }()

	var err error
	select {
	case err = <-result:
	case <-ctx.Done():
		err = ctx.Err()
		// The open keeps going; release the device once it lands.
		go func() {
			if openErr := <-result; openErr == nil {
				_ = p.out.Close()
			}
		}()
	}

	p.mu.Lock()
	p.opening = nil
	close(opening)
	if err == nil && p.closed {
		err = &core.Error{Kind: core.KindState, Op: "playback.init", Err: ErrClosed}
		p.mu.Unlock()
		_ = p.out.Close()
		return err
	}
	p.ready = err == nil
	p.mu.Unlock()

	if err != nil {
		if core.KindOf(err) == "" && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			err = core.NewDeviceError("playback.init", err)
		}
		return err
	}
	p.logger.Debug("playback initialized",
		"format", format.String(),
		"max_buffer", p.cfg.MaxBuffer,
		"prebuffer", p.cfg.Prebuffer,
	)
	return nil
}

// Format returns the initialized format.
func (p *Player) Format() audio.Format {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.format
}

// Play enqueues frame for rendering. It never blocks on the device.
func (p *Player) Play(frame audio.Frame) error {
	if len(frame.PCM)%audio.BytesPerSample != 0 {
		return core.NewDecodeError("playback.play", errors.New("pcm16 payload has odd length"))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.closed:
		return &core.Error{Kind: core.KindState, Op: "playback.play", Err: ErrClosed}
	case !p.ready:
		return &core.Error{Kind: core.KindState, Op: "playback.play", Err: ErrNotInitialized}
	case frame.Format != p.format:
		return core.NewStateError("playback.play", "frame format %s does not match player format %s", frame.Format, p.format)
	}
	if len(frame.PCM) == 0 {
		return nil
	}

	if p.ring.Len() == 0 && !p.primed {
		p.firstQueuedAt = p.now()
	}
	if dropped := p.ring.Write(frame.PCM); dropped > 0 {
		p.metrics.RecordPlaybackDropped(dropped)
		p.logger.Debug("playback buffer overflow", "dropped_bytes", dropped)
	}
	p.metrics.RecordAudio("out", len(frame.PCM))
	return nil
}

// render fills buf from the ring, padding with silence.
func (p *Player) render(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, io.EOF
	}
	n := 0
	if p.ring != nil {
		queued := p.ring.Len()
		if !p.primed && queued > 0 {
			if queued >= p.prebufBytes || p.now().Sub(p.firstQueuedAt) >= p.cfg.PrebufferWait {
				p.primed = true
			}
		}
		if p.primed {
			want := len(buf) - len(buf)%audio.BytesPerSample
			n = p.ring.Read(buf[:want])
			if p.ring.Len() == 0 {
				// Ran dry: wait for the next prebuffer before resuming.
				p.primed = false
				if n < want {
					p.metrics.RecordUnderrun()
				}
			}
		}
	}
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}

	if n > 0 {
		p.tap.Write(buf[:n])
		p.lastReal.Store(p.now().UnixNano())
	}
	return len(buf), nil
}

// Flush discards all queued audio. It is the barge-in primitive.
func (p *Player) Flush() error {
	p.mu.Lock()
	if p.ring != nil {
		p.ring.Reset()
	}
	if p.tap != nil {
		p.tap.Reset()
	}
	p.primed = false
	p.lastReal.Store(0)
	ready := p.ready
	p.mu.Unlock()

	if !ready {
		return nil
	}
	if err := p.out.Discard(); err != nil {
		return core.NewDeviceError("playback.flush", err)
	}
	return nil
}

// Playing reports whether audio is queued or real samples were rendered recently.
func (p *Player) Playing() bool {
	p.mu.Lock()
	queued := p.ring != nil && p.ring.Len() > 0
	p.mu.Unlock()
	if queued {
		return true
	}
	last := p.lastReal.Load()
	return last != 0 && p.now().Sub(time.Unix(0, last)) < p.cfg.IdleAfter
}

// Amplitude returns the RMS of the last rendered window, or 0 when idle.
func (p *Player) Amplitude() float64 {
	if !p.Playing() {
		return 0
	}
	p.mu.Lock()
	tap := p.tap
	p.mu.Unlock()
	if tap == nil {
		return 0
	}
	return tap.RMS()
}

// Buffered returns the play time of queued audio.
func (p *Player) Buffered() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ring == nil {
		return 0
	}
	return p.format.Duration(p.ring.Len())
}

// Close releases the output. It is idempotent.
func (p *Player) Close() error {
	p.mu.Lock()
	if p.closed || (!p.ready && p.opening == nil) {
		p.closed = true
		p.mu.Unlock()
		return nil
	}
	wasReady := p.ready
	p.closed = true
	p.ready = false
	p.primed = false
	if p.ring != nil {
		p.ring.Reset()
	}
	p.lastReal.Store(0)
	p.mu.Unlock()

	if !wasReady {
		// Init still in flight; it closes the output when the open lands.
		return nil
	}
	if err := p.out.Close(); err != nil {
		return core.NewDeviceError("playback.close", err)
	}
	return nil
}

// renderer is the io.Reader handed to outputs.
type renderer struct{ p *Player }

func (r renderer) Read(buf []byte) (int, error) { return r.p.render(buf) }
