package playback

import (
	"io"
	"sync"
	"time"

	"github.com/vango-go/vai-call/pkg/audio"
)

// pacer pulls fixed-size chunks from a reader on a ticker, emulating a device
// that consumes audio in real time.
type pacer struct {
	src   io.Reader
	tick  time.Duration
	chunk int
	sink  func([]byte)

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func startPacer(format audio.Format, tick time.Duration, src io.Reader, sink func([]byte)) *pacer {
	if tick <= 0 {
		tick = 20 * time.Millisecond
	}
	chunk := format.BytesFor(tick)
	if chunk <= 0 {
		chunk = format.BlockAlign()
	}
	pc := &pacer{
		src:   src,
		tick:  tick,
		chunk: chunk,
		sink:  sink,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go pc.run()
	return pc
}

func (pc *pacer) run() {
	defer close(pc.done)
	ticker := time.NewTicker(pc.tick)
	defer ticker.Stop()

	buf := make([]byte, pc.chunk)
	for {
		select {
		case <-pc.stop:
			return
		case <-ticker.C:
		}
		n, err := io.ReadFull(pc.src, buf)
		if n > 0 && pc.sink != nil {
			pc.sink(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

func (pc *pacer) Stop() {
	pc.once.Do(func() { close(pc.stop) })
	<-pc.done
}

// DiscardOutput consumes audio in real time without producing sound. It keeps
// the render path honest in headless runs and tests.
type DiscardOutput struct {
	Tick time.Duration

	mu    sync.Mutex
	pacer *pacer
}

func (o *DiscardOutput) Open(format audio.Format, src io.Reader) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pacer != nil {
		o.pacer.Stop()
	}
	o.pacer = startPacer(format, o.Tick, src, nil)
	return nil
}

func (o *DiscardOutput) Discard() error { return nil }

func (o *DiscardOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pacer != nil {
		o.pacer.Stop()
		o.pacer = nil
	}
	return nil
}
