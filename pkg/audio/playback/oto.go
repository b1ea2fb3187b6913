package playback

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/vango-go/vai-call/pkg/audio"
)

// oto allows a single context per process.
var otoShared struct {
	once   sync.Once
	ctx    *oto.Context
	format audio.Format
	err    error
}

func otoContext(format audio.Format, buffer time.Duration) (*oto.Context, error) {
	otoShared.once.Do(func() {
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   format.SampleRate,
			ChannelCount: format.Channels,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   buffer,
		})
		if err != nil {
			otoShared.err = err
			return
		}
		<-ready
		otoShared.ctx = ctx
		otoShared.format = format
	})
	if otoShared.err != nil {
		return nil, otoShared.err
	}
	if otoShared.format != format {
		return nil, fmt.Errorf("audio output already running at %s, cannot open %s", otoShared.format, format)
	}
	return otoShared.ctx, nil
}

// OtoOutput renders through the platform mixer via oto.
type OtoOutput struct {
	// BufferSize is the device buffer. Smaller is lower latency but glitchier.
	BufferSize time.Duration

	mu     sync.Mutex
	ctx    *oto.Context
	src    io.Reader
	player *oto.Player
}

// NewOtoOutput returns an oto output with a 100 ms device buffer.
func NewOtoOutput() *OtoOutput {
	return &OtoOutput{BufferSize: 100 * time.Millisecond}
}

func (o *OtoOutput) Open(format audio.Format, src io.Reader) error {
	ctx, err := otoContext(format, o.BufferSize)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.player != nil {
		_ = o.player.Close()
	}
	o.ctx = ctx
	o.src = src
	o.player = o.newPlayerLocked(format)
	return nil
}

func (o *OtoOutput) newPlayerLocked(format audio.Format) *oto.Player {
	player := o.ctx.NewPlayer(o.src)
	if o.BufferSize > 0 {
		player.SetBufferSize(format.BytesFor(o.BufferSize))
	}
	player.Play()
	return player
}

// Discard stops the current player and starts a fresh one, dropping whatever
// oto had already pulled.
func (o *OtoOutput) Discard() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.player == nil {
		return nil
	}
	old := o.player
	old.Pause()
	old.Reset()
	err := old.Close()
	o.player = o.newPlayerLocked(otoShared.format)
	return err
}

func (o *OtoOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.player == nil {
		return nil
	}
	o.player.Pause()
	err := o.player.Close()
	o.player = nil
	return err
}
