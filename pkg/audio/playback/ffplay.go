package playback

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/vango-go/vai-call/pkg/audio"
)

// FFPlayOutput renders through an ffplay child process reading s16le on stdin.
// Discard restarts the process, which is the only way to drop what ffplay has
// already buffered.
type FFPlayOutput struct {
	Path     string
	LogLevel string
	Volume   int
	Tick     time.Duration
	Logger   *slog.Logger

	mu     sync.Mutex
	format audio.Format
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	pacer  *pacer
}

// NewFFPlayOutput returns an output using the ffplay binary at path.
func NewFFPlayOutput(path string, volume int, logger *slog.Logger) *FFPlayOutput {
	return &FFPlayOutput{Path: path, Volume: volume, Logger: logger}
}

func (o *FFPlayOutput) defaults() {
	if strings.TrimSpace(o.Path) == "" {
		o.Path = "ffplay"
	}
	if strings.TrimSpace(o.LogLevel) == "" {
		o.LogLevel = "error"
	}
	if o.Volume <= 0 {
		o.Volume = 80
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

func (o *FFPlayOutput) Open(format audio.Format, src io.Reader) error {
	o.mu.Lock()
	o.defaults()
	o.format = format
	err := o.startLocked()
	o.mu.Unlock()
	if err != nil {
		return err
	}

	pc := startPacer(format, o.Tick, src, o.write)
	o.mu.Lock()
	o.pacer = pc
	o.mu.Unlock()
	return nil
}

func (o *FFPlayOutput) startLocked() error {
	if o.cmd != nil && o.cmd.Process != nil {
		return nil
	}
	// ffplay takes -ch_layout rather than ffmpeg's -ac.
	chLayout := "mono"
	if o.format.Channels == 2 {
		chLayout = "stereo"
	}
	args := []string{
		"-hide_banner",
		"-loglevel", o.LogLevel,
		"-nostats",
		"-volume", fmt.Sprintf("%d", o.Volume),
		"-nodisp",
		"-f", "s16le",
		"-ch_layout", chLayout,
		"-ar", fmt.Sprintf("%d", o.format.SampleRate),
		"-i", "-",
	}
	cmd := exec.Command(o.Path, args...)
	if runtime.GOOS == "darwin" && os.Getenv("SDL_AUDIODRIVER") == "" {
		// SDL can otherwise settle on a dummy backend with no sound.
		cmd.Env = append(os.Environ(), "SDL_AUDIODRIVER=coreaudio")
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return err
	}
	o.Logger.Debug("ffplay started", "pid", cmd.Process.Pid, "args", strings.Join(args, " "))

	o.cmd = cmd
	o.stdin = stdin
	go func(c *exec.Cmd) {
		_ = c.Wait()
		o.mu.Lock()
		if o.cmd == c {
			o.cmd = nil
			o.stdin = nil
		}
		o.mu.Unlock()
	}(cmd)
	return nil
}

// write runs on the pacer goroutine. Holding mu across the pipe write keeps
// Discard from interleaving a restart with a chunk in flight.
func (o *FFPlayOutput) write(p []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stdin == nil {
		return
	}
	if _, err := o.stdin.Write(p); err != nil {
		o.Logger.Warn("ffplay write failed", "error", err)
	}
}

func (o *FFPlayOutput) Discard() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closeLocked()
	return o.startLocked()
}

func (o *FFPlayOutput) Close() error {
	o.mu.Lock()
	pc := o.pacer
	o.pacer = nil
	o.mu.Unlock()
	if pc != nil {
		pc.Stop()
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.closeLocked()
	return nil
}

func (o *FFPlayOutput) closeLocked() {
	if o.stdin != nil {
		_ = o.stdin.Close()
	}
	if o.cmd != nil && o.cmd.Process != nil {
		_ = o.cmd.Process.Kill()
	}
	o.cmd = nil
	o.stdin = nil
}
