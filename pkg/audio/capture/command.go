package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"

	"github.com/vango-go/vai-call/pkg/audio"
)

// CommandDevice captures PCM16 from the stdout of an external command such as
// ffmpeg. The command line is split with shell quoting rules; the tokens
// {rate} and {channels} are replaced with the requested format.
type CommandDevice struct {
	Command string
	Logger  *slog.Logger

	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan struct{}
	stop bool
}

// NewCommandDevice returns a device that runs command.
func NewCommandDevice(command string, logger *slog.Logger) *CommandDevice {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandDevice{Command: command, Logger: logger}
}

// DefaultFFmpegCommand returns an ffmpeg invocation reading the platform's
// default microphone as raw s16le on stdout. device is platform specific: an
// avfoundation index on macOS, a pulse/alsa source on Linux, a dshow name on
// Windows.
func DefaultFFmpegCommand(device string) string {
	const tail = "-ac {channels} -ar {rate} -f s16le -"
	switch runtime.GOOS {
	case "darwin":
		if device == "" {
			device = "0"
		}
		// none:<index> avoids opening a camera.
		return fmt.Sprintf("ffmpeg -hide_banner -loglevel error -f avfoundation -i none:%s %s", device, tail)
	case "windows":
		if device == "" {
			device = "default"
		}
		return fmt.Sprintf("ffmpeg -hide_banner -loglevel error -f dshow -i %s %s", strconv.Quote("audio="+device), tail)
	default:
		if device == "" {
			device = "default"
		}
		return fmt.Sprintf("ffmpeg -hide_banner -loglevel error -f pulse -i %s %s", device, tail)
	}
}

func (d *CommandDevice) argv(format audio.Format) ([]string, error) {
	line := strings.TrimSpace(d.Command)
	if line == "" {
		return nil, fmt.Errorf("%w: capture command is empty", ErrDeviceUnavailable)
	}
	line = strings.NewReplacer(
		"{rate}", strconv.Itoa(format.SampleRate),
		"{channels}", strconv.Itoa(format.Channels),
	).Replace(line)

	args, err := shellwords.NewParser().Parse(line)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: capture command is empty", ErrDeviceUnavailable)
	}
	return args, nil
}

func (d *CommandDevice) Start(ctx context.Context, format audio.Format, cb Callbacks) error {
	args, err := d.argv(format)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cmd != nil {
		return fmt.Errorf("capture command already running")
	}

	// The process outlives the start context; Stop ends it.
	cmd := exec.Command(args[0], args[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
		}
		return err
	}

	d.cmd = cmd
	d.stop = false
	d.done = make(chan struct{})

	go d.logStderr(stderr)
	go d.readLoop(cmd, stdout, cb, d.done)
	return nil
}

func (d *CommandDevice) readLoop(cmd *exec.Cmd, stdout io.Reader, cb Callbacks, done chan struct{}) {
	defer close(done)

	reader := bufio.NewReaderSize(stdout, 64*1024)
	buf := make([]byte, 16*1024)
	var readErr error
	for {
		n, err := reader.Read(buf)
		if n > 0 && cb.Data != nil {
			cb.Data(buf[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				readErr = err
			}
			break
		}
	}
	waitErr := cmd.Wait()

	d.mu.Lock()
	stopped := d.stop
	d.mu.Unlock()
	if stopped || cb.Stopped == nil {
		return
	}
	if readErr == nil {
		readErr = waitErr
	}
	if readErr == nil {
		readErr = errors.New("capture command exited")
	}
	cb.Stopped(readErr)
}

func (d *CommandDevice) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		// Noisy macOS avfoundation warnings.
		if strings.Contains(line, "NSCameraUseContinuityCameraDeviceType") ||
			strings.Contains(line, "AVCaptureDeviceTypeExternal is deprecated") {
			continue
		}
		d.Logger.Warn("capture command", "stderr", line)
	}
}

func (d *CommandDevice) Stop() error {
	d.mu.Lock()
	cmd := d.cmd
	done := d.done
	if cmd == nil {
		d.mu.Unlock()
		return nil
	}
	d.stop = true
	d.cmd = nil
	d.mu.Unlock()

	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	<-done
	return nil
}
