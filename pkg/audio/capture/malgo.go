package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"

	"github.com/vango-go/vai-call/pkg/audio"
)

// MalgoDevice captures from a miniaudio input device.
type MalgoDevice struct {
	// Name selects an input device by case-insensitive substring match. Empty
	// selects the system default.
	Name string
	// PeriodMS is the device callback period. Defaults to 20.
	PeriodMS uint32

	mu       sync.Mutex
	ctx      *malgo.AllocatedContext
	device   *malgo.Device
	stopping atomic.Bool
}

// NewMalgoDevice returns a device that opens the named input, or the default when name is empty.
func NewMalgoDevice(name string) *MalgoDevice {
	return &MalgoDevice{Name: name}
}

func (d *MalgoDevice) Start(ctx context.Context, format audio.Format, cb Callbacks) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.device != nil {
		return fmt.Errorf("malgo device already started")
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{ThreadPriority: malgo.ThreadPriorityRealtime}, nil)
	if err != nil {
		return fmt.Errorf("%w: init audio context: %v", ErrDeviceUnavailable, err)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(format.Channels)
	cfg.SampleRate = uint32(format.SampleRate)
	cfg.PeriodSizeInMilliseconds = d.PeriodMS
	if cfg.PeriodSizeInMilliseconds == 0 {
		cfg.PeriodSizeInMilliseconds = 20
	}

	if d.Name != "" {
		info, err := findDevice(mctx, d.Name)
		if err != nil {
			_ = mctx.Uninit()
			mctx.Free()
			return err
		}
		cfg.Capture.DeviceID = info.ID.Pointer()
	}

	d.stopping.Store(false)
	callbacks := malgo.DeviceCallbacks{
		Data: func(_, in []byte, _ uint32) {
			if cb.Data != nil {
				cb.Data(in)
			}
		},
		Stop: func() {
			if d.stopping.Load() || cb.Stopped == nil {
				return
			}
			cb.Stopped(errors.New("input device stopped by the system"))
		},
	}

	dev, err := malgo.InitDevice(mctx.Context, cfg, callbacks)
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return fmt.Errorf("init input device: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		_ = mctx.Uninit()
		mctx.Free()
		return fmt.Errorf("start input device: %w", err)
	}

	d.ctx = mctx
	d.device = dev
	return nil
}

func (d *MalgoDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.device == nil {
		return nil
	}
	d.stopping.Store(true)

	// miniaudio's Stop waits for the in-flight data callback to return.
	err := d.device.Stop()
	d.device.Uninit()
	d.device = nil

	if d.ctx != nil {
		if uerr := d.ctx.Uninit(); uerr != nil && err == nil {
			err = uerr
		}
		d.ctx.Free()
		d.ctx = nil
	}
	return err
}

func findDevice(mctx *malgo.AllocatedContext, name string) (malgo.DeviceInfo, error) {
	infos, err := mctx.Devices(malgo.Capture)
	if err != nil {
		return malgo.DeviceInfo{}, fmt.Errorf("%w: enumerate input devices: %v", ErrDeviceUnavailable, err)
	}
	want := strings.ToLower(name)
	for _, info := range infos {
		if strings.Contains(strings.ToLower(info.Name()), want) {
			return info, nil
		}
	}
	return malgo.DeviceInfo{}, fmt.Errorf("%w: no input device matching %q", ErrDeviceUnavailable, name)
}

// DeviceInfo describes an input device.
type DeviceInfo struct {
	Name    string
	Default bool
}

// ListDevices enumerates input devices known to miniaudio.
func ListDevices() ([]DeviceInfo, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}
	defer func() {
		_ = mctx.Uninit()
		mctx.Free()
	}()

	infos, err := mctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("enumerate input devices: %w", err)
	}
	out := make([]DeviceInfo, 0, len(infos))
	for _, info := range infos {
		out = append(out, DeviceInfo{Name: info.Name(), Default: info.IsDefault != 0})
	}
	return out, nil
}
