package capture

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/loqalabs/loqa-scribe/internal/audio"
)

// MalgoDriver captures through miniaudio, which picks the host backend
// (CoreAudio, WASAPI, PulseAudio, ALSA).
type MalgoDriver struct {
	mu  sync.Mutex
	ctx *malgo.AllocatedContext
}

func NewMalgoDriver() (*MalgoDriver, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}
	return &MalgoDriver{ctx: ctx}, nil
}

func (d *MalgoDriver) Name() string { return "malgo" }

func (d *MalgoDriver) Devices(_ context.Context) ([]Device, error) {
	infos, err := d.captureInfos()
	if err != nil {
		return nil, err
	}
	devices := make([]Device, 0, len(infos))
	for _, info := range infos {
		devices = append(devices, Device{Name: info.Name(), IsDefault: info.IsDefault != 0})
	}
	return devices, nil
}

func (d *MalgoDriver) CheckAccess(ctx context.Context) error {
	devices, err := d.Devices(ctx)
	if err != nil {
		return classifyMalgoError(err)
	}
	if len(devices) == 0 {
		return fmt.Errorf("no default input device: %w", ErrDeviceUnavailable)
	}
	return nil
}

func (d *MalgoDriver) Open(_ context.Context, cfg StreamConfig, cb Callbacks) (Stream, error) {
	infos, err := d.captureInfos()
	if err != nil {
		return nil, err
	}
	var selected *malgo.DeviceInfo
	for i := range infos {
		if infos[i].Name() == cfg.Device {
			selected = &infos[i]
			break
		}
	}
	if selected == nil {
		return nil, fmt.Errorf("device %q not found: %w", cfg.Device, ErrDeviceUnavailable)
	}

	devCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	switch cfg.Format {
	case audio.FormatS16:
		devCfg.Capture.Format = malgo.FormatS16
	case audio.FormatS32:
		devCfg.Capture.Format = malgo.FormatS32
	default:
		return nil, ErrUnsupportedFormat
	}
	devCfg.Capture.Channels = uint32(cfg.Channels)
	devCfg.Capture.DeviceID = selected.ID.Pointer()
	devCfg.SampleRate = uint32(cfg.SampleRate)
	if cfg.PeriodFrames > 0 {
		devCfg.PeriodSizeInFrames = uint32(cfg.PeriodFrames)
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			cb.Data(input)
		},
		Stop: func() {
			if cb.Stopped != nil {
				cb.Stopped()
			}
		},
	}

	d.mu.Lock()
	device, err := malgo.InitDevice(d.ctx.Context, devCfg, callbacks)
	d.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", cfg.Device, classifyMalgoError(err))
	}

	s := &malgoStream{device: device}
	switch device.CaptureFormat() {
	case malgo.FormatS16:
		s.format = audio.FormatS16
	case malgo.FormatS32:
		s.format = audio.FormatS32
	default:
		device.Uninit()
		return nil, fmt.Errorf("device %q delivers a non-integer format: %w", cfg.Device, ErrUnsupportedFormat)
	}
	s.channels = int(device.CaptureChannels())
	s.rate = int(device.SampleRate())
	return s, nil
}

func (d *MalgoDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ctx == nil {
		return nil
	}
	err := d.ctx.Uninit()
	d.ctx.Free()
	d.ctx = nil
	return err
}

func (d *MalgoDriver) captureInfos() ([]malgo.DeviceInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ctx == nil {
		return nil, fmt.Errorf("audio context closed: %w", ErrDeviceUnavailable)
	}
	infos, err := d.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("enumerate capture devices: %w", classifyMalgoError(err))
	}
	return infos, nil
}

type malgoStream struct {
	device   *malgo.Device
	format   audio.SampleFormat
	channels int
	rate     int
}

func (s *malgoStream) Format() audio.SampleFormat { return s.format }
func (s *malgoStream) Channels() int              { return s.channels }
func (s *malgoStream) SampleRate() int            { return s.rate }
func (s *malgoStream) Start() error               { return s.device.Start() }
func (s *malgoStream) Stop() error                { return s.device.Stop() }

func (s *malgoStream) Close() error {
	s.device.Uninit()
	return nil
}

// miniaudio reports result codes as plain errors.
func classifyMalgoError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "access denied"), strings.Contains(msg, "permission"):
		return fmt.Errorf("%v: %w", err, ErrPermissionDenied)
	default:
		return fmt.Errorf("%v: %w", err, ErrDeviceUnavailable)
	}
}
