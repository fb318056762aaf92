package capture

import (
	"context"
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
)

var (
	ErrPermissionDenied  = errors.New("audio capture permission denied")
	ErrDeviceUnavailable = errors.New("audio device unavailable")
	ErrStreamError       = errors.New("audio stream error")
	ErrUnsupportedFormat = errors.New("unsupported sample format")
)

// StreamConfig is what the engine asks a driver for. Drivers may negotiate a
// different rate or channel count; the stream reports what it actually runs at.
type StreamConfig struct {
	Device       string
	SampleRate   int
	Channels     int
	Format       audio.SampleFormat
	PeriodFrames int
}

// Callbacks are invoked by the driver. Data runs on the driver's real-time
// thread and must not block or allocate. Stopped fires when the stream ends,
// including after a requested Stop.
type Callbacks struct {
	Data    func(data []byte)
	Stopped func()
}

// Stream is an opened, not yet started, input stream.
type Stream interface {
	Format() audio.SampleFormat
	Channels() int
	SampleRate() int
	Start() error
	Stop() error
	Close() error
}

// Driver abstracts the host audio API.
type Driver interface {
	Name() string
	Devices(ctx context.Context) ([]Device, error)
	// CheckAccess returns nil when a default capture device can be used.
	CheckAccess(ctx context.Context) error
	Open(ctx context.Context, cfg StreamConfig, cb Callbacks) (Stream, error)
	Close() error
}

// NewDriver builds the driver named in cfg.
func NewDriver(cfg config.CaptureConfig) (Driver, error) {
	switch cfg.Driver {
	case "", "malgo":
		return NewMalgoDriver()
	case "synthetic":
		return NewSyntheticDriver(cfg.Synthetic), nil
	default:
		return nil, fmt.Errorf("unknown capture driver %q", cfg.Driver)
	}
}
