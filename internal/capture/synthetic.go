package capture

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
)

// Segment is one step of a scripted synthetic signal.
type Segment struct {
	Signal    string // sine, noise, silence
	Amplitude float64
	Duration  time.Duration
}

// SyntheticDriver generates audio on a ticker instead of reading hardware.
// Script, when set, replaces the configured signal and is followed by silence.
// Speed > 1 delivers blocks faster than real time.
type SyntheticDriver struct {
	cfg    config.SyntheticConfig
	Script []Segment
	Speed  float64
}

func NewSyntheticDriver(cfg config.SyntheticConfig) *SyntheticDriver {
	return &SyntheticDriver{cfg: cfg, Speed: 1}
}

func (d *SyntheticDriver) Name() string { return "synthetic" }

func (d *SyntheticDriver) Devices(_ context.Context) ([]Device, error) {
	names := d.cfg.Devices
	if len(names) == 0 {
		names = []string{"Synthetic Microphone"}
	}
	devices := make([]Device, 0, len(names))
	for i, name := range names {
		devices = append(devices, Device{Name: name, IsDefault: i == 0})
	}
	return devices, nil
}

func (d *SyntheticDriver) CheckAccess(_ context.Context) error {
	if d.cfg.DenyAccess {
		return ErrPermissionDenied
	}
	return nil
}

func (d *SyntheticDriver) Open(ctx context.Context, cfg StreamConfig, cb Callbacks) (Stream, error) {
	if d.cfg.DenyAccess {
		return nil, ErrPermissionDenied
	}
	devices, _ := d.Devices(ctx)
	if _, err := MatchDevice(devices, cfg.Device); err != nil {
		return nil, err
	}
	if cfg.Format.BytesPerSample() == 0 {
		return nil, ErrUnsupportedFormat
	}
	if cfg.SampleRate <= 0 || cfg.Channels <= 0 {
		return nil, fmt.Errorf("invalid stream shape %d Hz x %d: %w", cfg.SampleRate, cfg.Channels, ErrDeviceUnavailable)
	}
	period := cfg.PeriodFrames
	if period <= 0 {
		period = cfg.SampleRate / 100
	}
	script := d.Script
	if len(script) == 0 {
		script = []Segment{{Signal: d.cfg.Signal, Amplitude: d.cfg.Amplitude}}
	}
	speed := d.Speed
	if speed <= 0 {
		speed = 1
	}
	var failAfter int64
	if d.cfg.FailAfterMS > 0 {
		failAfter = int64(d.cfg.FailAfterMS) * int64(cfg.SampleRate) / 1000
	}
	return &syntheticStream{
		cfg:       cfg,
		cb:        cb,
		period:    period,
		script:    script,
		freq:      d.cfg.FrequencyHz,
		speed:     speed,
		failAfter: failAfter,
		rng:       rand.New(rand.NewSource(d.cfg.RandomSeed)),
		buf:       make([]byte, 0, period*cfg.Channels*cfg.Format.BytesPerSample()),
		samples:   make([]float32, 0, period*cfg.Channels),
	}, nil
}

func (d *SyntheticDriver) Close() error { return nil }

type syntheticStream struct {
	cfg       StreamConfig
	cb        Callbacks
	period    int
	script    []Segment
	freq      float64
	speed     float64
	failAfter int64
	rng       *rand.Rand

	buf     []byte
	samples []float32
	pos     int64

	mu      sync.Mutex
	quit    chan struct{}
	wg      sync.WaitGroup
	running bool
}

func (s *syntheticStream) Format() audio.SampleFormat { return s.cfg.Format }
func (s *syntheticStream) Channels() int              { return s.cfg.Channels }
func (s *syntheticStream) SampleRate() int            { return s.cfg.SampleRate }

func (s *syntheticStream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.running = true
	s.quit = make(chan struct{})
	s.wg.Add(1)
	go s.run(s.quit)
	return nil
}

func (s *syntheticStream) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.quit)
	s.mu.Unlock()
	s.wg.Wait()
	if s.cb.Stopped != nil {
		s.cb.Stopped()
	}
	return nil
}

func (s *syntheticStream) Close() error { return s.Stop() }

func (s *syntheticStream) run(quit chan struct{}) {
	defer s.wg.Done()
	interval := time.Duration(float64(s.period) / float64(s.cfg.SampleRate) * float64(time.Second) / s.speed)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-quit:
			return
		case <-ticker.C:
			if s.failAfter > 0 && s.pos >= s.failAfter {
				go s.fail()
				return
			}
			s.cb.Data(s.next())
		}
	}
}

// fail simulates the device disappearing underneath the stream.
func (s *syntheticStream) fail() {
	s.mu.Lock()
	wasRunning := s.running
	s.running = false
	s.mu.Unlock()
	if wasRunning && s.cb.Stopped != nil {
		s.cb.Stopped()
	}
}

func (s *syntheticStream) next() []byte {
	s.samples = s.samples[:0]
	for i := 0; i < s.period; i++ {
		v := float32(s.sample(s.pos))
		for ch := 0; ch < s.cfg.Channels; ch++ {
			s.samples = append(s.samples, v)
		}
		s.pos++
	}
	switch s.cfg.Format {
	case audio.FormatS32:
		s.buf = audio.EncodeS32(s.samples, s.buf[:0])
	default:
		s.buf = audio.EncodeS16(s.samples, s.buf[:0])
	}
	return s.buf
}

func (s *syntheticStream) sample(pos int64) float64 {
	rate := int64(s.cfg.SampleRate)
	offset := pos
	for _, seg := range s.script {
		n := int64(seg.Duration) * rate / int64(time.Second)
		if seg.Duration > 0 && offset >= n {
			offset -= n
			continue
		}
		switch seg.Signal {
		case "noise":
			return seg.Amplitude * (s.rng.Float64()*2 - 1)
		case "silence":
			return 0
		default:
			freq := s.freq
			if freq <= 0 {
				freq = 220
			}
			return seg.Amplitude * math.Sin(2*math.Pi*freq*float64(pos)/float64(rate))
		}
	}
	return 0
}
