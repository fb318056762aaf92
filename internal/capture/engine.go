package capture

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/vad"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Engine owns one open input stream. The driver callback copies each block
// into a bounded frame queue; a pump goroutine converts queued frames to
// 16 kHz mono and feeds the chunker.
type Engine struct {
	cfg     config.CaptureConfig
	logger  *slog.Logger
	stream  Stream
	device  string
	chunker *vad.Chunker
	metrics *engineMetrics

	format   audio.SampleFormat
	channels int
	rate     int

	frames    *audio.FrameQueue
	resampler *audio.Resampler
	mono      []float32

	closed        atomic.Bool
	lastLevel     atomic.Int64
	levelInterval int64
	levelGain     float64
	levels        chan protocol.AudioLevel
	errs          chan error
	lost          sync.Once

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	processed atomic.Uint64
}

// Stats are engine counters for status reporting.
type Stats struct {
	Device          string `json:"device"`
	SampleRate      int    `json:"sample_rate"`
	Channels        int    `json:"channels"`
	Format          string `json:"format"`
	FramesProcessed uint64 `json:"frames_processed"`
	FramesDropped   uint64 `json:"frames_dropped"`
}

// Open resolves device, opens a stream on d and starts it. Converted audio is
// written to chunker from the engine's own goroutine.
func Open(ctx context.Context, d Driver, cfg config.CaptureConfig, device string, chunker *vad.Chunker, logger *slog.Logger) (*Engine, error) {
	format, err := audio.ParseFormat(cfg.Format)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	devices, err := d.Devices(ctx)
	if err != nil {
		return nil, err
	}
	dev, err := MatchDevice(devices, device)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:           cfg,
		logger:        logger.With(slog.String("component", "capture"), slog.String("device", dev.Name)),
		device:        dev.Name,
		chunker:       chunker,
		metrics:       loadEngineMetrics(),
		resampler:     audio.NewResampler(),
		levelInterval: int64(time.Duration(cfg.LevelIntervalMS) * time.Millisecond),
		levelGain:     cfg.LevelGain,
		levels:        make(chan protocol.AudioLevel, 8),
		errs:          make(chan error, 1),
		done:          make(chan struct{}),
	}
	if e.levelGain <= 0 {
		e.levelGain = 1
	}

	stream, err := d.Open(ctx, StreamConfig{
		Device:       dev.Name,
		SampleRate:   cfg.SampleRate,
		Channels:     cfg.Channels,
		Format:       format,
		PeriodFrames: cfg.PeriodFrames,
	}, Callbacks{Data: e.onData, Stopped: e.onStopped})
	if err != nil {
		return nil, err
	}
	e.stream = stream
	e.format = stream.Format()
	e.channels = stream.Channels()
	e.rate = stream.SampleRate()
	if e.format.BytesPerSample() == 0 {
		_ = stream.Close()
		return nil, fmt.Errorf("device %q negotiated %s: %w", dev.Name, e.format, ErrUnsupportedFormat)
	}

	period := cfg.PeriodFrames
	if period <= 0 {
		period = e.rate / 100
	}
	e.frames = audio.NewFrameQueue(cfg.FrameQueue, period*e.channels*e.format.BytesPerSample())

	e.wg.Add(1)
	go e.pump()

	if err := stream.Start(); err != nil {
		e.closed.Store(true)
		close(e.done)
		e.wg.Wait()
		_ = stream.Close()
		return nil, fmt.Errorf("start stream on %q: %w", dev.Name, err)
	}
	e.logger.Info("capture started",
		slog.Int("sample_rate", e.rate),
		slog.Int("channels", e.channels),
		slog.String("format", e.format.String()),
	)
	return e, nil
}

// Levels delivers throttled input levels. Values are dropped when nobody reads.
func (e *Engine) Levels() <-chan protocol.AudioLevel { return e.levels }

// Errors delivers at most one ErrStreamError if the device goes away.
func (e *Engine) Errors() <-chan error { return e.errs }

func (e *Engine) Device() string { return e.device }

func (e *Engine) Stats() Stats {
	return Stats{
		Device:          e.device,
		SampleRate:      e.rate,
		Channels:        e.channels,
		Format:          e.format.String(),
		FramesProcessed: e.processed.Load(),
		FramesDropped:   e.frames.Dropped(),
	}
}

// onData runs on the driver's real-time thread.
func (e *Engine) onData(data []byte) {
	if e.closed.Load() || len(data) == 0 {
		return
	}
	now := time.Now()
	e.frames.Push(data, e.format, e.channels, e.rate, now)

	ns := now.UnixNano()
	if ns-e.lastLevel.Load() < e.levelInterval {
		return
	}
	e.lastLevel.Store(ns)
	level := math.Min(audio.RMSPCM(data, e.format)*e.levelGain, 1)
	select {
	case e.levels <- protocol.AudioLevel{Level: level, Timestamp: now.UnixMilli()}:
	default:
	}
}

func (e *Engine) onStopped() {
	if e.closed.Load() {
		return
	}
	e.lost.Do(func() {
		e.logger.Warn("capture stream stopped unexpectedly")
		select {
		case e.errs <- fmt.Errorf("device %q: %w", e.device, ErrStreamError):
		default:
		}
	})
}

func (e *Engine) pump() {
	defer e.wg.Done()
	for {
		select {
		case <-e.done:
			return
		case f := <-e.frames.C():
			e.mono = e.resampler.Process(f, e.mono[:0])
			e.frames.Release(f)
			e.processed.Add(1)
			if e.chunker != nil {
				e.chunker.Write(e.mono)
			}
		}
	}
}

// Close stops the stream and waits for the pump. Buffered frames and partial
// chunk audio are discarded. A driver that does not stop within the close
// timeout is abandoned.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.closed.Store(true)

		timeout := time.Duration(e.cfg.CloseTimeoutMS) * time.Millisecond
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		stopped := make(chan error, 1)
		go func() { stopped <- e.stream.Stop() }()
		timedOut := false
		select {
		case err = <-stopped:
			if err != nil {
				e.logger.Warn("stream stop failed", slogError(err))
			}
		case <-time.After(timeout):
			timedOut = true
			e.logger.Warn("stream stop timed out", slog.Duration("timeout", timeout))
		}

		close(e.done)
		e.wg.Wait()
		pending := e.frames.Drain()
		e.resampler.Reset()

		if timedOut {
			// Close must not overlap a Stop that is still running.
			go func() {
				<-stopped
				_ = e.stream.Close()
			}()
		} else if cerr := e.stream.Close(); cerr != nil && err == nil {
			err = cerr
		}

		stats := e.Stats()
		e.metrics.record(e.device, stats, pending)
		e.logger.Info("capture stopped",
			slog.Uint64("frames_processed", stats.FramesProcessed),
			slog.Uint64("frames_dropped", stats.FramesDropped),
			slog.Int("frames_discarded", pending),
		)
	})
	return err
}

type engineMetrics struct {
	processed metric.Int64Counter
	dropped   metric.Int64Counter
	discarded metric.Int64Counter
}

var (
	metricsOnce   sync.Once
	sharedMetrics *engineMetrics
)

func loadEngineMetrics() *engineMetrics {
	metricsOnce.Do(func() {
		meter := otel.Meter("github.com/loqalabs/loqa-scribe/capture")
		m := &engineMetrics{}
		m.processed, _ = meter.Int64Counter("loqa.capture.frames_processed", metric.WithDescription("Capture blocks converted"))
		m.dropped, _ = meter.Int64Counter("loqa.capture.frames_dropped", metric.WithDescription("Capture blocks evicted from a full frame queue"))
		m.discarded, _ = meter.Int64Counter("loqa.capture.frames_discarded", metric.WithDescription("Capture blocks pending at close"))
		sharedMetrics = m
	})
	return sharedMetrics
}

func (m *engineMetrics) record(device string, s Stats, discarded int) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("device", device))
	if m.processed != nil {
		m.processed.Add(ctx, int64(s.FramesProcessed), attrs)
	}
	if m.dropped != nil {
		m.dropped.Add(ctx, int64(s.FramesDropped), attrs)
	}
	if m.discarded != nil {
		m.discarded.Add(ctx, int64(discarded), attrs)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
