package stt

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/vad"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Worker drains the chunk queue one chunk at a time and runs voiced chunks
// through the recognizer. Results are passed to emit in sequence order.
type Worker struct {
	cfg        config.STTConfig
	recognizer Recognizer
	queue      *audio.Queue[vad.Chunk]
	emit       func(protocol.TranscriptionResult)
	logger     *slog.Logger
	tracer     trace.Tracer
	metrics    *workerMetrics

	cancel context.CancelFunc
	wg     sync.WaitGroup

	transcribed atomic.Uint64
	silent      atomic.Uint64
	failed      atomic.Uint64
	filtered    atomic.Uint64
	discarded   atomic.Uint64
}

// WorkerStats are cumulative counters for one worker.
type WorkerStats struct {
	Transcribed   uint64 `json:"transcribed"`
	SilentSkipped uint64 `json:"silent_skipped"`
	Failed        uint64 `json:"failed"`
	Filtered      uint64 `json:"filtered"`
	Discarded     uint64 `json:"discarded"`
	ChunksDropped uint64 `json:"chunks_dropped"`
}

func NewWorker(cfg config.STTConfig, recognizer Recognizer, queue *audio.Queue[vad.Chunk], emit func(protocol.TranscriptionResult), logger *slog.Logger) *Worker {
	return &Worker{
		cfg:        cfg,
		recognizer: recognizer,
		queue:      queue,
		emit:       emit,
		logger:     logger.With(slog.String("component", "stt-worker")),
		tracer:     otel.Tracer("github.com/loqalabs/loqa-scribe/stt"),
		metrics:    loadWorkerMetrics(),
	}
}

func (w *Worker) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	w.cancel = cancel
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop asks the worker to exit before its next dequeue and waits for any
// in-flight transcription to finish. Chunks still queued are discarded and
// the count is returned.
func (w *Worker) Stop() int {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	n := w.queue.Drain(nil)
	w.discarded.Add(uint64(n))
	return n
}

func (w *Worker) Stats() WorkerStats {
	return WorkerStats{
		Transcribed:   w.transcribed.Load(),
		SilentSkipped: w.silent.Load(),
		Failed:        w.failed.Load(),
		Filtered:      w.filtered.Load(),
		Discarded:     w.discarded.Load(),
		ChunksDropped: w.queue.Dropped(),
	}
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case chunk := <-w.queue.C():
			if ctx.Err() != nil {
				w.discarded.Add(1)
				return
			}
			w.process(ctx, chunk)
		}
	}
}

// Process transcribes a single chunk synchronously and emits its result. It
// is used for offline input where no queue sits between chunker and worker.
// It must not be called while the worker goroutine is running.
func (w *Worker) Process(ctx context.Context, chunk vad.Chunk) {
	w.process(ctx, chunk)
}

func (w *Worker) process(ctx context.Context, chunk vad.Chunk) {
	if !chunk.VoiceDetected {
		w.silent.Add(1)
		w.metrics.silent.Add(ctx, 1)
		return
	}

	// The recognizer call is not interrupted by session stop.
	callCtx, span := w.tracer.Start(context.WithoutCancel(ctx), "stt.transcribe",
		trace.WithAttributes(
			attribute.Int64("chunk.sequence_id", int64(chunk.SequenceID)),
			attribute.Int("chunk.samples", len(chunk.Samples)),
			attribute.Float64("chunk.rms", chunk.RMS),
		),
	)
	started := time.Now()
	res, err := w.recognizer.Transcribe(callCtx, chunk.Samples)
	elapsed := time.Since(started)
	w.metrics.latency.Record(callCtx, float64(elapsed.Milliseconds()))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transcription failed")
		span.End()
		w.failed.Add(1)
		w.metrics.failures.Add(callCtx, 1)
		w.logger.Warn("transcription failed", slog.Uint64("sequence_id", chunk.SequenceID), slogError(err))
		w.emit(protocol.TranscriptionResult{
			Timestamp:  protocol.Millis(time.Now()),
			IsFinal:    true,
			SequenceID: chunk.SequenceID,
		})
		return
	}
	span.SetAttributes(attribute.Float64("stt.confidence", res.Confidence))
	span.End()

	if w.rejects(res) {
		w.filtered.Add(1)
		w.logger.Debug("transcription filtered", slog.Uint64("sequence_id", chunk.SequenceID), slog.String("text", res.Text))
		return
	}

	w.transcribed.Add(1)
	w.metrics.transcriptions.Add(callCtx, 1)
	w.logger.Debug("transcription complete",
		slog.Uint64("sequence_id", chunk.SequenceID),
		slog.Duration("elapsed", elapsed),
		slog.Float64("confidence", res.Confidence),
	)
	w.emit(protocol.TranscriptionResult{
		Text:       res.Text,
		Confidence: clamp01(res.Confidence),
		Timestamp:  protocol.Millis(time.Now()),
		IsFinal:    true,
		SequenceID: chunk.SequenceID,
	})
}

func (w *Worker) rejects(res Result) bool {
	if w.cfg.FilterNoise && IsNoise(res.Text) {
		return true
	}
	return w.cfg.MinConfidence > 0 && res.Confidence < w.cfg.MinConfidence
}

type workerMetrics struct {
	transcriptions metric.Int64Counter
	failures       metric.Int64Counter
	silent         metric.Int64Counter
	latency        metric.Float64Histogram
}

var (
	workerMetricsOnce sync.Once
	sharedWorker      *workerMetrics
)

func loadWorkerMetrics() *workerMetrics {
	workerMetricsOnce.Do(func() {
		meter := otel.Meter("github.com/loqalabs/loqa-scribe/stt")
		m := &workerMetrics{}
		m.transcriptions, _ = meter.Int64Counter("loqa.stt.transcriptions", metric.WithDescription("Chunks transcribed"))
		m.failures, _ = meter.Int64Counter("loqa.stt.failures", metric.WithDescription("Recognizer errors"))
		m.silent, _ = meter.Int64Counter("loqa.stt.silent_chunks", metric.WithDescription("Chunks skipped as silence"))
		m.latency, _ = meter.Float64Histogram("loqa.stt.latency", metric.WithDescription("Recognizer latency"), metric.WithUnit("ms"))
		sharedWorker = m
	})
	return sharedWorker
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
