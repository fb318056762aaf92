package offline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/loqalabs/loqa-scribe/internal/vad"
)

// Transcriber runs recorded audio through the same chunker and recognizer
// path as live capture.
type Transcriber struct {
	cfg        config.Config
	recognizer stt.Recognizer
	logger     *slog.Logger
}

// Report summarizes one offline run.
type Report struct {
	Source   string                         `json:"source"`
	Seconds  float64                        `json:"seconds"`
	Chunks   uint64                         `json:"chunks"`
	Voiced   uint64                         `json:"voiced"`
	Results  []protocol.TranscriptionResult `json:"results"`
	Worker   stt.WorkerStats                `json:"worker"`
	Duration time.Duration                  `json:"duration"`
}

func NewTranscriber(cfg config.Config, recognizer stt.Recognizer, logger *slog.Logger) *Transcriber {
	return &Transcriber{
		cfg:        cfg,
		recognizer: recognizer,
		logger:     logger.With(slog.String("component", "offline")),
	}
}

// TranscribeFile decodes the WAV file at path and transcribes it.
func (t *Transcriber) TranscribeFile(ctx context.Context, path string) (Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return Report{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	clip, err := DecodeWAV(f)
	if err != nil {
		return Report{}, fmt.Errorf("%s: %w", path, err)
	}
	t.logger.Info("decoded audio",
		slog.String("path", path),
		slog.Int("source_rate", clip.SourceRate),
		slog.Int("source_channels", clip.SourceChannels),
		slog.Float64("seconds", clip.Seconds()),
	)
	report, err := t.Transcribe(ctx, clip.Samples)
	report.Source = path
	return report, err
}

// Transcribe chunks 16 kHz mono samples, flushing the trailing partial chunk,
// and returns results in sequence order. Cancellation is checked between
// chunks.
func (t *Transcriber) Transcribe(ctx context.Context, samples []float32) (Report, error) {
	started := time.Now()
	var chunks []vad.Chunk
	chunker := vad.NewChunker(t.cfg.Chunker, func(c vad.Chunk) { chunks = append(chunks, c) })
	chunker.Write(samples)
	chunker.Flush()
	total, voiced := chunker.Emitted()

	report := Report{
		Seconds: float64(len(samples)) / audio.TargetSampleRate,
		Chunks:  total,
		Voiced:  voiced,
	}
	worker := stt.NewWorker(t.cfg.STT, t.recognizer, audio.NewQueue[vad.Chunk](1), func(r protocol.TranscriptionResult) {
		report.Results = append(report.Results, r)
	}, t.logger)
	for _, c := range chunks {
		if err := ctx.Err(); err != nil {
			report.Worker = worker.Stats()
			report.Duration = time.Since(started)
			return report, err
		}
		worker.Process(ctx, c)
	}
	report.Worker = worker.Stats()
	report.Duration = time.Since(started)
	t.logger.Info("offline transcription complete",
		slog.Uint64("chunks", total),
		slog.Uint64("voiced", voiced),
		slog.Int("results", len(report.Results)),
		slog.Duration("elapsed", report.Duration),
	)
	return report, nil
}
