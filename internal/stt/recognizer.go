package stt

import (
	"context"
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

var (
	ErrModelLoad     = errors.New("recognition model failed to load")
	ErrTranscription = errors.New("transcription failed")
)

// Result captures recognizer output for one chunk.
type Result struct {
	Text       string
	Confidence float64
}

// Recognizer abstracts STT backends. Samples are mono 16 kHz in [-1, 1].
// Implementations are used from a single goroutine.
type Recognizer interface {
	Transcribe(ctx context.Context, samples []float32) (Result, error)
	Close() error
}

// NewRecognizer loads the backend selected by cfg.Mode. Load failures wrap
// ErrModelLoad.
func NewRecognizer(cfg config.STTConfig) (Recognizer, error) {
	switch cfg.Mode {
	case "mock":
		return NewMockRecognizer(), nil
	case "exec":
		r, err := NewExecRecognizer(cfg)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrModelLoad, err)
		}
		return r, nil
	case "", "whisper":
		return NewWhisperRecognizer(cfg)
	default:
		return nil, fmt.Errorf("%w: unknown stt mode %q", ErrModelLoad, cfg.Mode)
	}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
