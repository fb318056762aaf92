//go:build whisper

package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/loqalabs/loqa-scribe/internal/config"
)

type whisperRecognizer struct {
	model whisper.Model
	cfg   config.STTConfig
}

// NewWhisperRecognizer loads a ggml model through the whisper.cpp bindings.
// The model stays resident; each call gets a fresh decoding context.
func NewWhisperRecognizer(cfg config.STTConfig) (Recognizer, error) {
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelLoad, err)
	}
	model, err := whisper.New(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("%w: load %s: %v", ErrModelLoad, cfg.ModelPath, err)
	}
	return &whisperRecognizer{model: model, cfg: cfg}, nil
}

func (r *whisperRecognizer) Transcribe(_ context.Context, samples []float32) (Result, error) {
	wctx, err := r.model.NewContext()
	if err != nil {
		return Result{}, fmt.Errorf("create whisper context: %w", err)
	}
	if lang := r.cfg.Language; lang != "" {
		if err := wctx.SetLanguage(lang); err != nil {
			return Result{}, fmt.Errorf("set language %q: %w", lang, err)
		}
	}
	if r.cfg.Threads > 0 {
		wctx.SetThreads(uint(r.cfg.Threads))
	}
	wctx.SetTranslate(false)

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return Result{}, fmt.Errorf("whisper process: %w", err)
	}

	var text strings.Builder
	var probSum float64
	var tokens int
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Result{}, fmt.Errorf("read segment: %w", err)
		}
		text.WriteString(segment.Text)
		for _, tok := range segment.Tokens {
			probSum += float64(tok.P)
			tokens++
		}
	}

	var confidence float64
	if tokens > 0 {
		confidence = clamp01(probSum / float64(tokens))
	}
	return Result{Text: strings.TrimSpace(text.String()), Confidence: confidence}, nil
}

func (r *whisperRecognizer) Close() error {
	return r.model.Close()
}
