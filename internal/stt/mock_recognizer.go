package stt

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-scribe/internal/audio"
)

type mockRecognizer struct{}

// NewMockRecognizer returns a recognizer that describes the audio it was
// given. Output depends only on the input.
func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(_ context.Context, samples []float32) (Result, error) {
	if len(samples) == 0 {
		return Result{}, nil
	}
	rms := audio.RMS(samples)
	seconds := float64(len(samples)) / audio.TargetSampleRate
	return Result{
		Text:       fmt.Sprintf("heard %.1f seconds of audio at level %.3f", seconds, rms),
		Confidence: clamp01(0.5 + rms*5),
	}, nil
}

func (m *mockRecognizer) Close() error { return nil }
