//go:build !whisper

package stt

import (
	"fmt"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

// NewWhisperRecognizer is unavailable unless the binary is built with the
// whisper tag and linked against libwhisper.
func NewWhisperRecognizer(cfg config.STTConfig) (Recognizer, error) {
	return nil, fmt.Errorf("%w: %s: whisper support not compiled in (build with -tags whisper)", ErrModelLoad, cfg.ModelPath)
}
