package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrDisabled is returned when no generator is configured.
	ErrDisabled = errors.New("interview responder disabled")
	// ErrEmptyQuestion rejects blank transcriptions.
	ErrEmptyQuestion = errors.New("transcription is empty")
)

const responseFormat = `Requirements:
- The answer should take about one minute to speak
- Include specific examples from the background
- Show both technical and communication skills

Format the answer exactly like this, with no introduction or extra text:

[Key Points]
• Point 1
• Point 2
• Point 3

[Response]
The spoken answer`

// Responder turns an interview question heard on the transcript into a
// suggested answer grounded on a background document.
type Responder struct {
	cfg        config.LLMConfig
	generator  Generator
	background string
	tracer     trace.Tracer
	logger     *slog.Logger
}

// NewResponder loads the background document from cfg.PromptPath. A nil
// generator yields a responder that always returns ErrDisabled.
func NewResponder(cfg config.LLMConfig, generator Generator, logger *slog.Logger) (*Responder, error) {
	r := &Responder{
		cfg:       cfg,
		generator: generator,
		tracer:    otel.Tracer("github.com/loqalabs/loqa-scribe/internal/llm"),
		logger:    logger.With(slog.String("component", "interview")),
	}
	if cfg.PromptPath != "" {
		data, err := os.ReadFile(cfg.PromptPath)
		if err != nil {
			return nil, fmt.Errorf("read prompt file: %w", err)
		}
		r.background = strings.TrimSpace(string(data))
	}
	return r, nil
}

func (r *Responder) Enabled() bool { return r != nil && r.generator != nil }

// Prompt renders the text sent to the generator for question.
func (r *Responder) Prompt(question string) string {
	var b strings.Builder
	if r.background != "" {
		b.WriteString("Based on this background:\n\n")
		b.WriteString(r.background)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "Respond to this interview question: %q\n\n", strings.TrimSpace(question))
	b.WriteString(responseFormat)
	return b.String()
}

// Respond generates the full answer for transcription, collecting streamed
// chunks until the generator finishes or cfg.TimeoutMS elapses.
func (r *Responder) Respond(ctx context.Context, transcription string) (string, error) {
	if !r.Enabled() {
		return "", ErrDisabled
	}
	if strings.TrimSpace(transcription) == "" {
		return "", ErrEmptyQuestion
	}
	if r.cfg.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(r.cfg.TimeoutMS)*time.Millisecond)
		defer cancel()
	}
	ctx, span := r.tracer.Start(ctx, "llm.interview_response",
		trace.WithAttributes(
			attribute.String("llm.mode", r.cfg.Mode),
			attribute.Int("llm.question_chars", len(transcription)),
		))
	defer span.End()

	req := Request{
		Prompt:      r.Prompt(transcription),
		MaxTokens:   r.cfg.MaxTokens,
		Temperature: r.cfg.Temperature,
	}

	start := time.Now()
	var answer strings.Builder
	var usage Delta
	err := r.generator.Generate(ctx, req, func(d Delta) error {
		answer.WriteString(d.Text)
		if d.Done {
			usage = d
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Warn("interview response failed", slogError(err))
		return "", fmt.Errorf("generate interview response: %w", err)
	}
	text := strings.TrimSpace(answer.String())
	span.SetAttributes(
		attribute.Int("llm.answer_chars", len(text)),
		attribute.Int("llm.prompt_tokens", usage.PromptTokens),
		attribute.Int("llm.completion_tokens", usage.CompletionTokens),
	)
	r.logger.Info("interview response complete", slog.Duration("latency", time.Since(start)))
	return text, nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
