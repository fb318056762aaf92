package llm

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

// Request is a single completion request.
type Request struct {
	Prompt      string
	System      string
	MaxTokens   int
	Temperature float64
}

// Delta is a piece of streamed output. The last delta a generator emits has
// Done set and carries token usage when the backend reports it.
type Delta struct {
	Text             string
	Done             bool
	PromptTokens     int
	CompletionTokens int
}

// Generator is a text-generation backend.
type Generator interface {
	Generate(ctx context.Context, req Request, emit func(Delta) error) error
}

// NewGenerator builds the backend selected by cfg.Mode.
func NewGenerator(cfg config.LLMConfig) (Generator, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockGenerator(), nil
	case "ollama":
		return NewOllamaGenerator(cfg.Endpoint, cfg.Model), nil
	case "exec":
		return NewExecGenerator(cfg.Command)
	case "openai":
		return NewOpenAIGenerator(cfg.APIKey, cfg.Endpoint, cfg.Model), nil
	default:
		return nil, fmt.Errorf("unknown llm mode %q", cfg.Mode)
	}
}
