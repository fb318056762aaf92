package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestResponderPromptIncludesBackground(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prompt.md")
	if err := os.WriteFile(path, []byte("Ten years of frontend work.\n"), 0o600); err != nil {
		t.Fatalf("write prompt: %v", err)
	}
	cfg := config.Default().LLM
	cfg.PromptPath = path
	r, err := NewResponder(cfg, NewMockGenerator(), testLogger())
	if err != nil {
		t.Fatalf("new responder: %v", err)
	}
	prompt := r.Prompt("  Tell me about yourself ")
	if !strings.HasPrefix(prompt, "Based on this background:\n\nTen years of frontend work.\n\n") {
		t.Fatalf("background missing from prompt: %q", prompt)
	}
	if !strings.Contains(prompt, `Respond to this interview question: "Tell me about yourself"`) {
		t.Fatalf("question missing from prompt: %q", prompt)
	}
	if !strings.Contains(prompt, "[Key Points]") || !strings.Contains(prompt, "[Response]") {
		t.Fatalf("format section missing: %q", prompt)
	}
}

func TestResponderMissingPromptFile(t *testing.T) {
	cfg := config.Default().LLM
	cfg.PromptPath = filepath.Join(t.TempDir(), "missing.md")
	if _, err := NewResponder(cfg, NewMockGenerator(), testLogger()); err == nil {
		t.Fatal("expected error for missing prompt file")
	}
}

func TestResponderRespondWithMock(t *testing.T) {
	r, err := NewResponder(config.Default().LLM, NewMockGenerator(), testLogger())
	if err != nil {
		t.Fatalf("new responder: %v", err)
	}
	answer, err := r.Respond(context.Background(), "Why this role?")
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if !strings.HasPrefix(answer, "mock answer to: ") || !strings.Contains(answer, "Why this role?") {
		t.Fatalf("unexpected answer %q", answer)
	}
	if _, err := r.Respond(context.Background(), "   "); !errors.Is(err, ErrEmptyQuestion) {
		t.Fatalf("expected ErrEmptyQuestion, got %v", err)
	}
}

func TestResponderDisabled(t *testing.T) {
	r, err := NewResponder(config.Default().LLM, nil, testLogger())
	if err != nil {
		t.Fatalf("new responder: %v", err)
	}
	if _, err := r.Respond(context.Background(), "hello"); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
}

type slowGenerator struct{}

func (slowGenerator) Generate(ctx context.Context, _ Request, _ func(Delta) error) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestResponderTimeout(t *testing.T) {
	cfg := config.Default().LLM
	cfg.TimeoutMS = 30
	r, err := NewResponder(cfg, slowGenerator{}, testLogger())
	if err != nil {
		t.Fatalf("new responder: %v", err)
	}
	start := time.Now()
	_, err = r.Respond(context.Background(), "question")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("timeout was not applied")
	}
}

func TestOllamaGeneratorStreams(t *testing.T) {
	var got ollamaChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"Hello"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":" there"},"done":true,"eval_count":2,"prompt_eval_count":5}`)
	}))
	defer srv.Close()

	gen := NewOllamaGenerator(srv.URL+"/", "")
	var parts []string
	var last Delta
	err := gen.Generate(context.Background(), Request{Prompt: "hi", System: "be brief", MaxTokens: 64}, func(d Delta) error {
		parts = append(parts, d.Text)
		last = d
		return nil
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if strings.Join(parts, "") != "Hello there" {
		t.Fatalf("unexpected content %q", parts)
	}
	if !last.Done || last.PromptTokens != 5 || last.CompletionTokens != 2 {
		t.Fatalf("unexpected final delta %+v", last)
	}
	if got.Model != defaultOllamaModel || len(got.Messages) != 2 || got.Messages[0].Role != "system" {
		t.Fatalf("unexpected request %+v", got)
	}
	if got.Options["num_predict"] != float64(64) {
		t.Fatalf("max tokens not forwarded: %+v", got.Options)
	}
}

func TestOllamaGeneratorReportsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"error":"model not found"}`)
	}))
	defer srv.Close()

	gen := NewOllamaGenerator(srv.URL, "missing")
	err := gen.Generate(context.Background(), Request{Prompt: "hi"}, func(Delta) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "model not found") {
		t.Fatalf("expected model error, got %v", err)
	}
}

func TestOpenAIGeneratorStreams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, word := range []string{"Good", " answer"} {
			fmt.Fprintf(w, "data: {\"id\":\"1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", word)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	gen := NewOpenAIGenerator("test-key", srv.URL+"/v1", "test-model")
	var b strings.Builder
	done := 0
	err := gen.Generate(context.Background(), Request{Prompt: "hi", System: "be brief"}, func(d Delta) error {
		b.WriteString(d.Text)
		if d.Done {
			done++
		}
		return nil
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if b.String() != "Good answer" {
		t.Fatalf("unexpected content %q", b.String())
	}
	if done != 1 {
		t.Fatalf("expected one final delta, got %d", done)
	}
}

func TestExecGenerator(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		name   string
		output string
		want   string
		tokens int
	}{
		{name: "json", output: `{"text":"from script","completion_tokens":3}`, want: "from script", tokens: 3},
		{name: "plain", output: "just words", want: "just words"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			script := filepath.Join(dir, tc.name+".sh")
			body := "#!/bin/sh\ncat > /dev/null\necho '" + tc.output + "'\n"
			if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
				t.Fatalf("write script: %v", err)
			}
			gen, err := NewExecGenerator(script)
			if err != nil {
				t.Fatalf("new exec generator: %v", err)
			}
			var got Delta
			if err := gen.Generate(context.Background(), Request{Prompt: "x"}, func(d Delta) error {
				got = d
				return nil
			}); err != nil {
				t.Fatalf("generate: %v", err)
			}
			if !got.Done || got.Text != tc.want || got.CompletionTokens != tc.tokens {
				t.Fatalf("unexpected delta %+v", got)
			}
		})
	}
}

func TestNewGeneratorModes(t *testing.T) {
	cfg := config.Default().LLM
	for _, mode := range []string{"mock", "ollama", "openai"} {
		cfg.Mode = mode
		if _, err := NewGenerator(cfg); err != nil {
			t.Fatalf("mode %s: %v", mode, err)
		}
	}
	cfg.Mode = "exec"
	cfg.Command = ""
	if _, err := NewGenerator(cfg); err == nil {
		t.Fatal("expected error for empty exec command")
	}
	cfg.Mode = "gemini"
	if _, err := NewGenerator(cfg); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
