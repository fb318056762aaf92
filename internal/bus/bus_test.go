package bus

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/events"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/nats-io/nats.go"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startBus(t *testing.T) (config.BusConfig, *Client) {
	t.Helper()
	cfg := config.Default().Bus
	cfg.Enabled = true
	cfg.Port = -1
	cfg.StoreDir = t.TempDir()
	srv, err := natsserver.Start(cfg, testLogger())
	if err != nil {
		t.Fatalf("start embedded server: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	cfg.Servers = []string{srv.ClientURL()}
	client, err := Connect(context.Background(), cfg, "bus-test", testLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return cfg, client
}

func TestConnectRequiresServers(t *testing.T) {
	cfg := config.Default().Bus
	cfg.Servers = nil
	if _, err := Connect(context.Background(), cfg, "", testLogger()); err == nil {
		t.Fatal("expected error without servers")
	}
}

func TestBridgeForwardsTranscriptsAndSkipsLevels(t *testing.T) {
	cfg, client := startBus(t)

	transcripts := make(chan *nats.Msg, 4)
	levels := make(chan *nats.Msg, 4)
	if _, err := client.Conn().ChanSubscribe(protocol.SubjectTranscriptFinal, transcripts); err != nil {
		t.Fatalf("subscribe transcripts: %v", err)
	}
	if _, err := client.Conn().ChanSubscribe(protocol.SubjectAudioLevel, levels); err != nil {
		t.Fatalf("subscribe levels: %v", err)
	}
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	hub := events.NewHub()
	bridge := NewBridge(cfg, client, hub, testLogger())
	bridge.Start(context.Background())
	defer bridge.Close()

	hub.PublishLevel(protocol.AudioLevel{Level: 0.5, Timestamp: 1})
	hub.PublishTranscription(protocol.TranscriptionResult{Text: "hello", Confidence: 0.9, IsFinal: true, SequenceID: 4})

	select {
	case msg := <-transcripts:
		var got protocol.TranscriptionResult
		if err := json.Unmarshal(msg.Data, &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.Text != "hello" || got.SequenceID != 4 {
			t.Fatalf("unexpected transcript %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for transcript")
	}
	select {
	case <-levels:
		t.Fatal("levels must not be published unless enabled")
	case <-time.After(100 * time.Millisecond):
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		info, err := client.JetStream().StreamInfo(cfg.TranscriptStream)
		if err != nil {
			t.Fatalf("stream info: %v", err)
		}
		if info.State.Msgs == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected transcript retained in stream, got %d messages", info.State.Msgs)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestBridgePublishesLevelsWhenEnabled(t *testing.T) {
	cfg, client := startBus(t)
	cfg.PublishLevels = true
	cfg.TranscriptStream = ""

	levels := make(chan *nats.Msg, 4)
	if _, err := client.Conn().ChanSubscribe(protocol.SubjectAudioLevel, levels); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	hub := events.NewHub()
	bridge := NewBridge(cfg, client, hub, testLogger())
	bridge.Start(context.Background())
	defer bridge.Close()

	hub.PublishLevel(protocol.AudioLevel{Level: 0.25, Timestamp: 7})
	select {
	case msg := <-levels:
		var got protocol.AudioLevel
		if err := json.Unmarshal(msg.Data, &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.Level != 0.25 {
			t.Fatalf("unexpected level %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for level")
	}
}

func TestEnsureStreamIsIdempotent(t *testing.T) {
	_, client := startBus(t)
	for i := 0; i < 2; i++ {
		if err := client.EnsureStream("TEST", []string{"test.>"}, time.Hour); err != nil {
			t.Fatalf("ensure stream pass %d: %v", i, err)
		}
	}
}

func TestCallDecodesReplies(t *testing.T) {
	_, client := startBus(t)
	_, err := client.Conn().Subscribe("test.echo", func(msg *nats.Msg) {
		var req map[string]string
		_ = json.Unmarshal(msg.Data, &req)
		if req["fail"] != "" {
			_ = msg.Respond([]byte(`{"ok":false,"kind":"Busy","error":"already capturing"}`))
			return
		}
		_ = msg.Respond([]byte(`{"ok":true,"data":{"echo":"` + req["say"] + `"}}`))
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var out struct {
		Echo string `json:"echo"`
	}
	if err := client.Call(ctx, "test.echo", map[string]string{"say": "hi"}, &out); err != nil {
		t.Fatalf("call: %v", err)
	}
	if out.Echo != "hi" {
		t.Fatalf("unexpected reply data %+v", out)
	}

	err = client.Call(ctx, "test.echo", map[string]string{"fail": "yes"}, nil)
	if !errors.Is(err, ErrCommandFailed) || !strings.Contains(err.Error(), "Busy") {
		t.Fatalf("expected command failure with kind, got %v", err)
	}
}
