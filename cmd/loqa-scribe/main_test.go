package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/logging"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/nats-io/nats.go"
)

func TestListDevicesSynthetic(t *testing.T) {
	cfg := config.Default()
	cfg.Capture.Driver = "synthetic"
	var out bytes.Buffer
	if err := listDevices(context.Background(), cfg, &out); err != nil {
		t.Fatalf("list devices: %v", err)
	}
	text := out.String()
	if !strings.Contains(text, "* Synthetic Microphone") {
		t.Fatalf("default device not marked: %q", text)
	}
	if !strings.Contains(text, "system audio: BlackHole 2ch") {
		t.Fatalf("system audio device missing: %q", text)
	}
}

func TestTranscribeCommand(t *testing.T) {
	samples := make([]float32, 16000)
	for i := range samples {
		if i%40 < 20 {
			samples[i] = 0.3
		} else {
			samples[i] = -0.3
		}
	}
	path := filepath.Join(t.TempDir(), "tone.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := stt.WriteWAV(f, samples); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	f.Close()

	cfg := config.Default()
	cfg.STT.Mode = "mock"
	var out bytes.Buffer
	if err := transcribe(context.Background(), cfg, logging.Discard(), []string{"-chunk-ms", "500", path}, &out); err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[0], "[1] heard") || !strings.HasPrefix(lines[1], "[2] heard") {
		t.Fatalf("unexpected output %q", out.String())
	}

	if err := transcribe(context.Background(), cfg, logging.Discard(), nil, &out); err == nil {
		t.Fatal("expected error without a file argument")
	}
}

func TestCtlRequests(t *testing.T) {
	cases := []struct {
		args    []string
		subject string
		wantErr bool
	}{
		{args: []string{"status"}, subject: protocol.SubjectCaptureStatus},
		{args: []string{"start", "BlackHole", "2ch"}, subject: protocol.SubjectCaptureStart},
		{args: []string{"interview", "Why", "us?"}, subject: protocol.SubjectInterviewRespond},
		{args: []string{"interview"}, wantErr: true},
		{args: []string{"reboot"}, wantErr: true},
	}
	for _, tc := range cases {
		subject, req, err := ctlRequest(tc.args[0], tc.args[1:])
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%v: expected error", tc.args)
			}
			continue
		}
		if err != nil || subject != tc.subject {
			t.Fatalf("%v: got %q, %v", tc.args, subject, err)
		}
		if start, ok := req.(protocol.StartCaptureRequest); ok && start.DeviceName != "BlackHole 2ch" {
			t.Fatalf("device name not joined: %+v", start)
		}
	}
}

func TestCtlPrintsReplyData(t *testing.T) {
	cfg := config.Default()
	cfg.Bus.Port = -1
	cfg.Bus.StoreDir = t.TempDir()
	srv, err := natsserver.Start(cfg.Bus, logging.Discard())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	cfg.Bus.Servers = []string{srv.ClientURL()}

	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(nc.Close)
	if _, err := nc.Subscribe(protocol.SubjectCaptureStatus, func(msg *nats.Msg) {
		_ = msg.Respond([]byte(`{"ok":true,"data":{"state":"idle","sessions":0}}`))
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := nc.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	var out bytes.Buffer
	if err := ctl(context.Background(), cfg, logging.Discard(), []string{"status"}, &out); err != nil {
		t.Fatalf("ctl status: %v", err)
	}
	if !strings.Contains(out.String(), `"state": "idle"`) {
		t.Fatalf("unexpected output %q", out.String())
	}
}
