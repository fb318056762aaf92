package router

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/capture"
	"github.com/loqalabs/loqa-scribe/internal/command"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/loqalabs/loqa-scribe/internal/stt"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type reply struct {
	OK    bool               `json:"ok"`
	Error string             `json:"error"`
	Kind  protocol.ErrorKind `json:"kind"`
	Data  json.RawMessage    `json:"data"`
}

func setup(t *testing.T) *bus.Client {
	t.Helper()
	cfg := config.Default()
	cfg.Bus.Port = -1
	cfg.Bus.StoreDir = t.TempDir()
	cfg.Capture.Driver = "synthetic"
	cfg.Capture.PeriodFrames = 480
	cfg.Capture.CloseTimeoutMS = 500
	cfg.Capture.Synthetic.Signal = "silence"
	cfg.STT.Mode = "mock"

	srv, err := natsserver.Start(cfg.Bus, discardLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	cfg.Bus.Servers = []string{srv.ClientURL()}
	client, err := bus.Connect(context.Background(), cfg.Bus, "router-test", discardLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	ctrl := session.New(context.Background(), session.Options{
		Config: cfg,
		Driver: capture.NewSyntheticDriver(cfg.Capture.Synthetic),
		NewRecognizer: func(config.STTConfig) (stt.Recognizer, error) {
			return stt.NewMockRecognizer(), nil
		},
		Logger: discardLogger(),
	})
	t.Cleanup(func() { _ = ctrl.Close(context.Background()) })

	svc := NewService(context.Background(), client, command.New(ctrl, nil, nil), 5*time.Second, discardLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}
	t.Cleanup(svc.Close)
	if !svc.Healthy() {
		t.Fatal("router should be healthy after start")
	}
	return client
}

func request(t *testing.T, client *bus.Client, subject string, payload []byte) reply {
	t.Helper()
	msg, err := client.Conn().Request(subject, payload, 5*time.Second)
	if err != nil {
		t.Fatalf("request %s: %v", subject, err)
	}
	var r reply
	if err := json.Unmarshal(msg.Data, &r); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	return r
}

func TestDevicesList(t *testing.T) {
	client := setup(t)
	r := request(t, client, protocol.SubjectDevicesList, nil)
	if !r.OK {
		t.Fatalf("unexpected failure %+v", r)
	}
	var data struct {
		Devices []string `json:"devices"`
	}
	if err := json.Unmarshal(r.Data, &data); err != nil {
		t.Fatalf("decode devices: %v", err)
	}
	if len(data.Devices) == 0 {
		t.Fatal("expected at least one device")
	}
}

func TestCaptureLifecycle(t *testing.T) {
	client := setup(t)

	r := request(t, client, protocol.SubjectCaptureStart, []byte(`{"device_name":""}`))
	if !r.OK {
		t.Fatalf("start failed: %+v", r)
	}
	var started struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(r.Data, &started); err != nil || started.SessionID == "" {
		t.Fatalf("missing session id: %s %v", r.Data, err)
	}

	r = request(t, client, protocol.SubjectCaptureStart, nil)
	if r.OK || r.Kind != protocol.KindBusy {
		t.Fatalf("expected Busy on second start, got %+v", r)
	}

	r = request(t, client, protocol.SubjectCaptureStatus, nil)
	var status struct {
		State     string `json:"state"`
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(r.Data, &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.State != "capturing" || status.SessionID != started.SessionID {
		t.Fatalf("unexpected status %+v", status)
	}

	if r = request(t, client, protocol.SubjectCaptureStop, nil); !r.OK {
		t.Fatalf("stop failed: %+v", r)
	}
	if r = request(t, client, protocol.SubjectCaptureStop, nil); !r.OK {
		t.Fatalf("second stop should succeed: %+v", r)
	}
}

func TestInvalidAndUnavailable(t *testing.T) {
	client := setup(t)
	r := request(t, client, protocol.SubjectCaptureStart, []byte(`{not json`))
	if r.OK || r.Kind != protocol.KindInvalidRequest {
		t.Fatalf("expected InvalidRequest, got %+v", r)
	}
	r = request(t, client, protocol.SubjectInterviewRespond, []byte(`{"transcription":"hi"}`))
	if r.OK || r.Kind != protocol.KindUnavailable {
		t.Fatalf("expected Unavailable, got %+v", r)
	}
	r = request(t, client, protocol.SubjectCaptureStart, []byte(`{"device_name":"Nonexistent"}`))
	if r.OK || r.Kind != protocol.KindDeviceUnavailable {
		t.Fatalf("expected DeviceUnavailable, got %+v", r)
	}
}
