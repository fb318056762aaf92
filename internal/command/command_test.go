package command

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/loqalabs/loqa-scribe/internal/capture"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/llm"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/loqalabs/loqa-scribe/internal/stt"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Capture.Driver = "synthetic"
	cfg.Capture.PeriodFrames = 480
	cfg.Capture.CloseTimeoutMS = 500
	cfg.Capture.Synthetic.Devices = []string{"Built-in Microphone", "BlackHole 2ch"}
	cfg.Capture.Synthetic.Signal = "silence"
	cfg.STT.Mode = "mock"
	return cfg
}

func newService(t *testing.T, cfg config.Config, responder *llm.Responder, withJournal bool) *Service {
	t.Helper()
	var (
		journal session.Journal
		history History
	)
	if withJournal {
		store, err := eventstore.Open(context.Background(), config.EventStoreConfig{
			Path:          filepath.Join(t.TempDir(), "journal.db"),
			RetentionMode: "session",
		}, discardLogger())
		if err != nil {
			t.Fatalf("open journal: %v", err)
		}
		t.Cleanup(func() { _ = store.Close() })
		journal, history = store, store
	}
	ctrl := session.New(context.Background(), session.Options{
		Config:  cfg,
		Driver:  capture.NewSyntheticDriver(cfg.Capture.Synthetic),
		Journal: journal,
		NewRecognizer: func(config.STTConfig) (stt.Recognizer, error) {
			return stt.NewMockRecognizer(), nil
		},
		Logger: discardLogger(),
	})
	t.Cleanup(func() { _ = ctrl.Close(context.Background()) })
	return New(ctrl, responder, history)
}

func TestDevicesAndSystemAudio(t *testing.T) {
	svc := newService(t, testConfig(), nil, false)
	names, err := svc.Devices(context.Background())
	if err != nil {
		t.Fatalf("devices: %v", err)
	}
	if len(names) != 2 || names[1] != "BlackHole 2ch (System Audio)" {
		t.Fatalf("unexpected devices %v", names)
	}
	sys, err := svc.SystemAudioDevice(context.Background())
	if err != nil || sys != "BlackHole 2ch" {
		t.Fatalf("unexpected system device %q %v", sys, err)
	}
}

func TestPermissionsDenied(t *testing.T) {
	cfg := testConfig()
	cfg.Capture.Synthetic.DenyAccess = true
	svc := newService(t, cfg, nil, false)
	ok, err := svc.CheckPermissions(context.Background())
	if err != nil || ok {
		t.Fatalf("expected denied permission, got %v %v", ok, err)
	}
	_, err = svc.StartCapture(context.Background(), "")
	if KindOf(err) != protocol.KindPermissionDenied {
		t.Fatalf("expected PermissionDenied, got %v (%v)", KindOf(err), err)
	}
}

func TestStartStopRecordsHistory(t *testing.T) {
	svc := newService(t, testConfig(), nil, true)
	ctx := context.Background()
	id, err := svc.StartCapture(ctx, " BlackHole 2ch (System Audio) ")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if st := svc.Status(); st.State != session.StateCapturing || st.Device != "BlackHole 2ch" {
		t.Fatalf("unexpected status %+v", st)
	}
	if _, err := svc.StartCapture(ctx, ""); KindOf(err) != protocol.KindBusy {
		t.Fatalf("expected Busy on second start, got %v", err)
	}
	if err := svc.StopCapture(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	sessions, err := svc.Sessions(ctx, 10)
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != id || sessions[0].Reason != "requested" {
		t.Fatalf("unexpected sessions %+v", sessions)
	}
	evts, err := svc.SessionEvents(ctx, id, 0)
	if err != nil || len(evts) < 2 {
		t.Fatalf("expected lifecycle events, got %v %v", evts, err)
	}
	if _, err := svc.SessionEvents(ctx, " ", 0); KindOf(err) != protocol.KindInvalidRequest {
		t.Fatalf("expected InvalidRequest for blank id, got %v", err)
	}
}

func TestUnavailableFeatures(t *testing.T) {
	svc := newService(t, testConfig(), nil, false)
	if _, err := svc.InterviewResponse(context.Background(), "why?"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if _, err := svc.Sessions(context.Background(), 5); KindOf(err) != protocol.KindUnavailable {
		t.Fatalf("expected Unavailable, got %v", err)
	}
}

func TestInterviewResponse(t *testing.T) {
	responder, err := llm.NewResponder(config.Default().LLM, llm.NewMockGenerator(), discardLogger())
	if err != nil {
		t.Fatalf("responder: %v", err)
	}
	svc := newService(t, testConfig(), responder, false)
	answer, err := svc.InterviewResponse(context.Background(), "Describe a project")
	if err != nil || answer == "" {
		t.Fatalf("unexpected answer %q %v", answer, err)
	}
	if _, err := svc.InterviewResponse(context.Background(), ""); KindOf(err) != protocol.KindInvalidRequest {
		t.Fatalf("expected InvalidRequest, got %v", err)
	}
}

func TestReplyEnvelope(t *testing.T) {
	ok := Reply([]string{"a"}, nil)
	if !ok.OK || ok.Error != "" {
		t.Fatalf("unexpected ok reply %+v", ok)
	}
	bad := Reply(nil, session.ErrAlreadyCapturing)
	if bad.OK || bad.Kind != protocol.KindBusy || bad.Error == "" {
		t.Fatalf("unexpected error reply %+v", bad)
	}
}

func TestKindOfDeadline(t *testing.T) {
	err := fmt.Errorf("llm generate: %w", context.DeadlineExceeded)
	if KindOf(err) != protocol.KindUnavailable {
		t.Fatalf("expected Unavailable, got %v", KindOf(err))
	}
	if KindOf(errors.New("boom")) != protocol.KindInternal {
		t.Fatalf("expected Internal for unknown errors")
	}
}
