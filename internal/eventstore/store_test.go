package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.BeginSession(ctx, "s", "mic"); err != nil {
		t.Fatalf("ephemeral begin should be a no-op: %v", err)
	}
	events, err := es.ListSessionEvents(ctx, "s", 10)
	if err != nil || events != nil {
		t.Fatalf("expected nothing from ephemeral store, got %v %v", events, err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "events.db"), RetentionMode: "session"}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	sessionID := "session-123"
	if err := es.BeginSession(context.Background(), sessionID, "BlackHole 2ch"); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	if err := es.AppendEvent(context.Background(), Event{SessionID: sessionID, Type: TypeSessionStarted, Payload: []byte(`{"device":"BlackHole 2ch"}`)}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := es.AppendEvent(context.Background(), Event{SessionID: sessionID, Type: TypeSessionStopped, TraceID: "abc"}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := es.EndSession(context.Background(), sessionID, Summary{Reason: "requested", Chunks: 4, Transcribed: 3, ChunksDropped: 1}); err != nil {
		t.Fatalf("end session: %v", err)
	}

	events, err := es.ListSessionEvents(context.Background(), sessionID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != TypeSessionStarted || string(events[0].Payload) != `{"device":"BlackHole 2ch"}` {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
	if events[1].TraceID != "abc" {
		t.Fatalf("unexpected trace id %q", events[1].TraceID)
	}

	sessions, err := es.ListSessions(context.Background(), 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Device != "BlackHole 2ch" || sessions[0].Reason != "requested" {
		t.Fatalf("unexpected sessions %+v", sessions)
	}
	if sessions[0].EndedAt == nil || sessions[0].StartedAt.IsZero() {
		t.Fatalf("expected start and end times, got %+v", sessions[0])
	}
	if sessions[0].Chunks != 4 || sessions[0].Transcribed != 3 || sessions[0].ChunksDropped != 1 {
		t.Fatalf("summary not recorded: %+v", sessions[0].Summary)
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "events.db"), RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.BeginSession(context.Background(), "old-session", "mic"); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	if err := es.AppendEvent(context.Background(), Event{SessionID: "old-session", Type: TypeSessionStarted}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.BeginSession(context.Background(), "new-session", "mic"); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	if err := es.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListSessionEvents(context.Background(), "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old session pruned")
	}
	sessions, err := es.ListSessions(context.Background(), 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "new-session" {
		t.Fatalf("expected only new-session to remain, got %+v", sessions)
	}
}

func TestReopenKeepsSchemaAndRows(t *testing.T) {
	cfg := config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "events.db"), RetentionMode: "session"}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	if err := es.BeginSession(context.Background(), "kept", "mic"); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	if err := es.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	es, err = Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("reopen event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	var version int
	if err := es.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		t.Fatalf("read version: %v", err)
	}
	if version != len(migrations) {
		t.Fatalf("expected schema version %d, got %d", len(migrations), version)
	}
	sessions, err := es.ListSessions(context.Background(), 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "kept" || sessions[0].EndedAt != nil {
		t.Fatalf("unexpected sessions after reopen %+v", sessions)
	}
}

func TestTimestampScan(t *testing.T) {
	want := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)
	for _, v := range []any{want, "2025-03-04T05:06:07Z", []byte("2025-03-04 05:06:07+00:00"), "2025-03-04 05:06:07"} {
		var ts timestamp
		if err := ts.Scan(v); err != nil {
			t.Fatalf("scan %v: %v", v, err)
		}
		if !ts.valid || !ts.t.Equal(want) {
			t.Fatalf("scan %v: got %v", v, ts.t)
		}
	}
	var ts timestamp
	if err := ts.Scan(nil); err != nil || ts.valid {
		t.Fatalf("nil should scan as invalid: %+v %v", ts, err)
	}
	if err := ts.Scan("yesterday"); err == nil {
		t.Fatal("expected error for unparseable text")
	}
}
