package eventlog //nolint:testpackage // exercises buildQuery directly

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ralph/pkg/protocol"
)

// newTestLog creates a populated event database and returns a Reader on it.
func newTestLog(t *testing.T) *Reader {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "hub.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if _, err := db.Exec(protocol.SchemaDDL); err != nil {
		t.Fatalf("init schema: %v", err)
	}

	rows := []struct {
		evType, source, taskID, workerID, payload, createdAt string
	}{
		{"register", "w-1", "", "w-1", "", "2026-02-01 10:00:00"},
		{"trigger", "alice", "t-1", "w-1", `{"project":"api"}`, "2026-02-01 10:01:00"},
		{"start", "w-1", "t-1", "w-1", "", "2026-02-01 10:01:05"},
		{"complete", "w-1", "t-1", "w-1", `{"success":true,"turns":4}`, "2026-02-01 10:09:00"},
		{"trigger", "bob", "t-2", "w-2", `{"project":"web"}`, "2026-02-01 11:00:00"},
		{"error", "w-2", "t-2", "w-2", "spawn failed", "2026-02-01 11:00:30"},
	}
	for _, r := range rows {
		_, err := db.Exec(
			`INSERT INTO events (type, source, task_id, worker_id, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			r.evType, r.source, r.taskID, r.workerID, r.payload, r.createdAt)
		if err != nil {
			t.Fatalf("insert event: %v", err)
		}
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	reader, err := NewReader(dbPath)
	if err != nil {
		t.Fatalf("new reader: %v", err)
	}
	t.Cleanup(func() { _ = reader.Close() })
	return reader
}

func TestNewReader_MissingDatabase(t *testing.T) {
	t.Parallel()
	_, err := NewReader(filepath.Join(t.TempDir(), "absent.db"))
	if err == nil || !strings.Contains(err.Error(), "database not found") {
		t.Fatalf("expected database-not-found error, got %v", err)
	}
}

func TestQuery_AllNewestFirst(t *testing.T) {
	t.Parallel()
	r := newTestLog(t)

	events, err := r.Query(context.Background(), QueryOpts{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 6 {
		t.Fatalf("expected 6 events, got %d", len(events))
	}
	if events[0].Type != "error" || events[5].Type != "register" {
		t.Errorf("order wrong: first=%s last=%s", events[0].Type, events[5].Type)
	}
	for i := 1; i < len(events); i++ {
		if events[i].ID > events[i-1].ID {
			t.Fatalf("not newest-first at index %d", i)
		}
	}
}

func TestQuery_FilterByTask(t *testing.T) {
	t.Parallel()
	r := newTestLog(t)

	events, err := r.Query(context.Background(), QueryOpts{TaskID: "t-1"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events for t-1, got %d", len(events))
	}
	for _, e := range events {
		if e.TaskID != "t-1" {
			t.Errorf("stray event %+v", e)
		}
	}
}

func TestQuery_FilterByTypeAndWorker(t *testing.T) {
	t.Parallel()
	r := newTestLog(t)

	events, err := r.Query(context.Background(), QueryOpts{EventType: "trigger", WorkerID: "w-2"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 1 || events[0].TaskID != "t-2" {
		t.Fatalf("expected the single t-2 trigger, got %+v", events)
	}
	if events[0].Payload != `{"project":"web"}` {
		t.Errorf("payload = %q", events[0].Payload)
	}
}

func TestQuery_TimeWindow(t *testing.T) {
	t.Parallel()
	r := newTestLog(t)

	after := time.Date(2026, 2, 1, 10, 30, 0, 0, time.UTC)
	events, err := r.Query(context.Background(), QueryOpts{After: &after})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events after 10:30, got %d", len(events))
	}

	before := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	events, err = r.Query(context.Background(), QueryOpts{Before: &before})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 1 || events[0].Type != "register" {
		t.Fatalf("expected only the register event, got %+v", events)
	}
}

func TestQuery_Limit(t *testing.T) {
	t.Parallel()
	r := newTestLog(t)

	events, err := r.Query(context.Background(), QueryOpts{Limit: 2})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != "error" {
		t.Errorf("limit should keep newest rows, got %s", events[0].Type)
	}
}

func TestQuery_ParsesTimestamps(t *testing.T) {
	t.Parallel()
	r := newTestLog(t)

	events, err := r.Query(context.Background(), QueryOpts{EventType: "register"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	want := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	if len(events) != 1 || !events[0].CreatedAt.Equal(want) {
		t.Errorf("created_at = %v, want %v", events[0].CreatedAt, want)
	}
}

func TestBuildQuery(t *testing.T) {
	t.Parallel()
	query, args := buildQuery(QueryOpts{TaskID: "t-1", EventType: "tool", Limit: 5})
	if !strings.Contains(query, "task_id = ?") || !strings.Contains(query, "type = ?") {
		t.Errorf("conditions missing: %s", query)
	}
	if !strings.HasSuffix(query, "ORDER BY id DESC LIMIT 5") {
		t.Errorf("suffix wrong: %s", query)
	}
	if len(args) != 2 {
		t.Errorf("args = %v", args)
	}

	query, args = buildQuery(QueryOpts{})
	if strings.Contains(query, "AND") || len(args) != 0 || strings.Contains(query, "LIMIT") {
		t.Errorf("unfiltered query has extras: %s %v", query, args)
	}
}
