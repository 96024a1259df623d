package sqlsink

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/scriptd/internal/execution"
	"github.com/loykin/scriptd/internal/history"
)

func TestSQLiteSinkRecordsLifecycle(t *testing.T) {
	s, err := New("sqlite://" + filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	start := time.Now().UTC()
	ex := execution.New("e1", "s1", "demo", start)
	if err := s.Send(ctx, history.Event{Type: history.EventStarted, OccurredAt: start, Execution: ex}); err != nil {
		t.Fatalf("send started: %v", err)
	}
	_ = ex.Finish(execution.StatusCompleted, 0, start.Add(time.Second))
	if err := s.Send(ctx, history.Event{Type: history.EventFinished, OccurredAt: start.Add(time.Second), Execution: ex}); err != nil {
		t.Fatalf("send finished: %v", err)
	}

	rows, err := s.DB().QueryContext(ctx, `SELECT event, status, exit_code FROM execution_history WHERE execution_id = ? ORDER BY id`, "e1")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = rows.Close() }()
	var got []string
	for rows.Next() {
		var (
			event, status string
			code          *int64
		)
		if err := rows.Scan(&event, &status, &code); err != nil {
			t.Fatal(err)
		}
		entry := event + ":" + status
		if code != nil {
			entry += ":exit"
		}
		got = append(got, entry)
	}
	if len(got) != 2 || got[0] != "started:running" || got[1] != "finished:completed:exit" {
		t.Fatalf("unexpected rows %v", got)
	}
}

func TestEmptyDSN(t *testing.T) {
	if _, err := New(" "); err == nil {
		t.Fatal("expected error")
	}
}
