package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/loykin/scriptd/internal/execution"
	"github.com/loykin/scriptd/internal/history"
)

func finishedEvent() history.Event {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ex := execution.New("e1", "s1", "backup", start)
	_ = ex.Finish(execution.StatusFailed, 3, start.Add(1500*time.Millisecond))
	return history.Event{Type: history.EventFinished, OccurredAt: start.Add(2 * time.Second), Execution: ex}
}

func TestOpenSearchSink_Send(t *testing.T) {
	var (
		receivedBody   []byte
		receivedURL    string
		receivedMethod string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedMethod = r.Method
		receivedURL = r.URL.Path
		receivedBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"result":"created"}`))
	}))
	defer server.Close()

	sink := New(server.URL+"/", "scriptd-history")
	if err := sink.Send(context.Background(), finishedEvent()); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if receivedMethod != http.MethodPost {
		t.Errorf("Expected POST method, got: %s", receivedMethod)
	}
	if receivedURL != "/scriptd-history/_doc" {
		t.Errorf("unexpected path %s", receivedURL)
	}
	var doc map[string]any
	if err := json.Unmarshal(receivedBody, &doc); err != nil {
		t.Fatalf("Failed to parse received JSON: %v", err)
	}
	if doc["type"] != "finished" || doc["execution_id"] != "e1" || doc["status"] != "failed" {
		t.Fatalf("unexpected document: %v", doc)
	}
	if doc["exit_code"] != float64(3) || doc["duration_ms"] != float64(1500) {
		t.Fatalf("unexpected exit/duration: %v", doc)
	}
}

func TestOpenSearchSink_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()
	if err := New(server.URL, "idx").Send(context.Background(), finishedEvent()); err == nil {
		t.Fatal("expected error on 400")
	}
}

func TestOpenSearchSink_Unreachable(t *testing.T) {
	sink := New("http://127.0.0.1:1", "idx")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sink.Send(ctx, finishedEvent()); err == nil {
		t.Fatal("expected connection error")
	}
}
