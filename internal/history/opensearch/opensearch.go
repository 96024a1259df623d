package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/loykin/scriptd/internal/history"
)

// Sink indexes events into OpenSearch (or Elasticsearch) over its REST API.
// Each event is POSTed to baseURL/index/_doc.
type Sink struct {
	client  *http.Client
	baseURL string
	index   string
}

func New(baseURL, index string) *Sink {
	c := &http.Client{Timeout: 5 * time.Second}
	return &Sink{client: c, baseURL: strings.TrimRight(baseURL, "/"), index: index}
}

// document flattens an event so each execution field is indexable.
type document struct {
	Type        history.EventType `json:"type"`
	OccurredAt  time.Time         `json:"occurred_at"`
	ExecutionID string            `json:"execution_id"`
	ScriptID    string            `json:"script_id"`
	ScriptName  string            `json:"script_name"`
	Status      string            `json:"status"`
	ExitCode    *int              `json:"exit_code,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	DurationMS  int64             `json:"duration_ms"`
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	ex := e.Execution
	b, err := json.Marshal(document{
		Type:        e.Type,
		OccurredAt:  e.OccurredAt.UTC(),
		ExecutionID: ex.ID,
		ScriptID:    ex.ScriptID,
		ScriptName:  ex.ScriptName,
		Status:      ex.Status.String(),
		ExitCode:    ex.ExitCode,
		StartedAt:   ex.StartedAt,
		CompletedAt: ex.CompletedAt,
		DurationMS:  ex.Duration().Milliseconds(),
	})
	if err != nil {
		return err
	}
	u := fmt.Sprintf("%s/%s/_doc", s.baseURL, s.index)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("opensearch sink status %d", resp.StatusCode)
	}
	return nil
}
