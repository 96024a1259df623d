package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/loykin/scriptd/internal/execution"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
	ErrInvalid  = errors.New("invalid")
)

// Script is a stored shell script definition.
type Script struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Content     string    `json:"content"`
	Tags        []string  `json:"tags"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// MaxNameLength bounds Script.Name.
const MaxNameLength = 255

// Validate checks the fields every stored script must satisfy.
func (s Script) Validate() error {
	name := strings.TrimSpace(s.Name)
	if name == "" {
		return errors.Join(ErrInvalid, errors.New("name is required"))
	}
	if len(name) > MaxNameLength {
		return errors.Join(ErrInvalid, errors.New("name is longer than 255 characters"))
	}
	if strings.TrimSpace(s.Content) == "" {
		return errors.Join(ErrInvalid, errors.New("content is required"))
	}
	return nil
}

// NormalizeTags trims, drops empties and deduplicates while keeping order.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// ScriptFilter narrows ListScripts. Empty fields match everything.
// Search matches name or description case-insensitively.
type ScriptFilter struct {
	Tag    string
	Search string
}

// ExecutionFilter narrows and pages ListExecutions.
type ExecutionFilter struct {
	ScriptID string
	Limit    int
	Offset   int
}

// Counts is the aggregate view of persisted execution statuses.
type Counts struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
	Running    int `json:"running"`
}

// ScriptStore is durable CRUD for script definitions.
type ScriptStore interface {
	CreateScript(ctx context.Context, s Script) error
	GetScript(ctx context.Context, id string) (Script, error)
	UpdateScript(ctx context.Context, s Script) error
	DeleteScript(ctx context.Context, id string) error
	ListScripts(ctx context.Context, f ScriptFilter) ([]Script, error)
	CountScripts(ctx context.Context) (int, error)
}

// ExecutionStore persists execution records. UpdateExecution is expected
// once per execution, when it reaches a terminal state.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, e execution.Execution) error
	UpdateExecution(ctx context.Context, e execution.Execution) error
	GetExecution(ctx context.Context, id string) (execution.Execution, error)
	ListExecutions(ctx context.Context, f ExecutionFilter) ([]execution.Execution, error)
	CountExecutions(ctx context.Context, scriptID string) (int, error)
	AggregateCounts(ctx context.Context) (Counts, error)
	ListRunning(ctx context.Context) ([]execution.Execution, error)
}

// Store is the full persistence backend used by the daemon.
type Store interface {
	ScriptStore
	ExecutionStore
	EnsureSchema(ctx context.Context) error
	Close() error
}
