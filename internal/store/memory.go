package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/loykin/scriptd/internal/execution"
)

// Memory is an in-process Store used for tests and "memory://" DSNs.
type Memory struct {
	mu         sync.RWMutex
	scripts    map[string]Script
	executions map[string]execution.Execution
	closed     bool
}

func NewMemory() *Memory {
	return &Memory{
		scripts:    make(map[string]Script),
		executions: make(map[string]execution.Execution),
	}
}

var ErrClosed = errors.New("store closed")

func (m *Memory) EnsureSchema(context.Context) error { return nil }

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func copyScript(s Script) Script {
	s.Tags = append([]string{}, s.Tags...)
	return s
}

func (m *Memory) nameTaken(name, exceptID string) bool {
	for id, s := range m.scripts {
		if id != exceptID && s.Name == name {
			return true
		}
	}
	return false
}

func (m *Memory) CreateScript(_ context.Context, s Script) error {
	if err := s.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	s.Name = strings.TrimSpace(s.Name)
	if _, ok := m.scripts[s.ID]; ok || m.nameTaken(s.Name, "") {
		return fmt.Errorf("script %q: %w", s.Name, ErrConflict)
	}
	s.Tags = NormalizeTags(s.Tags)
	s.CreatedAt, s.UpdatedAt = s.CreatedAt.UTC(), s.UpdatedAt.UTC()
	m.scripts[s.ID] = copyScript(s)
	return nil
}

func (m *Memory) GetScript(_ context.Context, id string) (Script, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Script{}, ErrClosed
	}
	s, ok := m.scripts[id]
	if !ok {
		return Script{}, fmt.Errorf("script %s: %w", id, ErrNotFound)
	}
	return copyScript(s), nil
}

func (m *Memory) UpdateScript(_ context.Context, s Script) error {
	if err := s.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	cur, ok := m.scripts[s.ID]
	if !ok {
		return fmt.Errorf("script %s: %w", s.ID, ErrNotFound)
	}
	s.Name = strings.TrimSpace(s.Name)
	if m.nameTaken(s.Name, s.ID) {
		return fmt.Errorf("script %q: %w", s.Name, ErrConflict)
	}
	s.Tags = NormalizeTags(s.Tags)
	s.CreatedAt = cur.CreatedAt
	s.UpdatedAt = s.UpdatedAt.UTC()
	m.scripts[s.ID] = copyScript(s)
	return nil
}

func (m *Memory) DeleteScript(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.scripts[id]; !ok {
		return fmt.Errorf("script %s: %w", id, ErrNotFound)
	}
	delete(m.scripts, id)
	return nil
}

func (m *Memory) ListScripts(_ context.Context, f ScriptFilter) ([]Script, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	tag := strings.TrimSpace(f.Tag)
	search := strings.ToLower(strings.TrimSpace(f.Search))
	out := make([]Script, 0, len(m.scripts))
	for _, s := range m.scripts {
		if tag != "" && !hasTag(s.Tags, tag) {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(s.Name), search) &&
			!strings.Contains(strings.ToLower(s.Description), search) {
			continue
		}
		out = append(out, copyScript(s))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

func (m *Memory) CountScripts(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrClosed
	}
	return len(m.scripts), nil
}

func (m *Memory) CreateExecution(_ context.Context, e execution.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.executions[e.ID]; ok {
		return fmt.Errorf("execution %s: %w", e.ID, ErrConflict)
	}
	m.executions[e.ID] = e.Clone()
	return nil
}

func (m *Memory) UpdateExecution(_ context.Context, e execution.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	cur, ok := m.executions[e.ID]
	if !ok {
		return fmt.Errorf("execution %s: %w", e.ID, ErrNotFound)
	}
	next := e.Clone()
	// identity columns are immutable, as in the SQL UPDATE
	next.ScriptID, next.ScriptName, next.StartedAt = cur.ScriptID, cur.ScriptName, cur.StartedAt
	m.executions[e.ID] = next
	return nil
}

func (m *Memory) GetExecution(_ context.Context, id string) (execution.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return execution.Execution{}, ErrClosed
	}
	e, ok := m.executions[id]
	if !ok {
		return execution.Execution{}, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	return e.Clone(), nil
}

func (m *Memory) sortedExecutions(keep func(execution.Execution) bool) []execution.Execution {
	out := make([]execution.Execution, 0)
	for _, e := range m.executions {
		if keep(e) {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

func (m *Memory) ListExecutions(_ context.Context, f ExecutionFilter) ([]execution.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := m.sortedExecutions(func(e execution.Execution) bool {
		return f.ScriptID == "" || e.ScriptID == f.ScriptID
	})
	if f.Limit > 0 {
		off := min(max(f.Offset, 0), len(out))
		end := min(off+f.Limit, len(out))
		out = out[off:end]
	}
	return out, nil
}

func (m *Memory) CountExecutions(_ context.Context, scriptID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrClosed
	}
	if scriptID == "" {
		return len(m.executions), nil
	}
	n := 0
	for _, e := range m.executions {
		if e.ScriptID == scriptID {
			n++
		}
	}
	return n, nil
}

func (m *Memory) ListRunning(context.Context) ([]execution.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := m.sortedExecutions(func(e execution.Execution) bool { return e.Status == execution.StatusRunning })
	// oldest first, matching the SQL store
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (m *Memory) AggregateCounts(context.Context) (Counts, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Counts{}, ErrClosed
	}
	var c Counts
	for _, e := range m.executions {
		c.Total++
		switch e.Status {
		case execution.StatusCompleted:
			c.Successful++
		case execution.StatusFailed:
			c.Failed++
		case execution.StatusRunning:
			c.Running++
		}
	}
	return c, nil
}
