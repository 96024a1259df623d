package manager

import (
	"context"
	"errors"

	"github.com/loykin/scriptd/internal/execution"
	"github.com/loykin/scriptd/internal/registry"
	"github.com/loykin/scriptd/internal/store"
)

// Stats is a point-in-time summary. Running comes from the registry, the
// terminal counts from the store, and Total is their sum.
type Stats struct {
	TotalScripts         int `json:"total_scripts"`
	TotalExecutions      int `json:"total_executions"`
	SuccessfulExecutions int `json:"successful_executions"`
	FailedExecutions     int `json:"failed_executions"`
	RunningExecutions    int `json:"running_executions"`
}

func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	scripts, err := m.st.CountScripts(ctx)
	if err != nil {
		return Stats{}, err
	}
	c, err := m.st.AggregateCounts(ctx)
	if err != nil {
		return Stats{}, err
	}
	running := m.reg.CountRunning()
	return Stats{
		TotalScripts:         scripts,
		TotalExecutions:      c.Successful + c.Failed + running,
		SuccessfulExecutions: c.Successful,
		FailedExecutions:     c.Failed,
		RunningExecutions:    running,
	}, nil
}

// GetExecution prefers the live registry entry and falls back to the store.
func (m *Manager) GetExecution(ctx context.Context, id string) (execution.Execution, error) {
	if ex, ok := m.reg.Get(id); ok {
		return ex, nil
	}
	return m.st.GetExecution(ctx, id)
}

// ListExecutions returns one page, most recent first, with live entries
// overlaid on their persisted rows, plus the unpaged total.
func (m *Manager) ListExecutions(ctx context.Context, f store.ExecutionFilter) ([]execution.Execution, int, error) {
	list, err := m.st.ListExecutions(ctx, f)
	if err != nil {
		return nil, 0, err
	}
	total, err := m.st.CountExecutions(ctx, f.ScriptID)
	if err != nil {
		return nil, 0, err
	}
	for i, ex := range list {
		if live, ok := m.reg.Get(ex.ID); ok {
			list[i] = live
		}
	}
	return list, total, nil
}

// Attach subscribes to a running execution. When the execution is no longer
// live, sub is nil and ex holds the last known record. Unknown ids yield
// store.ErrNotFound.
func (m *Manager) Attach(ctx context.Context, id string) (*registry.Subscription, execution.Execution, error) {
	sub, snap, err := m.reg.Subscribe(id)
	switch {
	case err == nil:
		return sub, snap, nil
	case errors.Is(err, registry.ErrFinalized):
		return nil, snap, nil
	}
	ex, err := m.st.GetExecution(ctx, id)
	if err != nil {
		return nil, execution.Execution{}, err
	}
	return nil, ex, nil
}
