package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/loykin/scriptd/internal/execution"
	"github.com/loykin/scriptd/internal/history"
	"github.com/loykin/scriptd/internal/metrics"
	"github.com/loykin/scriptd/internal/process"
	"github.com/loykin/scriptd/internal/registry"
	"github.com/loykin/scriptd/internal/store"
)

// run is the single writer for ex.ID from spawn to the final record.
func (m *Manager) run(ex execution.Execution, content string) {
	defer m.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("Execution panicked", "execution_id", ex.ID, "panic", r)
			m.finish(ex.ID, execution.StatusFailed, execution.SpawnFailedExitCode, fmt.Sprintf("internal error: %v", r))
		}
	}()

	m.record(history.EventStarted, ex)

	sink := func(ev execution.Event) {
		if err := m.reg.Append(ex.ID, ev); err != nil {
			m.log.Debug("Dropped output event", "execution_id", ex.ID, "error", err)
		}
	}
	h, err := m.runner.Start(m.ctx, process.Request{
		ExecutionID: ex.ID,
		ScriptID:    ex.ScriptID,
		ScriptName:  ex.ScriptName,
		Content:     content,
	}, sink)
	if err != nil {
		metrics.IncSpawnFailure()
		m.log.Warn("Script failed to start", "execution_id", ex.ID, "script_id", ex.ScriptID, "error", err)
		m.finish(ex.ID, execution.StatusFailed, execution.SpawnFailedExitCode, err.Error())
		return
	}
	if !m.track(ex.ID, h) {
		go h.Stop(m.cfg.StopTimeout)
	}
	res := h.Wait()
	m.untrack(ex.ID)

	diag := ""
	if res.Err != nil {
		diag = res.Err.Error()
	}
	m.finish(ex.ID, execution.StatusForExitCode(res.ExitCode), res.ExitCode, diag)
}

// finish writes the final record, then finalizes the registry entry so that
// observers receive the terminal status. A failed write is retried with
// backoff after observers have been released.
func (m *Manager) finish(id string, status execution.Status, code int, diag string) {
	if diag != "" {
		_ = m.reg.Append(id, execution.Failure(diag))
	}
	at := m.now()
	snap, ok := m.reg.Get(id)
	if !ok {
		m.log.Error("Execution vanished from registry", "execution_id", id)
		return
	}
	if snap.Status.IsTerminal() {
		return
	}
	if err := snap.Finish(status, code, at); err != nil {
		m.log.Error("Cannot finish execution", "execution_id", id, "error", err)
		return
	}
	persisted := m.persistOnce(snap) == nil

	final, err := m.reg.Finalize(id, status, code, at)
	if err != nil {
		if errors.Is(err, registry.ErrAlreadyFinalized) {
			return
		}
		m.log.Error("Cannot finalize execution", "execution_id", id, "error", err)
		return
	}
	if !persisted {
		if err := m.persistRetry(final); err != nil {
			metrics.IncPersistFailure("finalize")
			m.log.Error("Final execution record lost", "execution_id", id, "error", err)
		}
	}

	metrics.ObserveFinished(final.Status.String(), final.Duration().Seconds())
	m.log.Info("Execution finished",
		"execution_id", id,
		"status", final.Status,
		"exit_code", code,
		"duration", final.Duration())
	m.record(history.EventFinished, final)
}

func (m *Manager) persistOnce(e execution.Execution) error {
	ctx, cancel := context.WithTimeout(context.Background(), persistAttemptTimeout)
	defer cancel()
	return m.st.UpdateExecution(ctx, e)
}

func (m *Manager) persistRetry(e execution.Execution) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.PersistInitialInterval
	b.MaxElapsedTime = m.cfg.PersistMaxElapsed
	op := func() error {
		err := m.persistOnce(e)
		if errors.Is(err, store.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		m.log.Warn("Persisting execution failed, retrying", "execution_id", e.ID, "error", err, "retry_in", next)
	}
	return backoff.RetryNotify(op, b, notify)
}

func (m *Manager) record(t history.EventType, ex execution.Execution) {
	m.mu.Lock()
	sinks := append([]history.Sink(nil), m.histSinks...)
	m.mu.Unlock()
	if len(sinks) == 0 {
		return
	}
	evt := history.Event{Type: t, OccurredAt: m.now().UTC(), Execution: ex}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HistoryTimeout)
	defer cancel()
	for _, s := range sinks {
		if err := s.Send(ctx, evt); err != nil {
			metrics.IncHistoryFailure()
			m.log.Warn("History sink failed", "execution_id", ex.ID, "event", t, "error", err)
		}
	}
}
