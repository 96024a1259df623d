package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/scriptd/internal/execution"
	"github.com/loykin/scriptd/internal/history"
	"github.com/loykin/scriptd/internal/metrics"
	"github.com/loykin/scriptd/internal/process"
	"github.com/loykin/scriptd/internal/registry"
	"github.com/loykin/scriptd/internal/store"
)

var (
	ErrShuttingDown     = errors.New("manager is shutting down")
	ErrStoreUnavailable = errors.New("store unavailable")
)

const (
	DefaultPersistInitialInterval = 200 * time.Millisecond
	DefaultPersistMaxElapsed      = 30 * time.Second
	DefaultStopTimeout            = 5 * time.Second
	DefaultHistoryTimeout         = 5 * time.Second
	persistAttemptTimeout         = 5 * time.Second
)

// Config tunes persistence retries and shutdown.
type Config struct {
	PersistInitialInterval time.Duration
	PersistMaxElapsed      time.Duration
	StopTimeout            time.Duration // SIGTERM to SIGKILL grace on shutdown
	HistoryTimeout         time.Duration
}

func (c Config) withDefaults() Config {
	if c.PersistInitialInterval <= 0 {
		c.PersistInitialInterval = DefaultPersistInitialInterval
	}
	if c.PersistMaxElapsed <= 0 {
		c.PersistMaxElapsed = DefaultPersistMaxElapsed
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.HistoryTimeout <= 0 {
		c.HistoryTimeout = DefaultHistoryTimeout
	}
	return c
}

// Runner spawns a script and streams its output into sink.
type Runner interface {
	Start(ctx context.Context, req process.Request, sink process.Sink) (*process.Handle, error)
}

// Manager owns the lifecycle of every execution: it records the run, spawns
// the script, feeds the registry and writes the final record.
type Manager struct {
	cfg    Config
	st     store.Store
	reg    *registry.Registry
	runner Runner
	log    *slog.Logger
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	histSinks []history.Sink
	handles   map[string]*process.Handle
	closing   bool
	wg        sync.WaitGroup
}

func New(cfg Config, st store.Store, reg *registry.Registry, runner Runner, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:     cfg.withDefaults(),
		st:      st,
		reg:     reg,
		runner:  runner,
		log:     log,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		handles: make(map[string]*process.Handle),
	}
}

// SetHistorySinks configures external history sinks (OpenSearch, ClickHouse, Kafka, etc.).
// Passing nil or no sinks clears the list.
func (m *Manager) SetHistorySinks(sinks ...history.Sink) {
	m.mu.Lock()
	m.histSinks = append([]history.Sink(nil), sinks...)
	m.mu.Unlock()
}

func (m *Manager) Registry() *registry.Registry { return m.reg }

func (m *Manager) Store() store.Store { return m.st }

// Execute starts scriptID in the background and returns the new execution id.
// An unknown script yields store.ErrNotFound and leaves no record behind.
func (m *Manager) Execute(ctx context.Context, scriptID string) (string, error) {
	ex, _, err := m.launch(ctx, scriptID, false)
	if err != nil {
		return "", err
	}
	return ex.ID, nil
}

// ExecuteAndSubscribe is Execute with a subscription attached before the
// process is spawned, so the caller sees the complete output.
func (m *Manager) ExecuteAndSubscribe(ctx context.Context, scriptID string) (*registry.Subscription, execution.Execution, error) {
	ex, sub, err := m.launch(ctx, scriptID, true)
	return sub, ex, err
}

func (m *Manager) launch(ctx context.Context, scriptID string, subscribe bool) (execution.Execution, *registry.Subscription, error) {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return execution.Execution{}, nil, ErrShuttingDown
	}
	m.wg.Add(1)
	m.mu.Unlock()
	started := false
	defer func() {
		if !started {
			m.wg.Done()
		}
	}()

	sc, err := m.st.GetScript(ctx, scriptID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return execution.Execution{}, nil, fmt.Errorf("script %q: %w", scriptID, store.ErrNotFound)
		}
		return execution.Execution{}, nil, fmt.Errorf("%w: load script: %v", ErrStoreUnavailable, err)
	}

	ex := execution.New(uuid.NewString(), sc.ID, sc.Name, m.now())
	if err := m.st.CreateExecution(ctx, ex); err != nil {
		return execution.Execution{}, nil, fmt.Errorf("%w: record execution: %v", ErrStoreUnavailable, err)
	}
	if err := m.reg.Create(ex); err != nil {
		return execution.Execution{}, nil, fmt.Errorf("register execution %s: %w", ex.ID, err)
	}
	var sub *registry.Subscription
	if subscribe {
		if sub, _, err = m.reg.Subscribe(ex.ID); err != nil {
			m.log.Warn("Subscribe to new execution failed", "execution_id", ex.ID, "error", err)
		}
	}

	started = true
	metrics.IncStarted()
	m.log.Info("Execution started", "execution_id", ex.ID, "script_id", sc.ID, "script", sc.Name)
	go m.run(ex, sc.Content)
	return ex, sub, nil
}

// track reports false when shutdown already began; the caller stops h.
func (m *Manager) track(id string, h *process.Handle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handles[id] = h
	return !m.closing
}

func (m *Manager) untrack(id string) {
	m.mu.Lock()
	delete(m.handles, id)
	m.mu.Unlock()
}

// Running returns snapshots of every execution still in flight.
func (m *Manager) Running() []execution.Execution { return m.reg.Running() }

// Reconcile fails persisted executions left running by a previous daemon
// instance. It returns how many records were closed.
func (m *Manager) Reconcile(ctx context.Context) (int, error) {
	stale, err := m.st.ListRunning(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, ex := range stale {
		if _, live := m.reg.Get(ex.ID); live {
			continue
		}
		ex.Apply(execution.Failure("interrupted: daemon stopped before the script finished"))
		if err := ex.Finish(execution.StatusFailed, execution.SpawnFailedExitCode, m.now()); err != nil {
			continue
		}
		if err := m.st.UpdateExecution(ctx, ex); err != nil {
			return n, fmt.Errorf("reconcile %s: %w", ex.ID, err)
		}
		n++
	}
	if n > 0 {
		m.log.Warn("Closed stale executions", "count", n)
	}
	return n, nil
}

// Shutdown refuses new executions, stops the ones in flight and waits for
// their final records to be written.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	handles := make([]*process.Handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.Unlock()
	m.cancel()

	for _, h := range handles {
		go h.Stop(m.cfg.StopTimeout)
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
