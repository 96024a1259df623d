// Package scriptd embeds the script execution daemon: a script store, a
// shell runner with live output fan-out, and the REST/WebSocket API.
package scriptd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/scriptd/internal/config"
	"github.com/loykin/scriptd/internal/execution"
	"github.com/loykin/scriptd/internal/history"
	hfactory "github.com/loykin/scriptd/internal/history/factory"
	"github.com/loykin/scriptd/internal/logger"
	"github.com/loykin/scriptd/internal/manager"
	"github.com/loykin/scriptd/internal/metrics"
	"github.com/loykin/scriptd/internal/process"
	"github.com/loykin/scriptd/internal/registry"
	"github.com/loykin/scriptd/internal/server"
	"github.com/loykin/scriptd/internal/store"
	sfactory "github.com/loykin/scriptd/internal/store/factory"
	itls "github.com/loykin/scriptd/internal/tls"
)

// Re-exported so embedders need not import internal packages.
type (
	Config      = config.Config
	Script      = store.Script
	Execution   = execution.Execution
	Stats       = manager.Stats
	ScriptInput = manager.ScriptInput
	ScriptPatch = manager.ScriptPatch
	HistorySink = history.Sink
)

// LoadConfig reads an optional TOML file plus SCRIPTD_* overrides.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// Daemon owns every long-lived component. Build it with New, run it with
// Serve and release it with Close.
type Daemon struct {
	cfg       *Config
	log       *slog.Logger
	logCloser io.Closer
	st        store.Store
	sinks     history.Multi
	mgr       *manager.Manager
	handler   http.Handler
	tls       *tls.Config
}

// New wires the daemon from cfg. Console log output goes to console
// (stderr when nil). Executions left running by a previous process are
// closed as failed before New returns.
func New(ctx context.Context, cfg *Config, console io.Writer) (d *Daemon, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d = &Daemon{cfg: cfg}
	defer func() {
		if err != nil {
			_ = d.Close()
		}
	}()

	d.log, d.logCloser, err = logger.New(cfg.Log.Logger(), console)
	if err != nil {
		return nil, err
	}

	d.st, err = sfactory.NewFromDSN(cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err = d.st.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	d.log.Info("Store ready", "backend", sfactory.Kind(cfg.Store.DSN))

	env, err := cfg.Runner.Environment()
	if err != nil {
		return nil, fmt.Errorf("runner env: %w", err)
	}
	runner := process.NewRunner(process.Config{
		Shell:      cfg.Runner.Shell,
		WorkDir:    cfg.Runner.WorkDir,
		TempDir:    cfg.Runner.TempDir,
		InheritEnv: cfg.Runner.UseOSEnv,
		Env:        env,
		WaitDelay:  cfg.Runner.WaitDelay,
		Capture:    cfg.Capture(),
	}, d.log)

	reg := registry.New(registry.Config{
		SubscriberBuffer: cfg.Stream.SubscriberBuffer,
		Retention:        cfg.Stream.Retention,
		OnLag: func(id string) {
			metrics.IncLagged()
			d.log.Warn("Observer fell behind", "execution_id", id)
		},
	})

	d.mgr = manager.New(manager.Config{
		PersistInitialInterval: cfg.Persist.RetryInitial,
		PersistMaxElapsed:      cfg.Persist.RetryMaxElapsed,
		StopTimeout:            cfg.Runner.StopTimeout,
		HistoryTimeout:         cfg.History.Timeout,
	}, d.st, reg, runner, d.log)

	if len(cfg.History.Sinks) > 0 {
		d.sinks, err = hfactory.NewSinks(cfg.History.Sinks)
		if err != nil {
			return nil, fmt.Errorf("history sinks: %w", err)
		}
		d.mgr.SetHistorySinks(d.sinks...)
		d.log.Info("History sinks configured", "count", len(d.sinks))
	}

	n, err := d.mgr.Reconcile(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile: %w", err)
	}
	if n > 0 {
		d.log.Warn("Closed executions interrupted by a previous shutdown", "count", n)
	}

	if cfg.Metrics.Enabled {
		if err = metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	d.tls, err = itls.Setup(cfg.Server.TLS)
	if err != nil {
		return nil, fmt.Errorf("tls: %w", err)
	}

	d.handler = server.NewRouter(d.mgr, server.Config{
		BasePath:     cfg.Server.BasePath,
		WSPath:       cfg.Server.WSPath,
		CORSOrigins:  cfg.Server.CORSOrigins,
		Metrics:      cfg.Metrics.Enabled && cfg.Metrics.Listen == "",
		PingInterval: cfg.Server.PingInterval,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, d.log).Handler()
	return d, nil
}

func (d *Daemon) Logger() *slog.Logger { return d.log }

// Handler is the API handler, usable without Serve (e.g. under httptest).
func (d *Daemon) Handler() http.Handler { return d.handler }

func (d *Daemon) CreateScript(ctx context.Context, in ScriptInput) (Script, error) {
	return d.mgr.CreateScript(ctx, in)
}

func (d *Daemon) Execute(ctx context.Context, scriptID string) (string, error) {
	return d.mgr.Execute(ctx, scriptID)
}

func (d *Daemon) GetExecution(ctx context.Context, id string) (Execution, error) {
	return d.mgr.GetExecution(ctx, id)
}

func (d *Daemon) Stats(ctx context.Context) (Stats, error) { return d.mgr.Stats(ctx) }

// Serve listens on server.listen (and metrics.listen when set) until ctx is
// cancelled, then stops in-flight scripts and drains within
// server.shutdown_timeout.
func (d *Daemon) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", d.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", d.cfg.Server.Listen, err)
	}
	return d.ServeListener(ctx, ln)
}

// ServeListener is Serve on an already bound listener.
func (d *Daemon) ServeListener(ctx context.Context, ln net.Listener) error {
	scheme := "http"
	if d.tls != nil {
		ln = tls.NewListener(ln, d.tls)
		scheme = "https"
	}
	servers := []*http.Server{server.NewServer(ln.Addr().String(), d.handler)}
	listeners := []net.Listener{ln}

	if d.cfg.Metrics.Enabled && d.cfg.Metrics.Listen != "" {
		mln, err := net.Listen("tcp", d.cfg.Metrics.Listen)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("listen metrics %s: %w", d.cfg.Metrics.Listen, err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		servers = append(servers, server.NewServer(mln.Addr().String(), mux))
		listeners = append(listeners, mln)
		d.log.Info("Metrics listening", "addr", mln.Addr().String())
	}

	errCh := make(chan error, len(servers))
	for i, srv := range servers {
		go func(srv *http.Server, ln net.Listener) {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}(srv, listeners[i])
	}
	d.log.Info("API listening", "addr", ln.Addr().String(), "scheme", scheme,
		"base_path", d.cfg.Server.BasePath, "ws_path", d.cfg.Server.WSPath)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		d.log.Error("Server failed", "error", serveErr)
	}

	sctx, cancel := context.WithTimeout(context.Background(), d.cfg.Server.ShutdownTimeout)
	defer cancel()
	d.log.Info("Shutting down")
	var errs []error
	// hijacked WebSocket connections are not tracked by http.Server; they
	// end once the manager finalizes their executions
	for _, srv := range servers {
		if err := srv.Shutdown(sctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := d.mgr.Shutdown(sctx); err != nil {
		errs = append(errs, fmt.Errorf("stop executions: %w", err))
	}
	if serveErr != nil {
		errs = append(errs, serveErr)
	}
	return errors.Join(errs...)
}

// Close releases the store, history sinks and log file. Call it after Serve
// returns, or instead of Serve when only Handler was used.
func (d *Daemon) Close() error {
	var errs []error
	if d.mgr != nil {
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Server.ShutdownTimeout)
		errs = append(errs, d.mgr.Shutdown(ctx))
		cancel()
	}
	if d.sinks != nil {
		errs = append(errs, d.sinks.Close())
	}
	if d.st != nil {
		errs = append(errs, d.st.Close())
	}
	if d.logCloser != nil {
		errs = append(errs, d.logCloser.Close())
	}
	return errors.Join(errs...)
}
