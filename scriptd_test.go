//go:build !windows

package scriptd

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loykin/scriptd/internal/execution"
	"github.com/loykin/scriptd/internal/store/sqlite"
)

func testConfig(t *testing.T, dsn string) *Config {
	t.Helper()
	t.Setenv("DATABASE_URL", "")
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	cfg.Store.DSN = dsn
	cfg.Runner.Shell = "/bin/sh"
	cfg.Runner.TempDir = t.TempDir()
	cfg.Server.Listen = "127.0.0.1:0"
	cfg.Persist.RetryInitial = 5 * time.Millisecond
	return cfg
}

func newDaemon(t *testing.T, cfg *Config) *Daemon {
	t.Helper()
	d, err := New(context.Background(), cfg, io.Discard)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func waitTerminal(t *testing.T, d *Daemon, id string) Execution {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		ex, err := d.GetExecution(context.Background(), id)
		if err == nil && ex.Status.IsTerminal() {
			return ex
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("execution %s did not finish", id)
	return Execution{}
}

func TestDaemonRunsScript(t *testing.T) {
	d := newDaemon(t, testConfig(t, "memory://"))
	ctx := context.Background()

	sc, err := d.CreateScript(ctx, ScriptInput{Name: "greet", Content: "echo hi"})
	require.NoError(t, err)
	id, err := d.Execute(ctx, sc.ID)
	require.NoError(t, err)

	ex := waitTerminal(t, d, id)
	require.Equal(t, execution.StatusCompleted, ex.Status)
	require.Equal(t, "hi\n", ex.Output)

	rec := httptest.NewRecorder()
	d.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/executions/"+id, nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestDaemonReconcilesInterruptedRuns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scriptd.db")

	st, err := sqlite.New(path)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, st.EnsureSchema(ctx))
	require.NoError(t, st.CreateExecution(ctx, execution.New("stale", "s-1", "nightly", time.Now())))
	require.NoError(t, st.Close())

	d := newDaemon(t, testConfig(t, "sqlite://"+path))
	ex, err := d.GetExecution(ctx, "stale")
	require.NoError(t, err)
	require.Equal(t, execution.StatusFailed, ex.Status)
	require.NotNil(t, ex.ExitCode)
	require.Contains(t, ex.Error, "interrupted")

	stats, err := d.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.FailedExecutions)
}

func TestServeStopsOnCancel(t *testing.T) {
	d := newDaemon(t, testConfig(t, "memory://"))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.ServeListener(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/healthz"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not return")
	}
	_, err = d.Execute(context.Background(), "anything")
	require.Error(t, err, "no executions after shutdown")
}

func TestServeTLS(t *testing.T) {
	cfg := testConfig(t, "memory://")
	cfg.Server.TLS.Enabled = true
	cfg.Server.TLS.Dir = filepath.Join(t.TempDir(), "tls")
	cfg.Server.TLS.AutoGenerate = true
	d := newDaemon(t, cfg)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.ServeListener(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	client := insecureClient()
	url := "https://" + ln.Addr().String() + "/healthz"
	require.Eventually(t, func() bool {
		resp, err := client.Get(url)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)
}

func insecureClient() *http.Client {
	// #nosec G402 self-signed test certificate
	return &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t, "memory://")
	cfg.Stream.SubscriberBuffer = 0
	_, err := New(context.Background(), cfg, io.Discard)
	require.Error(t, err)
}
