//go:build !windows

package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/loykin/scriptd/internal/manager"
	"github.com/loykin/scriptd/internal/process"
	"github.com/loykin/scriptd/internal/registry"
	"github.com/loykin/scriptd/internal/server"
	"github.com/loykin/scriptd/internal/store"
	itls "github.com/loykin/scriptd/internal/tls"
)

func newDaemon(t *testing.T) (*manager.Manager, *server.Router) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	runner := process.NewRunner(process.Config{Shell: "/bin/sh", TempDir: t.TempDir()}, nil)
	mgr := manager.New(manager.Config{}, store.NewMemory(), registry.New(registry.Config{}), runner, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
	})
	return mgr, server.NewRouter(mgr, server.Config{}, nil)
}

func setup(t *testing.T) (*Client, *manager.Manager) {
	t.Helper()
	mgr, r := newDaemon(t)
	srv := httptest.NewServer(r.Handler())
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL + "/api"})
	require.NoError(t, err)
	return c, mgr
}

func waitFinished(t *testing.T, c *Client, id string) Execution {
	t.Helper()
	var ex Execution
	require.Eventually(t, func() bool {
		var err error
		ex, err = c.GetExecution(context.Background(), id)
		return err == nil && ex.Finished()
	}, 10*time.Second, 10*time.Millisecond)
	return ex
}

func TestNewValidatesBaseURL(t *testing.T) {
	_, err := New(Config{BaseURL: "ftp://host/api"})
	require.Error(t, err)

	c, err := New(Config{BaseURL: "https://ops.example:8443/api/", WSPath: "stream"})
	require.NoError(t, err)
	require.Equal(t, "https://ops.example:8443/api", c.baseURL)
	require.Equal(t, "wss://ops.example:8443/stream", c.wsURL)
}

func TestScriptsRoundTrip(t *testing.T) {
	c, _ := setup(t)
	ctx := context.Background()
	require.True(t, c.IsReachable(ctx))

	s, err := c.CreateScript(ctx, ScriptInput{Name: "rotate", Content: "echo rotate", Tags: []string{"logs"}})
	require.NoError(t, err)
	require.NotEmpty(t, s.ID)

	_, err = c.CreateScript(ctx, ScriptInput{Name: "rotate", Content: "x"})
	var ae *APIError
	require.True(t, errors.As(err, &ae))
	require.Equal(t, 409, ae.StatusCode)

	desc := "rotate app logs"
	s, err = c.UpdateScript(ctx, s.ID, ScriptPatch{Description: &desc})
	require.NoError(t, err)
	require.Equal(t, desc, s.Description)
	require.Equal(t, "echo rotate", s.Content)

	list, err := c.ListScripts(ctx, ScriptQuery{Tag: "logs"})
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, c.DeleteScript(ctx, s.ID))
	_, err = c.GetScript(ctx, s.ID)
	require.True(t, IsNotFound(err))
}

func TestExecuteAndHistory(t *testing.T) {
	c, _ := setup(t)
	ctx := context.Background()
	s, err := c.CreateScript(ctx, ScriptInput{Name: "fail", Content: "echo nope 1>&2; exit 4"})
	require.NoError(t, err)

	id, err := c.Execute(ctx, s.ID)
	require.NoError(t, err)
	ex := waitFinished(t, c, id)
	require.Equal(t, "failed", ex.Status)
	require.Equal(t, 4, *ex.ExitCode)
	require.Equal(t, "nope\n", ex.Error)

	page, total, err := c.ListExecutions(ctx, ExecutionQuery{ScriptID: s.ID, Limit: 5})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Equal(t, id, page[0].ID)

	st, err := c.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, Stats{TotalScripts: 1, TotalExecutions: 1, FailedExecutions: 1}, st)

	_, err = c.Execute(ctx, "missing")
	require.True(t, IsNotFound(err))
}

func TestExecuteStream(t *testing.T) {
	c, _ := setup(t)
	ctx := context.Background()
	s, err := c.CreateScript(ctx, ScriptInput{Name: "stream", Content: "echo a; echo b 1>&2; echo c"})
	require.NoError(t, err)

	var out, errs strings.Builder
	id, status, err := c.ExecuteStream(ctx, s.ID, func(m Message) {
		switch m.Type {
		case MessageStdout:
			out.WriteString(m.Data)
		case MessageStderr:
			errs.WriteString(m.Data)
		}
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.Equal(t, "completed", status)
	require.Equal(t, "a\nc\n", out.String())
	require.Equal(t, "b\n", errs.String())
}

func TestExecuteStreamUnknownScript(t *testing.T) {
	c, _ := setup(t)
	_, _, err := c.ExecuteStream(context.Background(), "missing", nil)
	var se *StreamError
	require.True(t, errors.As(err, &se), "got %v", err)
	require.Equal(t, "script not found", se.Message)
}

func TestWatch(t *testing.T) {
	c, mgr := setup(t)
	ctx := context.Background()
	s, err := c.CreateScript(ctx, ScriptInput{Name: "slow", Content: "sleep 0.3; echo late"})
	require.NoError(t, err)
	id, err := c.Execute(ctx, s.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool { _, ok := mgr.Registry().Get(id); return ok }, 5*time.Second, 5*time.Millisecond)

	var out strings.Builder
	status, err := c.Watch(ctx, id, func(m Message) {
		if m.Type == MessageStdout {
			out.WriteString(m.Data)
		}
	})
	require.NoError(t, err)
	require.Equal(t, "completed", status)
	require.Equal(t, "late\n", out.String())

	// finished executions report only their status
	status, err = c.Watch(ctx, id, nil)
	require.NoError(t, err)
	require.Equal(t, "completed", status)

	_, err = c.Watch(ctx, "nope", nil)
	var se *StreamError
	require.True(t, errors.As(err, &se))
}

func TestWatchHonoursContext(t *testing.T) {
	c, _ := setup(t)
	s, err := c.CreateScript(context.Background(), ScriptInput{Name: "long", Content: "sleep 5"})
	require.NoError(t, err)
	id, err := c.Execute(context.Background(), s.ID)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err = c.Watch(ctx, id, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTLSWithCACert(t *testing.T) {
	_, r := newDaemon(t)
	srv := httptest.NewUnstartedServer(r.Handler())
	srv.StartTLS()
	t.Cleanup(srv.Close)

	_, err := New(Config{BaseURL: srv.URL + "/api", TLS: &TLSClientConfig{Enabled: true, CACert: filepath.Join(t.TempDir(), "none.pem")}})
	require.Error(t, err, "missing CA file")

	dir := t.TempDir()
	caPath := filepath.Join(dir, "ca.crt")
	require.NoError(t, itls.GenerateSelfSignedCert(itls.CertSpec{
		CommonName: "other", Hosts: []string{"other"}, NotAfter: time.Now().Add(time.Hour),
		CertPath: caPath, KeyPath: filepath.Join(dir, "ca.key"),
	}))
	c, err := New(Config{BaseURL: srv.URL + "/api", TLS: &TLSClientConfig{Enabled: true, CACert: caPath}})
	require.NoError(t, err)
	require.False(t, c.IsReachable(context.Background()), "untrusted server certificate")

	c, err = New(Config{BaseURL: srv.URL + "/api", Insecure: true})
	require.NoError(t, err)
	require.True(t, c.IsReachable(context.Background()))
}
