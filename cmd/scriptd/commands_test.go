//go:build !windows

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/scriptd/internal/manager"
	"github.com/loykin/scriptd/internal/process"
	"github.com/loykin/scriptd/internal/registry"
	"github.com/loykin/scriptd/internal/server"
	"github.com/loykin/scriptd/internal/store"
	"github.com/loykin/scriptd/pkg/client"
)

func startDaemon(t *testing.T) string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	runner := process.NewRunner(process.Config{Shell: "/bin/sh", TempDir: t.TempDir()}, nil)
	mgr := manager.New(manager.Config{}, store.NewMemory(), registry.New(registry.Config{}), runner, nil)
	srv := httptest.NewServer(server.NewRouter(mgr, server.Config{}, nil).Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
	})
	return srv.URL + "/api"
}

// run executes the CLI against api and returns stdout, stderr and the error.
func run(t *testing.T, api string, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := buildRoot(&out)
	root.SetErr(&errOut)
	root.SetArgs(append([]string{"--api-url", api}, args...))
	err := root.Execute()
	return out.String(), errOut.String(), err
}

func mustRun(t *testing.T, api string, args ...string) string {
	t.Helper()
	out, errOut, err := run(t, api, args...)
	if err != nil {
		t.Fatalf("%v: %v\nstderr: %s", args, err, errOut)
	}
	return out
}

func TestHelp(t *testing.T) {
	out, _, err := run(t, "http://unused/api", "--help")
	if err != nil {
		t.Fatalf("help should succeed: %v", err)
	}
	if !strings.Contains(out, "scriptd") || !strings.Contains(out, "exec") {
		t.Fatalf("unexpected help output: %s", out)
	}
}

func TestScriptCommands(t *testing.T) {
	api := startDaemon(t)
	body := filepath.Join(t.TempDir(), "hello.sh")
	if err := os.WriteFile(body, []byte("echo hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var s client.Script
	if err := json.Unmarshal([]byte(mustRun(t, api, "script", "create", "--name", "hello", "--file", body, "--tag", "demo")), &s); err != nil {
		t.Fatal(err)
	}
	if s.ID == "" || s.Content != "echo hello\n" || len(s.Tags) != 1 {
		t.Fatalf("created %+v", s)
	}

	if _, _, err := run(t, api, "script", "create", "--name", "hello", "--content", "x"); err == nil {
		t.Fatal("duplicate name must fail")
	}
	if _, _, err := run(t, api, "script", "create", "--name", "both", "--content", "x", "--file", body); err == nil {
		t.Fatal("--content with --file must fail")
	}

	out := mustRun(t, api, "script", "update", s.ID, "--description", "greets")
	if err := json.Unmarshal([]byte(out), &s); err != nil {
		t.Fatal(err)
	}
	if s.Description != "greets" || s.Content != "echo hello\n" {
		t.Fatalf("update %+v", s)
	}

	var list []client.Script
	if err := json.Unmarshal([]byte(mustRun(t, api, "script", "list", "--tag", "demo")), &list); err != nil || len(list) != 1 {
		t.Fatalf("list %v %v", list, err)
	}
	if !strings.Contains(mustRun(t, api, "script", "get", s.ID), `"greets"`) {
		t.Fatal("get does not show the description")
	}

	mustRun(t, api, "script", "delete", s.ID)
	if _, _, err := run(t, api, "script", "get", s.ID); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("get deleted: %v", err)
	}
}

func TestExecWatch(t *testing.T) {
	api := startDaemon(t)
	var ok, bad client.Script
	_ = json.Unmarshal([]byte(mustRun(t, api, "script", "create", "--name", "ok", "--content", "echo out; echo note 1>&2")), &ok)
	_ = json.Unmarshal([]byte(mustRun(t, api, "script", "create", "--name", "bad", "--content", "exit 7")), &bad)

	out, errOut, err := run(t, api, "exec", ok.ID, "--watch")
	if err != nil {
		t.Fatalf("exec: %v %s", err, errOut)
	}
	if out != "out\n" {
		t.Fatalf("stdout %q", out)
	}
	if !strings.Contains(errOut, "note\n") || !strings.Contains(errOut, "completed") {
		t.Fatalf("stderr %q", errOut)
	}

	if _, _, err := run(t, api, "exec", bad.ID, "-w"); err == nil || !strings.Contains(err.Error(), "failed") {
		t.Fatalf("failing script must exit non-zero, got %v", err)
	}

	id := strings.TrimSpace(mustRun(t, api, "exec", ok.ID))
	if id == "" {
		t.Fatal("exec without --watch prints the id")
	}
	deadline := time.Now().Add(10 * time.Second)
	for {
		var ex client.Execution
		_ = json.Unmarshal([]byte(mustRun(t, api, "executions", id)), &ex)
		if ex.Finished() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("execution did not finish")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// a finished execution only reports its status
	if _, errOut, err := run(t, api, "watch", id); err != nil || !strings.Contains(errOut, "completed") {
		t.Fatalf("watch finished: %v %q", err, errOut)
	}

	var page struct {
		Executions []client.Execution `json:"executions"`
		Total      int                `json:"total"`
	}
	if err := json.Unmarshal([]byte(mustRun(t, api, "executions", "--script-id", ok.ID)), &page); err != nil {
		t.Fatal(err)
	}
	if page.Total != 2 {
		t.Fatalf("history %+v", page)
	}

	var st client.Stats
	if err := json.Unmarshal([]byte(mustRun(t, api, "stats")), &st); err != nil {
		t.Fatal(err)
	}
	if st.TotalScripts != 2 || st.TotalExecutions != 3 || st.FailedExecutions != 1 {
		t.Fatalf("stats %+v", st)
	}
}

func TestUnreachableDaemon(t *testing.T) {
	if _, _, err := run(t, "http://127.0.0.1:1/api", "--api-timeout", "500ms", "stats"); err == nil {
		t.Fatal("expected connection error")
	}
}
