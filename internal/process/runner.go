package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/loykin/scriptd/internal/env"
	"github.com/loykin/scriptd/internal/execution"
	"github.com/loykin/scriptd/internal/logger"
)

const (
	DefaultShell     = "bash"
	DefaultWaitDelay = 2 * time.Second
)

// Sink receives output events in the order each stream produced them.
// It is called from the stream copy goroutines and must not block for long.
type Sink func(execution.Event)

// Config controls how scripts are spawned.
type Config struct {
	Shell      string            // interpreter, run as "<shell> <file>"
	WorkDir    string            // working directory; empty inherits the daemon's
	TempDir    string            // parent dir for script files; empty uses os.TempDir()
	InheritEnv bool              // pass the daemon environment through
	Env        map[string]string // global variables, ${VAR} expanded
	WaitDelay  time.Duration     // bound on waiting for pipes after exit
	Capture    logger.Capture    // optional per-execution output archive
}

// Request identifies one execution to spawn.
type Request struct {
	ExecutionID string
	ScriptID    string
	ScriptName  string
	Content     string
}

// SpawnError reports that the interpreter never started.
type SpawnError struct {
	Op  string
	Err error
}

func (e *SpawnError) Error() string { return fmt.Sprintf("spawn %s: %v", e.Op, e.Err) }
func (e *SpawnError) Unwrap() error { return e.Err }

// Runner spawns stored scripts as child processes.
type Runner struct {
	cfg Config
	log *slog.Logger
}

func NewRunner(cfg Config, log *slog.Logger) *Runner {
	if cfg.Shell == "" {
		cfg.Shell = DefaultShell
	}
	if cfg.WaitDelay <= 0 {
		cfg.WaitDelay = DefaultWaitDelay
	}
	if log == nil {
		log = slog.Default()
	}
	return &Runner{cfg: cfg, log: log}
}

func (r *Runner) environ(req Request) []string {
	e := env.New()
	if !r.cfg.InheritEnv {
		e.Isolated("PATH", "HOME", "LANG", "TMPDIR")
	}
	e.SetAll(r.cfg.Env)
	return e.Compose(map[string]string{
		"SCRIPTD_EXECUTION_ID": req.ExecutionID,
		"SCRIPTD_SCRIPT_ID":    req.ScriptID,
		"SCRIPTD_SCRIPT_NAME":  req.ScriptName,
	})
}

// Start writes the script to a private temp file and spawns the shell on it.
// Output is forwarded to sink chunk by chunk as it is read. The returned
// error is always a *SpawnError; on error nothing is left running.
func (r *Runner) Start(ctx context.Context, req Request, sink Sink) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, &SpawnError{Op: "prepare", Err: err}
	}
	dir, err := os.MkdirTemp(r.cfg.TempDir, "scriptd-")
	if err != nil {
		return nil, &SpawnError{Op: "prepare", Err: err}
	}
	file := filepath.Join(dir, "script.sh")
	if err := os.WriteFile(file, []byte(req.Content), 0o600); err != nil {
		_ = os.RemoveAll(dir)
		return nil, &SpawnError{Op: "prepare", Err: err}
	}

	// #nosec G204 -- running user scripts is the point
	cmd := exec.Command(r.cfg.Shell, file)
	cmd.Dir = r.cfg.WorkDir
	cmd.Env = r.environ(req)
	cmd.WaitDelay = r.cfg.WaitDelay
	configureSysProcAttr(cmd)

	archOut, archErr, aerr := r.cfg.Capture.Writers(req.ExecutionID)
	if aerr != nil {
		r.log.Warn("Output capture disabled", "execution_id", req.ExecutionID, "error", aerr)
	}
	stdout := newStreamWriter(execution.EventStdout, sink, archOut, r.log)
	stderr := newStreamWriter(execution.EventStderr, sink, archErr, r.log)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		stdout.close()
		stderr.close()
		_ = os.RemoveAll(dir)
		return nil, &SpawnError{Op: "start", Err: err}
	}
	h := &Handle{cmd: cmd, done: make(chan struct{})}
	r.log.Debug("Script spawned", "execution_id", req.ExecutionID, "pid", cmd.Process.Pid)
	go func() {
		defer close(h.done)
		werr := cmd.Wait()
		stdout.close()
		stderr.close()
		_ = os.RemoveAll(dir)
		h.result = resultOf(cmd, werr)
	}()
	return h, nil
}

// Result describes how a process ended.
type Result struct {
	ExitCode int
	// Err is set when the exit code could not be taken from the process
	// itself, e.g. when pipes stayed open past WaitDelay.
	Err error
}

func resultOf(cmd *exec.Cmd, werr error) Result {
	st := cmd.ProcessState
	if st == nil {
		return Result{ExitCode: execution.SpawnFailedExitCode, Err: werr}
	}
	res := Result{ExitCode: exitCodeOf(st)}
	var ee *exec.ExitError
	if werr != nil && !errors.As(werr, &ee) {
		res.Err = werr
	}
	return res
}

// Handle is a running script.
type Handle struct {
	cmd      *exec.Cmd
	done     chan struct{}
	result   Result
	stopOnce sync.Once
}

func (h *Handle) PID() int { return h.cmd.Process.Pid }

// Done is closed after the process is reaped and both streams are drained.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until Done and returns the result. Safe to call repeatedly.
func (h *Handle) Wait() Result {
	<-h.done
	return h.result
}

// Stop sends SIGTERM to the process group, then SIGKILL if it is still
// alive after wait.
func (h *Handle) Stop(wait time.Duration) {
	h.stopOnce.Do(func() {
		select {
		case <-h.done:
			return
		default:
		}
		pid := h.PID()
		_ = terminateGroup(pid)
		select {
		case <-h.done:
		case <-time.After(wait):
			_ = killGroup(pid)
			select {
			case <-h.done:
			case <-time.After(h.cmd.WaitDelay + 200*time.Millisecond):
			}
		}
	})
}

// streamWriter forwards chunks to the sink and tees them to an optional
// archive. Archive errors are ignored. Trailing bytes of an incomplete UTF-8
// sequence are held until the next write so no chunk splits a rune.
type streamWriter struct {
	kind    execution.EventType
	sink    Sink
	archive io.WriteCloser
	log     *slog.Logger
	pending []byte
}

func newStreamWriter(kind execution.EventType, sink Sink, archive io.WriteCloser, log *slog.Logger) *streamWriter {
	return &streamWriter{kind: kind, sink: sink, archive: archive, log: log}
}

func (w *streamWriter) Write(p []byte) (int, error) {
	if w.archive != nil {
		if _, err := w.archive.Write(p); err != nil {
			w.log.Debug("Output capture write failed", "stream", w.kind, "error", err)
		}
	}
	buf := p
	if len(w.pending) > 0 {
		buf = append(w.pending, p...)
		w.pending = nil
	}
	cut := completeUTF8Prefix(buf)
	if cut < len(buf) {
		w.pending = append([]byte(nil), buf[cut:]...)
	}
	if cut > 0 {
		w.emit(string(buf[:cut]))
	}
	return len(p), nil
}

func (w *streamWriter) emit(s string) {
	if w.sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("Output sink panicked", "stream", w.kind, "panic", r)
		}
	}()
	w.sink(execution.Event{Type: w.kind, Data: s})
}

// close flushes held bytes and releases the archive. Called once the copy
// goroutine has returned.
func (w *streamWriter) close() {
	if len(w.pending) > 0 {
		w.emit(string(w.pending))
		w.pending = nil
	}
	if w.archive != nil {
		_ = w.archive.Close()
	}
}
