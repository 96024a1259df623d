package execution

import (
	"errors"
	"time"
)

// SpawnFailedExitCode is recorded when the interpreter could not be started
// and therefore no real exit status exists.
const SpawnFailedExitCode = -1

var ErrInvalidTransition = errors.New("invalid execution status transition")

// Execution is one run of a script. ScriptName is a snapshot taken when the
// run started and does not follow later renames or deletes of the script.
type Execution struct {
	ID          string     `json:"id"`
	ScriptID    string     `json:"script_id"`
	ScriptName  string     `json:"script_name"`
	Status      Status     `json:"status"`
	Output      string     `json:"output"`
	Error       string     `json:"error"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
	ExitCode    *int       `json:"exit_code"`
}

// New returns a running execution started at now.
func New(id, scriptID, scriptName string, now time.Time) Execution {
	return Execution{
		ID:         id,
		ScriptID:   scriptID,
		ScriptName: scriptName,
		Status:     StatusRunning,
		StartedAt:  now.UTC(),
	}
}

// Finish moves e into a terminal state. CompletedAt and ExitCode are set
// together so that neither is ever present without the other.
func (e *Execution) Finish(status Status, exitCode int, at time.Time) error {
	if !e.Status.CanTransition(status) {
		return ErrInvalidTransition
	}
	t := at.UTC()
	code := exitCode
	e.Status = status
	e.CompletedAt = &t
	e.ExitCode = &code
	return nil
}

// Apply folds a stream event into the accumulated output.
func (e *Execution) Apply(ev Event) {
	switch ev.Type {
	case EventStdout:
		e.Output += ev.Data
	case EventStderr:
		e.Error += ev.Data
	case EventError:
		if e.Error != "" && e.Error[len(e.Error)-1] != '\n' {
			e.Error += "\n"
		}
		e.Error += ev.Data
	}
}

// Duration returns the wall time of a finished execution, or zero while running.
func (e Execution) Duration() time.Duration {
	if e.CompletedAt == nil {
		return 0
	}
	return e.CompletedAt.Sub(e.StartedAt)
}

// Clone returns a deep copy safe to hand to another goroutine.
func (e Execution) Clone() Execution {
	c := e
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		c.CompletedAt = &t
	}
	if e.ExitCode != nil {
		v := *e.ExitCode
		c.ExitCode = &v
	}
	return c
}
