package client

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Script mirrors the daemon's script resource.
type Script struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Content     string    `json:"content"`
	Tags        []string  `json:"tags"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ScriptInput is the body of a create request.
type ScriptInput struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Content     string   `json:"content"`
	Tags        []string `json:"tags,omitempty"`
}

// ScriptPatch updates only the non-nil fields.
type ScriptPatch struct {
	Name        *string   `json:"name,omitempty"`
	Description *string   `json:"description,omitempty"`
	Content     *string   `json:"content,omitempty"`
	Tags        *[]string `json:"tags,omitempty"`
}

// ScriptQuery filters ListScripts.
type ScriptQuery struct {
	Tag    string
	Search string
}

// Execution mirrors the daemon's execution record.
type Execution struct {
	ID          string     `json:"id"`
	ScriptID    string     `json:"script_id"`
	ScriptName  string     `json:"script_name"`
	Status      string     `json:"status"`
	Output      string     `json:"output"`
	Error       string     `json:"error"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
	ExitCode    *int       `json:"exit_code"`
}

// Finished reports whether the execution reached completed or failed.
func (e Execution) Finished() bool { return e.Status == "completed" || e.Status == "failed" }

// ExecutionQuery filters and pages ListExecutions. Zero values use the
// daemon defaults.
type ExecutionQuery struct {
	ScriptID string
	Limit    int
	Offset   int
}

type Stats struct {
	TotalScripts         int `json:"total_scripts"`
	TotalExecutions      int `json:"total_executions"`
	SuccessfulExecutions int `json:"successful_executions"`
	FailedExecutions     int `json:"failed_executions"`
	RunningExecutions    int `json:"running_executions"`
}

// Message is one live stream frame. Type is stdout, stderr, status or error.
type Message struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

const (
	MessageStdout = "stdout"
	MessageStderr = "stderr"
	MessageStatus = "status"
	MessageError  = "error"
)

type scriptList struct {
	Scripts []Script `json:"scripts"`
	Total   int      `json:"total"`
}

type executionList struct {
	Executions []Execution `json:"executions"`
	Total      int         `json:"total"`
}

type executeResp struct {
	ExecutionID string `json:"execution_id"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// APIError is returned for any non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error: %s", e.Message)
}

// IsNotFound reports whether err is a 404 from the daemon.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}
