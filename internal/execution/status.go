package execution

import (
	"database/sql/driver"
	"fmt"
)

// Status is the state of an execution. It is a closed set: the only valid
// values are StatusRunning, StatusCompleted and StatusFailed. The zero value
// is invalid and is rejected by every decode path.
type Status struct{ name string }

var (
	StatusRunning   = Status{"running"}
	StatusCompleted = Status{"completed"}
	StatusFailed    = Status{"failed"}
)

// ParseStatus converts the wire form of a status into a Status.
func ParseStatus(s string) (Status, error) {
	switch s {
	case StatusRunning.name:
		return StatusRunning, nil
	case StatusCompleted.name:
		return StatusCompleted, nil
	case StatusFailed.name:
		return StatusFailed, nil
	}
	return Status{}, fmt.Errorf("unknown execution status %q", s)
}

// StatusForExitCode classifies a finished process.
func StatusForExitCode(code int) Status {
	if code == 0 {
		return StatusCompleted
	}
	return StatusFailed
}

func (s Status) String() string { return s.name }

func (s Status) Valid() bool { return s.name != "" }

// IsTerminal reports whether s is a sink state.
func (s Status) IsTerminal() bool { return s == StatusCompleted || s == StatusFailed }

// CanTransition reports whether moving from s to next is allowed.
// Only running -> completed and running -> failed exist.
func (s Status) CanTransition(next Status) bool {
	return s == StatusRunning && next.IsTerminal()
}

func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid execution status")
	}
	return []byte(s.name), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Value implements driver.Valuer so a Status can be written by database/sql.
func (s Status) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid execution status")
	}
	return s.name, nil
}

// Scan implements sql.Scanner.
func (s *Status) Scan(src any) error {
	switch v := src.(type) {
	case string:
		return s.UnmarshalText([]byte(v))
	case []byte:
		return s.UnmarshalText(v)
	case nil:
		return fmt.Errorf("execution status is NULL")
	}
	return fmt.Errorf("cannot scan %T into execution status", src)
}
