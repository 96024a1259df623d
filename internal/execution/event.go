package execution

// EventType discriminates stream events.
type EventType string

const (
	EventStdout EventType = "stdout"
	EventStderr EventType = "stderr"
	EventStatus EventType = "status"
	EventError  EventType = "error"
)

// Event is one unit of live output or state change. It carries no execution
// id: delivery is already scoped to one execution's feed.
type Event struct {
	Type EventType `json:"type"`
	Data string    `json:"data"`
}

func Stdout(s string) Event { return Event{Type: EventStdout, Data: s} }
func Stderr(s string) Event { return Event{Type: EventStderr, Data: s} }
func Failure(s string) Event { return Event{Type: EventError, Data: s} }
func StatusEvent(s Status) Event { return Event{Type: EventStatus, Data: s.String()} }
