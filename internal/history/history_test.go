package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/loykin/scriptd/internal/execution"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	closed bool
}

func (r *recordingSink) Send(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func (r *recordingSink) Close() error {
	r.closed = true
	return nil
}

func TestMultiDeliversToAllAndJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	a := &recordingSink{}
	b := &recordingSink{err: boom}
	c := &recordingSink{}
	m := Multi{a, b, c}
	ev := Event{Type: EventStarted, OccurredAt: time.Now(), Execution: execution.New("e1", "s1", "demo", time.Now())}
	err := m.Send(context.Background(), ev)
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined error, got %v", err)
	}
	for i, s := range []*recordingSink{a, b, c} {
		if len(s.events) != 1 || s.events[0].Execution.ID != "e1" {
			t.Fatalf("sink %d did not receive the event", i)
		}
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if !a.closed || !c.closed {
		t.Fatal("sinks not closed")
	}
}

func TestEmptyMulti(t *testing.T) {
	if err := (Multi{}).Send(context.Background(), Event{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
