// Package registry tracks in-flight executions and fans their output out to
// live subscribers.
//
// Each entry has a single writer (the goroutine running the execution) and
// any number of subscribers. A subscriber gets a bounded channel; the writer
// never blocks on it. A subscriber that cannot keep up is cut off and marked
// lagged rather than handed a stream with a hole in it.
package registry

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/scriptd/internal/execution"
)

const (
	DefaultSubscriberBuffer = 256
	DefaultRetention        = 30 * time.Second
)

var (
	ErrNotFound         = errors.New("execution not in registry")
	ErrExists           = errors.New("execution already registered")
	ErrFinalized        = errors.New("execution finalized")
	ErrAlreadyFinalized = errors.New("execution already finalized")
)

// Config tunes buffering and retention. OnLag, when set, is called once per
// subscriber that is cut off.
type Config struct {
	SubscriberBuffer int
	Retention        time.Duration
	OnLag            func(executionID string)
}

type Registry struct {
	cfg     Config
	mu      sync.RWMutex
	entries map[string]*entry
	nextSub atomic.Uint64
}

type entry struct {
	mu        sync.Mutex
	exec      execution.Execution
	subs      map[uint64]*Subscription
	finalized bool
	evict     *time.Timer
}

func New(cfg Config) *Registry {
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	return &Registry{cfg: cfg, entries: make(map[string]*entry)}
}

func (r *Registry) lookup(id string) (*entry, bool) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	return e, ok
}

// Create registers a running execution.
func (r *Registry) Create(initial execution.Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[initial.ID]; ok {
		return ErrExists
	}
	r.entries[initial.ID] = &entry{
		exec: initial.Clone(),
		subs: make(map[uint64]*Subscription),
	}
	return nil
}

// Append folds ev into the entry and delivers it to every subscriber.
func (r *Registry) Append(id string, ev execution.Event) error {
	e, ok := r.lookup(id)
	if !ok {
		return ErrNotFound
	}
	var lagged []*Subscription
	e.mu.Lock()
	if e.finalized {
		e.mu.Unlock()
		return ErrFinalized
	}
	e.exec.Apply(ev)
	for sid, s := range e.subs {
		// one slot stays reserved for the terminal status event
		if len(s.ch) >= r.cfg.SubscriberBuffer {
			s.lagged.Store(true)
			close(s.ch)
			delete(e.subs, sid)
			lagged = append(lagged, s)
			continue
		}
		s.ch <- ev
	}
	e.mu.Unlock()
	if r.cfg.OnLag != nil {
		for range lagged {
			r.cfg.OnLag(id)
		}
	}
	return nil
}

// Finalize moves the entry to a terminal state, sends the status event to
// every subscriber and closes their feeds. It returns the final snapshot.
func (r *Registry) Finalize(id string, status execution.Status, exitCode int, at time.Time) (execution.Execution, error) {
	e, ok := r.lookup(id)
	if !ok {
		return execution.Execution{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.finalized {
		return e.exec.Clone(), ErrAlreadyFinalized
	}
	if err := e.exec.Finish(status, exitCode, at); err != nil {
		return e.exec.Clone(), err
	}
	e.finalized = true
	ev := execution.StatusEvent(status)
	for sid, s := range e.subs {
		s.ch <- ev
		close(s.ch)
		delete(e.subs, sid)
	}
	e.evict = time.AfterFunc(r.cfg.Retention, func() { r.evict(id, e) })
	return e.exec.Clone(), nil
}

func (r *Registry) evict(id string, e *entry) {
	r.mu.Lock()
	if cur, ok := r.entries[id]; ok && cur == e {
		delete(r.entries, id)
	}
	r.mu.Unlock()
}

// Get returns a snapshot of the entry, finalized or not.
func (r *Registry) Get(id string) (execution.Execution, bool) {
	e, ok := r.lookup(id)
	if !ok {
		return execution.Execution{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exec.Clone(), true
}

// Subscribe attaches to a running entry. The subscriber receives exactly the
// events appended after this call returns. For a finalized entry it returns
// ErrFinalized together with the final snapshot.
func (r *Registry) Subscribe(id string) (*Subscription, execution.Execution, error) {
	e, ok := r.lookup(id)
	if !ok {
		return nil, execution.Execution{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	snap := e.exec.Clone()
	if e.finalized {
		return nil, snap, ErrFinalized
	}
	s := &Subscription{
		id:     r.nextSub.Add(1),
		execID: id,
		ch:     make(chan execution.Event, r.cfg.SubscriberBuffer+1),
		reg:    r,
	}
	e.subs[s.id] = s
	return s, snap, nil
}

// Unsubscribe detaches s. Safe to call more than once and after finalize.
func (r *Registry) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}
	e, ok := r.lookup(s.execID)
	if !ok {
		return
	}
	e.mu.Lock()
	if cur, ok := e.subs[s.id]; ok && cur == s {
		delete(e.subs, s.id)
		close(s.ch)
	}
	e.mu.Unlock()
}

// CountRunning returns the number of entries not yet finalized.
func (r *Registry) CountRunning() int {
	n := 0
	r.each(func(e *entry) {
		if !e.finalized {
			n++
		}
	})
	return n
}

// Running returns snapshots of every entry not yet finalized.
func (r *Registry) Running() []execution.Execution {
	var out []execution.Execution
	r.each(func(e *entry) {
		if !e.finalized {
			out = append(out, e.exec.Clone())
		}
	})
	return out
}

// Len counts entries including finalized ones awaiting eviction.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Subscribers reports how many feeds are attached to id.
func (r *Registry) Subscribers(id string) int {
	e, ok := r.lookup(id)
	if !ok {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}

func (r *Registry) each(fn func(*entry)) {
	r.mu.RLock()
	list := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		list = append(list, e)
	}
	r.mu.RUnlock()
	for _, e := range list {
		e.mu.Lock()
		fn(e)
		e.mu.Unlock()
	}
}

// Subscription is one observer's feed of an execution.
type Subscription struct {
	id     uint64
	execID string
	ch     chan execution.Event
	lagged atomic.Bool
	reg    *Registry
}

// Events is closed after the terminal status event, on Unsubscribe, or when
// the subscriber falls behind (see Lagged).
func (s *Subscription) Events() <-chan execution.Event { return s.ch }

// Lagged reports whether the feed was cut off because the buffer filled.
func (s *Subscription) Lagged() bool { return s.lagged.Load() }

func (s *Subscription) ExecutionID() string { return s.execID }

// Close is shorthand for Unsubscribe.
func (s *Subscription) Close() { s.reg.Unsubscribe(s) }
