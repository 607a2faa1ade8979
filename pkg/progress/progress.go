// Package progress carries fire-and-forget request milestones to an
// optional live sink.
package progress

import (
	"sync/atomic"
	"time"

	"github.com/zen-systems/switchboard/pkg/task"
)

// DefaultBuffer is the channel sink buffer size.
const DefaultBuffer = 100

// Kind names a milestone.
type Kind string

const (
	Classifying   Kind = "classifying"
	Classified    Kind = "classified"
	ChainBuilt    Kind = "chain_built"
	Attempting    Kind = "attempting"
	AttemptResult Kind = "attempt_result"
	Accepted      Kind = "accepted"
	Exhausted     Kind = "exhausted"
)

// Terminal reports whether the milestone ends a request.
func (k Kind) Terminal() bool {
	return k == Accepted || k == Exhausted
}

// Event is one milestone of one request.
type Event struct {
	RequestID string    `json:"request_id"`
	Kind      Kind      `json:"type"`
	TaskType  task.Type `json:"task_type,omitempty"`
	Backend   string    `json:"model,omitempty"`
	Index     int       `json:"index,omitempty"`
	Outcome   string    `json:"status,omitempty"`
	Score     float64   `json:"quality_score,omitempty"`
	LatencyMs int64     `json:"latency_ms,omitempty"`
	Message   string    `json:"message,omitempty"`
	Time      time.Time `json:"time"`
}

// Sink receives events. Emit must return promptly and never block the
// caller; slow consumers drop events.
type Sink interface {
	Emit(Event)
}

// Func adapts a function to Sink. The function runs on the caller's
// goroutine, so it must not block.
type Func func(Event)

// Emit calls f.
func (f Func) Emit(e Event) {
	if f != nil {
		f(e)
	}
}

// Nop discards events.
var Nop Sink = Func(nil)

// Multi fans an event out to several sinks in order.
type Multi []Sink

// Emit forwards e to every non-nil sink.
func (m Multi) Emit(e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(e)
		}
	}
}

// Channel is a buffered sink that drops events when full.
type Channel struct {
	ch      chan Event
	dropped atomic.Uint64
}

// NewChannel creates a channel sink with the given buffer size.
func NewChannel(size int) *Channel {
	if size <= 0 {
		size = DefaultBuffer
	}
	return &Channel{ch: make(chan Event, size)}
}

// Emit enqueues e without blocking.
func (c *Channel) Emit(e Event) {
	select {
	case c.ch <- e:
	default:
		c.dropped.Add(1)
	}
}

// Events returns the receive side of the sink.
func (c *Channel) Events() <-chan Event {
	return c.ch
}

// Dropped returns how many events were discarded.
func (c *Channel) Dropped() uint64 {
	return c.dropped.Load()
}

// Emitter stamps events with a request id and time before forwarding.
type Emitter struct {
	RequestID string
	Sink      Sink
	now       func() time.Time
}

// NewEmitter binds a sink to one request. A nil sink discards.
func NewEmitter(requestID string, sink Sink) *Emitter {
	if sink == nil {
		sink = Nop
	}
	return &Emitter{RequestID: requestID, Sink: sink, now: time.Now}
}

// Emit stamps and forwards e. A nil emitter discards.
func (em *Emitter) Emit(e Event) {
	if em == nil {
		return
	}
	e.RequestID = em.RequestID
	if e.Time.IsZero() {
		e.Time = em.now()
	}
	em.Sink.Emit(e)
}
