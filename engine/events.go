// ABOUTME: Progress event types and the Broadcaster fan-out emitter.
// ABOUTME: Subscribers get bounded channels; on overflow the oldest event is dropped so the scheduler never blocks.
package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
)

// EventType identifies the kind of progress event.
type EventType string

const (
	EventTaskQueued    EventType = "task.queued"
	EventTaskStarted   EventType = "task.started"
	EventTaskProgress  EventType = "task.progress"
	EventTaskRetrying  EventType = "task.retrying"
	EventTaskCompleted EventType = "task.completed"
	EventTaskFailed    EventType = "task.failed"
	EventTaskSkipped   EventType = "task.skipped"
	EventTaskCancelled EventType = "task.cancelled"
	EventRunStarted    EventType = "run.started"
	EventRunCompleted  EventType = "run.completed"
	EventRunFailed     EventType = "run.failed"
	EventRunCancelled  EventType = "run.cancelled"
)

// Terminal reports whether the event ends a run.
func (t EventType) Terminal() bool {
	return t == EventRunCompleted || t == EventRunFailed || t == EventRunCancelled
}

// Event is a single progress notification.
type Event struct {
	ID        string        `json:"id"`
	Type      EventType     `json:"type"`
	RunID     string        `json:"run_id"`
	NodeID    string        `json:"node_id,omitempty"`
	Attempt   int           `json:"attempt,omitempty"`
	Progress  float64       `json:"progress,omitempty"`
	CacheHit  bool          `json:"cache_hit,omitempty"`
	Delay     time.Duration `json:"delay,omitempty"`
	Error     string        `json:"error,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

func newEvent(typ EventType, runID, nodeID string) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      typ,
		RunID:     runID,
		NodeID:    nodeID,
		Timestamp: time.Now(),
	}
}

// Emitter receives progress events. Implementations must not block.
type Emitter interface {
	Emit(Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(Event)

// Emit calls f(e).
func (f EmitterFunc) Emit(e Event) { f(e) }

// MultiEmitter forwards every event to each emitter in order.
type MultiEmitter []Emitter

// Emit implements Emitter.
func (m MultiEmitter) Emit(e Event) {
	for _, em := range m {
		if em != nil {
			em.Emit(e)
		}
	}
}

type nopEmitter struct{}

func (nopEmitter) Emit(Event) {}

// Broadcaster fans events out to any number of subscribers.
type Broadcaster struct {
	mu      sync.Mutex
	subs    map[uint64]*Subscription
	nextID  uint64
	buffer  int
	closed  bool
	metrics *Metrics
}

// NewBroadcaster creates a broadcaster whose subscriptions buffer up to
// buffer events each. m may be nil.
func NewBroadcaster(buffer int, m *Metrics) *Broadcaster {
	if buffer < 1 {
		buffer = 1
	}
	return &Broadcaster{
		subs:    make(map[uint64]*Subscription),
		buffer:  buffer,
		metrics: m,
	}
}

// Subscription is one subscriber's view of the event stream.
type Subscription struct {
	id      uint64
	runID   string
	ch      chan Event
	dropped atomic.Int64
	b       *Broadcaster
	once    sync.Once
}

// Subscribe registers a subscriber. An empty runID receives events from all runs.
// The returned subscription's channel is closed by Close or when the
// broadcaster is closed.
func (b *Broadcaster) Subscribe(runID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := &Subscription{
		id:    b.nextID,
		runID: runID,
		ch:    make(chan Event, b.buffer),
		b:     b,
	}
	b.nextID++
	if b.closed {
		s.once.Do(func() { close(s.ch) })
		return s
	}
	b.subs[s.id] = s
	return s
}

// Emit delivers e to every matching subscriber without blocking.
func (b *Broadcaster) Emit(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		if s.runID != "" && s.runID != e.RunID {
			continue
		}
		select {
		case s.ch <- e:
			continue
		default:
		}
		// Full: discard the oldest buffered event and retry once.
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- e:
		default:
		}
		s.dropped.Inc()
		b.metrics.eventDropped()
	}
}

// Subscribers returns the number of active subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close closes every subscription channel. Later emits are ignored.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		s.once.Do(func() { close(s.ch) })
		delete(b.subs, id)
	}
}

// Events returns the receive channel.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Dropped returns how many events were discarded for this subscriber.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close unsubscribes and closes the channel. Safe to call more than once.
func (s *Subscription) Close() {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	delete(s.b.subs, s.id)
	s.once.Do(func() { close(s.ch) })
}
