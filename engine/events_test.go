// ABOUTME: Tests for the Broadcaster emitter: filtering, drop-oldest overflow, metrics, and close semantics.
package engine

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestBroadcaster_DeliversToMatchingSubscribers(t *testing.T) {
	b := NewBroadcaster(8, nil)
	all := b.Subscribe("")
	one := b.Subscribe("run-1")
	defer all.Close()
	defer one.Close()

	b.Emit(newEvent(EventRunStarted, "run-1", ""))
	b.Emit(newEvent(EventRunStarted, "run-2", ""))

	if got := len(all.Events()); got != 2 {
		t.Errorf("all-runs subscriber got %d events, want 2", got)
	}
	if got := len(one.Events()); got != 1 {
		t.Fatalf("run-1 subscriber got %d events, want 1", got)
	}
	if ev := <-one.Events(); ev.RunID != "run-1" || ev.ID == "" {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestBroadcaster_DropsOldestWhenFull(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	b := NewBroadcaster(2, m)
	sub := b.Subscribe("")
	defer sub.Close()

	for _, node := range []string{"a", "b", "c", "d"} {
		b.Emit(newEvent(EventTaskQueued, "run", node))
	}

	if sub.Dropped() != 2 {
		t.Errorf("Dropped() = %d, want 2", sub.Dropped())
	}
	first := <-sub.Events()
	second := <-sub.Events()
	if first.NodeID != "c" || second.NodeID != "d" {
		t.Errorf("kept %s,%s; want newest c,d", first.NodeID, second.NodeID)
	}
	if got := testutil.ToFloat64(m.droppedEvents); got != 2 {
		t.Errorf("dropped metric = %v, want 2", got)
	}
}

func TestBroadcaster_CloseAndUnsubscribe(t *testing.T) {
	b := NewBroadcaster(1, nil)
	sub := b.Subscribe("")
	if b.Subscribers() != 1 {
		t.Fatalf("Subscribers() = %d", b.Subscribers())
	}
	sub.Close()
	sub.Close()
	if b.Subscribers() != 0 {
		t.Errorf("Subscribers() after Close = %d", b.Subscribers())
	}
	if _, ok := <-sub.Events(); ok {
		t.Error("channel should be closed")
	}

	other := b.Subscribe("")
	b.Close()
	b.Emit(newEvent(EventRunStarted, "run", ""))
	if _, ok := <-other.Events(); ok {
		t.Error("broadcaster Close should close subscriptions")
	}
	other.Close()

	late := b.Subscribe("")
	if _, ok := <-late.Events(); ok {
		t.Error("subscribing after Close should yield a closed channel")
	}
	late.Close()
}

func TestMultiEmitterAndFunc(t *testing.T) {
	var n int
	m := MultiEmitter{EmitterFunc(func(Event) { n++ }), nil, EmitterFunc(func(Event) { n++ })}
	m.Emit(newEvent(EventRunStarted, "r", ""))
	if n != 2 {
		t.Errorf("emitters called %d times, want 2", n)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.taskFinished(TaskCompleted)
	m.attemptStarted()
	m.retryScheduled()
	m.cacheLookup("hit")
	m.runFinished(RunCompleted)
	m.checkpointFailed()
	m.eventDropped()
}
