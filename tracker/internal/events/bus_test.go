package events

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBus_Delivery(t *testing.T) {
	bus := NewBus(testLogger())
	all := bus.Subscribe("all", 10)
	alerts := bus.Subscribe("alerts", 10, AlertCreated)

	bus.Publish(Event{Type: LocationUpdate})
	bus.Publish(Event{Type: AlertCreated})

	if got := len(all.C); got != 2 {
		t.Errorf("all subscriber: got %d events, want 2", got)
	}
	if got := len(alerts.C); got != 1 {
		t.Fatalf("filtered subscriber: got %d events, want 1", got)
	}
	ev := <-alerts.C
	if ev.Type != AlertCreated {
		t.Errorf("got %s, want %s", ev.Type, AlertCreated)
	}
	if ev.Time.IsZero() {
		t.Error("publish should stamp the event time")
	}
}

func TestBus_SlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus(testLogger())
	slow := bus.Subscribe("slow", 2)
	fast := bus.Subscribe("fast", 100)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			bus.Publish(Event{Type: LocationUpdate})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	if slow.Dropped() != 48 {
		t.Errorf("slow dropped: got %d, want 48", slow.Dropped())
	}
	if fast.Dropped() != 0 {
		t.Errorf("fast dropped: got %d, want 0", fast.Dropped())
	}
	st := bus.Stats()
	if st.Published != 50 || st.Dropped != 48 || st.Subscribers != 2 {
		t.Errorf("unexpected stats: %+v", st)
	}
}

func TestBus_CloseAndUnsubscribe(t *testing.T) {
	bus := NewBus(testLogger())
	a := bus.Subscribe("a", 1)
	b := bus.Subscribe("b", 1)

	a.Unsubscribe()
	if _, ok := <-a.C; ok {
		t.Error("unsubscribed channel should be closed")
	}
	a.Unsubscribe() // second call is a no-op

	bus.Close()
	if _, ok := <-b.C; ok {
		t.Error("channel should be closed after bus close")
	}

	// Publishing and subscribing after close must not panic.
	bus.Publish(Event{Type: ServiceShutdown})
	late := bus.Subscribe("late", 1)
	if _, ok := <-late.C; ok {
		t.Error("late subscription should be closed")
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	bus := NewBus(testLogger())
	sub := bus.Subscribe("sink", 1000)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.Publish(Event{Type: LocationUpdate})
			}
		}()
	}
	wg.Wait()

	if got := int64(len(sub.C)) + sub.Dropped(); got != 500 {
		t.Errorf("delivered+dropped: got %d, want 500", got)
	}
}
