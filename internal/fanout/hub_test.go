package fanout

import (
	"testing"
	"time"
)

func receive(t *testing.T, ch <-chan int) int {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return 0
}

func TestPublishPreservesOrder(t *testing.T) {
	hub := New[int]()
	ch, cancel := hub.Subscribe("session-1")
	defer cancel()

	// nobody reads while publishing; the queue must absorb everything
	for i := range 500 {
		hub.Publish("session-1", i)
	}
	for i := range 500 {
		if got := receive(t, ch); got != i {
			t.Fatalf("message %d arrived as %d", i, got)
		}
	}
}

func TestPublishIsScopedByKey(t *testing.T) {
	hub := New[int]()
	a, cancelA := hub.Subscribe("a")
	defer cancelA()
	b, cancelB := hub.Subscribe("b")
	defer cancelB()

	hub.Publish("a", 1)
	hub.Publish("b", 2)

	if got := receive(t, a); got != 1 {
		t.Fatalf("a got %d", got)
	}
	if got := receive(t, b); got != 2 {
		t.Fatalf("b got %d", got)
	}
	select {
	case v := <-a:
		t.Fatalf("a received foreign message %d", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCancelLeavesOtherSubscribers(t *testing.T) {
	hub := New[int]()
	first, cancelFirst := hub.Subscribe("session-1")
	second, cancelSecond := hub.Subscribe("session-1")
	defer cancelSecond()

	cancelFirst()
	cancelFirst()

	select {
	case _, ok := <-first:
		if ok {
			t.Fatal("expected cancelled channel to be closed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled channel never closed")
	}

	if n := hub.Subscribers("session-1"); n != 1 {
		t.Fatalf("expected 1 subscriber, got %d", n)
	}

	hub.Publish("session-1", 7)
	if got := receive(t, second); got != 7 {
		t.Fatalf("second got %d", got)
	}
}
