package eventbus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe("worker/state", 4)
	defer unsub()

	b.Publish("worker/state", "hello")
	select {
	case ev := <-ch:
		if ev.Topic != "worker/state" || ev.Data != "hello" {
			t.Fatalf("unexpected event: %+v", ev)
		}
		if ev.Time.IsZero() {
			t.Fatal("event time not set")
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestTopicIsolation(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe("topic/a", 4)
	defer unsubA()
	c, unsubC := b.Subscribe("topic/b", 4)
	defer unsubC()

	b.Publish("topic/a", 1)
	select {
	case <-a:
	case <-time.After(time.Second):
		t.Fatal("subscriber on topic/a got nothing")
	}
	select {
	case ev := <-c:
		t.Fatalf("subscriber on topic/b got %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe("busy", 1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish("busy", i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
	if b.Dropped() == 0 {
		t.Fatal("expected drops for the full buffer")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe("t", 4)
	unsub()

	b.Publish("t", 1)
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("delivery after unsubscribe")
		}
	case <-time.After(50 * time.Millisecond):
	}
}
