package eventbus

import (
	"testing"
	"time"

	"github.com/rakunlabs/gatekit/internal/envelope"
)

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	bus := New()

	ch1, unsub1 := bus.Subscribe()
	defer unsub1()
	ch2, unsub2 := bus.Subscribe()
	defer unsub2()

	env := envelope.New("telegram", "proj-1", "cfg-1")
	bus.Publish(env)

	for i, ch := range []<-chan *envelope.Envelope{ch1, ch2} {
		select {
		case got := <-ch:
			if got.ID != env.ID {
				t.Fatalf("subscriber %d received wrong envelope", i+1)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d did not receive the envelope", i+1)
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := New()

	ch, unsub := bus.Subscribe()
	unsub()

	// The channel is closed on unsubscribe; publishing afterwards must not
	// panic or deliver.
	bus.Publish(envelope.New("telegram", "proj-1", "cfg-1"))

	if _, ok := <-ch; ok {
		t.Fatal("unsubscribed channel should be closed and empty")
	}
}

func TestUnsubscribeTwiceIsSafe(t *testing.T) {
	bus := New()

	_, unsub := bus.Subscribe()
	unsub()
	unsub()
}

func TestSlowSubscriberIsDroppedNotBlocking(t *testing.T) {
	bus := New()

	slow, _ := bus.Subscribe()
	_ = slow // never drained

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < bufferSize+10; i++ {
			bus.Publish(envelope.New("discord", "proj-1", "cfg-1"))
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Publish must never block on a slow subscriber")
	}

	// The overflowing subscriber's channel ends up closed.
	drained := 0
	for range slow {
		drained++
	}
	if drained != bufferSize {
		t.Fatalf("drained %d buffered envelopes, want %d before the drop", drained, bufferSize)
	}
}
