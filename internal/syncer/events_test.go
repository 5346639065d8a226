package syncer

import (
	"testing"
	"time"

	"github.com/sellerledger/recovery-engine/pkg/models"
)

func TestBus_PerSellerIsolation(t *testing.T) {
	bus := NewBus()
	a, cancelA := bus.Subscribe("A")
	defer cancelA()
	b, cancelB := bus.Subscribe("B")
	defer cancelB()

	bus.Publish(models.ProgressEvent{Type: "sync", Status: "started", SellerID: "A", SyncID: "s1"})

	select {
	case ev := <-a:
		if ev.SyncID != "s1" {
			t.Errorf("Wrong event delivered: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("Subscriber A never received its event")
	}
	select {
	case ev := <-b:
		t.Errorf("Subscriber B received another seller's event: %+v", ev)
	default:
	}
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe("A")
	cancel()
	cancel() // safe to call twice

	bus.Publish(models.ProgressEvent{SellerID: "A", Status: "started"})
	if _, open := <-ch; open {
		t.Errorf("Channel still open after unsubscribe")
	}
	if n := bus.SubscriberCount("A"); n != 0 {
		t.Errorf("SubscriberCount = %d after unsubscribe, want 0", n)
	}
}

func TestBus_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe("A")
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBuffer*2; i++ {
			bus.Publish(models.ProgressEvent{SellerID: "A", Status: "progress"})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Publish blocked on a full subscriber channel")
	}
	if len(ch) != subscriberBuffer {
		t.Errorf("Buffered %d events, want the full buffer of %d", len(ch), subscriberBuffer)
	}
}
