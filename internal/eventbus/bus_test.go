package eventbus

import "testing"

func TestPublishReachesAllSubscribers(t *testing.T) {
	t.Parallel()
	bus := New()
	ch1, unsub1 := bus.Subscribe(4)
	ch2, unsub2 := bus.Subscribe(4)
	defer unsub1()
	defer unsub2()

	bus.Publish(Event{Type: TypeInboundFlush, Data: "payload"})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Type != TypeInboundFlush || ev.Data != "payload" {
				t.Fatalf("subscriber %d got %+v", i, ev)
			}
			if ev.Time.IsZero() {
				t.Fatalf("subscriber %d event missing timestamp", i)
			}
		default:
			t.Fatalf("subscriber %d received nothing", i)
		}
	}
}

func TestPublishNeverBlocksOnFullSubscriber(t *testing.T) {
	t.Parallel()
	bus := New()
	_, unsub := bus.Subscribe(1)
	defer unsub()

	// Second publish overflows the buffer; it must drop, not block.
	bus.Publish(Event{Type: TypeBroadcastProgress})
	bus.Publish(Event{Type: TypeBroadcastProgress})
}

func TestUnsubscribeStopsDeliveryAndIsIdempotent(t *testing.T) {
	t.Parallel()
	bus := New()
	ch, unsub := bus.Subscribe(4)

	unsub()
	unsub()

	// Publishing into a closed subscriber channel must not panic.
	bus.Publish(Event{Type: TypeBroadcastFinished})

	if _, open := <-ch; open {
		t.Fatal("channel still open after unsubscribe")
	}
}
