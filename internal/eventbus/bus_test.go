package eventbus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(4)
	defer unsub()

	b.Publish(Event{Type: TypeLog, Data: LogLine{Text: "hello"}})

	select {
	case ev := <-ch:
		if ev.Type != TypeLog {
			t.Fatalf("type = %q", ev.Type)
		}
		if ll, ok := ev.Data.(LogLine); !ok || ll.Text != "hello" {
			t.Fatalf("data = %#v", ev.Data)
		}
		if ev.Time.IsZero() {
			t.Fatal("timestamp not stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("no delivery")
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			b.Publish(Event{Type: TypeCountdown, Data: Countdown{}})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
	if len(ch) != 1 {
		t.Fatalf("buffered = %d, want 1", len(ch))
	}
}

func TestUnsubscribeIsIdempotentAndSafe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()

	// publishing after unsubscribe must not panic
	b.Publish(Event{Type: TypeLog, Data: LogLine{Text: "x"}})

	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
}
