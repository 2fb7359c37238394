package event

import (
	"fmt"
	"testing"
	"time"
)

func TestBus_OrderPreserved(t *testing.T) {
	b := NewBus()
	defer b.Close()

	ch, cancel := b.Subscribe()
	defer cancel()

	const n = 200
	for i := 0; i < n; i++ {
		b.Publish(Event{
			Type:      TypeBlockDelta,
			SessionID: "s1",
			Timestamp: time.Now(),
			BlockDelta: &BlockDeltaEvent{
				BlockID: "b1",
				Delta:   fmt.Sprintf("%d", i),
			},
		})
	}

	for i := 0; i < n; i++ {
		select {
		case e := <-ch:
			if got := e.BlockDelta.Delta; got != fmt.Sprintf("%d", i) {
				t.Fatalf("event %d delivered out of order: got delta %q", i, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestBus_SlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := NewBus()
	defer b.Close()

	// Slow subscriber that never reads.
	_, cancelSlow := b.Subscribe()
	defer cancelSlow()

	fast, cancelFast := b.Subscribe()
	defer cancelFast()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Publish(Event{Type: TypeLog, Log: &LogEvent{Message: "x"}})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	// The fast subscriber still receives everything in order.
	for i := 0; i < 1000; i++ {
		select {
		case <-fast:
		case <-time.After(2 * time.Second):
			t.Fatalf("fast subscriber missing event %d", i)
		}
	}
}

func TestBus_CancelClosesChannel(t *testing.T) {
	b := NewBus()
	defer b.Close()

	ch, cancel := b.Subscribe()
	cancel()
	cancel() // idempotent

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}

	// Publishing after cancel must not panic or deliver.
	b.Publish(Event{Type: TypeLog, Log: &LogEvent{Message: "late"}})
}

func TestBus_CloseIsIdempotent(t *testing.T) {
	b := NewBus()
	ch, _ := b.Subscribe()
	b.Close()
	b.Close()

	if _, ok := <-ch; ok {
		t.Fatal("expected channel closed after bus close")
	}
}

func TestEvent_ConversationDefaultsToMain(t *testing.T) {
	e := Event{Type: TypeSessionIdle}
	if e.Conversation() != MainConversation {
		t.Fatalf("expected main, got %q", e.Conversation())
	}
	e.ConversationID = "tool-1"
	if e.Conversation() != "tool-1" {
		t.Fatalf("expected tool-1, got %q", e.Conversation())
	}
}

func TestEvent_ClientVisibility(t *testing.T) {
	if (Event{Type: TypeLog}).ClientVisible() {
		t.Fatal("log events must not cross the client boundary")
	}
	for _, typ := range []Type{TypeBlockUpsert, TypeBackendReady, TypeQueryFailed, TypeFileDeleted} {
		if !(Event{Type: typ}).ClientVisible() {
			t.Fatalf("%s should be client visible", typ)
		}
	}
}
