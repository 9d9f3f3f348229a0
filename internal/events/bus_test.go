package events

import (
	"testing"
	"time"
)

func TestBusFanOut(t *testing.T) {
	b := NewBus()
	ch1, cancel1 := b.Subscribe()
	ch2, cancel2 := b.Subscribe()
	defer cancel1()
	defer cancel2()

	b.Publish(BatchedTokens{RunID: "r-1", Seq: 0, Text: "hello"})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			bt, ok := ev.(BatchedTokens)
			if !ok || bt.RunID != "r-1" || bt.Text != "hello" {
				t.Fatalf("subscriber %d got unexpected event %+v", i, ev)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d never received the event", i)
		}
	}
}

func TestBusPublishNeverBlocks(t *testing.T) {
	b := NewBus()
	_, cancel := b.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		// Nobody drains; overflow past the buffer must be dropped.
		for i := 0; i < defaultSubscriberBuffer*2; i++ {
			b.Publish(StageProgress{RunID: "r-1", Stage: "generate", Retries: i % 2})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("publish blocked on a slow subscriber")
	}
}

func TestBusCancelClosesChannel(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe()
	cancel()
	cancel() // idempotent

	if _, ok := <-ch; ok {
		t.Fatalf("cancelled subscription channel should be closed")
	}

	// Publishing after cancel must not panic.
	b.Publish(RunError{RunID: "r-1", Kind: "timeout"})
}
