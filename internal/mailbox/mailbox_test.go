package mailbox

import (
	"sync"
	"testing"
	"time"
)

func TestDrainPreservesOrder(t *testing.T) {
	mb := New[int]()
	for i := 0; i < 10; i++ {
		mb.Post(i)
	}

	select {
	case <-mb.Ready():
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for ready signal")
	}

	msgs := mb.Drain()
	if len(msgs) != 10 {
		t.Fatalf("Expected 10 messages, got %d", len(msgs))
	}
	for i, m := range msgs {
		if m != i {
			t.Errorf("Message %d out of order: got %d", i, m)
		}
	}
	if mb.Len() != 0 {
		t.Errorf("Expected empty mailbox after drain, got %d", mb.Len())
	}
}

func TestPostAfterClose(t *testing.T) {
	mb := New[string]()
	mb.Post("a")
	mb.Close()

	if mb.Post("b") {
		t.Fatal("Post after Close should fail")
	}
	if msgs := mb.Drain(); len(msgs) != 1 || msgs[0] != "a" {
		t.Errorf("Expected [a] after close, got %v", msgs)
	}
}

// TestPostNeverBlocks posts far more messages than any channel buffer would
// hold without a consumer.
func TestPostNeverBlocks(t *testing.T) {
	mb := New[int]()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100000; i++ {
			mb.Post(i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Post blocked without a consumer")
	}
}

func TestSingleConsumerSeesPerProducerOrder(t *testing.T) {
	type msg struct{ producer, seq int }
	mb := New[msg]()

	const producers, perProducer = 4, 1000
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				mb.Post(msg{producer: p, seq: i})
			}
		}(p)
	}

	last := make([]int, producers)
	for i := range last {
		last[i] = -1
	}
	received := 0
	deadline := time.After(5 * time.Second)
	for received < producers*perProducer {
		select {
		case <-mb.Ready():
			for _, m := range mb.Drain() {
				if m.seq != last[m.producer]+1 {
					t.Fatalf("Producer %d: expected seq %d, got %d", m.producer, last[m.producer]+1, m.seq)
				}
				last[m.producer] = m.seq
				received++
			}
		case <-deadline:
			t.Fatalf("Timeout after %d messages", received)
		}
	}
	wg.Wait()
}
