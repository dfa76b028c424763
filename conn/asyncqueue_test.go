package conn

import (
	"sync/atomic"
	"testing"
	"time"
)

// TestOutgoingQueueFIFOOrder covers testable property 1: wire-order must
// equal commit-order for everything that is not conflated away.
func TestOutgoingQueueFIFOOrder(t *testing.T) {
	q := newOutgoingQueue()

	q.enqueue([]byte("first"), "", false)
	q.enqueue([]byte("second"), "", false)
	q.enqueue([]byte("third"), "", false)

	notClosed := func() bool { return false }
	for _, want := range []string{"first", "second", "third"} {
		got, ok := q.dequeue(notClosed)
		if !ok {
			t.Fatalf("expected entry %q, queue reported empty", want)
		}
		if string(got) != want {
			t.Fatalf("got=%q want=%q", got, want)
		}
	}
}

// TestOutgoingQueueConflationByteAccounting covers testable property 3
// (S3): conflating a same-key entry must leave queuedBytes equal to
// queuedBytes_before - sizeof(old.buf) + sizeof(new.buf), with exactly one
// entry visible to the pusher.
func TestOutgoingQueueConflationByteAccounting(t *testing.T) {
	q := newOutgoingQueue()

	q.enqueue([]byte{10, 20}, "k", true)
	before := q.QueuedBytes()
	if before != 2 {
		t.Fatalf("expected 2 queued bytes after first enqueue, got=%d", before)
	}

	conflated := q.enqueue([]byte{11, 22, 33}, "k", true)
	if !conflated {
		t.Fatal("expected second same-key enqueue to report conflation")
	}

	after := q.QueuedBytes()
	want := before - 2 + 3
	if after != want {
		t.Fatalf("queuedBytes after conflation = %d, want = %d", after, want)
	}

	conflated = q.enqueue([]byte{12}, "k", true)
	if !conflated {
		t.Fatal("expected third same-key enqueue to report conflation")
	}

	finalBytes := q.QueuedBytes()
	if finalBytes != 1 {
		t.Fatalf("expected 1 queued byte after final conflation, got=%d", finalBytes)
	}

	got, ok := q.dequeue(func() bool { return false })
	if !ok {
		t.Fatal("expected one surviving entry")
	}
	if len(got) != 1 || got[0] != 12 {
		t.Fatalf("expected surviving entry [12], got=%v", got)
	}

	if q.QueuedBytes() != 0 {
		t.Fatalf("expected 0 queued bytes after drain, got=%d", q.QueuedBytes())
	}

	conflatedCount, _ := q.stats()
	if conflatedCount < 2 {
		t.Fatalf("expected conflatedCount >= 2, got=%d", conflatedCount)
	}
}

// TestOutgoingQueueNonConflatableAppendsFresh ensures a conflation key
// collision does not replace an entry that was marked non-conflatable
// (e.g. a partially-written remainder, per the Send/sendAsyncEligible
// documentation).
func TestOutgoingQueueNonConflatableAppendsFresh(t *testing.T) {
	q := newOutgoingQueue()

	q.enqueue([]byte{1}, "k", false)
	conflated := q.enqueue([]byte{2}, "k", false)
	if conflated {
		t.Fatal("non-conflatable enqueue must not report conflation")
	}

	notClosed := func() bool { return false }
	first, ok := q.dequeue(notClosed)
	if !ok || len(first) != 1 || first[0] != 1 {
		t.Fatalf("expected first entry [1] preserved, got=%v ok=%t", first, ok)
	}
	second, ok := q.dequeue(notClosed)
	if !ok || len(second) != 1 || second[0] != 2 {
		t.Fatalf("expected second entry [2] preserved, got=%v ok=%t", second, ok)
	}
}

// TestOutgoingQueueDequeueUnblocksOnClose covers the close-path half of
// testable property 4: a pusher blocked in dequeue must observe closure
// rather than hang forever.
func TestOutgoingQueueDequeueUnblocksOnClose(t *testing.T) {
	q := newOutgoingQueue()
	var closed atomic.Bool

	done := make(chan bool, 1)
	go func() {
		_, ok := q.dequeue(closed.Load)
		done <- ok
	}()

	// give the goroutine a chance to reach notEmpty.Wait() on an empty
	// queue before we request close; pusherLoop's real caller is in
	// exactly this state when a connection idles with nothing queued.
	time.Sleep(20 * time.Millisecond)

	closed.Store(true)
	q.signalClose()

	select {
	case ok := <-done:
		if ok {
			t.Fatal("expected dequeue to report empty/closed, not a value")
		}
	case <-time.After(time.Second):
		t.Fatal("dequeue did not unblock within timeout after signalClose")
	}
}
