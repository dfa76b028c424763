package conn

import (
	"container/list"
	"sync"
)

// queueEntry is one pending item in the outgoing queue: either a raw byte
// buffer, or a conflation-keyed buffer that can be replaced in place by a
// later enqueue of the same key. A nil Buf marks a tombstone: the prior
// entry of a conflation key that was replaced but is not the tail, left
// in place so the pusher can skip it without disturbing queue position,
// per spec.md section 4.9.
type queueEntry struct {
	buf            []byte
	conflationKey  string
	conflatable    bool
}

// outgoingQueue is the per-connection pending-write queue (spec.md
// section 3/4.9). Grounded on mikepb-go-swim's BroadcastQueue
// sourceMap-keyed replace-in-place pattern, adapted from a priority heap
// to a FIFO list since commit-order must be preserved, not priority.
type outgoingQueue struct {
	mu          sync.Mutex
	items       *list.List // of *queueEntry
	byKey       map[string]*list.Element
	queuedBytes uint64

	notEmpty *sync.Cond

	conflatedCount      uint64
	sizeExceededCount    uint64
}

func newOutgoingQueue() *outgoingQueue {
	q := &outgoingQueue{
		items: list.New(),
		byKey: make(map[string]*list.Element),
	}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// QueuedBytes returns the current byte total, spec.md section 3.
func (q *outgoingQueue) QueuedBytes() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queuedBytes
}

// Len returns the number of entries including tombstones.
func (q *outgoingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// enqueue adds buf to the tail of the queue. If conflatable and key is
// non-empty, a prior still-pending entry for the same key has its buffer
// replaced in place (spec.md section 4.9): if that prior entry is the
// tail, it is removed and buf appended fresh in its place; otherwise the
// prior entry's slot is mutated directly, keeping its queue position, and
// conflatedCount increments.
//
// Returns whether this call replaced a prior still-pending entry for the
// same conflation key (true) rather than appending a fresh one (false).
func (q *outgoingQueue) enqueue(buf []byte, conflationKey string, conflatable bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if conflatable && conflationKey != "" {
		if el, found := q.byKey[conflationKey]; found {
			entry := el.Value.(*queueEntry)
			oldLen := uint64(len(entry.buf))
			entry.buf = buf
			q.queuedBytes = q.queuedBytes - oldLen + uint64(len(buf))
			q.conflatedCount++
			q.notEmpty.Signal()
			return true
		}
	}

	entry := &queueEntry{
		buf:           buf,
		conflationKey: conflationKey,
		conflatable:   conflatable,
	}
	el := q.items.PushBack(entry)
	if conflatable && conflationKey != "" {
		q.byKey[conflationKey] = el
	}
	q.queuedBytes += uint64(len(buf))
	q.notEmpty.Signal()
	return false
}

// dequeue blocks until an entry is available or isClosed reports true,
// returning the front non-tombstone buffer with it removed from the
// queue. Returns ok=false when the queue has been drained and closed.
// isClosed is polled fresh on every wakeup rather than snapshotted once,
// so a close requested while the caller is parked in notEmpty.Wait is
// still observed after signalClose's broadcast wakes it.
func (q *outgoingQueue) dequeue(isClosed func() bool) ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		for el := q.items.Front(); el != nil; el = q.items.Front() {
			entry := el.Value.(*queueEntry)
			q.items.Remove(el)
			if entry.conflationKey != "" {
				if cur, found := q.byKey[entry.conflationKey]; found && cur == el {
					delete(q.byKey, entry.conflationKey)
				}
			}
			if entry.buf == nil {
				// tombstone, skip
				continue
			}
			q.queuedBytes -= uint64(len(entry.buf))
			return entry.buf, true
		}

		if isClosed() {
			return nil, false
		}
		q.notEmpty.Wait()
	}
}

// signalClose wakes any goroutine blocked in dequeue so it can observe the
// closed flag.
func (q *outgoingQueue) signalClose() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.notEmpty.Broadcast()
}

func (q *outgoingQueue) stats() (conflated uint64, sizeExceeded uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.conflatedCount, q.sizeExceededCount
}

func (q *outgoingQueue) noteSizeExceeded() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sizeExceededCount++
}
