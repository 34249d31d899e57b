package tempest

// reliableQueueEntry pairs a buffered message with the id it arrived
// under, so Enqueue can hand back typed results without a second map
// lookup.
type reliableQueueEntry struct {
	id  int32
	msg Message
}

// ReliableQueue buffers out-of-order inbound messages by message id and
// releases them in strict ascending order (spec.md §4.4). It is
// per-connection state, touched only from the connection's receive path,
// so it needs no internal locking of its own.
type ReliableQueue struct {
	buffered       map[int32]Message
	nextExpectedID int32
}

// NewReliableQueue creates a queue expecting messages starting at id 0.
func NewReliableQueue() *ReliableQueue {
	return &ReliableQueue{buffered: make(map[int32]Message)}
}

// Enqueue admits msg under id and returns the contiguous run of now-ready
// messages in ascending id order: if id is the next expected one, msg is
// released immediately together with any already-buffered successors;
// otherwise msg is buffered and nil is returned (spec.md §4.4).
//
// A duplicate id — one already delivered or already buffered — is
// silently dropped. An id that appears far behind nextExpectedID is
// treated as 24-bit wraparound and accepted when the gap is consistent
// with a rollover (spec.md §4.4, §3: "wraps from 2^23-1 to 0").
func (q *ReliableQueue) Enqueue(id int32, msg Message) []reliableQueueEntry {
	if _, dup := q.buffered[id]; dup {
		return nil
	}
	if !q.accepts(id) {
		return nil
	}
	if id != q.nextExpectedID {
		q.buffered[id] = msg
		return nil
	}

	var run []reliableQueueEntry
	run = append(run, reliableQueueEntry{id: id, msg: msg})
	q.advance()

	for {
		next, ok := q.buffered[q.nextExpectedID]
		if !ok {
			break
		}
		delete(q.buffered, q.nextExpectedID)
		run = append(run, reliableQueueEntry{id: q.nextExpectedID, msg: next})
		q.advance()
	}
	return run
}

func (q *ReliableQueue) advance() {
	q.nextExpectedID = (q.nextExpectedID + 1) % MaxMessageID
}

// wraparoundWindow is the threshold at or above which an expected/last id
// counts as near the top of the id space, so that a numerically smaller
// id below 1<<22 is taken as a post-wrap arrival rather than a stale
// duplicate or protocol violation.
const wraparoundWindow = MaxMessageID - (1 << 22)

// accepts reports whether id is the awaited id, ahead of it, or a
// plausible wraparound arrival. Any other id behind nextExpectedID
// (already delivered) is rejected. The strict ordering violation check
// itself (disconnecting on a truly out-of-range id) is the caller's
// responsibility, applied before calling Enqueue — see §3's "protocol
// violation → disconnect" invariant, enforced in the connection receive
// path rather than here.
func (q *ReliableQueue) accepts(id int32) bool {
	if id == q.nextExpectedID {
		return true
	}
	if id > q.nextExpectedID {
		return true
	}
	// id < nextExpectedID: only a rollover from near the top of the id
	// space down near zero is legitimate.
	return id > 0 && q.nextExpectedID >= wraparoundWindow && id < (1<<22)
}

// Clear resets the queue to its initial empty state, discarding any
// buffered messages (spec.md §4.4).
func (q *ReliableQueue) Clear() {
	q.buffered = make(map[int32]Message)
	q.nextExpectedID = 0
}
