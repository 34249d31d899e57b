package tempest

import (
	"sync"
	"time"
)

// responseOutcome is the single value delivered through a pending
// entry's channel: either the matching inbound message, or an error
// (ErrCancelled/ErrTimedOut/a send failure). Exactly one of msg/err is
// set, and exactly one outcome is ever delivered per entry (spec.md
// §4.5: "Cancellation surfaces as a single cancelled outcome").
type responseOutcome struct {
	msg Message
	err error
}

// pendingResponse is one outstanding SendFor registration, grounded on
// the teacher's done/errChan pattern in client.go generalized from a
// single process-wide pair to one result channel per outbound message id.
type pendingResponse struct {
	result   chan responseOutcome
	deadline time.Time
	hasDeadline bool
	once     sync.Once
}

func (p *pendingResponse) complete(o responseOutcome) {
	p.once.Do(func() {
		p.result <- o
	})
}

// ResponseTracker correlates outbound messages with their eventual
// response, enforcing per-message timeouts and cancellation (spec.md
// §4.5). It is safe for concurrent use: SendFor/Receive/CheckTimeouts may
// be called from different goroutines (send path, receive path, a
// connection's periodic sweep).
type ResponseTracker struct {
	mu      sync.Mutex
	pending map[int32]*pendingResponse
}

// NewResponseTracker creates an empty tracker.
func NewResponseTracker() *ResponseTracker {
	return &ResponseTracker{pending: make(map[int32]*pendingResponse)}
}

// SendFor registers messageID as awaiting a response and returns a
// channel that receives exactly one responseOutcome: the matching reply
// (via Receive), a cancellation (via Fail, Clear, or CheckTimeouts), or
// a timeout once timeout elapses. Pass timeout <= 0 for no deadline.
func (t *ResponseTracker) SendFor(messageID int32, timeout time.Duration) <-chan responseOutcome {
	p := &pendingResponse{result: make(chan responseOutcome, 1)}
	if timeout > 0 {
		p.deadline = time.Now().Add(timeout)
		p.hasDeadline = true
	}

	t.mu.Lock()
	t.pending[messageID] = p
	t.mu.Unlock()

	return p.result
}

// Fail completes messageID's pending entry as cancelled due to a send
// failure (spec.md §4.5: "on send-failure, completes the response as
// cancelled").
func (t *ResponseTracker) Fail(messageID int32, err error) {
	t.mu.Lock()
	p, ok := t.pending[messageID]
	if ok {
		delete(t.pending, messageID)
	}
	t.mu.Unlock()
	if ok {
		p.complete(responseOutcome{err: err})
	}
}

// Receive completes the pending entry matching responseMessageID with
// msg, removing its timeout, and reports whether an entry was found
// (spec.md §4.5). A false result means the response referenced an id
// with no outstanding send — callers should treat this as a protocol
// anomaly rather than silently ignore it.
func (t *ResponseTracker) Receive(responseMessageID int32, msg Message) bool {
	t.mu.Lock()
	p, ok := t.pending[responseMessageID]
	if ok {
		delete(t.pending, responseMessageID)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	p.complete(responseOutcome{msg: msg})
	return true
}

// CheckTimeouts evicts and cancels every entry whose deadline has
// elapsed as of now (spec.md §4.5). Driven by each transport's single
// per-connection ticker rather than a timer per pending entry (spec.md
// §9: "model as a single scheduler task... do not spawn threads per
// timer").
func (t *ResponseTracker) CheckTimeouts(now time.Time) {
	var expired []*pendingResponse

	t.mu.Lock()
	for id, p := range t.pending {
		if p.hasDeadline && !now.Before(p.deadline) {
			expired = append(expired, p)
			delete(t.pending, id)
		}
	}
	t.mu.Unlock()

	for _, p := range expired {
		p.complete(responseOutcome{err: ErrTimedOut})
	}
}

// Clear cancels every pending entry (spec.md §4.5: used on disconnect;
// "Shut-down cancels all outstanding SendFor futures exactly once").
func (t *ResponseTracker) Clear() {
	t.mu.Lock()
	all := t.pending
	t.pending = make(map[int32]*pendingResponse)
	t.mu.Unlock()

	for _, p := range all {
		p.complete(responseOutcome{err: ErrCancelled})
	}
}
