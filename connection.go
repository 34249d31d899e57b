package tempest

import (
	"crypto/rsa"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// ConnectionState is a connection's lifecycle stage (spec.md §3).
type ConnectionState int32

const (
	Disconnected ConnectionState = iota
	Connecting
	Handshaking
	Connected
	Disconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Handshaking:
		return "Handshaking"
	case Connected:
		return "Connected"
	case Disconnecting:
		return "Disconnecting"
	default:
		return "Unknown"
	}
}

// DisconnectReason pairs the result code surfaced to Disconnected
// handlers with an optional free-text explanation (spec.md §7).
type DisconnectReason struct {
	Result ConnectionResult
	Detail string
}

// DisconnectHandler is invoked exactly once when a connection transitions
// to Disconnected (spec.md §7: "All errors surface via Disconnected
// events").
type DisconnectHandler func(*Connection, DisconnectReason)

// MessageHandler is invoked for every inbound application message once it
// has cleared the ReliableQueue (spec.md §5: "handlers may run on any
// thread (ConnectionOrder) or on one shared worker thread (GlobalOrder)"
// — this implementation always dispatches on the connection's own
// receive goroutine, the Go-idiomatic analogue of ConnectionOrder;
// GlobalOrder is not separately modeled).
type MessageHandler func(*Connection, Message)

// Connection is the shared state every transport (TCP/UDP) builds on
// (spec.md §3). Its lifetime ends when State reaches Disconnected and no
// goroutine still holds a reference to it; callers are expected to drop
// their pointer after the DisconnectHandler fires.
type Connection struct {
	ID int32

	// TraceID is a process-local, log-only identifier (not part of the
	// wire format) included in this connection's log lines to correlate
	// its state transitions, ordering violations, and disconnect across
	// goroutines. No metric carries it as a label.
	TraceID string

	state int32 // ConnectionState, accessed via atomic

	Registry *Registry
	Protocols map[byte]Protocol

	// localKey/remotePublicKey are the data model's per-side RSA keys
	// (spec.md §3). Nothing in this package sets them: the handshake keeps
	// its keys in ClientHandshake/ServerHandshake and installs only the
	// resulting SecureOptions.
	localKey       *rsa.PrivateKey
	remotePublicKey *rsa.PublicKey

	sec SecureOptions

	sendMu                sync.Mutex
	nextOutboundMessageID int32
	highestOutboundID     int32
	haveOutbound          bool

	lastInboundMessageID int32
	haveInbound          bool

	ReliableQueue    *ReliableQueue
	ResponseTracker  *ResponseTracker

	OnMessage    MessageHandler
	OnDisconnect DisconnectHandler

	Metrics *Metrics
}

// NewConnection builds a Connection in the Disconnected state, ready to
// begin handshaking once a transport attaches to it.
func NewConnection(id int32, reg *Registry) *Connection {
	return &Connection{
		ID:              id,
		TraceID:         uuid.NewString(),
		Registry:        reg,
		Protocols:       make(map[byte]Protocol),
		ReliableQueue:   NewReliableQueue(),
		ResponseTracker: NewResponseTracker(),
	}
}

// State returns the connection's current lifecycle stage.
func (c *Connection) State() ConnectionState {
	return ConnectionState(atomic.LoadInt32(&c.state))
}

// setState transitions the connection and reports the previous state.
func (c *Connection) setState(s ConnectionState) ConnectionState {
	prev := ConnectionState(atomic.SwapInt32(&c.state, int32(s)))
	if prev != s {
		log.Debugf("connection %d [%s]: %s -> %s", c.ID, c.TraceID, prev, s)
	}
	return prev
}

// nextMessageID assigns the next outbound message id under the send
// lock, so the order ids are handed out matches the order sends are
// enqueued (spec.md §5: "message ids are assigned under a send lock so
// the order of ids matches the order of enqueues"). It wraps at
// MaxMessageID per spec.md §3.
func (c *Connection) nextMessageID() int32 {
	id := c.nextOutboundMessageID
	c.nextOutboundMessageID = (c.nextOutboundMessageID + 1) % MaxMessageID
	c.highestOutboundID = id
	c.haveOutbound = true
	return id
}

// acceptInbound applies spec.md §3's ordering invariant to a non-response
// inbound message id: it must not be less than the last accepted id
// (mod 2^23), except for a plausible wraparound. Returns false when the
// id is a protocol violation the caller must disconnect for.
func (c *Connection) acceptInbound(id int32) bool {
	if !c.haveInbound {
		c.haveInbound = true
		c.lastInboundMessageID = id
		return true
	}
	if id >= c.lastInboundMessageID {
		c.lastInboundMessageID = id
		return true
	}
	// id < lastInboundMessageID: only accept as a wraparound when the
	// last id was near the top of the id space and the new one is near
	// zero (the same near-top/near-zero test as ReliableQueue.accepts).
	if c.lastInboundMessageID >= wraparoundWindow && id < (1<<22) {
		c.lastInboundMessageID = id
		return true
	}
	return false
}

// SetSecureOptions installs the signer/verifier/session key negotiated
// by the handshake (spec.md §4.8: "After this moment both sides switch
// to HMAC-based message signing").
func (c *Connection) SetSecureOptions(sec SecureOptions) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	c.sec = sec
}

// secureOptions returns a copy of the connection's current signer/
// verifier/session key.
func (c *Connection) secureOptions() SecureOptions {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.sec
}

// PrepareSend assigns the next outbound message id and serializes msg
// under the send lock, so id assignment order matches enqueue order
// (spec.md §5). buf, when non-nil, is reused as the frame's backing array
// (spec.md §4.6's send path, backed by the shared SendPool). The caller is
// responsible for writing the returned frame to the transport.
func (c *Connection) PrepareSend(buf []byte, msg Message, isResponse bool, responseTo int32) (frame []byte, id int32, err error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	id = c.nextMessageID()
	sec := c.sec
	frame, err = Serialize(buf, msg, c.ID, id, isResponse, responseTo, &sec)
	return frame, id, err
}

// HandleInbound applies the ordering/response-correlation rules of
// spec.md §3/§5 to one successfully deserialized inbound message and
// dispatches it to OnMessage once it is safe to release (i.e. once the
// ReliableQueue confirms it is next in order). A non-nil return means the
// connection must disconnect with the given reason.
func (c *Connection) HandleInbound(h *MessageHeader, msg Message) *DisconnectReason {
	c.sendMu.Lock()
	if h.IsResponse {
		ok := c.acceptResponse(h.ResponseMessageID)
		c.sendMu.Unlock()
		if !ok {
			log.Warnf("connection %d [%s]: response references unknown outbound id %d", c.ID, c.TraceID, h.ResponseMessageID)
			return &DisconnectReason{Result: FailedUnknown, Detail: "response references unknown outbound id"}
		}
		c.ResponseTracker.Receive(h.ResponseMessageID, msg)
		return nil
	}

	if !c.acceptInbound(h.MessageID) {
		last := c.lastInboundMessageID
		c.sendMu.Unlock()
		log.Warnf("connection %d [%s]: message id %d out of order (last %d)", c.ID, c.TraceID, h.MessageID, last)
		return &DisconnectReason{Result: FailedUnknown, Detail: "message id out of order"}
	}
	ready := c.ReliableQueue.Enqueue(h.MessageID, msg)
	c.sendMu.Unlock()

	for _, entry := range ready {
		if c.OnMessage != nil {
			c.OnMessage(c, entry.msg)
		}
	}
	return nil
}

// acceptResponse applies spec.md §3's response-validity invariant: a
// response is valid only if its responseMessageId references an
// outbound id this side has actually issued.
func (c *Connection) acceptResponse(responseID int32) bool {
	return c.haveOutbound && responseID <= c.highestOutboundID
}

// Disconnect transitions the connection to Disconnected, clears pending
// responses, and invokes OnDisconnect exactly once.
func (c *Connection) Disconnect(reason DisconnectReason) {
	prev := c.setState(Disconnected)
	if prev == Disconnected {
		return
	}
	log.Infof("connection %d [%s]: disconnected (%s: %s)", c.ID, c.TraceID, reason.Result, reason.Detail)
	c.ResponseTracker.Clear()
	c.ReliableQueue.Clear()
	if c.OnDisconnect != nil {
		c.OnDisconnect(c, reason)
	}
}
