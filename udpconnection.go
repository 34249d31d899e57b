package tempest

import (
	"net"
	"sync"
	"time"
)

// pendingReliableSend is one outbound reliable UDP message awaiting an
// Acknowledge (spec.md §4.7: "PendingReliable = {id, payload, sentAt,
// attempts}").
type pendingReliableSend struct {
	id       int32
	frame    []byte
	sentAt   time.Time
	lastSent time.Time
	backoff  time.Duration
	attempts int
}

// UnreliableConnection is the UDP datagram transport (spec.md §4.7): a
// per-peer reliability layer — retransmit table, ACK handling, and
// ping/pong liveness — layered on top of a shared net.PacketConn.
// Grounded on the nspkt-listener.go connectionless dispatch/atomic
// counters idiom and the half-tunnel packet.go seq/ack sub-framing
// convention, adapted to the envelope in §4.3 rather than either
// example's own framing.
type UnreliableConnection struct {
	pc   net.PacketConn
	addr net.Addr
	c    *Connection

	maxMessageSize int32

	retransmitInitial  time.Duration
	retransmitCap      time.Duration
	retransmitDeadline time.Duration
	pingInterval       time.Duration
	pingTimeout        time.Duration

	mu              sync.Mutex
	pendingReliable map[int32]*pendingReliableSend
	lastPongAt      time.Time

	stop      chan struct{}
	closeOnce sync.Once
}

// UDPTimings bundles the tunable intervals from spec.md §4.7.
type UDPTimings struct {
	RetransmitInitial  time.Duration
	RetransmitCap      time.Duration
	RetransmitDeadline time.Duration
	PingInterval       time.Duration
	PingTimeout        time.Duration
}

// DefaultUDPTimings matches spec.md §4.7's stated defaults exactly.
func DefaultUDPTimings() UDPTimings {
	return UDPTimings{
		RetransmitInitial:  100 * time.Millisecond,
		RetransmitCap:      2 * time.Second,
		RetransmitDeadline: 15 * time.Second,
		PingInterval:       5 * time.Second,
		PingTimeout:        15 * time.Second,
	}
}

// NewUnreliableConnection builds an UnreliableConnection bound to c and
// the peer at addr, sharing pc with the listener (and every other peer's
// UnreliableConnection).
func NewUnreliableConnection(pc net.PacketConn, addr net.Addr, c *Connection, maxMessageSize int32, timings UDPTimings) *UnreliableConnection {
	return &UnreliableConnection{
		pc:                 pc,
		addr:               addr,
		c:                  c,
		maxMessageSize:     maxMessageSize,
		retransmitInitial:  timings.RetransmitInitial,
		retransmitCap:      timings.RetransmitCap,
		retransmitDeadline: timings.RetransmitDeadline,
		pingInterval:       timings.PingInterval,
		pingTimeout:        timings.PingTimeout,
		pendingReliable:    make(map[int32]*pendingReliableSend),
		lastPongAt:         time.Now(),
		stop:               make(chan struct{}),
	}
}

// Start launches the periodic delivery/liveness timer (spec.md §9:
// "model as a single scheduler task per connection... do not spawn
// threads per timer").
func (uc *UnreliableConnection) Start() {
	go uc.tick()
}

func (uc *UnreliableConnection) tick() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	lastPing := time.Now()
	for {
		select {
		case <-uc.stop:
			return
		case now := <-ticker.C:
			if reason := uc.retransmitDue(now); reason != nil {
				uc.c.Disconnect(*reason)
				return
			}
			uc.c.ResponseTracker.CheckTimeouts(now)
			if now.Sub(lastPing) >= uc.pingInterval {
				lastPing = now
				_ = uc.sendUnreliable(&PingMessage{})
			}
			uc.mu.Lock()
			lastPong := uc.lastPongAt
			uc.mu.Unlock()
			if now.Sub(lastPong) >= uc.pingTimeout {
				uc.c.Metrics.addPingTimeout()
				log.Warnf("connection %d: ping timeout, no pong since %s", uc.c.ID, lastPong)
				uc.c.Disconnect(DisconnectReason{Result: TimedOut, Detail: "ping timeout"})
				return
			}
		}
	}
}

// retransmitDue resends every pending entry whose backoff has elapsed,
// and reports a TimedOut disconnect for any entry past its give-up
// deadline (spec.md §4.7: "give up at a deadline of 15s → disconnect
// with TimedOut").
func (uc *UnreliableConnection) retransmitDue(now time.Time) *DisconnectReason {
	uc.mu.Lock()
	var toSend [][]byte
	var timedOut bool
	for id, p := range uc.pendingReliable {
		if now.Sub(p.sentAt) >= uc.retransmitDeadline {
			timedOut = true
			delete(uc.pendingReliable, id)
			continue
		}
		if now.Sub(p.lastSent) >= p.backoff {
			p.lastSent = now
			p.attempts++
			p.backoff *= 2
			if p.backoff > uc.retransmitCap {
				p.backoff = uc.retransmitCap
			}
			toSend = append(toSend, p.frame)
		}
	}
	uc.mu.Unlock()

	for _, frame := range toSend {
		uc.c.Metrics.addRetransmit()
		log.Debugf("connection %d: retransmitting frame (%d bytes)", uc.c.ID, len(frame))
		_, _ = uc.pc.WriteTo(frame, uc.addr)
	}
	if timedOut {
		log.Warnf("connection %d: reliable delivery deadline exceeded", uc.c.ID)
		return &DisconnectReason{Result: TimedOut, Detail: "reliable delivery deadline exceeded"}
	}
	return nil
}

// Deliver feeds one already-read datagram (known to belong to this
// connection) through header parsing, dispatch, and reliability
// bookkeeping. Each UDP datagram carries exactly one complete frame
// (spec.md §4.7: "per-message framing"), so unlike the TCP path there is
// no carry-over buffer.
func (uc *UnreliableConnection) Deliver(datagram []byte) *DisconnectReason {
	h := &MessageHeader{}
	result, headerLen := TryGetHeader(datagram, 0, h, uc.c.Registry, uc.maxMessageSize)
	if result != Complete {
		return &DisconnectReason{Result: FailedUnknown, Detail: "malformed datagram"}
	}
	if int(h.MessageLength) != len(datagram) {
		return &DisconnectReason{Result: FailedUnknown, Detail: "datagram length mismatch"}
	}

	sec := uc.c.secureOptions()
	msg, err := Deserialize(datagram, headerLen, h, uc.c.Registry, &sec)
	if err != nil {
		if err == ErrInvalidSignature {
			return &DisconnectReason{Result: MessageAuthenticationFailed, Detail: err.Error()}
		}
		return &DisconnectReason{Result: FailedUnknown, Detail: err.Error()}
	}
	uc.c.Metrics.addFrameReceived()

	switch m := msg.(type) {
	case *AcknowledgeMessage:
		uc.mu.Lock()
		delete(uc.pendingReliable, m.AcknowledgedID)
		uc.mu.Unlock()
		return nil
	case *PingMessage:
		_ = uc.sendUnreliable(&PongMessage{})
		return nil
	case *PongMessage:
		uc.mu.Lock()
		uc.lastPongAt = time.Now()
		uc.mu.Unlock()
		return nil
	}

	if reason := uc.c.HandleInbound(h, msg); reason != nil {
		return reason
	}
	if msg.Flags().MustBeReliable {
		_ = uc.sendUnreliable(&AcknowledgeMessage{AcknowledgedID: h.MessageID})
	}
	return nil
}

// Send transmits msg, entering it into the retransmit table when its
// type requires reliable delivery (spec.md §4.7).
func (uc *UnreliableConnection) Send(msg Message) (int32, error) {
	if uc.c.State() == Disconnected {
		return 0, ErrClosed
	}
	frame, id, err := uc.c.PrepareSend(nil, msg, false, 0)
	if err != nil {
		return 0, err
	}
	if _, err := uc.pc.WriteTo(frame, uc.addr); err != nil {
		return id, err
	}
	uc.c.Metrics.addFrameSent(int64(len(frame)))

	if msg.Flags().MustBeReliable {
		now := time.Now()
		uc.mu.Lock()
		uc.pendingReliable[id] = &pendingReliableSend{
			id: id, frame: frame, sentAt: now, lastSent: now, backoff: uc.retransmitInitial,
		}
		uc.mu.Unlock()
	}
	return id, nil
}

// sendUnreliable sends a control message (ping/pong/ack) without
// entering it into the reliable-delivery table, even though some control
// types aren't flagged MustBeReliable by construction anyway.
func (uc *UnreliableConnection) sendUnreliable(msg Message) error {
	frame, _, err := uc.c.PrepareSend(nil, msg, false, 0)
	if err != nil {
		return err
	}
	_, err = uc.pc.WriteTo(frame, uc.addr)
	if err == nil {
		uc.c.Metrics.addFrameSent(int64(len(frame)))
	}
	return err
}

// SendFor sends msg and returns a channel delivering the correlated
// response (spec.md §4.5).
func (uc *UnreliableConnection) SendFor(msg Message, timeout time.Duration) (int32, <-chan responseOutcome, error) {
	id, err := uc.Send(msg)
	if err != nil {
		return id, nil, err
	}
	return id, uc.c.ResponseTracker.SendFor(id, timeout), nil
}

// Close stops the delivery/liveness timer. It does not close the shared
// socket, which the owning listener manages.
func (uc *UnreliableConnection) Close() {
	uc.closeOnce.Do(func() { close(uc.stop) })
}

// UDPListener owns the shared socket and demultiplexes inbound datagrams
// by connectionId, dispatching connectionId == 0 datagrams — which carry
// no existing connection — to a separate handler (spec.md §4.7: "the
// connectionless path... is a separate listener dispatch distinct from
// per-connection receive").
type UDPListener struct {
	pc  net.PacketConn
	reg *Registry

	mu          sync.RWMutex
	connections map[int32]*UnreliableConnection

	// OnConnectionless handles a connectionId==0 datagram, typically the
	// first message of a handshake from a not-yet-registered peer.
	OnConnectionless func(addr net.Addr, datagram []byte)
}

// NewUDPListener wraps pc for connection demuxing.
func NewUDPListener(pc net.PacketConn, reg *Registry) *UDPListener {
	return &UDPListener{pc: pc, reg: reg, connections: make(map[int32]*UnreliableConnection)}
}

// Register associates connectionID with uc so future inbound datagrams
// for that connection are routed to it.
func (l *UDPListener) Register(connectionID int32, uc *UnreliableConnection) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connections[connectionID] = uc
}

// Unregister removes connectionID from the demux table.
func (l *UDPListener) Unregister(connectionID int32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.connections, connectionID)
}

// Serve reads datagrams until pc is closed, peeking each one's
// connectionId (without fully parsing it) to route it.
func (l *UDPListener) Serve(maxDatagram int) error {
	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := l.pc.ReadFrom(buf)
		if err != nil {
			return err
		}
		datagram := make([]byte, n)
		copy(datagram, buf[:n])

		connectionID, ok := peekConnectionID(datagram)
		if !ok {
			continue
		}
		if connectionID == 0 {
			if l.OnConnectionless != nil {
				l.OnConnectionless(addr, datagram)
			}
			continue
		}

		l.mu.RLock()
		uc, ok := l.connections[connectionID]
		l.mu.RUnlock()
		if !ok {
			continue
		}
		if reason := uc.Deliver(datagram); reason != nil {
			uc.c.Disconnect(*reason)
		}
	}
}

// peekConnectionID reads the connectionId field (offset 1..4, spec.md
// §4.3) directly, without running it through TryGetHeader, since routing
// must happen before we know which connection's Registry/SecureOptions
// to parse the rest of the frame with.
func peekConnectionID(datagram []byte) (int32, bool) {
	if len(datagram) < 5 {
		return 0, false
	}
	return int32(le32(datagram[1:])), true
}
