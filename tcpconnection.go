package tempest

import (
	"net"
	"sync"
	"time"
)

// initialRecvBufSize is the starting capacity of a ReliableConnection's
// receive buffer; it grows only when a frame announces a length larger
// than the buffer currently holds (spec.md §4.6).
const initialRecvBufSize = 8192

// ReliableConnection is the TCP stream-framed transport (spec.md §4.6):
// a continuous receive buffer with partial-message carry-over, and a
// send path backed by the shared SendPool. Grounded on the teacher's
// Client.listen goroutine-per-connection loop (client.go), generalized
// from a single length-prefixed frame to the full header/IV/signature
// envelope and the explicit buffer-shift/grow algorithm spec.md §4.6
// describes (the teacher relies on io.ReadFull and never needs to grow
// or shift a buffer since its frames are read whole in one call).
type ReliableConnection struct {
	conn net.Conn
	c    *Connection
	pool *SendPool

	maxMessageSize int32

	recvBuf       []byte
	writeOffset   int
	messageOffset int
	header        *MessageHeader

	closeOnce sync.Once
	done      chan struct{}
}

// NewReliableConnection wraps conn as a ReliableConnection bound to c.
// RegisterControlProtocol must already have been called on c.Registry.
func NewReliableConnection(conn net.Conn, c *Connection, pool *SendPool, maxMessageSize int32) *ReliableConnection {
	return &ReliableConnection{
		conn:           conn,
		c:              c,
		pool:           pool,
		maxMessageSize: maxMessageSize,
		recvBuf:        make([]byte, initialRecvBufSize),
		done:           make(chan struct{}),
	}
}

// ReadOne blocks until exactly one frame has arrived and returns its
// decoded message, without starting the background receive loop. Used by
// the handshake, which must read Connect/FinalConnect synchronously
// before steady-state dispatch begins. The frame's message id is recorded
// in the connection's inbound ordering state and ReliableQueue, so the
// receive loop continues from the next id; the message itself is not
// passed to OnMessage.
func (rc *ReliableConnection) ReadOne() (Message, error) {
	for {
		if rc.header == nil {
			rc.header = &MessageHeader{}
		}
		result, headerLen := TryGetHeader(rc.recvBuf[:rc.writeOffset], rc.messageOffset, rc.header, rc.c.Registry, rc.maxMessageSize)
		switch result {
		case BadFrame:
			return nil, ErrBadFrame
		case Complete:
			frameEnd := rc.messageOffset + int(rc.header.MessageLength)
			if frameEnd > len(rc.recvBuf) {
				rc.growBuffer(frameEnd)
			}
			if frameEnd <= rc.writeOffset {
				frame := rc.recvBuf[rc.messageOffset:frameEnd]
				sec := rc.c.secureOptions()
				msg, err := Deserialize(frame, headerLen, rc.header, rc.c.Registry, &sec)
				if err != nil {
					return nil, err
				}
				if !rc.header.IsResponse {
					rc.c.sendMu.Lock()
					rc.c.acceptInbound(rc.header.MessageID)
					rc.c.ReliableQueue.Enqueue(rc.header.MessageID, msg)
					rc.c.sendMu.Unlock()
				}
				rc.messageOffset = frameEnd
				rc.header = nil
				rc.compact()
				return msg, nil
			}
		}

		if len(rc.recvBuf)-rc.writeOffset == 0 {
			rc.growBuffer(len(rc.recvBuf) * 2)
		}
		n, err := rc.conn.Read(rc.recvBuf[rc.writeOffset:])
		if n == 0 || err != nil {
			if err == nil {
				err = ErrClosed
			}
			return nil, err
		}
		rc.writeOffset += n
	}
}

// Start launches the receive loop on its own goroutine — the idiomatic
// Go substitute for a completion-port receive callback (spec.md §5,
// §9; see SPEC_FULL.md's concurrency section for the full rationale),
// plus one 100ms ticker that sweeps the ResponseTracker's deadlines until
// the receive loop exits. It returns immediately.
func (rc *ReliableConnection) Start() {
	go rc.receiveLoop()
	go func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-rc.done:
				return
			case now := <-ticker.C:
				rc.c.ResponseTracker.CheckTimeouts(now)
			}
		}
	}()
}

// Done is closed once the receive loop has exited.
func (rc *ReliableConnection) Done() <-chan struct{} { return rc.done }

func (rc *ReliableConnection) receiveLoop() {
	defer close(rc.done)
	defer func() {
		if rc.c.State() != Disconnected {
			log.Debugf("connection %d: receive loop exiting, transport closed", rc.c.ID)
			rc.c.Disconnect(DisconnectReason{Result: ConnectionFailed, Detail: "transport closed"})
		}
	}()

	for {
		if len(rc.recvBuf)-rc.writeOffset == 0 {
			rc.growBuffer(len(rc.recvBuf) * 2)
		}

		n, err := rc.conn.Read(rc.recvBuf[rc.writeOffset:])
		if n == 0 || err != nil {
			return
		}
		rc.writeOffset += n
		rc.c.Metrics.addBytesReceived(int64(n))

		if reason := rc.processBuffered(); reason != nil {
			rc.c.Disconnect(*reason)
			return
		}
		rc.compact()
	}
}

// processBuffered runs spec.md §4.6's inner loop: repeatedly try to parse
// a header and, once a full frame is buffered, deserialize and dispatch
// it, advancing messageOffset past each consumed frame. It stops (without
// error) when the next frame isn't fully buffered yet.
func (rc *ReliableConnection) processBuffered() *DisconnectReason {
	for {
		if rc.header == nil {
			rc.header = &MessageHeader{}
		}

		result, headerLen := TryGetHeader(rc.recvBuf[:rc.writeOffset], rc.messageOffset, rc.header, rc.c.Registry, rc.maxMessageSize)
		switch result {
		case NeedMoreData:
			return nil
		case BadFrame:
			log.Warnf("connection %d: malformed frame at offset %d", rc.c.ID, rc.messageOffset)
			return &DisconnectReason{Result: FailedUnknown, Detail: "malformed frame"}
		}

		frameEnd := rc.messageOffset + int(rc.header.MessageLength)
		if frameEnd > len(rc.recvBuf) {
			rc.growBuffer(frameEnd)
		}
		if frameEnd > rc.writeOffset {
			return nil
		}

		frame := rc.recvBuf[rc.messageOffset:frameEnd]
		sec := rc.c.secureOptions()
		msg, err := Deserialize(frame, headerLen, rc.header, rc.c.Registry, &sec)
		if err != nil {
			if err == ErrInvalidSignature {
				return &DisconnectReason{Result: MessageAuthenticationFailed, Detail: err.Error()}
			}
			return &DisconnectReason{Result: FailedUnknown, Detail: err.Error()}
		}

		rc.c.Metrics.addFrameReceived()
		if reason := rc.c.HandleInbound(rc.header, msg); reason != nil {
			return reason
		}

		rc.messageOffset = frameEnd
		rc.header = nil
	}
}

// compact shifts unread bytes to the front of the buffer once any frames
// have been consumed (spec.md §4.6 step 3).
func (rc *ReliableConnection) compact() {
	if rc.messageOffset == 0 {
		return
	}
	copy(rc.recvBuf, rc.recvBuf[rc.messageOffset:rc.writeOffset])
	rc.writeOffset -= rc.messageOffset
	rc.messageOffset = 0
}

// growBuffer reallocates recvBuf to at least size, preserving its
// currently valid bytes (spec.md §4.6: "if a frame larger than current
// buffer has been announced, allocate a new buffer sized to that frame
// and copy").
func (rc *ReliableConnection) growBuffer(size int) {
	if size <= len(rc.recvBuf) {
		size = len(rc.recvBuf) * 2
	}
	next := make([]byte, size)
	copy(next, rc.recvBuf[:rc.writeOffset])
	rc.recvBuf = next
}

// Send serializes msg and writes it to the socket under a send-pool
// buffer and the connection's send lock (spec.md §4.6's send path).
func (rc *ReliableConnection) Send(msg Message) (int32, error) {
	return rc.send(msg, false, 0)
}

// SendResponse sends msg as a response to the inbound message id
// responseTo.
func (rc *ReliableConnection) SendResponse(msg Message, responseTo int32) (int32, error) {
	return rc.send(msg, true, responseTo)
}

func (rc *ReliableConnection) send(msg Message, isResponse bool, responseTo int32) (int32, error) {
	if rc.c.State() == Disconnected {
		return 0, ErrClosed
	}

	buf := rc.pool.Get()
	frame, id, err := rc.c.PrepareSend(buf, msg, isResponse, responseTo)
	if err != nil {
		rc.pool.Put(buf)
		return 0, err
	}
	_, err = rc.conn.Write(frame)
	rc.pool.Put(frame)
	if err != nil {
		return id, err
	}
	rc.c.Metrics.addFrameSent(int64(len(frame)))
	return id, nil
}

// SendFor sends msg and returns the assigned message id and a channel
// delivering the correlated response, timeout, or cancellation (spec.md
// §4.5, §2.5). Pass timeout <= 0 for no deadline.
func (rc *ReliableConnection) SendFor(msg Message, timeout time.Duration) (int32, <-chan responseOutcome, error) {
	buf := rc.pool.Get()
	frame, id, err := rc.c.PrepareSend(buf, msg, false, 0)
	if err != nil {
		rc.pool.Put(buf)
		return 0, nil, err
	}
	ch := rc.c.ResponseTracker.SendFor(id, timeout)
	_, err = rc.conn.Write(frame)
	rc.pool.Put(frame)
	if err != nil {
		rc.c.ResponseTracker.Fail(id, err)
		return id, ch, err
	}
	rc.c.Metrics.addFrameSent(int64(len(frame)))
	return id, ch, nil
}

// Close closes the underlying socket; the receive loop observes the
// resulting read error/EOF and transitions the connection itself.
func (rc *ReliableConnection) Close() error {
	rc.closeOnce.Do(func() {
		rc.conn.Close()
	})
	return nil
}
