package tempest

import (
	"crypto/rsa"
	"net"
	"sync"
	"sync/atomic"
)

// ConnectionHandler is called once a connection reaches the Connected
// state, with the connection's own ReliableConnection ready for sending
// (grounded on the teacher's ConnectionHandler in server.go, generalized
// from a *Client to the handshake-negotiated *Connection/
// *ReliableConnection pair this package builds).
type ConnectionHandler func(*Connection, *ReliableConnection)

// Server accepts TCP connections, drives the handshake on each, and
// hands the steady-state connection to a ConnectionHandler (spec.md
// §1's "thin client/server façades" — out of the core's scope but kept
// here as the one entry point that wires the core components together).
type Server struct {
	listener net.Listener
	reg      *Registry
	pool     *SendPool
	metrics  *Metrics

	protocols []Protocol
	authKey   *rsa.PrivateKey
	encKey    *rsa.PrivateKey

	maxMessageSize int32
	rsaKeyBits     int

	handler ConnectionHandler

	mu      sync.RWMutex
	clients map[*Connection]*ReliableConnection
	done    chan struct{}
	closed  int32

	nextConnectionID int32
}

// NewServer wraps an already-listening net.Listener. protocols are the
// application protocols the server offers during handshake negotiation;
// reg must already have them (and the control protocol) registered.
func NewServer(listener net.Listener, reg *Registry, protocols []Protocol, cfg *Config) (*Server, error) {
	authKey, _, err := GenerateRSAKeyPair(cfg.RSAKeyBits)
	if err != nil {
		return nil, err
	}
	encKey, _, err := GenerateRSAKeyPair(cfg.RSAKeyBits)
	if err != nil {
		return nil, err
	}
	return &Server{
		listener:       listener,
		reg:            reg,
		pool:           NewSendPool(cfg.SendBufferLimit, int(cfg.MaxMessageSize)),
		metrics:        NewMetrics(),
		protocols:      protocols,
		authKey:        authKey,
		encKey:         encKey,
		maxMessageSize: cfg.MaxMessageSize,
		rsaKeyBits:     cfg.RSAKeyBits,
		clients:        make(map[*Connection]*ReliableConnection),
		done:           make(chan struct{}),
	}, nil
}

// SetConnectionHandler sets the handler invoked for each connection once
// it reaches Connected.
func (s *Server) SetConnectionHandler(h ConnectionHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// Start accepts connections until the listener is closed (blocking).
func (s *Server) Start() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if atomic.LoadInt32(&s.closed) == 1 {
				return nil
			}
			continue
		}
		go s.handleAccepted(conn)
	}
}

// StartAsync runs Start on its own goroutine.
func (s *Server) StartAsync() { go s.Start() }

func (s *Server) handleAccepted(netConn net.Conn) {
	id := atomic.AddInt32(&s.nextConnectionID, 1)
	c := NewConnection(id, s.reg)
	c.Metrics = s.metrics
	c.setState(Handshaking)

	rc := NewReliableConnection(netConn, c, s.pool, s.maxMessageSize)
	hs := NewServerHandshake(s.authKey, s.encKey, s.protocols, id)

	if !s.reg.RequiresHandshake() {
		c.setState(Connected)
		s.addClient(c, rc)
		rc.Start()
		s.dispatchConnected(c, rc)
		return
	}

	if err := s.runServerHandshake(c, rc, hs); err != nil {
		netConn.Close()
		return
	}

	s.addClient(c, rc)
	rc.Start()
	s.dispatchConnected(c, rc)
}

// runServerHandshake blocks the accepting goroutine through the
// Connect/AcknowledgeConnect/FinalConnect/Connected exchange before the
// connection's own receive loop takes over (spec.md §4.8).
func (s *Server) runServerHandshake(c *Connection, rc *ReliableConnection, hs *ServerHandshake) error {
	msg, err := rc.ReadOne()
	if err != nil {
		return err
	}
	connect, ok := msg.(*ConnectMessage)
	if !ok {
		return ErrUnexpectedHandshake
	}
	ack, result := hs.HandleConnect(connect)
	s.metrics.observeHandshake(result)
	if result != Success {
		return ErrHandshakeFailed
	}
	if _, err := rc.Send(ack); err != nil {
		return err
	}

	msg, err = rc.ReadOne()
	if err != nil {
		return err
	}
	final, ok := msg.(*FinalConnectMessage)
	if !ok {
		return ErrUnexpectedHandshake
	}
	connected, sec, result := hs.HandleFinalConnect(final)
	s.metrics.observeHandshake(result)
	if result != Success {
		return ErrHandshakeFailed
	}
	c.SetSecureOptions(sec)
	if _, err := rc.Send(connected); err != nil {
		return err
	}
	c.setState(Connected)
	return nil
}

func (s *Server) addClient(c *Connection, rc *ReliableConnection) {
	s.mu.Lock()
	s.clients[c] = rc
	s.mu.Unlock()
	s.metrics.setActiveConnections(1)

	c.OnDisconnect = func(conn *Connection, reason DisconnectReason) {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
		s.metrics.setActiveConnections(-1)
	}
}

func (s *Server) dispatchConnected(c *Connection, rc *ReliableConnection) {
	s.mu.RLock()
	h := s.handler
	s.mu.RUnlock()
	if h != nil {
		h(c, rc)
	}
}

// Stop closes the listener and every connected client.
func (s *Server) Stop() error {
	atomic.StoreInt32(&s.closed, 1)
	err := s.listener.Close()

	s.mu.RLock()
	conns := make([]*ReliableConnection, 0, len(s.clients))
	for _, rc := range s.clients {
		conns = append(conns, rc)
	}
	s.mu.RUnlock()

	for _, rc := range conns {
		rc.Close()
	}
	close(s.done)
	return err
}

// ClientCount returns the number of connections currently tracked.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Done is closed once Stop has run.
func (s *Server) Done() <-chan struct{} { return s.done }
