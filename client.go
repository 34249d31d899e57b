package tempest

import (
	"crypto/rsa"
	"net"
	"time"
)

// Client dials a Server, drives the client side of the handshake, and
// hands back a ready ReliableConnection (spec.md §1's thin façade layer,
// the client-side mirror of Server).
type Client struct {
	reg            *Registry
	pool           *SendPool
	metrics        *Metrics
	maxMessageSize int32

	authKey *rsa.PrivateKey
	offers  []ProtocolOffer
}

// NewClient builds a Client ready to Dial. reg must already carry every
// protocol/type the connection will use (plus the control protocol).
func NewClient(reg *Registry, protocols []Protocol, cfg *Config) (*Client, error) {
	authKey, _, err := GenerateRSAKeyPair(cfg.RSAKeyBits)
	if err != nil {
		return nil, err
	}
	offers := make([]ProtocolOffer, len(protocols))
	for i, p := range protocols {
		offers[i] = ProtocolOffer{ID: p.ID, Version: p.Version}
	}
	return &Client{
		reg:            reg,
		pool:           NewSendPool(cfg.SendBufferLimit, int(cfg.MaxMessageSize)),
		metrics:        NewMetrics(),
		maxMessageSize: cfg.MaxMessageSize,
		authKey:        authKey,
		offers:         offers,
	}, nil
}

// Dial connects to addr over TCP and, if reg requires it, completes the
// four-message handshake (spec.md §4.8) before returning. The returned
// Connection is already in the Connected state with its receive loop
// running (ReliableConnection.Start).
func (cl *Client) Dial(addr string, timeout time.Duration) (*Connection, *ReliableConnection, error) {
	netConn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, nil, err
	}

	c := NewConnection(0, cl.reg)
	c.Metrics = cl.metrics
	c.setState(Connecting)

	rc := NewReliableConnection(netConn, c, cl.pool, cl.maxMessageSize)

	if !cl.reg.RequiresHandshake() {
		c.setState(Connected)
		rc.Start()
		return c, rc, nil
	}

	c.setState(Handshaking)
	if err := cl.runClientHandshake(c, rc); err != nil {
		netConn.Close()
		return nil, nil, err
	}
	c.setState(Connected)
	rc.Start()
	return c, rc, nil
}

func (cl *Client) runClientHandshake(c *Connection, rc *ReliableConnection) error {
	hs := NewClientHandshake(cl.authKey, cl.offers)

	connect, result := hs.Start()
	if result != Success {
		cl.metrics.observeHandshake(result)
		return ErrHandshakeFailed
	}
	if _, err := rc.Send(connect); err != nil {
		return err
	}

	msg, err := rc.ReadOne()
	if err != nil {
		return err
	}
	ack, ok := msg.(*AcknowledgeConnectMessage)
	if !ok {
		return ErrUnexpectedHandshake
	}
	final, result := hs.HandleAcknowledgeConnect(ack)
	cl.metrics.observeHandshake(result)
	if result != Success {
		if result == IncompatibleVersion {
			return ErrIncompatibleVersion
		}
		return ErrHandshakeFailed
	}
	if _, err := rc.Send(final); err != nil {
		return err
	}

	msg, err = rc.ReadOne()
	if err != nil {
		return err
	}
	connected, ok := msg.(*ConnectedMessage)
	if !ok {
		return ErrUnexpectedHandshake
	}
	sec, result := hs.HandleConnected(connected)
	cl.metrics.observeHandshake(result)
	if result != Success {
		return ErrHandshakeFailed
	}

	c.ID = connected.ConnectionID
	c.SetSecureOptions(sec)
	return nil
}
