package tempest

import (
	"net"
	"testing"
	"time"
)

// buildRegistry returns a Registry with the control protocol plus one
// application protocol carrying mockMessage, mirroring what a real
// Server/Client would register before accepting traffic.
func buildRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	if err := RegisterControlProtocol(reg); err != nil {
		t.Fatalf("RegisterControlProtocol: %v", err)
	}
	reg.RegisterProtocol(NewProtocol(mockProtocolID, 1, 1))
	if err := reg.Register(mockProtocolID, mockTypeID, func() Message { return &mockMessage{} }); err != nil {
		t.Fatalf("register mock type: %v", err)
	}
	return reg
}

// TestFullHandshakeOverPipe drives ClientHandshake and ServerHandshake
// against each other across a net.Pipe-backed pair of ReliableConnections,
// exercising spec.md §8's "Connected" end-to-end scenario through the
// real TCP framing path rather than calling the handshake structs
// directly.
func TestFullHandshakeOverPipe(t *testing.T) {
	serverNetConn, clientNetConn := net.Pipe()
	defer serverNetConn.Close()
	defer clientNetConn.Close()

	reg := buildRegistry(t)
	pool := NewSendPool(4, 256)

	clientConn := NewConnection(0, reg)
	clientConn.setState(Handshaking)
	clientRC := NewReliableConnection(clientNetConn, clientConn, pool, DefaultMaxMessageSize)

	serverConn := NewConnection(77, reg)
	serverConn.setState(Handshaking)
	serverRC := NewReliableConnection(serverNetConn, serverConn, pool, DefaultMaxMessageSize)

	clientAuth, serverAuth, serverEnc := testKeypairs(t)
	app := NewProtocol(mockProtocolID, 1, 1)

	clientHS := NewClientHandshake(clientAuth, []ProtocolOffer{{ID: app.ID, Version: app.Version}})
	serverHS := NewServerHandshake(serverAuth, serverEnc, []Protocol{app}, 77)

	serverDone := make(chan error, 1)
	go func() {
		msg, err := serverRC.ReadOne()
		if err != nil {
			serverDone <- err
			return
		}
		connect, ok := msg.(*ConnectMessage)
		if !ok {
			serverDone <- ErrUnexpectedHandshake
			return
		}
		ack, result := serverHS.HandleConnect(connect)
		if result != Success {
			serverDone <- ErrHandshakeFailed
			return
		}
		if _, err := serverRC.Send(ack); err != nil {
			serverDone <- err
			return
		}

		msg, err = serverRC.ReadOne()
		if err != nil {
			serverDone <- err
			return
		}
		final, ok := msg.(*FinalConnectMessage)
		if !ok {
			serverDone <- ErrUnexpectedHandshake
			return
		}
		connected, sec, result := serverHS.HandleFinalConnect(final)
		if result != Success {
			serverDone <- ErrHandshakeFailed
			return
		}
		serverConn.SetSecureOptions(sec)
		if _, err := serverRC.Send(connected); err != nil {
			serverDone <- err
			return
		}
		serverConn.setState(Connected)
		serverDone <- nil
	}()

	connect, result := clientHS.Start()
	if result != Success {
		t.Fatalf("client.Start: %v", result)
	}
	if _, err := clientRC.Send(connect); err != nil {
		t.Fatalf("send connect: %v", err)
	}

	msg, err := clientRC.ReadOne()
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	ack, ok := msg.(*AcknowledgeConnectMessage)
	if !ok {
		t.Fatalf("expected AcknowledgeConnectMessage, got %T", msg)
	}
	final, result := clientHS.HandleAcknowledgeConnect(ack)
	if result != Success {
		t.Fatalf("HandleAcknowledgeConnect: %v", result)
	}
	if _, err := clientRC.Send(final); err != nil {
		t.Fatalf("send final: %v", err)
	}

	msg, err = clientRC.ReadOne()
	if err != nil {
		t.Fatalf("read connected: %v", err)
	}
	connected, ok := msg.(*ConnectedMessage)
	if !ok {
		t.Fatalf("expected ConnectedMessage, got %T", msg)
	}
	clientSec, result := clientHS.HandleConnected(connected)
	if result != Success {
		t.Fatalf("HandleConnected: %v", result)
	}
	clientConn.SetSecureOptions(clientSec)
	clientConn.setState(Connected)

	select {
	case err := <-serverDone:
		if err != nil {
			t.Fatalf("server handshake goroutine: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("server handshake goroutine never finished")
	}

	if clientConn.State() != Connected || serverConn.State() != Connected {
		t.Fatalf("expected both sides Connected, got client=%v server=%v", clientConn.State(), serverConn.State())
	}

	// Now exchange an application message over the now-Connected pipe,
	// using the asynchronous receive loop (spec.md §8's steady-state
	// delivery scenario).
	received := make(chan int32, 1)
	serverConn.OnMessage = func(_ *Connection, m Message) {
		received <- m.(*mockMessage).Value
	}
	serverRC.Start()
	clientRC.Start()

	if _, err := clientRC.Send(&mockMessage{Value: 4242}); err != nil {
		t.Fatalf("send application message: %v", err)
	}

	select {
	case v := <-received:
		if v != 4242 {
			t.Fatalf("expected 4242, got %d", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("application message never arrived")
	}
}
