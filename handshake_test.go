package tempest

import (
	"crypto/rsa"
	"testing"
)

// testRSAKeyBits is small enough to keep the handshake tests fast while
// still large enough for crypto/rsa to generate and for RSA-OAEP-SHA256
// to wrap a 32-byte AES key; real deployments use config.go's default of
// 2048.
const testRSAKeyBits = 1024

func testKeypairs(t *testing.T) (clientAuth, serverAuth, serverEnc *rsa.PrivateKey) {
	t.Helper()
	c, _, err := GenerateRSAKeyPair(testRSAKeyBits)
	if err != nil {
		t.Fatalf("client key: %v", err)
	}
	sa, _, err := GenerateRSAKeyPair(testRSAKeyBits)
	if err != nil {
		t.Fatalf("server auth key: %v", err)
	}
	se, _, err := GenerateRSAKeyPair(testRSAKeyBits)
	if err != nil {
		t.Fatalf("server enc key: %v", err)
	}
	return c, sa, se
}

func TestHandshakeSuccessfulConnect(t *testing.T) {
	clientAuth, serverAuth, serverEnc := testKeypairs(t)

	app := NewProtocol(5, 1, 1)
	client := NewClientHandshake(clientAuth, []ProtocolOffer{{ID: app.ID, Version: app.Version}})
	server := NewServerHandshake(serverAuth, serverEnc, []Protocol{app}, 42)

	connect, result := client.Start()
	if result != Success {
		t.Fatalf("client.Start: %v", result)
	}

	ack, result := server.HandleConnect(connect)
	if result != Success {
		t.Fatalf("server.HandleConnect: %v", result)
	}
	if ack.ConnectionID != 42 {
		t.Fatalf("expected connection id 42, got %d", ack.ConnectionID)
	}

	final, result := client.HandleAcknowledgeConnect(ack)
	if result != Success {
		t.Fatalf("client.HandleAcknowledgeConnect: %v", result)
	}

	connected, serverSec, result := server.HandleFinalConnect(final)
	if result != Success {
		t.Fatalf("server.HandleFinalConnect: %v", result)
	}

	clientSec, result := client.HandleConnected(connected)
	if result != Success {
		t.Fatalf("client.HandleConnected: %v", result)
	}

	// Both sides must agree on the session key: a message signed by one
	// side's Signer must verify under the other side's Verifier.
	payload := []byte("steady state message")
	sig, err := clientSec.Signer.Sign(payload)
	if err != nil {
		t.Fatalf("client sign: %v", err)
	}
	if err := serverSec.Verifier.Verify(payload, sig); err != nil {
		t.Fatalf("server failed to verify client-signed payload: %v", err)
	}
}

// TestHandshakeIncompatibleVersion exercises spec.md §8's
// "client offers a protocol version the server's MinVersion rejects"
// scenario.
func TestHandshakeIncompatibleVersion(t *testing.T) {
	clientAuth, serverAuth, serverEnc := testKeypairs(t)

	serverApp := NewProtocol(5, 3, 3) // server requires at least version 3
	client := NewClientHandshake(clientAuth, []ProtocolOffer{{ID: 5, Version: 1}})
	server := NewServerHandshake(serverAuth, serverEnc, []Protocol{serverApp}, 1)

	connect, result := client.Start()
	if result != Success {
		t.Fatalf("client.Start: %v", result)
	}

	_, result = server.HandleConnect(connect)
	if result != IncompatibleVersion {
		t.Fatalf("expected IncompatibleVersion, got %v", result)
	}
}

func TestHandshakeNoProtocolOffersFails(t *testing.T) {
	clientAuth, _, _ := testKeypairs(t)
	client := NewClientHandshake(clientAuth, nil)
	if _, result := client.Start(); result != FailedHandshake {
		t.Fatalf("expected FailedHandshake for empty offers, got %v", result)
	}
}

func TestHandshakeTamperedFinalConnectSignatureFails(t *testing.T) {
	clientAuth, serverAuth, serverEnc := testKeypairs(t)
	app := NewProtocol(5, 1, 1)
	client := NewClientHandshake(clientAuth, []ProtocolOffer{{ID: app.ID, Version: app.Version}})
	server := NewServerHandshake(serverAuth, serverEnc, []Protocol{app}, 1)

	connect, _ := client.Start()
	ack, _ := server.HandleConnect(connect)
	final, _ := client.HandleAcknowledgeConnect(ack)

	final.Signature[0] ^= 0xFF

	_, _, result := server.HandleFinalConnect(final)
	if result != FailedHandshake {
		t.Fatalf("expected FailedHandshake for tampered signature, got %v", result)
	}
}
