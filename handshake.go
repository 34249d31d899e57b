package tempest

import (
	"crypto/rsa"
	"crypto/x509"
)

// HandshakeState enumerates both peers' state sequences (spec.md §4.8).
// Client states: Idle -> SentConnect -> AwaitingAck -> SentFinalConnect
// -> Connected. Server states: Idle -> ReceivedConnect -> SentAck ->
// AwaitingFinal -> Connected. The two sequences share the zero value and
// the terminal states but are otherwise disjoint, so one enum covers
// both without ambiguity.
type HandshakeState int8

const (
	HandshakeIdle HandshakeState = iota
	HandshakeSentConnect
	HandshakeAwaitingAck
	HandshakeSentFinalConnect
	HandshakeReceivedConnect
	HandshakeSentAck
	HandshakeAwaitingFinal
	HandshakeConnected
	HandshakeFailed
)

// SupportedHashAlgorithms lists the signing hash algorithms this build
// implements, in preference order. Only HMAC-SHA256 is wired up (see
// DESIGN.md), so negotiation always converges on it when both sides
// advertise it; a peer that doesn't is an automatic handshake failure.
var SupportedHashAlgorithms = []string{"HMAC-SHA256"}

// ClientHandshake drives the client side of the four-message exchange
// (spec.md §4.8).
type ClientHandshake struct {
	state HandshakeState

	authKey *rsa.PrivateKey

	offers []ProtocolOffer

	negotiatedAlgorithm string
	serverAuthKey       *rsa.PublicKey
	serverEncKey        *rsa.PublicKey
	aesKey              []byte
	connectionID        int32
}

// NewClientHandshake creates a client-side state machine. authKey is the
// client's long-lived identity keypair, used to sign FinalConnect.
func NewClientHandshake(authKey *rsa.PrivateKey, offers []ProtocolOffer) *ClientHandshake {
	return &ClientHandshake{authKey: authKey, offers: offers}
}

// Start produces the initial Connect message and advances to
// SentConnect. It is a handshake failure to call Start more than once.
func (h *ClientHandshake) Start() (*ConnectMessage, ConnectionResult) {
	if h.state != HandshakeIdle {
		return nil, FailedHandshake
	}
	if len(h.offers) == 0 {
		h.state = HandshakeFailed
		log.Warnf("client handshake: no protocol offers")
		return nil, FailedHandshake
	}
	h.state = HandshakeSentConnect
	return &ConnectMessage{ProtocolOffers: h.offers, HashAlgorithms: SupportedHashAlgorithms}, Success
}

// HandleAcknowledgeConnect processes the server's AcknowledgeConnect,
// generating the session AES key and producing FinalConnect (spec.md
// §4.8: "client imports both keys; generates a 256-bit AES key; encrypts
// it with the server's public encryption key; signs its own public auth
// key with the negotiated hash algorithm").
func (h *ClientHandshake) HandleAcknowledgeConnect(ack *AcknowledgeConnectMessage) (*FinalConnectMessage, ConnectionResult) {
	if h.state != HandshakeSentConnect {
		h.state = HandshakeFailed
		return nil, FailedHandshake
	}
	if !containsString(SupportedHashAlgorithms, ack.HashAlgorithm) {
		h.state = HandshakeFailed
		return nil, FailedHandshake
	}
	if len(ack.EnabledProtocols) == 0 {
		h.state = HandshakeFailed
		log.Warnf("client handshake: server enabled no overlapping protocol")
		return nil, IncompatibleVersion
	}

	authKey, err := x509.ParsePKIXPublicKey(ack.PublicAuthKey)
	if err != nil {
		h.state = HandshakeFailed
		return nil, FailedHandshake
	}
	encKey, err := x509.ParsePKIXPublicKey(ack.PublicEncryptionKey)
	if err != nil {
		h.state = HandshakeFailed
		return nil, FailedHandshake
	}
	serverAuthKey, ok := authKey.(*rsa.PublicKey)
	if !ok {
		h.state = HandshakeFailed
		return nil, FailedHandshake
	}
	serverEncKey, ok := encKey.(*rsa.PublicKey)
	if !ok {
		h.state = HandshakeFailed
		return nil, FailedHandshake
	}
	h.serverAuthKey = serverAuthKey
	h.serverEncKey = serverEncKey
	h.negotiatedAlgorithm = ack.HashAlgorithm
	h.connectionID = ack.ConnectionID

	aesKey, err := GenerateAESKey()
	if err != nil {
		h.state = HandshakeFailed
		return nil, FailedHandshake
	}
	h.aesKey = aesKey

	wrapped, err := WrapKey(h.serverEncKey, aesKey)
	if err != nil {
		h.state = HandshakeFailed
		return nil, FailedHandshake
	}

	clientAuthPub, err := x509.MarshalPKIXPublicKey(&h.authKey.PublicKey)
	if err != nil {
		h.state = HandshakeFailed
		return nil, FailedHandshake
	}
	sig, err := NewRSASigner(h.authKey).Sign(clientAuthPub)
	if err != nil {
		h.state = HandshakeFailed
		return nil, FailedHandshake
	}

	h.state = HandshakeSentFinalConnect
	return &FinalConnectMessage{
		EncryptedAESKey: wrapped,
		PublicAuthKey:   clientAuthPub,
		Signature:       sig,
	}, Success
}

// HandleConnected completes the handshake (spec.md §4.8: "both sides
// transition to the steady state") and returns the SecureOptions the
// connection should install for steady-state signing (spec.md §4.8:
// "After this moment both sides switch to HMAC-based message signing").
// The AES key doubles as the HMAC secret — see DESIGN.md.
func (h *ClientHandshake) HandleConnected(msg *ConnectedMessage) (SecureOptions, ConnectionResult) {
	if h.state != HandshakeSentFinalConnect {
		h.state = HandshakeFailed
		return SecureOptions{}, FailedHandshake
	}
	h.state = HandshakeConnected
	log.Infof("client handshake: connection %d connected", h.connectionID)
	return SecureOptions{
		Signer:   NewHMACSigner(h.aesKey),
		Verifier: NewHMACVerifier(h.aesKey),
		AESKey:   h.aesKey,
	}, Success
}

func (h *ClientHandshake) State() HandshakeState { return h.state }

// ServerHandshake drives the server side of the exchange (spec.md §4.8).
type ServerHandshake struct {
	state HandshakeState

	authKey *rsa.PrivateKey
	encKey  *rsa.PrivateKey

	registered []Protocol
	connectionID int32

	negotiatedAlgorithm string
	clientAuthKey       *rsa.PublicKey
	aesKey              []byte
}

// NewServerHandshake creates a server-side state machine. authKey/encKey
// are the server's long-lived identity and key-exchange keypairs;
// registered lists the protocols the server offers; connectionID is the
// id this server assigns to the new connection.
func NewServerHandshake(authKey, encKey *rsa.PrivateKey, registered []Protocol, connectionID int32) *ServerHandshake {
	return &ServerHandshake{authKey: authKey, encKey: encKey, registered: registered, connectionID: connectionID}
}

// HandleConnect processes the client's Connect, negotiates a hash
// algorithm and protocol overlap, and produces AcknowledgeConnect
// (spec.md §4.8: "any empty list ⇒ FailedHandshake. No protocol in
// common ⇒ IncompatibleVersion").
func (h *ServerHandshake) HandleConnect(connect *ConnectMessage) (*AcknowledgeConnectMessage, ConnectionResult) {
	if h.state != HandshakeIdle {
		h.state = HandshakeFailed
		return nil, FailedHandshake
	}
	if len(connect.HashAlgorithms) == 0 || len(connect.ProtocolOffers) == 0 {
		h.state = HandshakeFailed
		return nil, FailedHandshake
	}
	algorithm := firstCommon(connect.HashAlgorithms, SupportedHashAlgorithms)
	if algorithm == "" {
		h.state = HandshakeFailed
		return nil, FailedHandshake
	}

	overlap := intersectProtocols(connect.ProtocolOffers, h.registered)
	if len(overlap) == 0 {
		h.state = HandshakeFailed
		log.Warnf("server handshake: no protocol overlap with client offers %v", connect.ProtocolOffers)
		return nil, IncompatibleVersion
	}

	h.negotiatedAlgorithm = algorithm
	h.state = HandshakeSentAck

	authPub, err := x509.MarshalPKIXPublicKey(&h.authKey.PublicKey)
	if err != nil {
		h.state = HandshakeFailed
		return nil, FailedHandshake
	}
	encPub, err := x509.MarshalPKIXPublicKey(&h.encKey.PublicKey)
	if err != nil {
		h.state = HandshakeFailed
		return nil, FailedHandshake
	}

	h.state = HandshakeAwaitingFinal
	return &AcknowledgeConnectMessage{
		HashAlgorithm:       algorithm,
		EnabledProtocols:    overlap,
		ConnectionID:        h.connectionID,
		PublicAuthKey:       authPub,
		PublicEncryptionKey: encPub,
	}, Success
}

// HandleFinalConnect decrypts the session key and verifies the client's
// self-signature (spec.md §4.8: "server decrypts the AES key, installs
// the HMAC, verifies the signature of the client's public auth key.
// Failure ⇒ FailedHandshake").
func (h *ServerHandshake) HandleFinalConnect(final *FinalConnectMessage) (*ConnectedMessage, SecureOptions, ConnectionResult) {
	if h.state != HandshakeAwaitingFinal {
		h.state = HandshakeFailed
		return nil, SecureOptions{}, FailedHandshake
	}

	clientAuthKey, err := x509.ParsePKIXPublicKey(final.PublicAuthKey)
	if err != nil {
		h.state = HandshakeFailed
		return nil, SecureOptions{}, FailedHandshake
	}
	pub, ok := clientAuthKey.(*rsa.PublicKey)
	if !ok {
		h.state = HandshakeFailed
		return nil, SecureOptions{}, FailedHandshake
	}
	if err := NewRSAVerifier(pub).Verify(final.PublicAuthKey, final.Signature); err != nil {
		h.state = HandshakeFailed
		log.Warnf("server handshake: connection %d failed self-signature verification: %v", h.connectionID, err)
		return nil, SecureOptions{}, FailedHandshake
	}
	h.clientAuthKey = pub

	aesKey, err := UnwrapKey(h.encKey, final.EncryptedAESKey)
	if err != nil {
		h.state = HandshakeFailed
		return nil, SecureOptions{}, FailedHandshake
	}
	h.aesKey = aesKey
	h.state = HandshakeConnected
	log.Infof("server handshake: connection %d connected", h.connectionID)

	sec := SecureOptions{
		Signer:   NewHMACSigner(aesKey),
		Verifier: NewHMACVerifier(aesKey),
		AESKey:   aesKey,
	}
	return &ConnectedMessage{ConnectionID: h.connectionID}, sec, Success
}

func (h *ServerHandshake) State() HandshakeState { return h.state }

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// firstCommon returns the first entry of offered (the client's preference
// order) that this build also supports, implementing spec.md §4.3's "the
// server picks the first algorithm both sides list" negotiation rule.
func firstCommon(offered, supported []string) string {
	for _, want := range offered {
		for _, got := range supported {
			if want == got {
				return want
			}
		}
	}
	return ""
}

// intersectProtocols returns the offers from client whose id matches a
// registered protocol and whose version satisfies CompatibleWith
// (spec.md §3).
func intersectProtocols(offers []ProtocolOffer, registered []Protocol) []ProtocolOffer {
	var out []ProtocolOffer
	for _, offer := range offers {
		for _, reg := range registered {
			if offer.ID == reg.ID && reg.CompatibleWith(offer.Version) {
				out = append(out, offer)
				break
			}
		}
	}
	return out
}
