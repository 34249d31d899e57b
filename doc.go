// Package tempest is a connection-oriented messaging runtime: a binary
// wire protocol, an RSA/AES/HMAC handshake, and TCP/UDP transports built
// on top of it.
//
// A typical server registers its application protocol and message
// types on a Registry, builds a Server around a net.Listener, and sets
// a ConnectionHandler; a client does the same against a Client and
// Dial. Everything below the façade in server.go/client.go — framing,
// ordering, the handshake state machines, the reliable-delivery and
// response-correlation helpers — is usable on its own for callers that
// want a different transport or lifecycle shape.
package tempest
