package tempest

import (
	"fmt"
	"sync"
)

// ControlProtocolID is reserved for the internal handshake/control
// protocol (spec.md §3, §6). User protocols must not register this id.
const ControlProtocolID byte = 1

// Protocol describes a versioned namespace of message type ids (spec.md
// §3). It is immutable after construction, mirroring the teacher's
// PayloadRegistry which is built once and then only read from under a
// RWMutex.
type Protocol struct {
	ID                byte
	Version           uint16
	MinVersion        uint16
	RequiresHandshake bool
}

// NewProtocol constructs a Protocol. RequiresHandshake is a hint; the
// factory also derives a global requirement from registered message
// flags (spec.md §4.2).
func NewProtocol(id byte, version, minVersion uint16) Protocol {
	return Protocol{ID: id, Version: version, MinVersion: minVersion}
}

// CompatibleWith reports whether a peer-advertised version of p's
// protocol is at least p.MinVersion (spec.md §3). It does not compare
// protocol ids; callers match ids first (see intersectProtocols).
func (p Protocol) CompatibleWith(peerVersion uint16) bool {
	return peerVersion >= p.MinVersion
}

// MessageFlags captures the three per-type wire-behavior bits spec.md
// §3 attaches to every concrete Message variant. Encrypted implies
// Authenticated (spec.md §3); constructors should enforce this via
// NewMessageFlags rather than constructing the struct literal directly.
type MessageFlags struct {
	Authenticated  bool
	Encrypted      bool
	MustBeReliable bool
}

// NewMessageFlags builds a MessageFlags, enforcing the
// "encrypted implies authenticated" invariant from spec.md §3.
func NewMessageFlags(authenticated, encrypted, mustBeReliable bool) MessageFlags {
	if encrypted {
		authenticated = true
	}
	return MessageFlags{Authenticated: authenticated, Encrypted: encrypted, MustBeReliable: mustBeReliable}
}

// MessageFactory creates a new, zero-valued instance of a registered
// payload type so the deserializer can call its ReadPayload method.
type MessageFactory func() Message

// typeEntry bundles a factory with the flags of the prototype that
// registered it, avoiding the need to instantiate a message just to
// inspect its flags during header parsing.
type typeEntry struct {
	factory MessageFactory
	flags   MessageFlags
}

// Registry maps (protocolID, typeID) pairs to constructors, mirroring the
// teacher's PayloadRegistry (types.go) generalized from a single flat
// byte-keyed map to the two-level protocol-scoped space spec.md §3
// requires, and extended to track per-type flags and the derived global
// handshake requirement (spec.md §4.2).
type Registry struct {
	mu        sync.RWMutex
	protocols map[byte]Protocol
	types     map[byte]map[uint16]typeEntry

	requiresHandshake bool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		protocols: make(map[byte]Protocol),
		types:     make(map[byte]map[uint16]typeEntry),
	}
}

// RegisterProtocol adds a Protocol to the registry. Re-registering the
// same id replaces the previous definition.
func (r *Registry) RegisterProtocol(p Protocol) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.protocols[p.ID] = p
	if _, ok := r.types[p.ID]; !ok {
		r.types[p.ID] = make(map[uint16]typeEntry)
	}
}

// Protocol returns the registered Protocol for id, if any.
func (r *Registry) Protocol(id byte) (Protocol, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.protocols[id]
	return p, ok
}

// Register associates typeID within protocolID with factory. It rejects
// duplicate type ids within the same protocol (spec.md §4.2: "fails when
// ... two entries produce the same typeId"). The prototype produced by
// factory is inspected once to capture its flags, and
// RequiresHandshake is raised globally if the prototype requires it
// (spec.md §4.2).
func (r *Registry) Register(protocolID byte, typeID uint16, factory MessageFactory) error {
	proto := factory()
	if proto == nil {
		return fmt.Errorf("tempest: factory for protocol %d type %d returned nil", protocolID, typeID)
	}
	flags := proto.Flags()

	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.types[protocolID]
	if !ok {
		m = make(map[uint16]typeEntry)
		r.types[protocolID] = m
	}
	if _, exists := m[typeID]; exists {
		return fmt.Errorf("tempest: duplicate type id %d for protocol %d", typeID, protocolID)
	}
	m[typeID] = typeEntry{factory: factory, flags: flags}
	if flags.Authenticated || flags.Encrypted {
		r.requiresHandshake = true
	}
	return nil
}

// RequiresHandshake reports whether any registered message type requires
// authentication or encryption, in which case the handshake may not be
// skipped (spec.md §4.8: "Handshake may be skipped entirely if no
// registered message requires it").
func (r *Registry) RequiresHandshake() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.requiresHandshake
}

// Create returns a fresh Message instance for (protocolID, typeID), or
// nil if unknown (spec.md §4.2: "Create(typeId) returns a fresh instance
// or null when unknown").
func (r *Registry) Create(protocolID byte, typeID uint16) Message {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.types[protocolID]
	if !ok {
		return nil
	}
	e, ok := m[typeID]
	if !ok {
		return nil
	}
	return e.factory()
}

// Flags returns the flags of the registered type without constructing a
// full instance's payload, used by the header parser to decide whether
// to expect an IV block or trailing signature.
func (r *Registry) Flags(protocolID byte, typeID uint16) (MessageFlags, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.types[protocolID]
	if !ok {
		return MessageFlags{}, false
	}
	e, ok := m[typeID]
	return e.flags, ok
}

// ConnectionResult enumerates the outcomes surfaced to a Disconnected
// event (spec.md §6), numbered exactly as specified for wire
// compatibility, since the value crosses the wire inside
// ConnectionResultMessage.
type ConnectionResult byte

const (
	FailedUnknown               ConnectionResult = 0
	Success                     ConnectionResult = 1
	ConnectionFailed            ConnectionResult = 2
	IncompatibleVersion         ConnectionResult = 3
	FailedHandshake             ConnectionResult = 4
	MessageAuthenticationFailed ConnectionResult = 5
	EncryptionMismatch          ConnectionResult = 6
	Custom                      ConnectionResult = 7
	TimedOut                    ConnectionResult = 8
)

func (c ConnectionResult) String() string {
	switch c {
	case Success:
		return "Success"
	case ConnectionFailed:
		return "ConnectionFailed"
	case IncompatibleVersion:
		return "IncompatibleVersion"
	case FailedHandshake:
		return "FailedHandshake"
	case MessageAuthenticationFailed:
		return "MessageAuthenticationFailed"
	case EncryptionMismatch:
		return "EncryptionMismatch"
	case Custom:
		return "Custom"
	case TimedOut:
		return "TimedOut"
	default:
		return "FailedUnknown"
	}
}
