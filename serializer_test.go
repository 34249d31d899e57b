package tempest

import "testing"

func TestSerializeDeserializePlain(t *testing.T) {
	reg := newMockRegistry(t)
	frame, err := Serialize(nil, &mockMessage{Value: 123}, 7, 2, false, 0, &SecureOptions{})
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	h := &MessageHeader{}
	result, headerLen := TryGetHeader(frame, 0, h, reg, DefaultMaxMessageSize)
	if result != Complete {
		t.Fatalf("expected Complete, got %v", result)
	}

	msg, err := Deserialize(frame, headerLen, h, reg, &SecureOptions{})
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	got, ok := msg.(*mockMessage)
	if !ok || got.Value != 123 {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

// authMessage is authenticated-but-not-encrypted, to exercise the
// trailing-HMAC wire layout (spec.md §4.3).
type authMessage struct{ Value int32 }

const authTypeID uint16 = 2

func (m *authMessage) ProtocolID() byte    { return mockProtocolID }
func (m *authMessage) TypeID() uint16      { return authTypeID }
func (m *authMessage) Flags() MessageFlags { return NewMessageFlags(true, false, false) }
func (m *authMessage) WritePayload(w *Writer) error {
	w.WriteI32(m.Value)
	return nil
}
func (m *authMessage) ReadPayload(r *Reader) error {
	v, err := r.ReadI32()
	m.Value = v
	return err
}

// encMessage is encrypted (and therefore implicitly authenticated by
// virtue of AES-CBC, not an additional HMAC — spec.md §4.3).
type encMessage struct{ Value int32 }

const encTypeID uint16 = 3

func (m *encMessage) ProtocolID() byte    { return mockProtocolID }
func (m *encMessage) TypeID() uint16      { return encTypeID }
func (m *encMessage) Flags() MessageFlags { return NewMessageFlags(false, true, false) }
func (m *encMessage) WritePayload(w *Writer) error {
	w.WriteI32(m.Value)
	return nil
}
func (m *encMessage) ReadPayload(r *Reader) error {
	v, err := r.ReadI32()
	m.Value = v
	return err
}

func newSecureRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := newMockRegistry(t)
	if err := reg.Register(mockProtocolID, authTypeID, func() Message { return &authMessage{} }); err != nil {
		t.Fatalf("register auth type: %v", err)
	}
	if err := reg.Register(mockProtocolID, encTypeID, func() Message { return &encMessage{} }); err != nil {
		t.Fatalf("register enc type: %v", err)
	}
	return reg
}

func TestSerializeDeserializeAuthenticated(t *testing.T) {
	reg := newSecureRegistry(t)
	key := []byte("0123456789abcdef0123456789abcdef")
	sec := &SecureOptions{Signer: NewHMACSigner(key), Verifier: NewHMACVerifier(key), AESKey: key}

	frame, err := Serialize(nil, &authMessage{Value: 55}, 1, 9, false, 0, sec)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	h := &MessageHeader{}
	result, headerLen := TryGetHeader(frame, 0, h, reg, DefaultMaxMessageSize)
	if result != Complete {
		t.Fatalf("expected Complete, got %v", result)
	}
	msg, err := Deserialize(frame, headerLen, h, reg, sec)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if got := msg.(*authMessage).Value; got != 55 {
		t.Fatalf("expected 55, got %d", got)
	}
}

// TestTamperedAuthenticatedFrameFailsVerification exercises spec.md §8's
// tampered-byte scenario: flipping a payload byte must surface
// ErrInvalidSignature, not silently decode garbage.
func TestTamperedAuthenticatedFrameFailsVerification(t *testing.T) {
	reg := newSecureRegistry(t)
	key := []byte("0123456789abcdef0123456789abcdef")
	sec := &SecureOptions{Signer: NewHMACSigner(key), Verifier: NewHMACVerifier(key)}

	frame, err := Serialize(nil, &authMessage{Value: 55}, 1, 9, false, 0, sec)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	frame[len(frame)-signatureWireSize-1] ^= 0xFF

	h := &MessageHeader{}
	result, headerLen := TryGetHeader(frame, 0, h, reg, DefaultMaxMessageSize)
	if result != Complete {
		t.Fatalf("expected Complete, got %v", result)
	}
	if _, err := Deserialize(frame, headerLen, h, reg, sec); err != ErrInvalidSignature {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestSerializeDeserializeEncrypted(t *testing.T) {
	reg := newSecureRegistry(t)
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	sec := &SecureOptions{AESKey: key}

	frame, err := Serialize(nil, &encMessage{Value: 321}, 2, 6, false, 0, sec)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	h := &MessageHeader{}
	result, headerLen := TryGetHeader(frame, 0, h, reg, DefaultMaxMessageSize)
	if result != Complete {
		t.Fatalf("expected Complete, got %v", result)
	}
	msg, err := Deserialize(frame, headerLen, h, reg, sec)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if got := msg.(*encMessage).Value; got != 321 {
		t.Fatalf("expected 321, got %d", got)
	}
}

func TestSerializeEncryptedWithoutKeyFails(t *testing.T) {
	_, err := Serialize(nil, &encMessage{Value: 1}, 1, 1, false, 0, &SecureOptions{})
	if err != ErrEncryptionMismatch {
		t.Fatalf("expected ErrEncryptionMismatch, got %v", err)
	}
}
