package tempest

// SecureOptions bundles the signer/verifier and session key a connection
// uses once handshaking has negotiated them (spec.md §4.4, §4.8). Either
// half may be nil: a connection that only sends signed messages never
// needs a Verifier, and vice versa.
type SecureOptions struct {
	Signer   Signer
	Verifier Verifier
	AESKey   []byte
}

// hmacSize is the only signature size this serializer produces: steady-
// state signing always uses HMAC-SHA256 (the hash-algorithm negotiated
// during the handshake selects among implemented algorithms, and HMAC-
// SHA256 is the only one wired up — see DESIGN.md). Its length-prefixed
// encoding is always exactly hmacPrefixSize+hmacSize bytes, which lets
// Deserialize locate the payload/signature boundary without scanning.
const hmacSize = 32

// hmacPrefixSize is the varint encoding size of the length prefix in
// front of an hmacSize-byte signature: WriteBytes stores length+1 (33),
// which fits in a single 7-bit varint byte.
const hmacPrefixSize = 1

const signatureWireSize = hmacPrefixSize + hmacSize

// Serialize builds a complete wire frame for msg: header, then payload or
// IV+ciphertext (if msg.Flags().Encrypted), then a trailing HMAC
// signature (if msg.Flags().Authenticated and not Encrypted — an
// encrypted message is never additionally signed, spec.md §4.3).
// messageID is the 24-bit outbound id; responseMessageID is ignored
// unless isResponse is true. buf, when non-nil, is the backing array the
// frame is built into (typically checked out of a SendPool); a nil buf
// allocates a fresh one.
//
// The messageLength header field is written as zero while the signature
// is computed, then patched with the true frame length afterward (spec.md
// §4.3: "the messageLength field is zeroed during HMAC computation and
// restored afterward").
func Serialize(buf []byte, msg Message, connectionID int32, messageID int32, isResponse bool, responseMessageID int32, sec *SecureOptions) ([]byte, error) {
	flags := msg.Flags()

	payload := NewWriter(64)
	if err := msg.WritePayload(payload); err != nil {
		return nil, err
	}

	w := NewWriterFromBuf(buf)
	w.WriteU8(msg.ProtocolID())
	w.WriteU32(uint32(connectionID))
	w.WriteU16(msg.TypeID())
	lengthOffset := w.Len()
	w.WriteU32(0)

	ident := uint32(messageID) & messageIDMask
	if isResponse {
		ident |= isResponseBit
	}
	w.WriteU32(ident)
	if isResponse {
		w.WriteI32(responseMessageID)
	}

	switch {
	case flags.Encrypted:
		if sec == nil || sec.AESKey == nil {
			return nil, ErrEncryptionMismatch
		}
		iv, ciphertext, err := EncryptAESCBC(sec.AESKey, payload.Bytes())
		if err != nil {
			return nil, err
		}
		w.WriteU32(uint32(len(iv)))
		w.WriteRaw(iv)
		w.WriteU32(uint32(len(ciphertext)))
		w.WriteRaw(ciphertext)

	case flags.Authenticated:
		w.WriteRaw(payload.Bytes())
		if sec == nil || sec.Signer == nil {
			return nil, ErrSignatureRequired
		}
		sig, err := sec.Signer.Sign(w.Bytes())
		if err != nil {
			return nil, err
		}
		if len(sig) != hmacSize {
			return nil, ErrInvalidSignature
		}
		w.WriteBytes(sig)

	default:
		w.WriteRaw(payload.Bytes())
	}

	w.WriteU32At(lengthOffset, uint32(w.Len()))
	return w.Bytes(), nil
}

// Deserialize reconstructs a Message from a complete frame (header plus
// body; the header has already been parsed into h by TryGetHeader) using
// reg to resolve the concrete type and sec to verify/decrypt as required
// by the type's flags.
func Deserialize(frame []byte, headerLen int, h *MessageHeader, reg *Registry, sec *SecureOptions) (Message, error) {
	flags, ok := reg.Flags(h.Protocol, h.TypeID)
	if !ok {
		return nil, ErrUnknownMessageType
	}

	body := frame[headerLen:]
	var plain []byte

	switch {
	case flags.Encrypted:
		if sec == nil || sec.AESKey == nil {
			return nil, ErrEncryptionMismatch
		}
		if len(body) < 4 {
			return nil, ErrBadFrame
		}
		cipherLen := int(le32(body))
		if cipherLen < 0 || 4+cipherLen > len(body) {
			return nil, ErrBadFrame
		}
		ciphertext := body[4 : 4+cipherLen]
		dec, err := DecryptAESCBC(sec.AESKey, h.IV, ciphertext)
		if err != nil {
			return nil, err
		}
		plain = dec

	case flags.Authenticated:
		if len(body) < signatureWireSize {
			return nil, ErrBadFrame
		}
		splitAt := len(body) - signatureWireSize
		sigReader := NewReader(body[splitAt:])
		sig, err := sigReader.ReadBytes()
		if err != nil {
			return nil, err
		}

		if sec == nil || sec.Verifier == nil {
			return nil, ErrSignatureRequired
		}
		signed := make([]byte, headerLen+splitAt)
		copy(signed, frame[:headerLen+splitAt])
		zeroLengthField(signed)
		if err := sec.Verifier.Verify(signed, sig); err != nil {
			return nil, err
		}
		plain = body[:splitAt]

	default:
		plain = body
	}

	msg := reg.Create(h.Protocol, h.TypeID)
	if msg == nil {
		return nil, ErrUnknownMessageType
	}
	if err := msg.ReadPayload(NewReader(plain)); err != nil {
		return nil, err
	}
	return msg, nil
}

// lengthFieldOffset is the fixed byte offset of the messageLength field
// within every frame (spec.md §4.3: offset 7).
const lengthFieldOffset = 7

// zeroLengthField clears the messageLength bytes within buf so the
// reconstructed signing input matches what Serialize signed (spec.md
// §4.3's zero-then-restore convention).
func zeroLengthField(buf []byte) {
	if len(buf) < lengthFieldOffset+4 {
		return
	}
	putLE32(buf[lengthFieldOffset:], 0)
}
