package tempest

// Message is the capability set every concrete payload type implements
// (spec.md §3: "polymorphic over the capability set {write payload, read
// payload}"). Generalizes the teacher's PayloadMarshaler/
// PayloadUnmarshaler (types.go) from raw []byte buffers to the
// ValueCodec Writer/Reader, and adds the per-type identity/flags the
// header parser and serializer need.
type Message interface {
	// ProtocolID is the protocol this message type belongs to.
	ProtocolID() byte
	// TypeID is the message type id, unique within ProtocolID.
	TypeID() uint16
	// Flags reports the authenticated/encrypted/mustBeReliable bits for
	// this message type (spec.md §3).
	Flags() MessageFlags
	// WritePayload serializes the message body (not the envelope) using w.
	WritePayload(w *Writer) error
	// ReadPayload deserializes the message body from r.
	ReadPayload(r *Reader) error
}

// ParseState enumerates the incremental states TryGetHeader advances
// through (spec.md §3 MessageHeader, §4.3 Parse algorithm). Ordered to
// match the concrete byte layout spec.md §4.3 gives (Protocol,
// ConnectionId, Type, Length, MessageId/ResponseId, then IV only for
// encrypted types) rather than the listing order in the MessageHeader
// field-set documentation; the byte layout is the order TryGetHeader
// follows.
type ParseState byte

const (
	StateProtocol ParseState = iota
	StateConnectionID
	StateType
	StateLength
	StateMessageID
	StateResponseID
	StateIV
	StateComplete
)

// ParseResult is the outcome of one TryGetHeader call.
type ParseResult byte

const (
	NeedMoreData ParseResult = iota
	BadFrame
	Complete
)

// baseHeaderSize is the envelope size through the message-identifier
// field (spec.md §4.3 offsets 0..14).
const baseHeaderSize = 15

// responseHeaderExtra is the additional bytes when isResponse is set
// (the responseMessageId field, spec.md §4.3).
const responseHeaderExtra = 4

// isResponseBit is the bit inside the 32-bit message-identifier field
// that marks a response (spec.md §3: bit mask 0x01000000).
const isResponseBit = 0x01000000

// messageIDMask isolates the low 24 bits of the message-identifier field.
const messageIDMask = 0x00FFFFFF

// MaxMessageID is the exclusive upper bound of the 24-bit message id
// space; ids wrap from MaxMessageID-1 back to 0 (spec.md §3).
const MaxMessageID = 1 << 23

// MessageHeader is the parsed envelope of one inbound frame (spec.md
// §3). A fresh MessageHeader is created for each frame and mutated only
// by TryGetHeader until State reaches StateComplete; it is discarded
// once the payload has been handed to a handler.
type MessageHeader struct {
	Protocol          byte
	TypeID            uint16
	ConnectionID       int32
	MessageLength     int32
	MessageID         int32
	IsResponse        bool
	ResponseMessageID int32
	IV                []byte

	State ParseState

	// consumed is how many bytes of this frame TryGetHeader has consumed
	// across all calls so far; it lets a caller always pass the frame's
	// fixed start offset in buf and have parsing resume at the right
	// byte even though the underlying buffer may have grown between
	// calls (spec.md §4.3: "Parser state is preserved across calls").
	consumed int

	// flags is resolved once TypeID is known, from the Registry; it
	// drives whether StateIV applies and whether the caller should
	// expect a trailing signature after the payload.
	flags      MessageFlags
	flagsKnown bool
}

// HeaderSize reports the total header size for this frame (15 or 19
// bytes depending on IsResponse), valid once State >= StateResponseID.
func (h *MessageHeader) HeaderSize() int {
	n := baseHeaderSize
	if h.IsResponse {
		n += responseHeaderExtra
	}
	return n
}

// TryGetHeader advances the incremental parse of a frame beginning at
// frameStart in buf. Callers always pass the same frameStart for a given
// header across repeated calls (as more bytes arrive); h.consumed tracks
// how far parsing has already gotten, so each call resumes exactly where
// the last one left off (spec.md §4.3: "Parser state is preserved across
// calls so a partial header survives multiple receive completions").
// The returned int is the total number of bytes consumed for this frame
// so far (i.e. frameStart+result is the offset of the byte following the
// header once Complete is returned).
//
// reg resolves TypeID to a registered Protocol/MessageFlags; an unknown
// protocol id or message type id is a BadFrame (spec.md §4.3).
func TryGetHeader(buf []byte, frameStart int, h *MessageHeader, reg *Registry, maxMessageSize int32) (ParseResult, int) {
	start := frameStart
	offset := frameStart + h.consumed
	n := len(buf)

	defer func() { h.consumed = offset - start }()

	for {
		switch h.State {
		case StateProtocol:
			if n-offset < 1 {
				return NeedMoreData, offset - start
			}
			h.Protocol = buf[offset]
			offset++
			if _, ok := reg.Protocol(h.Protocol); !ok {
				return BadFrame, offset - start
			}
			h.State = StateConnectionID

		case StateConnectionID:
			if n-offset < 4 {
				return NeedMoreData, offset - start
			}
			h.ConnectionID = int32(le32(buf[offset:]))
			offset += 4
			h.State = StateType

		case StateType:
			if n-offset < 2 {
				return NeedMoreData, offset - start
			}
			h.TypeID = le16(buf[offset:])
			offset += 2
			flags, ok := reg.Flags(h.Protocol, h.TypeID)
			if !ok {
				return BadFrame, offset - start
			}
			h.flags = flags
			h.flagsKnown = true
			h.State = StateLength

		case StateLength:
			if n-offset < 4 {
				return NeedMoreData, offset - start
			}
			length := int32(le32(buf[offset:]))
			offset += 4
			if length <= 0 || length > maxMessageSize {
				return BadFrame, offset - start
			}
			h.MessageLength = length
			h.State = StateMessageID

		case StateMessageID:
			if n-offset < 4 {
				return NeedMoreData, offset - start
			}
			ident := le32(buf[offset:])
			offset += 4
			h.IsResponse = ident&isResponseBit != 0
			h.MessageID = int32(ident & messageIDMask)
			h.State = StateResponseID

		case StateResponseID:
			if !h.IsResponse {
				h.State = StateIV
				continue
			}
			if n-offset < 4 {
				return NeedMoreData, offset - start
			}
			h.ResponseMessageID = int32(le32(buf[offset:]))
			offset += 4
			h.State = StateIV

		case StateIV:
			if !h.flags.Encrypted {
				h.State = StateComplete
				continue
			}
			if n-offset < 4 {
				return NeedMoreData, offset - start
			}
			ivLen := int32(le32(buf[offset:]))
			if ivLen < 0 || int(ivLen) > n-offset-4 {
				// Not necessarily a bad frame: the IV may simply not be
				// fully buffered yet. Only reject implausible sizes.
				if ivLen < 0 || ivLen > maxMessageSize {
					return BadFrame, offset - start
				}
				return NeedMoreData, offset - start
			}
			offset += 4
			h.IV = append([]byte(nil), buf[offset:offset+int(ivLen)]...)
			offset += int(ivLen)
			h.State = StateComplete

		case StateComplete:
			return Complete, offset - start
		}
	}
}

func le16(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putLE16(b []byte, v uint16) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
