package tempest

import "errors"

// Sentinel errors returned by the codec, serializer, and connection layers.
var (
	ErrInvalidMessage     = errors.New("tempest: invalid message format")
	ErrPayloadTooLarge    = errors.New("tempest: payload exceeds maximum size")
	ErrSignatureRequired  = errors.New("tempest: signature required but not present")
	ErrInvalidSignature   = errors.New("tempest: invalid signature")
	ErrUnknownMessageType = errors.New("tempest: unknown message type")
	ErrUnknownProtocol    = errors.New("tempest: unknown protocol id")
	ErrBadFrame           = errors.New("tempest: malformed frame")
	ErrNeedMoreData       = errors.New("tempest: incomplete frame")

	ErrNegativeCount   = errors.New("tempest: negative byte count")
	ErrBufferTooSmall  = errors.New("tempest: destination buffer too small")
	ErrNullString      = errors.New("tempest: string is null")
	ErrVarintOverflow  = errors.New("tempest: varint overflow")
	ErrStringTooLong   = errors.New("tempest: string exceeds maximum length")

	ErrNotConnected    = errors.New("tempest: not connected")
	ErrClosed          = errors.New("tempest: connection closed")
	ErrOutOfOrder      = errors.New("tempest: message id out of order")
	ErrDuplicateID     = errors.New("tempest: duplicate message id")
	ErrResponseTooOld  = errors.New("tempest: response references unknown outbound id")
	ErrSendPoolExhausted = errors.New("tempest: send buffer pool exhausted")

	ErrHandshakeFailed      = errors.New("tempest: handshake failed")
	ErrIncompatibleVersion  = errors.New("tempest: incompatible protocol version")
	ErrNoProtocolOverlap    = errors.New("tempest: no protocols in common")
	ErrEncryptionMismatch   = errors.New("tempest: encryption policy mismatch")
	ErrUnexpectedHandshake  = errors.New("tempest: unexpected handshake message")

	ErrCancelled = errors.New("tempest: response cancelled")
	ErrTimedOut  = errors.New("tempest: timed out")
)
