package protocol

import "errors"

// Codec errors all mean the stream is desynchronized; the connection must be closed.
var (
	ErrFrameTooLarge      = errors.New("protocol: frame too large")
	ErrMalformedFrame     = errors.New("protocol: malformed frame")
	ErrUnknownMessageType = errors.New("protocol: unknown message type")
	ErrDuplicateType      = errors.New("protocol: message type already registered")
)
