// Package server defines the error values returned by the handshake, frame
// codec, and connection lifecycle code.
package server

import (
	"errors"
	"strings"
)

var (
	// ErrMalformedHeader is returned when a handshake header line does not
	// contain a name and a value.
	ErrMalformedHeader = errors.New("malformed header line")

	// ErrMissingHandshakeHeader is returned when the client did not send a
	// header required to complete the upgrade.
	ErrMissingHandshakeHeader = errors.New("missing handshake header")

	// ErrHandshakeTooLarge is returned when the handshake request does not
	// end within the configured handshake buffer.
	ErrHandshakeTooLarge = errors.New("handshake request too large")

	// ErrOriginNotAllowed is returned when an allow-list is configured and
	// the request Origin is not on it.
	ErrOriginNotAllowed = errors.New("origin not allowed")

	// ErrDecode is returned for frames outside the supported subset: too
	// short for a masking key, unmasked, fragmented, non-text, with a length
	// that does not match the bytes read, or carrying invalid UTF-8.
	ErrDecode = errors.New("frame decode error")

	// ErrPayloadTooLarge is returned by the encoder for payloads that do not
	// fit in the 7-bit length field.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrConnectionClosed is returned when the peer closed the connection or
	// a read on it failed.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrServerClosed is returned by Serve after Shutdown has been called.
	ErrServerClosed = errors.New("server closed")
)

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, ErrConnectionClosed) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "connection reset by peer") ||
		strings.Contains(errStr, "io: read/write on closed pipe") ||
		strings.Contains(errStr, "broken pipe")
}

var errAlreadyServing = errors.New("server is already serving")
