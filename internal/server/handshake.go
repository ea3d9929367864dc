// Package server performs the opening handshake that upgrades a raw
// transport connection to a WebSocket connection.
package server

import (
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
)

// websocketGUID is appended to the client key before hashing (RFC 6455).
const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// KeyHeader is the request header carrying the client's handshake key.
const KeyHeader = "Sec-WebSocket-Key"

var (
	requestLineEnd = []byte("\r\n")
	requestEnd     = []byte("\r\n\r\n")
)

// AcceptToken returns base64(SHA-1(key + GUID)), the value of the
// Sec-WebSocket-Accept response header for the given client key.
func AcceptToken(key string) string {
	sum := sha1.Sum([]byte(key + websocketGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// UpgradeResponse builds the 101 response for an accept token. The first
// three lines end in a bare line feed and the last in CRLF CRLF; clients
// depend on this exact byte sequence.
func UpgradeResponse(token string) []byte {
	return []byte("HTTP/1.1 101 Switching Protocols\n" +
		"Upgrade: websocket\n" +
		"Connection: Upgrade\n" +
		"Sec-WebSocket-Accept: " + token + "\r\n\r\n")
}

// Negotiate reads the client key from headers and returns the response to
// write. Nothing is returned alongside an error, so a failed negotiation
// never yields a partial response.
func Negotiate(headers HeaderMap) ([]byte, error) {
	key, ok := headers[KeyHeader]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingHandshakeHeader, KeyHeader)
	}
	return UpgradeResponse(AcceptToken(key)), nil
}

// ReadHandshakeRequest reads from r until the blank line ending the request
// header block. Bytes read past the blank line are returned as rest; they
// belong to the first frame. It fails with ErrHandshakeTooLarge if no blank
// line arrives within limit bytes and with ErrConnectionClosed if r fails
// first.
func ReadHandshakeRequest(r io.Reader, limit int) (request, rest []byte, err error) {
	buf := make([]byte, limit)
	n := 0
	for {
		if end := bytes.Index(buf[:n], requestEnd); end >= 0 {
			return splitRequest(buf[:n], end)
		}
		if n == len(buf) {
			return nil, nil, fmt.Errorf("%w: no end of headers within %d bytes", ErrHandshakeTooLarge, limit)
		}

		m, rerr := r.Read(buf[n:])
		n += m
		if rerr != nil {
			if end := bytes.Index(buf[:n], requestEnd); end >= 0 {
				return splitRequest(buf[:n], end)
			}
			return nil, nil, fmt.Errorf("%w: reading handshake: %v", ErrConnectionClosed, rerr)
		}
	}
}

func splitRequest(buf []byte, end int) (request, rest []byte, err error) {
	end += len(requestEnd)
	if end < len(buf) {
		rest = append([]byte(nil), buf[end:]...)
	}
	return buf[:end:end], rest, nil
}

// ParseHandshakeRequest splits a raw request at the end of its request line
// and parses the remaining header block.
func ParseHandshakeRequest(raw []byte) (HeaderMap, error) {
	_, block, found := bytes.Cut(raw, requestLineEnd)
	if !found {
		return nil, fmt.Errorf("%w: request line not terminated", ErrMalformedHeader)
	}
	return ParseHeaders(block)
}
