// Package testhelpers provides common utilities and helper functions for testing the server.
//
// This package contains reusable test utilities for starting a server on a
// loopback listener, performing raw handshakes, building masked client frames,
// and dialing with a conforming WebSocket client.
package testhelpers

import (
	"bytes"
	"io"
	"net"
	"net/url"
	"testing"
	"time"

	"github.com/Tyrowin/upperws/internal/server"
	"github.com/gorilla/websocket"
)

// SampleKey is the handshake key from RFC 6455 section 1.3.
const SampleKey = "dGhlIHNhbXBsZSBub25jZQ=="

// SampleAccept is the accept token RFC 6455 derives from SampleKey.
const SampleAccept = "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="

// testLogger forwards server logs to the test log.
type testLogger struct {
	t *testing.T
}

func (l testLogger) Printf(format string, v ...any) {
	l.t.Helper()
	l.t.Logf(format, v...)
}

// NewLogger returns a server.Logger that writes to t.Logf.
func NewLogger(t *testing.T) server.Logger {
	return testLogger{t: t}
}

// StartServer runs a server with cfg on a loopback listener. The server is
// shut down when the test finishes.
func StartServer(t *testing.T, cfg *server.Config) (*server.Server, string) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	srv := server.New(cfg, NewLogger(t))
	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(ln)
	}()

	t.Cleanup(func() {
		if err := srv.Shutdown(2 * time.Second); err != nil {
			t.Errorf("Shutdown failed: %v", err)
		}
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("Serve did not return after Shutdown")
		}
	})

	return srv, ln.Addr().String()
}

// HandshakeRequest returns a minimal upgrade request carrying key.
func HandshakeRequest(key string) []byte {
	return []byte("GET /chat HTTP/1.1\r\n" +
		"Host: localhost:8000\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: " + key + "\r\n" +
		"Sec-WebSocket-Version: 13\r\n\r\n")
}

// MaskedFrame builds a final masked text frame for payload using key.
func MaskedFrame(payload []byte, key [4]byte) []byte {
	frame := []byte{0x81, 0x80 | byte(len(payload))}
	frame = append(frame, key[:]...)
	for i, b := range payload {
		frame = append(frame, b^key[i%4])
	}
	return frame
}

// DialRaw opens a TCP connection to addr and completes the handshake with
// key, returning the connection and the raw response bytes.
func DialRaw(t *testing.T, addr, key string) (net.Conn, []byte) {
	t.Helper()

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("Failed to dial %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	if _, err := conn.Write(HandshakeRequest(key)); err != nil {
		t.Fatalf("Failed to write handshake: %v", err)
	}

	response := ReadUntil(t, conn, []byte("\r\n\r\n"))
	return conn, response
}

// ReadUntil reads from conn until the accumulated bytes end with suffix.
func ReadUntil(t *testing.T, conn net.Conn, suffix []byte) []byte {
	t.Helper()

	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	var buf bytes.Buffer
	chunk := make([]byte, 256)
	for !bytes.HasSuffix(buf.Bytes(), suffix) {
		n, err := conn.Read(chunk)
		buf.Write(chunk[:n])
		if err != nil {
			t.Fatalf("Read failed after %q: %v", buf.String(), err)
		}
	}
	return buf.Bytes()
}

// ReadN reads exactly n bytes from conn.
func ReadN(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()

	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("Failed to read %d bytes: %v", n, err)
	}
	return buf
}

// ExpectClosed fails the test unless the peer closes conn within timeout.
func ExpectClosed(t *testing.T, conn net.Conn, timeout time.Duration) {
	t.Helper()

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	if err == nil {
		t.Fatalf("Expected connection to be closed, read %q", buf[:n])
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		t.Fatalf("Connection was not closed within %v", timeout)
	}
}

// ConnectWebSocket dials addr with gorilla's client.
func ConnectWebSocket(addr string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	u := url.URL{Scheme: "ws", Host: addr, Path: "/"}
	conn, resp, err := dialer.Dial(u.String(), nil)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// CloseWebSocket gracefully closes a WebSocket connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}
