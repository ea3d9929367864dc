package server_test

import (
	"bytes"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/Tyrowin/upperws/internal/server"
	"github.com/Tyrowin/upperws/test/testhelpers"
	"github.com/gobwas/ws"
	"github.com/gorilla/websocket"
)

const expectedHandshakeResponse = "HTTP/1.1 101 Switching Protocols\n" +
	"Upgrade: websocket\n" +
	"Connection: Upgrade\n" +
	"Sec-WebSocket-Accept: " + testhelpers.SampleAccept + "\r\n\r\n"

// sendFrame writes one masked frame in a single write and returns the reply.
func sendFrame(t *testing.T, conn net.Conn, payload string) string {
	t.Helper()

	if _, err := conn.Write(testhelpers.MaskedFrame([]byte(payload), [4]byte{0x11, 0x22, 0x33, 0x44})); err != nil {
		t.Fatalf("Failed to write frame: %v", err)
	}
	header := testhelpers.ReadN(t, conn, 2)
	if header[0] != 0x81 {
		t.Fatalf("Unexpected reply header %x", header)
	}
	return string(testhelpers.ReadN(t, conn, int(header[1])))
}

func TestServerGorillaClient(t *testing.T) {
	srv, addr := testhelpers.StartServer(t, nil)

	conn, err := testhelpers.ConnectWebSocket(addr)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer func() { _ = conn.Close() }()

	for _, msg := range []string{"hello", "Hello, World!", "ünïcödé"} {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			t.Fatalf("Failed to send %q: %v", msg, err)
		}
		if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
			t.Fatalf("Failed to set read deadline: %v", err)
		}
		messageType, reply, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("Failed to read reply to %q: %v", msg, err)
		}
		if messageType != websocket.TextMessage {
			t.Errorf("Expected text message, got type %d", messageType)
		}
		if string(reply) != strings.ToUpper(msg) {
			t.Errorf("Expected %q, got %q", strings.ToUpper(msg), reply)
		}
	}

	if err := testhelpers.CloseWebSocket(conn); err != nil {
		t.Errorf("Failed to close: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for srv.Stats().Served == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	stats := srv.Stats()
	if stats.Served != 1 || stats.Accepted != 1 || stats.Dispatched != 1 || stats.Frames != 3 {
		t.Errorf("Unexpected stats %+v", stats)
	}
}

func TestServerHandshakeResponseBytes(t *testing.T) {
	_, addr := testhelpers.StartServer(t, nil)

	conn, response := testhelpers.DialRaw(t, addr, testhelpers.SampleKey)
	if string(response) != expectedHandshakeResponse {
		t.Fatalf("Expected response %q, got %q", expectedHandshakeResponse, response)
	}

	if reply := sendFrame(t, conn, "hello"); reply != "HELLO" {
		t.Errorf("Expected HELLO, got %q", reply)
	}
}

func TestServerGobwasFrames(t *testing.T) {
	_, addr := testhelpers.StartServer(t, nil)
	conn, _ := testhelpers.DialRaw(t, addr, testhelpers.SampleKey)

	raw, err := ws.CompileFrame(ws.MaskFrameWith(ws.NewTextFrame([]byte("gobwas")), [4]byte{1, 2, 3, 4}))
	if err != nil {
		t.Fatalf("CompileFrame failed: %v", err)
	}
	if _, err := conn.Write(raw); err != nil {
		t.Fatalf("Failed to write frame: %v", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	frame, err := ws.ReadFrame(conn)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if frame.Header.OpCode != ws.OpText || !frame.Header.Fin || frame.Header.Masked {
		t.Errorf("Unexpected header %+v", frame.Header)
	}
	if string(frame.Payload) != "GOBWAS" {
		t.Errorf("Expected GOBWAS, got %q", frame.Payload)
	}
}

func TestServerRejectsHandshakeWithoutResponse(t *testing.T) {
	tests := []struct {
		name    string
		request string
	}{
		{
			name:    "missing key",
			request: "GET / HTTP/1.1\r\nHost: localhost\r\nUpgrade: websocket\r\n\r\n",
		},
		{
			name:    "lowercase key header",
			request: "GET / HTTP/1.1\r\nsec-websocket-key: " + testhelpers.SampleKey + "\r\n\r\n",
		},
		{
			name:    "malformed header line",
			request: "GET / HTTP/1.1\r\nHost:localhost\r\nSec-WebSocket-Key: " + testhelpers.SampleKey + "\r\n\r\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, addr := testhelpers.StartServer(t, nil)

			conn, err := net.Dial("tcp", addr)
			if err != nil {
				t.Fatalf("Failed to dial: %v", err)
			}
			defer func() { _ = conn.Close() }()

			if _, err := conn.Write([]byte(tt.request)); err != nil {
				t.Fatalf("Failed to write request: %v", err)
			}
			testhelpers.ExpectClosed(t, conn, 2*time.Second)

			// The acceptor keeps serving after a failed handshake.
			next, response := testhelpers.DialRaw(t, addr, testhelpers.SampleKey)
			if string(response) != expectedHandshakeResponse {
				t.Fatalf("Unexpected response %q", response)
			}
			if reply := sendFrame(t, next, "still up"); reply != "STILL UP" {
				t.Errorf("Expected STILL UP, got %q", reply)
			}

			if got := srv.Stats().HandshakeFailures; got != 1 {
				t.Errorf("Expected 1 handshake failure, got %d", got)
			}
		})
	}
}

func TestServerOriginNotAllowed(t *testing.T) {
	cfg := server.NewConfig()
	cfg.AllowedOrigins = []string{"http://localhost:8000"}
	_, addr := testhelpers.StartServer(t, cfg)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer func() { _ = conn.Close() }()

	request := "GET / HTTP/1.1\r\nOrigin: http://evil.example\r\nSec-WebSocket-Key: " + testhelpers.SampleKey + "\r\n\r\n"
	if _, err := conn.Write([]byte(request)); err != nil {
		t.Fatalf("Failed to write request: %v", err)
	}
	testhelpers.ExpectClosed(t, conn, 2*time.Second)

	allowed, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer func() { _ = allowed.Close() }()

	request = "GET / HTTP/1.1\r\nOrigin: http://localhost:8000\r\nSec-WebSocket-Key: " + testhelpers.SampleKey + "\r\n\r\n"
	if _, err := allowed.Write([]byte(request)); err != nil {
		t.Fatalf("Failed to write request: %v", err)
	}
	if response := testhelpers.ReadUntil(t, allowed, []byte("\r\n\r\n")); string(response) != expectedHandshakeResponse {
		t.Errorf("Unexpected response %q", response)
	}
}

func TestServerHandshakeTimeout(t *testing.T) {
	cfg := server.NewConfig()
	cfg.HandshakeTimeout = 100 * time.Millisecond
	_, addr := testhelpers.StartServer(t, cfg)

	stalled, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer func() { _ = stalled.Close() }()
	testhelpers.ExpectClosed(t, stalled, 2*time.Second)

	conn, _ := testhelpers.DialRaw(t, addr, testhelpers.SampleKey)
	if reply := sendFrame(t, conn, "after timeout"); reply != "AFTER TIMEOUT" {
		t.Errorf("Expected AFTER TIMEOUT, got %q", reply)
	}
}

func TestServerWorkerIsolation(t *testing.T) {
	cfg := server.NewConfig()
	cfg.Workers = 2
	_, addr := testhelpers.StartServer(t, cfg)

	healthy, _ := testhelpers.DialRaw(t, addr, testhelpers.SampleKey)
	if reply := sendFrame(t, healthy, "one"); reply != "ONE" {
		t.Fatalf("Expected ONE, got %q", reply)
	}

	failing, _ := testhelpers.DialRaw(t, addr, testhelpers.SampleKey)
	if reply := sendFrame(t, failing, "two"); reply != "TWO" {
		t.Fatalf("Expected TWO, got %q", reply)
	}
	// Drop the connection so the server's next read on it fails.
	if err := failing.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}

	// The freed worker picks up a new connection.
	next, response := testhelpers.DialRaw(t, addr, testhelpers.SampleKey)
	if string(response) != expectedHandshakeResponse {
		t.Fatalf("Unexpected response %q", response)
	}
	if reply := sendFrame(t, next, "three"); reply != "THREE" {
		t.Errorf("Expected THREE, got %q", reply)
	}

	if reply := sendFrame(t, healthy, "four"); reply != "FOUR" {
		t.Errorf("Expected FOUR, got %q", reply)
	}
}

func TestServerClosesConnectionOnBadFrame(t *testing.T) {
	_, addr := testhelpers.StartServer(t, nil)
	conn, _ := testhelpers.DialRaw(t, addr, testhelpers.SampleKey)

	// Binary frames are outside the supported subset.
	frame := testhelpers.MaskedFrame([]byte("bin"), [4]byte{1, 1, 1, 1})
	frame[0] = 0x82
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("Failed to write frame: %v", err)
	}
	testhelpers.ExpectClosed(t, conn, 2*time.Second)
}

func TestServerShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	srv := server.New(nil, testhelpers.NewLogger(t))
	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(ln)
	}()

	clients := make([]net.Conn, 3)
	for i := range clients {
		clients[i], _ = testhelpers.DialRaw(t, ln.Addr().String(), testhelpers.SampleKey)
		if reply := sendFrame(t, clients[i], "ping"); reply != "PING" {
			t.Fatalf("Expected PING, got %q", reply)
		}
	}
	if got := srv.ActiveConnections(); got != 3 {
		t.Errorf("Expected 3 active connections, got %d", got)
	}

	if err := srv.Shutdown(2 * time.Second); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, server.ErrServerClosed) {
			t.Errorf("Expected ErrServerClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}

	for _, conn := range clients {
		testhelpers.ExpectClosed(t, conn, time.Second)
	}

	if _, err := net.DialTimeout("tcp", ln.Addr().String(), 200*time.Millisecond); err == nil {
		t.Error("Listener still accepting after Shutdown")
	}

	other, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	if err := srv.Serve(other); !errors.Is(err, server.ErrServerClosed) {
		t.Errorf("Expected ErrServerClosed from Serve after Shutdown, got %v", err)
	}
}

func TestServerShutdownAbortsPendingHandshake(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	srv := server.New(nil, testhelpers.NewLogger(t))
	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(ln)
	}()

	stalled, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer func() { _ = stalled.Close() }()
	if _, err := stalled.Write([]byte("GET / HTTP/1.1\r\n")); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for srv.Stats().Accepted == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if err := srv.Shutdown(2 * time.Second); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}
	testhelpers.ExpectClosed(t, stalled, time.Second)
}

func TestServerMaxPayload(t *testing.T) {
	_, addr := testhelpers.StartServer(t, nil)
	conn, _ := testhelpers.DialRaw(t, addr, testhelpers.SampleKey)

	payload := bytes.Repeat([]byte{'a'}, server.MaxPayloadSize)
	reply := sendFrame(t, conn, string(payload))
	if reply != strings.ToUpper(string(payload)) {
		t.Fatalf("Unexpected reply of %d bytes", len(reply))
	}
}

// flakyListener fails the first failures Accept calls with a temporary
// error before handing off to the wrapped listener.
type flakyListener struct {
	net.Listener
	failures int
}

func (l *flakyListener) Accept() (net.Conn, error) {
	if l.failures > 0 {
		l.failures--
		return nil, errors.New("accept tcp: too many open files")
	}
	return l.Listener.Accept()
}

func TestServerSurvivesAcceptErrors(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	srv := server.New(nil, testhelpers.NewLogger(t))
	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(&flakyListener{Listener: ln, failures: 3})
	}()

	conn, response := testhelpers.DialRaw(t, ln.Addr().String(), testhelpers.SampleKey)
	if string(response) != expectedHandshakeResponse {
		t.Fatalf("Unexpected handshake response %q", response)
	}
	if reply := sendFrame(t, conn, "still here"); reply != "STILL HERE" {
		t.Fatalf("Expected STILL HERE, got %q", reply)
	}

	if stats := srv.Stats(); stats.AcceptErrors != 3 || stats.Accepted != 1 {
		t.Errorf("Unexpected stats %+v", stats)
	}

	if err := srv.Shutdown(2 * time.Second); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, server.ErrServerClosed) {
			t.Errorf("Expected ErrServerClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}
}

func TestServerFrameSentWithHandshake(t *testing.T) {
	_, addr := testhelpers.StartServer(t, nil)

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer func() { _ = conn.Close() }()

	request := testhelpers.HandshakeRequest(testhelpers.SampleKey)
	request = append(request, testhelpers.MaskedFrame([]byte("early bird"), [4]byte{7, 7, 7, 7})...)
	if _, err := conn.Write(request); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}

	response := testhelpers.ReadN(t, conn, len(expectedHandshakeResponse))
	if string(response) != expectedHandshakeResponse {
		t.Fatalf("Unexpected handshake response %q", response)
	}

	header := testhelpers.ReadN(t, conn, 2)
	if header[0] != 0x81 {
		t.Fatalf("Unexpected reply header %x", header)
	}
	if reply := string(testhelpers.ReadN(t, conn, int(header[1]))); reply != "EARLY BIRD" {
		t.Errorf("Expected EARLY BIRD, got %q", reply)
	}
}
