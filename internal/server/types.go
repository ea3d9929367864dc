// Package server defines shared connection, logging, and statistics types
// that are reused across the acceptor, dispatcher, and workers.
package server

import (
	"net"
	"sync"
	"sync/atomic"
)

// Logger is the logging surface used by the server. *log.Logger satisfies it.
type Logger interface {
	Printf(format string, v ...any)
}

// Connection is an upgraded client connection. After it leaves the WorkQueue
// it is owned by exactly one worker until it is closed.
type Connection struct {
	conn      net.Conn
	addr      string
	id        uint64
	limiter   *frameLimiter
	pending   []byte // read with the handshake, served before the next Read
	closeOnce sync.Once
	closeErr  error
}

func newConnection(id uint64, conn net.Conn, limiter *frameLimiter) *Connection {
	addr := "unknown"
	if ra := conn.RemoteAddr(); ra != nil {
		addr = ra.String()
	}
	return &Connection{
		conn:    conn,
		addr:    addr,
		id:      id,
		limiter: limiter,
	}
}

// ID returns the sequence number assigned at accept time.
func (c *Connection) ID() uint64 {
	return c.id
}

// Addr returns the remote address of the connection.
func (c *Connection) Addr() string {
	return c.addr
}

// Close closes the underlying transport. It is safe to call more than once
// and from more than one goroutine; later calls return the first result.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// Stats is a snapshot of server counters.
type Stats struct {
	Accepted          uint64
	AcceptErrors      uint64
	HandshakeFailures uint64
	Dispatched        uint64
	Served            uint64
	Frames            uint64
	DroppedFrames     uint64
}

type counters struct {
	accepted          atomic.Uint64
	acceptErrors      atomic.Uint64
	handshakeFailures atomic.Uint64
	dispatched        atomic.Uint64
	served            atomic.Uint64
	frames            atomic.Uint64
	droppedFrames     atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Accepted:          c.accepted.Load(),
		AcceptErrors:      c.acceptErrors.Load(),
		HandshakeFailures: c.handshakeFailures.Load(),
		Dispatched:        c.dispatched.Load(),
		Served:            c.served.Load(),
		Frames:            c.frames.Load(),
		DroppedFrames:     c.droppedFrames.Load(),
	}
}
