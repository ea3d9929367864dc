// Package server accepts transport connections and upgrades them one at a
// time before handing them to the dispatcher.
package server

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// acceptor owns the listener. Accepting and handshaking are strictly
// sequential: one connection is fully upgraded and enqueued before the
// next Accept call.
type acceptor struct {
	listener         net.Listener
	dispatcher       *Dispatcher
	origins          *originPolicy
	handshakeLimit   int
	handshakeTimeout time.Duration
	rateLimit        RateLimitConfig
	logger           Logger
	stats            *counters
	nextID           uint64

	mu      sync.Mutex
	current *Connection
	stopped bool
}

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// run accepts until the listener is closed. A failed Accept is retried after
// a growing delay and a failed handshake closes only that connection.
func (a *acceptor) run() error {
	var delay time.Duration
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || a.isStopped() {
				return ErrServerClosed
			}
			a.stats.acceptErrors.Add(1)
			if delay == 0 {
				delay = minAcceptDelay
			} else {
				delay *= 2
			}
			if delay > maxAcceptDelay {
				delay = maxAcceptDelay
			}
			a.logger.Printf("Accept failed: %v; retrying in %v", err, delay)
			time.Sleep(delay)
			continue
		}
		delay = 0

		a.nextID++
		a.stats.accepted.Add(1)
		c := newConnection(a.nextID, conn, newFrameLimiter(a.rateLimit.Burst, a.rateLimit.RefillInterval))
		a.logger.Printf("Got a connection from %s", c.addr)

		if !a.setCurrent(c) {
			a.closeConnection(c)
			return ErrServerClosed
		}
		err = a.handshake(c)
		a.setCurrent(nil)
		if err != nil {
			a.stats.handshakeFailures.Add(1)
			a.logger.Printf("Handshake with %s failed: %v", c.addr, err)
			a.closeConnection(c)
			continue
		}

		if err := a.dispatcher.Dispatch(c); err != nil {
			a.logger.Printf("Could not dispatch %s: %v", c.addr, err)
			a.closeConnection(c)
			if errors.Is(err, ErrServerClosed) {
				return err
			}
		}
	}
}

// handshake reads the upgrade request from c and writes the 101 response.
func (a *acceptor) handshake(c *Connection) error {
	if a.handshakeTimeout > 0 {
		if err := c.conn.SetDeadline(time.Now().Add(a.handshakeTimeout)); err != nil {
			return fmt.Errorf("setting handshake deadline: %w", err)
		}
	}

	raw, rest, err := ReadHandshakeRequest(c.conn, a.handshakeLimit)
	if err != nil {
		return err
	}
	if len(rest) > 0 {
		a.logger.Printf("Keeping %d bytes sent by %s after the handshake", len(rest), c.addr)
		c.pending = rest
	}

	headers, err := ParseHandshakeRequest(raw)
	if err != nil {
		return err
	}

	if !a.origins.allows(headers) {
		return fmt.Errorf("%w: %q", ErrOriginNotAllowed, headers["Origin"])
	}

	response, err := Negotiate(headers)
	if err != nil {
		return err
	}

	if _, err := c.conn.Write(response); err != nil {
		return fmt.Errorf("%w: writing handshake response: %v", ErrConnectionClosed, err)
	}

	if a.handshakeTimeout > 0 {
		if err := c.conn.SetDeadline(time.Time{}); err != nil {
			return fmt.Errorf("clearing handshake deadline: %w", err)
		}
	}
	return nil
}

// setCurrent records the connection being handshaked so stop can abort it.
func (a *acceptor) setCurrent(c *Connection) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped && c != nil {
		return false
	}
	a.current = c
	return true
}

func (a *acceptor) isStopped() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stopped
}

// stop closes the listener and any handshake in progress.
func (a *acceptor) stop() error {
	a.mu.Lock()
	a.stopped = true
	current := a.current
	a.mu.Unlock()

	if current != nil {
		a.closeConnection(current)
	}
	return a.listener.Close()
}

func (a *acceptor) closeConnection(c *Connection) {
	if err := c.Close(); err != nil && !isExpectedCloseError(err) {
		a.logger.Printf("Error closing connection from %s: %v", c.addr, err)
	}
}
