// Package server implements the per-connection receive loop run by workers.
package server

import "fmt"

// serve runs the receive loop for c until the peer closes, a read or write
// fails, or a frame falls outside the supported subset. Each read must hold
// exactly one frame; frames spanning reads are not reassembled.
func (d *Dispatcher) serve(c *Connection) error {
	buf := make([]byte, d.readBufferSize)

	for {
		data, err := d.next(c, buf)
		if err != nil {
			return err
		}

		if ok, wait := c.limiter.admit(); !ok {
			d.stats.droppedFrames.Add(1)
			d.logger.Printf("Rate limit exceeded for %s; discarding frame, next frame admitted in %v", c.addr, wait)
			continue
		}

		reply, err := d.reply(data)
		if err != nil {
			return err
		}

		if _, err := c.conn.Write(reply); err != nil {
			return fmt.Errorf("%w: writing reply: %v", ErrConnectionClosed, err)
		}
		d.stats.frames.Add(1)
	}
}

// next returns the bytes left over from the handshake, if any, and otherwise
// the result of one read into buf.
func (d *Dispatcher) next(c *Connection, buf []byte) ([]byte, error) {
	if len(c.pending) > 0 {
		data := c.pending
		c.pending = nil
		return data, nil
	}

	n, err := c.conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: empty read", ErrConnectionClosed)
	}
	return buf[:n], nil
}

// reply decodes one client frame, transforms its text, and encodes the
// server frame to send back.
func (d *Dispatcher) reply(data []byte) ([]byte, error) {
	frame, err := DecodeFrame(data)
	if err != nil {
		return nil, err
	}

	out, err := EncodeFrame([]byte(d.transform(frame.Text())))
	if err != nil {
		return nil, fmt.Errorf("encoding reply: %w", err)
	}
	return out, nil
}
