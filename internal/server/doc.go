// Package server implements a minimal WebSocket endpoint over raw TCP.
//
// A single acceptor goroutine accepts connections and performs the opening
// handshake strictly one connection at a time. Upgraded connections are
// placed on a WorkQueue and served by a fixed pool of workers; each worker
// owns its connection until it closes, then returns to the queue for the
// next one. A worker reads one frame per read, uppercases its text, and
// writes back a single unmasked text frame.
//
// Only a subset of RFC 6455 is supported: final, masked, text client frames
// with payloads of at most 127 bytes, whose 7-bit length field is read as
// the payload length itself. Extended length fields are never emitted or
// read, so 126 and 127 byte payloads only interoperate with peers that use
// the same subset. Fragmentation, binary payloads, and ping/pong are
// rejected; a close frame ends the connection.
package server
