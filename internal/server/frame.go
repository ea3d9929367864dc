// Package server decodes masked client frames and encodes unmasked server
// frames for the supported protocol subset: single, final, text frames with
// payloads shorter than 128 bytes. The 7-bit length field is always the
// payload length; extended length fields are never read or written.
package server

import (
	"fmt"
	"unicode/utf8"
)

const (
	finBit      = 0x80
	opcodeMask  = 0x0F
	maskBit     = 0x80
	lengthMask  = 0x7F
	maskKeySize = 4

	opcodeText  = 0x1
	opcodeClose = 0x8

	// MaxPayloadSize is the largest payload the 7-bit length field holds.
	MaxPayloadSize = 127
)

// Frame is a decoded client frame.
type Frame struct {
	Opcode  byte
	Masked  bool
	Payload []byte
}

// Text returns the payload as a string.
func (f Frame) Text() string {
	return string(f.Payload)
}

type decodeState int

const (
	stateOpcode decodeState = iota
	stateMaskAndLength
	stateMaskingKey
	statePayload
)

func (s decodeState) String() string {
	switch s {
	case stateOpcode:
		return "OPCODE"
	case stateMaskAndLength:
		return "MASK_AND_LENGTH"
	case stateMaskingKey:
		return "MASKING_KEY"
	case statePayload:
		return "PAYLOAD"
	default:
		return fmt.Sprintf("decodeState(%d)", int(s))
	}
}

// DecodeFrame decodes one complete masked client frame. The frame must be
// final and carry text; a close frame yields ErrConnectionClosed. Every
// other deviation from the supported subset yields ErrDecode, including a
// declared length that does not match the bytes that follow the masking key.
func DecodeFrame(data []byte) (Frame, error) {
	var (
		frame    Frame
		key      [maskKeySize]byte
		keyLen   int
		declared int
		state    = stateOpcode
	)

	for i, b := range data {
		switch state {
		case stateOpcode:
			frame.Opcode = b & opcodeMask
			if b&finBit == 0 {
				return Frame{}, fmt.Errorf("%w: fragmented frames are not supported", ErrDecode)
			}
			switch frame.Opcode {
			case opcodeText:
			case opcodeClose:
				return Frame{}, fmt.Errorf("%w: close frame received", ErrConnectionClosed)
			default:
				return Frame{}, fmt.Errorf("%w: unsupported opcode %#x", ErrDecode, frame.Opcode)
			}
			state = stateMaskAndLength

		case stateMaskAndLength:
			frame.Masked = b&maskBit != 0
			if !frame.Masked {
				return Frame{}, fmt.Errorf("%w: client frame is not masked", ErrDecode)
			}
			declared = int(b & lengthMask)
			state = stateMaskingKey

		case stateMaskingKey:
			key[keyLen] = b
			keyLen++
			if keyLen == maskKeySize {
				if remaining := len(data) - i - 1; remaining != declared {
					return Frame{}, fmt.Errorf("%w: declared length %d, got %d payload bytes", ErrDecode, declared, remaining)
				}
				frame.Payload = make([]byte, 0, declared)
				state = statePayload
			}

		case statePayload:
			frame.Payload = append(frame.Payload, b^key[len(frame.Payload)%maskKeySize])
		}
	}

	if state != statePayload {
		return Frame{}, fmt.Errorf("%w: frame ended in state %s after %d bytes", ErrDecode, state, len(data))
	}
	if !utf8.Valid(frame.Payload) {
		return Frame{}, fmt.Errorf("%w: payload is not valid UTF-8", ErrDecode)
	}

	return frame, nil
}

// EncodeFrame returns an unmasked final text frame carrying payload.
// Payloads longer than MaxPayloadSize fail with ErrPayloadTooLarge.
func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrPayloadTooLarge, len(payload), MaxPayloadSize)
	}

	out := make([]byte, 0, 2+len(payload))
	out = append(out, finBit|opcodeText, byte(len(payload))&lengthMask)
	return append(out, payload...), nil
}
