// Package protocol implements the frame layer spoken with the block cache service.
//
// A fixed 9-byte header carries a magic tag, the number of bytes that follow
// and the action code. The receiver reads the header first, validates the tag,
// then reads exactly length-1 payload bytes.
//
// Frame format (all integers little-endian):
//
//	0         4         8  9
//	┌─────────┬─────────┬──┬────────────────────┐
//	│  magic  │ length  │ac│   payload ...      │
//	│ uint32  │ uint32  │  │ length-1 bytes     │
//	└─────────┴─────────┴──┴────────────────────┘
//
// length counts the action byte plus the payload.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// Magic identifies a frame of this protocol; anything else is rejected
	// before the rest of the header is trusted.
	Magic uint32 = 19790616

	HeaderSize = 9 // 4 (magic) + 4 (length) + 1 (action)

	// MaxFrameLength bounds the length field so a corrupt header cannot make
	// the receiver allocate without limit.
	MaxFrameLength = 1 << 30
)

var (
	ErrInvalidMagic  = errors.New("invalid magic number")
	ErrInvalidLength = errors.New("invalid frame length")
)

var byteOrder = binary.LittleEndian

// Header represents the fixed 9-byte frame header.
type Header struct {
	Magic  uint32
	Length uint32 // action byte + payload
	Action Action
}

// PayloadLen is the number of payload bytes following the header.
func (h Header) PayloadLen() int {
	return int(h.Length) - 1
}

// Marshal builds a complete frame (header + payload) in one buffer.
func Marshal(action Action, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	byteOrder.PutUint32(buf[0:4], Magic)
	byteOrder.PutUint32(buf[4:8], uint32(1+len(payload)))
	buf[8] = byte(action)
	copy(buf[HeaderSize:], payload)
	return buf
}

// Encode writes a complete frame to w with a single Write call, so one frame
// is never split across writers sharing w.
func Encode(w io.Writer, action Action, payload []byte) error {
	_, err := w.Write(Marshal(action, payload))
	return err
}

// ParseHeader validates and decodes a 9-byte header. The magic tag is checked
// first; on mismatch the length field is not interpreted at all.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("short header: %d bytes: %w", len(buf), io.ErrUnexpectedEOF)
	}
	magic := byteOrder.Uint32(buf[0:4])
	if magic != Magic {
		return Header{}, fmt.Errorf("%w: %#x", ErrInvalidMagic, magic)
	}
	length := byteOrder.Uint32(buf[4:8])
	if length == 0 || length > MaxFrameLength {
		return Header{}, fmt.Errorf("%w: %d", ErrInvalidLength, length)
	}
	return Header{
		Magic:  magic,
		Length: length,
		Action: Action(buf[8]),
	}, nil
}

// Decode reads one complete frame from r.
// Uses io.ReadFull so a frame is never returned partially.
func Decode(r io.Reader) (Action, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return 0, nil, err
	}

	header, err := ParseHeader(headerBuf)
	if err != nil {
		return 0, nil, err
	}

	payload := make([]byte, header.PayloadLen())
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return header.Action, payload, nil
}
