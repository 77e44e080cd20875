package codec

import (
	"encoding/binary"
	"fmt"
)

// FrameBuffer accumulates bytes from a stream and hands back whole frames.
// It is not safe for concurrent use; it belongs to a single reader.
type FrameBuffer struct {
	buf []byte
	max int
}

// NewFrameBuffer returns a FrameBuffer that rejects frames declaring more than max payload bytes
func NewFrameBuffer(max int) *FrameBuffer {
	if max <= 0 {
		max = DefaultMaxFrameBytes
	}
	return &FrameBuffer{max: max}
}

// Write appends p to the buffer. It never fails.
func (b *FrameBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	return len(p), nil
}

// Buffered returns the number of bytes waiting to form a frame
func (b *FrameBuffer) Buffered() int {
	return len(b.buf)
}

// Next removes and returns the payload of the next complete frame.
// ok is false when more bytes are needed. An oversized length
// is reported as soon as the header is complete.
func (b *FrameBuffer) Next() (payload []byte, ok bool, err error) {

	if len(b.buf) < HeaderSize {
		return nil, false, nil
	}

	n := binary.BigEndian.Uint32(b.buf)

	if tooLarge(n, b.max) {
		return nil, false, decodeError(ErrFrameTooLarge, fmt.Errorf("%d > %d", n, b.max))
	}

	end := HeaderSize + int(n)

	if len(b.buf) < end {
		return nil, false, nil
	}

	payload = make([]byte, n)
	copy(payload, b.buf[HeaderSize:end])

	b.buf = append(b.buf[:0], b.buf[end:]...)

	return payload, true, nil
}

// NextMessage is Next followed by DecodePayload
func (b *FrameBuffer) NextMessage() (Message, bool, error) {

	payload, ok, err := b.Next()

	if err != nil || !ok {
		return Message{}, false, err
	}

	m, err := DecodePayload(payload)

	if err != nil {
		return Message{}, false, err
	}

	return m, true, nil
}
