// Package codec frames chat messages for a byte stream.
//
// A frame is a 4-byte big-endian length followed by exactly that many
// bytes of UTF-8 JSON:
//
//	[len uint32][{"body": "...", "date": "...", "author": "..."}]
//
// TCP gives no message boundaries, so a reader must accumulate bytes
// until a whole frame has arrived (see FrameBuffer) rather than assume
// that one read returns one message.
package codec

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"unicode/utf8"
)

const (
	// HeaderSize is the length of the frame prefix in bytes
	HeaderSize = 4

	// DefaultMaxFrameBytes limits the payload a peer may declare
	DefaultMaxFrameBytes = 64 * 1024
)

var (
	ErrFrameTooLarge    = errors.New("declared frame length exceeds maximum")
	ErrInvalidUTF8      = errors.New("payload is not valid UTF-8")
	ErrMalformedPayload = errors.New("payload is not a well-formed message")
	ErrShortFrame       = errors.New("frame length does not match header")
)

// DecodeError reports why a frame could not be turned into a Message.
// Kind is one of the Err* values above; Err carries detail where there is any.
type DecodeError struct {
	Kind error
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return "decode: " + e.Kind.Error()
	}
	return "decode: " + e.Kind.Error() + ": " + e.Err.Error()
}

func (e *DecodeError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func decodeError(kind, err error) error {
	return &DecodeError{Kind: kind, Err: err}
}

// Encode returns the complete frame for m, header included
func Encode(m Message) ([]byte, error) {

	payload, err := json.Marshal(m)

	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}

	if uint64(len(payload)) > math.MaxUint32 {
		return nil, fmt.Errorf("encode: payload of %d bytes cannot be framed", len(payload))
	}

	frame := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[HeaderSize:], payload)

	return frame, nil
}

// Decode parses one complete frame. A max of zero or less disables the length check.
func Decode(frame []byte, max int) (Message, error) {

	if len(frame) < HeaderSize {
		return Message{}, decodeError(ErrShortFrame, nil)
	}

	n := binary.BigEndian.Uint32(frame)

	if tooLarge(n, max) {
		return Message{}, decodeError(ErrFrameTooLarge, fmt.Errorf("%d > %d", n, max))
	}

	if uint64(len(frame)-HeaderSize) != uint64(n) {
		return Message{}, decodeError(ErrShortFrame, fmt.Errorf("header says %d, have %d", n, len(frame)-HeaderSize))
	}

	return DecodePayload(frame[HeaderSize:])
}

// DecodePayload parses the JSON part of a frame
func DecodePayload(payload []byte) (Message, error) {

	if !utf8.Valid(payload) {
		return Message{}, decodeError(ErrInvalidUTF8, nil)
	}

	var m Message

	if err := json.Unmarshal(payload, &m); err != nil {
		return Message{}, decodeError(ErrMalformedPayload, err)
	}

	return m, nil
}

// ReadFrame reads exactly one frame from r and decodes it.
// It returns io.EOF only if r ended cleanly between frames.
func ReadFrame(r io.Reader, max int) (Message, error) {

	var header [HeaderSize]byte

	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Message{}, err
	}

	n := binary.BigEndian.Uint32(header[:])

	if tooLarge(n, max) {
		return Message{}, decodeError(ErrFrameTooLarge, fmt.Errorf("%d > %d", n, max))
	}

	payload := make([]byte, n)

	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			return Message{}, io.ErrUnexpectedEOF
		}
		return Message{}, err
	}

	return DecodePayload(payload)
}

func tooLarge(n uint32, max int) bool {
	return max > 0 && uint64(n) > uint64(max)
}
