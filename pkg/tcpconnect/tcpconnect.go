// Package tcpconnect accepts chat clients over tcp and
// connects each of them to a hub.
//
// A Listener accepts sockets and hands each one to a Handler.
// The Handler reads frames from the socket and turns them into
// hub events, while a Conn writes frames from the hub back to the
// socket on a single writer goroutine.
package tcpconnect

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/practable/chat/pkg/codec"
	"github.com/practable/chat/pkg/hub"
)

const (
	DefaultReadBuffer   = 4096
	DefaultSendBuffer   = 256
	DefaultWriteTimeout = 10 * time.Second
)

var (
	// ErrSendQueueFull means a recipient is not keeping up
	ErrSendQueueFull = errors.New("send queue full")

	// ErrConnClosed is returned by Send after Close
	ErrConnClosed = errors.New("connection closed")
)

// Stream is the byte stream a Handler serves. A net.Conn is a Stream;
// wsconnect adapts a websocket to one.
type Stream interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Events is the part of the hub a Handler talks to
type Events interface {
	Send(ctx context.Context, e hub.Event) error
}

// Config represents the per-connection settings
type Config struct {
	// MaxFrameBytes limits the payload length a client may declare
	MaxFrameBytes int

	// ReadBuffer is the size of the buffer used for each read
	ReadBuffer int

	// SendBuffer is the number of frames queued for a slow client before it is dropped
	SendBuffer int

	// WriteTimeout bounds each frame write
	WriteTimeout time.Duration

	// IdleTimeout closes a connection that has sent nothing for this long, 0 disables it
	IdleTimeout time.Duration
}

// WithDefaults returns a copy of c with zero values replaced by defaults
func (c Config) WithDefaults() Config {
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = codec.DefaultMaxFrameBytes
	}
	if c.ReadBuffer <= 0 {
		c.ReadBuffer = DefaultReadBuffer
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = DefaultSendBuffer
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	return c
}

// NewID returns a short identifier for correlating log lines
func NewID() string {
	return uuid.New().String()[0:6]
}
