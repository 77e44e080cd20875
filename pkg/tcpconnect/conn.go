package tcpconnect

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Conn is the hub's handle on one client. Frames passed to Send are
// written in order by a single writer goroutine, so concurrent
// broadcasts never interleave bytes on the socket.
type Conn struct {
	ID string

	addr    string
	stream  Stream
	queue   chan []byte
	closed  chan struct{}
	once    sync.Once
	timeout time.Duration
	log     *log.Entry
}

// NewConn wraps stream and starts its writer. Close must be called to stop it.
func NewConn(addr string, stream Stream, config Config, logger *log.Entry) *Conn {

	config = config.WithDefaults()

	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}

	id := NewID()

	c := &Conn{
		ID:      id,
		addr:    addr,
		stream:  stream,
		queue:   make(chan []byte, config.SendBuffer),
		closed:  make(chan struct{}),
		timeout: config.WriteTimeout,
		log:     logger.WithFields(log.Fields{"addr": addr, "id": id}),
	}

	go c.writePump()

	return c
}

func (c *Conn) RemoteAddr() string {
	return c.addr
}

// Send queues frame for writing without blocking
func (c *Conn) Send(frame []byte) error {

	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}

	select {
	case c.queue <- frame:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close stops the writer and closes the stream. It is safe to call more than once.
func (c *Conn) Close() error {

	var err error

	c.once.Do(func() {
		close(c.closed)
		err = c.stream.Close()
		c.log.Trace("conn closed")
	})

	return err
}

// Closed is closed once Close has been called
func (c *Conn) Closed() <-chan struct{} {
	return c.closed
}

func (c *Conn) writePump() {

	for {
		select {

		case <-c.closed:
			return

		case frame := <-c.queue:

			if err := c.stream.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
				c.log.WithField("error", err.Error()).Debug("cannot set write deadline")
			}

			if _, err := c.stream.Write(frame); err != nil {
				// closing the stream wakes the reader, which reports the disconnect
				c.log.WithField("error", err.Error()).Warn("write failed, closing")
				c.Close()
				return
			}

			c.log.Tracef("wrote %d-byte frame", len(frame))
		}
	}
}
