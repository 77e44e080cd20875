package tcpconnect

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/practable/chat/pkg/codec"
	"github.com/practable/chat/pkg/hub"
	"github.com/practable/chat/pkg/metrics"
	log "github.com/sirupsen/logrus"
)

// Handler connects client streams to the hub
type Handler struct {
	events  Events
	config  Config
	log     *log.Entry
	metrics *metrics.Metrics
}

// NewHandler returns a Handler that reports to events
func NewHandler(events Events, config Config, logger *log.Entry, m *metrics.Metrics) *Handler {

	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}

	return &Handler{
		events:  events,
		config:  config.WithDefaults(),
		log:     logger,
		metrics: m,
	}
}

// Serve announces the stream to the hub as addr, then relays its frames
// until the stream fails, sends a bad frame, or ctx is cancelled.
// It always closes the stream before returning, and sends Disconnected
// for every stream it managed to announce.
func (h *Handler) Serve(ctx context.Context, addr string, stream Stream) error {

	c := NewConn(addr, stream, h.config, h.log)

	logger := h.log.WithFields(log.Fields{"addr": addr, "id": c.ID})

	// Announcing
	if err := h.events.Send(ctx, hub.Connected{Conn: c}); err != nil {
		logger.WithField("error", err.Error()).Debug("hub did not accept connection")
		c.Close()
		return err
	}

	logger.Debug("announced")

	// cancellation, or a failed write, closes the stream and ends the read below
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.Closed():
		}
	}()

	err := h.read(ctx, addr, stream, logger)

	// Closed
	if serr := h.events.Send(context.WithoutCancel(ctx), hub.Disconnected{Addr: addr}); serr != nil {
		logger.WithField("error", serr.Error()).Debug("hub did not take disconnect")
	}

	c.Close()

	return err
}

// read returns nil on a clean end of stream, otherwise the reason reading stopped
func (h *Handler) read(ctx context.Context, addr string, stream Stream, logger *log.Entry) error {

	buf := make([]byte, h.config.ReadBuffer)

	frames := codec.NewFrameBuffer(h.config.MaxFrameBytes)

	for {

		if h.config.IdleTimeout > 0 {
			if err := stream.SetReadDeadline(time.Now().Add(h.config.IdleTimeout)); err != nil {
				logger.WithField("error", err.Error()).Debug("cannot set read deadline")
			}
		}

		n, err := stream.Read(buf)

		if n > 0 {

			h.metrics.Received(n)

			frames.Write(buf[:n])

			for {
				m, ok, derr := frames.NextMessage()

				if derr != nil {
					h.metrics.DecodeFailed()
					logger.WithField("error", derr.Error()).Warn("bad frame, closing connection")
					return derr
				}

				if !ok {
					break
				}

				h.metrics.Decoded()

				if serr := h.events.Send(ctx, hub.Inbound{Addr: addr, Message: m, Received: time.Now()}); serr != nil {
					logger.WithField("error", serr.Error()).Debug("hub did not take message")
					return serr
				}

				logger.WithField("author", m.Author).Tracef("received %d-byte body", len(m.Body))
			}
		}

		if err == nil {
			continue
		}

		if retryable(err) {
			continue
		}

		if errors.Is(err, io.EOF) {
			logger.Debug("peer closed connection")
			return nil
		}

		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			logger.Info("idle timeout")
			return err
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		logger.WithField("error", err.Error()).Debug("read failed")

		return err
	}
}

func retryable(err error) bool {
	return errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EINTR)
}
