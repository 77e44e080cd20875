package tcpconnect

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/practable/chat/pkg/metrics"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/netutil"
)

// BindError means the listener could not claim its address.
// It is fatal: Listen does not retry.
type BindError struct {
	Address string
	Err     error
}

func (e *BindError) Error() string {
	return "bind " + e.Address + ": " + e.Err.Error()
}

func (e *BindError) Unwrap() error {
	return e.Err
}

// Listener accepts tcp clients and serves each with Handler
type Listener struct {
	// Address is host:port to bind
	Address string

	// MaxConnections caps concurrent clients, 0 means no cap
	MaxConnections int

	Handler *Handler
	Logger  *log.Entry
	Metrics *metrics.Metrics

	// Started, if set, is called with the bound address before accepting
	Started func(net.Addr)
}

// Listen binds the address and serves connections until ctx is cancelled.
// It returns a *BindError if the address cannot be bound, otherwise nil
// once every handler it started has returned.
func (l *Listener) Listen(ctx context.Context) error {

	logger := l.Logger
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	logger = logger.WithFields(log.Fields{"component": "listener", "address": l.Address})

	lc := &net.ListenConfig{}

	ln, err := lc.Listen(ctx, "tcp", l.Address)

	if err != nil {
		logger.WithField("error", err.Error()).Error("cannot bind")
		return &BindError{Address: l.Address, Err: err}
	}

	if l.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, l.MaxConnections)
	}

	logger.WithField("bound", ln.Addr().String()).Info("awaiting connections")

	if l.Started != nil {
		l.Started(ln.Addr())
	}

	return l.serve(ctx, ln, logger)
}

func (l *Listener) serve(ctx context.Context, ln net.Listener, logger *log.Entry) error {

	var wg sync.WaitGroup

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	b := &backoff.Backoff{
		Min:    5 * time.Millisecond,
		Max:    time.Second,
		Factor: 2,
		Jitter: true,
	}

	for {

		conn, err := ln.Accept()

		if err != nil {

			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}

			l.Metrics.AcceptFailed()

			d := b.Duration()

			logger.WithFields(log.Fields{"error": err.Error(), "retry": d.String()}).Warn("failed to accept connection")

			select {
			case <-time.After(d):
			case <-ctx.Done():
			}

			continue
		}

		b.Reset()

		l.Metrics.Accepted()

		addr := conn.RemoteAddr().String()

		logger.WithField("addr", addr).Debug("accepted")

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Handler.Serve(ctx, addr, conn); err != nil {
				logger.WithFields(log.Fields{"addr": addr, "error": err.Error()}).Trace("handler finished")
			}
		}()
	}

	wg.Wait()

	logger.Info("stopped")

	return nil
}
