// Package server assembles the hub, the tcp listener and the optional
// websocket and status http servers into one runnable chat server.
package server

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/practable/chat/pkg/hub"
	"github.com/practable/chat/pkg/metrics"
	"github.com/practable/chat/pkg/status"
	"github.com/practable/chat/pkg/tcpconnect"
	"github.com/practable/chat/pkg/wsconnect"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 8080
)

// Config represents the server settings
type Config struct {
	// Address is the host:port for tcp clients
	Address string

	MaxFrameBytes  int
	ReadBuffer     int
	EventBuffer    int
	SendBuffer     int
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	MaxConnections int

	// WSListen is host:port for the websocket gateway, empty to disable
	WSListen string

	// StatusListen is host:port for health, metrics and stats, empty to disable
	StatusListen string

	// Registry receives the server's metrics; a fresh one is used if nil
	Registry *prometheus.Registry

	// Started, if set, is called once every listener is bound
	Started func(Addrs)
}

// Addrs holds the bound addresses; WS and Status are nil when disabled
type Addrs struct {
	TCP    net.Addr
	WS     net.Addr
	Status net.Addr
}

// JoinAddress returns address unchanged if it already has a port,
// otherwise address with port appended. An empty address means DefaultHost.
func JoinAddress(address string, port int) string {

	if address == "" {
		address = DefaultHost
	}

	if _, _, err := net.SplitHostPort(address); err == nil {
		return address
	}

	return net.JoinHostPort(address, strconv.Itoa(port))
}

// Validate reports the first setting that cannot work
func (c Config) Validate() error {

	if _, _, err := net.SplitHostPort(c.Address); err != nil {
		return fmt.Errorf("address %q: %w", c.Address, err)
	}

	if c.MaxFrameBytes <= 0 || uint64(c.MaxFrameBytes) > math.MaxUint32 {
		return fmt.Errorf("max frame bytes must be between 1 and %d, not %d", uint64(math.MaxUint32), c.MaxFrameBytes)
	}

	if c.ReadBuffer <= 0 {
		return fmt.Errorf("read buffer must be positive, not %d", c.ReadBuffer)
	}

	if c.EventBuffer <= 0 {
		return fmt.Errorf("event buffer must be positive, not %d", c.EventBuffer)
	}

	if c.SendBuffer <= 0 {
		return fmt.Errorf("send buffer must be positive, not %d", c.SendBuffer)
	}

	if c.WriteTimeout <= 0 {
		return fmt.Errorf("write timeout must be positive, not %s", c.WriteTimeout)
	}

	if c.IdleTimeout < 0 {
		return fmt.Errorf("idle timeout cannot be negative")
	}

	if c.MaxConnections < 0 {
		return fmt.Errorf("max connections cannot be negative")
	}

	for name, addr := range map[string]string{"ws listen": c.WSListen, "status listen": c.StatusListen} {
		if addr == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("%s %q: %w", name, addr, err)
		}
	}

	return nil
}

// Run serves chat clients until ctx is cancelled. It returns a
// *tcpconnect.BindError straight away if any address cannot be bound.
// Connections are closed and reported to the hub before the hub stops.
func Run(ctx context.Context, config Config, logger *log.Entry) error {

	if err := config.Validate(); err != nil {
		return err
	}

	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}

	reg := config.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := metrics.New(reg)

	// the hub outlives the listeners so that every handler can report its disconnect
	hubCtx, stopHub := context.WithCancel(context.Background())

	h := hub.New(hub.Config{
		EventBuffer: config.EventBuffer,
		Logger:      logger,
		Metrics:     m,
	})

	go h.Run(hubCtx)

	defer func() {
		stopHub()
		<-h.Done()
	}()

	handler := tcpconnect.NewHandler(h, tcpconnect.Config{
		MaxFrameBytes: config.MaxFrameBytes,
		ReadBuffer:    config.ReadBuffer,
		SendBuffer:    config.SendBuffer,
		WriteTimeout:  config.WriteTimeout,
		IdleTimeout:   config.IdleTimeout,
	}, logger, m)

	var wg sync.WaitGroup
	defer wg.Wait()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var addrs Addrs

	if config.WSListen != "" {

		gw := wsconnect.New(handler, logger, m)

		a, err := serveHTTP(runCtx, &wg, config.WSListen, wsconnect.NewRouter(gw), logger.WithField("http", "ws"))
		if err != nil {
			return err
		}
		addrs.WS = a
	}

	if config.StatusListen != "" {

		a, err := serveHTTP(runCtx, &wg, config.StatusListen, status.NewRouter(h, reg, logger), logger.WithField("http", "status"))
		if err != nil {
			return err
		}
		addrs.Status = a
	}

	l := &tcpconnect.Listener{
		Address:        config.Address,
		MaxConnections: config.MaxConnections,
		Handler:        handler,
		Logger:         logger,
		Metrics:        m,
		Started: func(a net.Addr) {
			addrs.TCP = a
			if config.Started != nil {
				config.Started(addrs)
			}
		},
	}

	return l.Listen(runCtx)
}

// serveHTTP binds addr now, then serves handler until ctx is cancelled
func serveHTTP(ctx context.Context, wg *sync.WaitGroup, addr string, handler http.Handler, logger *log.Entry) (net.Addr, error) {

	ln, err := net.Listen("tcp", addr)

	if err != nil {
		logger.WithField("error", err.Error()).Error("cannot bind")
		return nil, &tcpconnect.BindError{Address: addr, Err: err}
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		// hijacked websockets end when ctx does
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	logger.WithField("address", ln.Addr().String()).Info("http listening")

	wg.Add(2)

	go func() {
		defer wg.Done()
		// returns ErrServerClosed on graceful close
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			logger.WithField("error", err.Error()).Error("http server stopped")
		}
	}()

	go func() {
		defer wg.Done()
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.WithField("error", err.Error()).Warn("http server did not shut down cleanly")
		}
	}()

	return ln.Addr(), nil
}
