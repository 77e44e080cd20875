// Package wsconnect lets browsers and other websocket clients join the
// same hub as tcp clients. Each binary websocket message carries one or
// more ordinary chat frames, so the connection is served by the same
// tcpconnect.Handler, with the same events and the same sender exclusion.
package wsconnect

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/practable/chat/pkg/metrics"
	"github.com/practable/chat/pkg/tcpconnect"
	log "github.com/sirupsen/logrus"
)

// ErrTextMessage means the peer sent a text message, which carries no frames
var ErrTextMessage = errors.New("text message not supported")

// 4096 Bytes is the approx size of a chat frame
// this number does not limit message size
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Gateway upgrades requests and hands the websocket to a tcpconnect.Handler
type Gateway struct {
	handler *tcpconnect.Handler
	log     *log.Entry
	metrics *metrics.Metrics
}

func New(handler *tcpconnect.Handler, logger *log.Entry, m *metrics.Metrics) *Gateway {

	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}

	return &Gateway{
		handler: handler,
		log:     logger.WithField("component", "wsconnect"),
		metrics: m,
	}
}

// NewRouter serves the gateway at GET /ws
func NewRouter(g *Gateway) *mux.Router {
	router := mux.NewRouter()
	router.Handle("/ws", g).Methods("GET")
	return router
}

// ServeHTTP blocks until the websocket closes, or the request context
// (the server's base context) is cancelled.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {

	conn, err := upgrader.Upgrade(w, r, nil)

	if err != nil {
		// Upgrade has already replied to the client
		g.log.WithField("error", err.Error()).Warn("failed to upgrade to websocket")
		return
	}

	g.metrics.Accepted()

	addr := conn.RemoteAddr().String()

	g.log.WithFields(log.Fields{"addr": addr, "user_agent": r.UserAgent()}).Debug("upgraded to websocket")

	if err := g.handler.Serve(r.Context(), addr, NewStream(conn)); err != nil {
		g.log.WithFields(log.Fields{"addr": addr, "error": err.Error()}).Trace("websocket finished")
	}
}

// Stream presents a websocket as a byte stream. Each Write is sent as one
// binary message; Read returns the contents of binary messages in order.
type Stream struct {
	conn *websocket.Conn
	r    io.Reader
}

func NewStream(conn *websocket.Conn) *Stream {
	return &Stream{conn: conn}
}

func (s *Stream) Read(p []byte) (int, error) {

	for {

		if s.r == nil {

			mt, r, err := s.conn.NextReader()

			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}

			if mt != websocket.BinaryMessage {
				return 0, ErrTextMessage
			}

			s.r = r
		}

		n, err := s.r.Read(p)

		if errors.Is(err, io.EOF) {
			s.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}

		return n, err
	}
}

func (s *Stream) Write(p []byte) (int, error) {

	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}

	return len(p), nil
}

func (s *Stream) Close() error {
	return s.conn.Close()
}

func (s *Stream) SetReadDeadline(t time.Time) error {
	return s.conn.SetReadDeadline(t)
}

func (s *Stream) SetWriteDeadline(t time.Time) error {
	return s.conn.SetWriteDeadline(t)
}
