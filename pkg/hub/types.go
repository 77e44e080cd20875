package hub

import (
	"errors"
	"time"

	"github.com/eclesh/welford"
	"github.com/practable/chat/pkg/codec"
	"github.com/practable/chat/pkg/metrics"
	log "github.com/sirupsen/logrus"
)

// DefaultEventBuffer is the capacity of the event channel when Config leaves it unset
const DefaultEventBuffer = 256

// ErrHubClosed is returned by Send and Snapshot once Run has returned
var ErrHubClosed = errors.New("hub closed")

// Connection is the hub's handle on one client. Send must not block:
// it queues the frame for the client's writer and fails if it cannot.
type Connection interface {
	RemoteAddr() string
	Send(frame []byte) error
	Close() error
}

// Event is a notification from a connection handler to the hub.
// The three kinds are Connected, Disconnected and Inbound.
type Event interface {
	event()
}

// Connected announces a new client, keyed by Conn.RemoteAddr()
type Connected struct {
	Conn Connection
}

// Disconnected asks the hub to forget a client.
// It is harmless for an address the hub does not know.
type Disconnected struct {
	Addr string
}

// Inbound carries a decoded message from the client at Addr
type Inbound struct {
	Addr     string
	Message  codec.Message
	Received time.Time
}

// snapshot asks the loop for a Report
type snapshot struct {
	reply chan Report
}

func (Connected) event()    {}
func (Disconnected) event() {}
func (Inbound) event()      {}
func (snapshot) event()     {}

// Config represents the hub's settings
type Config struct {
	EventBuffer int
	Logger      *log.Entry
	Metrics     *metrics.Metrics
}

// Hub owns the registry of connected clients and relays each
// Inbound message to every client except its sender. All registry
// access happens on the goroutine running Run.
type Hub struct {
	events chan Event
	done   chan struct{}

	clients map[string]Connection
	stats   Stats

	log     *log.Entry
	metrics *metrics.Metrics
}

// Stats represents overall statistics for the hub
type Stats struct {
	Started  time.Time
	Last     time.Time
	Audience *welford.Stats
	Bytes    *welford.Stats
	Latency  *welford.Stats
	Dt       *welford.Stats

	dropped uint64
}

// Report represents statistics that we report externally
type Report struct {
	Started  string       `json:"started"`
	Last     string       `json:"last"`
	Clients  []string     `json:"clients"`
	Messages uint64       `json:"messages"`
	Dropped  uint64       `json:"dropped"`
	Audience WelfordStats `json:"audience"`
	Bytes    WelfordStats `json:"bytes"`
	Latency  WelfordStats `json:"latency"`
	Dt       WelfordStats `json:"dt"`
}

// WelfordStats represents the statistical values we record
type WelfordStats struct {
	Count    uint64  `json:"count"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	Mean     float64 `json:"mean"`
	Stddev   float64 `json:"stddev"`
	Variance float64 `json:"variance"`
}
