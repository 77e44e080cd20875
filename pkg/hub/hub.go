package hub

import (
	"context"
	"sort"
	"time"

	"github.com/eclesh/welford"
	"github.com/practable/chat/pkg/codec"
	log "github.com/sirupsen/logrus"
)

// New returns a pointer to an initialised Hub. Call Run to start it.
func New(config Config) *Hub {

	size := config.EventBuffer
	if size <= 0 {
		size = DefaultEventBuffer
	}

	logger := config.Logger
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}

	return &Hub{
		events:  make(chan Event, size),
		done:    make(chan struct{}),
		clients: make(map[string]Connection),
		stats: Stats{
			Audience: welford.New(),
			Bytes:    welford.New(),
			Latency:  welford.New(),
			Dt:       welford.New(),
		},
		log:     logger.WithField("component", "hub"),
		metrics: config.Metrics,
	}
}

// Send delivers an event to the hub. It blocks while the event buffer is
// full, and returns ErrHubClosed if the hub has stopped or ctx.Err() if
// ctx ends first.
func (h *Hub) Send(ctx context.Context, e Event) error {

	select {
	case <-h.done:
		return ErrHubClosed
	default:
	}

	select {
	case h.events <- e:
		return nil
	case <-h.done:
		return ErrHubClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when Run returns
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// Snapshot returns the registry and statistics as seen by the hub loop.
// It queues behind events already sent, so it reflects all of them.
func (h *Hub) Snapshot(ctx context.Context) (Report, error) {

	reply := make(chan Report, 1)

	if err := h.Send(ctx, snapshot{reply: reply}); err != nil {
		return Report{}, err
	}

	select {
	case r := <-reply:
		return r, nil
	case <-h.done:
		return Report{}, ErrHubClosed
	case <-ctx.Done():
		return Report{}, ctx.Err()
	}
}

// Run processes events one at a time until ctx is cancelled, then
// closes every registered connection. Run must only be called once.
func (h *Hub) Run(ctx context.Context) {

	h.stats.Started = time.Now()

	h.log.Info("hub started")

	defer func() {
		h.shutdown()
		close(h.done)
		h.log.Info("hub stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case e := <-h.events:
			h.handle(e)
		}
	}
}

func (h *Hub) handle(e Event) {

	switch e := e.(type) {

	case Connected:
		h.add(e.Conn)

	case Disconnected:
		h.remove(e.Addr)

	case Inbound:
		h.broadcast(e)

	case snapshot:
		e.reply <- h.report()

	default:
		h.log.WithField("event", e).Error("unknown event type")
	}
}

func (h *Hub) add(c Connection) {

	addr := c.RemoteAddr()

	if _, ok := h.clients[addr]; ok {
		// the later connection wins; the earlier handler still owns its socket
		h.log.WithField("addr", addr).Warn("address already registered, replacing")
	}

	h.clients[addr] = c

	h.log.WithFields(log.Fields{"addr": addr, "clients": len(h.clients)}).Info("client connected")

	h.metrics.SetActive(len(h.clients))
}

func (h *Hub) remove(addr string) bool {

	if _, ok := h.clients[addr]; !ok {
		h.log.WithField("addr", addr).Trace("disconnect for unknown address ignored")
		return false
	}

	delete(h.clients, addr)

	h.log.WithFields(log.Fields{"addr": addr, "clients": len(h.clients)}).Info("client disconnected")

	h.metrics.SetActive(len(h.clients))

	return true
}

// broadcast sends e to every client other than e.Addr. A client whose
// Send fails is dropped after the round, so the others still get e.
func (h *Hub) broadcast(e Inbound) {

	start := time.Now()

	frame, err := codec.Encode(e.Message)

	if err != nil {
		h.log.WithFields(log.Fields{"addr": e.Addr, "error": err.Error()}).Error("cannot encode message")
		return
	}

	var failed []Connection
	sent := 0

	for addr, c := range h.clients {

		if addr == e.Addr {
			continue
		}

		if err := c.Send(frame); err != nil {
			h.log.WithFields(log.Fields{"addr": addr, "error": err.Error()}).Warn("send failed, dropping client")
			failed = append(failed, c)
			continue
		}

		sent++
	}

	for _, c := range failed {
		h.metrics.SendFailed()
		h.stats.dropped++
		if h.remove(c.RemoteAddr()) {
			if err := c.Close(); err != nil {
				h.log.WithFields(log.Fields{"addr": c.RemoteAddr(), "error": err.Error()}).Debug("close after failed send")
			}
		}
	}

	h.metrics.Sent(sent)
	h.metrics.Broadcast(time.Since(start))

	h.log.WithFields(log.Fields{"from": e.Addr, "author": e.Message.Author, "recipients": sent}).Trace("broadcast")

	h.record(e, len(frame), sent)
}

func (h *Hub) record(e Inbound, size, audience int) {

	dt := time.Since(h.stats.Last)
	if dt < 24*time.Hour {
		h.stats.Dt.Add(dt.Seconds())
	}
	h.stats.Last = time.Now()

	h.stats.Bytes.Add(float64(size))
	h.stats.Audience.Add(float64(audience))

	if !e.Received.IsZero() {
		h.stats.Latency.Add(time.Since(e.Received).Seconds())
	}
}

func (h *Hub) report() Report {

	clients := make([]string, 0, len(h.clients))
	for addr := range h.clients {
		clients = append(clients, addr)
	}
	sort.Strings(clients)

	r := Report{
		Started:  h.stats.Started.UTC().Format(time.RFC3339),
		Clients:  clients,
		Messages: h.stats.Bytes.Count(),
		Dropped:  h.stats.dropped,
		Audience: summarise(h.stats.Audience),
		Bytes:    summarise(h.stats.Bytes),
		Latency:  summarise(h.stats.Latency),
		Dt:       summarise(h.stats.Dt),
	}

	if !h.stats.Last.IsZero() {
		r.Last = h.stats.Last.UTC().Format(time.RFC3339)
	}

	return r
}

func (h *Hub) shutdown() {

	for addr, c := range h.clients {
		if err := c.Close(); err != nil {
			h.log.WithFields(log.Fields{"addr": addr, "error": err.Error()}).Debug("close on shutdown")
		}
		delete(h.clients, addr)
	}

	h.metrics.SetActive(0)
}

func summarise(s *welford.Stats) WelfordStats {
	return WelfordStats{
		Count:    s.Count(),
		Min:      s.Min(),
		Max:      s.Max(),
		Mean:     s.Mean(),
		Stddev:   s.Stddev(),
		Variance: s.Variance(),
	}
}
