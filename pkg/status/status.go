// Package status serves health, metrics and hub statistics over http
package status

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/practable/chat/pkg/hub"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"
	log "github.com/sirupsen/logrus"
)

// Reporter is satisfied by *hub.Hub
type Reporter interface {
	Snapshot(ctx context.Context) (hub.Report, error)
}

// Stats is the body of GET /api/v1/stats
type Stats struct {
	Hub     hub.Report `json:"hub"`
	Process Process    `json:"process"`
}

// Process represents resource use of the server process
type Process struct {
	RSS        uint64  `json:"rss"`
	CPUPercent float64 `json:"cpu_percent"`
	Goroutines int     `json:"goroutines"`
}

type server struct {
	hub  Reporter
	proc *process.Process
	log  *log.Entry
}

// NewRouter returns the status routes. gatherer may be nil, in which case
// /metrics serves the default prometheus registry.
func NewRouter(r Reporter, gatherer prometheus.Gatherer, logger *log.Entry) *mux.Router {

	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}

	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &server{
		hub: r,
		log: logger.WithField("component", "status"),
	}

	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		s.log.WithField("error", err.Error()).Warn("process stats unavailable")
	} else {
		s.proc = p
	}

	router := mux.NewRouter()

	router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods("GET")
	router.HandleFunc("/api/v1/stats", s.handleStats).Methods("GET")

	return router
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("ok"))
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	report, err := s.hub.Snapshot(ctx)

	if err != nil {
		s.log.WithField("error", err.Error()).Warn("no snapshot from hub")
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	stats := Stats{
		Hub:     report,
		Process: s.process(),
	}

	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(stats); err != nil {
		s.log.WithField("error", err.Error()).Debug("cannot write stats")
	}
}

func (s *server) process() Process {

	p := Process{Goroutines: runtime.NumGoroutine()}

	if s.proc == nil {
		return p
	}

	if mem, err := s.proc.MemoryInfo(); err == nil {
		p.RSS = mem.RSS
	}

	if cpu, err := s.proc.CPUPercent(); err == nil {
		p.CPUPercent = cpu
	}

	return p
}
