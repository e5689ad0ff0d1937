package metrics

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthStatus tracks component liveness for the /healthz endpoint.
type HealthStatus struct {
	mu            sync.RWMutex
	start         time.Time
	feedState     string
	storeOK       bool
	watchlistOK   bool
	trackedCount  int
}

// NewHealthStatus creates a HealthStatus anchored at process start.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{start: time.Now(), feedState: "disconnected"}
}

// SetFeedState records the feed client's connection state.
func (h *HealthStatus) SetFeedState(s string) {
	h.mu.Lock()
	h.feedState = s
	h.mu.Unlock()
}

// SetStoreOK records candle store liveness.
func (h *HealthStatus) SetStoreOK(ok bool) {
	h.mu.Lock()
	h.storeOK = ok
	h.mu.Unlock()
}

// SetWatchlistOK records watchlist store liveness.
func (h *HealthStatus) SetWatchlistOK(ok bool) {
	h.mu.Lock()
	h.watchlistOK = ok
	h.mu.Unlock()
}

// SetTrackedSymbols records the number of live candle builders.
func (h *HealthStatus) SetTrackedSymbols(n int) {
	h.mu.Lock()
	h.trackedCount = n
	h.mu.Unlock()
}

func (h *HealthStatus) snapshot() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return map[string]interface{}{
		"uptime_seconds":  int(time.Since(h.start).Seconds()),
		"feed_state":      h.feedState,
		"store_ok":        h.storeOK,
		"watchlist_ok":    h.watchlistOK,
		"tracked_symbols": h.trackedCount,
	}
}

// Server serves /metrics and /healthz on its own listener, off the API port.
type Server struct {
	addr   string
	health *HealthStatus
	srv    *http.Server
}

// NewServer creates a metrics server bound to addr.
func NewServer(addr string, health *HealthStatus) *Server {
	return &Server{addr: addr, health: health}
}

// Start runs the metrics server in its own goroutine.
func (s *Server) Start() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(s.health.snapshot())
	})

	s.srv = &http.Server{Addr: s.addr, Handler: mux}
	go func() {
		log.Printf("[metrics] listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Close shuts the metrics listener down.
func (s *Server) Close() error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Close()
}
