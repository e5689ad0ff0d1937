package api

import (
	"fmt"
	"log"
	"net/http"

	"stockstream/internal/sse"
)

// handleStream serves the per-symbol candle SSE stream: authenticate,
// attach live interest, seed the initial snapshot, then pump deltas until
// either peer goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireStreamUser(w, r)
	if !ok {
		return
	}
	symbol, ok := pathSymbol(w, r)
	if !ok {
		return
	}
	if !s.accepting.Load() {
		writeError(w, http.StatusServiceUnavailable, "shutting down", "no new streams accepted")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported", "response writer cannot flush")
		return
	}

	session, err := s.subs.AttachLive(r.Context(), userID, symbol)
	if err != nil {
		subscribeError(w, err)
		return
	}

	queue := s.hub.Register(symbol, userID)
	defer func() {
		s.hub.Unregister(symbol, userID, queue)
		s.subs.DetachLive(symbol, session)
	}()

	// AttachLive guarantees the builder exists; seed the full series so the
	// client does not wait for the next aggregator event. An empty series
	// still yields an initial frame.
	if builder, ok := s.series.Handler(symbol); ok {
		s.hub.Seed(queue, symbol, builder.Snapshot())
	}

	writeSSEHeaders(w)
	flusher.Flush()

	pump(w, flusher, r, queue)
	log.Printf("[api] stream closed for user %s on %s", userID, symbol)
}

// handleNewsStream serves the news SSE broadcast.
func (s *Server) handleNewsStream(w http.ResponseWriter, r *http.Request) {
	_, ok := s.requireStreamUser(w, r)
	if !ok {
		return
	}
	if !s.accepting.Load() {
		writeError(w, http.StatusServiceUnavailable, "shutting down", "no new streams accepted")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported", "response writer cannot flush")
		return
	}

	queue := s.newsHub.Register()
	defer s.newsHub.Unregister(queue)

	writeSSEHeaders(w)
	flusher.Flush()

	pump(w, flusher, r, queue)
}

func writeSSEHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
}

// pump is the per-connection sender loop. Client disconnect cancels it via
// the request context within one queue poll.
func pump(w http.ResponseWriter, flusher http.Flusher, r *http.Request, q *sse.Queue) {
	for {
		it, ok := q.Next(r.Context())
		if !ok {
			return
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", it.Data); err != nil {
			return
		}
		flusher.Flush()
	}
}
