// Package api exposes the inbound HTTP surface: watchlist management, live
// attach, snapshots, TradingView history and the SSE streaming endpoints.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"stockstream/internal/agg"
	"stockstream/internal/auth"
	"stockstream/internal/metrics"
	"stockstream/internal/model"
	"stockstream/internal/sse"
	"stockstream/internal/subs"
)

// TokenVerifier validates bearer tokens.
type TokenVerifier interface {
	Verify(token string) (auth.Claims, error)
}

// Subscriptions is the subset of the subscription manager the API uses.
type Subscriptions interface {
	AddPermanent(ctx context.Context, userID, symbol string) (bool, int, error)
	RemovePermanent(ctx context.Context, userID, symbol string) (bool, int, error)
	ListPermanent(ctx context.Context, userID string) ([]string, error)
	AttachLive(ctx context.Context, userID, symbol string) (*subs.Session, error)
	AttachLiveKeyed(ctx context.Context, userID, symbol string) (*subs.Session, bool, error)
	DetachLive(symbol string, s *subs.Session)
}

// SeriesSource is the aggregator surface the API reads.
type SeriesSource interface {
	Handler(symbol string) (*agg.Builder, bool)
	Symbols() []string
	QueueLen() int
}

// HistorySource serves persisted candles for the history endpoints.
type HistorySource interface {
	ReadRange(ctx context.Context, symbol string, from, to time.Time) ([]model.Bar, error)
	RecentCandles(ctx context.Context, symbol string, limit int) ([]model.Bar, error)
	CandleCount(ctx context.Context, symbol string) (int64, error)
	Stats(ctx context.Context) (map[string]int64, int64, error)
}

// Server holds the handler dependencies.
type Server struct {
	verifier TokenVerifier
	subs     Subscriptions
	series   SeriesSource
	history  HistorySource
	hub      *sse.Hub
	newsHub  *sse.NewsHub
	met      *metrics.Metrics

	// accepting gates new streaming connections during shutdown.
	accepting atomic.Bool
}

// New creates the API server.
func New(verifier TokenVerifier, subscriptions Subscriptions, series SeriesSource,
	history HistorySource, hub *sse.Hub, newsHub *sse.NewsHub, met *metrics.Metrics) *Server {
	s := &Server{
		verifier: verifier,
		subs:     subscriptions,
		series:   series,
		history:  history,
		hub:      hub,
		newsHub:  newsHub,
		met:      met,
	}
	s.accepting.Store(true)
	return s
}

// StopAccepting refuses new streaming connections; existing senders drain.
func (s *Server) StopAccepting() {
	s.accepting.Store(false)
}

// Routes builds the full route table.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /api/subscribe/{symbol}", s.handleSubscribe)
	mux.HandleFunc("DELETE /api/subscribe/{symbol}", s.handleUnsubscribe)
	mux.HandleFunc("GET /api/subscriptions", s.handleListSubscriptions)
	mux.HandleFunc("GET /ws_manager/{symbol}", s.handleLiveAttach)

	mux.HandleFunc("GET /api/snapshot/{symbol}", s.handleSnapshot)
	mux.HandleFunc("GET /stream/{symbol}", s.handleStream)
	mux.HandleFunc("GET /news/stream", s.handleNewsStream)

	mux.HandleFunc("GET /api/tradingview/config", s.handleTVConfig)
	mux.HandleFunc("GET /api/tradingview/symbol_info", s.handleTVSymbolInfo)
	mux.HandleFunc("GET /api/tradingview/history", s.handleTVHistory)

	mux.HandleFunc("GET /aggregator/status", s.handleAggStatus)
	mux.HandleFunc("GET /aggregator/symbols", s.handleAggSymbols)
	mux.HandleFunc("GET /database/stats", s.handleDBStats)
	mux.HandleFunc("GET /database/candle_count/{symbol}", s.handleCandleCount)
	mux.HandleFunc("GET /database/export/{symbol}", s.handleExport)

	return withCORS(mux)
}

// withCORS sets permissive CORS headers and answers preflights.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireUser authenticates a JSON request from its Authorization header
// only. On failure it writes the 401 and reports !ok.
func (s *Server) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	return s.verifyToken(w, auth.TokenFromRequest(r))
}

// requireStreamUser authenticates a streaming request, additionally
// accepting the token query parameter the EventSource API forces on
// browser clients.
func (s *Server) requireStreamUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	return s.verifyToken(w, auth.TokenFromStreamingRequest(r))
}

func (s *Server) verifyToken(w http.ResponseWriter, token string) (string, bool) {
	claims, err := s.verifier.Verify(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid authentication token")
		return "", false
	}
	return claims.UserID, true
}

// pathSymbol extracts and validates the {symbol} path segment.
func pathSymbol(w http.ResponseWriter, r *http.Request) (string, bool) {
	symbol := strings.ToUpper(r.PathValue("symbol"))
	if !model.ValidSymbol(symbol) {
		writeError(w, http.StatusBadRequest, "invalid symbol", "symbol must match [A-Z0-9.-]{1,10}")
		return "", false
	}
	return symbol, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg, detail string) {
	writeJSON(w, status, map[string]string{"error": msg, "detail": detail})
}

// subscribeError maps subscription-manager failures to HTTP statuses.
func subscribeError(w http.ResponseWriter, err error) {
	switch {
	case err == model.ErrTooManySymbols:
		writeError(w, http.StatusTooManyRequests, "too many symbols", "concurrent symbol limit reached")
	case err == model.ErrBadSymbol:
		writeError(w, http.StatusBadRequest, "invalid symbol", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "subscription failed", err.Error())
	}
}
