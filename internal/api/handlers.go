package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"stockstream/internal/model"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "stockd",
	})
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	symbol, ok := pathSymbol(w, r)
	if !ok {
		return
	}

	start := time.Now()
	newly, count, err := s.subs.AddPermanent(r.Context(), userID, symbol)
	if err != nil {
		subscribeError(w, err)
		return
	}
	s.met.SubscribeLatency.Observe(time.Since(start).Seconds())

	status := "subscribed"
	if !newly {
		status = "already"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           status,
		"symbol":           symbol,
		"subscriber_count": count,
	})
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	symbol, ok := pathSymbol(w, r)
	if !ok {
		return
	}

	wasActive, remaining, err := s.subs.RemovePermanent(r.Context(), userID, symbol)
	if err != nil {
		subscribeError(w, err)
		return
	}

	status := "unsubscribed"
	if !wasActive {
		status = "not_subscribed"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":                status,
		"symbol":                symbol,
		"remaining_subscribers": remaining,
	})
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	symbols, err := s.subs.ListPermanent(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list failed", err.Error())
		return
	}
	if symbols == nil {
		symbols = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbols": symbols,
		"count":   len(symbols),
	})
}

func (s *Server) handleLiveAttach(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	symbol, ok := pathSymbol(w, r)
	if !ok {
		return
	}

	_, created, err := s.subs.AttachLiveKeyed(r.Context(), userID, symbol)
	if err != nil {
		subscribeError(w, err)
		return
	}

	msg := "Subscribed to symbol successfully"
	if !created {
		msg = "Already subscribed"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "subscribed",
		"symbol":  symbol,
		"message": msg,
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	_, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	symbol, ok := pathSymbol(w, r)
	if !ok {
		return
	}

	builder, ok := s.series.Handler(symbol)
	if !ok {
		writeError(w, http.StatusNotFound, "symbol not subscribed", fmt.Sprintf("no live series for %s", symbol))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol":           symbol,
		"candles":          builder.Snapshot(),
		"update_timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"is_initial":       true,
	})
}

// ── TradingView UDF endpoints ──

func (s *Server) handleTVConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"supported_resolutions": []string{"1"},
		"supports_search":       false,
		"supports_group_request": false,
		"supports_marks":        false,
		"supports_time":         true,
	})
}

func (s *Server) handleTVSymbolInfo(w http.ResponseWriter, r *http.Request) {
	sym := r.URL.Query().Get("symbol")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":                 sym,
		"ticker":               sym,
		"type":                 "stock",
		"session":              "0930-1600",
		"timezone":             "America/New_York",
		"minmov":               1,
		"pricescale":           100,
		"has_intraday":         true,
		"supported_resolutions": []string{"1"},
	})
}

func (s *Server) handleTVHistory(w http.ResponseWriter, r *http.Request) {
	_, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	sym := strings.ToUpper(q.Get("symbol"))
	if sym == "" || !model.ValidSymbol(sym) {
		writeError(w, http.StatusBadRequest, "invalid symbol", "symbol query parameter required")
		return
	}
	fromTS, err1 := strconv.ParseInt(q.Get("from_ts"), 10, 64)
	toTS, err2 := strconv.ParseInt(q.Get("to_ts"), 10, 64)
	if err1 != nil || err2 != nil || toTS < fromTS {
		writeError(w, http.StatusBadRequest, "invalid range", "from_ts and to_ts must be unix seconds")
		return
	}
	if res := q.Get("resolution"); res != "" && res != "1" {
		writeError(w, http.StatusBadRequest, "unknown timeframe", "only 1-minute resolution is available")
		return
	}

	bars, err := s.history.ReadRange(r.Context(), sym,
		time.Unix(fromTS, 0).UTC(), time.Unix(toTS, 0).UTC())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "history read failed", err.Error())
		return
	}
	if len(bars) == 0 {
		// UDF convention: an empty window is a 200, not a 404.
		writeJSON(w, http.StatusOK, map[string]interface{}{"s": "no_data", "nextTime": nil})
		return
	}

	n := len(bars)
	out := struct {
		S string    `json:"s"`
		T []int64   `json:"t"`
		O []float64 `json:"o"`
		H []float64 `json:"h"`
		L []float64 `json:"l"`
		C []float64 `json:"c"`
		V []uint64  `json:"v"`
	}{S: "ok", T: make([]int64, n), O: make([]float64, n), H: make([]float64, n),
		L: make([]float64, n), C: make([]float64, n), V: make([]uint64, n)}
	for i, b := range bars {
		out.T[i] = b.BucketStart.Unix()
		out.O[i] = b.Open
		out.H[i] = b.High
		out.L[i] = b.Low
		out.C[i] = b.Close
		out.V[i] = b.Volume
	}
	writeJSON(w, http.StatusOK, out)
}

// ── Operational endpoints ──

func (s *Server) handleAggStatus(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireUser(w, r); !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "running",
		"symbols_tracked": s.series.Symbols(),
		"queue_size":      s.series.QueueLen(),
	})
}

func (s *Server) handleAggSymbols(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireUser(w, r); !ok {
		return
	}
	symbols := s.series.Symbols()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbols": symbols,
		"count":   len(symbols),
	})
}

func (s *Server) handleDBStats(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireUser(w, r); !ok {
		return
	}
	perSymbol, newsCount, err := s.history.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "stats failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"candles":    perSymbol,
		"news_count": newsCount,
	})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireUser(w, r); !ok {
		return
	}
	symbol, ok := pathSymbol(w, r)
	if !ok {
		return
	}
	limit := 1440
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 10000 {
			writeError(w, http.StatusBadRequest, "invalid limit", "limit must be in 1..10000")
			return
		}
		limit = n
	}

	bars, err := s.history.RecentCandles(r.Context(), symbol, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "export failed", err.Error())
		return
	}
	candles := make(map[string]model.Candle, len(bars))
	for _, b := range bars {
		candles[model.BucketKey(b.BucketStart)] = b.Wire()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol":  symbol,
		"count":   len(bars),
		"candles": candles,
	})
}

func (s *Server) handleCandleCount(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireUser(w, r); !ok {
		return
	}
	symbol, ok := pathSymbol(w, r)
	if !ok {
		return
	}
	n, err := s.history.CandleCount(r.Context(), symbol)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "count failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol": symbol,
		"count":  n,
	})
}
