package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stockstream/internal/agg"
	"stockstream/internal/auth"
	"stockstream/internal/metrics"
	"stockstream/internal/model"
	"stockstream/internal/sse"
	"stockstream/internal/subs"
)

// fakeVerifier accepts tokens of the form "user:<id>".
type fakeVerifier struct{}

func (fakeVerifier) Verify(token string) (auth.Claims, error) {
	if !strings.HasPrefix(token, "user:") {
		return auth.Claims{}, auth.ErrUnauthorized
	}
	return auth.Claims{UserID: strings.TrimPrefix(token, "user:"), Expiry: time.Now().Add(time.Hour)}, nil
}

type fakeSubs struct {
	mu        sync.Mutex
	permanent map[string]map[string]bool // user -> symbol
	live      map[string]int
	attaches  int
	detaches  int
	failWith  error
}

func newFakeSubs() *fakeSubs {
	return &fakeSubs{permanent: make(map[string]map[string]bool), live: make(map[string]int)}
}

func (f *fakeSubs) AddPermanent(_ context.Context, userID, symbol string) (bool, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return false, 0, f.failWith
	}
	if f.permanent[userID] == nil {
		f.permanent[userID] = make(map[string]bool)
	}
	if f.permanent[userID][symbol] {
		return false, f.count(symbol), nil
	}
	f.permanent[userID][symbol] = true
	return true, f.count(symbol), nil
}

func (f *fakeSubs) count(symbol string) int {
	n := 0
	for _, symbols := range f.permanent {
		if symbols[symbol] {
			n++
		}
	}
	return n
}

func (f *fakeSubs) RemovePermanent(_ context.Context, userID, symbol string) (bool, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.permanent[userID][symbol] {
		return false, f.count(symbol), nil
	}
	delete(f.permanent[userID], symbol)
	return true, f.count(symbol), nil
}

func (f *fakeSubs) ListPermanent(_ context.Context, userID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for s := range f.permanent[userID] {
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeSubs) AttachLive(_ context.Context, _, symbol string) (*subs.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	f.live[symbol]++
	f.attaches++
	return &subs.Session{ID: fmt.Sprintf("s-%d", f.attaches), Symbol: symbol}, nil
}

func (f *fakeSubs) AttachLiveKeyed(ctx context.Context, userID, symbol string) (*subs.Session, bool, error) {
	s, err := f.AttachLive(ctx, userID, symbol)
	return s, true, err
}

func (f *fakeSubs) DetachLive(symbol string, _ *subs.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.live[symbol]--
	f.detaches++
}

type fakeSeries struct {
	mu       sync.Mutex
	builders map[string]*agg.Builder
}

func newFakeSeries() *fakeSeries { return &fakeSeries{builders: make(map[string]*agg.Builder)} }

func (f *fakeSeries) Handler(symbol string) (*agg.Builder, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.builders[symbol]
	return b, ok
}

func (f *fakeSeries) Symbols() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for s := range f.builders {
		out = append(out, s)
	}
	return out
}

func (f *fakeSeries) QueueLen() int { return 0 }

type fakeHistory struct {
	bars []model.Bar
}

func (f *fakeHistory) ReadRange(_ context.Context, symbol string, from, to time.Time) ([]model.Bar, error) {
	var out []model.Bar
	for _, b := range f.bars {
		if b.Symbol == symbol && !b.BucketStart.Before(from) && !b.BucketStart.After(to) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fakeHistory) RecentCandles(_ context.Context, symbol string, limit int) ([]model.Bar, error) {
	var out []model.Bar
	for _, b := range f.bars {
		if b.Symbol == symbol {
			out = append(out, b)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (f *fakeHistory) CandleCount(_ context.Context, symbol string) (int64, error) {
	n := int64(0)
	for _, b := range f.bars {
		if b.Symbol == symbol {
			n++
		}
	}
	return n, nil
}

func (f *fakeHistory) Stats(context.Context) (map[string]int64, int64, error) {
	out := make(map[string]int64)
	for _, b := range f.bars {
		out[b.Symbol]++
	}
	return out, 0, nil
}

type fixture struct {
	srv     *Server
	subs    *fakeSubs
	series  *fakeSeries
	history *fakeHistory
	hub     *sse.Hub
	newsHub *sse.NewsHub
	http    *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		subs:    newFakeSubs(),
		series:  newFakeSeries(),
		history: &fakeHistory{},
		hub:     sse.NewHub(10, metrics.Nop()),
		newsHub: sse.NewNewsHub(10, metrics.Nop()),
	}
	f.srv = New(fakeVerifier{}, f.subs, f.series, f.history, f.hub, f.newsHub, metrics.Nop())
	f.http = httptest.NewServer(f.srv.Routes())
	t.Cleanup(f.http.Close)
	return f
}

func (f *fixture) get(t *testing.T, path, token string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, f.http.URL+path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&body)
	return resp, body
}

func TestHealth_NoAuthRequired(t *testing.T) {
	f := newFixture(t)
	resp, body := f.get(t, "/health", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "healthy", body["status"])
}

func TestSubscribe(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.get(t, "/api/subscribe/AAPL", "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := f.get(t, "/api/subscribe/AAPL", "user:u1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "subscribed", body["status"])
	require.Equal(t, "AAPL", body["symbol"])
	require.EqualValues(t, 1, body["subscriber_count"])

	resp, body = f.get(t, "/api/subscribe/AAPL", "user:u1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "already", body["status"])

	// Lower-case path segments are folded to upper before validation.
	resp, body = f.get(t, "/api/subscribe/msft", "user:u1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "MSFT", body["symbol"])

	resp, _ = f.get(t, "/api/subscribe/TOOLONGSYMBOL", "user:u1")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubscribe_TooManySymbols(t *testing.T) {
	f := newFixture(t)
	f.subs.failWith = model.ErrTooManySymbols
	resp, _ := f.get(t, "/api/subscribe/AAPL", "user:u1")
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestSubscribe_ManagerRejectsSymbol(t *testing.T) {
	f := newFixture(t)
	f.subs.failWith = model.ErrBadSymbol
	resp, _ := f.get(t, "/api/subscribe/AAPL", "user:u1")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// Query-string tokens authenticate only the SSE streaming routes; every
// JSON endpoint takes the Authorization header alone.
func TestQueryTokenRejectedOnJSONEndpoints(t *testing.T) {
	f := newFixture(t)

	for _, path := range []string{
		"/api/subscribe/AAPL?token=user:u1",
		"/api/subscriptions?token=user:u1",
		"/api/snapshot/AAPL?token=user:u1",
		"/ws_manager/AAPL?token=user:u1",
		"/api/tradingview/history?symbol=AAPL&from_ts=0&to_ts=1&token=user:u1",
		"/aggregator/status?token=user:u1",
		"/database/stats?token=user:u1",
		"/database/export/AAPL?token=user:u1",
	} {
		resp, _ := f.get(t, path, "")
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode, "path %s", path)
	}
	require.Zero(t, f.subs.attaches)
	require.Empty(t, f.subs.permanent)
}

func TestUnsubscribe(t *testing.T) {
	f := newFixture(t)

	req, _ := http.NewRequest(http.MethodDelete, f.http.URL+"/api/subscribe/AAPL", nil)
	req.Header.Set("Authorization", "Bearer user:u1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	var body map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "not_subscribed", body["status"])

	f.get(t, "/api/subscribe/AAPL", "user:u1")
	req, _ = http.NewRequest(http.MethodDelete, f.http.URL+"/api/subscribe/AAPL", nil)
	req.Header.Set("Authorization", "Bearer user:u1")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()
	require.Equal(t, "unsubscribed", body["status"])
	require.EqualValues(t, 0, body["remaining_subscribers"])
}

func TestListSubscriptions(t *testing.T) {
	f := newFixture(t)
	f.get(t, "/api/subscribe/AAPL", "user:u1")
	f.get(t, "/api/subscribe/MSFT", "user:u1")

	resp, body := f.get(t, "/api/subscriptions", "user:u1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 2, body["count"])
	require.Len(t, body["symbols"], 2)
}

func TestSnapshot(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.get(t, "/api/snapshot/AAPL", "user:u1")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	b := agg.NewBuilder("AAPL")
	b.ProcessTrade(150, 10, time.Now().UTC().Add(-time.Minute), time.Now().UTC())
	f.series.builders["AAPL"] = b

	resp, body := f.get(t, "/api/snapshot/AAPL", "user:u1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "AAPL", body["symbol"])
	require.Equal(t, true, body["is_initial"])
	require.Len(t, body["candles"], 1)
}

func TestTradingViewHistory(t *testing.T) {
	f := newFixture(t)
	t0 := time.Date(2025, 10, 11, 14, 30, 0, 0, time.UTC)
	f.history.bars = []model.Bar{
		{Symbol: "AAPL", BucketStart: t0, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10},
		{Symbol: "AAPL", BucketStart: t0.Add(time.Minute), Open: 1.5, High: 3, Low: 1, Close: 2, Volume: 20},
	}

	path := fmt.Sprintf("/api/tradingview/history?symbol=AAPL&from_ts=%d&to_ts=%d&resolution=1",
		t0.Unix(), t0.Add(time.Hour).Unix())
	resp, body := f.get(t, path, "user:u1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", body["s"])
	require.Len(t, body["t"], 2)
	require.Len(t, body["o"], 2)
	require.EqualValues(t, t0.Unix(), body["t"].([]interface{})[0])

	// Empty window → UDF no_data with 200.
	path = fmt.Sprintf("/api/tradingview/history?symbol=TSLA&from_ts=%d&to_ts=%d", t0.Unix(), t0.Add(time.Hour).Unix())
	resp, body = f.get(t, path, "user:u1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "no_data", body["s"])

	// Unknown resolution → 400.
	path = fmt.Sprintf("/api/tradingview/history?symbol=AAPL&from_ts=%d&to_ts=%d&resolution=5", t0.Unix(), t0.Add(time.Hour).Unix())
	resp, _ = f.get(t, path, "user:u1")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.get(t, "/api/tradingview/history?symbol=AAPL&from_ts=x&to_ts=y", "user:u1")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// An unauthorized stream returns 401 and registers nothing.
func TestStream_Unauthorized(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.get(t, "/stream/AAPL", "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Zero(t, f.hub.Connections("AAPL"))
	require.Zero(t, f.subs.attaches)
}

func TestStream_DeliversInitialThenDelta(t *testing.T) {
	f := newFixture(t)
	b := agg.NewBuilder("AAPL")
	b.ProcessTrade(150, 10, time.Now().UTC().Add(-2*time.Minute), time.Now().UTC())
	f.series.builders["AAPL"] = b

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, f.http.URL+"/stream/AAPL?token=user:u1", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	readFrame := func() model.CandleFrame {
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			if strings.HasPrefix(line, "data: ") {
				var frame model.CandleFrame
				require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &frame))
				return frame
			}
		}
	}

	initial := readFrame()
	require.True(t, initial.IsInitial)
	require.Equal(t, "AAPL", initial.Symbol)
	require.Len(t, initial.Candles, 1)

	// An aggregator update arrives as a delta.
	f.hub.OnUpdate("AAPL", b.LastTwo(), false)
	delta := readFrame()
	require.False(t, delta.IsInitial)

	// Disconnect releases the live session.
	cancel()
	require.Eventually(t, func() bool {
		f.subs.mu.Lock()
		defer f.subs.mu.Unlock()
		return f.subs.detaches == 1
	}, 2*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool { return f.hub.Connections("AAPL") == 0 },
		2*time.Second, 20*time.Millisecond)
}

func TestStream_RejectedWhenShuttingDown(t *testing.T) {
	f := newFixture(t)
	f.srv.StopAccepting()
	resp, _ := f.get(t, "/stream/AAPL?token=user:u1", "")
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestNewsStream_DeliversItems(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, f.http.URL+"/news/stream?token=user:u1", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Headers are flushed after the queue is registered, so a broadcast
	// issued now is delivered.
	f.newsHub.Broadcast(model.NewsItem{ID: "n-1", Headline: "hello", PublishedAt: time.Now().UTC()})

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, line, "hello")
}

func TestLiveAttach(t *testing.T) {
	f := newFixture(t)
	resp, body := f.get(t, "/ws_manager/AAPL", "user:u1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "subscribed", body["status"])
	require.Equal(t, "AAPL", body["symbol"])
}

func TestExport(t *testing.T) {
	f := newFixture(t)
	t0 := time.Date(2025, 10, 11, 14, 30, 0, 0, time.UTC)
	f.history.bars = []model.Bar{
		{Symbol: "AAPL", BucketStart: t0, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10},
		{Symbol: "AAPL", BucketStart: t0.Add(time.Minute), Open: 1.5, High: 3, Low: 1, Close: 2, Volume: 20},
	}

	resp, body := f.get(t, "/database/export/AAPL?limit=1", "user:u1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 1, body["count"])
	require.Len(t, body["candles"], 1)

	resp, _ = f.get(t, "/database/export/AAPL?limit=0", "user:u1")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAggregatorStatus(t *testing.T) {
	f := newFixture(t)
	f.series.builders["AAPL"] = agg.NewBuilder("AAPL")

	resp, body := f.get(t, "/aggregator/status", "user:u1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "running", body["status"])
	require.Len(t, body["symbols_tracked"], 1)
}
