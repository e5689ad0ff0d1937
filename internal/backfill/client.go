// Package backfill fetches historical minute bars from the provider's REST
// API to seed a builder before live ticks arrive.
package backfill

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"stockstream/internal/model"
)

const (
	maxAttempts = 3
	retryBase   = 500 * time.Millisecond
	maxBars     = 1440
)

// Client is a REST client for the provider's bars endpoint.
type Client struct {
	baseURL string
	key     string
	secret  string
	http    *http.Client
}

// New creates a backfill client against baseURL.
func New(baseURL, key, secret string) *Client {
	return &Client{
		baseURL: baseURL,
		key:     key,
		secret:  secret,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// rawBar is one bar in the provider's row-oriented response.
type rawBar struct {
	T  string  `json:"t"`
	O  float64 `json:"o"`
	H  float64 `json:"h"`
	L  float64 `json:"l"`
	C  float64 `json:"c"`
	V  uint64  `json:"v"`
	N  uint64  `json:"n"`
	VW float64 `json:"vw"`
}

// barsResponse covers both response layouts the provider emits: row-oriented
// ("bars": [...]) and column-oriented (parallel t/o/h/l/c/v arrays).
type barsResponse struct {
	Bars          []rawBar `json:"bars"`
	NextPageToken string   `json:"next_page_token"`

	// Column-oriented layout
	Ts []int64   `json:"t"`
	Os []float64 `json:"o"`
	Hs []float64 `json:"h"`
	Ls []float64 `json:"l"`
	Cs []float64 `json:"c"`
	Vs []uint64  `json:"v"`
}

// FetchBars returns minute bars for [from, to], minute-aligned, at most 1440.
// 5xx responses are retried with exponential backoff; 4xx fails the call.
func (c *Client) FetchBars(ctx context.Context, symbol string, from, to time.Time) ([]model.Bar, error) {
	var out []model.Bar
	pageToken := ""

	for {
		resp, err := c.fetchPage(ctx, symbol, from, to, pageToken)
		if err != nil {
			return nil, err
		}

		page := normalize(resp, symbol, from, to)
		out = append(out, page...)
		if len(out) >= maxBars {
			out = out[:maxBars]
			return out, nil
		}
		if resp.NextPageToken == "" {
			return out, nil
		}
		pageToken = resp.NextPageToken
	}
}

// fetchPage performs one GET with retry on transient failures.
func (c *Client) fetchPage(ctx context.Context, symbol string, from, to time.Time, pageToken string) (*barsResponse, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("timeframe", "1Min")
	q.Set("start", from.UTC().Format(time.RFC3339))
	q.Set("end", to.UTC().Format(time.RFC3339))
	q.Set("limit", strconv.Itoa(maxBars))
	if pageToken != "" {
		q.Set("page_token", pageToken)
	}
	endpoint := c.baseURL + "/bars?" + q.Encode()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("backfill: build request: %w", err)
		}
		req.Header.Set("APCA-API-KEY-ID", c.key)
		req.Header.Set("APCA-API-SECRET-KEY", c.secret)

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
		} else {
			body, readErr := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
			resp.Body.Close()
			switch {
			case readErr != nil:
				lastErr = readErr
			case resp.StatusCode >= 500:
				lastErr = fmt.Errorf("backfill: %s: status %d", symbol, resp.StatusCode)
			case resp.StatusCode >= 400:
				// Client error is fatal for this call; no retry.
				return nil, fmt.Errorf("backfill: %s: status %d: %s", symbol, resp.StatusCode, truncate(body, 200))
			default:
				var parsed barsResponse
				if err := json.Unmarshal(body, &parsed); err != nil {
					return nil, fmt.Errorf("backfill: %s: decode response: %w", symbol, err)
				}
				return &parsed, nil
			}
		}

		if attempt < maxAttempts {
			delay := retryBase << (attempt - 1)
			log.Printf("[backfill] %s attempt %d/%d failed: %v (retrying in %v)",
				symbol, attempt, maxAttempts, lastErr, delay)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return nil, fmt.Errorf("backfill: %s: giving up after %d attempts: %w", symbol, maxAttempts, lastErr)
}

// normalize converts either response layout into minute-aligned bars inside
// the requested window.
func normalize(resp *barsResponse, symbol string, from, to time.Time) []model.Bar {
	var out []model.Bar

	appendBar := func(ts time.Time, o, h, l, c float64, v, n uint64, vw float64) {
		bucket := model.MinuteStart(ts)
		if bucket.Before(model.MinuteStart(from)) || bucket.After(to) {
			return
		}
		out = append(out, model.Bar{
			Symbol:      symbol,
			BucketStart: bucket,
			Open:        o,
			High:        h,
			Low:         l,
			Close:       c,
			Volume:      v,
			TradeCount:  n,
			VWAP:        vw,
		})
	}

	if len(resp.Bars) > 0 {
		for _, rb := range resp.Bars {
			ts, err := time.Parse(time.RFC3339, rb.T)
			if err != nil {
				continue
			}
			appendBar(ts, rb.O, rb.H, rb.L, rb.C, rb.V, rb.N, rb.VW)
		}
		return out
	}

	// Column-oriented layout: parallel arrays keyed by unix seconds.
	n := len(resp.Ts)
	if len(resp.Os) != n || len(resp.Hs) != n || len(resp.Ls) != n || len(resp.Cs) != n || len(resp.Vs) != n {
		return out
	}
	for i := 0; i < n; i++ {
		appendBar(time.Unix(resp.Ts[i], 0).UTC(), resp.Os[i], resp.Hs[i], resp.Ls[i], resp.Cs[i], resp.Vs[i], 0, 0)
	}
	return out
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
