package model

import (
	"regexp"
	"time"
)

// Bar is a minute-aligned OHLCV candle for a single symbol.
// Invariants: Low <= min(Open, Close), max(Open, Close) <= High,
// BucketStart is aligned to an exact UTC minute boundary.
type Bar struct {
	Symbol      string    `json:"symbol"`
	BucketStart time.Time `json:"bucket_start"` // UTC, minute-aligned
	Open        float64   `json:"open"`
	High        float64   `json:"high"`
	Low         float64   `json:"low"`
	Close       float64   `json:"close"`
	Volume      uint64    `json:"volume"`
	TradeCount  uint64    `json:"trade_count,omitempty"`
	VWAP        float64   `json:"vwap,omitempty"`
}

// Candle is the wire shape of a single bucket inside a candle frame,
// keyed by its RFC-3339 bucket start.
type Candle struct {
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume uint64  `json:"volume"`
}

// CandleFrame is one SSE payload for a symbol: either the full in-memory
// series (IsInitial) or the two most recently affected buckets.
type CandleFrame struct {
	Symbol          string            `json:"symbol"`
	Candles         map[string]Candle `json:"candles"`
	IsInitial       bool              `json:"is_initial"`
	UpdateTimestamp string            `json:"update_timestamp"`
}

// NewsFrame is one SSE payload on the news stream.
type NewsFrame struct {
	ID       string   `json:"id"`
	Time     string   `json:"time"`
	Headline string   `json:"headline"`
	Summary  string   `json:"summary"`
	Tickers  []string `json:"tickers"`
	Source   string   `json:"source"`
	URL      string   `json:"url"`
}

// Wire converts a Bar to its frame shape.
func (b Bar) Wire() Candle {
	return Candle{Open: b.Open, High: b.High, Low: b.Low, Close: b.Close, Volume: b.Volume}
}

// BucketKey formats a bucket start the way frames key candles.
func BucketKey(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// MinuteStart floors a timestamp to its UTC minute bucket.
func MinuteStart(t time.Time) time.Time {
	return t.UTC().Truncate(time.Minute)
}

var symbolRe = regexp.MustCompile(`^[A-Z0-9.-]{1,10}$`)

// ValidSymbol reports whether s is a well-formed (already upper-cased) symbol.
func ValidSymbol(s string) bool {
	return symbolRe.MatchString(s)
}
