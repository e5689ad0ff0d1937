package model

import "time"

// Trade represents a single trade tick from the upstream market-data feed.
// Trades are append-only; the aggregator folds them into minute candles.
type Trade struct {
	Symbol     string    `json:"symbol"`
	Price      float64   `json:"price"`
	Size       uint64    `json:"size"`
	EventTime  time.Time `json:"event_time"` // UTC
	Conditions []string  `json:"conditions,omitempty"`
	Exchange   string    `json:"exchange,omitempty"`
	Tape       string    `json:"tape,omitempty"`
}

// Quote is a top-of-book update. Parsed and counted but not aggregated;
// the candle pipeline is trade-driven.
type Quote struct {
	Symbol    string    `json:"symbol"`
	BidPrice  float64   `json:"bid_price"`
	BidSize   uint64    `json:"bid_size"`
	AskPrice  float64   `json:"ask_price"`
	AskSize   uint64    `json:"ask_size"`
	EventTime time.Time `json:"event_time"`
}

// NewsItem is a single news article from the upstream news channel.
// Immutable after creation except for the sentiment fields, which are
// filled exactly once by the sentiment bridge.
type NewsItem struct {
	ID             string    `json:"id"`
	Symbols        []string  `json:"symbols"`
	Headline       string    `json:"headline"`
	Summary        string    `json:"summary"`
	Source         string    `json:"source"`
	URL            string    `json:"url"`
	PublishedAt    time.Time `json:"published_at"`
	SentimentScore *float64  `json:"sentiment_score,omitempty"`
	SentimentLabel string    `json:"sentiment_label,omitempty"`
}
