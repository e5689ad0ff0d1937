package model

import (
	"context"
	"errors"
	"time"
)

// ── Port Interfaces ──
// These interfaces decouple the subscription manager and fan-out from the
// concrete feed, aggregator and storage implementations. Each component
// depends only on the capabilities it uses.

// Channel identifies an upstream subscription channel.
type Channel string

const (
	ChannelTrades Channel = "trades"
	ChannelQuotes Channel = "quotes"
	ChannelBars   Channel = "bars"
	ChannelNews   Channel = "news"
)

// UpstreamControl is the subscribe/unsubscribe surface of the feed client.
// Calls are asynchronous: the client batches deltas and flushes them in one
// control frame per channel.
type UpstreamControl interface {
	Subscribe(symbol string, ch Channel) error
	Unsubscribe(symbol string, ch Channel) error
}

// HandlerFactory makes a symbol live in the aggregator. EnsureHandler is
// idempotent: the first call creates the builder, runs the historical
// backfill and emits the initial snapshot; later calls return immediately.
type HandlerFactory interface {
	EnsureHandler(ctx context.Context, symbol string) error
}

// UpdateSink receives candle updates from the aggregator. For a given
// symbol calls are totally ordered and the isInitial call (if any) precedes
// every delta.
type UpdateSink interface {
	OnUpdate(symbol string, candles map[string]Candle, isInitial bool)
}

// CandleStore persists finalized candles and serves range reads.
type CandleStore interface {
	UpsertCandle(ctx context.Context, bar Bar) error
	BulkUpsertCandles(ctx context.Context, bars []Bar) error
	ReadRange(ctx context.Context, symbol string, from, to time.Time) ([]Bar, error)
}

// NewsStore persists news items and their sentiment scores.
type NewsStore interface {
	InsertNews(ctx context.Context, item NewsItem) error
	UpdateNewsSentiment(ctx context.Context, id string, score float64, label string) error
}

// WatchlistStore persists per-user permanent subscriptions
// (user_subscriptions rows, soft-deleted via active=false).
type WatchlistStore interface {
	// Upsert inserts or reactivates a row. Reports whether the row became
	// newly active (false when the user was already subscribed).
	Upsert(ctx context.Context, userID, symbol string) (bool, error)

	// Deactivate soft-deletes a row. Reports whether the row was active.
	Deactivate(ctx context.Context, userID, symbol string) (bool, error)

	// ListActive returns the user's active symbols.
	ListActive(ctx context.Context, userID string) ([]string, error)

	// ActiveSymbols returns every symbol with at least one active row,
	// with its distinct-subscriber count.
	ActiveSymbols(ctx context.Context) (map[string]int, error)

	// SubscriberCount returns the number of active rows for a symbol.
	SubscriberCount(ctx context.Context, symbol string) (int, error)
}

// Backfiller fetches historical minute bars from the provider's REST API.
type Backfiller interface {
	FetchBars(ctx context.Context, symbol string, from, to time.Time) ([]Bar, error)
}

// Sentinel errors shared across the HTTP boundary. The subscription
// manager produces both: ErrBadSymbol for a malformed symbol reaching it,
// ErrTooManySymbols when first interest would exceed the symbol limit.
var (
	ErrBadSymbol      = errors.New("invalid symbol")
	ErrTooManySymbols = errors.New("concurrent symbol limit reached")
)
