package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the fan-out core.
type Metrics struct {
	TicksTotal          prometheus.Counter
	QuotesTotal         prometheus.Counter // parsed, not aggregated
	UpstreamBarsTotal   prometheus.Counter // parsed, not aggregated
	TicksDropped        prometheus.Counter // tick queue overflow
	LateTicks           prometheus.Counter // rejected out-of-order ticks
	FutureTicks         prometheus.Counter // rejected clock-skew ticks
	MalformedFrames     prometheus.Counter
	UnknownFrameTypes   prometheus.Counter
	FeedReconnects      prometheus.Counter
	CandlesFinalized    prometheus.Counter
	BackfillCalls       prometheus.Counter
	BackfillFailures    prometheus.Counter
	StoreWriteFailures  prometheus.Counter
	StoreCommitDur      prometheus.Histogram
	SSEConnections      prometheus.Gauge
	SSEFramesDropped    prometheus.Counter
	NewsItems           prometheus.Counter
	SentimentUpdates    prometheus.Counter
	UpstreamSubscribed  prometheus.Gauge // symbols currently subscribed upstream
	AggregatorQueueLen  prometheus.Gauge
	SubscribeLatency    prometheus.Histogram
}

// New registers and returns all Prometheus metrics on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stockd_ticks_total",
			Help: "Trade ticks folded into candles (late and future ticks excluded)",
		}),
		QuotesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stockd_quotes_total",
			Help: "Quote messages received (not aggregated)",
		}),
		UpstreamBarsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stockd_upstream_bars_total",
			Help: "Bar messages received from the feed (not aggregated)",
		}),
		TicksDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stockd_ticks_dropped_total",
			Help: "Ticks dropped by the bounded tick queue (oldest-first)",
		}),
		LateTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stockd_late_ticks_total",
			Help: "Ticks rejected because their bucket precedes the current one",
		}),
		FutureTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stockd_future_ticks_total",
			Help: "Ticks rejected by the clock-skew guard",
		}),
		MalformedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stockd_malformed_frames_total",
			Help: "Upstream frames that failed to parse",
		}),
		UnknownFrameTypes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stockd_unknown_frame_types_total",
			Help: "Upstream messages with an unrecognized type tag",
		}),
		FeedReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stockd_feed_reconnects_total",
			Help: "Upstream WebSocket reconnection attempts",
		}),
		CandlesFinalized: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stockd_candles_finalized_total",
			Help: "Minute buckets finalized by bucket transitions",
		}),
		BackfillCalls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stockd_backfill_calls_total",
			Help: "Historical backfill requests issued",
		}),
		BackfillFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stockd_backfill_failures_total",
			Help: "Historical backfill requests that gave up",
		}),
		StoreWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stockd_store_write_failures_total",
			Help: "Candle store writes that failed after retry",
		}),
		StoreCommitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "stockd_store_commit_duration_seconds",
			Help:    "Candle store write latency",
			Buckets: prometheus.DefBuckets,
		}),
		SSEConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stockd_sse_connections",
			Help: "Open SSE streaming connections",
		}),
		SSEFramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stockd_sse_frames_dropped_total",
			Help: "Frames evicted from slow per-connection queues",
		}),
		NewsItems: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stockd_news_items_total",
			Help: "News items received from the upstream feed",
		}),
		SentimentUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stockd_sentiment_updates_total",
			Help: "Sentiment scores applied to stored news",
		}),
		UpstreamSubscribed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stockd_upstream_subscribed_symbols",
			Help: "Symbols currently subscribed on the upstream feed",
		}),
		AggregatorQueueLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stockd_tick_queue_len",
			Help: "Current tick queue occupancy",
		}),
		SubscribeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "stockd_subscribe_latency_seconds",
			Help:    "Latency of subscribe requests including first-use backfill",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.TicksTotal, m.QuotesTotal, m.UpstreamBarsTotal,
		m.TicksDropped, m.LateTicks, m.FutureTicks,
		m.MalformedFrames, m.UnknownFrameTypes, m.FeedReconnects,
		m.CandlesFinalized, m.BackfillCalls, m.BackfillFailures,
		m.StoreWriteFailures, m.StoreCommitDur,
		m.SSEConnections, m.SSEFramesDropped,
		m.NewsItems, m.SentimentUpdates,
		m.UpstreamSubscribed, m.AggregatorQueueLen, m.SubscribeLatency,
	)
	return m
}

// NewDefault registers on the default prometheus registry.
func NewDefault() *Metrics {
	return New(prometheus.DefaultRegisterer)
}

// Nop returns metrics bound to a throwaway registry, for tests.
func Nop() *Metrics {
	return New(prometheus.NewRegistry())
}
