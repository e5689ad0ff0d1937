package agg

import (
	"sort"
	"sync"
	"time"

	"stockstream/internal/model"
)

// maxSeriesLen bounds the in-memory series per symbol; oldest buckets are
// trimmed first. 10k minutes is roughly a week of trading.
const maxSeriesLen = 10_000

// futureSkew is the clock-skew guard: ticks stamped further than this ahead
// of wall clock are rejected.
const futureSkew = time.Minute

// RejectReason classifies why a trade was not folded into the series.
type RejectReason int

const (
	RejectNone RejectReason = iota
	RejectLate
	RejectFuture
)

// TradeResult reports the outcome of one ProcessTrade call.
type TradeResult struct {
	Rejected   RejectReason
	Transition bool      // a previously-open bucket just closed
	Finalized  model.Bar // the closed bucket, valid when Transition
}

// Builder maintains the in-memory minute OHLCV series for one symbol.
// Only the current bucket is mutable; prior buckets are finalized on
// transition and thereafter immutable except for non-destructive backfill
// merges into gaps.
type Builder struct {
	symbol string

	mu         sync.Mutex
	bars       map[int64]*model.Bar // keyed by bucket start (unix seconds)
	order      []int64              // sorted bucket starts
	current    int64
	hasCurrent bool

	// vwap accumulation for the current bucket
	notional float64

	lateTicks uint64
}

// NewBuilder creates an empty builder for a symbol.
func NewBuilder(symbol string) *Builder {
	return &Builder{
		symbol: symbol,
		bars:   make(map[int64]*model.Bar, 64),
	}
}

// Symbol returns the builder's symbol.
func (b *Builder) Symbol() string { return b.symbol }

// ProcessTrade folds one trade into the series. now is the wall clock used
// by the clock-skew guard.
func (b *Builder) ProcessTrade(price float64, size uint64, ts, now time.Time) TradeResult {
	if ts.After(now.Add(futureSkew)) {
		return TradeResult{Rejected: RejectFuture}
	}

	bucket := model.MinuteStart(ts).Unix()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.hasCurrent && bucket < b.current {
		// Late tick — past buckets stay immutable.
		b.lateTicks++
		return TradeResult{Rejected: RejectLate}
	}

	if !b.hasCurrent || bucket > b.current {
		var res TradeResult
		if b.hasCurrent {
			res.Transition = true
			res.Finalized = *b.bars[b.current]
		}
		b.openBucket(bucket, price, size)
		return res
	}

	// Same bucket — fold.
	bar := b.bars[bucket]
	if price > bar.High {
		bar.High = price
	}
	if price < bar.Low {
		bar.Low = price
	}
	bar.Close = price
	bar.Volume += size
	bar.TradeCount++
	b.notional += price * float64(size)
	if bar.Volume > 0 {
		bar.VWAP = b.notional / float64(bar.Volume)
	}
	return TradeResult{}
}

// openBucket starts a fresh current bucket. Caller holds b.mu.
func (b *Builder) openBucket(bucket int64, price float64, size uint64) {
	bar := &model.Bar{
		Symbol:      b.symbol,
		BucketStart: time.Unix(bucket, 0).UTC(),
		Open:        price,
		High:        price,
		Low:         price,
		Close:       price,
		Volume:      size,
		TradeCount:  1,
	}
	b.notional = price * float64(size)
	if bar.Volume > 0 {
		bar.VWAP = b.notional / float64(bar.Volume)
	}
	b.insert(bucket, bar)
	b.current = bucket
	b.hasCurrent = true
	b.trim()
}

// LoadHistorical merges backfilled bars into the series. A bar is inserted
// only where no bucket exists yet: locally built data wins over re-fetched
// history, and the current bucket is never overwritten. Returns the number
// of inserted buckets.
func (b *Builder) LoadHistorical(bars []model.Bar) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	inserted := 0
	for _, bar := range bars {
		bucket := model.MinuteStart(bar.BucketStart).Unix()
		if _, exists := b.bars[bucket]; exists {
			continue
		}
		cp := bar
		cp.Symbol = b.symbol
		cp.BucketStart = time.Unix(bucket, 0).UTC()
		b.insert(bucket, &cp)
		inserted++
	}
	b.trim()
	return inserted
}

// insert adds a bar keeping order sorted. Caller holds b.mu.
// The common case is an append at the tail (monotonic live ticks).
func (b *Builder) insert(bucket int64, bar *model.Bar) {
	if _, exists := b.bars[bucket]; exists {
		// A fresh live bucket supersedes a backfilled bar at the same
		// minute; the key is already ordered.
		b.bars[bucket] = bar
		return
	}
	b.bars[bucket] = bar
	n := len(b.order)
	if n == 0 || bucket > b.order[n-1] {
		b.order = append(b.order, bucket)
		return
	}
	i := sort.Search(n, func(i int) bool { return b.order[i] >= bucket })
	b.order = append(b.order, 0)
	copy(b.order[i+1:], b.order[i:])
	b.order[i] = bucket
}

// trim evicts the oldest buckets past maxSeriesLen. Caller holds b.mu.
func (b *Builder) trim() {
	for len(b.order) > maxSeriesLen {
		oldest := b.order[0]
		b.order = b.order[1:]
		delete(b.bars, oldest)
	}
}

// Snapshot returns the full series in frame shape, keyed by RFC-3339
// bucket start.
func (b *Builder) Snapshot() map[string]model.Candle {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]model.Candle, len(b.order))
	for _, bucket := range b.order {
		out[model.BucketKey(time.Unix(bucket, 0))] = b.bars[bucket].Wire()
	}
	return out
}

// LastTwo returns the current bucket and its immediate predecessor — the
// delta payload shape.
func (b *Builder) LastTwo() map[string]model.Candle {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]model.Candle, 2)
	n := len(b.order)
	for _, bucket := range b.order[maxInt(0, n-2):] {
		out[model.BucketKey(time.Unix(bucket, 0))] = b.bars[bucket].Wire()
	}
	return out
}

// Bars returns the series as a sorted slice of bars.
func (b *Builder) Bars() []model.Bar {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]model.Bar, 0, len(b.order))
	for _, bucket := range b.order {
		out = append(out, *b.bars[bucket])
	}
	return out
}

// CurrentBar returns a copy of the open bucket, if any.
func (b *Builder) CurrentBar() (model.Bar, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.hasCurrent {
		return model.Bar{}, false
	}
	return *b.bars[b.current], true
}

// Len returns the number of buckets in the series.
func (b *Builder) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.order)
}

// LateTicks returns the count of rejected out-of-order ticks.
func (b *Builder) LateTicks() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lateTicks
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
