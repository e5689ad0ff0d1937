// Package agg owns the per-symbol candle builders and the single consumer
// loop that drains the tick queue. The loop's single-goroutine discipline is
// the per-symbol ordering keystone: state mutation between a tick pull and
// its OnUpdate emission completes synchronously.
package agg

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"stockstream/internal/metrics"
	"stockstream/internal/model"
	"stockstream/internal/tickq"
)

// handle pairs a builder with its one-shot initialization (backfill +
// initial snapshot).
type handle struct {
	builder *Builder
	init    sync.Once
}

// Aggregator routes ticks to builders, persists finalized buckets and emits
// updates to the fan-out sink.
type Aggregator struct {
	mu      sync.Mutex
	symbols map[string]*handle

	queue    *tickq.Queue
	store    model.CandleStore
	backfill model.Backfiller
	sink     model.UpdateSink
	window   time.Duration
	met      *metrics.Metrics

	// now is swappable for tests.
	now func() time.Time
}

// New creates an Aggregator. window is the historical backfill lookback.
func New(queue *tickq.Queue, store model.CandleStore, backfill model.Backfiller,
	sink model.UpdateSink, window time.Duration, met *metrics.Metrics) *Aggregator {
	return &Aggregator{
		symbols:  make(map[string]*handle),
		queue:    queue,
		store:    store,
		backfill: backfill,
		sink:     sink,
		window:   window,
		met:      met,
		now:      time.Now,
	}
}

// Run drains the tick queue until ctx is cancelled or the queue is closed
// and empty. It must be the only goroutine calling processTrade.
func (a *Aggregator) Run(ctx context.Context) {
	for {
		t, ok := a.queue.Pop(ctx)
		if !ok {
			return
		}
		a.met.AggregatorQueueLen.Set(float64(a.queue.Len()))
		a.processTrade(ctx, t)
	}
}

// processTrade folds one tick and emits the resulting delta.
func (a *Aggregator) processTrade(ctx context.Context, t model.Trade) {
	h := a.lookup(t.Symbol, true)

	res := h.builder.ProcessTrade(t.Price, t.Size, t.EventTime, a.now())
	switch res.Rejected {
	case RejectLate:
		a.met.LateTicks.Inc()
		return
	case RejectFuture:
		a.met.FutureTicks.Inc()
		return
	}
	a.met.TicksTotal.Inc()

	if res.Transition {
		a.met.CandlesFinalized.Inc()
		a.persist(ctx, res.Finalized)
	}

	a.sink.OnUpdate(t.Symbol, h.builder.LastTwo(), false)
}

// persist writes one bar, retrying once. On double failure the in-memory
// series stays authoritative and the update is still emitted.
func (a *Aggregator) persist(ctx context.Context, bar model.Bar) {
	start := time.Now()
	err := a.store.UpsertCandle(ctx, bar)
	if err != nil {
		err = a.store.UpsertCandle(ctx, bar)
	}
	a.met.StoreCommitDur.Observe(time.Since(start).Seconds())
	if err != nil {
		a.met.StoreWriteFailures.Inc()
		log.Printf("[agg] candle upsert failed for %s @ %s: %v",
			bar.Symbol, bar.BucketStart.Format(time.RFC3339), err)
	}
}

// lookup returns the handle for a symbol, optionally creating a bare one.
// A bare builder (created by a tick for a symbol nobody ensured) burns the
// init once: a later EnsureHandler finds the series already live and skips
// the backfill, mirroring the builder-exists short circuit.
func (a *Aggregator) lookup(symbol string, create bool) *handle {
	a.mu.Lock()
	defer a.mu.Unlock()
	h, ok := a.symbols[symbol]
	if !ok && create {
		h = &handle{builder: NewBuilder(symbol)}
		h.init.Do(func() {})
		a.symbols[symbol] = h
	}
	return h
}

// EnsureHandler makes a symbol live: on first use it creates the builder,
// backfills the configured window, persists the backfill and emits the
// initial snapshot. Idempotent: exactly one backfill and one initial
// emission per builder lifetime, and every caller returns only after that
// initialization has completed. The builders map mutex is never held
// across I/O.
func (a *Aggregator) EnsureHandler(ctx context.Context, symbol string) error {
	a.mu.Lock()
	h, ok := a.symbols[symbol]
	if !ok {
		h = &handle{builder: NewBuilder(symbol)}
		a.symbols[symbol] = h
	}
	a.mu.Unlock()

	var initErr error
	h.init.Do(func() {
		initErr = a.initialize(ctx, h)
	})
	return initErr
}

// initialize runs the one-shot backfill + initial emission for a new builder.
func (a *Aggregator) initialize(ctx context.Context, h *handle) error {
	symbol := h.builder.Symbol()
	end := a.now().UTC()
	start := end.Add(-a.window)

	a.met.BackfillCalls.Inc()
	bars, err := a.backfill.FetchBars(ctx, symbol, start, end)
	if err != nil {
		// Non-fatal: live ticks still build the series from here on.
		a.met.BackfillFailures.Inc()
		log.Printf("[agg] backfill failed for %s: %v (continuing live-only)", symbol, err)
	}

	if n := h.builder.LoadHistorical(bars); n > 0 {
		log.Printf("[agg] merged %d backfill bars for %s", n, symbol)
	}

	// Durable before the initial snapshot goes out.
	if len(bars) > 0 {
		if err := a.store.BulkUpsertCandles(ctx, bars); err != nil {
			if err = a.store.BulkUpsertCandles(ctx, bars); err != nil {
				a.met.StoreWriteFailures.Inc()
				log.Printf("[agg] backfill bulk upsert failed for %s: %v", symbol, err)
			}
		}
	}

	a.sink.OnUpdate(symbol, h.builder.Snapshot(), true)
	return nil
}

// Handler returns the builder for a symbol, if live.
func (a *Aggregator) Handler(symbol string) (*Builder, bool) {
	h := a.lookup(symbol, false)
	if h == nil {
		return nil, false
	}
	return h.builder, true
}

// Symbols returns the sorted set of live symbols.
func (a *Aggregator) Symbols() []string {
	a.mu.Lock()
	out := make([]string, 0, len(a.symbols))
	for s := range a.symbols {
		out = append(out, s)
	}
	a.mu.Unlock()
	sort.Strings(out)
	return out
}

// QueueLen reports current tick queue occupancy.
func (a *Aggregator) QueueLen() int {
	return a.queue.Len()
}

// Flush persists the open bucket of every builder. Called at shutdown so the
// store does not lose the in-progress minute.
func (a *Aggregator) Flush(ctx context.Context) {
	a.mu.Lock()
	handles := make([]*handle, 0, len(a.symbols))
	for _, h := range a.symbols {
		handles = append(handles, h)
	}
	a.mu.Unlock()

	for _, h := range handles {
		if bar, ok := h.builder.CurrentBar(); ok {
			a.persist(ctx, bar)
		}
	}
}
