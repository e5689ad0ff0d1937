// Package core is the process composition root. It builds every component
// of the fan-out pipeline, wires them through their port interfaces and
// owns startup order and graceful shutdown. There are no package-level
// singletons: everything hangs off the Core value.
package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"stockstream/config"
	"stockstream/internal/agg"
	"stockstream/internal/api"
	"stockstream/internal/auth"
	"stockstream/internal/backfill"
	"stockstream/internal/feed"
	"stockstream/internal/metrics"
	"stockstream/internal/model"
	"stockstream/internal/news"
	"stockstream/internal/sse"
	"stockstream/internal/store/postgres"
	sqlitestore "stockstream/internal/store/sqlite"
	"stockstream/internal/subs"
	"stockstream/internal/tickq"
)

// newsBuffer bounds the feed→news handoff so slow store writes never stall
// the receive loop.
const newsBuffer = 500

// Core owns the full pipeline.
type Core struct {
	cfg *config.Config
	met *metrics.Metrics

	health     *metrics.HealthStatus
	metricsSrv *metrics.Server

	store     *sqlitestore.Store
	watchlist *postgres.Watchlist
	rdb       *goredis.Client

	queue      *tickq.Queue
	aggregator *agg.Aggregator
	feed       *feed.Client
	hub        *sse.Hub
	newsHub    *sse.NewsHub
	newsIn     *news.Intake
	sentiment  *news.SentimentWorker
	subs       *subs.Manager
	api        *api.Server
	httpSrv    *http.Server

	newsCh   chan model.NewsItem
	stopping atomic.Bool
}

// New builds the pipeline from configuration. Nothing starts running until
// Run.
func New(cfg *config.Config) (*Core, error) {
	c := &Core{
		cfg:    cfg,
		met:    metrics.NewDefault(),
		health: metrics.NewHealthStatus(),
		newsCh: make(chan model.NewsItem, newsBuffer),
	}
	c.metricsSrv = metrics.NewServer(cfg.MetricsAddr, c.health)

	if err := os.MkdirAll(filepath.Dir(cfg.StorePath), 0o755); err != nil {
		return nil, fmt.Errorf("core: store dir: %w", err)
	}
	store, err := sqlitestore.New(cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("core: candle store: %w", err)
	}
	c.store = store
	c.health.SetStoreOK(true)

	watchlist, err := postgres.Open(cfg.PostgresDSN)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("core: watchlist store: %w", err)
	}
	c.watchlist = watchlist
	c.health.SetWatchlistOK(true)

	if cfg.RedisAddr != "" {
		c.rdb = goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
	}

	verifier, err := auth.New(cfg.AuthJWKSURL, cfg.AuthHS256Secret)
	if err != nil {
		c.closeStores()
		return nil, fmt.Errorf("core: auth: %w", err)
	}

	c.queue = tickq.New(cfg.TickQueueCapacity)
	c.hub = sse.NewHub(cfg.SSEQueueCapacity, c.met)
	c.newsHub = sse.NewNewsHub(cfg.SSEQueueCapacity, c.met)

	bf := backfill.New(cfg.UpstreamRESTURL, cfg.UpstreamWSKey, cfg.UpstreamWSSecret)
	c.aggregator = agg.New(c.queue, store, bf, c.hub, cfg.BackfillWindow(), c.met)

	c.feed = feed.New(feed.Config{
		URL:        cfg.UpstreamWSURL,
		Key:        cfg.UpstreamWSKey,
		Secret:     cfg.UpstreamWSSecret,
		MinBackoff: cfg.ReconnectMin(),
		MaxBackoff: cfg.ReconnectMax(),
	}, feed.Handlers{
		OnTrade: c.onTrade,
		OnNews:  c.onNews,
		// Quotes and provider bars are counted only; the candle pipeline
		// is trade-driven.
		OnQuote: func(model.Quote) { c.met.QuotesTotal.Inc() },
		OnBar:   func(model.Bar) { c.met.UpstreamBarsTotal.Inc() },
	}, c.met)

	c.newsIn = news.NewIntake(store, c.newsHub, c.rdb, cfg.NewsStreamKey, c.met)
	if c.rdb != nil {
		c.sentiment = news.NewSentimentWorker(store, c.rdb, cfg.SentimentStreamKey, c.met)
	}

	c.subs = subs.New(watchlist, c.feed, c.aggregator, cfg.MaxConcurrentSymbols)
	c.api = api.New(verifier, c.subs, c.aggregator, store, c.hub, c.newsHub, c.met)
	c.httpSrv = &http.Server{
		Addr:    cfg.HTTPListenAddr,
		Handler: c.api.Routes(),
	}

	return c, nil
}

// onTrade is the feed receive path: enqueue only, no processing.
func (c *Core) onTrade(t model.Trade) {
	before := c.queue.Dropped()
	c.queue.Push(t)
	if d := c.queue.Dropped() - before; d > 0 {
		c.met.TicksDropped.Add(float64(d))
	}
}

// onNews hands news off to the intake worker; a full buffer drops the item
// (it is re-deliverable and the stream is best-effort).
func (c *Core) onNews(item model.NewsItem) {
	select {
	case c.newsCh <- item:
	default:
		log.Printf("[core] news buffer full, dropping item %s", item.ID)
	}
}

func (c *Core) handleNewsItem(item model.NewsItem) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[core] news worker panic on item %s: %v", item.ID, r)
		}
	}()
	c.newsIn.Handle(item)
}

// Run starts every worker, rehydrates persisted subscriptions and blocks
// until ctx is cancelled or a fatal error occurs.
func (c *Core) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.metricsSrv.Start()

	fatal := make(chan error, 2)
	aggDone := make(chan struct{})

	// The aggregator worker is special: if it dies while the process is
	// supposed to be live, in-memory candle state would diverge silently,
	// so its exit is fatal.
	go func() {
		defer close(aggDone)
		c.aggregator.Run(runCtx)
		if runCtx.Err() == nil && !c.stopping.Load() {
			fatal <- errors.New("core: aggregator worker exited unexpectedly")
		}
	}()

	// Feed receive loop. Transport errors retry forever inside Run; only
	// an auth rejection escapes, and that is a configuration error.
	go func() {
		if err := c.feed.Run(runCtx); err != nil && runCtx.Err() == nil {
			fatal <- err
		}
	}()

	// News intake worker. A panic loses one item, not the worker.
	go func() {
		for {
			select {
			case <-runCtx.Done():
				return
			case item := <-c.newsCh:
				c.handleNewsItem(item)
			}
		}
	}()

	if c.sentiment != nil {
		go c.sentiment.Run(runCtx)
	}

	// All news, single upstream subscription.
	c.feed.Subscribe("*", model.ChannelNews)

	// Rebuild the permanent subscription set before serving traffic.
	if err := c.subs.RehydrateOnStart(runCtx); err != nil {
		log.Printf("[core] rehydrate: %v (continuing)", err)
	}

	go c.watchHealth(runCtx)

	go func() {
		log.Printf("[core] http listening on %s", c.cfg.HTTPListenAddr)
		if err := c.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fatal <- fmt.Errorf("core: http server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-fatal:
		log.Printf("[core] fatal: %v", runErr)
	}

	c.shutdown(cancel, aggDone)
	return runErr
}

// shutdown: stop accepting streams, drain the tick queue for the grace
// period, close the upstream, flush open buckets, release everything.
func (c *Core) shutdown(cancel context.CancelFunc, aggDone <-chan struct{}) {
	log.Println("[core] shutting down...")
	c.stopping.Store(true)
	c.api.StopAccepting()

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 2*time.Second)
	c.httpSrv.Shutdown(httpCtx)
	httpCancel()

	c.hub.Shutdown()
	c.newsHub.Shutdown()

	// Closing the queue lets the aggregator drain what is buffered; the
	// grace period bounds the wait.
	c.queue.Close()
	select {
	case <-aggDone:
	case <-time.After(c.cfg.ShutdownGrace()):
		log.Println("[core] tick queue drain timed out")
	}

	cancel() // stops feed, news and sentiment workers

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
	c.aggregator.Flush(flushCtx)
	flushCancel()

	c.closeStores()
	c.metricsSrv.Close()
	log.Println("[core] shutdown complete")
}

func (c *Core) closeStores() {
	if c.store != nil {
		c.store.Close()
	}
	if c.watchlist != nil {
		c.watchlist.Close()
	}
	if c.rdb != nil {
		c.rdb.Close()
	}
}

// watchHealth refreshes the /healthz snapshot.
func (c *Core) watchHealth(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.health.SetFeedState(c.feed.State().String())
			c.health.SetTrackedSymbols(len(c.aggregator.Symbols()))
			c.health.SetStoreOK(c.store.DB().Ping() == nil)
			c.health.SetWatchlistOK(c.watchlist.DB().Ping() == nil)
			c.met.AggregatorQueueLen.Set(float64(c.queue.Len()))
		}
	}
}
