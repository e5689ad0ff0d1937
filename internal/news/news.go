// Package news handles the news side of the upstream feed: items are
// persisted, broadcast to the news SSE room, and handed to the external
// sentiment scorer over a Redis stream. Scored results flow back on a
// second stream and are applied to the store exactly once.
package news

import (
	"context"
	"log"
	"strconv"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"stockstream/internal/metrics"
	"stockstream/internal/model"
	"stockstream/internal/sse"
)

const storeTimeout = 5 * time.Second

// Intake receives news items from the feed client.
type Intake struct {
	store     model.NewsStore
	hub       *sse.NewsHub
	rdb       *goredis.Client // nil disables the sentiment bridge
	streamKey string
	met       *metrics.Metrics
}

// NewIntake creates the news intake. rdb may be nil.
func NewIntake(store model.NewsStore, hub *sse.NewsHub, rdb *goredis.Client,
	streamKey string, met *metrics.Metrics) *Intake {
	return &Intake{store: store, hub: hub, rdb: rdb, streamKey: streamKey, met: met}
}

// Handle processes one news item: persist, broadcast, enqueue for scoring.
// Persistence failures don't block the broadcast — the stream is best-effort
// and the store eventually catches up on redelivery.
func (n *Intake) Handle(item model.NewsItem) {
	n.met.NewsItems.Inc()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if err := n.store.InsertNews(ctx, item); err != nil {
		log.Printf("[news] insert %s: %v", item.ID, err)
	}

	n.hub.Broadcast(item)

	if n.rdb == nil {
		return
	}
	err := n.rdb.XAdd(ctx, &goredis.XAddArgs{
		Stream: n.streamKey,
		Values: map[string]interface{}{
			"id":       item.ID,
			"headline": item.Headline,
			"summary":  item.Summary,
		},
	}).Err()
	if err != nil {
		log.Printf("[news] sentiment enqueue %s: %v", item.ID, err)
	}
}

// SentimentWorker consumes scored results and applies them to the store.
type SentimentWorker struct {
	store     model.NewsStore
	rdb       *goredis.Client
	streamKey string
	met       *metrics.Metrics
}

// NewSentimentWorker creates the result consumer.
func NewSentimentWorker(store model.NewsStore, rdb *goredis.Client,
	streamKey string, met *metrics.Metrics) *SentimentWorker {
	return &SentimentWorker{store: store, rdb: rdb, streamKey: streamKey, met: met}
}

// Run blocks reading scored results until ctx is cancelled. Malformed
// entries are logged and skipped; the store update is idempotent, so a
// crash between read and apply only re-applies a no-op.
func (w *SentimentWorker) Run(ctx context.Context) {
	lastID := "$"
	for {
		res, err := w.rdb.XRead(ctx, &goredis.XReadArgs{
			Streams: []string{w.streamKey, lastID},
			Count:   100,
			Block:   5 * time.Second,
		}).Result()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if err != goredis.Nil {
				log.Printf("[news] sentiment read: %v", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
			}
			continue
		}

		for _, stream := range res {
			for _, msg := range stream.Messages {
				lastID = msg.ID
				w.apply(ctx, msg.Values)
			}
		}
	}
}

func (w *SentimentWorker) apply(ctx context.Context, values map[string]interface{}) {
	id, _ := values["id"].(string)
	label, _ := values["label"].(string)
	scoreStr, _ := values["score"].(string)
	if id == "" || scoreStr == "" {
		log.Printf("[news] malformed sentiment entry: %v", values)
		return
	}
	score, err := strconv.ParseFloat(scoreStr, 64)
	if err != nil {
		log.Printf("[news] bad sentiment score %q: %v", scoreStr, err)
		return
	}

	tctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := w.store.UpdateNewsSentiment(tctx, id, score, label); err != nil {
		log.Printf("[news] apply sentiment %s: %v", id, err)
		return
	}
	w.met.SentimentUpdates.Inc()
}
