package sse

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"stockstream/internal/metrics"
	"stockstream/internal/model"
)

// NewsHub is the single broadcast room for news items: no per-symbol
// routing, no snapshot phase — news is a pure append stream.
type NewsHub struct {
	mu    sync.Mutex
	conns map[*Queue]struct{}

	queueCap int
	met      *metrics.Metrics
}

// NewNewsHub creates the news broadcast room.
func NewNewsHub(queueCap int, met *metrics.Metrics) *NewsHub {
	return &NewsHub{
		conns:    make(map[*Queue]struct{}),
		queueCap: queueCap,
		met:      met,
	}
}

// Register allocates a queue for one news stream connection.
func (h *NewsHub) Register() *Queue {
	q := NewQueue(h.queueCap, false)
	h.mu.Lock()
	h.conns[q] = struct{}{}
	h.mu.Unlock()
	h.met.SSEConnections.Inc()
	return q
}

// Unregister removes a connection's queue.
func (h *NewsHub) Unregister(q *Queue) {
	h.mu.Lock()
	delete(h.conns, q)
	h.mu.Unlock()
	q.Terminate()
	h.met.SSEConnections.Dec()
}

// Broadcast delivers one news item to every connection.
func (h *NewsHub) Broadcast(item model.NewsItem) {
	frame := model.NewsFrame{
		ID:       item.ID,
		Time:     item.PublishedAt.UTC().Format(time.RFC3339),
		Headline: item.Headline,
		Summary:  item.Summary,
		Tickers:  item.Symbols,
		Source:   item.Source,
		URL:      item.URL,
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		log.Printf("[sse] news marshal: %v", err)
		return
	}

	h.mu.Lock()
	queues := make([]*Queue, 0, len(h.conns))
	for q := range h.conns {
		queues = append(queues, q)
	}
	h.mu.Unlock()

	for _, q := range queues {
		before := q.Dropped()
		q.Offer(Item{Data: payload})
		if d := q.Dropped() - before; d > 0 {
			h.met.SSEFramesDropped.Add(float64(d))
		}
	}
}

// Shutdown terminates every news sender loop.
func (h *NewsHub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for q := range h.conns {
		q.Terminate()
	}
}
