package sse

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"stockstream/internal/metrics"
	"stockstream/internal/model"
)

// Hub routes aggregator updates to the per-connection queues of each
// symbol. It implements model.UpdateSink.
type Hub struct {
	mu     sync.Mutex
	routes map[string]map[*Queue]struct{}
	byUser map[string]*Queue // (symbol|user) → queue, for replacement

	queueCap int
	met      *metrics.Metrics
}

// NewHub creates a candle fan-out hub with the given per-connection queue
// capacity.
func NewHub(queueCap int, met *metrics.Metrics) *Hub {
	return &Hub{
		routes:   make(map[string]map[*Queue]struct{}),
		byUser:   make(map[string]*Queue),
		queueCap: queueCap,
		met:      met,
	}
}

// Register allocates a queue for one streaming connection. A user opening a
// second stream for the same symbol replaces the first: the old sender loop
// is terminated.
func (h *Hub) Register(symbol, userID string) *Queue {
	q := NewQueue(h.queueCap, true)

	key := symbol + "|" + userID
	h.mu.Lock()
	if old, ok := h.byUser[key]; ok {
		delete(h.routes[symbol], old)
		old.Terminate()
		log.Printf("[sse] replacing existing stream for user %s on %s", userID, symbol)
	}
	if h.routes[symbol] == nil {
		h.routes[symbol] = make(map[*Queue]struct{})
	}
	h.routes[symbol][q] = struct{}{}
	h.byUser[key] = q
	h.mu.Unlock()

	h.met.SSEConnections.Inc()
	return q
}

// Unregister removes a connection's queue on teardown.
func (h *Hub) Unregister(symbol, userID string, q *Queue) {
	h.mu.Lock()
	if set, ok := h.routes[symbol]; ok {
		if _, present := set[q]; present {
			delete(set, q)
			if len(set) == 0 {
				delete(h.routes, symbol)
			}
		}
	}
	key := symbol + "|" + userID
	if h.byUser[key] == q {
		delete(h.byUser, key)
	}
	h.mu.Unlock()

	q.Terminate()
	h.met.SSEConnections.Dec()
}

// Seed delivers the initial snapshot straight to one queue, bypassing the
// per-symbol routes. Called by the stream handler right after Register so
// the new connection does not wait for the next aggregator event.
func (h *Hub) Seed(q *Queue, symbol string, candles map[string]model.Candle) {
	payload, err := marshalFrame(symbol, candles, true)
	if err != nil {
		log.Printf("[sse] seed marshal for %s: %v", symbol, err)
		return
	}
	q.Offer(Item{Data: payload, IsInitial: true})
}

// OnUpdate fans an aggregator update out to every queue of the symbol.
// The payload is marshaled once and shared.
func (h *Hub) OnUpdate(symbol string, candles map[string]model.Candle, isInitial bool) {
	h.mu.Lock()
	queues := make([]*Queue, 0, len(h.routes[symbol]))
	for q := range h.routes[symbol] {
		queues = append(queues, q)
	}
	h.mu.Unlock()
	if len(queues) == 0 {
		return
	}

	payload, err := marshalFrame(symbol, candles, isInitial)
	if err != nil {
		log.Printf("[sse] frame marshal for %s: %v", symbol, err)
		return
	}

	for _, q := range queues {
		before := q.Dropped()
		q.Offer(Item{Data: payload, IsInitial: isInitial})
		if d := q.Dropped() - before; d > 0 {
			h.met.SSEFramesDropped.Add(float64(d))
		}
	}
}

// Connections reports the number of open queues for a symbol.
func (h *Hub) Connections(symbol string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.routes[symbol])
}

// Shutdown terminates every sender loop.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, set := range h.routes {
		for q := range set {
			q.Terminate()
		}
	}
}

func marshalFrame(symbol string, candles map[string]model.Candle, isInitial bool) ([]byte, error) {
	return json.Marshal(model.CandleFrame{
		Symbol:          symbol,
		Candles:         candles,
		IsInitial:       isInitial,
		UpdateTimestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
}
