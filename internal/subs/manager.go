// Package subs is the source of truth for "who is listening to what". It
// reconciles three subscription tiers — per-user persisted watchlist rows,
// per-connection live sessions, and the single upstream subscription — with
// reference counting so the upstream is neither over- nor under-subscribed.
package subs

import (
	"context"
	"log"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"stockstream/internal/model"
)

// interest tracks the counters for one symbol. Its mutex serializes every
// subscription operation on the symbol, so the persist-then-upstream
// ordering holds without a global lock.
type interest struct {
	mu        sync.Mutex
	permanent int
	live      int
	upstream  bool
}

func (it *interest) total() int { return it.permanent + it.live }

// Session is the handle returned by AttachLive; DetachLive releases it.
type Session struct {
	ID     string
	UserID string
	Symbol string

	released atomic.Bool
}

// Manager reconciles watchlist rows, live sessions and the upstream feed.
type Manager struct {
	store      model.WatchlistStore
	feed       model.UpstreamControl
	handlers   model.HandlerFactory
	maxSymbols int

	mu        sync.Mutex
	interests map[string]*interest
	// keyed holds the idempotent per-(user,symbol) live attaches made via
	// the /ws_manager endpoint, as opposed to per-connection SSE sessions.
	keyed map[string]*Session
}

// New creates a Manager.
func New(store model.WatchlistStore, feed model.UpstreamControl,
	handlers model.HandlerFactory, maxSymbols int) *Manager {
	return &Manager{
		store:      store,
		feed:       feed,
		handlers:   handlers,
		maxSymbols: maxSymbols,
		interests:  make(map[string]*interest),
		keyed:      make(map[string]*Session),
	}
}

// interestFor returns the interest record for a symbol, creating it if the
// symbol is well-formed and the concurrent-symbol limit allows. The HTTP
// layer validates path symbols too, but the manager is the source of truth
// and guards itself against any other caller.
func (m *Manager) interestFor(symbol string) (*interest, error) {
	if !model.ValidSymbol(symbol) {
		return nil, model.ErrBadSymbol
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.interests[symbol]
	if !ok {
		if m.maxSymbols > 0 && len(m.interests) >= m.maxSymbols {
			return nil, model.ErrTooManySymbols
		}
		it = &interest{}
		m.interests[symbol] = it
	}
	return it, nil
}

// AddPermanent upserts a watchlist row for the user and, on the symbol's
// first interest, makes it live upstream. Returns whether the row was newly
// active and the symbol's subscriber count.
func (m *Manager) AddPermanent(ctx context.Context, userID, symbol string) (bool, int, error) {
	it, err := m.interestFor(symbol)
	if err != nil {
		return false, 0, err
	}

	it.mu.Lock()
	defer it.mu.Unlock()

	// Persist before any upstream effect: a crash between the two is
	// recovered by rehydration.
	newlyActive, err := m.store.Upsert(ctx, userID, symbol)
	if err != nil {
		return false, 0, err
	}

	if newlyActive {
		it.permanent++
		if it.total() == 1 {
			if err := m.activate(ctx, symbol, it); err != nil {
				return false, 0, err
			}
		}
	}

	count, err := m.store.SubscriberCount(ctx, symbol)
	if err != nil {
		// The subscription itself succeeded; the count is advisory.
		log.Printf("[subs] subscriber count for %s: %v", symbol, err)
		count = it.permanent
	}
	return newlyActive, count, nil
}

// RemovePermanent soft-deletes the watchlist row. The upstream subscription
// is dropped only when no permanent or live interest remains; the candle
// builder is retained either way.
func (m *Manager) RemovePermanent(ctx context.Context, userID, symbol string) (bool, int, error) {
	it, err := m.interestFor(symbol)
	if err != nil {
		return false, 0, err
	}

	it.mu.Lock()
	defer it.mu.Unlock()

	wasActive, err := m.store.Deactivate(ctx, userID, symbol)
	if err != nil {
		return false, 0, err
	}
	if wasActive && it.permanent > 0 {
		it.permanent--
		if it.total() == 0 {
			m.deactivate(symbol, it)
		}
	}

	count, err := m.store.SubscriberCount(ctx, symbol)
	if err != nil {
		log.Printf("[subs] subscriber count for %s: %v", symbol, err)
		count = it.permanent
	}
	return wasActive, count, nil
}

// ListPermanent returns the user's active watchlist symbols.
func (m *Manager) ListPermanent(ctx context.Context, userID string) ([]string, error) {
	return m.store.ListActive(ctx, userID)
}

// AttachLive registers ephemeral interest for one streaming connection.
// It returns only after EnsureHandler has completed, so a subsequent stream
// attach finds a builder.
func (m *Manager) AttachLive(ctx context.Context, userID, symbol string) (*Session, error) {
	it, err := m.interestFor(symbol)
	if err != nil {
		return nil, err
	}

	it.mu.Lock()
	defer it.mu.Unlock()

	it.live++
	if it.total() == 1 {
		if err := m.activate(ctx, symbol, it); err != nil {
			it.live--
			return nil, err
		}
	} else if !it.upstream {
		// Counters disagree with upstream only transiently after an
		// activation error; retry here.
		if err := m.activate(ctx, symbol, it); err != nil {
			it.live--
			return nil, err
		}
	}

	return &Session{ID: uuid.NewString(), UserID: userID, Symbol: symbol}, nil
}

// AttachLiveKeyed is the idempotent per-(user, symbol) variant used by the
// /ws_manager endpoint: a second attach for the same pair reuses the
// existing session.
func (m *Manager) AttachLiveKeyed(ctx context.Context, userID, symbol string) (*Session, bool, error) {
	key := userID + "|" + symbol

	m.mu.Lock()
	if s, ok := m.keyed[key]; ok {
		m.mu.Unlock()
		return s, false, nil
	}
	m.mu.Unlock()

	s, err := m.AttachLive(ctx, userID, symbol)
	if err != nil {
		return nil, false, err
	}

	m.mu.Lock()
	if existing, ok := m.keyed[key]; ok {
		// Lost the race; release the duplicate.
		m.mu.Unlock()
		m.DetachLive(symbol, s)
		return existing, false, nil
	}
	m.keyed[key] = s
	m.mu.Unlock()
	return s, true, nil
}

// DetachLive releases a live session. Safe to call more than once; only the
// first call decrements.
func (m *Manager) DetachLive(symbol string, s *Session) {
	if s == nil || !s.released.CompareAndSwap(false, true) {
		return
	}

	it, err := m.interestFor(symbol)
	if err != nil {
		return
	}

	it.mu.Lock()
	defer it.mu.Unlock()
	if it.live > 0 {
		it.live--
	}
	if it.total() == 0 {
		m.deactivate(symbol, it)
	}
}

// activate makes a symbol live: builder + backfill first, then the upstream
// subscription. Caller holds it.mu.
func (m *Manager) activate(ctx context.Context, symbol string, it *interest) error {
	if err := m.handlers.EnsureHandler(ctx, symbol); err != nil {
		return err
	}
	if err := m.feed.Subscribe(symbol, model.ChannelTrades); err != nil {
		return err
	}
	it.upstream = true
	return nil
}

// deactivate drops the upstream subscription. Caller holds it.mu.
func (m *Manager) deactivate(symbol string, it *interest) {
	if !it.upstream {
		return
	}
	if err := m.feed.Unsubscribe(symbol, model.ChannelTrades); err != nil {
		log.Printf("[subs] unsubscribe %s: %v", symbol, err)
		return
	}
	it.upstream = false
}

// RehydrateOnStart loads all active watchlist rows, rebuilds the permanent
// counters, ensures a builder per symbol and re-subscribes upstream in one
// batch (the feed client coalesces the deltas).
func (m *Manager) RehydrateOnStart(ctx context.Context) error {
	symbols, err := m.store.ActiveSymbols(ctx)
	if err != nil {
		return err
	}
	if len(symbols) == 0 {
		log.Println("[subs] no active subscriptions to rehydrate")
		return nil
	}

	log.Printf("[subs] rehydrating %d symbols", len(symbols))
	for symbol, count := range symbols {
		it, err := m.interestFor(symbol)
		if err != nil {
			log.Printf("[subs] rehydrate %s: %v", symbol, err)
			continue
		}
		it.mu.Lock()
		it.permanent = count
		if err := m.activate(ctx, symbol, it); err != nil {
			log.Printf("[subs] rehydrate %s: %v", symbol, err)
		}
		it.mu.Unlock()
	}
	return nil
}

// Counts reports the interest counters for a symbol.
func (m *Manager) Counts(symbol string) (permanent, live int, upstream bool) {
	m.mu.Lock()
	it, ok := m.interests[symbol]
	m.mu.Unlock()
	if !ok {
		return 0, 0, false
	}
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.permanent, it.live, it.upstream
}
