// Package feed maintains the single authenticated WebSocket to the upstream
// market-data provider. All other components interact with it only through
// its Subscribe/Unsubscribe API; parsed data messages are handed to the
// registered handlers.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"stockstream/internal/metrics"
	"stockstream/internal/model"
)

// ErrUnauthorized is returned when the provider rejects the key/secret.
// Fatal for the process: retrying a bad credential is a configuration error.
var ErrUnauthorized = errors.New("feed: upstream authentication rejected")

// State is the connection state machine.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateConnected
	StateReconnecting
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return "disconnected"
	}
}

const (
	batchWindow  = 50 * time.Millisecond
	pingInterval = 10 * time.Second
	pongTimeout  = 30 * time.Second
	authTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second
)

// Handlers receive parsed data messages. Nil handlers drop their kind.
type Handlers struct {
	OnTrade func(model.Trade)
	OnQuote func(model.Quote)
	OnBar   func(model.Bar)
	OnNews  func(model.NewsItem)
}

// Config holds the connection parameters.
type Config struct {
	URL        string
	Key        string
	Secret     string
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// controlFrame is the outbound control message shape (auth, subscribe,
// unsubscribe).
type controlFrame struct {
	Action string   `json:"action"`
	Key    string   `json:"key,omitempty"`
	Secret string   `json:"secret,omitempty"`
	Trades []string `json:"trades,omitempty"`
	Quotes []string `json:"quotes,omitempty"`
	Bars   []string `json:"bars,omitempty"`
	News   []string `json:"news,omitempty"`
}

// Client owns the upstream WebSocket.
type Client struct {
	cfg      Config
	handlers Handlers
	met      *metrics.Metrics
	dialer   *websocket.Dialer

	state atomic.Int32

	connMu sync.Mutex
	conn   *websocket.Conn

	writeMu sync.Mutex // serializes all frame writes on the connection

	subMu        sync.Mutex
	desired      map[model.Channel]map[string]struct{}
	pendingSub   map[model.Channel]map[string]struct{}
	pendingUnsub map[model.Channel]map[string]struct{}
	flushTimer   *time.Timer
}

// New creates a feed client.
func New(cfg Config, handlers Handlers, met *metrics.Metrics) *Client {
	return &Client{
		cfg:          cfg,
		handlers:     handlers,
		met:          met,
		dialer:       websocket.DefaultDialer,
		desired:      make(map[model.Channel]map[string]struct{}),
		pendingSub:   make(map[model.Channel]map[string]struct{}),
		pendingUnsub: make(map[model.Channel]map[string]struct{}),
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
}

// Run connects and processes inbound frames until ctx is cancelled or
// authentication fails. Transient transport errors are retried indefinitely
// with exponential backoff and full jitter.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			c.setState(StateShuttingDown)
			return ctx.Err()
		}

		connected, err := c.safeRunOnce(ctx)
		if errors.Is(err, ErrUnauthorized) {
			c.setState(StateShuttingDown)
			return err
		}
		if ctx.Err() != nil {
			c.setState(StateShuttingDown)
			return ctx.Err()
		}
		if connected {
			attempt = 0
		}

		c.setState(StateReconnecting)
		c.met.FeedReconnects.Inc()
		attempt++
		delay := c.backoff(attempt)
		log.Printf("[feed] connection lost (%v), reconnecting in %v (attempt %d)", err, delay, attempt)
		select {
		case <-ctx.Done():
			c.setState(StateShuttingDown)
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// backoff returns min*2^(attempt-1) capped at max, with full jitter.
func (c *Client) backoff(attempt int) time.Duration {
	d := c.cfg.MinBackoff
	for i := 1; i < attempt && d < c.cfg.MaxBackoff; i++ {
		d *= 2
	}
	if d > c.cfg.MaxBackoff {
		d = c.cfg.MaxBackoff
	}
	return time.Duration(rand.Int63n(int64(d)) + 1)
}

// safeRunOnce isolates a panicking receive worker: the failure becomes a
// transient error and the reconnect path restarts the worker with empty
// per-connection state.
func (c *Client) safeRunOnce(ctx context.Context) (connected bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("feed: receive worker panic: %v", r)
		}
	}()
	return c.runOnce(ctx)
}

// runOnce performs one connect/auth/read cycle. The bool reports whether
// the connection reached CONNECTED (used to reset the backoff).
func (c *Client) runOnce(ctx context.Context) (bool, error) {
	c.setState(StateConnecting)

	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, http.Header{})
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("feed: dial %s: status %s: %w", c.cfg.URL, resp.Status, err)
		}
		return false, fmt.Errorf("feed: dial %s: %w", c.cfg.URL, err)
	}
	defer conn.Close()

	c.setState(StateAuthenticating)
	if err := c.authenticate(conn); err != nil {
		return false, err
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	defer func() {
		c.connMu.Lock()
		c.conn = nil
		c.connMu.Unlock()
	}()

	c.setState(StateConnected)
	log.Printf("[feed] connected and authenticated to %s", c.cfg.URL)

	// Ticks lost during the gap are gone; the aggregator closes any
	// incomplete bucket normally. Re-send the full current set in one batch.
	if err := c.resubscribeAll(conn); err != nil {
		return true, err
	}

	pingDone := make(chan struct{})
	defer close(pingDone)
	go c.pingLoop(conn, pingDone)

	// Client disconnect must tear the read loop down promptly.
	ctxDone := make(chan struct{})
	defer close(ctxDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-ctxDone:
		}
	}()

	return true, c.readLoop(conn)
}

// authenticate waits for the connection greeting, sends the auth frame and
// waits for the ack.
func (c *Client) authenticate(conn *websocket.Conn) error {
	deadline := time.Now().Add(authTimeout)
	conn.SetReadDeadline(deadline)

	// Greeting: {"T":"success","msg":"connected"}
	if ctl, err := c.readControl(conn); err != nil {
		return fmt.Errorf("feed: greeting: %w", err)
	} else if ctl.Type == "error" {
		return c.classifyAuthError(ctl)
	}

	if err := c.writeFrame(conn, controlFrame{Action: "auth", Key: c.cfg.Key, Secret: c.cfg.Secret}); err != nil {
		return fmt.Errorf("feed: send auth: %w", err)
	}

	for time.Now().Before(deadline) {
		ctl, err := c.readControl(conn)
		if err != nil {
			return fmt.Errorf("feed: auth ack: %w", err)
		}
		switch {
		case ctl.Type == "success" && ctl.Msg == "authenticated":
			return nil
		case ctl.Type == "error":
			return c.classifyAuthError(ctl)
		}
	}
	return errors.New("feed: auth ack timeout")
}

// classifyAuthError maps provider auth error codes. 402 is a bad key pair,
// 406 a connection limit; both mean this process must not retry.
func (c *Client) classifyAuthError(ctl Control) error {
	if ctl.Code == 402 || ctl.Code == 406 {
		return fmt.Errorf("%w: %s (code %d)", ErrUnauthorized, ctl.Msg, ctl.Code)
	}
	return fmt.Errorf("feed: auth error: %s (code %d)", ctl.Msg, ctl.Code)
}

// readControl reads frames until a control message appears, skipping any
// early data.
func (c *Client) readControl(conn *websocket.Conn) (Control, error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return Control{}, err
		}
		msgs, err := ParseFrame(data)
		if err != nil {
			c.met.MalformedFrames.Inc()
			continue
		}
		for _, m := range msgs {
			if m.Kind == KindControl {
				return m.Control, nil
			}
		}
	}
}

// readLoop processes inbound frames until the connection dies or the ping
// deadline lapses.
func (c *Client) readLoop(conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(pongTimeout))

		msgs, err := ParseFrame(data)
		if err != nil {
			c.met.MalformedFrames.Inc()
			continue
		}
		for _, m := range msgs {
			c.dispatch(m)
		}
	}
}

func (c *Client) dispatch(m Message) {
	switch m.Kind {
	case KindTrade:
		if c.handlers.OnTrade != nil {
			c.handlers.OnTrade(m.Trade)
		}
	case KindQuote:
		if c.handlers.OnQuote != nil {
			c.handlers.OnQuote(m.Quote)
		}
	case KindBar:
		if c.handlers.OnBar != nil {
			c.handlers.OnBar(m.Bar)
		}
	case KindNews:
		if c.handlers.OnNews != nil {
			c.handlers.OnNews(m.News)
		}
	case KindControl:
		if m.Control.Type == "error" {
			log.Printf("[feed] upstream error: %s (code %d)", m.Control.Msg, m.Control.Code)
		}
	default:
		c.met.UnknownFrameTypes.Inc()
	}
}

// pingLoop keeps the connection alive; a missed pong trips the read
// deadline in readLoop.
func (c *Client) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *Client) writeFrame(conn *websocket.Conn, frame controlFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(frame)
}

// ── Subscription control ──

// Subscribe adds a symbol to the desired set for a channel. Deltas are
// batched for up to 50ms to reduce control-frame volume.
func (c *Client) Subscribe(symbol string, ch model.Channel) error {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	if c.desired[ch] == nil {
		c.desired[ch] = make(map[string]struct{})
	}
	if _, ok := c.desired[ch][symbol]; ok {
		return nil
	}
	c.desired[ch][symbol] = struct{}{}

	if c.pendingSub[ch] == nil {
		c.pendingSub[ch] = make(map[string]struct{})
	}
	c.pendingSub[ch][symbol] = struct{}{}
	if c.pendingUnsub[ch] != nil {
		delete(c.pendingUnsub[ch], symbol)
	}

	c.updateSubGauge()
	c.scheduleFlushLocked()
	return nil
}

// Unsubscribe removes a symbol from the desired set for a channel.
func (c *Client) Unsubscribe(symbol string, ch model.Channel) error {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	if c.desired[ch] == nil {
		return nil
	}
	if _, ok := c.desired[ch][symbol]; !ok {
		return nil
	}
	delete(c.desired[ch], symbol)

	if c.pendingUnsub[ch] == nil {
		c.pendingUnsub[ch] = make(map[string]struct{})
	}
	c.pendingUnsub[ch][symbol] = struct{}{}
	if c.pendingSub[ch] != nil {
		delete(c.pendingSub[ch], symbol)
	}

	c.updateSubGauge()
	c.scheduleFlushLocked()
	return nil
}

// Subscriptions returns the desired symbol set for a channel.
func (c *Client) Subscriptions(ch model.Channel) []string {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	out := make([]string, 0, len(c.desired[ch]))
	for s := range c.desired[ch] {
		out = append(out, s)
	}
	return out
}

// updateSubGauge tracks upstream trade subscriptions. Caller holds subMu.
func (c *Client) updateSubGauge() {
	c.met.UpstreamSubscribed.Set(float64(len(c.desired[model.ChannelTrades])))
}

// scheduleFlushLocked arms the batch timer. Caller holds subMu.
func (c *Client) scheduleFlushLocked() {
	if c.flushTimer != nil {
		return
	}
	c.flushTimer = time.AfterFunc(batchWindow, c.flush)
}

// flush sends the accumulated deltas: one subscribe frame and one
// unsubscribe frame, each carrying every channel's symbols.
func (c *Client) flush() {
	c.subMu.Lock()
	sub := c.pendingSub
	unsub := c.pendingUnsub
	c.pendingSub = make(map[model.Channel]map[string]struct{})
	c.pendingUnsub = make(map[model.Channel]map[string]struct{})
	c.flushTimer = nil
	c.subMu.Unlock()

	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		// Disconnected: the desired set is re-sent wholesale on reconnect.
		return
	}

	if frame, ok := buildFrame("subscribe", sub); ok {
		if err := c.writeFrame(conn, frame); err != nil {
			log.Printf("[feed] subscribe frame: %v", err)
			return
		}
	}
	if frame, ok := buildFrame("unsubscribe", unsub); ok {
		if err := c.writeFrame(conn, frame); err != nil {
			log.Printf("[feed] unsubscribe frame: %v", err)
		}
	}
}

// resubscribeAll sends the complete desired set in one frame.
func (c *Client) resubscribeAll(conn *websocket.Conn) error {
	c.subMu.Lock()
	full := make(map[model.Channel]map[string]struct{}, len(c.desired))
	for ch, symbols := range c.desired {
		cp := make(map[string]struct{}, len(symbols))
		for s := range symbols {
			cp[s] = struct{}{}
		}
		full[ch] = cp
	}
	// Pending deltas are subsumed by the full set.
	c.pendingSub = make(map[model.Channel]map[string]struct{})
	c.pendingUnsub = make(map[model.Channel]map[string]struct{})
	c.subMu.Unlock()

	frame, ok := buildFrame("subscribe", full)
	if !ok {
		return nil
	}
	log.Printf("[feed] resubscribing %d trade symbols", len(frame.Trades))
	return c.writeFrame(conn, frame)
}

func buildFrame(action string, set map[model.Channel]map[string]struct{}) (controlFrame, bool) {
	frame := controlFrame{Action: action}
	nonEmpty := false
	for ch, symbols := range set {
		if len(symbols) == 0 {
			continue
		}
		list := make([]string, 0, len(symbols))
		for s := range symbols {
			list = append(list, s)
		}
		nonEmpty = true
		switch ch {
		case model.ChannelTrades:
			frame.Trades = list
		case model.ChannelQuotes:
			frame.Quotes = list
		case model.ChannelBars:
			frame.Bars = list
		case model.ChannelNews:
			frame.News = list
		}
	}
	return frame, nonEmpty
}
