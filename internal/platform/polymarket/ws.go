package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/polysentry/polysentry/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// marketChannel is the CLOB market-data channel carrying book snapshots
	// and incremental price changes.
	marketChannel = "market"
)

// BookHandler is called for every full orderbook snapshot.
type BookHandler func(domain.OrderbookSnapshot)

// PriceChangeHandler is called for every incremental price-level update.
type PriceChangeHandler func(PriceChange)

// WSClient is a websocket client for the CLOB real-time market-data feed.
// It manages the connection lifecycle, a de-duplicated token subscription
// set, and dispatches parsed messages to registered handlers.
//
// Connection errors are retried forever with exponential backoff; the
// subscription set survives reconnects transparently to callers.
type WSClient struct {
	wsURL             string
	reconnectDelay    time.Duration
	maxReconnectDelay time.Duration
	logger            *slog.Logger

	mu     sync.RWMutex
	conn   *websocket.Conn
	closed bool
	subs   map[string]struct{}

	handlerMu     sync.RWMutex
	bookHandlers  []BookHandler
	priceHandlers []PriceChangeHandler

	// done is closed when the client is shut down.
	done chan struct{}
}

// NewWSClient creates a websocket feed client for the given endpoint.
// reconnectDelay is the initial backoff after a disconnect; it doubles up
// to maxReconnectDelay.
func NewWSClient(wsURL string, reconnectDelay, maxReconnectDelay time.Duration, logger *slog.Logger) *WSClient {
	return &WSClient{
		wsURL:             wsURL,
		reconnectDelay:    reconnectDelay,
		maxReconnectDelay: maxReconnectDelay,
		logger:            logger.With(slog.String("component", "price_feed")),
		subs:              make(map[string]struct{}),
		done:              make(chan struct{}),
	}
}

// Connect establishes the websocket connection and re-issues all current
// subscriptions.
func (w *WSClient) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("polymarket/ws: %w", domain.ErrWSDisconnect)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, w.wsURL, nil)
	if err != nil {
		return fmt.Errorf("polymarket/ws: connect: %w", err)
	}

	w.conn = conn

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// Restore the subscription set before the loops start, so a failed
	// restore leaves no reader running on a connection the caller will
	// immediately redial.
	if len(w.subs) > 0 {
		if err := w.sendCommand(w.subscribeCommand(w.tokensLocked())); err != nil {
			conn.Close()
			w.conn = nil
			return fmt.Errorf("polymarket/ws: restore subscriptions: %w", err)
		}
	}

	go w.readLoop(conn)
	go w.pingLoop(conn)

	return nil
}

// Subscribe adds the given tokens to the subscription set. Tokens that are
// already subscribed are skipped; the subscribe frame is only sent when the
// set actually grew.
func (w *WSClient) Subscribe(ctx context.Context, tokenIDs []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	added := make([]string, 0, len(tokenIDs))
	for _, id := range tokenIDs {
		if id == "" {
			continue
		}
		if _, ok := w.subs[id]; ok {
			continue
		}
		w.subs[id] = struct{}{}
		added = append(added, id)
	}

	if len(added) == 0 || w.conn == nil {
		return nil
	}

	if err := w.sendCommand(w.subscribeCommand(added)); err != nil {
		return fmt.Errorf("polymarket/ws: subscribe: %w", err)
	}
	return nil
}

// Unsubscribe removes the given tokens from the subscription set and stops
// future ticks for them. Unknown tokens are ignored.
func (w *WSClient) Unsubscribe(ctx context.Context, tokenIDs []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	removed := make([]string, 0, len(tokenIDs))
	for _, id := range tokenIDs {
		if _, ok := w.subs[id]; !ok {
			continue
		}
		delete(w.subs, id)
		removed = append(removed, id)
	}

	if len(removed) == 0 || w.conn == nil {
		return nil
	}

	cmd := WSCommand{Type: "unsubscribe", Channel: marketChannel, Assets: removed}
	if err := w.sendCommand(cmd); err != nil {
		return fmt.Errorf("polymarket/ws: unsubscribe: %w", err)
	}
	return nil
}

// Subscribed returns the current subscription set in sorted order.
func (w *WSClient) Subscribed() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.tokensLocked()
}

// IsSubscribed reports whether the token is in the subscription set.
func (w *WSClient) IsSubscribed(tokenID string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.subs[tokenID]
	return ok
}

// Close shuts down the websocket connection and stops the read loop.
func (w *WSClient) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}

	w.closed = true
	close(w.done)

	if w.conn != nil {
		_ = w.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		return w.conn.Close()
	}

	return nil
}

// OnBook registers a handler for full orderbook snapshots.
func (w *WSClient) OnBook(handler BookHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.bookHandlers = append(w.bookHandlers, handler)
}

// OnPriceChange registers a handler for incremental price-level updates.
func (w *WSClient) OnPriceChange(handler PriceChangeHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.priceHandlers = append(w.priceHandlers, handler)
}

// --------------------------------------------------------------------------
// Internal methods
// --------------------------------------------------------------------------

// tokensLocked snapshots the subscription set. Caller must hold w.mu.
func (w *WSClient) tokensLocked() []string {
	tokens := make([]string, 0, len(w.subs))
	for id := range w.subs {
		tokens = append(tokens, id)
	}
	sort.Strings(tokens)
	return tokens
}

func (w *WSClient) subscribeCommand(tokens []string) WSCommand {
	return WSCommand{Type: "subscribe", Channel: marketChannel, Assets: tokens}
}

// sendCommand sends a JSON command to the websocket. Caller must hold w.mu.
func (w *WSClient) sendCommand(cmd WSCommand) error {
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}

	return w.conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop continuously reads messages from the websocket and dispatches
// them. On disconnect it hands off to reconnect, which starts a fresh loop.
func (w *WSClient) readLoop(conn *websocket.Conn) {
	defer conn.Close()

	for {
		select {
		case <-w.done:
			return
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-w.done:
				return
			default:
			}

			w.logger.Warn("feed disconnected, reconnecting",
				slog.String("error", err.Error()),
			)
			w.reconnect()
			return
		}

		w.handleMessage(message)
	}
}

// pingLoop sends periodic ping messages to keep the websocket alive.
func (w *WSClient) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage parses a raw frame and routes it by message type. Frames
// that fail to parse are dropped; a bad message must never kill the feed.
func (w *WSClient) handleMessage(raw []byte) {
	var envelope struct {
		MsgType string `json:"msg_type"`
		Event   string `json:"event_type"`
	}

	if err := json.Unmarshal(raw, &envelope); err != nil {
		w.logger.Debug("dropping unparseable frame", slog.Int("len", len(raw)))
		return
	}

	msgType := envelope.MsgType
	if msgType == "" {
		msgType = envelope.Event
	}

	switch msgType {
	case "book":
		var book BookMessage
		if err := json.Unmarshal(raw, &book); err != nil {
			w.logger.Debug("dropping malformed book frame", slog.String("error", err.Error()))
			return
		}
		snap := book.ToDomainSnapshot()

		w.handlerMu.RLock()
		handlers := w.bookHandlers
		w.handlerMu.RUnlock()

		for _, h := range handlers {
			h(snap)
		}

	case "price_change":
		var msg PriceChangeMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			w.logger.Debug("dropping malformed price_change frame", slog.String("error", err.Error()))
			return
		}
		change, ok := msg.ToPriceChange()
		if !ok {
			return
		}

		w.handlerMu.RLock()
		handlers := w.priceHandlers
		w.handlerMu.RUnlock()

		for _, h := range handlers {
			h(change)
		}
	}
}

// reconnect re-establishes the websocket connection with exponential
// backoff, doubling from the configured initial delay up to the configured
// maximum. It blocks until successful or the client is closed.
func (w *WSClient) reconnect() {
	delay := w.reconnectDelay

	for attempt := 1; ; attempt++ {
		select {
		case <-w.done:
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := w.Connect(ctx)
		cancel()

		if err == nil {
			w.logger.Info("feed reconnected", slog.Int("attempt", attempt))
			return
		}

		w.logger.Warn("reconnect failed",
			slog.Int("attempt", attempt),
			slog.Duration("next_delay", delay),
			slog.String("error", err.Error()),
		)

		delay *= 2
		if delay > w.maxReconnectDelay {
			delay = w.maxReconnectDelay
		}
	}
}
