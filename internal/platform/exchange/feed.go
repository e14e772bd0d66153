package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/copybot/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second
)

// PriceHandler is called for every live quote update.
type PriceHandler func(domain.MarketPrices)

// feedCommand is a subscribe/unsubscribe request on the feed socket.
type feedCommand struct {
	Type    string   `json:"type"`
	Markets []string `json:"markets"`
}

// priceMessage is the wire shape of a quote update.
type priceMessage struct {
	Event    string `json:"event"`
	MarketID string `json:"market_id"`
	Yes      string `json:"yes"`
	No       string `json:"no"`
}

// PriceFeed is a WebSocket client for the exchange's live market-data feed.
// It manages the connection lifecycle, resubscribes after reconnects, and
// dispatches quote updates to registered handlers.
type PriceFeed struct {
	wsURL string
	conn  *websocket.Conn

	mu     sync.RWMutex
	closed bool

	// Subscriptions to restore on reconnect.
	subscriptions []string

	handlers  []PriceHandler
	handlerMu sync.RWMutex

	// done is closed when the feed is shut down.
	done chan struct{}
}

// NewPriceFeed creates a feed client for the given WebSocket URL.
func NewPriceFeed(wsURL string) *PriceFeed {
	return &PriceFeed{
		wsURL: wsURL,
		done:  make(chan struct{}),
	}
}

// Connect establishes the WebSocket connection and starts the read and ping
// loops.
func (f *PriceFeed) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return fmt.Errorf("exchange/feed: connect after close")
	}

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.wsURL, nil)
	if err != nil {
		return fmt.Errorf("exchange/feed: connect: %w", err)
	}

	f.conn = conn

	f.conn.SetReadDeadline(time.Now().Add(pongWait))
	f.conn.SetPongHandler(func(string) error {
		f.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go f.readLoop()
	go f.pingLoop()

	// Restore subscriptions after a reconnect.
	if len(f.subscriptions) > 0 {
		cmd := feedCommand{Type: "subscribe", Markets: f.subscriptions}
		if err := f.sendCommand(cmd); err != nil {
			return fmt.Errorf("exchange/feed: restore subscriptions: %w", err)
		}
	}

	return nil
}

// Subscribe starts quote delivery for the given market ids.
func (f *PriceFeed) Subscribe(ctx context.Context, marketIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.conn == nil {
		return fmt.Errorf("exchange/feed: not connected")
	}

	cmd := feedCommand{Type: "subscribe", Markets: marketIDs}
	if err := f.sendCommand(cmd); err != nil {
		return fmt.Errorf("exchange/feed: subscribe: %w", err)
	}

	f.subscriptions = append(f.subscriptions, marketIDs...)
	return nil
}

// OnPrice registers a handler for quote updates.
func (f *PriceFeed) OnPrice(handler PriceHandler) {
	f.handlerMu.Lock()
	defer f.handlerMu.Unlock()
	f.handlers = append(f.handlers, handler)
}

// Close shuts down the connection and stops the loops.
func (f *PriceFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}
	f.closed = true
	close(f.done)

	if f.conn != nil {
		_ = f.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		return f.conn.Close()
	}
	return nil
}

// sendCommand sends a JSON command. Caller must hold f.mu.
func (f *PriceFeed) sendCommand(cmd feedCommand) error {
	f.conn.SetWriteDeadline(time.Now().Add(writeWait))

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	return f.conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop reads messages and dispatches quote updates until disconnect,
// then hands off to reconnect.
func (f *PriceFeed) readLoop() {
	defer func() {
		f.mu.RLock()
		conn := f.conn
		f.mu.RUnlock()
		if conn != nil {
			conn.Close()
		}
	}()

	for {
		select {
		case <-f.done:
			return
		default:
		}

		f.mu.RLock()
		conn := f.conn
		f.mu.RUnlock()
		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-f.done:
				return
			default:
			}
			f.reconnect()
			return // readLoop restarts via reconnect -> Connect
		}

		f.handleMessage(message)
	}
}

// pingLoop keeps the connection alive.
func (f *PriceFeed) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-f.done:
			return
		case <-ticker.C:
			f.mu.RLock()
			conn := f.conn
			f.mu.RUnlock()
			if conn == nil {
				return
			}

			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage parses one raw message and fans it out to handlers.
// Unparseable messages are dropped.
func (f *PriceFeed) handleMessage(raw []byte) {
	var msg priceMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	if msg.Event != "price" || msg.MarketID == "" {
		return
	}

	prices := domain.MarketPrices{
		MarketID: msg.MarketID,
		Yes:      parseDecimal(msg.Yes),
		No:       parseDecimal(msg.No),
		AsOf:     time.Now().UTC(),
	}

	f.handlerMu.RLock()
	handlers := f.handlers
	f.handlerMu.RUnlock()

	for _, h := range handlers {
		h(prices)
	}
}

// reconnect re-establishes the connection with exponential backoff. It
// blocks until successful or the feed is closed.
func (f *PriceFeed) reconnect() {
	delay := reconnectDelay

	for {
		select {
		case <-f.done:
			return
		default:
		}

		time.Sleep(delay)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := f.Connect(ctx)
		cancel()
		if err == nil {
			return
		}

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}
