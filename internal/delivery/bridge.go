package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bookline/concierge/internal/bus"
)

// InboundHandler accepts events the bridge receives from customers.
type InboundHandler interface {
	HandleInbound(ctx context.Context, ev bus.InboundEvent) error
}

// BridgeChannel connects to a self-hosted messaging bridge via WebSocket.
// The bridge speaks the actual messaging protocol; this channel just
// exchanges JSON frames over WS: replies go out, customer events come in.
type BridgeChannel struct {
	url     string
	handler InboundHandler

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewBridgeChannel creates a bridge channel. handler may be nil when the
// bridge is used for delivery only.
func NewBridgeChannel(url string, handler InboundHandler) (*BridgeChannel, error) {
	if url == "" {
		return nil, fmt.Errorf("bridge_url is required")
	}
	return &BridgeChannel{url: url, handler: handler}, nil
}

// SetHandler installs the inbound handler. Must be called before Start;
// in bridge mode the dispatcher is built after the channel because the
// channel is also the reply sender.
func (c *BridgeChannel) SetHandler(h InboundHandler) {
	c.handler = h
}

// Start connects to the bridge and begins listening.
func (c *BridgeChannel) Start(ctx context.Context) error {
	slog.Info("starting bridge channel", "url", c.url)
	c.ctx, c.cancel = context.WithCancel(ctx)

	if err := c.connect(); err != nil {
		// Don't fail hard — reconnect loop will keep trying
		slog.Warn("initial bridge connection failed, will retry", "error", err)
	}
	go c.listenLoop()
	return nil
}

// Stop closes the bridge connection.
func (c *BridgeChannel) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.connected = false
}

// SendReply writes one reply frame to the bridge.
func (c *BridgeChannel) SendReply(customerID, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("bridge not connected")
	}

	data, err := json.Marshal(map[string]any{
		"type":    "message",
		"to":      customerID,
		"content": text,
	})
	if err != nil {
		return fmt.Errorf("marshal bridge message: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send bridge message: %w", err)
	}
	return nil
}

func (c *BridgeChannel) connect() error {
	dialer := websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	conn, _, err := dialer.Dial(c.url, nil)
	if err != nil {
		return fmt.Errorf("dial bridge %s: %w", c.url, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	slog.Info("bridge connected", "url", c.url)
	return nil
}

// listenLoop reads frames from the bridge with automatic reconnection.
func (c *BridgeChannel) listenLoop() {
	backoff := time.Second

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			slog.Info("attempting bridge reconnect", "backoff", backoff)
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(backoff):
			}
			if err := c.connect(); err != nil {
				slog.Warn("bridge reconnect failed", "error", err)
				backoff = min(backoff*2, 30*time.Second)
				continue
			}
			backoff = time.Second // reset on success
			continue
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			slog.Warn("bridge read error, will reconnect", "error", err)
			c.mu.Lock()
			if c.conn != nil {
				_ = c.conn.Close()
				c.conn = nil
			}
			c.connected = false
			c.mu.Unlock()
			continue
		}

		var frame bridgeFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			slog.Warn("invalid bridge frame JSON", "error", err)
			continue
		}
		if frame.Type == "message" {
			c.handleIncoming(frame)
		}
	}
}

// bridgeFrame is one inbound frame from the bridge.
// Format: {"type":"message","from":"...","kind":"text","content":"...","caption":"..."}
type bridgeFrame struct {
	Type    string `json:"type"`
	From    string `json:"from"`
	Kind    string `json:"kind"`
	Content string `json:"content"`
	Caption string `json:"caption"`
}

func (c *BridgeChannel) handleIncoming(frame bridgeFrame) {
	if c.handler == nil || frame.From == "" {
		return
	}

	kind := bus.EventKind(frame.Kind)
	if !kind.Valid() {
		kind = bus.KindText
	}

	ev := bus.InboundEvent{
		CustomerID: frame.From,
		Kind:       kind,
		Payload:    frame.Content,
		Caption:    frame.Caption,
	}
	if err := c.handler.HandleInbound(c.ctx, ev); err != nil {
		slog.Error("bridge: inbound event rejected", "customer", frame.From, "error", err)
	}
}
