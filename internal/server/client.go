// Package server manages individual WebSocket clients, handling read/write
// pumps, rate limiting, and lifecycle control for each connection.
package server

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second
)

// Dispatcher is the session logic a client drives. *router.Router implements it.
type Dispatcher interface {
	Connect(ctx context.Context, conn chat.Connection) error
	Disconnect(connID chat.ConnID)
	Dispatch(ctx context.Context, connID chat.ConnID, ev chat.Inbound) error
	Reject(connID chat.ConnID, event string, err error)
}

// Client is one authenticated WebSocket connection.
type Client struct {
	id          chat.ConnID
	userID      string
	conn        *websocket.Conn
	send        chan []byte
	hub         *Hub
	dispatcher  Dispatcher
	addr        string
	closed      bool
	opts        Options
	rateLimiter *rate.Limiter
	log         *zap.Logger
}

// NewClient creates a client for an upgraded connection owned by userID.
func NewClient(id chat.ConnID, userID string, conn *websocket.Conn, hub *Hub, dispatcher Dispatcher, addr string, opts Options, logger *zap.Logger) *Client {
	if conn != nil {
		conn.SetReadLimit(opts.MaxMessageSize)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		id:          id,
		userID:      userID,
		conn:        conn,
		send:        make(chan []byte, sendBufferSize),
		hub:         hub,
		dispatcher:  dispatcher,
		addr:        addr,
		opts:        opts,
		rateLimiter: newRateLimiter(opts.RateLimit.Burst, opts.RateLimit.RefillInterval),
		log: logger.With(
			zap.String("conn_id", string(id)),
			zap.String("user_id", userID)),
	}
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Debug("setting initial read deadline", zap.Error(err))
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.log.Debug("setting read deadline in pong handler", zap.Error(err))
		}
		return nil
	})
}

// isExpectedCloseError reports errors that only mean the peer or the hub
// already closed the connection.
func isExpectedCloseError(err error) bool {
	return err == nil ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, websocket.ErrCloseSent) ||
		errors.Is(err, syscall.EPIPE)
}

// handleReadError logs the read failure at a level matching its cause. Any
// read error ends the read loop.
func (c *Client) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Warn("frame exceeded maximum size", zap.Int64("max_bytes", c.opts.MaxMessageSize))
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.log.Debug("client disconnected", zap.Error(err))
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.log.Debug("connection closed", zap.Error(err))
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		c.log.Warn("unexpected websocket close", zap.Error(err))
	default:
		c.log.Warn("websocket read error", zap.Error(err))
	}
}

// checkRateLimit reports whether another inbound event may be processed now.
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter != nil && !c.rateLimiter.Allow() {
		c.log.Debug("rate limit exceeded",
			zap.Int("burst", c.opts.RateLimit.Burst),
			zap.Duration("interval", c.opts.RateLimit.RefillInterval))
		return false
	}
	return true
}

// processMessage decodes one frame and dispatches it. Failures are reported
// to this connection as rejections.
func (c *Client) processMessage(raw []byte) {
	ev, err := chat.DecodeInbound(raw)
	if err != nil {
		c.dispatcher.Reject(c.id, "", err)
		return
	}
	if err := c.dispatcher.Dispatch(c.hub.ctx, c.id, ev); err != nil {
		c.log.Debug("event rejected", zap.String("event", ev.EventName()), zap.Error(err))
	}
}

// connect registers the session within the handshake timeout. On failure the
// rejection is queued and the connection is closed once it is written.
func (c *Client) connect() bool {
	ctx, cancel := context.WithTimeout(c.hub.ctx, c.opts.HandshakeTimeout)
	defer cancel()
	err := c.dispatcher.Connect(ctx, chat.Connection{ID: c.id, UserID: c.userID, CreatedAt: time.Now()})
	if err != nil {
		c.log.Info("session rejected", zap.Error(err))
		c.dispatcher.Reject(c.id, "", err)
		return false
	}
	return true
}

func (c *Client) readPump() {
	defer func() {
		c.dispatcher.Disconnect(c.id)
		c.hub.unregisterClient(c)
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Debug("closing connection in readPump", zap.Error(err))
		}
	}()

	c.setupReadConnection()
	if !c.connect() {
		return
	}

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}

		if !c.checkRateLimit() {
			c.dispatcher.Reject(c.id, "", chat.ErrRateLimited)
			continue
		}

		c.processMessage(raw)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.send:
		return c.handleMessage(message, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

// closeConnection safely closes the WebSocket connection with proper error handling
func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.log.Debug("closing connection in writePump", zap.Error(err))
	}
}

// handleMessage writes one outgoing event and returns false if the connection should be closed
func (c *Client) handleMessage(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Debug("setting write deadline", zap.Error(err))
		return false
	}

	if !ok {
		return c.writeCloseMessage()
	}

	return c.writeTextMessage(message)
}

// writeCloseMessage sends a close message to the client
func (c *Client) writeCloseMessage() bool {
	if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
		c.log.Debug("writing close message", zap.Error(err))
	}
	return false
}

// writeTextMessage writes one event per frame.
func (c *Client) writeTextMessage(message []byte) bool {
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Debug("writing message", zap.Error(err))
		}
		return false
	}
	return true
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Debug("setting write deadline for ping", zap.Error(err))
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.log.Debug("writing ping", zap.Error(err))
		return false
	}
	return true
}
