// Package server coordinates client registration, event delivery, and
// connection cleanup for the chat WebSocket gateway via the Hub type.
package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Tyrowin/roomchat/internal/chat"
	"go.uber.org/zap"
)

// ErrHubClosed is returned when registering with a hub that has shut down.
var ErrHubClosed = errors.New("hub is shut down")

// sendBufferSize is the number of encoded events a client may have queued.
// A client that falls this far behind is dropped.
const sendBufferSize = 256

// Hub owns the live WebSocket clients, keyed by connection id, and hands
// encoded events to them without blocking.
type Hub struct {
	clients    map[chat.ConnID]*Client
	register   chan *Client
	unregister chan *Client
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	log        *zap.Logger
}

// NewHub creates a Hub. Run must be started before clients register.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[chat.ConnID]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		log:        logger,
	}
}

// Register hands a new client to the run loop, which starts its pumps.
func (h *Hub) Register(c *Client) error {
	select {
	case h.register <- c:
		return nil
	case <-h.ctx.Done():
		return ErrHubClosed
	}
}

func (h *Hub) unregisterClient(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
		h.remove(c, "hub stopped")
	}
}

// Deliver encodes ev and queues it for connID. It never blocks: a missing
// client reports false, and a client whose buffer is full is dropped.
func (h *Hub) Deliver(connID chat.ConnID, ev chat.Outbound) bool {
	payload, err := chat.EncodeOutbound(ev)
	if err != nil {
		h.log.Error("encode outbound event", zap.String("event", ev.EventName()), zap.Error(err))
		return false
	}

	h.mutex.RLock()
	c, ok := h.clients[connID]
	if !ok || c.closed {
		h.mutex.RUnlock()
		return false
	}
	select {
	case c.send <- payload:
		h.mutex.RUnlock()
		return true
	default:
		h.mutex.RUnlock()
	}

	h.remove(c, "send buffer full")
	return false
}

// Count returns the number of registered clients.
func (h *Hub) Count() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Run starts the hub's main event loop, handling client registration and
// unregistration. It returns after Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				h.log.Warn("received nil client registration; skipping")
				continue
			}

			h.mutex.Lock()
			client.closed = false
			h.clients[client.id] = client
			clientCount := len(h.clients)
			h.mutex.Unlock()
			h.log.Debug("client registered",
				zap.String("conn_id", string(client.id)),
				zap.String("remote_addr", client.addr),
				zap.Int("clients", clientCount))

			h.wg.Add(2)
			go func() {
				defer h.wg.Done()
				client.writePump()
			}()
			go func() {
				defer h.wg.Done()
				client.readPump()
			}()

		case client := <-h.unregister:
			h.remove(client, "connection closed")
		}
	}
}

// remove drops c and closes its send channel, which makes the write pump
// send a close frame. Removing twice is a no-op.
func (h *Hub) remove(c *Client, reason string) {
	h.mutex.Lock()
	current, ok := h.clients[c.id]
	if !ok || current != c {
		h.mutex.Unlock()
		return
	}
	delete(h.clients, c.id)
	c.closed = true
	clientCount := len(h.clients)
	h.mutex.Unlock()

	close(c.send)
	h.log.Debug("client unregistered",
		zap.String("conn_id", string(c.id)),
		zap.String("reason", reason),
		zap.Int("clients", clientCount))
}

// shutdownClients closes every connection; each read pump then deregisters
// its own connection.
func (h *Hub) shutdownClients() {
	h.mutex.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.mutex.RUnlock()

	for _, client := range clients {
		if client.conn == nil {
			continue
		}
		if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
			h.log.Warn("closing client connection",
				zap.String("conn_id", string(client.id)),
				zap.Error(err))
		}
	}
	h.log.Info("closed client connections", zap.Int("count", len(clients)))
}

// Shutdown stops the hub and waits for all client goroutines to finish, or
// for timeout.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info("initiating hub shutdown")
	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.log.Warn("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
