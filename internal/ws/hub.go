// Package ws pushes outbox events to WebSocket subscribers. Clients
// subscribe to one account and a namespace set; the hub routes ring deltas
// to matching clients and never blocks on a slow consumer.
package ws

import (
	"context"
	"sync"

	"oms/internal/core"
)

// Client is one subscriber connection with its routing filter.
type Client struct {
	id         string
	accountID  int64
	namespaces map[string]bool

	mu     sync.Mutex
	send   chan Message
	closed bool
}

// NewClient creates a subscriber for one account. An empty namespace set
// subscribes to every namespace.
func NewClient(id string, accountID int64, namespaces []string) *Client {
	set := make(map[string]bool, len(namespaces))
	for _, ns := range namespaces {
		set[ns] = true
	}
	return &Client{
		id:         id,
		accountID:  accountID,
		namespaces: set,
		send:       make(chan Message, 256),
	}
}

// Wants reports whether the client's filter matches the event.
func (c *Client) Wants(accountID int64, namespace string) bool {
	if c.accountID != accountID {
		return false
	}
	return len(c.namespaces) == 0 || c.namespaces[namespace]
}

// Send queues a message without blocking. Returns false when the client is
// closed or too slow; slow clients recover through ws_pull_events.
func (c *Client) Send(msg Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// SendChan exposes the outbound queue to the write pump.
func (c *Client) SendChan() <-chan Message { return c.send }

// Close marks the client dead and closes its queue.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Hub tracks subscribers and fans events out to them.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool
	logger  core.ILogger
}

// NewHub creates an empty hub.
func NewHub(logger core.ILogger) *Hub {
	return &Hub{
		clients: make(map[*Client]bool),
		logger:  logger.WithField("component", "ws_hub"),
	}
}

// Register adds a subscriber.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	total := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("Subscriber registered", "client_id", client.id,
		"account_id", client.accountID, "total", total)
}

// Unregister removes and closes a subscriber.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		client.Close()
	}
	total := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("Subscriber unregistered", "client_id", client.id, "total", total)
}

// BroadcastEvent routes one outbox event to every matching subscriber.
func (h *Hub) BroadcastEvent(ev core.Event) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		if client.Wants(ev.AccountID, ev.Namespace) {
			targets = append(targets, client)
		}
	}
	h.mu.RUnlock()

	msg := Message{
		Type:      TypeEvent,
		Namespace: ev.Namespace,
		AccountID: ev.AccountID,
		Data:      ev,
	}
	for _, client := range targets {
		if !client.Send(msg) {
			h.logger.Warn("Dropping event for slow subscriber",
				"client_id", client.id, "event_id", ev.ID)
		}
	}
}

// Run consumes the event feed until the context ends, then closes every
// subscriber.
func (h *Hub) Run(ctx context.Context, events <-chan core.Event) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.BroadcastEvent(ev)
		}
	}
}

// ClientCount returns the number of live subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
