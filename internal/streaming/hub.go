// Package streaming fans newly admitted pending transactions out to
// connected SSE clients. Delivery is best-effort: a slow client loses
// events instead of stalling admission.
package streaming

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/rumor-ml/commons.systems/smsledger/internal/domain"
)

// Event is one item pushed to stream clients.
type Event struct {
	Type    string                     `json:"type"`
	Pending *domain.PendingTransaction `json:"pending,omitempty"`
}

// Event types carried on the stream.
const (
	EventTypePendingAdmitted = "pending_admitted"
	EventTypePendingResolved = "pending_resolved"
)

// Client is one connected stream consumer. Events is closed when the client
// is unregistered or the hub shuts down.
type Client struct {
	Events chan Event
}

// Hub broadcasts events to all registered clients.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	closed  bool
	log     zerolog.Logger
}

// NewHub creates an empty hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		log:     log,
	}
}

// Register adds a client and returns it. The returned client's Events
// channel is buffered; the caller drains it until closed.
func (h *Hub) Register() *Client {
	client := &Client{Events: make(chan Event, 16)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(client.Events)
		return client
	}
	h.clients[client] = struct{}{}
	h.log.Debug().Int("clients", len(h.clients)).Msg("stream client registered")
	return client
}

// Unregister removes a client and closes its channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.Events)
	h.log.Debug().Int("clients", len(h.clients)).Msg("stream client unregistered")
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast delivers the event to every client. Clients whose buffers are
// full are skipped; the stream is advisory, the pending list is the source
// of truth.
func (h *Hub) Broadcast(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for client := range h.clients {
		select {
		case client.Events <- event:
		default:
			h.log.Warn().Str("type", event.Type).
				Msg("stream client buffer full, dropping event")
		}
	}
}

// Close shuts the hub down and closes every client channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for client := range h.clients {
		close(client.Events)
		delete(h.clients, client)
	}
}
