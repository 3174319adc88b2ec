// Package ws implements the dashboard push channel: a broadcast hub that
// fans out every window aggregate recomputed by C5 to connected websocket
// clients, best-effort: a slow client holds up a recompute for at most its
// write deadline, and a client whose send fails is dropped.
package ws

import "sync"

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub manages the single dashboard stream; there is no per-key partitioning
// since every connected client wants every aggregate.
type Hub struct {
	mu      sync.RWMutex
	clients map[Subscriber]struct{}
}

// NewHub creates an initialized Hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[Subscriber]struct{})}
}

// Register adds a client to the stream.
func (h *Hub) Register(client Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client] = struct{}{}
}

// Unregister removes a client from the stream.
func (h *Hub) Unregister(client Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, client)
}

// Broadcast sends payload to every connected client. A client whose Send
// fails is dropped from the hub. Clients are sent to one after another, so a
// stalled client delays Broadcast for as long as its Send takes; Client.Send
// bounds that with a write deadline.
func (h *Hub) Broadcast(payload []byte) {
	h.mu.RLock()
	targets := make([]Subscriber, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	var dead []Subscriber
	for _, c := range targets {
		if err := c.Send(payload); err != nil {
			dead = append(dead, c)
		}
	}
	if len(dead) == 0 {
		return
	}
	h.mu.Lock()
	for _, c := range dead {
		delete(h.clients, c)
	}
	h.mu.Unlock()
}

// Count returns the number of currently connected subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
