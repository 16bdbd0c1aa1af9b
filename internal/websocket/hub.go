package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"amora-realtime/internal/session"

	"go.uber.org/zap"
)

// Hub fans each user's session updates out to all of that user's
// connections.
type Hub struct {
	mu sync.RWMutex

	// clients maps client ID to client (for cleanup)
	clients map[string]*Client

	// users maps user ID to the set of its connections
	users map[string]map[*Client]struct{}

	// pumps holds the session whose updates are being drained per user
	pumps map[string]*session.Session

	register   chan *Client
	unregister chan *Client

	log *WebSocketLogger
	wg  sync.WaitGroup
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		users:      make(map[string]map[*Client]struct{}),
		pumps:      make(map[string]*session.Session),
		register:   make(chan *Client, 256),
		unregister: make(chan *Client, 256),
		log:        NewWebSocketLogger(log),
	}
}

// Run starts the hub's event loop
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

// Wait blocks until every session pump has drained. Pumps end when their
// session is closed.
func (h *Hub) Wait() {
	h.wg.Wait()
}

// Register adds a new client to the hub
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// BroadcastToUser sends a message to all connections for a specific user
func (h *Hub) BroadcastToUser(userID string, payload []byte) {
	h.mu.RLock()
	for client := range h.users[userID] {
		client.SendMessage(payload)
	}
	h.mu.RUnlock()
}

// GetClientCount returns the number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GetUserConnectionCount returns the number of connections for a user
func (h *Hub) GetUserConnectionCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	h.clients[client.ID] = client
	if _, ok := h.users[client.UserID]; !ok {
		h.users[client.UserID] = make(map[*Client]struct{})
	}
	h.users[client.UserID][client] = struct{}{}

	s := client.session
	start := s != nil && h.pumps[client.UserID] != s
	if start {
		h.pumps[client.UserID] = s
	}
	h.mu.Unlock()

	h.log.Info("client_registered", client.UserID, client.ID)
	if start {
		h.wg.Add(1)
		go h.pump(s)
	}
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	if conns, ok := h.users[client.UserID]; ok {
		delete(conns, client)
		if len(conns) == 0 {
			delete(h.users, client.UserID)
		}
	}
	delete(h.clients, client.ID)

	close(client.Send)
	h.log.Info("client_unregistered", client.UserID, client.ID)
}

// pump drains s until the session closes. Updates produced while the user
// has no connection are discarded.
func (h *Hub) pump(s *session.Session) {
	defer h.wg.Done()
	for u := range s.Updates() {
		payload, err := json.Marshal(u)
		if err != nil {
			h.log.Error("encode_update", s.UserID, "", err, zap.String("kind", string(u.Kind)))
			continue
		}
		h.BroadcastToUser(s.UserID, payload)
	}

	h.mu.Lock()
	if h.pumps[s.UserID] == s {
		delete(h.pumps, s.UserID)
	}
	h.mu.Unlock()
}
