// Package streaming handles WebSocket connections for real-time task, run,
// and observation updates.
package streaming

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/desktopai/desktopai/internal/common/errors"
	"github.com/desktopai/desktopai/internal/common/logger"
)

const defaultSendTimeout = 2 * time.Second

// Hub manages all update-feed subscribers. Every broadcast goes to every
// registered client; a client that cannot accept a payload within the send
// timeout is dropped so one slow reader never stalls the rest.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool

	maxConnections int
	sendTimeout    time.Duration
	logger         *logger.Logger
}

// NewHub creates a broadcast hub. maxConnections <= 0 means unlimited.
func NewHub(maxConnections int, sendTimeout time.Duration, log *logger.Logger) *Hub {
	if sendTimeout <= 0 {
		sendTimeout = defaultSendTimeout
	}
	return &Hub{
		clients:        make(map[*Client]bool),
		maxConnections: maxConnections,
		sendTimeout:    sendTimeout,
		logger:         log.WithFields(zap.String("component", "websocket_hub")),
	}
}

// Register adds a client to the hub. Fails when the connection cap is
// reached; the caller is expected to close the socket with a policy code.
func (h *Hub) Register(client *Client) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.maxConnections > 0 && len(h.clients) >= h.maxConnections {
		return errors.ServiceUnavailable("update feed connection slots")
	}
	h.clients[client] = true
	h.logger.Debug("client registered",
		zap.String("client_id", client.ID),
		zap.Int("clients", len(h.clients)))
	return nil
}

// Unregister removes a client and signals its done channel
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(client)
}

func (h *Hub) removeLocked(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	client.close()
	h.logger.Debug("client unregistered",
		zap.String("client_id", client.ID),
		zap.Int("clients", len(h.clients)))
}

// BroadcastJSON marshals the payload once and delivers it to every client.
// Clients that do not accept the payload within the send timeout are marked
// stale and removed after the iteration completes.
func (h *Hub) BroadcastJSON(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("failed to marshal broadcast payload", zap.Error(err))
		return
	}

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	var stale []*Client
	for _, client := range clients {
		select {
		case client.send <- data:
		case <-client.done:
		default:
			timer := time.NewTimer(h.sendTimeout)
			select {
			case client.send <- data:
				timer.Stop()
			case <-client.done:
				timer.Stop()
			case <-timer.C:
				stale = append(stale, client)
			}
		}
	}

	if len(stale) == 0 {
		return
	}
	h.mu.Lock()
	for _, client := range stale {
		h.logger.Warn("dropping stale subscriber", zap.String("client_id", client.ID))
		h.removeLocked(client)
	}
	h.mu.Unlock()
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown disconnects all clients
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		delete(h.clients, client)
		client.close()
	}
	h.logger.Info("hub shut down")
}
