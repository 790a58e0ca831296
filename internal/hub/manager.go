package hub

import (
	"sync"

	"github.com/dukepan/presence-fabric/internal/metrics"
	"github.com/dukepan/presence-fabric/internal/presence"
	"github.com/dukepan/presence-fabric/internal/utils"
)

// Manager tracks every open socket on this node and which room each one is
// associated with. It is the transport-side counterpart of the presence
// service: it never writes to the store itself, it only routes requests to
// the Service and fans server events out to room members.
type Manager struct {
	svc     *presence.Service
	logger  *utils.Logger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	rooms   map[string]map[*Client]bool
	clients map[*Client]bool
	closed  bool
}

// NewManager creates a socket manager.
func NewManager(svc *presence.Service, logger *utils.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		svc:     svc,
		logger:  logger,
		metrics: m,
		rooms:   make(map[string]map[*Client]bool),
		clients: make(map[*Client]bool),
	}
}

// BroadcastToRoom sends a message to every socket associated with a room.
// Sockets with a full send buffer are skipped; they converge via the next
// snapshot.
func (m *Manager) BroadcastToRoom(roomID string, message interface{}) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for client := range m.rooms[roomID] {
		select {
		case client.send <- message:
		default:
			// Client's send channel is full, skip
		}
	}
}

// JoinRoom associates a socket with a room for broadcast targeting.
func (m *Manager) JoinRoom(c *Client, roomID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms[roomID]
	if !ok {
		room = make(map[*Client]bool)
		m.rooms[roomID] = room
	}
	room[c] = true
}

// LeaveRoom removes a socket's room association. Empty rooms are dropped
// from the map; room existence in the store is owned by the Service.
func (m *Manager) LeaveRoom(c *Client, roomID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if room, ok := m.rooms[roomID]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(m.rooms, roomID)
		}
	}
}

// register tracks a new socket.
func (m *Manager) register(c *Client) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}
	m.clients[c] = true
	m.metrics.OpenSockets.Inc()
	return true
}

// unregister forgets a socket and closes its send channel, which stops the
// write pump. Room membership is removed under the same lock: once the
// channel is closed no broadcast may ever find this client in a room map.
func (m *Manager) unregister(c *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.clients[c]; !ok {
		return
	}
	delete(m.clients, c)
	for roomID, room := range m.rooms {
		if room[c] {
			delete(room, c)
			if len(room) == 0 {
				delete(m.rooms, roomID)
			}
		}
	}
	m.metrics.OpenSockets.Dec()
	close(c.send)
}

// Stop closes every open socket. Each closing socket runs its normal
// disconnect path, issuing a synthetic leave.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.closed = true
	clients := make([]*Client, 0, len(m.clients))
	for c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.Unlock()

	for _, c := range clients {
		c.conn.Close()
	}
}
