package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"fleettrack/internal/domain"
)

// Client is one connected subscriber. Send is a bounded buffer: delivery is
// best-effort, at-most-once, and a slow consumer loses events rather than
// stalling the fan-out.
type Client struct {
	ID    string
	Send  chan []byte
	rooms map[string]struct{}
	mu    sync.RWMutex
}

func NewClient(id string, bufferSize int) *Client {
	return &Client{
		ID:    id,
		Send:  make(chan []byte, bufferSize),
		rooms: make(map[string]struct{}),
	}
}

func (c *Client) InRoom(room string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.rooms[room]
	return ok
}

func (c *Client) addRooms(rooms []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range rooms {
		c.rooms[r] = struct{}{}
	}
}

func (c *Client) removeRooms(rooms []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range rooms {
		delete(c.rooms, r)
	}
}

func (c *Client) Rooms() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rooms := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		rooms = append(rooms, r)
	}
	return rooms
}

type publication struct {
	rooms []string
	data  []byte
}

// Hub multiplexes derived events onto named rooms and pushes them to every
// subscriber joined to a relevant room.
type Hub struct {
	mu          sync.RWMutex
	clients     map[*Client]struct{}
	roomClients map[string]map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	publish    chan publication

	logger *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:     make(map[*Client]struct{}),
		roomClients: make(map[string]map[*Client]struct{}),
		register:    make(chan *Client, 16),
		unregister:  make(chan *Client, 16),
		publish:     make(chan publication, 256),
		logger:      logger.With("component", "hub"),
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			h.mu.Unlock()
			h.logger.Debug("client registered", "client_id", client.ID, "total", h.ClientCount())

		case client := <-h.unregister:
			h.removeClient(client)

		case pub := <-h.publish:
			h.fanout(pub)
		}
	}
}

// Join subscribes a client to the given rooms
func (h *Hub) Join(client *Client, rooms []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client.addRooms(rooms)

	for _, room := range rooms {
		if h.roomClients[room] == nil {
			h.roomClients[room] = make(map[*Client]struct{})
		}
		h.roomClients[room][client] = struct{}{}
	}
}

// Leave unsubscribes a client from the given rooms
func (h *Hub) Leave(client *Client, rooms []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client.removeRooms(rooms)

	for _, room := range rooms {
		if h.roomClients[room] != nil {
			delete(h.roomClients[room], client)
			if len(h.roomClients[room]) == 0 {
				delete(h.roomClients, room)
			}
		}
	}
}

// Publish queues an event for delivery to every subscriber of the given
// rooms. A client joined to several of them still receives the event once.
func (h *Hub) Publish(rooms []string, ev domain.Event) {
	if len(rooms) == 0 {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("event marshal failed", "type", ev.Type, "error", err)
		return
	}
	select {
	case h.publish <- publication{rooms: rooms, data: data}:
	default:
		h.logger.Warn("publish channel full, dropping event", "type", ev.Type)
	}
}

func (h *Hub) Register(client *Client) {
	h.register <- client
}

func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.roomClients)
}

func (h *Hub) fanout(pub publication) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[*Client]struct{})
	for _, room := range pub.rooms {
		for client := range h.roomClients[room] {
			if _, dup := seen[client]; dup {
				continue
			}
			seen[client] = struct{}{}

			select {
			case client.Send <- pub.data:
			default:
				h.logger.Debug("client send buffer full", "client_id", client.ID)
			}
		}
	}
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}

	for _, room := range client.Rooms() {
		if h.roomClients[room] != nil {
			delete(h.roomClients[room], client)
			if len(h.roomClients[room]) == 0 {
				delete(h.roomClients, room)
			}
		}
	}

	delete(h.clients, client)
	close(client.Send)
	h.logger.Debug("client unregistered", "client_id", client.ID, "total", len(h.clients))
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.Send)
	}
	h.clients = make(map[*Client]struct{})
	h.roomClients = make(map[string]map[*Client]struct{})
}
