package core

// Room is the in-process delivery group of connections subscribed to one
// room id. Durable membership lives in the store; this tracks only who
// currently receives the room's fan-out.
type Room struct {
	ID      string
	clients map[*Client]struct{}
}

// NewRoom constructs a delivery group with no subscribers.
func NewRoom(id string) *Room {
	return &Room{
		ID:      id,
		clients: make(map[*Client]struct{}),
	}
}

// AddClient subscribes a client. Returns true if newly added.
func (r *Room) AddClient(c *Client) bool {
	if _, exists := r.clients[c]; exists {
		return false
	}
	r.clients[c] = struct{}{}
	return true
}

// RemoveClient unsubscribes a client. Returns true if removed.
func (r *Room) RemoveClient(c *Client) bool {
	if _, exists := r.clients[c]; !exists {
		return false
	}
	delete(r.clients, c)
	return true
}

// Broadcast sends an event to every subscriber except the excluded client,
// which may be nil.
func (r *Room) Broadcast(event *Event, except *Client) {
	for client := range r.clients {
		if client == except {
			continue
		}
		select {
		case client.Events <- event:
		default:
			// Drop if slow consumer.
		}
	}
}

// Empty returns true if no clients are subscribed.
func (r *Room) Empty() bool {
	return len(r.clients) == 0
}
