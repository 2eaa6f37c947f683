package core

// Client is one live connection as seen by the core layer. Its ID is the
// connection handle; the bound user identity lives in the hub's registry.
//
// The transport owns Commands and closes it once the connection stops
// reading, which releases the hub's forwarder goroutine. The hub owns Events
// and closes it when the client is dropped.
type Client struct {
	ID       string
	Commands chan *Command
	Events   chan *Event
	Rooms    map[string]struct{}
}

// NewClient constructs a client with initialized channels.
func NewClient(id string) *Client {
	return &Client{
		ID:       id,
		Commands: make(chan *Command, 8),
		Events:   make(chan *Event, 8),
		Rooms:    make(map[string]struct{}),
	}
}
