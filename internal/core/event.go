package core

import "github.com/parleychat/parley-server/internal/store"

// EventKind is a notification the core emits to clients.
//
// Delivery scope varies by kind and is deliberate: status changes and system
// messages reach every open connection, ordinary room traffic reaches only
// the room's subscribers, and replies go to a single caller.
type EventKind int

const (
	// EventLoggedIn delivers the resolved profile to the logging-in caller.
	EventLoggedIn EventKind = iota
	// EventStatusChanged notifies all other connections of an online/offline transition.
	EventStatusChanged
	// EventNewMessage notifies a room (or, for system messages, everyone) about a message.
	EventNewMessage
	// EventMessageUpdated notifies a room that a message's reaction set changed.
	EventMessageUpdated
	// EventRoomCreated confirms room creation to the creator.
	EventRoomCreated
	// EventRoomJoined delivers the room's recent history to the joining caller.
	EventRoomJoined
	// EventPrivateStarted delivers the private room to the requesting caller.
	EventPrivateStarted
	// EventTyping notifies a room, minus the sender, of a typing change.
	EventTyping
	// EventSessionReplaced tells a stale connection that a newer login took
	// over its identity and the connection will be closed.
	EventSessionReplaced
	// EventError notifies the caller about a domain error.
	EventError
)

// Event is sent to clients to describe what happened in the system.
type Event struct {
	Kind EventKind

	User      *store.User      // logged in
	UserID    string           // status changed, typing
	Username  string           // typing
	IsOnline  bool             // status changed
	IsTyping  bool             // typing
	Message   *store.Message   // new message
	Messages  []*store.Message // room joined
	RoomID    string           // room joined, message updated
	Room      *store.Room      // room created, private started
	MessageID string           // message updated
	Reactions []store.Reaction // message updated
	Error     *CoreError       // error
}
