// Package proto defines the JSON wire protocol spoken over the websocket.
//
// Delivery scope is part of the contract: user:status_changed and system
// message:new events are broadcast to every open connection, ordinary
// message:new, message:updated and user:typing are scoped to the room's
// subscribers, and everything else is a reply to the calling connection.
package proto

import "encoding/json"

// Inbound is the envelope for events coming from the client.
type Inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Inbound event names.
const (
	InboundLogin       = "user:login"
	InboundLogout      = "user:logout"
	InboundSendMessage = "message:send"
	InboundReaction    = "message:reaction"
	InboundCreateRoom  = "room:create"
	InboundJoinRoom    = "room:join"
	InboundPrivateChat = "chat:private"
	InboundTyping      = "user:typing"
)

// Outbound event names.
const (
	OutboundLoggedIn        = "user:logged_in"
	OutboundStatusChanged   = "user:status_changed"
	OutboundNewMessage      = "message:new"
	OutboundMessageUpdated  = "message:updated"
	OutboundRoomCreated     = "room:created"
	OutboundRoomJoined      = "room:joined"
	OutboundPrivateStarted  = "chat:private_started"
	OutboundTyping          = "user:typing"
	OutboundSessionReplaced = "session:replaced"
	OutboundError           = "error"
)

// LoginData claims a username for the connection.
type LoginData struct {
	Username string `json:"username"`
}

// SendMessageData is a chat message from the client.
type SendMessageData struct {
	Content string `json:"content"`
	RoomID  string `json:"roomId"`
}

// ReactionData toggles an emoji reaction on a message.
type ReactionData struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
}

// CreateRoomData requests a new public room.
type CreateRoomData struct {
	Name string `json:"name"`
}

// JoinRoomData subscribes the connection to a room.
type JoinRoomData struct {
	RoomID string `json:"roomId"`
}

// PrivateChatData requests the private room with another user.
type PrivateChatData struct {
	UserID string `json:"userId"`
}

// TypingData reports a typing state change in a room.
type TypingData struct {
	IsTyping bool   `json:"isTyping"`
	RoomID   string `json:"roomId"`
}

// Outbound is the envelope for events sent to the client.
type Outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
	Error *Error `json:"error,omitempty"`
}

// UserPayload is a user profile on the wire.
type UserPayload struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
	IsOnline bool   `json:"isOnline"`
	LastSeen int64  `json:"lastSeen"` // unix milliseconds
}

// MessagePayload is a chat message on the wire.
type MessagePayload struct {
	ID           string            `json:"id"`
	SenderID     *string           `json:"senderId"` // null for system messages
	SenderName   string            `json:"senderName"`
	SenderAvatar string            `json:"senderAvatar"`
	Content      string            `json:"content"`
	Timestamp    int64             `json:"timestamp"` // unix milliseconds
	RoomID       string            `json:"roomId"`
	Reactions    []ReactionPayload `json:"reactions"`
	IsRead       bool              `json:"isRead"`
	IsSystem     bool              `json:"isSystem"`
}

// ReactionPayload is one (user, emoji) pair on the wire.
type ReactionPayload struct {
	UserID string `json:"userId"`
	Emoji  string `json:"emoji"`
}

// RoomPayload is a room on the wire.
type RoomPayload struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Participants []string `json:"participants"`
	IsPrivate    bool     `json:"isPrivate"`
	CreatedBy    string   `json:"createdBy,omitempty"`
}

// EventLoggedIn confirms a login to the caller.
type EventLoggedIn struct {
	User UserPayload `json:"user"`
}

// EventStatusChanged announces an online/offline transition.
type EventStatusChanged struct {
	UserID   string `json:"userId"`
	IsOnline bool   `json:"isOnline"`
}

// EventNewMessage carries a newly persisted message.
type EventNewMessage struct {
	Message MessagePayload `json:"message"`
}

// EventMessageUpdated carries a message's new reaction set.
type EventMessageUpdated struct {
	MessageID string            `json:"messageId"`
	Reactions []ReactionPayload `json:"reactions"`
}

// EventRoomCreated confirms room creation to the creator.
type EventRoomCreated struct {
	Room RoomPayload `json:"room"`
}

// EventRoomJoined delivers a room's recent history, oldest first.
type EventRoomJoined struct {
	RoomID   string           `json:"roomId"`
	Messages []MessagePayload `json:"messages"`
}

// EventPrivateStarted delivers the resolved private room.
type EventPrivateStarted struct {
	Room RoomPayload `json:"room"`
}

// EventTyping announces a typing change to a room.
type EventTyping struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	IsTyping bool   `json:"isTyping"`
}

// Error describes a protocol-level error response.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
