package store

import (
	"context"
	"errors"
	"time"
)

// GlobalRoomID is the reserved identifier of the always-present global room.
// The row is seeded during store initialization; it requires no membership.
const GlobalRoomID = "global"

// ErrNotFound is returned when a referenced user, room, or message does not exist.
var ErrNotFound = errors.New("not found")

// User is the durable identity record. Identity persists across sessions;
// ConnectionID is set only while the user is online.
type User struct {
	ID           string
	Username     string
	Avatar       string
	IsOnline     bool
	IsTyping     bool
	LastSeen     time.Time
	ConnectionID string // empty unless online
	CreatedAt    time.Time
}

// Room is a named delivery group with a participant set.
type Room struct {
	ID            string
	Name          string
	IsPrivate     bool
	CreatedBy     string  // empty for the seeded global room
	DirectKey     *string // for private rooms: "dm:{minUserID}:{maxUserID}"
	LastMessageID *string
	Participants  []string
	CreatedAt     time.Time
}

// Message is an immutable chat message; only its reaction set mutates.
type Message struct {
	ID           string
	RoomID       string
	SenderID     string // empty for system messages
	SenderName   string
	SenderAvatar string
	Content      string
	IsRead       bool
	IsSystem     bool
	Reactions    []Reaction
	Timestamp    time.Time
}

// Reaction is one user's emoji on a message. The (UserID, Emoji) pair is
// unique per message; reacting again with the same pair removes it.
type Reaction struct {
	UserID string `json:"userId"`
	Emoji  string `json:"emoji"`
}

// UserStore handles identity and presence persistence.
type UserStore interface {
	// FindOrCreateUser resolves a user by username, creating the identity on
	// first login. The bool result reports whether the user was created.
	FindOrCreateUser(ctx context.Context, username, avatar string) (*User, bool, error)

	// GetUserByID retrieves a user by ID.
	GetUserByID(ctx context.Context, id string) (*User, error)

	// ListUsers returns all users ordered by username.
	ListUsers(ctx context.Context) ([]*User, error)

	// SetPresence records an online/offline transition. Going online binds
	// connectionID; going offline clears it. LastSeen is refreshed either way.
	SetPresence(ctx context.Context, userID string, online bool, connectionID string) error

	// SetTyping updates the user's typing flag.
	SetTyping(ctx context.Context, userID string, typing bool) error
}

// RoomStore handles room and membership persistence.
type RoomStore interface {
	// CreateRoom creates a public room with the creator as sole participant.
	CreateRoom(ctx context.Context, name, createdBy string) (*Room, error)

	// EnsurePrivateRoom finds or creates the unique private room between two
	// users. At most one private room exists per unordered user pair.
	EnsurePrivateRoom(ctx context.Context, name, creatorID, otherID string) (*Room, error)

	// GetRoomByID retrieves a room with its participant set.
	GetRoomByID(ctx context.Context, id string) (*Room, error)

	// ListRooms returns all rooms with participants, newest first.
	ListRooms(ctx context.Context) ([]*Room, error)

	// AddParticipant adds a user to a room. Adding an existing participant
	// is a no-op.
	AddParticipant(ctx context.Context, roomID, userID string) error

	// SetLastMessage updates the room's last-message pointer.
	SetLastMessage(ctx context.Context, roomID, messageID string) error
}

// MessageStore handles the append-only per-room message log.
type MessageStore interface {
	// CreateMessage persists a message, assigning its ID and a timestamp
	// that is strictly monotonic per store instance.
	CreateMessage(ctx context.Context, msg *Message) error

	// GetMessageByID retrieves a message with its reactions.
	GetMessageByID(ctx context.Context, id string) (*Message, error)

	// ToggleReaction adds the (userID, emoji) pair to the message if absent,
	// removes it if present, and returns the resulting reaction set.
	ToggleReaction(ctx context.Context, messageID, userID, emoji string) ([]Reaction, error)

	// RecentMessages returns up to limit newest messages of a room,
	// reordered oldest-to-newest, reactions populated.
	RecentMessages(ctx context.Context, roomID string, limit int) ([]*Message, error)

	// ListMessages pages through a room's log oldest-to-newest.
	ListMessages(ctx context.Context, roomID string, limit, offset int) ([]*Message, error)
}

// Store aggregates all storage interfaces.
type Store interface {
	UserStore
	RoomStore
	MessageStore

	// Close closes the underlying database connection.
	Close() error
}
