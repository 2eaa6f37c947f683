package core

// CommandKind describes what the client wants to do.
type CommandKind int

const (
	// CommandLogin claims a username and binds it to the connection.
	CommandLogin CommandKind = iota
	// CommandLogout releases the identity without closing the connection.
	CommandLogout
	// CommandSendMessage delivers a chat message to a room.
	CommandSendMessage
	// CommandReact toggles a (user, emoji) reaction on a message.
	CommandReact
	// CommandCreateRoom creates a public room.
	CommandCreateRoom
	// CommandJoinRoom joins a room and subscribes the connection to it.
	CommandJoinRoom
	// CommandPrivateChat finds or creates the private room with another user.
	CommandPrivateChat
	// CommandTyping updates and broadcasts the typing indicator.
	CommandTyping
)

// Command represents an action requested by a client. Only the fields
// relevant to the Kind are set.
type Command struct {
	Kind CommandKind

	Username    string // login
	RoomID      string // send, join, typing
	Content     string // send
	MessageID   string // react
	Emoji       string // react
	Name        string // create room
	OtherUserID string // private chat
	IsTyping    bool   // typing
}
