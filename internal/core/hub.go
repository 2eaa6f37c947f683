package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/parleychat/parley-server/internal/store"
)

const (
	// DefaultHistoryLimit is how many recent messages a room join replies with.
	DefaultHistoryLimit = 50

	minUsernameLen = 2
	maxUsernameLen = 50
	maxRoomNameLen = 100
	maxContentLen  = 1000

	storeTimeout  = 5 * time.Second
	storeAttempts = 3
	retryBackoff  = 50 * time.Millisecond
)

// Hub is the event fan-out router. It owns the connection registry and the
// per-room delivery groups, validates inbound commands, applies durable
// mutations through the store, and emits outbound events to the right
// subscriber set.
//
// All shared state is confined to the Run goroutine: commands from every
// client are funneled into a single channel and handled one at a time, and
// every store write is awaited before the corresponding broadcast goes out.
type Hub struct {
	store        store.Store
	registry     *Registry
	log          *zerolog.Logger
	historyLimit int

	clients map[string]*Client // by connection id
	rooms   map[string]*Room   // delivery groups by room id

	register   chan *Client
	unregister chan *Client
	commands   chan clientCommand
	done       chan struct{}
}

type clientCommand struct {
	client *Client
	cmd    *Command
}

// NewHub creates a hub over the given store. A nil logger disables logging.
func NewHub(st store.Store, logger *zerolog.Logger, historyLimit int) *Hub {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &Hub{
		store:        st,
		registry:     NewRegistry(),
		log:          logger,
		historyLimit: historyLimit,
		clients:      make(map[string]*Client),
		rooms:        make(map[string]*Room),
		register:     make(chan *Client),
		unregister:   make(chan *Client),
		commands:     make(chan clientCommand),
		done:         make(chan struct{}),
	}
}

// RegisterClient hands a new connection to the hub.
func (h *Hub) RegisterClient(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
	}
}

// UnregisterClient tells the hub a connection is gone. Safe to call more
// than once for the same client.
func (h *Hub) UnregisterClient(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Run processes registrations and commands until the context is canceled.
// It is the single owner of the registry and the delivery groups.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case c := <-h.register:
			h.clients[c.ID] = c
			go h.forwardCommands(ctx, c)
			h.log.Debug().Str("conn_id", c.ID).Msg("connection registered")

		case c := <-h.unregister:
			h.handleDisconnect(ctx, c)

		case cc := <-h.commands:
			h.dispatch(ctx, cc.client, cc.cmd)

		case <-ctx.Done():
			for _, c := range h.clients {
				close(c.Events)
			}
			clear(h.clients)
			clear(h.rooms)
			h.registry.Reset()
			return
		}
	}
}

// forwardCommands funnels one client's commands into the hub's single
// processing stream.
func (h *Hub) forwardCommands(ctx context.Context, c *Client) {
	for {
		select {
		case cmd, ok := <-c.Commands:
			if !ok {
				return
			}
			select {
			case h.commands <- clientCommand{client: c, cmd: cmd}:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) dispatch(ctx context.Context, c *Client, cmd *Command) {
	if _, alive := h.clients[c.ID]; !alive {
		return
	}

	switch cmd.Kind {
	case CommandLogin:
		h.handleLogin(ctx, c, cmd)
	case CommandLogout:
		h.handleLogout(ctx, c)
	case CommandSendMessage:
		h.handleSendMessage(ctx, c, cmd)
	case CommandReact:
		h.handleReact(ctx, c, cmd)
	case CommandCreateRoom:
		h.handleCreateRoom(ctx, c, cmd)
	case CommandJoinRoom:
		h.handleJoinRoom(ctx, c, cmd)
	case CommandPrivateChat:
		h.handlePrivateChat(ctx, c, cmd)
	case CommandTyping:
		h.handleTyping(ctx, c, cmd)
	default:
		h.sendError(c, coreError(ErrCodeValidation, "unknown command"))
	}
}

// ==== operations ====

func (h *Hub) handleLogin(ctx context.Context, c *Client, cmd *Command) {
	username := strings.TrimSpace(cmd.Username)
	if n := utf8.RuneCountInString(username); n < minUsernameLen || n > maxUsernameLen {
		h.sendError(c, coreError(ErrCodeValidation, "username must be 2-50 characters"))
		return
	}

	var user *store.User
	err := h.withRetry(ctx, "find or create user", func(opCtx context.Context) error {
		var err error
		user, _, err = h.store.FindOrCreateUser(opCtx, username, avatarFor(username))
		return err
	})
	if err != nil {
		h.sendError(c, coreError(ErrCodeStoreFailed, "login failed"))
		return
	}

	// Re-login under a new name releases the old identity first, so the
	// previous user does not stay online with a dead connection binding.
	if prevID, ok := h.registry.Resolve(c.ID); ok && prevID != user.ID {
		h.registry.Unregister(c.ID)
		h.demote(ctx, prevID, c)
	}

	if evicted := h.registry.Register(c.ID, user.ID); evicted != "" && evicted != c.ID {
		h.replaceSession(evicted)
	}

	err = h.withRetry(ctx, "set presence", func(opCtx context.Context) error {
		return h.store.SetPresence(opCtx, user.ID, true, c.ID)
	})
	if err != nil {
		h.registry.Unregister(c.ID)
		h.sendError(c, coreError(ErrCodeStoreFailed, "login failed"))
		return
	}
	user.IsOnline = true
	user.ConnectionID = c.ID

	// Every authenticated connection receives the global room's traffic.
	h.subscribe(store.GlobalRoomID, c)

	h.send(c, &Event{Kind: EventLoggedIn, User: user})
	h.broadcastAll(&Event{Kind: EventStatusChanged, UserID: user.ID, IsOnline: true}, c)

	system := &store.Message{
		RoomID:       store.GlobalRoomID,
		SenderName:   "System",
		SenderAvatar: "S",
		Content:      fmt.Sprintf("%s joined the chat", username),
		IsSystem:     true,
	}
	err = h.withRetry(ctx, "create system message", func(opCtx context.Context) error {
		return h.store.CreateMessage(opCtx, system)
	})
	if err != nil {
		// Login already succeeded; the missing system message is not fatal.
		h.log.Warn().Err(err).Str("user_id", user.ID).Msg("system message not persisted")
		return
	}

	// System messages go to every open connection, not just global subscribers.
	h.broadcastAll(&Event{Kind: EventNewMessage, Message: system}, nil)

	h.log.Info().Str("conn_id", c.ID).Str("user_id", user.ID).Str("username", username).Msg("user logged in")
}

// handleLogout releases the identity but keeps the connection open; the
// client may log in again. Double-logout is a no-op.
func (h *Hub) handleLogout(ctx context.Context, c *Client) {
	userID, ok := h.registry.Unregister(c.ID)
	if !ok {
		return
	}
	h.demote(ctx, userID, c)
}

// handleDisconnect runs the logout path and then drops the connection's
// delivery state. In-flight writes finished before this point have already
// been broadcast to the remaining subscribers.
func (h *Hub) handleDisconnect(ctx context.Context, c *Client) {
	if _, alive := h.clients[c.ID]; !alive {
		return
	}

	if userID, ok := h.registry.Unregister(c.ID); ok {
		h.demote(ctx, userID, c)
	}

	h.dropClient(c)
	h.log.Debug().Str("conn_id", c.ID).Msg("connection unregistered")
}

// demote marks a user offline and tells everyone else.
func (h *Hub) demote(ctx context.Context, userID string, c *Client) {
	err := h.withRetry(ctx, "set presence", func(opCtx context.Context) error {
		return h.store.SetPresence(opCtx, userID, false, "")
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		h.log.Error().Err(err).Str("user_id", userID).Msg("offline transition not persisted")
	}
	h.broadcastAll(&Event{Kind: EventStatusChanged, UserID: userID, IsOnline: false}, c)
}

func (h *Hub) handleSendMessage(ctx context.Context, c *Client, cmd *Command) {
	userID, ok := h.auth(c)
	if !ok {
		return
	}

	content := strings.TrimSpace(cmd.Content)
	if content == "" {
		h.sendError(c, coreError(ErrCodeValidation, "message content is required"))
		return
	}
	if utf8.RuneCountInString(content) > maxContentLen {
		h.sendError(c, coreError(ErrCodeValidation, "message content exceeds 1000 characters"))
		return
	}

	var user *store.User
	err := h.withRetry(ctx, "get user", func(opCtx context.Context) error {
		var err error
		user, err = h.store.GetUserByID(opCtx, userID)
		return err
	})
	if err != nil {
		h.sendError(c, storeOrNotFound(err, "sender"))
		return
	}

	err = h.withRetry(ctx, "get room", func(opCtx context.Context) error {
		_, err := h.store.GetRoomByID(opCtx, cmd.RoomID)
		return err
	})
	if err != nil {
		h.sendError(c, storeOrNotFound(err, "room"))
		return
	}

	msg := &store.Message{
		RoomID:       cmd.RoomID,
		SenderID:     user.ID,
		SenderName:   user.Username,
		SenderAvatar: user.Avatar,
		Content:      content,
	}
	err = h.withRetry(ctx, "create message", func(opCtx context.Context) error {
		return h.store.CreateMessage(opCtx, msg)
	})
	if err != nil {
		h.sendError(c, coreError(ErrCodeStoreFailed, "failed to send message"))
		return
	}

	err = h.withRetry(ctx, "set last message", func(opCtx context.Context) error {
		return h.store.SetLastMessage(opCtx, cmd.RoomID, msg.ID)
	})
	if err != nil {
		h.log.Warn().Err(err).Str("room_id", cmd.RoomID).Msg("last message pointer not updated")
	}

	h.broadcastRoom(cmd.RoomID, &Event{Kind: EventNewMessage, Message: msg}, nil)
}

func (h *Hub) handleReact(ctx context.Context, c *Client, cmd *Command) {
	userID, ok := h.auth(c)
	if !ok {
		return
	}

	var msg *store.Message
	err := h.withRetry(ctx, "get message", func(opCtx context.Context) error {
		var err error
		msg, err = h.store.GetMessageByID(opCtx, cmd.MessageID)
		return err
	})
	if err != nil {
		// Reactions are best-effort: a vanished message is dropped silently.
		if !errors.Is(err, store.ErrNotFound) {
			h.sendError(c, coreError(ErrCodeStoreFailed, "failed to update reaction"))
		}
		return
	}

	var reactions []store.Reaction
	err = h.withRetry(ctx, "toggle reaction", func(opCtx context.Context) error {
		var err error
		reactions, err = h.store.ToggleReaction(opCtx, cmd.MessageID, userID, cmd.Emoji)
		return err
	})
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			h.sendError(c, coreError(ErrCodeStoreFailed, "failed to update reaction"))
		}
		return
	}

	h.broadcastRoom(msg.RoomID, &Event{
		Kind:      EventMessageUpdated,
		MessageID: cmd.MessageID,
		RoomID:    msg.RoomID,
		Reactions: reactions,
	}, nil)
}

func (h *Hub) handleCreateRoom(ctx context.Context, c *Client, cmd *Command) {
	userID, ok := h.auth(c)
	if !ok {
		return
	}

	name := strings.TrimSpace(cmd.Name)
	if n := utf8.RuneCountInString(name); n < 1 || n > maxRoomNameLen {
		h.sendError(c, coreError(ErrCodeValidation, "room name must be 1-100 characters"))
		return
	}

	var room *store.Room
	err := h.withRetry(ctx, "create room", func(opCtx context.Context) error {
		var err error
		room, err = h.store.CreateRoom(opCtx, name, userID)
		return err
	})
	if err != nil {
		h.sendError(c, coreError(ErrCodeStoreFailed, "failed to create room"))
		return
	}

	// Reply to the creator only; others discover the room via the room list.
	h.send(c, &Event{Kind: EventRoomCreated, Room: room})
}

func (h *Hub) handleJoinRoom(ctx context.Context, c *Client, cmd *Command) {
	userID, ok := h.auth(c)
	if !ok {
		return
	}

	var room *store.Room
	err := h.withRetry(ctx, "get room", func(opCtx context.Context) error {
		var err error
		room, err = h.store.GetRoomByID(opCtx, cmd.RoomID)
		return err
	})
	if err != nil {
		h.sendError(c, storeOrNotFound(err, "room"))
		return
	}

	// The global room needs no durable membership.
	if room.ID != store.GlobalRoomID && !contains(room.Participants, userID) {
		err = h.withRetry(ctx, "add participant", func(opCtx context.Context) error {
			return h.store.AddParticipant(opCtx, room.ID, userID)
		})
		if err != nil {
			h.sendError(c, coreError(ErrCodeStoreFailed, "failed to join room"))
			return
		}
	}

	h.subscribe(room.ID, c)

	var history []*store.Message
	err = h.withRetry(ctx, "recent messages", func(opCtx context.Context) error {
		var err error
		history, err = h.store.RecentMessages(opCtx, room.ID, h.historyLimit)
		return err
	})
	if err != nil {
		h.sendError(c, coreError(ErrCodeStoreFailed, "failed to load history"))
		return
	}

	h.send(c, &Event{Kind: EventRoomJoined, RoomID: room.ID, Messages: history})
}

func (h *Hub) handlePrivateChat(ctx context.Context, c *Client, cmd *Command) {
	userID, ok := h.auth(c)
	if !ok {
		return
	}

	var other *store.User
	err := h.withRetry(ctx, "get user", func(opCtx context.Context) error {
		var err error
		other, err = h.store.GetUserByID(opCtx, cmd.OtherUserID)
		return err
	})
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			h.sendError(c, coreError(ErrCodeStoreFailed, "failed to start private chat"))
		}
		return
	}

	var room *store.Room
	err = h.withRetry(ctx, "ensure private room", func(opCtx context.Context) error {
		var err error
		room, err = h.store.EnsurePrivateRoom(opCtx, other.Username, userID, other.ID)
		return err
	})
	if err != nil {
		h.sendError(c, coreError(ErrCodeStoreFailed, "failed to start private chat"))
		return
	}

	// The other party is not notified; they discover the room on their next
	// room-list fetch.
	h.send(c, &Event{Kind: EventPrivateStarted, Room: room})
}

func (h *Hub) handleTyping(ctx context.Context, c *Client, cmd *Command) {
	userID, ok := h.auth(c)
	if !ok {
		return
	}

	var user *store.User
	err := h.withRetry(ctx, "get user", func(opCtx context.Context) error {
		var err error
		user, err = h.store.GetUserByID(opCtx, userID)
		return err
	})
	if err != nil {
		return
	}

	err = h.withRetry(ctx, "set typing", func(opCtx context.Context) error {
		return h.store.SetTyping(opCtx, userID, cmd.IsTyping)
	})
	if err != nil {
		return
	}

	h.broadcastRoom(cmd.RoomID, &Event{
		Kind:     EventTyping,
		UserID:   userID,
		Username: user.Username,
		IsTyping: cmd.IsTyping,
	}, c)
}

// ==== plumbing ====

// auth resolves the acting identity; unauthenticated connections get an
// error event and no mutation happens.
func (h *Hub) auth(c *Client) (string, bool) {
	userID, ok := h.registry.Resolve(c.ID)
	if !ok {
		h.sendError(c, coreError(ErrCodeUnauthenticated, "not authenticated"))
		return "", false
	}
	return userID, true
}

// replaceSession closes a stale connection whose identity was taken over by
// a newer login. Presence is untouched: the user stays online on the new
// connection.
func (h *Hub) replaceSession(connID string) {
	old, ok := h.clients[connID]
	if !ok {
		return
	}
	h.send(old, &Event{Kind: EventSessionReplaced})
	h.dropClient(old)
	h.log.Info().Str("conn_id", connID).Msg("stale session replaced")
}

// dropClient removes a connection from all delivery groups and closes its
// event stream, which makes the transport close the socket.
func (h *Hub) dropClient(c *Client) {
	for roomID := range c.Rooms {
		if group, ok := h.rooms[roomID]; ok {
			group.RemoveClient(c)
			if group.Empty() {
				delete(h.rooms, roomID)
			}
		}
	}
	clear(c.Rooms)
	delete(h.clients, c.ID)
	close(c.Events)
}

func (h *Hub) subscribe(roomID string, c *Client) {
	group, ok := h.rooms[roomID]
	if !ok {
		group = NewRoom(roomID)
		h.rooms[roomID] = group
	}
	group.AddClient(c)
	c.Rooms[roomID] = struct{}{}
}

func (h *Hub) broadcastRoom(roomID string, event *Event, except *Client) {
	if group, ok := h.rooms[roomID]; ok {
		group.Broadcast(event, except)
	}
}

func (h *Hub) broadcastAll(event *Event, except *Client) {
	for _, client := range h.clients {
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

func (h *Hub) send(c *Client, event *Event) {
	select {
	case c.Events <- event:
	default:
		h.log.Warn().Str("conn_id", c.ID).Msg("event dropped, slow consumer")
	}
}

func (h *Hub) sendError(c *Client, cerr *CoreError) {
	h.send(c, &Event{Kind: EventError, Error: cerr})
}

// withRetry runs a store operation under a per-call timeout with bounded
// retry for transient failures. Not-found results are returned immediately.
// The backoff is short enough that the single processing stream keeps its
// write-before-broadcast ordering without stalling noticeably.
func (h *Hub) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	backoff := retryBackoff
	var err error
	for attempt := 1; attempt <= storeAttempts; attempt++ {
		opCtx, cancel := context.WithTimeout(ctx, storeTimeout)
		err = fn(opCtx)
		cancel()
		if err == nil || errors.Is(err, store.ErrNotFound) || ctx.Err() != nil {
			return err
		}
		h.log.Warn().Err(err).Str("op", op).Int("attempt", attempt).Msg("store operation failed")
		if attempt < storeAttempts {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return err
}

func storeOrNotFound(err error, what string) *CoreError {
	if errors.Is(err, store.ErrNotFound) {
		return coreError(ErrCodeNotFound, what+" not found")
	}
	return coreError(ErrCodeStoreFailed, "storage failure")
}

// avatarFor derives the default single-letter avatar from a username.
func avatarFor(username string) string {
	r, _ := utf8.DecodeRuneInString(username)
	if r == utf8.RuneError {
		return ""
	}
	return string(unicode.ToUpper(r))
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
