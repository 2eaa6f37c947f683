package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/parleychat/parley-server/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	username      TEXT NOT NULL UNIQUE,
	avatar        TEXT NOT NULL DEFAULT '',
	is_online     BOOLEAN NOT NULL DEFAULT 0,
	is_typing     BOOLEAN NOT NULL DEFAULT 0,
	last_seen     INTEGER NOT NULL,
	connection_id TEXT,
	created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_users_online ON users (is_online);

CREATE TABLE IF NOT EXISTS rooms (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	is_private      BOOLEAN NOT NULL DEFAULT 0,
	created_by      TEXT,
	direct_key      TEXT UNIQUE,
	last_message_id TEXT,
	created_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rooms_private ON rooms (is_private);

CREATE TABLE IF NOT EXISTS room_participants (
	room_id   TEXT NOT NULL,
	user_id   TEXT NOT NULL,
	joined_at INTEGER NOT NULL,
	PRIMARY KEY (room_id, user_id)
);

CREATE TABLE IF NOT EXISTS messages (
	id            TEXT PRIMARY KEY,
	room_id       TEXT NOT NULL,
	sender_id     TEXT,
	sender_name   TEXT NOT NULL,
	sender_avatar TEXT NOT NULL DEFAULT '',
	content       TEXT NOT NULL,
	is_read       BOOLEAN NOT NULL DEFAULT 0,
	is_system     BOOLEAN NOT NULL DEFAULT 0,
	timestamp     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_room_time ON messages (room_id, timestamp DESC);

CREATE TABLE IF NOT EXISTS reactions (
	message_id TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	emoji      TEXT NOT NULL,
	PRIMARY KEY (message_id, user_id, emoji)
);
`

// SQLiteStore implements store.Store for SQLite.
type SQLiteStore struct {
	db *sql.DB

	// serializes timestamp assignment so per-store message order is strict
	mu     sync.Mutex
	lastTS int64 // unix microseconds
}

// New creates a new SQLite store, applies the schema, and seeds the global room.
// dbPath is the path to the SQLite database file (":memory:" for tests).
func New(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with a single connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.seedGlobalRoom(); err != nil {
		db.Close()
		return nil, fmt.Errorf("seed global room: %w", err)
	}

	return s, nil
}

// seedGlobalRoom makes sure the reserved global room row exists.
func (s *SQLiteStore) seedGlobalRoom() error {
	query := `
		INSERT OR IGNORE INTO rooms (id, name, is_private, created_at)
		VALUES (?, 'General', 0, ?)
	`
	_, err := s.db.Exec(query, store.GlobalRoomID, time.Now().UnixMicro())
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// nextTimestamp returns a wall-clock timestamp that is strictly greater than
// any timestamp previously issued by this store instance.
func (s *SQLiteStore) nextTimestamp() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := time.Now().UnixMicro()
	if ts <= s.lastTS {
		ts = s.lastTS + 1
	}
	s.lastTS = ts
	return time.UnixMicro(ts)
}

// ==== UserStore implementation ====

// FindOrCreateUser resolves a user by username, creating the identity on first login.
func (s *SQLiteStore) FindOrCreateUser(ctx context.Context, username, avatar string) (*store.User, bool, error) {
	user, err := s.getUserByUsername(ctx, username)
	if err == nil {
		return user, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}

	id := uuid.NewString()
	now := time.Now().UnixMicro()
	query := `
		INSERT INTO users (id, username, avatar, is_online, last_seen, created_at)
		VALUES (?, ?, ?, 0, ?, ?)
	`
	if _, err := s.db.ExecContext(ctx, query, id, username, avatar, now, now); err != nil {
		// Lost a create race on the unique username: fall back to the winner.
		if strings.Contains(err.Error(), "UNIQUE") {
			user, selErr := s.getUserByUsername(ctx, username)
			if selErr != nil {
				return nil, false, selErr
			}
			return user, false, nil
		}
		return nil, false, fmt.Errorf("insert user: %w", err)
	}

	user, err = s.GetUserByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return user, true, nil
}

func (s *SQLiteStore) getUserByUsername(ctx context.Context, username string) (*store.User, error) {
	query := userSelect + ` WHERE username = ?`
	return s.scanUser(s.db.QueryRowContext(ctx, query, username))
}

const userSelect = `
	SELECT id, username, avatar, is_online, is_typing, last_seen, COALESCE(connection_id, ''), created_at
	FROM users
`

func (s *SQLiteStore) scanUser(row *sql.Row) (*store.User, error) {
	var user store.User
	var lastSeen, createdAt int64
	err := row.Scan(
		&user.ID,
		&user.Username,
		&user.Avatar,
		&user.IsOnline,
		&user.IsTyping,
		&lastSeen,
		&user.ConnectionID,
		&createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user: %w", store.ErrNotFound)
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	user.LastSeen = time.UnixMicro(lastSeen)
	user.CreatedAt = time.UnixMicro(createdAt)
	return &user, nil
}

// GetUserByID retrieves a user by ID.
func (s *SQLiteStore) GetUserByID(ctx context.Context, id string) (*store.User, error) {
	query := userSelect + ` WHERE id = ?`
	return s.scanUser(s.db.QueryRowContext(ctx, query, id))
}

// ListUsers returns all users ordered by username.
func (s *SQLiteStore) ListUsers(ctx context.Context) ([]*store.User, error) {
	query := userSelect + ` ORDER BY username ASC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var users []*store.User
	for rows.Next() {
		var user store.User
		var lastSeen, createdAt int64
		if err := rows.Scan(
			&user.ID,
			&user.Username,
			&user.Avatar,
			&user.IsOnline,
			&user.IsTyping,
			&lastSeen,
			&user.ConnectionID,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		user.LastSeen = time.UnixMicro(lastSeen)
		user.CreatedAt = time.UnixMicro(createdAt)
		users = append(users, &user)
	}

	return users, rows.Err()
}

// SetPresence records an online/offline transition.
func (s *SQLiteStore) SetPresence(ctx context.Context, userID string, online bool, connectionID string) error {
	var connID any
	if online && connectionID != "" {
		connID = connectionID
	}
	query := `
		UPDATE users
		SET is_online = ?, connection_id = ?, is_typing = 0, last_seen = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query, online, connID, time.Now().UnixMicro(), userID)
	if err != nil {
		return fmt.Errorf("update presence: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("user: %w", store.ErrNotFound)
	}
	return nil
}

// SetTyping updates the user's typing flag.
func (s *SQLiteStore) SetTyping(ctx context.Context, userID string, typing bool) error {
	result, err := s.db.ExecContext(ctx, `UPDATE users SET is_typing = ? WHERE id = ?`, typing, userID)
	if err != nil {
		return fmt.Errorf("update typing: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("user: %w", store.ErrNotFound)
	}
	return nil
}

// ==== RoomStore implementation ====

// CreateRoom creates a public room with the creator as sole participant.
func (s *SQLiteStore) CreateRoom(ctx context.Context, name, createdBy string) (*store.Room, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	id := uuid.NewString()
	now := time.Now().UnixMicro()

	query := `
		INSERT INTO rooms (id, name, is_private, created_by, created_at)
		VALUES (?, ?, 0, ?, ?)
	`
	if _, err := tx.ExecContext(ctx, query, id, name, createdBy, now); err != nil {
		return nil, fmt.Errorf("insert room: %w", err)
	}

	memberQuery := `INSERT INTO room_participants (room_id, user_id, joined_at) VALUES (?, ?, ?)`
	if _, err := tx.ExecContext(ctx, memberQuery, id, createdBy, now); err != nil {
		return nil, fmt.Errorf("insert participant: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	return s.GetRoomByID(ctx, id)
}

// DirectKey builds the canonical deduplication key for a private room
// between two users, independent of argument order.
func DirectKey(userA, userB string) string {
	if userB < userA {
		userA, userB = userB, userA
	}
	return "dm:" + userA + ":" + userB
}

// EnsurePrivateRoom finds or creates the unique private room between two users.
func (s *SQLiteStore) EnsurePrivateRoom(ctx context.Context, name, creatorID, otherID string) (*store.Room, error) {
	directKey := DirectKey(creatorID, otherID)

	room, err := s.getRoomByDirectKey(ctx, directKey)
	if err == nil {
		return room, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	id := uuid.NewString()
	now := time.Now().UnixMicro()

	query := `
		INSERT INTO rooms (id, name, is_private, created_by, direct_key, created_at)
		VALUES (?, ?, 1, ?, ?, ?)
	`
	if _, err := tx.ExecContext(ctx, query, id, name, creatorID, directKey, now); err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			// Lost a create race on the direct key: release the connection
			// before looking up the winner's room.
			_ = tx.Rollback()
			return s.getRoomByDirectKey(ctx, directKey)
		}
		return nil, fmt.Errorf("insert room: %w", err)
	}

	memberQuery := `INSERT INTO room_participants (room_id, user_id, joined_at) VALUES (?, ?, ?)`
	if _, err := tx.ExecContext(ctx, memberQuery, id, creatorID, now); err != nil {
		return nil, fmt.Errorf("insert creator participant: %w", err)
	}
	if _, err := tx.ExecContext(ctx, memberQuery, id, otherID, now); err != nil {
		return nil, fmt.Errorf("insert other participant: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	return s.GetRoomByID(ctx, id)
}

const roomSelect = `
	SELECT id, name, is_private, COALESCE(created_by, ''), direct_key, last_message_id, created_at
	FROM rooms
`

func (s *SQLiteStore) getRoomByDirectKey(ctx context.Context, directKey string) (*store.Room, error) {
	room, err := s.scanRoom(s.db.QueryRowContext(ctx, roomSelect+` WHERE direct_key = ?`, directKey))
	if err != nil {
		return nil, err
	}
	if room.Participants, err = s.participants(ctx, room.ID); err != nil {
		return nil, err
	}
	return room, nil
}

func (s *SQLiteStore) scanRoom(row *sql.Row) (*store.Room, error) {
	var room store.Room
	var directKey, lastMessageID sql.NullString
	var createdAt int64
	err := row.Scan(
		&room.ID,
		&room.Name,
		&room.IsPrivate,
		&room.CreatedBy,
		&directKey,
		&lastMessageID,
		&createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("room: %w", store.ErrNotFound)
		}
		return nil, fmt.Errorf("query room: %w", err)
	}
	if directKey.Valid {
		room.DirectKey = &directKey.String
	}
	if lastMessageID.Valid {
		room.LastMessageID = &lastMessageID.String
	}
	room.CreatedAt = time.UnixMicro(createdAt)
	return &room, nil
}

// GetRoomByID retrieves a room with its participant set.
func (s *SQLiteStore) GetRoomByID(ctx context.Context, id string) (*store.Room, error) {
	room, err := s.scanRoom(s.db.QueryRowContext(ctx, roomSelect+` WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	if room.Participants, err = s.participants(ctx, room.ID); err != nil {
		return nil, err
	}
	return room, nil
}

func (s *SQLiteStore) participants(ctx context.Context, roomID string) ([]string, error) {
	query := `
		SELECT user_id FROM room_participants
		WHERE room_id = ?
		ORDER BY joined_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, roomID)
	if err != nil {
		return nil, fmt.Errorf("query participants: %w", err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		members = append(members, userID)
	}

	return members, rows.Err()
}

// ListRooms returns all rooms with participants, newest first.
func (s *SQLiteStore) ListRooms(ctx context.Context) ([]*store.Room, error) {
	rows, err := s.db.QueryContext(ctx, roomSelect+` ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query rooms: %w", err)
	}
	defer rows.Close()

	var rooms []*store.Room
	for rows.Next() {
		var room store.Room
		var directKey, lastMessageID sql.NullString
		var createdAt int64
		if err := rows.Scan(
			&room.ID,
			&room.Name,
			&room.IsPrivate,
			&room.CreatedBy,
			&directKey,
			&lastMessageID,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		if directKey.Valid {
			room.DirectKey = &directKey.String
		}
		if lastMessageID.Valid {
			room.LastMessageID = &lastMessageID.String
		}
		room.CreatedAt = time.UnixMicro(createdAt)
		rooms = append(rooms, &room)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, room := range rooms {
		if room.Participants, err = s.participants(ctx, room.ID); err != nil {
			return nil, err
		}
	}

	return rooms, nil
}

// AddParticipant adds a user to a room; re-adding is a no-op.
func (s *SQLiteStore) AddParticipant(ctx context.Context, roomID, userID string) error {
	query := `
		INSERT OR IGNORE INTO room_participants (room_id, user_id, joined_at)
		VALUES (?, ?, ?)
	`
	if _, err := s.db.ExecContext(ctx, query, roomID, userID, time.Now().UnixMicro()); err != nil {
		return fmt.Errorf("insert participant: %w", err)
	}
	return nil
}

// SetLastMessage updates the room's last-message pointer.
func (s *SQLiteStore) SetLastMessage(ctx context.Context, roomID, messageID string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE rooms SET last_message_id = ? WHERE id = ?`, messageID, roomID)
	if err != nil {
		return fmt.Errorf("update last message: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("room: %w", store.ErrNotFound)
	}
	return nil
}

// ==== MessageStore implementation ====

// CreateMessage persists a message, assigning its ID and a monotonic timestamp.
func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *store.Message) error {
	msg.ID = uuid.NewString()
	msg.Timestamp = s.nextTimestamp()

	var senderID any
	if msg.SenderID != "" {
		senderID = msg.SenderID
	}

	query := `
		INSERT INTO messages (id, room_id, sender_id, sender_name, sender_avatar, content, is_read, is_system, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		msg.ID,
		msg.RoomID,
		senderID,
		msg.SenderName,
		msg.SenderAvatar,
		msg.Content,
		msg.IsRead,
		msg.IsSystem,
		msg.Timestamp.UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if msg.Reactions == nil {
		msg.Reactions = []store.Reaction{}
	}
	return nil
}

const messageSelect = `
	SELECT id, room_id, COALESCE(sender_id, ''), sender_name, sender_avatar, content, is_read, is_system, timestamp
	FROM messages
`

// GetMessageByID retrieves a message with its reactions.
func (s *SQLiteStore) GetMessageByID(ctx context.Context, id string) (*store.Message, error) {
	var msg store.Message
	var ts int64
	err := s.db.QueryRowContext(ctx, messageSelect+` WHERE id = ?`, id).Scan(
		&msg.ID,
		&msg.RoomID,
		&msg.SenderID,
		&msg.SenderName,
		&msg.SenderAvatar,
		&msg.Content,
		&msg.IsRead,
		&msg.IsSystem,
		&ts,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("message: %w", store.ErrNotFound)
		}
		return nil, fmt.Errorf("query message: %w", err)
	}
	msg.Timestamp = time.UnixMicro(ts)

	if msg.Reactions, err = s.reactions(ctx, msg.ID); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *SQLiteStore) reactions(ctx context.Context, messageID string) ([]store.Reaction, error) {
	query := `
		SELECT user_id, emoji FROM reactions
		WHERE message_id = ?
		ORDER BY rowid ASC
	`
	rows, err := s.db.QueryContext(ctx, query, messageID)
	if err != nil {
		return nil, fmt.Errorf("query reactions: %w", err)
	}
	defer rows.Close()

	reactions := []store.Reaction{}
	for rows.Next() {
		var r store.Reaction
		if err := rows.Scan(&r.UserID, &r.Emoji); err != nil {
			return nil, fmt.Errorf("scan reaction: %w", err)
		}
		reactions = append(reactions, r)
	}

	return reactions, rows.Err()
}

// ToggleReaction adds the (userID, emoji) pair if absent, removes it if
// present, and returns the resulting reaction set.
func (s *SQLiteStore) ToggleReaction(ctx context.Context, messageID, userID, emoji string) ([]store.Reaction, error) {
	if _, err := s.GetMessageByID(ctx, messageID); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	result, err := tx.ExecContext(ctx,
		`DELETE FROM reactions WHERE message_id = ? AND user_id = ? AND emoji = ?`,
		messageID, userID, emoji,
	)
	if err != nil {
		return nil, fmt.Errorf("delete reaction: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("get rows affected: %w", err)
	}
	if removed == 0 {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO reactions (message_id, user_id, emoji) VALUES (?, ?, ?)`,
			messageID, userID, emoji,
		); err != nil {
			return nil, fmt.Errorf("insert reaction: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	return s.reactions(ctx, messageID)
}

// RecentMessages returns up to limit newest messages of a room, oldest first.
func (s *SQLiteStore) RecentMessages(ctx context.Context, roomID string, limit int) ([]*store.Message, error) {
	query := messageSelect + `
		WHERE room_id = ?
		ORDER BY timestamp DESC
		LIMIT ?
	`
	messages, err := s.queryMessages(ctx, query, roomID, limit)
	if err != nil {
		return nil, err
	}

	// Reverse to chronological order
	for i := range len(messages) / 2 {
		messages[i], messages[len(messages)-1-i] = messages[len(messages)-1-i], messages[i]
	}

	return messages, nil
}

// ListMessages pages through a room's log oldest-to-newest.
func (s *SQLiteStore) ListMessages(ctx context.Context, roomID string, limit, offset int) ([]*store.Message, error) {
	query := messageSelect + `
		WHERE room_id = ?
		ORDER BY timestamp ASC
		LIMIT ? OFFSET ?
	`
	return s.queryMessages(ctx, query, roomID, limit, offset)
}

func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...any) ([]*store.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []*store.Message
	for rows.Next() {
		var msg store.Message
		var ts int64
		if err := rows.Scan(
			&msg.ID,
			&msg.RoomID,
			&msg.SenderID,
			&msg.SenderName,
			&msg.SenderAvatar,
			&msg.Content,
			&msg.IsRead,
			&msg.IsSystem,
			&ts,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Timestamp = time.UnixMicro(ts)
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, msg := range messages {
		if msg.Reactions, err = s.reactions(ctx, msg.ID); err != nil {
			return nil, err
		}
	}

	return messages, nil
}

// Ensure SQLiteStore implements store.Store
var _ store.Store = (*SQLiteStore)(nil)
