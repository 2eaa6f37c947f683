package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/parleychat/parley-server/internal/proto"
	"github.com/parleychat/parley-server/internal/store"
)

const defaultMessagePageSize = 50

// QueryHandlers serves the read-only REST surface over the store. The
// real-time path does not go through here.
type QueryHandlers struct {
	store     store.Store
	log       *zerolog.Logger
	startedAt time.Time
}

// NewQueryHandlers creates the query handlers.
func NewQueryHandlers(st store.Store, logger *zerolog.Logger) *QueryHandlers {
	return &QueryHandlers{
		store:     st,
		log:       logger,
		startedAt: time.Now(),
	}
}

// ErrorResponse represents an error response body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse reports server liveness.
type HealthResponse struct {
	Status    string  `json:"status"`
	Timestamp string  `json:"timestamp"`
	Uptime    float64 `json:"uptime"` // seconds
}

// RoomResponse is a room with participant profiles and its last message
// populated.
type RoomResponse struct {
	ID           string                `json:"id"`
	Name         string                `json:"name"`
	IsPrivate    bool                  `json:"isPrivate"`
	CreatedBy    string                `json:"createdBy,omitempty"`
	Participants []proto.UserPayload   `json:"participants"`
	LastMessage  *proto.MessagePayload `json:"lastMessage"`
}

// Health handles liveness checks.
// GET /health
func (h *QueryHandlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "OK",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(h.startedAt).Seconds(),
	})
}

// ListUsers handles listing all users.
// GET /api/users
func (h *QueryHandlers) ListUsers(c *gin.Context) {
	users, err := h.store.ListUsers(c.Request.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("failed to list users")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}

	response := make([]proto.UserPayload, 0, len(users))
	for _, u := range users {
		response = append(response, userPayload(u))
	}

	c.JSON(http.StatusOK, response)
}

// ListRooms handles listing all rooms with participants and last message
// populated.
// GET /api/rooms
func (h *QueryHandlers) ListRooms(c *gin.Context) {
	ctx := c.Request.Context()

	rooms, err := h.store.ListRooms(ctx)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to list rooms")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}

	response := make([]RoomResponse, 0, len(rooms))
	for _, room := range rooms {
		resp := RoomResponse{
			ID:           room.ID,
			Name:         room.Name,
			IsPrivate:    room.IsPrivate,
			CreatedBy:    room.CreatedBy,
			Participants: make([]proto.UserPayload, 0, len(room.Participants)),
		}

		for _, userID := range room.Participants {
			user, err := h.store.GetUserByID(ctx, userID)
			if err != nil {
				// A vanished participant should not break the listing.
				h.log.Warn().Err(err).Str("user_id", userID).Msg("participant lookup failed")
				continue
			}
			resp.Participants = append(resp.Participants, userPayload(user))
		}

		if room.LastMessageID != nil {
			msg, err := h.store.GetMessageByID(ctx, *room.LastMessageID)
			if err == nil {
				payload := messagePayload(msg)
				resp.LastMessage = &payload
			}
		}

		response = append(response, resp)
	}

	c.JSON(http.StatusOK, response)
}

// ListMessages handles paginated history reads, returned oldest-to-newest.
// GET /api/rooms/:roomId/messages?limit=&offset=
func (h *QueryHandlers) ListMessages(c *gin.Context) {
	ctx := c.Request.Context()
	roomID := c.Param("roomId")

	if _, err := h.store.GetRoomByID(ctx, roomID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "room not found"})
			return
		}
		h.log.Error().Err(err).Str("room_id", roomID).Msg("failed to load room")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}

	limit := queryInt(c, "limit", defaultMessagePageSize)
	offset := queryInt(c, "offset", 0)
	if limit < 1 || limit > 500 || offset < 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid pagination parameters"})
		return
	}

	messages, err := h.store.ListMessages(ctx, roomID, limit, offset)
	if err != nil {
		h.log.Error().Err(err).Str("room_id", roomID).Msg("failed to list messages")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}

	response := make([]proto.MessagePayload, 0, len(messages))
	for _, msg := range messages {
		response = append(response, messagePayload(msg))
	}

	c.JSON(http.StatusOK, response)
}

func queryInt(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return -1
	}
	return v
}
