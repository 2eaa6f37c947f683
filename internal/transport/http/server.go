package http

import (
	stdhttp "net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/parleychat/parley-server/internal/config"
	"github.com/parleychat/parley-server/internal/core"
	"github.com/parleychat/parley-server/internal/store"
)

// NewServer builds the HTTP server: the websocket endpoint plus the
// read-only query API.
func NewServer(hub *core.Hub, st store.Store, cfg config.Config, logger *zerolog.Logger) *stdhttp.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), LoggerMiddleware(logger))

	queries := NewQueryHandlers(st, logger)
	router.GET("/health", queries.Health)

	api := router.Group("/api")
	{
		api.GET("/users", queries.ListUsers)
		api.GET("/rooms", queries.ListRooms)
		api.GET("/rooms/:roomId/messages", queries.ListMessages)
	}

	ws := NewWSHandler(hub, cfg.RateLimitPerMin, logger)
	router.GET("/ws", gin.WrapH(ws))

	return &stdhttp.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}
