package relay

import (
	"context"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tutorlink/live/internal/config"
	"github.com/tutorlink/live/internal/domain"
	"github.com/tutorlink/live/internal/transport"
)

func genClientToken() string {
	return uuid.NewString()
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, ctl *Controller) *gin.Engine {
	if cfg.Relay.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Relay.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Relay.Secret))
	r.Use(sessions.Sessions("TutorLinkSessions", store))
	r.Use(ClientTokenMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")

	api.GET("/ws", func(c *gin.Context) {
		ctl.HandleWS(ctx, c)
	})

	api.GET("/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"rooms": ctl.rooms.Snapshot()})
	})

	// Scheduling backend webhook: marketplace pushes status changes here
	// and every connected client hears about them on the channel.
	api.POST("/sessions/:id/status", func(c *gin.Context) {
		var body struct {
			Status domain.Status `json:"status" binding:"required,oneof=scheduled active completed cancelled"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		id := domain.SessionID(c.Param("id"))
		log.Info().Str("module", "relay").Str("session", string(id)).Str("status", string(body.Status)).Msg("session status pushed")
		ctl.registry.Broadcast(transport.EventSessionUpd, gin.H{
			"sessionId": id,
			"status":    body.Status,
		})
		c.JSON(http.StatusOK, gin.H{"sessionId": id, "status": body.Status})
	})

	log.Info().Str("module", "relay").Int("port", cfg.Relay.Port).Msg("router setup")
	return r
}
