package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/pairview/pairview/internal/adapters/ws"
	"github.com/pairview/pairview/internal/config"
	"github.com/pairview/pairview/internal/domain"
	"github.com/pairview/pairview/internal/metrics"
	"github.com/pairview/pairview/internal/registry"
)

// ClientTokenMiddleware assigns every visitor a stable relay-channel
// identity via cookie. This is identity, not authentication.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = uuid.NewString()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(cfg *config.Config, reg *registry.Registry, collector *metrics.Collector) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(ClientTokenMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"rooms":  reg.RoomCount(),
		})
	})

	r.GET("/room/:id", func(c *gin.Context) {
		snap, err := reg.Snapshot(c.Param("id"))
		if err != nil {
			if errors.Is(err, domain.ErrNoSuchRoom) {
				c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, snap)
	})

	r.GET("/metrics", gin.WrapH(collector.Handler()))

	ctl := ws.NewController(reg, cfg.ReadLimit, cfg.PingPeriod)
	r.GET("/ws", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("sid", c.GetString("client_token")).Msg("ws endpoint hit")
		ctl.HandleSignal(c)
	})

	return r
}
