package http

import (
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/CallDub/internal/app/callsm"
	"github.com/dkeye/CallDub/internal/config"
)

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
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

func SetupRouter(cfg *config.Config, api *API, hub *EventHub) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("CallDubSessions", store))
	r.Use(ClientTokenMiddleware())

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
		r.GET("/", func(c *gin.Context) {
			c.File(cfg.StaticPath + "/index.html")
		})
	}

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	g := r.Group("/api")

	g.GET("/devices", api.listDevices)
	g.POST("/devices", api.registerDevice)

	dev := g.Group("/devices/:token")
	dev.DELETE("", api.unregisterDevice)
	dev.GET("/call", api.callSnapshot)
	dev.POST("/dial", api.dial)
	dev.POST("/accept", api.callAction((*callsm.Machine).Accept))
	dev.POST("/reject", api.callAction((*callsm.Machine).Reject))
	dev.POST("/end", api.callAction((*callsm.Machine).End))
	dev.POST("/mute", api.callAction((*callsm.Machine).Mute))
	dev.POST("/unmute", api.callAction((*callsm.Machine).UnMute))
	dev.GET("/injection", api.injectionStatus)
	dev.GET("/capabilities", api.capabilities)

	g.POST("/audio", api.uploadAudio)
	g.GET("/audio", api.currentAudio)
	g.DELETE("/audio", api.resetAudio)
	g.POST("/audio/context", api.recreateContext)

	g.POST("/diagnostics/interception", api.checkInterception)
	g.POST("/diagnostics/capture", api.checkCapture)

	g.GET("/logs", api.logs)
	g.DELETE("/logs", api.clearLogs)

	g.GET("/ws/events", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("client", c.GetString("client_token")).Msg("ws events endpoint hit")
		hub.Serve(c)
	})

	return r
}
