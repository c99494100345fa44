// Package httpapi exposes the mini-app notify endpoint and the admin API.
package httpapi

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"barassistant/internal/common"
	"barassistant/internal/config"
	"barassistant/internal/httpapi/handlers"
	"barassistant/internal/httpapi/middleware"
)

func NewRouter(h *handlers.Handler, cfg config.Config) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())
	r.Use(middleware.RequestID())

	// The mini app is served from a different origin.
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "DELETE"},
		AllowHeaders:    []string{"Content-Type", "Authorization"},
	}))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.GET("/ping", h.Ping)

	// mini app
	r.POST("/notify", h.Notify)

	// auth
	r.POST("/login", h.Login)
	admin := r.Group("/admin")
	admin.Use(middleware.AuthRequired(cfg.JWTSecret))
	admin.GET("/stats", h.Stats)
	admin.GET("/export", h.Export)
	admin.GET("/users", h.Users)
	admin.POST("/bans/:user_id", h.BanUser)
	admin.DELETE("/bans/:user_id", h.UnbanUser)
	admin.POST("/notify-admins/:user_id", h.AddNotifyAdmin)
	admin.DELETE("/notify-admins/:user_id", h.RemoveNotifyAdmin)
	admin.POST("/broadcast", h.Broadcast)
	admin.GET("/jobs/:job_id", h.JobStatus)

	return r
}
