package api

import (
	"net/http"

	"github.com/RichardoC/teiqr/internal/auth"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// NewRouter wires the handlers behind the auth, rate limit and logging
// middleware. limiter may be nil.
func NewRouter(h *Handler, resolver auth.Resolver, limiter *RateLimiter, gatherer prometheus.Gatherer, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(Recovery(logger), AccessLog(logger))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	api := r.Group("/api")
	api.GET("/models", h.ListModels)

	authed := api.Group("", RequireIdentity(resolver, logger))
	authed.POST("/chat", limiter.Middleware(), h.HandleChat)
	authed.GET("/conversations", h.GetConversations)
	authed.GET("/conversations/:id/messages", h.GetMessages)
	authed.PATCH("/conversations/:id", h.UpdateConversation)
	authed.DELETE("/conversations/:id", h.DeleteConversation)
	authed.GET("/profile", h.GetProfile)
	authed.PUT("/profile", h.UpdateProfile)

	return r
}
