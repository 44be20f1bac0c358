package main

import (
	"parallel-dialer/internal/config"
	"parallel-dialer/internal/dialgroup"
	"parallel-dialer/internal/httpapi"
	"parallel-dialer/internal/telephony"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, cfg config.Config, coord *dialgroup.Coordinator, rdb *redis.Client, authMW gin.HandlerFunc) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// Provider webhooks (public).
	// NOTE: These endpoints should be protected by Twilio signature validation in production.
	{
		wh := telephony.TwilioWebhookHandler{Sink: coord}
		r.POST("/webhooks/twilio/status", wh.HandleStatusCallback)
		// Twilio fetches answer TwiML with either method depending on configuration.
		r.POST("/webhooks/twilio/conference", wh.HandleConferenceTwiML)
		r.GET("/webhooks/twilio/conference", wh.HandleConferenceTwiML)
	}

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(authMW)
	{
		h := httpapi.Handlers{
			Coordinator:       coord,
			Redis:             rdb,
			MaxActivePerQueue: cfg.Dialer.MaxActivePerQueue,
			BaseURL:           cfg.App.PublicBaseURL,
			GroupTTL:          cfg.Dialer.GroupTTL,
		}

		groups := v1.Group("/dial-groups")
		{
			groups.POST("", h.InitiateGroup)
			groups.GET("/requirements", h.Requirements)
			groups.GET("/:group_id", h.GetGroup)
			groups.POST("/:group_id/terminate", h.TerminateGroup)
		}
	}
}
