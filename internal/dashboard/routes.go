package dashboard

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/tgrelay/internal/relay"
)

// registerRoutes sets up all dashboard routes on the Gin router.
func registerRoutes(router *gin.Engine, opts Opts) {
	api := router.Group("/api")
	api.GET("/health", handleHealth())
	api.GET("/stats", handleStats(opts.Source))
	api.GET("/accounts", handleAccounts(opts.Source))
	api.GET("/events", handleSSE(opts.Source, opts.StreamEvery))
	if opts.Toggler != nil {
		api.POST("/accounts/:id/toggle", handleToggle(opts))
	}
}

func handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func handleStats(src Source) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, src.Stats())
	}
}

func handleAccounts(src Source) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"accounts": src.Accounts()})
	}
}

func handleToggle(opts Opts) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.Param("id"))
		enabled, err := opts.Toggler.Toggle(c.Request.Context(), id)
		switch {
		case errors.Is(err, relay.ErrUnknownIdentity):
			c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		case errors.Is(err, relay.ErrAuthFailure):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case err != nil:
			opts.Log.Error().Err(err).Str("identity", id).Msg("dashboard toggle")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "toggle failed"})
		default:
			c.JSON(http.StatusOK, gin.H{"id": id, "enabled": enabled})
		}
	}
}
