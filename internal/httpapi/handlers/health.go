package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

func (h *Handler) Ping(c *gin.Context) {
	c.String(http.StatusOK, "pong")
}

func (h *Handler) Health(c *gin.Context) {
	stats := h.Hub.Stats()

	redisStatus := "ok"
	var queueDepth any // null while redis is unreachable
	if err := h.Redis.Ping(c.Request.Context()); err != nil {
		redisStatus = "unreachable"
	} else if n, err := h.Jobs.QueueDepth(c.Request.Context()); err == nil {
		queueDepth = n
	}

	c.JSON(http.StatusOK, gin.H{
		"status":      "healthy",
		"timestamp":   time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
		"connections": stats.Connections,
		"channels":    stats.Channels,
		"redis":       redisStatus,
		"queue_depth": queueDepth,
	})
}
