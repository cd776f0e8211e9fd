package api

import (
	"net/http"
	"strconv"
	"time"

	"greencart/internal/models"
	"greencart/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const actorKey = "actor"

// identityMiddleware trusts the identity headers set by the upstream gateway
func identityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := uuid.Parse(c.GetHeader("X-User-ID"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid X-User-ID"})
			return
		}

		role := models.Role(c.GetHeader("X-User-Role"))
		switch role {
		case models.RoleConsumer, models.RoleProducer, models.RoleStaff:
		default:
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid X-User-Role"})
			return
		}

		actor := models.Actor{UserID: userID, Role: role}
		if raw := c.GetHeader("X-Producer-ID"); raw != "" {
			producerID, err := uuid.Parse(raw)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid X-Producer-ID"})
				return
			}
			actor.ProducerID = &producerID
		}

		c.Set(actorKey, actor)
		c.Next()
	}
}

func actorFrom(c *gin.Context) models.Actor {
	return c.MustGet(actorKey).(models.Actor)
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
