package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/keyledger/internal/ratelimit"
	log "github.com/sirupsen/logrus"
)

// allow applies the per-user limiter and writes a 429 when it rejects.
func allow(c *gin.Context, limiter *ratelimit.Manager, action ratelimit.Action, userID int64) bool {
	if limiter == nil {
		return true
	}
	res, err := limiter.Allow(c.Request.Context(), action, userID)
	if err != nil {
		log.WithError(err).WithField("action", action).Warn("api: rate limit check failed")
		return true
	}
	if res.Allowed {
		return true
	}
	retry := int(time.Until(res.Reset).Seconds()) + 1
	if retry < 1 {
		retry = 1
	}
	c.Header("Retry-After", strconv.Itoa(retry))
	c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
	return false
}
