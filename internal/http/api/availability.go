// Package api holds helpers shared by the front and admin route groups.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RequireReady answers 503 while ready reports false. A nil ready always passes.
func RequireReady(collaborator string, ready func() bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if ready != nil && !ready() {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error":        collaborator + " unavailable",
				"collaborator": collaborator,
			})
			return
		}
		c.Next()
	}
}
