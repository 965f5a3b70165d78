package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/keyledger/internal/promo"
	"github.com/router-for-me/keyledger/internal/provisioning"
	log "github.com/sirupsen/logrus"
)

// respondError maps domain errors to HTTP responses.
func respondError(c *gin.Context, err error) {
	var dangling *provisioning.DanglingError
	switch {
	case errors.As(err, &dangling):
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "key issued but not recorded, contact support",
			"token": dangling.Token,
		})
	case errors.Is(err, provisioning.ErrNotPaid):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "payment not confirmed"})
	case errors.Is(err, provisioning.ErrAlreadyFulfilled):
		c.JSON(http.StatusConflict, gin.H{"error": "payment already used"})
	case errors.Is(err, promo.ErrAlreadyActivated):
		c.JSON(http.StatusConflict, gin.H{"error": "promo code already activated"})
	case errors.Is(err, promo.ErrUnlimitedCredential):
		c.JSON(http.StatusConflict, gin.H{"error": "key is already unlimited"})
	case errors.Is(err, promo.ErrUnknownCode):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown promo code"})
	case errors.Is(err, promo.ErrNoCredential):
		c.JSON(http.StatusNotFound, gin.H{"error": "no active key"})
	case errors.Is(err, provisioning.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid tier or amount"})
	case errors.Is(err, provisioning.ErrInvalidLabel):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payment label"})
	case errors.Is(err, provisioning.ErrNoCheckout):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "payments unavailable"})
	case errors.Is(err, provisioning.ErrGateway), errors.Is(err, promo.ErrGateway):
		c.JSON(http.StatusBadGateway, gin.H{"error": "vpn server unavailable"})
	default:
		log.WithError(err).WithField("path", c.FullPath()).Error("api: request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// userIDParam reads a positive user id from the named path parameter.
func userIDParam(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return 0, false
	}
	return id, true
}
