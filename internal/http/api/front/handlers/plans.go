package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/keyledger/internal/provisioning"
)

// TierFrontHandler serves the tier catalog.
type TierFrontHandler struct {
	svc *provisioning.Service
}

// NewTierFrontHandler constructs a TierFrontHandler.
func NewTierFrontHandler(svc *provisioning.Service) *TierFrontHandler {
	return &TierFrontHandler{svc: svc}
}

// List returns every tier priced for the user in the user_id query parameter.
func (h *TierFrontHandler) List(c *gin.Context) {
	var userID int64
	if raw := c.Query("user_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
			return
		}
		userID = id
	}

	returning := false
	offers := h.svc.Catalog().Offers(false)
	if userID != 0 {
		var err error
		offers, returning, err = h.svc.Offers(c.Request.Context(), userID)
		if err != nil {
			respondError(c, err)
			return
		}
	}

	out := make([]gin.H, 0, len(offers))
	for _, offer := range offers {
		out = append(out, gin.H{
			"code":        offer.Tier.Code,
			"description": offer.Description,
			"price":       offer.Price,
			"unlimited":   offer.Tier.Unlimited,
			"months":      offer.Tier.Months,
			"quota_bytes": offer.Tier.QuotaBytes(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"tiers": out, "returning": returning})
}
