package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/keyledger/internal/provisioning"
	"github.com/router-for-me/keyledger/internal/ratelimit"
)

// PaymentFrontHandler opens payments and turns confirmed ones into keys.
type PaymentFrontHandler struct {
	svc     *provisioning.Service
	limiter *ratelimit.Manager
}

// NewPaymentFrontHandler constructs a PaymentFrontHandler.
func NewPaymentFrontHandler(svc *provisioning.Service, limiter *ratelimit.Manager) *PaymentFrontHandler {
	return &PaymentFrontHandler{svc: svc, limiter: limiter}
}

// quoteRequest selects the tier to pay for.
type quoteRequest struct {
	UserID   int64 `json:"user_id"`
	TierCode int   `json:"tier_code"`
}

// Create prices the tier and returns the payment link.
func (h *PaymentFrontHandler) Create(c *gin.Context) {
	var body quoteRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if body.UserID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}

	quote, err := h.svc.Quote(c.Request.Context(), body.UserID, body.TierCode)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"label":       quote.Link.Label,
		"amount":      quote.Price,
		"url":         quote.Link.URL,
		"provider":    quote.Link.Provider,
		"tier_code":   quote.Tier.Code,
		"description": quote.Tier.Description(),
		"returning":   quote.Returning,
	})
}

// checkRequest describes the purchase a payment label pays for.
type checkRequest struct {
	UserID   int64   `json:"user_id"`
	TierCode int     `json:"tier_code"`
	Amount   float64 `json:"amount"`
}

// Check verifies the payment behind the label and provisions the key.
func (h *PaymentFrontHandler) Check(c *gin.Context) {
	label := strings.TrimSpace(c.Param("label"))
	var body checkRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if body.UserID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}
	if !allow(c, h.limiter, ratelimit.ActionPaymentCheck, body.UserID) {
		return
	}

	res, err := h.svc.ProvisionPaid(c.Request.Context(), provisioning.PaidRequest{
		UserID:       body.UserID,
		TierCode:     body.TierCode,
		PaymentLabel: label,
		Amount:       body.Amount,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}
