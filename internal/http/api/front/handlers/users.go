package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/keyledger/internal/promo"
	"github.com/router-for-me/keyledger/internal/provisioning"
	"github.com/router-for-me/keyledger/internal/ratelimit"
	log "github.com/sirupsen/logrus"
)

// UserFrontHandler serves registration, key listing and promo redemption.
type UserFrontHandler struct {
	svc      *provisioning.Service
	redeemer *promo.Redeemer
	limiter  *ratelimit.Manager
}

// NewUserFrontHandler constructs a UserFrontHandler.
func NewUserFrontHandler(svc *provisioning.Service, redeemer *promo.Redeemer, limiter *ratelimit.Manager) *UserFrontHandler {
	return &UserFrontHandler{svc: svc, redeemer: redeemer, limiter: limiter}
}

// registerRequest identifies a new user.
type registerRequest struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
}

// Register records the user and issues the trial key on first contact.
func (h *UserFrontHandler) Register(c *gin.Context) {
	var body registerRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if body.UserID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}

	reg, err := h.svc.Register(c.Request.Context(), body.UserID, body.Username)
	if err != nil && !reg.Registered {
		respondError(c, err)
		return
	}
	if !reg.Registered {
		c.JSON(http.StatusOK, reg)
		return
	}
	if err != nil {
		log.WithError(err).WithField("user_id", body.UserID).Warn("api: trial key not issued")
		resp := gin.H{"registered": true, "trial_error": "trial key unavailable"}
		var dangling *provisioning.DanglingError
		if errors.As(err, &dangling) {
			resp["trial_error"] = "key issued but not recorded, contact support"
			resp["token"] = dangling.Token
		}
		c.JSON(http.StatusCreated, resp)
		return
	}
	c.JSON(http.StatusCreated, reg)
}

// Keys lists the user's live keys.
func (h *UserFrontHandler) Keys(c *gin.Context) {
	userID, ok := userIDParam(c, "id")
	if !ok {
		return
	}
	keys, err := h.svc.Keys(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys})
}

// promoRequest carries the promo code.
type promoRequest struct {
	Code string `json:"code"`
}

// Redeem applies a promo code to the user's newest live key.
func (h *UserFrontHandler) Redeem(c *gin.Context) {
	userID, ok := userIDParam(c, "id")
	if !ok {
		return
	}
	var body promoRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if strings.TrimSpace(body.Code) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "code is required"})
		return
	}
	if !allow(c, h.limiter, ratelimit.ActionPromo, userID) {
		return
	}

	res, err := h.redeemer.Redeem(c.Request.Context(), userID, body.Code)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
