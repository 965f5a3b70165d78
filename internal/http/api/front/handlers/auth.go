package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/keyledger/internal/auth"
	log "github.com/sirupsen/logrus"
)

// AuthHandler exchanges the client secret for a bearer token.
type AuthHandler struct {
	issuer *auth.Issuer
}

// NewAuthHandler constructs an AuthHandler.
func NewAuthHandler(issuer *auth.Issuer) *AuthHandler {
	return &AuthHandler{issuer: issuer}
}

// tokenRequest carries the client credentials.
type tokenRequest struct {
	Client       string `json:"client"`
	ClientSecret string `json:"client_secret"`
}

// Token issues a JWT for a valid client secret.
func (h *AuthHandler) Token(c *gin.Context) {
	var body tokenRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	client := strings.TrimSpace(body.Client)
	if client == "" {
		client = "bot"
	}
	token, exp, err := h.issuer.Exchange(client, body.ClientSecret)
	if err != nil {
		if errors.Is(err, auth.ErrBadSecret) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid client credentials"})
			return
		}
		log.WithError(err).Error("api: issue token failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "expires_at": exp})
}
