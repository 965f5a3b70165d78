// Package front registers the routes used by the bot frontend.
package front

import (
	"github.com/gin-gonic/gin"
	"github.com/router-for-me/keyledger/internal/auth"
	"github.com/router-for-me/keyledger/internal/http/api"
	"github.com/router-for-me/keyledger/internal/http/api/front/handlers"
	"github.com/router-for-me/keyledger/internal/promo"
	"github.com/router-for-me/keyledger/internal/provisioning"
	"github.com/router-for-me/keyledger/internal/ratelimit"
)

// Deps are the services behind the front routes.
type Deps struct {
	Issuer       *auth.Issuer
	Provisioning *provisioning.Service
	Redeemer     *promo.Redeemer
	Limiter      *ratelimit.Manager
	GatewayReady func() bool
	PaymentReady func() bool
}

// RegisterFrontRoutes registers the /v0 user, tier and payment routes.
func RegisterFrontRoutes(r *gin.Engine, deps Deps) {
	if r == nil || deps.Issuer == nil || deps.Provisioning == nil {
		return
	}
	gateway := api.RequireReady("gateway", deps.GatewayReady)
	payments := api.RequireReady("payment", deps.PaymentReady)

	authHandler := handlers.NewAuthHandler(deps.Issuer)
	r.POST("/v0/auth/token", authHandler.Token)

	authed := r.Group("/v0")
	authed.Use(auth.Middleware(deps.Issuer))

	userHandler := handlers.NewUserFrontHandler(deps.Provisioning, deps.Redeemer, deps.Limiter)
	authed.POST("/users", gateway, userHandler.Register)
	authed.GET("/users/:id/keys", gateway, userHandler.Keys)
	if deps.Redeemer != nil {
		authed.POST("/users/:id/promo", gateway, userHandler.Redeem)
	}

	tierHandler := handlers.NewTierFrontHandler(deps.Provisioning)
	authed.GET("/tiers", tierHandler.List)

	paymentHandler := handlers.NewPaymentFrontHandler(deps.Provisioning, deps.Limiter)
	authed.POST("/payments", payments, paymentHandler.Create)
	authed.POST("/payments/:label/check", gateway, payments, paymentHandler.Check)
}
