// Package admin registers operator routes.
package admin

import (
	"github.com/gin-gonic/gin"
	"github.com/router-for-me/keyledger/internal/auth"
	"github.com/router-for-me/keyledger/internal/http/api"
	"github.com/router-for-me/keyledger/internal/http/api/admin/handlers"
	"github.com/router-for-me/keyledger/internal/metrics"
)

// Deps are the services behind the admin routes.
type Deps struct {
	Issuer       *auth.Issuer
	Reconciler   handlers.PassRunner
	Recoverer    handlers.Recoverer
	Metrics      *metrics.Metrics
	Status       func() map[string]bool
	GatewayReady func() bool
}

// RegisterAdminRoutes registers health, metrics and maintenance routes.
func RegisterAdminRoutes(r *gin.Engine, deps Deps) {
	if r == nil {
		return
	}

	healthHandler := handlers.NewHealthHandler(deps.Status)
	r.GET("/healthz", healthHandler.Healthz)
	r.GET("/metrics", deps.Metrics.Handler())

	if deps.Issuer == nil || deps.Reconciler == nil {
		return
	}
	adminGroup := r.Group("/v0/admin")
	adminGroup.Use(auth.Middleware(deps.Issuer), api.RequireReady("gateway", deps.GatewayReady))

	reconcileHandler := handlers.NewReconcileHandler(deps.Reconciler, deps.Recoverer)
	adminGroup.POST("/reconcile", reconcileHandler.Run)
	adminGroup.POST("/recover", reconcileHandler.Recover)
}
