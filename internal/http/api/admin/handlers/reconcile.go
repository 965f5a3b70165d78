package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/keyledger/internal/outline"
	"github.com/router-for-me/keyledger/internal/provisioning"
	"github.com/router-for-me/keyledger/internal/reconcile"
	log "github.com/sirupsen/logrus"
)

// PassRunner runs one reconciliation pass.
type PassRunner interface {
	RunOnce(ctx context.Context) (reconcile.Report, error)
}

// Recoverer completes or abandons interrupted provisioning.
type Recoverer interface {
	Recover(ctx context.Context) (provisioning.RecoveryReport, error)
}

// ReconcileHandler triggers maintenance passes on demand.
type ReconcileHandler struct {
	runner    PassRunner
	recoverer Recoverer
}

// NewReconcileHandler constructs a ReconcileHandler.
func NewReconcileHandler(runner PassRunner, recoverer Recoverer) *ReconcileHandler {
	return &ReconcileHandler{runner: runner, recoverer: recoverer}
}

// Run executes a reconciliation pass and returns its report.
func (h *ReconcileHandler) Run(c *gin.Context) {
	report, err := h.runner.RunOnce(c.Request.Context())
	if err != nil {
		log.WithError(err).WithField("pass_id", report.PassID).Warn("admin: reconcile pass failed")
		code := http.StatusBadGateway
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			code = http.StatusServiceUnavailable
		}
		if errors.Is(err, outline.ErrUnavailable) {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{"error": "reconcile pass failed", "report": report})
		return
	}
	c.JSON(http.StatusOK, report)
}

// Recover runs the pending provisioning sweep.
func (h *ReconcileHandler) Recover(c *gin.Context) {
	if h.recoverer == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "recovery not available"})
		return
	}
	report, err := h.recoverer.Recover(c.Request.Context())
	if err != nil {
		log.WithError(err).Warn("admin: recovery sweep failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "recovery sweep failed", "report": report})
		return
	}
	c.JSON(http.StatusOK, report)
}
