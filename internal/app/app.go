// Package app wires the service and runs it.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/keyledger/internal/config"
	"github.com/router-for-me/keyledger/internal/http/api/admin"
	"github.com/router-for-me/keyledger/internal/http/api/front"
	"github.com/router-for-me/keyledger/internal/logging"
	"github.com/router-for-me/keyledger/internal/settings"
	log "github.com/sirupsen/logrus"
)

const shutdownTimeout = 5 * time.Second

// load reads the config file and configures logging.
func load(appCfg config.AppConfig) (config.Config, string, error) {
	configPath := config.ResolveConfigPath(appCfg.ConfigPath)
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, "", err
	}
	if err := logging.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		return config.Config{}, "", err
	}
	return cfg, configPath, nil
}

// RunServer serves the HTTP API and runs the reconciliation loop until ctx ends.
// port overrides the configured port when positive.
func RunServer(ctx context.Context, appCfg config.AppConfig, port int) error {
	cfg, configPath, err := load(appCfg)
	if err != nil {
		return err
	}
	if port > 0 {
		cfg.Port = port
	}

	c, err := build(cfg, configPath)
	if err != nil {
		return err
	}
	defer c.close()

	issuer, err := c.issuer()
	if err != nil {
		return fmt.Errorf("app: api auth: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	avail := newAvailability(c.metrics, settings.DefaultProbeInterval)
	gateway := avail.add("gateway", c.gateway.Ping, func() {
		report, errRecover := c.service.Recover(runCtx)
		if errRecover != nil {
			log.WithError(errRecover).Error("app: startup recovery failed")
		} else if report.Open > 0 {
			log.WithFields(log.Fields{
				"open":      report.Open,
				"completed": report.Completed,
				"abandoned": report.Abandoned,
				"failed":    report.Failed,
			}).Warn("app: recovered interrupted provisioning")
		}
		c.reconciler.Start(runCtx)
	})
	payments := avail.add("payment", c.payments.Ping)

	engine := gin.New()
	engine.Use(gin.Recovery(), c.metrics.Middleware())
	front.RegisterFrontRoutes(engine, front.Deps{
		Issuer:       issuer,
		Provisioning: c.service,
		Redeemer:     c.redeemer,
		Limiter:      c.limiter,
		GatewayReady: gateway.Ready,
		PaymentReady: payments.Ready,
	})
	admin.RegisterAdminRoutes(engine, admin.Deps{
		Issuer:       issuer,
		Reconciler:   c.reconciler,
		Recoverer:    c.service,
		Metrics:      c.metrics,
		Status:       avail.Status,
		GatewayReady: gateway.Ready,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.WithField("addr", srv.Addr).Info("app: http server listening")
		if errServe := srv.ListenAndServe(); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			serveErr <- errServe
		}
		close(serveErr)
	}()
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		avail.watch(runCtx)
	}()

	var result error
	select {
	case <-ctx.Done():
		log.Info("app: shutting down")
	case errServe := <-serveErr:
		if errServe != nil {
			result = fmt.Errorf("app: http server: %w", errServe)
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if errShutdown := srv.Shutdown(shutdownCtx); errShutdown != nil {
		log.WithError(errShutdown).Warn("app: http shutdown incomplete")
	}
	cancel()
	<-watchDone
	c.reconciler.Stop()
	return result
}

// RunReconcileOnce runs a single reconciliation pass and logs its report.
func RunReconcileOnce(ctx context.Context, appCfg config.AppConfig) error {
	cfg, configPath, err := load(appCfg)
	if err != nil {
		return err
	}
	c, err := build(cfg, configPath)
	if err != nil {
		return err
	}
	defer c.close()

	if err := c.gateway.Ping(ctx); err != nil {
		return fmt.Errorf("app: gateway unavailable: %w", err)
	}
	report, err := c.reconciler.RunOnce(ctx)
	log.WithFields(log.Fields{
		"pass_id":         report.PassID,
		"rows":            report.Rows,
		"kept":            report.Kept,
		"deleted":         report.Deleted,
		"delete_failures": report.DeleteFailures,
		"notified":        report.Notified,
		"row_errors":      report.RowErrors,
	}).Info("app: reconcile pass finished")
	return err
}

// RunRecover completes or abandons provisioning interrupted by a crash.
func RunRecover(ctx context.Context, appCfg config.AppConfig) error {
	cfg, configPath, err := load(appCfg)
	if err != nil {
		return err
	}
	c, err := build(cfg, configPath)
	if err != nil {
		return err
	}
	defer c.close()

	report, err := c.service.Recover(ctx)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"open":      report.Open,
		"completed": report.Completed,
		"abandoned": report.Abandoned,
		"failed":    report.Failed,
	}).Info("app: recovery sweep finished")
	return nil
}
