package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/router-for-me/keyledger/internal/auth"
	"github.com/router-for-me/keyledger/internal/config"
	"github.com/router-for-me/keyledger/internal/db"
	"github.com/router-for-me/keyledger/internal/ledger"
	"github.com/router-for-me/keyledger/internal/metrics"
	"github.com/router-for-me/keyledger/internal/notify"
	"github.com/router-for-me/keyledger/internal/outline"
	"github.com/router-for-me/keyledger/internal/payment"
	"github.com/router-for-me/keyledger/internal/promo"
	"github.com/router-for-me/keyledger/internal/provisioning"
	"github.com/router-for-me/keyledger/internal/ratelimit"
	"github.com/router-for-me/keyledger/internal/reconcile"
	"github.com/router-for-me/keyledger/internal/tiers"
	log "github.com/sirupsen/logrus"
)

// components is the wired service graph.
type components struct {
	cfg        config.Config
	metrics    *metrics.Metrics
	ledger     *ledger.Ledger
	gateway    *outline.Client
	payments   payment.Provider
	paymentErr error
	service    *provisioning.Service
	redeemer   *promo.Redeemer
	reconciler *reconcile.Reconciler
	limiter    *ratelimit.Manager
	closers    []func() error
}

// build wires every component from cfg. A missing payment configuration degrades payments instead of failing.
func build(cfg config.Config, configPath string) (*components, error) {
	c := &components{cfg: cfg, metrics: metrics.New()}

	l, closeLedger, err := openLedger(cfg, configPath)
	if err != nil {
		return nil, err
	}
	c.ledger = l
	if closeLedger != nil {
		c.closers = append(c.closers, closeLedger)
	}

	c.gateway, err = outline.New(outline.Config{
		APIURL:     cfg.Outline.APIURL,
		CertSHA256: cfg.Outline.CertSHA256,
		Timeout:    cfg.Outline.Timeout,
	}, c.metrics)
	if err != nil {
		c.close()
		return nil, err
	}

	c.payments, c.paymentErr = newPaymentProvider(cfg, c.metrics)
	if c.paymentErr != nil {
		log.WithError(c.paymentErr).WithField("provider", cfg.Payment.Provider).Error("app: payment provider not configured, payments disabled")
		c.payments = unconfiguredProvider{err: c.paymentErr}
	}

	dataDir := cfg.Ledger.DataDir
	templates := notify.LoadTemplates(dataDir, notify.Templates{
		ExpiringSoon: cfg.Messages.ExpiringSoon,
		LowTraffic:   cfg.Messages.LowTraffic,
		Expired:      cfg.Messages.Expired,
		Depleted:     cfg.Messages.Depleted,
	})
	var notifier notify.Notifier = notify.LogNotifier{Templates: templates}
	if strings.TrimSpace(cfg.Telegram.BotToken) != "" {
		tg, errTG := notify.NewTelegram(notify.TelegramConfig{
			BotToken: cfg.Telegram.BotToken,
			BaseURL:  cfg.Telegram.BaseURL,
			Timeout:  cfg.Telegram.Timeout,
		}, templates, c.metrics)
		if errTG != nil {
			c.close()
			return nil, errTG
		}
		notifier = tg
	}

	c.service = provisioning.NewService(provisioning.Options{
		Ledger:   c.ledger,
		Gateway:  c.gateway,
		Verifier: c.payments,
		Checkout: c.payments,
		Catalog:  tiers.NewCatalog(cfg.Prices.New, cfg.Prices.Returning),
		Metrics:  c.metrics,
	})

	codes := make([]promo.Code, 0, len(cfg.PromoCodes))
	for _, pc := range cfg.PromoCodes {
		codes = append(codes, promo.Code{Code: pc.Code, BonusGB: pc.BonusGB, Unlimited: pc.Unlimited})
	}
	catalog := promo.Catalogs{promo.NewStaticCatalog(codes), promo.NewFileCatalog(dataDir)}
	c.redeemer = promo.NewRedeemer(c.ledger, c.gateway, catalog, c.metrics)

	c.reconciler = reconcile.New(reconcile.Options{
		Ledger:        c.ledger,
		Gateway:       c.gateway,
		Notifier:      notifier,
		Metrics:       c.metrics,
		Interval:      cfg.Reconcile.Interval,
		InitialDelay:  cfg.Reconcile.InitialDelay,
		NearExpiry:    cfg.Reconcile.NearExpiry,
		LowQuotaRatio: cfg.Reconcile.LowQuotaRatio,
	})

	c.limiter = ratelimit.NewManager(cfg.RateLimit, c.metrics, nil, nil)
	c.closers = append(c.closers, c.limiter.Close)
	return c, nil
}

func (c *components) close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			log.WithError(err).Warn("app: close failed")
		}
	}
	c.closers = nil
}

func (c *components) issuer() (*auth.Issuer, error) {
	return auth.NewIssuer(c.cfg.JWT.Secret, c.cfg.JWT.Expiry, c.cfg.Auth.ClientSecretHash)
}

// openLedger selects the file or SQL backend.
func openLedger(cfg config.Config, configPath string) (*ledger.Ledger, func() error, error) {
	switch cfg.Ledger.Backend {
	case "file":
		if err := os.MkdirAll(cfg.Ledger.DataDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("app: create data dir: %w", err)
		}
		return ledger.New(ledger.NewFileBackend(cfg.Ledger.DataDir)), nil, nil
	case "sql":
		dsn, err := config.LoadDatabaseDSN(configPath)
		if err != nil {
			return nil, nil, err
		}
		conn, err := db.Open(dsn)
		if err != nil {
			return nil, nil, err
		}
		sqlDB, err := conn.DB()
		if err != nil {
			return nil, nil, fmt.Errorf("app: sql handle: %w", err)
		}
		if err := db.Migrate(conn); err != nil {
			_ = sqlDB.Close()
			return nil, nil, err
		}
		return ledger.New(ledger.NewSQLBackend(conn)), sqlDB.Close, nil
	default:
		return nil, nil, fmt.Errorf("app: unknown ledger backend %q", cfg.Ledger.Backend)
	}
}

func newPaymentProvider(cfg config.Config, m *metrics.Metrics) (payment.Provider, error) {
	switch cfg.Payment.Provider {
	case payment.ProviderYooMoney:
		return payment.NewYooMoney(payment.YooMoneyConfig{
			Token:   cfg.Payment.YooMoney.Token,
			Wallet:  cfg.Payment.YooMoney.Wallet,
			BaseURL: cfg.Payment.YooMoney.BaseURL,
			Timeout: cfg.Payment.Timeout,
		}, m)
	case payment.ProviderStripe:
		return payment.NewStripe(payment.StripeConfig{
			SecretKey:  cfg.Payment.Stripe.SecretKey,
			Currency:   cfg.Payment.Stripe.Currency,
			SuccessURL: cfg.Payment.Stripe.SuccessURL,
			CancelURL:  cfg.Payment.Stripe.CancelURL,
			Timeout:    cfg.Payment.Timeout,
		}, m)
	default:
		return nil, fmt.Errorf("app: unknown payment provider %q", cfg.Payment.Provider)
	}
}

// unconfiguredProvider stands in for a payment provider that could not be built.
type unconfiguredProvider struct {
	err error
}

func (p unconfiguredProvider) Name() string                                 { return "unconfigured" }
func (p unconfiguredProvider) IsPaid(context.Context, string, float64) bool { return false }

func (p unconfiguredProvider) Start(context.Context, payment.Invoice) (payment.Link, error) {
	return payment.Link{}, errors.Join(payment.ErrUnavailable, p.err)
}

func (p unconfiguredProvider) Ping(context.Context) error {
	return errors.Join(payment.ErrUnavailable, p.err)
}
