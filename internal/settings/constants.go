package settings

import "time"

// Service defaults applied when the config file omits a value.
const (
	// DefaultPort is the fallback HTTP listen port.
	DefaultPort = 8318
	// DefaultLedgerBackend selects the text-file ledger.
	DefaultLedgerBackend = "file"
	// DefaultLedgerDataDir is the fallback directory for ledger files.
	DefaultLedgerDataDir = "./data"
	// DefaultPaymentProvider selects the YooMoney verifier.
	DefaultPaymentProvider = "yoomoney"
	// DefaultStripeCurrency is the currency used for Stripe payment intents.
	DefaultStripeCurrency = "rub"
	// DefaultGatewayTimeout bounds a single Outline API call.
	DefaultGatewayTimeout = 10 * time.Second
	// DefaultPaymentTimeout bounds a single payment provider call.
	DefaultPaymentTimeout = 10 * time.Second
	// DefaultNotifyTimeout bounds a single notification delivery.
	DefaultNotifyTimeout = 10 * time.Second
	// DefaultReconcileInterval is the delay between reconciliation passes.
	DefaultReconcileInterval = time.Hour
	// DefaultReconcileInitialDelay is the delay before the first pass after start.
	DefaultReconcileInitialDelay = 10 * time.Second
	// DefaultNearExpiryWindow is the time-to-expiry that triggers the expiring-soon notice.
	DefaultNearExpiryWindow = 72 * time.Hour
	// DefaultLowQuotaRatio is the remaining-quota fraction that triggers the low-traffic notice.
	DefaultLowQuotaRatio = 0.1
	// DefaultProbeInterval is the delay between availability probes of unavailable collaborators.
	DefaultProbeInterval = 30 * time.Second
	// DefaultRateLimitWindow is the fixed window used by the per-user limiters.
	DefaultRateLimitWindow = time.Minute
	// DefaultPaymentCheckLimit is the number of payment checks per user per window.
	DefaultPaymentCheckLimit = 6
	// DefaultPromoLimit is the number of promo attempts per user per window.
	DefaultPromoLimit = 3
	// DefaultRateLimitRedisPrefix is the fallback Redis key prefix.
	DefaultRateLimitRedisPrefix = "keyledger:rl"
)
