package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/router-for-me/keyledger/internal/settings"
	"gopkg.in/yaml.v3"
)

const (
	EnvConfigPath       = "CONFIG_PATH"
	EnvDBConnection     = "DB_CONNECTION"
	EnvJWTSecret        = "JWT_SECRET"
	EnvJWTExpiry        = "JWT_EXPIRY"
	EnvOutlineAPIURL    = "OUTLINE_API_URL"
	EnvOutlineCert      = "OUTLINE_CERT_SHA256"
	EnvYooMoneyToken    = "YOOMONEY_TOKEN"
	EnvYooMoneyWallet   = "YOOMONEY_WALLET"
	EnvStripeSecretKey  = "STRIPE_SECRET_KEY"
	EnvTelegramBotToken = "TELEGRAM_BOT_TOKEN"
	EnvLedgerDataDir    = "LEDGER_DATA_DIR"
	EnvLogLevel         = "LOG_LEVEL"
)

// AppConfig holds resolved application configuration values.
type AppConfig struct {
	ConfigPath string
}

// LoadFromEnv loads app config from environment variables.
// A .env file in the working directory is applied first when present.
func LoadFromEnv() (AppConfig, error) {
	if errDotEnv := godotenv.Load(".env"); errDotEnv != nil && !errors.Is(errDotEnv, os.ErrNotExist) {
		return AppConfig{}, fmt.Errorf("load .env: %w", errDotEnv)
	}
	return AppConfig{ConfigPath: ResolveConfigPath(os.Getenv(EnvConfigPath))}, nil
}

// ResolveConfigPath normalizes the config path and applies defaults.
func ResolveConfigPath(p string) string {
	trimmed := strings.TrimSpace(p)
	if trimmed == "" {
		trimmed = "./config.yaml"
	}
	if abs, err := filepath.Abs(trimmed); err == nil {
		return abs
	}
	return trimmed
}

// ErrMissingDatabaseDSN indicates no database DSN is present in the config file.
var ErrMissingDatabaseDSN = errors.New("missing database dsn (set `database-dsn` or `database.dsn` in config file)")

// JWTConfig holds JWT secret and expiry settings.
type JWTConfig struct {
	Secret string        `yaml:"secret"`
	Expiry time.Duration `yaml:"expiry"`
}

// Config is the full service configuration.
type Config struct {
	Port       int               `yaml:"port"`
	LogLevel   string            `yaml:"log-level"`
	LogFormat  string            `yaml:"log-format"`
	Ledger     LedgerConfig      `yaml:"ledger"`
	Outline    OutlineConfig     `yaml:"outline"`
	Payment    PaymentConfig     `yaml:"payment"`
	Reconcile  ReconcileConfig   `yaml:"reconcile"`
	Telegram   TelegramConfig    `yaml:"telegram"`
	RateLimit  RateLimitConfig   `yaml:"rate-limit"`
	Auth       AuthConfig        `yaml:"auth"`
	JWT        JWTConfig         `yaml:"jwt"`
	Prices     PriceConfig       `yaml:"prices"`
	PromoCodes []PromoCodeConfig `yaml:"promo-codes"`
	Messages   MessagesConfig    `yaml:"messages"`
}

// LedgerConfig selects the ledger backend.
type LedgerConfig struct {
	Backend string `yaml:"backend"`
	DataDir string `yaml:"data-dir"`
}

// OutlineConfig locates the Outline management API.
type OutlineConfig struct {
	APIURL     string        `yaml:"api-url"`
	CertSHA256 string        `yaml:"cert-sha256"`
	Timeout    time.Duration `yaml:"timeout"`
}

// PaymentConfig selects and configures the payment provider.
type PaymentConfig struct {
	Provider string         `yaml:"provider"`
	Timeout  time.Duration  `yaml:"timeout"`
	YooMoney YooMoneyConfig `yaml:"yoomoney"`
	Stripe   StripeConfig   `yaml:"stripe"`
}

// YooMoneyConfig holds wallet credentials.
type YooMoneyConfig struct {
	Token   string `yaml:"token"`
	Wallet  string `yaml:"wallet"`
	BaseURL string `yaml:"base-url"`
}

// StripeConfig holds Stripe credentials.
type StripeConfig struct {
	SecretKey  string `yaml:"secret-key"`
	Currency   string `yaml:"currency"`
	SuccessURL string `yaml:"success-url"`
	CancelURL  string `yaml:"cancel-url"`
}

// ReconcileConfig tunes the reconciliation loop.
type ReconcileConfig struct {
	Interval      time.Duration `yaml:"interval"`
	InitialDelay  time.Duration `yaml:"initial-delay"`
	NearExpiry    time.Duration `yaml:"near-expiry"`
	LowQuotaRatio float64       `yaml:"low-quota-ratio"`
}

// TelegramConfig enables notification delivery through a bot.
type TelegramConfig struct {
	BotToken string        `yaml:"bot-token"`
	BaseURL  string        `yaml:"base-url"`
	Timeout  time.Duration `yaml:"timeout"`
}

// RateLimitConfig configures the per-user limiters.
type RateLimitConfig struct {
	Window        time.Duration `yaml:"window"`
	PaymentChecks int           `yaml:"payment-checks"`
	Promo         int           `yaml:"promo"`
	Redis         RedisConfig   `yaml:"redis"`
}

// RedisConfig enables the Redis limiter backend.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// AuthConfig holds the API client credential.
type AuthConfig struct {
	ClientSecretHash string `yaml:"client-secret-hash"`
}

// PriceConfig overrides tier prices keyed by tier code.
type PriceConfig struct {
	New       map[int]float64 `yaml:"new"`
	Returning map[int]float64 `yaml:"returning"`
}

// PromoCodeConfig is one promo catalog entry.
type PromoCodeConfig struct {
	Code      string `yaml:"code"`
	BonusGB   int    `yaml:"bonus-gb"`
	Unlimited bool   `yaml:"unlimited"`
}

// MessagesConfig overrides notification texts.
type MessagesConfig struct {
	ExpiringSoon string `yaml:"expiring-soon"`
	LowTraffic   string `yaml:"low-traffic"`
	Expired      string `yaml:"expired"`
	Depleted     string `yaml:"depleted"`
}

// Load reads the YAML config file, applies environment overrides and defaults.
// A missing file yields a config built from environment and defaults only.
func Load(configPath string) (Config, error) {
	var cfg Config
	data, errRead := os.ReadFile(configPath)
	switch {
	case errRead == nil:
		if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
			return Config{}, fmt.Errorf("parse config file: %w", errUnmarshal)
		}
	case errors.Is(errRead, os.ErrNotExist):
	default:
		return Config{}, fmt.Errorf("read config file: %w", errRead)
	}

	applyEnv(&cfg)
	jwtCfg, _ := LoadJWTConfig(configPath)
	cfg.JWT = jwtCfg
	applyDefaults(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	overrides := []struct {
		env    string
		target *string
	}{
		{EnvOutlineAPIURL, &cfg.Outline.APIURL},
		{EnvOutlineCert, &cfg.Outline.CertSHA256},
		{EnvYooMoneyToken, &cfg.Payment.YooMoney.Token},
		{EnvYooMoneyWallet, &cfg.Payment.YooMoney.Wallet},
		{EnvStripeSecretKey, &cfg.Payment.Stripe.SecretKey},
		{EnvTelegramBotToken, &cfg.Telegram.BotToken},
		{EnvLedgerDataDir, &cfg.Ledger.DataDir},
		{EnvLogLevel, &cfg.LogLevel},
	}
	for _, o := range overrides {
		if v := strings.TrimSpace(os.Getenv(o.env)); v != "" {
			*o.target = v
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Port <= 0 {
		cfg.Port = settings.DefaultPort
	}
	cfg.Ledger.Backend = strings.ToLower(strings.TrimSpace(cfg.Ledger.Backend))
	if cfg.Ledger.Backend == "" {
		cfg.Ledger.Backend = settings.DefaultLedgerBackend
	}
	if strings.TrimSpace(cfg.Ledger.DataDir) == "" {
		cfg.Ledger.DataDir = settings.DefaultLedgerDataDir
	}
	if cfg.Outline.Timeout <= 0 {
		cfg.Outline.Timeout = settings.DefaultGatewayTimeout
	}
	cfg.Payment.Provider = strings.ToLower(strings.TrimSpace(cfg.Payment.Provider))
	if cfg.Payment.Provider == "" {
		cfg.Payment.Provider = settings.DefaultPaymentProvider
	}
	if cfg.Payment.Timeout <= 0 {
		cfg.Payment.Timeout = settings.DefaultPaymentTimeout
	}
	if strings.TrimSpace(cfg.Payment.Stripe.Currency) == "" {
		cfg.Payment.Stripe.Currency = settings.DefaultStripeCurrency
	}
	if cfg.Reconcile.Interval <= 0 {
		cfg.Reconcile.Interval = settings.DefaultReconcileInterval
	}
	if cfg.Reconcile.InitialDelay < 0 {
		cfg.Reconcile.InitialDelay = 0
	} else if cfg.Reconcile.InitialDelay == 0 {
		cfg.Reconcile.InitialDelay = settings.DefaultReconcileInitialDelay
	}
	if cfg.Reconcile.NearExpiry <= 0 {
		cfg.Reconcile.NearExpiry = settings.DefaultNearExpiryWindow
	}
	if cfg.Reconcile.LowQuotaRatio <= 0 || cfg.Reconcile.LowQuotaRatio >= 1 {
		cfg.Reconcile.LowQuotaRatio = settings.DefaultLowQuotaRatio
	}
	if cfg.Telegram.Timeout <= 0 {
		cfg.Telegram.Timeout = settings.DefaultNotifyTimeout
	}
	if cfg.RateLimit.Window <= 0 {
		cfg.RateLimit.Window = settings.DefaultRateLimitWindow
	}
	if cfg.RateLimit.PaymentChecks == 0 {
		cfg.RateLimit.PaymentChecks = settings.DefaultPaymentCheckLimit
	}
	if cfg.RateLimit.Promo == 0 {
		cfg.RateLimit.Promo = settings.DefaultPromoLimit
	}
	if strings.TrimSpace(cfg.RateLimit.Redis.Prefix) == "" {
		cfg.RateLimit.Redis.Prefix = settings.DefaultRateLimitRedisPrefix
	}
	if cfg.RateLimit.Redis.DB < 0 {
		cfg.RateLimit.Redis.DB = 0
	}
}

// LoadDatabaseDSN reads the database DSN from the YAML config file.
func LoadDatabaseDSN(configPath string) (string, error) {
	if dsn := strings.TrimSpace(os.Getenv(EnvDBConnection)); dsn != "" {
		return dsn, nil
	}

	// fileConfig maps the YAML fields needed for DSN resolution.
	type fileConfig struct {
		DatabaseDSN string `yaml:"database-dsn"`
		Database    struct {
			DSN string `yaml:"dsn"`
		} `yaml:"database"`
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return "", fmt.Errorf("read config file: %w", err)
	}

	var cfg fileConfig
	if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
		return "", fmt.Errorf("parse config file: %w", errUnmarshal)
	}

	if dsn := strings.TrimSpace(cfg.DatabaseDSN); dsn != "" {
		return dsn, nil
	}
	if dsn := strings.TrimSpace(cfg.Database.DSN); dsn != "" {
		return dsn, nil
	}
	return "", ErrMissingDatabaseDSN
}

// defaultJWTExpiry is used when the config omits or invalidates JWT expiry.
const defaultJWTExpiry = 24 * time.Hour

// LoadJWTConfig loads JWT settings from the YAML config file.
func LoadJWTConfig(configPath string) (JWTConfig, error) {
	// fileConfig maps the YAML fields needed for JWT settings.
	type fileConfig struct {
		JWT JWTConfig `yaml:"jwt"`
	}

	result := JWTConfig{Expiry: defaultJWTExpiry}

	data, errRead := os.ReadFile(configPath)
	if errRead == nil {
		var cfg fileConfig
		if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal == nil {
			result = cfg.JWT
		}
	}

	if secret := strings.TrimSpace(os.Getenv(EnvJWTSecret)); secret != "" {
		result.Secret = secret
	}
	if expiryRaw := strings.TrimSpace(os.Getenv(EnvJWTExpiry)); expiryRaw != "" {
		if expiry, errParse := time.ParseDuration(expiryRaw); errParse == nil && expiry > 0 {
			result.Expiry = expiry
		}
	}

	if result.Expiry <= 0 {
		result.Expiry = defaultJWTExpiry
	}
	return result, nil
}
