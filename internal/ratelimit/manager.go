// Package ratelimit throttles per-user payment checks and promo attempts.
package ratelimit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/router-for-me/keyledger/internal/config"
	"github.com/router-for-me/keyledger/internal/metrics"
	log "github.com/sirupsen/logrus"
)

const redisBreakerDuration = 30 * time.Second

// RedisClientFactory constructs a Redis client for the given options.
type RedisClientFactory func(options *redis.Options) *redis.Client

// Manager enforces the configured limits, preferring Redis and falling back to memory.
type Manager struct {
	cfg            config.RateLimitConfig
	nowFn          func() time.Time
	metrics        *metrics.Metrics
	memoryLimiter  Limiter
	newRedisClient RedisClientFactory
	mu             sync.Mutex
	redisLimiter   *RedisLimiter
	breakerUntil   time.Time
}

// NewManager constructs a Manager with default dependencies when nil.
func NewManager(cfg config.RateLimitConfig, m *metrics.Metrics, nowFn func() time.Time, newRedisClient RedisClientFactory) *Manager {
	if nowFn == nil {
		nowFn = time.Now
	}
	if newRedisClient == nil {
		newRedisClient = redis.NewClient
	}
	return &Manager{
		cfg:            cfg,
		nowFn:          nowFn,
		metrics:        m,
		memoryLimiter:  NewMemoryLimiter(),
		newRedisClient: newRedisClient,
	}
}

func (m *Manager) limitFor(action Action) int {
	switch action {
	case ActionPaymentCheck:
		return m.cfg.PaymentChecks
	case ActionPromo:
		return m.cfg.Promo
	default:
		return 0
	}
}

// Allow checks whether the user may perform action now.
func (m *Manager) Allow(ctx context.Context, action Action, userID int64) (Result, error) {
	if m == nil {
		return Result{Allowed: true}, nil
	}
	limit := m.limitFor(action)
	key := KeyFor(action, userID)
	if limit <= 0 || key == "" {
		return Result{Allowed: true}, nil
	}
	now := m.nowFn()

	result, ok := Result{}, false
	if m.cfg.Redis.Enabled {
		result, ok = m.allowRedis(ctx, key, limit, now)
	}
	if !ok {
		var err error
		result, err = m.memoryLimiter.Allow(ctx, key, limit, m.cfg.Window, now)
		if err != nil {
			return Result{}, err
		}
	}
	if !result.Allowed {
		m.metrics.ObserveRateLimited(string(action))
	}
	return result, nil
}

// Close releases the Redis client.
func (m *Manager) Close() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.redisLimiter == nil {
		return nil
	}
	err := m.redisLimiter.client.Close()
	m.redisLimiter = nil
	return err
}

func (m *Manager) allowRedis(ctx context.Context, key string, limit int, now time.Time) (Result, bool) {
	if ctx == nil {
		ctx = context.Background()
	}
	if m.isBreakerActive(now) {
		return Result{}, false
	}
	limiter, errEnsure := m.ensureRedis(ctx)
	if errEnsure != nil {
		m.tripBreaker(errEnsure, now)
		return Result{}, false
	}
	result, errAllow := limiter.Allow(ctx, key, limit, m.cfg.Window, now)
	if errAllow != nil {
		m.tripBreaker(errAllow, now)
		return Result{}, false
	}
	return result, true
}

func (m *Manager) isBreakerActive(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.breakerUntil.IsZero() {
		return false
	}
	if now.Before(m.breakerUntil) {
		return true
	}
	m.breakerUntil = time.Time{}
	return false
}

func (m *Manager) tripBreaker(err error, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.breakerUntil.IsZero() && now.Before(m.breakerUntil) {
		return
	}
	m.breakerUntil = now.Add(redisBreakerDuration)
	if m.redisLimiter != nil {
		_ = m.redisLimiter.client.Close()
		m.redisLimiter = nil
	}
	log.WithError(err).Warn("rate limit: redis unavailable, falling back to memory")
}

func (m *Manager) ensureRedis(ctx context.Context) (*RedisLimiter, error) {
	addr := strings.TrimSpace(m.cfg.Redis.Addr)
	if addr == "" {
		return nil, errors.New("rate limit redis: missing address")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.redisLimiter != nil {
		return m.redisLimiter, nil
	}

	client := m.newRedisClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(m.cfg.Redis.Password),
		DB:       max(m.cfg.Redis.DB, 0),
	})
	ctxPing, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if errPing := client.Ping(ctxPing).Err(); errPing != nil {
		_ = client.Close()
		return nil, errPing
	}
	m.redisLimiter = NewRedisLimiter(client, m.cfg.Redis.Prefix)
	return m.redisLimiter, nil
}
