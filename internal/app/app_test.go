package app

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/router-for-me/keyledger/internal/config"
	"github.com/router-for-me/keyledger/internal/payment"
	"github.com/router-for-me/keyledger/internal/settings"
	"github.com/stretchr/testify/require"
)

func TestAvailabilityProbesUntilReady(t *testing.T) {
	var failures atomic.Int32
	failures.Store(2)
	var ups atomic.Int32

	a := newAvailability(nil, 10*time.Millisecond)
	flaky := a.add("gateway", func(context.Context) error {
		if failures.Add(-1) >= 0 {
			return errors.New("connection refused")
		}
		return nil
	}, func() { ups.Add(1) })
	steady := a.add("payment", func(context.Context) error { return nil })

	require.False(t, flaky.Ready())
	require.False(t, a.probe(context.Background()))
	require.True(t, steady.Ready())
	require.False(t, flaky.Ready())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	a.watch(ctx)

	require.True(t, flaky.Ready())
	require.Equal(t, int32(1), ups.Load())
	require.Equal(t, map[string]bool{"gateway": true, "payment": true}, a.Status())

	a.probe(context.Background())
	require.Equal(t, int32(1), ups.Load())
}

func TestAvailabilityOpensAfterStartupHook(t *testing.T) {
	a := newAvailability(nil, time.Hour)
	var readyDuringHook atomic.Bool
	var gateway *collaborator
	gateway = a.add("gateway", func(context.Context) error { return nil }, func() {
		readyDuringHook.Store(gateway.Ready())
	})

	require.True(t, a.probe(context.Background()))
	require.False(t, readyDuringHook.Load(), "routes must stay closed while the startup hook runs")
	require.True(t, gateway.Ready())
}

func TestAvailabilityWatchStopsWithContext(t *testing.T) {
	a := newAvailability(nil, time.Hour)
	a.add("gateway", func(context.Context) error { return errors.New("down") })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.watch(ctx)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("watch did not stop after cancel")
	}
}

func baseConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		Ledger:  config.LedgerConfig{Backend: "file", DataDir: filepath.Join(t.TempDir(), "data")},
		Outline: config.OutlineConfig{APIURL: "https://127.0.0.1:1/secret"},
		Payment: config.PaymentConfig{Provider: settings.DefaultPaymentProvider},
		JWT:     config.JWTConfig{Secret: "k", Expiry: time.Hour},
	}
}

func TestBuildDegradesMissingPayments(t *testing.T) {
	c, err := build(baseConfig(t), "")
	require.NoError(t, err)
	t.Cleanup(c.close)

	require.Error(t, c.paymentErr)
	require.ErrorIs(t, c.payments.Ping(context.Background()), payment.ErrUnavailable)
	require.False(t, c.payments.IsPaid(context.Background(), "1_1_1000", 1))

	_, err = c.issuer()
	require.NoError(t, err)
}

func TestBuildSQLLedger(t *testing.T) {
	cfg := baseConfig(t)
	cfg.Ledger.Backend = "sql"
	t.Setenv(config.EnvDBConnection, filepath.Join(t.TempDir(), "ledger.db"))

	c, err := build(cfg, filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	t.Cleanup(c.close)

	has, err := c.ledger.HasUser(context.Background(), 1)
	require.NoError(t, err)
	require.False(t, has)
}

func TestBuildRejectsBadConfig(t *testing.T) {
	cfg := baseConfig(t)
	cfg.Ledger.Backend = "tape"
	_, err := build(cfg, "")
	require.Error(t, err)

	cfg = baseConfig(t)
	cfg.Outline.APIURL = ""
	_, err = build(cfg, "")
	require.Error(t, err)
}
