package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/router-for-me/keyledger/internal/breaker"
	"github.com/router-for-me/keyledger/internal/metrics"
	"github.com/router-for-me/keyledger/internal/settings"
	log "github.com/sirupsen/logrus"
)

const defaultYooMoneyBaseURL = "https://yoomoney.ru"

// YooMoneyConfig configures a YooMoney wallet provider.
type YooMoneyConfig struct {
	Token   string
	Wallet  string
	BaseURL string
	Timeout time.Duration
	Breaker breaker.Settings
}

// YooMoney verifies payments through the wallet operation history and builds Quickpay links.
type YooMoney struct {
	token   string
	wallet  string
	baseURL string
	timeout time.Duration
	client  *http.Client
	breaker *breaker.Breaker
	metrics *metrics.Metrics
}

// NewYooMoney builds a YooMoney provider.
func NewYooMoney(cfg YooMoneyConfig, m *metrics.Metrics) (*YooMoney, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, fmt.Errorf("payment: yoomoney: empty token")
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = defaultYooMoneyBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = settings.DefaultPaymentTimeout
	}
	return &YooMoney{
		token:   token,
		wallet:  strings.TrimSpace(cfg.Wallet),
		baseURL: base,
		timeout: timeout,
		client:  &http.Client{},
		breaker: breaker.New("yoomoney", cfg.Breaker, nil, m.SetBreakerOpen),
		metrics: m,
	}, nil
}

// Name returns the provider name.
func (y *YooMoney) Name() string { return ProviderYooMoney }

type yooOperation struct {
	OperationID string  `json:"operation_id"`
	Status      string  `json:"status"`
	Direction   string  `json:"direction"`
	Amount      float64 `json:"amount"`
	Label       string  `json:"label"`
}

type yooHistory struct {
	Error      string         `json:"error"`
	Operations []yooOperation `json:"operations"`
}

// IsPaid looks the label up in the operation history. Only incoming operations carrying exactly
// this label count.
func (y *YooMoney) IsPaid(ctx context.Context, label string, minimumAmount float64) bool {
	entry := log.WithField("label", label)
	var history yooHistory
	if err := y.post(ctx, "/api/operation-history", url.Values{"label": {label}}, &history); err != nil {
		entry.WithError(err).Error("payment: yoomoney history lookup failed")
		y.metrics.ObservePaymentCheck(ProviderYooMoney, false)
		return false
	}
	if history.Error != "" {
		entry.WithField("api_error", history.Error).Error("payment: yoomoney history rejected")
		y.metrics.ObservePaymentCheck(ProviderYooMoney, false)
		return false
	}
	for _, op := range history.Operations {
		if op.Label != label || op.Direction != "in" {
			continue
		}
		if op.Status == "success" && op.Amount >= minimumAmount {
			entry.WithField("amount", op.Amount).Info("payment: yoomoney payment found")
			y.metrics.ObservePaymentCheck(ProviderYooMoney, true)
			return true
		}
	}
	entry.Debug("payment: no successful yoomoney operation yet")
	y.metrics.ObservePaymentCheck(ProviderYooMoney, false)
	return false
}

// Start builds a Quickpay shop form link.
func (y *YooMoney) Start(_ context.Context, inv Invoice) (Link, error) {
	if y.wallet == "" {
		return Link{}, fmt.Errorf("payment: yoomoney: empty wallet")
	}
	if inv.Label == "" || inv.Amount <= 0 {
		return Link{}, fmt.Errorf("payment: yoomoney: invalid invoice")
	}
	q := url.Values{
		"receiver":      {y.wallet},
		"quickpay-form": {"shop"},
		"targets":       {inv.Description},
		"paymentType":   {"SB"},
		"sum":           {strconv.FormatFloat(inv.Amount, 'f', -1, 64)},
		"label":         {inv.Label},
	}
	return Link{
		Provider: ProviderYooMoney,
		Label:    inv.Label,
		Amount:   inv.Amount,
		URL:      y.baseURL + "/quickpay/confirm.xml?" + q.Encode(),
	}, nil
}

// Ping checks the token against the account info endpoint.
func (y *YooMoney) Ping(ctx context.Context) error {
	var info struct {
		Account string `json:"account"`
		Error   string `json:"error"`
	}
	if err := y.post(ctx, "/api/account-info", url.Values{}, &info); err != nil {
		return err
	}
	if info.Error != "" {
		return fmt.Errorf("payment: yoomoney: account info: %s", info.Error)
	}
	return nil
}

func (y *YooMoney) post(ctx context.Context, path string, form url.Values, out any) error {
	err := y.breaker.Call(func() error {
		if ctx == nil {
			ctx = context.Background()
		}
		requestCtx, cancel := context.WithTimeout(ctx, y.timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(requestCtx, http.MethodPost, y.baseURL+path, strings.NewReader(form.Encode()))
		if err != nil {
			return fmt.Errorf("payment: yoomoney: build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+y.token)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := y.client.Do(req)
		if err != nil {
			return fmt.Errorf("payment: yoomoney: request failed: %w", err)
		}
		defer func() {
			if errClose := resp.Body.Close(); errClose != nil {
				log.WithError(errClose).Warn("payment: yoomoney: close response body failed")
			}
		}()
		if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 512))
			return fmt.Errorf("payment: yoomoney: %s: unexpected status %d", path, resp.StatusCode)
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("payment: yoomoney: decode response: %w", err)
		}
		return nil
	})
	if breaker.IsOpen(err) {
		return fmt.Errorf("payment: yoomoney: %w", ErrUnavailable)
	}
	return err
}
