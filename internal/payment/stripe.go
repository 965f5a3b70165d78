package payment

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/router-for-me/keyledger/internal/breaker"
	"github.com/router-for-me/keyledger/internal/metrics"
	"github.com/router-for-me/keyledger/internal/settings"
	log "github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/balance"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/paymentintent"
)

// StripeConfig configures the Stripe provider.
type StripeConfig struct {
	SecretKey  string
	Currency   string
	SuccessURL string
	CancelURL  string
	Timeout    time.Duration
	Breaker    breaker.Settings
}

// Stripe verifies PaymentIntents by label metadata and sells through hosted Checkout.
type Stripe struct {
	currency   string
	successURL string
	cancelURL  string
	timeout    time.Duration
	breaker    *breaker.Breaker
	metrics    *metrics.Metrics

	search     func(params *stripe.PaymentIntentSearchParams) ([]*stripe.PaymentIntent, error)
	newSession func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	balance    func(params *stripe.BalanceParams) error
}

// NewStripe builds a Stripe provider and sets the global API key.
func NewStripe(cfg StripeConfig, m *metrics.Metrics) (*Stripe, error) {
	key := strings.TrimSpace(cfg.SecretKey)
	if key == "" {
		return nil, fmt.Errorf("payment: stripe: empty secret key")
	}
	if strings.TrimSpace(cfg.SuccessURL) == "" {
		return nil, fmt.Errorf("payment: stripe: empty success url")
	}
	stripe.Key = key

	currency := strings.ToLower(strings.TrimSpace(cfg.Currency))
	if currency == "" {
		currency = settings.DefaultStripeCurrency
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = settings.DefaultPaymentTimeout
	}
	cancelURL := strings.TrimSpace(cfg.CancelURL)
	if cancelURL == "" {
		cancelURL = cfg.SuccessURL
	}
	return &Stripe{
		currency:   currency,
		successURL: strings.TrimSpace(cfg.SuccessURL),
		cancelURL:  cancelURL,
		timeout:    timeout,
		breaker:    breaker.New("stripe", cfg.Breaker, nil, m.SetBreakerOpen),
		metrics:    m,
		search:     searchPaymentIntents,
		newSession: checkoutsession.New,
		balance: func(params *stripe.BalanceParams) error {
			_, err := balance.Get(params)
			return err
		},
	}, nil
}

func searchPaymentIntents(params *stripe.PaymentIntentSearchParams) ([]*stripe.PaymentIntent, error) {
	iter := paymentintent.Search(params)
	var out []*stripe.PaymentIntent
	for iter.Next() {
		out = append(out, iter.PaymentIntent())
	}
	return out, iter.Err()
}

// Name returns the provider name.
func (s *Stripe) Name() string { return ProviderStripe }

// minorUnits converts an amount to the smallest currency unit.
func minorUnits(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

func labelQuery(label string) string {
	escaped := strings.ReplaceAll(label, `'`, `\'`)
	return fmt.Sprintf("metadata['label']:'%s'", escaped)
}

// IsPaid searches succeeded PaymentIntents carrying the label.
func (s *Stripe) IsPaid(ctx context.Context, label string, minimumAmount float64) bool {
	entry := log.WithField("label", label)
	intents, err := breaker.Execute(s.breaker, func() ([]*stripe.PaymentIntent, error) {
		requestCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		params := &stripe.PaymentIntentSearchParams{}
		params.Context = requestCtx
		params.Query = labelQuery(label)
		return s.search(params)
	})
	if err != nil {
		entry.WithError(err).Error("payment: stripe search failed")
		s.metrics.ObservePaymentCheck(ProviderStripe, false)
		return false
	}
	want := minorUnits(minimumAmount)
	for _, pi := range intents {
		if pi == nil || pi.Metadata["label"] != label {
			continue
		}
		if pi.Status == stripe.PaymentIntentStatusSucceeded && pi.AmountReceived >= want {
			entry.WithFields(log.Fields{"payment_intent": pi.ID, "amount_received": pi.AmountReceived}).Info("payment: stripe payment found")
			s.metrics.ObservePaymentCheck(ProviderStripe, true)
			return true
		}
	}
	entry.Debug("payment: no succeeded stripe payment yet")
	s.metrics.ObservePaymentCheck(ProviderStripe, false)
	return false
}

// Start creates a hosted Checkout session whose PaymentIntent carries the label.
func (s *Stripe) Start(ctx context.Context, inv Invoice) (Link, error) {
	if inv.Label == "" || inv.Amount <= 0 {
		return Link{}, fmt.Errorf("payment: stripe: invalid invoice")
	}
	metadata := map[string]string{"label": inv.Label, "user_id": fmt.Sprintf("%d", inv.UserID)}
	sess, err := breaker.Execute(s.breaker, func() (*stripe.CheckoutSession, error) {
		requestCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		params := &stripe.CheckoutSessionParams{
			Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
			SuccessURL:        stripe.String(s.successURL),
			CancelURL:         stripe.String(s.cancelURL),
			ClientReferenceID: stripe.String(inv.Label),
			LineItems: []*stripe.CheckoutSessionLineItemParams{
				{
					PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
						Currency: stripe.String(s.currency),
						ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
							Name: stripe.String(inv.Description),
						},
						UnitAmount: stripe.Int64(minorUnits(inv.Amount)),
					},
					Quantity: stripe.Int64(1),
				},
			},
			PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{Metadata: metadata},
			Metadata:          metadata,
		}
		params.Context = requestCtx
		return s.newSession(params)
	})
	if breaker.IsOpen(err) {
		return Link{}, fmt.Errorf("payment: stripe: %w", ErrUnavailable)
	}
	if err != nil {
		return Link{}, fmt.Errorf("payment: stripe: create checkout session: %w", err)
	}
	return Link{Provider: ProviderStripe, Label: inv.Label, Amount: inv.Amount, URL: sess.URL}, nil
}

// Ping retrieves the account balance.
func (s *Stripe) Ping(ctx context.Context) error {
	err := s.breaker.Call(func() error {
		requestCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		params := &stripe.BalanceParams{}
		params.Context = requestCtx
		return s.balance(params)
	})
	if breaker.IsOpen(err) {
		return fmt.Errorf("payment: stripe: %w", ErrUnavailable)
	}
	if err != nil {
		return fmt.Errorf("payment: stripe: balance: %w", err)
	}
	return nil
}
