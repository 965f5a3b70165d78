// Package payment verifies payments and builds payment links.
//
// Verification is label based: a payment label identifies one purchase attempt and is the idempotency key
// of paid provisioning.
package payment

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// Provider names.
const (
	ProviderYooMoney = "yoomoney"
	ProviderStripe   = "stripe"
)

// ErrUnavailable is returned while a provider's circuit breaker rejects calls.
var ErrUnavailable = errors.New("payment: provider unavailable")

// Verifier reports whether a payment with the label and at least the given amount succeeded.
// Not-found and transient failures both answer false.
type Verifier interface {
	IsPaid(ctx context.Context, label string, minimumAmount float64) bool
}

// Invoice describes one payment to collect.
type Invoice struct {
	UserID      int64
	Label       string
	Amount      float64
	Description string
}

// Link is what the payer follows to pay an invoice.
type Link struct {
	Provider string  `json:"provider"`
	Label    string  `json:"label"`
	Amount   float64 `json:"amount"`
	URL      string  `json:"url"`
}

// Checkout turns an invoice into a payment link.
type Checkout interface {
	Start(ctx context.Context, inv Invoice) (Link, error)
}

// Provider is a complete payment backend.
type Provider interface {
	Verifier
	Checkout
	Name() string
	Ping(ctx context.Context) error
}

// NewLabel returns a fresh label of the form <userId>_<unixSeconds>_<1000..9999>.
func NewLabel(userID int64, now time.Time) string {
	return fmt.Sprintf("%d_%d_%d", userID, now.Unix(), 1000+rand.IntN(9000))
}
