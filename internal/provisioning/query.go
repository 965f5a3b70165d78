package provisioning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/router-for-me/keyledger/internal/payment"
	"github.com/router-for-me/keyledger/internal/tiers"
)

// ErrNoCheckout is returned by Quote when no payment provider is configured.
var ErrNoCheckout = errors.New("provisioning: no payment provider")

// KeyInfo is a live key of a user.
type KeyInfo struct {
	ID         string     `json:"id"`
	AccessURL  string     `json:"access_url"`
	UsedBytes  int64      `json:"used_bytes"`
	QuotaBytes int64      `json:"quota_bytes"`
	Unlimited  bool       `json:"unlimited"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// Keys lists the user's credentials that still exist at the gateway, in creation order.
func (s *Service) Keys(ctx context.Context, userID int64) ([]KeyInfo, error) {
	creds, err := s.ledger.CredentialsFor(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLedger, err)
	}
	if len(creds) == 0 {
		return []KeyInfo{}, nil
	}
	keys, err := s.gateway.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list: %v", ErrGateway, err)
	}
	byID := make(map[string]int, len(keys))
	for i, k := range keys {
		byID[k.ID] = i
	}
	expiry, err := s.expiries(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLedger, err)
	}

	out := make([]KeyInfo, 0, len(creds))
	for _, c := range creds {
		i, ok := byID[c.ID]
		if !ok {
			continue
		}
		k := keys[i]
		info := KeyInfo{
			ID:         c.ID,
			AccessURL:  c.AccessURL,
			UsedBytes:  k.UsedBytes,
			QuotaBytes: k.QuotaBytes,
			Unlimited:  k.Unlimited(),
		}
		if at, ok := expiry[c.ID]; ok {
			info.ExpiresAt = &at
		}
		out = append(out, info)
	}
	return out, nil
}

func (s *Service) expiries(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.ledger.Schedule(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]time.Time, len(rows))
	for _, row := range rows {
		if row.Err == nil {
			out[row.Entry.CredentialID] = row.Entry.ExpiresAt
		}
	}
	return out, nil
}

// Returning reports whether the user owns a scheduled key that has not expired.
func (s *Service) Returning(ctx context.Context, userID int64) (bool, error) {
	rows, err := s.ledger.Schedule(ctx)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrLedger, err)
	}
	now := s.now()
	for _, row := range rows {
		if row.Err == nil && row.Entry.UserID == userID && row.Entry.ExpiresAt.After(now) {
			return true, nil
		}
	}
	return false, nil
}

// Offers lists the tiers priced for the user.
func (s *Service) Offers(ctx context.Context, userID int64) ([]tiers.Offer, bool, error) {
	returning, err := s.Returning(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	return s.catalog.Offers(returning), returning, nil
}

// Quotation is a priced tier with its payment link.
type Quotation struct {
	Tier      tiers.Tier   `json:"tier"`
	Price     float64      `json:"price"`
	Returning bool         `json:"returning"`
	Link      payment.Link `json:"payment"`
}

// Quote prices the tier for the user and opens a payment for it.
func (s *Service) Quote(ctx context.Context, userID int64, tierCode int) (Quotation, error) {
	if s.checkout == nil {
		return Quotation{}, ErrNoCheckout
	}
	tier, err := tiers.Lookup(tierCode)
	if err != nil {
		return Quotation{}, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	returning, err := s.Returning(ctx, userID)
	if err != nil {
		return Quotation{}, err
	}
	price, err := s.catalog.Price(tier.Code, returning)
	if err != nil {
		return Quotation{}, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	link, err := s.checkout.Start(ctx, payment.Invoice{
		UserID:      userID,
		Label:       payment.NewLabel(userID, s.now()),
		Amount:      price,
		Description: tier.Description(),
	})
	if err != nil {
		return Quotation{}, fmt.Errorf("provisioning: quote: %w", err)
	}
	return Quotation{Tier: tier, Price: price, Returning: returning, Link: link}, nil
}
