// Package promo redeems promo codes into extra traffic on a user's newest live key.
package promo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/router-for-me/keyledger/internal/ledger"
	"github.com/router-for-me/keyledger/internal/metrics"
	"github.com/router-for-me/keyledger/internal/outline"
	"github.com/router-for-me/keyledger/internal/tiers"
	log "github.com/sirupsen/logrus"
)

var (
	ErrAlreadyActivated    = errors.New("promo: user already redeemed a code")
	ErrUnknownCode         = errors.New("promo: unknown code")
	ErrNoCredential        = errors.New("promo: no live key")
	ErrUnlimitedCredential = errors.New("promo: key is already unlimited")
	ErrGateway             = errors.New("promo: credential provider failed")
	ErrLedger              = errors.New("promo: ledger failed")
	ErrCatalog             = errors.New("promo: code catalog unavailable")
)

// Gateway is the subset of the Outline client redemption needs.
type Gateway interface {
	List(ctx context.Context) ([]outline.Key, error)
	SetQuota(ctx context.Context, id string, bytes int64) error
}

// Redemption describes an applied code.
type Redemption struct {
	Code         string `json:"code"`
	CredentialID string `json:"credential_id"`
	BonusGB      int    `json:"bonus_gb"`
	QuotaBytes   int64  `json:"quota_bytes"`
	Unlimited    bool   `json:"unlimited"`
}

// Redeemer applies promo codes. One redemption runs at a time.
type Redeemer struct {
	ledger  *ledger.Ledger
	gateway Gateway
	catalog Catalog
	metrics *metrics.Metrics
	mu      sync.Mutex
}

// NewRedeemer builds a Redeemer.
func NewRedeemer(l *ledger.Ledger, gateway Gateway, catalog Catalog, m *metrics.Metrics) *Redeemer {
	return &Redeemer{ledger: l, gateway: gateway, catalog: catalog, metrics: m}
}

// Redeem applies code to the user's most recently created live key.
func (r *Redeemer) Redeem(ctx context.Context, userID int64, code string) (Redemption, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, err := r.redeem(ctx, userID, strings.TrimSpace(code))
	r.metrics.ObservePromo(outcome(err))
	return res, err
}

func (r *Redeemer) redeem(ctx context.Context, userID int64, code string) (Redemption, error) {
	activated, err := r.ledger.HasActivation(ctx, userID)
	if err != nil {
		return Redemption{}, fmt.Errorf("%w: %v", ErrLedger, err)
	}
	if activated {
		return Redemption{}, ErrAlreadyActivated
	}

	promo, found, err := r.catalog.Lookup(ctx, code)
	if err != nil {
		log.WithError(err).WithField("code", code).Error("promo: catalog lookup failed")
		return Redemption{}, fmt.Errorf("%w: %v", ErrCatalog, err)
	}
	if !found {
		return Redemption{}, ErrUnknownCode
	}

	key, err := r.target(ctx, userID)
	if err != nil {
		return Redemption{}, err
	}

	res := Redemption{Code: promo.Code, CredentialID: key.ID, BonusGB: promo.BonusGB}
	switch {
	case promo.Unlimited:
		res.Unlimited = true
	case key.Unlimited():
		return Redemption{}, ErrUnlimitedCredential
	default:
		res.QuotaBytes = key.QuotaBytes + int64(promo.BonusGB)*tiers.GiB
	}

	if err := r.gateway.SetQuota(ctx, key.ID, res.QuotaBytes); err != nil {
		return Redemption{}, fmt.Errorf("%w: %v", ErrGateway, err)
	}
	entry := log.WithFields(log.Fields{"user_id": userID, "code": promo.Code, "key_id": key.ID})
	if err := r.ledger.AppendActivation(context.WithoutCancel(ctx), ledger.PromoActivation{UserID: userID, Code: promo.Code}); err != nil {
		entry.WithError(err).WithField("critical", true).Error("promo: bonus applied but activation not recorded")
		return Redemption{}, fmt.Errorf("%w: %v", ErrLedger, err)
	}
	entry.WithField("quota_bytes", res.QuotaBytes).Info("promo: code redeemed")
	return res, nil
}

// target returns the user's last registered credential that is still listed at the gateway.
func (r *Redeemer) target(ctx context.Context, userID int64) (outline.Key, error) {
	creds, err := r.ledger.CredentialsFor(ctx, userID)
	if err != nil {
		return outline.Key{}, fmt.Errorf("%w: %v", ErrLedger, err)
	}
	if len(creds) == 0 {
		return outline.Key{}, ErrNoCredential
	}
	keys, err := r.gateway.List(ctx)
	if err != nil {
		return outline.Key{}, fmt.Errorf("%w: list: %v", ErrGateway, err)
	}
	byID := make(map[string]outline.Key, len(keys))
	for _, k := range keys {
		byID[k.ID] = k
	}
	for i := len(creds) - 1; i >= 0; i-- {
		if k, ok := byID[creds[i].ID]; ok {
			return k, nil
		}
	}
	return outline.Key{}, ErrNoCredential
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAlreadyActivated):
		return "already_activated"
	case errors.Is(err, ErrUnknownCode):
		return "unknown_code"
	case errors.Is(err, ErrNoCredential):
		return "no_credential"
	case errors.Is(err, ErrUnlimitedCredential):
		return "unlimited"
	case errors.Is(err, ErrGateway):
		return "gateway"
	case errors.Is(err, ErrCatalog):
		return "catalog"
	default:
		return "error"
	}
}
