// Package provisioning turns payments and registrations into gateway keys with matching ledger rows.
package provisioning

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/router-for-me/keyledger/internal/ledger"
	"github.com/router-for-me/keyledger/internal/metrics"
	"github.com/router-for-me/keyledger/internal/outline"
	"github.com/router-for-me/keyledger/internal/payment"
	"github.com/router-for-me/keyledger/internal/tiers"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Gateway is the subset of the Outline client provisioning needs.
type Gateway interface {
	Create(ctx context.Context, name string) (outline.Key, error)
	SetQuota(ctx context.Context, id string, bytes int64) error
	List(ctx context.Context) ([]outline.Key, error)
	Delete(ctx context.Context, id string) error
}

// Options wires a Service.
type Options struct {
	Ledger   *ledger.Ledger
	Gateway  Gateway
	Verifier payment.Verifier
	Checkout payment.Checkout
	Catalog  *tiers.Catalog
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

// Service provisions keys.
type Service struct {
	ledger   *ledger.Ledger
	gateway  Gateway
	verifier payment.Verifier
	checkout payment.Checkout
	catalog  *tiers.Catalog
	metrics  *metrics.Metrics
	now      func() time.Time
	group    singleflight.Group

	// pendingMu keeps Recover out while a provision moves from pending/open to done.
	pendingMu sync.RWMutex
}

// NewService builds a Service.
func NewService(opts Options) *Service {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	catalog := opts.Catalog
	if catalog == nil {
		catalog = tiers.NewCatalog(nil, nil)
	}
	return &Service{
		ledger:   opts.Ledger,
		gateway:  opts.Gateway,
		verifier: opts.Verifier,
		checkout: opts.Checkout,
		catalog:  catalog,
		metrics:  opts.Metrics,
		now:      now,
	}
}

// Catalog returns the price catalog.
func (s *Service) Catalog() *tiers.Catalog { return s.catalog }

// PaidRequest asks for a key in exchange for a payment.
type PaidRequest struct {
	UserID       int64
	TierCode     int
	PaymentLabel string
	Amount       float64
}

// Result describes an issued key.
type Result struct {
	CredentialID string     `json:"credential_id"`
	AccessURL    string     `json:"access_url"`
	ExpiresAt    time.Time  `json:"expires_at"`
	Tier         tiers.Tier `json:"tier"`
}

func validateLabel(userID int64, label string) error {
	if label == "" || strings.ContainsAny(label, "|\r\n") {
		return ErrInvalidLabel
	}
	if !strings.HasPrefix(label, strconv.FormatInt(userID, 10)+"_") {
		return fmt.Errorf("%w: label does not belong to user %d", ErrInvalidLabel, userID)
	}
	return nil
}

// ProvisionPaid issues a key for a confirmed payment. Calls for one label are collapsed, and a label
// already in the transaction log yields ErrAlreadyFulfilled.
func (s *Service) ProvisionPaid(ctx context.Context, req PaidRequest) (Result, error) {
	res, err := s.provisionPaid(ctx, req)
	s.metrics.ObserveProvision("paid", outcome(err))
	return res, err
}

func (s *Service) provisionPaid(ctx context.Context, req PaidRequest) (Result, error) {
	tier, err := tiers.Lookup(req.TierCode)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	minPrice, err := s.catalog.MinPrice(tier.Code)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	if req.Amount < minPrice {
		return Result{}, fmt.Errorf("%w: %.2f is below %.2f for %s", ErrInvalidAmount, req.Amount, minPrice, tier.Label())
	}
	if err := validateLabel(req.UserID, req.PaymentLabel); err != nil {
		return Result{}, err
	}

	v, err, _ := s.group.Do("paid:"+req.PaymentLabel, func() (any, error) {
		return s.fulfil(ctx, req, tier)
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

func (s *Service) fulfil(ctx context.Context, req PaidRequest, tier tiers.Tier) (Result, error) {
	consumed, err := s.labelConsumed(ctx, req.PaymentLabel)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrLedger, err)
	}
	if consumed {
		return Result{}, ErrAlreadyFulfilled
	}
	if !s.verifier.IsPaid(ctx, req.PaymentLabel, req.Amount) {
		return Result{}, ErrNotPaid
	}
	return s.issue(ctx, issueRequest{
		userID:  req.UserID,
		tier:    tier,
		prefix:  tiers.PaidPrefix,
		label:   req.PaymentLabel,
		amount:  req.Amount,
		logName: "paid",
	})
}

// labelConsumed reports whether the label is in the transaction log or held by an open pending record.
func (s *Service) labelConsumed(ctx context.Context, label string) (bool, error) {
	paid, err := s.ledger.HasPaymentLabel(ctx, label)
	if err != nil || paid {
		return paid, err
	}
	open, err := s.ledger.OpenPending(ctx)
	if err != nil {
		return false, err
	}
	for _, p := range open {
		if p.PaymentLabel == label {
			return true, nil
		}
	}
	return false, nil
}

type issueRequest struct {
	userID  int64
	tier    tiers.Tier
	prefix  string
	label   string
	amount  float64
	logName string
}

// issue creates the gateway key and writes its ledger rows.
func (s *Service) issue(ctx context.Context, req issueRequest) (Result, error) {
	now := s.now()
	entry := log.WithFields(log.Fields{"user_id": req.userID, "tier": req.tier.Label(), "kind": req.logName})

	key, err := s.gateway.Create(ctx, tiers.KeyName(req.prefix, req.userID, now))
	if err != nil {
		entry.WithError(err).Error("provisioning: create key failed")
		return Result{}, fmt.Errorf("%w: create: %v", ErrGateway, err)
	}
	entry = entry.WithField("key_id", key.ID)

	// The key exists now; cleanup and ledger writes must not be cut short by the caller.
	detached := context.WithoutCancel(ctx)

	if !req.tier.Unlimited {
		if errQuota := s.gateway.SetQuota(ctx, key.ID, req.tier.QuotaBytes()); errQuota != nil {
			entry.WithError(errQuota).Error("provisioning: set quota failed, removing key")
			s.discard(detached, key.ID, entry)
			return Result{}, fmt.Errorf("%w: set quota: %v", ErrGateway, errQuota)
		}
	}

	pending := ledger.PendingProvision{
		ID:           uuid.NewString(),
		State:        ledger.PendingOpen,
		UserID:       req.userID,
		CredentialID: key.ID,
		AccessURL:    key.AccessURL,
		TierCode:     req.tier.Code,
		PaymentLabel: req.label,
		Amount:       req.amount,
		ExpiresAt:    req.tier.ExpiresAt(now),
	}
	s.pendingMu.RLock()
	defer s.pendingMu.RUnlock()
	if errPending := s.ledger.AppendPending(detached, pending); errPending != nil {
		entry.WithError(errPending).Error("provisioning: record pending provision failed, removing key")
		s.discard(detached, key.ID, entry)
		return Result{}, fmt.Errorf("%w: %v", ErrLedger, errPending)
	}

	if errPersist := s.persist(detached, pending, persistAll); errPersist != nil {
		token := req.label
		if token == "" {
			token = pending.ID
		}
		entry.WithError(errPersist).WithFields(log.Fields{
			"critical":   true,
			"label":      req.label,
			"pending_id": pending.ID,
		}).Error("provisioning: dangling credential, ledger rows incomplete")
		return Result{}, &DanglingError{Token: token, CredentialID: key.ID, Err: errPersist}
	}

	if errClose := s.closePending(detached, pending, ledger.PendingDone); errClose != nil {
		// Every row is written; recovery closes the record on the next start.
		entry.WithError(errClose).Warn("provisioning: close pending provision failed")
	}
	entry.WithField("expires_at", pending.ExpiresAt.Unix()).Info("provisioning: key issued")
	return Result{
		CredentialID: key.ID,
		AccessURL:    key.AccessURL,
		ExpiresAt:    pending.ExpiresAt,
		Tier:         req.tier,
	}, nil
}

// discard deletes a key that never made it into the ledger.
func (s *Service) discard(ctx context.Context, id string, entry *log.Entry) {
	if err := s.gateway.Delete(ctx, id); err != nil {
		entry.WithError(err).WithField("critical", true).Error("provisioning: remove orphaned key failed, key is dangling")
	}
}

// existing says which rows of a pending provision are already in the ledger.
type existing struct {
	credential  bool
	schedule    bool
	transaction bool
}

var persistAll = existing{}

// persist appends the credential, schedule and transaction rows that are missing.
func (s *Service) persist(ctx context.Context, p ledger.PendingProvision, have existing) error {
	if !have.credential {
		if err := s.ledger.AppendCredential(ctx, ledger.Credential{UserID: p.UserID, AccessURL: p.AccessURL, ID: p.CredentialID}); err != nil {
			return err
		}
	}
	if !have.schedule {
		if err := s.ledger.AppendSchedule(ctx, ledger.ScheduleEntry{UserID: p.UserID, ExpiresAt: p.ExpiresAt, CredentialID: p.CredentialID}); err != nil {
			return err
		}
	}
	if p.PaymentLabel != "" && !have.transaction {
		tier, err := tiers.Lookup(p.TierCode)
		if err != nil {
			return err
		}
		if err := s.ledger.AppendTransaction(ctx, ledger.Transaction{
			UserID:       p.UserID,
			Amount:       p.Amount,
			TierLabel:    tier.Label(),
			PaymentLabel: p.PaymentLabel,
		}); err != nil {
			return err
		}
	}
	return nil
}

// closePending records the final state of a pending provision.
func (s *Service) closePending(ctx context.Context, p ledger.PendingProvision, state ledger.PendingState) error {
	closed := p
	closed.State = state
	return s.ledger.AppendPending(ctx, closed)
}
