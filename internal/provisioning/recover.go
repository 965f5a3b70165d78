package provisioning

import (
	"context"
	"fmt"

	"github.com/router-for-me/keyledger/internal/ledger"
	log "github.com/sirupsen/logrus"
)

// RecoveryReport summarizes a recovery sweep.
type RecoveryReport struct {
	Open      int `json:"open"`
	Completed int `json:"completed"`
	Abandoned int `json:"abandoned"`
	Failed    int `json:"failed"`
}

// Recover finishes provisions interrupted between key creation and the last ledger write.
// Keys still at the gateway get their missing rows; vanished keys are marked abandoned.
// It waits for in-flight provisions to finish their ledger writes.
func (s *Service) Recover(ctx context.Context) (RecoveryReport, error) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	var report RecoveryReport
	open, err := s.ledger.OpenPending(ctx)
	if err != nil {
		return report, fmt.Errorf("provisioning: recover: %w", err)
	}
	report.Open = len(open)
	if len(open) == 0 {
		return report, nil
	}

	keys, err := s.gateway.List(ctx)
	if err != nil {
		return report, fmt.Errorf("provisioning: recover: list keys: %w", err)
	}
	live := make(map[string]bool, len(keys))
	for _, k := range keys {
		live[k.ID] = true
	}
	creds, err := s.ledger.Credentials(ctx)
	if err != nil {
		return report, fmt.Errorf("provisioning: recover: %w", err)
	}
	rows, err := s.ledger.Schedule(ctx)
	if err != nil {
		return report, fmt.Errorf("provisioning: recover: %w", err)
	}
	scheduled := make(map[string]bool, len(rows))
	for _, row := range rows {
		if row.Err == nil {
			scheduled[row.Entry.CredentialID] = true
		}
	}

	for _, p := range open {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		entry := log.WithFields(log.Fields{"pending_id": p.ID, "key_id": p.CredentialID, "user_id": p.UserID, "label": p.PaymentLabel})
		if !live[p.CredentialID] {
			if errClose := s.closePending(ctx, p, ledger.PendingAbandoned); errClose != nil {
				entry.WithError(errClose).Error("provisioning: recover: mark abandoned failed")
				report.Failed++
				continue
			}
			entry.Warn("provisioning: recover: key vanished, pending provision abandoned")
			report.Abandoned++
			continue
		}

		have := existing{schedule: scheduled[p.CredentialID]}
		for _, c := range creds {
			if c.UserID == p.UserID && c.ID == p.CredentialID {
				have.credential = true
				break
			}
		}
		if p.PaymentLabel != "" {
			paid, errPaid := s.ledger.HasPaymentLabel(ctx, p.PaymentLabel)
			if errPaid != nil {
				entry.WithError(errPaid).Error("provisioning: recover: read transactions failed")
				report.Failed++
				continue
			}
			have.transaction = paid
		}
		if errPersist := s.persist(ctx, p, have); errPersist != nil {
			entry.WithError(errPersist).WithField("critical", true).Error("provisioning: recover: complete ledger rows failed")
			report.Failed++
			continue
		}
		if errClose := s.closePending(ctx, p, ledger.PendingDone); errClose != nil {
			entry.WithError(errClose).Error("provisioning: recover: close pending provision failed")
			report.Failed++
			continue
		}
		scheduled[p.CredentialID] = true
		entry.Info("provisioning: recover: pending provision completed")
		report.Completed++
	}
	return report, nil
}
