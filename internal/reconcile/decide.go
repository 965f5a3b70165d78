package reconcile

import (
	"time"

	"github.com/router-for-me/keyledger/internal/ledger"
	"github.com/router-for-me/keyledger/internal/notify"
	"github.com/router-for-me/keyledger/internal/outline"
)

// Action is what a pass does with one schedule row.
type Action string

const (
	ActionKeep             Action = "keep"
	ActionDelete           Action = "delete"
	ActionNotifyNearExpiry Action = "notify_near_expiry"
	ActionNotifyLowQuota   Action = "notify_low_quota"
)

// Decision is the outcome for one row. Reason is set for deletions.
type Decision struct {
	Action Action
	Reason notify.Reason
}

// Policy holds the notification thresholds.
type Policy struct {
	NearExpiry    time.Duration
	LowQuotaRatio float64
}

// Decide classifies a schedule row against the gateway listing. The first matching rule wins:
// expired or unlisted, quota exhausted, near expiry, low quota, keep.
func Decide(entry ledger.ScheduleEntry, key outline.Key, listed bool, marks ledger.MarkSet, now time.Time, p Policy) Decision {
	if !listed || entry.ExpiresAt.Before(now) {
		return Decision{Action: ActionDelete, Reason: notify.ReasonExpired}
	}
	if !key.Unlimited() && key.UsedBytes >= key.QuotaBytes {
		return Decision{Action: ActionDelete, Reason: notify.ReasonQuotaExhausted}
	}
	if !marks.Has(entry.CredentialID, ledger.ConditionNearExpiry) && entry.ExpiresAt.Sub(now) < p.NearExpiry {
		return Decision{Action: ActionNotifyNearExpiry}
	}
	if !marks.Has(entry.CredentialID, ledger.ConditionLowQuota) && !key.Unlimited() {
		remaining := float64(key.QuotaBytes-key.UsedBytes) / float64(key.QuotaBytes)
		if remaining < p.LowQuotaRatio {
			return Decision{Action: ActionNotifyLowQuota}
		}
	}
	return Decision{Action: ActionKeep}
}
