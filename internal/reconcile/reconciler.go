// Package reconcile periodically cross-checks the expiry schedule with the gateway listing,
// notifies owners, and deletes expired or exhausted keys.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/router-for-me/keyledger/internal/breaker"
	"github.com/router-for-me/keyledger/internal/ledger"
	"github.com/router-for-me/keyledger/internal/metrics"
	"github.com/router-for-me/keyledger/internal/notify"
	"github.com/router-for-me/keyledger/internal/outline"
	"github.com/router-for-me/keyledger/internal/settings"
	log "github.com/sirupsen/logrus"
)

// Gateway is the subset of the Outline client a pass needs.
type Gateway interface {
	List(ctx context.Context) ([]outline.Key, error)
	Delete(ctx context.Context, id string) error
}

// Options wires a Reconciler.
type Options struct {
	Ledger        *ledger.Ledger
	Gateway       Gateway
	Notifier      notify.Notifier
	Metrics       *metrics.Metrics
	Interval      time.Duration
	InitialDelay  time.Duration
	NearExpiry    time.Duration
	LowQuotaRatio float64
	ListRetry     breaker.RetrySettings
	Now           func() time.Time
}

// Report summarizes one pass.
type Report struct {
	PassID         string    `json:"pass_id"`
	StartedAt      time.Time `json:"started_at"`
	Rows           int       `json:"rows"`
	Kept           int       `json:"kept"`
	Deleted        int       `json:"deleted"`
	DeleteFailures int       `json:"delete_failures"`
	Notified       int       `json:"notified"`
	RowErrors      int       `json:"row_errors"`
	DurationMillis int64     `json:"duration_ms"`
}

// Reconciler runs passes on a schedule.
type Reconciler struct {
	ledger       *ledger.Ledger
	gateway      Gateway
	notifier     notify.Notifier
	metrics      *metrics.Metrics
	interval     time.Duration
	initialDelay time.Duration
	policy       Policy
	listRetry    breaker.RetrySettings
	now          func() time.Time

	passMu sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Reconciler, filling unset options with defaults.
func New(opts Options) *Reconciler {
	r := &Reconciler{
		ledger:       opts.Ledger,
		gateway:      opts.Gateway,
		notifier:     opts.Notifier,
		metrics:      opts.Metrics,
		interval:     opts.Interval,
		initialDelay: opts.InitialDelay,
		policy:       Policy{NearExpiry: opts.NearExpiry, LowQuotaRatio: opts.LowQuotaRatio},
		listRetry:    opts.ListRetry,
		now:          opts.Now,
	}
	if r.interval <= 0 {
		r.interval = settings.DefaultReconcileInterval
	}
	if r.initialDelay < 0 {
		r.initialDelay = 0
	}
	if r.policy.NearExpiry <= 0 {
		r.policy.NearExpiry = settings.DefaultNearExpiryWindow
	}
	if r.policy.LowQuotaRatio <= 0 {
		r.policy.LowQuotaRatio = settings.DefaultLowQuotaRatio
	}
	if r.listRetry == (breaker.RetrySettings{}) {
		r.listRetry = breaker.RetrySettings{MaxRetries: 2, BaseDelay: time.Second, MaxDelay: 5 * time.Second}
	}
	if r.notifier == nil {
		r.notifier = notify.LogNotifier{Templates: notify.DefaultTemplates()}
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Start runs passes in the background until Stop or ctx cancellation. Calling Start twice is a no-op.
func (r *Reconciler) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.cancel = cancel
	r.done = done
	go func() {
		defer close(done)
		r.run(runCtx)
	}()
	log.Infof("reconciler started (interval=%s, initial delay=%s)", r.interval, r.initialDelay)
}

// Stop cancels the loop and waits for an in-flight pass to wind down.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	log.Info("reconciler stopped")
}

func (r *Reconciler) run(ctx context.Context) {
	timer := time.NewTimer(r.initialDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}
	r.runLogged(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runLogged(ctx)
		}
	}
}

func (r *Reconciler) runLogged(ctx context.Context) {
	report, err := r.RunOnce(ctx)
	entry := log.WithFields(log.Fields{
		"pass_id":         report.PassID,
		"rows":            report.Rows,
		"kept":            report.Kept,
		"deleted":         report.Deleted,
		"delete_failures": report.DeleteFailures,
		"notified":        report.Notified,
		"row_errors":      report.RowErrors,
		"duration_ms":     report.DurationMillis,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			entry.Info("reconcile: pass interrupted")
			return
		}
		entry.WithError(err).Error("reconcile: pass failed")
		return
	}
	entry.Info("reconcile: pass finished")
}

type doomedRow struct {
	row    ledger.ScheduleRow
	reason notify.Reason
}

// RunOnce performs one pass. Passes never overlap.
func (r *Reconciler) RunOnce(ctx context.Context) (Report, error) {
	r.passMu.Lock()
	defer r.passMu.Unlock()

	start := time.Now()
	report := Report{PassID: uuid.NewString(), StartedAt: r.now()}
	entry := log.WithField("pass_id", report.PassID)
	interrupted := false

	err := r.ledger.SchedulePass(ctx, func(ctx context.Context, rows []ledger.ScheduleRow) ([]ledger.ScheduleRow, error) {
		// Listing under the schedule lock: every row read below was written after its key was created.
		keys, err := breaker.Retry(ctx, r.listRetry, retryableListError, r.gateway.List)
		if err != nil {
			return nil, fmt.Errorf("reconcile: list keys: %w", err)
		}
		marks, err := r.ledger.Marks(ctx)
		if err != nil {
			return nil, fmt.Errorf("reconcile: read marks: %w", err)
		}
		byID := make(map[string]outline.Key, len(keys))
		for _, k := range keys {
			byID[k.ID] = k
		}
		now := r.now()

		kept := make([]ledger.ScheduleRow, 0, len(rows))
		var doomed []doomedRow
		for _, row := range rows {
			if errCtx := ctx.Err(); errCtx != nil {
				return nil, errCtx
			}
			report.Rows++
			if row.Err != nil {
				entry.WithError(row.Err).WithField("row", row.Raw).Error("reconcile: malformed schedule row kept")
				report.RowErrors++
				kept = append(kept, row)
				continue
			}
			key, listed := byID[row.Entry.CredentialID]
			decision := Decide(row.Entry, key, listed, marks, now, r.policy)
			r.metrics.ObserveReconcileDecision(string(decision.Action))

			switch decision.Action {
			case ActionDelete:
				doomed = append(doomed, doomedRow{row: row, reason: decision.Reason})
				continue
			case ActionNotifyNearExpiry:
				r.notifyOnce(ctx, entry, row.Entry, ledger.ConditionNearExpiry, notify.KindExpiringSoon, &report)
			case ActionNotifyLowQuota:
				r.notifyOnce(ctx, entry, row.Entry, ledger.ConditionLowQuota, notify.KindLowTraffic, &report)
			}
			kept = append(kept, row)
		}

		for i, d := range doomed {
			if ctx.Err() != nil {
				for _, rest := range doomed[i:] {
					kept = append(kept, rest.row)
				}
				interrupted = true
				break
			}
			if r.delete(ctx, entry, d) {
				report.Deleted++
				continue
			}
			report.DeleteFailures++
			kept = append(kept, d.row)
		}
		report.Kept = len(kept)
		return kept, nil
	})

	report.DurationMillis = time.Since(start).Milliseconds()
	if err == nil && interrupted {
		err = fmt.Errorf("reconcile: deletions interrupted: %w", context.Cause(ctx))
	}
	r.metrics.ObserveReconcilePass(err, time.Since(start))
	return report, err
}

// retryableListError skips retries while the breaker is open or the pass is cancelled.
func retryableListError(err error) bool {
	return !errors.Is(err, outline.ErrUnavailable) && !errors.Is(err, context.Canceled)
}

// notifyOnce sends a notice and records its mark. A failed send records nothing so the next pass retries.
func (r *Reconciler) notifyOnce(ctx context.Context, entry *log.Entry, e ledger.ScheduleEntry, cond ledger.Condition, kind notify.Kind, report *Report) {
	fields := log.Fields{"key_id": e.CredentialID, "user_id": e.UserID, "kind": kind}
	if err := r.notifier.Notify(ctx, e.UserID, notify.Message{Kind: kind, CredentialID: e.CredentialID}); err != nil {
		entry.WithError(err).WithFields(fields).Warn("reconcile: notify owner failed")
		report.RowErrors++
		return
	}
	if err := r.ledger.AppendMark(ctx, ledger.NotificationMark{CredentialID: e.CredentialID, Condition: cond}); err != nil {
		entry.WithError(err).WithFields(fields).Error("reconcile: record notification mark failed")
		report.RowErrors++
		return
	}
	report.Notified++
	entry.WithFields(fields).Info("reconcile: owner notified")
}

// delete removes a key at the gateway and tells its owner. A key already gone counts as deleted.
func (r *Reconciler) delete(ctx context.Context, entry *log.Entry, d doomedRow) bool {
	e := d.row.Entry
	fields := log.Fields{"key_id": e.CredentialID, "user_id": e.UserID, "reason": d.reason}
	if err := r.gateway.Delete(ctx, e.CredentialID); err != nil && !errors.Is(err, outline.ErrNotFound) {
		entry.WithError(err).WithFields(fields).Error("reconcile: delete key failed, will retry next pass")
		return false
	}
	entry.WithFields(fields).Info("reconcile: key deleted")
	msg := notify.Message{Kind: notify.KindDeleted, CredentialID: e.CredentialID, Reason: d.reason}
	if err := r.notifier.Notify(ctx, e.UserID, msg); err != nil {
		entry.WithError(err).WithFields(fields).Warn("reconcile: deletion notice failed")
	}
	return true
}
