package ledger

import (
	"context"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Ledger provides typed access to a Backend.
//
// The schedule is the only kind that is read and then rewritten. AppendSchedule and
// SchedulePass share one mutex so a pass never drops a row appended while it runs.
type Ledger struct {
	backend    Backend
	scheduleMu sync.Mutex
}

// New constructs a Ledger over backend.
func New(backend Backend) *Ledger {
	return &Ledger{backend: backend}
}

// ScheduleRow is one schedule line. Err is set when the line could not be parsed;
// Raw always holds the line as stored.
type ScheduleRow struct {
	Entry ScheduleEntry
	Raw   Record
	Err   error
}

// NewScheduleRow builds a row for a freshly created entry.
func NewScheduleRow(entry ScheduleEntry) ScheduleRow {
	return ScheduleRow{Entry: entry, Raw: entry.record()}
}

// SchedulePassFunc decides which rows survive a pass.
type SchedulePassFunc func(ctx context.Context, rows []ScheduleRow) ([]ScheduleRow, error)

// SchedulePass holds the schedule mutex, reads the schedule, calls fn, and rewrites
// the schedule with the rows fn returns. When fn fails nothing is rewritten.
//
// The rewrite runs detached from ctx cancellation: once fn has returned, its effects at
// the gateway already happened and the schedule must reflect them.
func (l *Ledger) SchedulePass(ctx context.Context, fn SchedulePassFunc) error {
	l.scheduleMu.Lock()
	defer l.scheduleMu.Unlock()

	rows, err := l.scheduleRows(ctx)
	if err != nil {
		return err
	}
	kept, err := fn(ctx, rows)
	if err != nil {
		return err
	}
	recs := make([]Record, 0, len(kept))
	for _, row := range kept {
		recs = append(recs, row.Raw)
	}
	if errRewrite := l.backend.Rewrite(context.WithoutCancel(ctx), KindSchedule, recs); errRewrite != nil {
		return fmt.Errorf("ledger: rewrite schedule: %w", errRewrite)
	}
	return nil
}

// Schedule returns the current schedule rows.
func (l *Ledger) Schedule(ctx context.Context) ([]ScheduleRow, error) {
	return l.scheduleRows(ctx)
}

func (l *Ledger) scheduleRows(ctx context.Context) ([]ScheduleRow, error) {
	recs, err := l.backend.ReadAll(ctx, KindSchedule)
	if err != nil {
		return nil, fmt.Errorf("ledger: read schedule: %w", err)
	}
	rows := make([]ScheduleRow, 0, len(recs))
	for _, rec := range recs {
		entry, errParse := ParseScheduleEntry(rec)
		rows = append(rows, ScheduleRow{Entry: entry, Raw: rec, Err: errParse})
	}
	return rows, nil
}

// AppendSchedule adds a schedule row.
func (l *Ledger) AppendSchedule(ctx context.Context, entry ScheduleEntry) error {
	l.scheduleMu.Lock()
	defer l.scheduleMu.Unlock()
	return l.backend.Append(ctx, KindSchedule, entry.record())
}

// Users returns every registered user id.
func (l *Ledger) Users(ctx context.Context) ([]int64, error) {
	recs, err := l.backend.ReadAll(ctx, KindUsers)
	if err != nil {
		return nil, fmt.Errorf("ledger: read users: %w", err)
	}
	out := make([]int64, 0, len(recs))
	for _, rec := range recs {
		uid, errParse := parseUserID(rec[0])
		if errParse != nil {
			logMalformed(KindUsers, rec, errParse)
			continue
		}
		out = append(out, uid)
	}
	return out, nil
}

// HasUser reports whether the user is registered.
func (l *Ledger) HasUser(ctx context.Context, userID int64) (bool, error) {
	users, err := l.Users(ctx)
	if err != nil {
		return false, err
	}
	for _, uid := range users {
		if uid == userID {
			return true, nil
		}
	}
	return false, nil
}

// AppendUser registers a user id.
func (l *Ledger) AppendUser(ctx context.Context, userID int64) error {
	return l.backend.Append(ctx, KindUsers, Record{formatUserID(userID)})
}

// AppendProfile adds a username registry row.
func (l *Ledger) AppendProfile(ctx context.Context, p UserProfile) error {
	return l.backend.Append(ctx, KindProfiles, p.record())
}

// Profiles returns the username registry.
func (l *Ledger) Profiles(ctx context.Context) ([]UserProfile, error) {
	recs, err := l.backend.ReadAll(ctx, KindProfiles)
	if err != nil {
		return nil, fmt.Errorf("ledger: read profiles: %w", err)
	}
	out := make([]UserProfile, 0, len(recs))
	for _, rec := range recs {
		p, errParse := parseProfile(rec)
		if errParse != nil {
			logMalformed(KindProfiles, rec, errParse)
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// AppendCredential adds a credential registry row.
func (l *Ledger) AppendCredential(ctx context.Context, c Credential) error {
	return l.backend.Append(ctx, KindCredentials, c.record())
}

// Credentials returns the full credential registry in creation order.
func (l *Ledger) Credentials(ctx context.Context) ([]Credential, error) {
	recs, err := l.backend.ReadAll(ctx, KindCredentials)
	if err != nil {
		return nil, fmt.Errorf("ledger: read credentials: %w", err)
	}
	out := make([]Credential, 0, len(recs))
	for _, rec := range recs {
		c, errParse := parseCredential(rec)
		if errParse != nil {
			logMalformed(KindCredentials, rec, errParse)
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// CredentialsFor returns the user's credentials, oldest first.
func (l *Ledger) CredentialsFor(ctx context.Context, userID int64) ([]Credential, error) {
	all, err := l.Credentials(ctx)
	if err != nil {
		return nil, err
	}
	var out []Credential
	for _, c := range all {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	return out, nil
}

// Marks returns the notification marks.
func (l *Ledger) Marks(ctx context.Context) (MarkSet, error) {
	recs, err := l.backend.ReadAll(ctx, KindMarks)
	if err != nil {
		return nil, fmt.Errorf("ledger: read marks: %w", err)
	}
	set := MarkSet{}
	for _, rec := range recs {
		m, errParse := parseMark(rec)
		if errParse != nil {
			logMalformed(KindMarks, rec, errParse)
			continue
		}
		set.Add(m)
	}
	return set, nil
}

// AppendMark records a sent notice.
func (l *Ledger) AppendMark(ctx context.Context, m NotificationMark) error {
	return l.backend.Append(ctx, KindMarks, m.record())
}

// Activations returns every promo activation.
func (l *Ledger) Activations(ctx context.Context) ([]PromoActivation, error) {
	recs, err := l.backend.ReadAll(ctx, KindActivations)
	if err != nil {
		return nil, fmt.Errorf("ledger: read activations: %w", err)
	}
	out := make([]PromoActivation, 0, len(recs))
	for _, rec := range recs {
		a, errParse := parseActivation(rec)
		if errParse != nil {
			logMalformed(KindActivations, rec, errParse)
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// HasActivation reports whether the user redeemed any promo code.
func (l *Ledger) HasActivation(ctx context.Context, userID int64) (bool, error) {
	acts, err := l.Activations(ctx)
	if err != nil {
		return false, err
	}
	for _, a := range acts {
		if a.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

// AppendActivation records a redeemed promo code.
func (l *Ledger) AppendActivation(ctx context.Context, a PromoActivation) error {
	return l.backend.Append(ctx, KindActivations, a.record())
}

// Transactions returns the payment audit trail.
func (l *Ledger) Transactions(ctx context.Context) ([]Transaction, error) {
	recs, err := l.backend.ReadAll(ctx, KindTransactions)
	if err != nil {
		return nil, fmt.Errorf("ledger: read transactions: %w", err)
	}
	out := make([]Transaction, 0, len(recs))
	for _, rec := range recs {
		t, errParse := parseTransaction(rec)
		if errParse != nil {
			logMalformed(KindTransactions, rec, errParse)
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// HasPaymentLabel reports whether a transaction already fulfilled label.
func (l *Ledger) HasPaymentLabel(ctx context.Context, label string) (bool, error) {
	txs, err := l.Transactions(ctx)
	if err != nil {
		return false, err
	}
	for _, t := range txs {
		if t.PaymentLabel == label {
			return true, nil
		}
	}
	return false, nil
}

// AppendTransaction records a fulfilled payment.
func (l *Ledger) AppendTransaction(ctx context.Context, t Transaction) error {
	return l.backend.Append(ctx, KindTransactions, t.record())
}

// AppendPending records a pending provision state change.
func (l *Ledger) AppendPending(ctx context.Context, p PendingProvision) error {
	return l.backend.Append(ctx, KindPending, p.record())
}

// OpenPending returns pending provisions whose latest state is open, in first-seen order.
func (l *Ledger) OpenPending(ctx context.Context) ([]PendingProvision, error) {
	recs, err := l.backend.ReadAll(ctx, KindPending)
	if err != nil {
		return nil, fmt.Errorf("ledger: read pending: %w", err)
	}
	latest := make(map[string]PendingProvision)
	var order []string
	for _, rec := range recs {
		p, errParse := parsePending(rec)
		if errParse != nil {
			logMalformed(KindPending, rec, errParse)
			continue
		}
		if _, seen := latest[p.ID]; !seen {
			order = append(order, p.ID)
		}
		latest[p.ID] = p
	}
	var out []PendingProvision
	for _, id := range order {
		if p := latest[id]; p.State == PendingOpen {
			out = append(out, p)
		}
	}
	return out, nil
}

func logMalformed(kind Kind, rec Record, err error) {
	log.WithError(err).WithFields(log.Fields{
		"kind": kind,
		"line": formatLine(kind, rec),
	}).Warn("ledger: skip malformed row")
}

// MarkSet indexes notification marks by credential id and condition.
type MarkSet map[string]map[Condition]bool

// Add inserts a mark.
func (s MarkSet) Add(m NotificationMark) {
	conds := s[m.CredentialID]
	if conds == nil {
		conds = make(map[Condition]bool)
		s[m.CredentialID] = conds
	}
	conds[m.Condition] = true
}

// Has reports whether a notice for cond was already sent. A legacy mark covers every condition.
func (s MarkSet) Has(credentialID string, cond Condition) bool {
	conds := s[credentialID]
	if conds == nil {
		return false
	}
	return conds[cond] || conds[ConditionAny]
}
