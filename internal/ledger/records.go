package ledger

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Moscow is the fixed UTC+3 zone used for human-readable ledger timestamps.
var Moscow = time.FixedZone("MSK", 3*60*60)

const profileTimeLayout = "2006-01-02 15:04:05"

// UserProfile is a username registry row.
type UserProfile struct {
	UserID       int64
	Username     string
	RegisteredAt time.Time
	AccessURL    string
	Tier         string
}

// Credential is a credential registry row. The registry is never pruned.
type Credential struct {
	UserID    int64
	AccessURL string
	ID        string
}

// ScheduleEntry tracks the expiry of one live credential.
type ScheduleEntry struct {
	UserID       int64
	ExpiresAt    time.Time
	CredentialID string
}

// Condition names the notice a mark suppresses.
type Condition string

const (
	ConditionNearExpiry Condition = "near_expiry"
	ConditionLowQuota   Condition = "low_quota"
	// ConditionAny is carried by single-field marks written before conditions existed.
	ConditionAny Condition = ""
)

// NotificationMark records that a notice was sent for a credential.
type NotificationMark struct {
	CredentialID string
	Condition    Condition
}

// PromoActivation records a redeemed promo code.
type PromoActivation struct {
	UserID int64
	Code   string
}

// Transaction is the payment audit row, written after the credential rows.
type Transaction struct {
	UserID       int64
	Amount       float64
	TierLabel    string
	PaymentLabel string
}

// PendingState is the lifecycle state of a pending provision.
type PendingState string

const (
	PendingOpen      PendingState = "open"
	PendingDone      PendingState = "done"
	PendingAbandoned PendingState = "abandoned"
)

// PendingProvision tracks a key created at the gateway until its ledger rows are written.
type PendingProvision struct {
	ID           string
	State        PendingState
	UserID       int64
	CredentialID string
	AccessURL    string
	TierCode     int
	PaymentLabel string
	Amount       float64
	ExpiresAt    time.Time
}

func formatUserID(id int64) string { return strconv.FormatInt(id, 10) }

func parseUserID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid user id %q", raw)
	}
	return id, nil
}

func formatAmount(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

func parseUnix(raw string) (time.Time, error) {
	sec, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid unix timestamp %q", raw)
	}
	return time.Unix(sec, 0).UTC(), nil
}

func expectFields(rec Record, n int) error {
	if len(rec) != n {
		return fmt.Errorf("expected %d fields, got %d", n, len(rec))
	}
	return nil
}

// sanitizeField replaces characters that would break the line format.
func sanitizeField(v string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '|', '\r', '\n':
			return '_'
		}
		return r
	}, v)
}

func (p UserProfile) record() Record {
	username := sanitizeField(strings.TrimSpace(p.Username))
	if username == "" {
		username = "N/A"
	}
	return Record{
		formatUserID(p.UserID),
		username,
		p.RegisteredAt.In(Moscow).Format(profileTimeLayout),
		p.AccessURL,
		p.Tier,
	}
}

func parseProfile(rec Record) (UserProfile, error) {
	if err := expectFields(rec, 5); err != nil {
		return UserProfile{}, err
	}
	uid, err := parseUserID(rec[0])
	if err != nil {
		return UserProfile{}, err
	}
	at, err := time.ParseInLocation(profileTimeLayout, rec[2], Moscow)
	if err != nil {
		return UserProfile{}, fmt.Errorf("invalid registration time %q", rec[2])
	}
	return UserProfile{UserID: uid, Username: rec[1], RegisteredAt: at, AccessURL: rec[3], Tier: rec[4]}, nil
}

func (c Credential) record() Record {
	return Record{formatUserID(c.UserID), c.AccessURL, c.ID}
}

func parseCredential(rec Record) (Credential, error) {
	if err := expectFields(rec, 3); err != nil {
		return Credential{}, err
	}
	uid, err := parseUserID(rec[0])
	if err != nil {
		return Credential{}, err
	}
	return Credential{UserID: uid, AccessURL: rec[1], ID: rec[2]}, nil
}

func (e ScheduleEntry) record() Record {
	return Record{formatUserID(e.UserID), strconv.FormatInt(e.ExpiresAt.Unix(), 10), e.CredentialID}
}

// ParseScheduleEntry decodes a schedule record.
func ParseScheduleEntry(rec Record) (ScheduleEntry, error) {
	if err := expectFields(rec, 3); err != nil {
		return ScheduleEntry{}, err
	}
	uid, err := parseUserID(rec[0])
	if err != nil {
		return ScheduleEntry{}, err
	}
	exp, err := parseUnix(rec[1])
	if err != nil {
		return ScheduleEntry{}, err
	}
	if strings.TrimSpace(rec[2]) == "" {
		return ScheduleEntry{}, fmt.Errorf("empty credential id")
	}
	return ScheduleEntry{UserID: uid, ExpiresAt: exp, CredentialID: rec[2]}, nil
}

func (m NotificationMark) record() Record {
	return Record{m.CredentialID, string(m.Condition)}
}

func parseMark(rec Record) (NotificationMark, error) {
	switch len(rec) {
	case 1:
		return NotificationMark{CredentialID: rec[0], Condition: ConditionAny}, nil
	case 2:
		return NotificationMark{CredentialID: rec[0], Condition: Condition(rec[1])}, nil
	default:
		return NotificationMark{}, fmt.Errorf("expected 1 or 2 fields, got %d", len(rec))
	}
}

func (a PromoActivation) record() Record {
	return Record{formatUserID(a.UserID), a.Code}
}

func parseActivation(rec Record) (PromoActivation, error) {
	if err := expectFields(rec, 2); err != nil {
		return PromoActivation{}, err
	}
	uid, err := parseUserID(rec[0])
	if err != nil {
		return PromoActivation{}, err
	}
	return PromoActivation{UserID: uid, Code: rec[1]}, nil
}

func (t Transaction) record() Record {
	return Record{formatUserID(t.UserID), formatAmount(t.Amount), t.TierLabel, t.PaymentLabel}
}

func parseTransaction(rec Record) (Transaction, error) {
	if err := expectFields(rec, 4); err != nil {
		return Transaction{}, err
	}
	uid, err := parseUserID(rec[0])
	if err != nil {
		return Transaction{}, err
	}
	amount, err := strconv.ParseFloat(strings.TrimSpace(rec[1]), 64)
	if err != nil {
		return Transaction{}, fmt.Errorf("invalid amount %q", rec[1])
	}
	return Transaction{UserID: uid, Amount: amount, TierLabel: rec[2], PaymentLabel: rec[3]}, nil
}

func (p PendingProvision) record() Record {
	return Record{
		p.ID,
		string(p.State),
		formatUserID(p.UserID),
		p.CredentialID,
		p.AccessURL,
		strconv.Itoa(p.TierCode),
		p.PaymentLabel,
		formatAmount(p.Amount),
		strconv.FormatInt(p.ExpiresAt.Unix(), 10),
	}
}

func parsePending(rec Record) (PendingProvision, error) {
	if err := expectFields(rec, 9); err != nil {
		return PendingProvision{}, err
	}
	uid, err := parseUserID(rec[2])
	if err != nil {
		return PendingProvision{}, err
	}
	tier, err := strconv.Atoi(strings.TrimSpace(rec[5]))
	if err != nil {
		return PendingProvision{}, fmt.Errorf("invalid tier code %q", rec[5])
	}
	amount, err := strconv.ParseFloat(strings.TrimSpace(rec[7]), 64)
	if err != nil {
		return PendingProvision{}, fmt.Errorf("invalid amount %q", rec[7])
	}
	exp, err := parseUnix(rec[8])
	if err != nil {
		return PendingProvision{}, err
	}
	return PendingProvision{
		ID:           rec[0],
		State:        PendingState(rec[1]),
		UserID:       uid,
		CredentialID: rec[3],
		AccessURL:    rec[4],
		TierCode:     tier,
		PaymentLabel: rec[6],
		Amount:       amount,
		ExpiresAt:    exp,
	}, nil
}
