// Package ledger persists the append-only records that track key ownership,
// expiry, notification history, promo activations and payments.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind identifies one record family.
type Kind string

const (
	KindUsers        Kind = "users"
	KindProfiles     Kind = "profiles"
	KindCredentials  Kind = "credentials"
	KindSchedule     Kind = "schedule"
	KindMarks        Kind = "marks"
	KindActivations  Kind = "activations"
	KindTransactions Kind = "transactions"
	KindPending      Kind = "pending"
)

type kindSpec struct {
	file      string
	delimiter string
}

var kindSpecs = map[Kind]kindSpec{
	KindUsers:        {file: "users.txt", delimiter: "||"},
	KindProfiles:     {file: "users_username.txt", delimiter: "|"},
	KindCredentials:  {file: "keys_ids.txt", delimiter: "||"},
	KindSchedule:     {file: "users_keys_expirations.txt", delimiter: "||"},
	KindMarks:        {file: "notified_keys_ids.txt", delimiter: "||"},
	KindActivations:  {file: "promocodes/activation_logs.txt", delimiter: "||"},
	KindTransactions: {file: "transaction_logs/buyers.txt", delimiter: "|"},
	KindPending:      {file: "pending_provisions.txt", delimiter: "||"},
}

// Kinds lists every record kind.
func Kinds() []Kind {
	return []Kind{KindUsers, KindProfiles, KindCredentials, KindSchedule, KindMarks, KindActivations, KindTransactions, KindPending}
}

// File returns the data-dir relative file used by the file backend.
func (k Kind) File() string { return kindSpecs[k].file }

// Delimiter returns the field separator of the kind.
func (k Kind) Delimiter() string { return kindSpecs[k].delimiter }

func (k Kind) valid() bool {
	_, ok := kindSpecs[k]
	return ok
}

// Record is one ledger line split into fields.
type Record []string

var (
	// ErrUnknownKind is returned for kinds outside Kinds().
	ErrUnknownKind = errors.New("ledger: unknown record kind")
	// ErrInvalidField is returned when a field would corrupt the line format.
	ErrInvalidField = errors.New("ledger: field contains a delimiter or line break")
)

// Backend stores records per kind.
//
// ReadAll on a kind that was never written returns an empty slice and no error.
// Rewrite replaces the kind with exactly the given records.
type Backend interface {
	Append(ctx context.Context, kind Kind, rec Record) error
	ReadAll(ctx context.Context, kind Kind) ([]Record, error)
	Rewrite(ctx context.Context, kind Kind, recs []Record) error
}

func validateRecord(kind Kind, rec Record) error {
	if !kind.valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if len(rec) == 0 {
		return fmt.Errorf("ledger: empty %s record", kind)
	}
	for _, field := range rec {
		if strings.ContainsAny(field, "|\r\n") {
			return fmt.Errorf("%w: %s %q", ErrInvalidField, kind, field)
		}
	}
	return nil
}

func formatLine(kind Kind, rec Record) string {
	return strings.Join(rec, kind.Delimiter())
}

func parseLine(kind Kind, line string) (Record, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil, false
	}
	return Record(strings.Split(trimmed, kind.Delimiter())), true
}
