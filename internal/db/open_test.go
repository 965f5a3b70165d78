package db

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/router-for-me/keyledger/internal/models"
)

func TestBuildSQLiteDSN(t *testing.T) {
	dsn := BuildSQLiteDSN("ledger.db")
	if !strings.HasPrefix(dsn, "file:ledger.db?") {
		t.Fatalf("expected file: prefix, got %q", dsn)
	}
	if !strings.Contains(dsn, "_pragma=busy_timeout(5000)") {
		t.Fatalf("expected busy timeout pragma, got %q", dsn)
	}

	withQuery := BuildSQLiteDSN("file:ledger.db?cache=shared")
	if !strings.Contains(withQuery, "cache=shared&_pragma=") {
		t.Fatalf("expected pragmas appended with &, got %q", withQuery)
	}

	explicit := "file:x.db?_pragma=foreign_keys(1)"
	if got := BuildSQLiteDSN(explicit); got != explicit {
		t.Fatalf("expected explicit pragmas untouched, got %q", got)
	}
}

func TestOpenAndMigrateSQLite(t *testing.T) {
	conn, err := Open(filepath.Join(t.TempDir(), "ledger-test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if !IsSQLite(conn) {
		t.Fatalf("expected sqlite dialect, got %q", DialectName(conn))
	}
	if errMigrate := Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	if !conn.Migrator().HasTable(&models.LedgerRecord{}) {
		t.Fatalf("expected ledger_records table")
	}
}

func TestOpenRejectsEmptyDSN(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Fatalf("expected error for empty dsn")
	}
}
