package models

import (
	"time"

	"gorm.io/datatypes"
)

// LedgerRecord stores one line of an append-only ledger kind.
type LedgerRecord struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key; defines record order.

	Kind   string         `gorm:"type:text;not null;index:idx_ledger_records_kind_id,priority:1"` // Record kind (users, schedule, ...).
	Fields datatypes.JSON `gorm:"type:json;not null"`                                             // Ordered field values as a JSON array.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Insert timestamp.
}

// TableName pins the table name.
func (LedgerRecord) TableName() string { return "ledger_records" }
