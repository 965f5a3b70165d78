package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/router-for-me/keyledger/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const rewriteBatchSize = 200

// SQLBackend stores records in the ledger_records table.
type SQLBackend struct {
	db *gorm.DB
}

// NewSQLBackend constructs a SQLBackend over a migrated connection.
func NewSQLBackend(db *gorm.DB) *SQLBackend {
	return &SQLBackend{db: db}
}

// Append inserts one record.
func (b *SQLBackend) Append(ctx context.Context, kind Kind, rec Record) error {
	if errValidate := validateRecord(kind, rec); errValidate != nil {
		return errValidate
	}
	row, err := toRow(kind, rec)
	if err != nil {
		return err
	}
	if errCreate := b.db.WithContext(ctx).Create(&row).Error; errCreate != nil {
		return fmt.Errorf("sql ledger: append %s: %w", kind, errCreate)
	}
	return nil
}

// ReadAll returns the records of kind in insert order.
func (b *SQLBackend) ReadAll(ctx context.Context, kind Kind) ([]Record, error) {
	if !kind.valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	var rows []models.LedgerRecord
	if errFind := b.db.WithContext(ctx).
		Where("kind = ?", string(kind)).
		Order("id ASC").
		Find(&rows).Error; errFind != nil {
		return nil, fmt.Errorf("sql ledger: read %s: %w", kind, errFind)
	}
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		var fields []string
		if errUnmarshal := json.Unmarshal(row.Fields, &fields); errUnmarshal != nil {
			return nil, fmt.Errorf("sql ledger: decode %s row %d: %w", kind, row.ID, errUnmarshal)
		}
		out = append(out, Record(fields))
	}
	return out, nil
}

// Rewrite replaces every record of kind inside one transaction.
func (b *SQLBackend) Rewrite(ctx context.Context, kind Kind, recs []Record) error {
	if !kind.valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	rows := make([]models.LedgerRecord, 0, len(recs))
	for _, rec := range recs {
		if errValidate := validateRecord(kind, rec); errValidate != nil {
			return errValidate
		}
		row, err := toRow(kind, rec)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}

	errTx := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if errDelete := tx.Where("kind = ?", string(kind)).Delete(&models.LedgerRecord{}).Error; errDelete != nil {
			return errDelete
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.CreateInBatches(&rows, rewriteBatchSize).Error
	})
	if errTx != nil {
		return fmt.Errorf("sql ledger: rewrite %s: %w", kind, errTx)
	}
	return nil
}

func toRow(kind Kind, rec Record) (models.LedgerRecord, error) {
	payload, err := json.Marshal([]string(rec))
	if err != nil {
		return models.LedgerRecord{}, fmt.Errorf("sql ledger: encode %s: %w", kind, err)
	}
	return models.LedgerRecord{Kind: string(kind), Fields: datatypes.JSON(payload)}, nil
}
