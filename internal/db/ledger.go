package db

import (
	"context"

	"keygate/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Ledger appends usage entries to the usage_logs table.
type Ledger struct {
	db *gorm.DB
}

// NewLedger returns a ledger over an already migrated connection.
func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// Name identifies the sink in logs and metrics.
func (l *Ledger) Name() string {
	return "database"
}

// Append inserts one entry. Entries are never updated.
func (l *Ledger) Append(ctx context.Context, entry model.UsageLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if err := l.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return translate("append usage entry", err)
	}
	return nil
}

// ListByKeyIDs returns the entries for the given keys, oldest first.
func (l *Ledger) ListByKeyIDs(ctx context.Context, keyIDs []string) ([]model.UsageLogEntry, error) {
	entries := make([]model.UsageLogEntry, 0)
	if len(keyIDs) == 0 {
		return entries, nil
	}
	err := l.db.WithContext(ctx).
		Where("key_id IN ?", keyIDs).
		Order("timestamp asc").
		Find(&entries).Error
	if err != nil {
		return nil, translate("list usage entries", err)
	}
	return entries, nil
}
