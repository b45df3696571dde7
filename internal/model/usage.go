package model

import "time"

// UsageLogEntry records one admitted request. Entries are append-only.
type UsageLogEntry struct {
	ID        string    `gorm:"type:varchar(64);primaryKey" json:"id"`
	KeyID     string    `gorm:"type:varchar(64);index;not null" json:"key_id"`
	Method    string    `gorm:"type:varchar(16);not null" json:"method"`
	Endpoint  string    `gorm:"type:varchar(512);not null" json:"endpoint"`
	Timestamp time.Time `gorm:"index;not null" json:"timestamp"`
}

// TableName keeps the table name stable across gorm naming strategies.
func (UsageLogEntry) TableName() string {
	return "usage_logs"
}

// User is a dashboard account that owns internal keys.
type User struct {
	ID           string    `gorm:"type:varchar(64);primaryKey" json:"id"`
	Email        string    `gorm:"type:varchar(255);uniqueIndex;not null" json:"email"`
	PasswordHash string    `gorm:"type:varchar(255)" json:"password_hash,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
