package models

import (
	"time"

	"github.com/turtacn/qsign/pkg/constants"
)

// KeyEvent records one key lifecycle transition for the audit trail.
type KeyEvent struct {
	ID            string                 `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Type          constants.KeyEventType `gorm:"type:varchar(32);not null;index" json:"type"`
	KeyID         string                 `gorm:"type:varchar(36);index" json:"key_id"`
	KeyAlias      string                 `gorm:"type:varchar(255)" json:"key_alias"`
	CryptoTokenID int                    `json:"crypto_token_id"`
	Usage         constants.KeyUsage     `gorm:"type:varchar(32)" json:"usage"`
	Detail        string                 `gorm:"type:text" json:"detail,omitempty"`
	OccurredAt    time.Time              `gorm:"not null;index" json:"occurred_at"`
}

// TableName pins the table name used by GORM.
func (KeyEvent) TableName() string {
	return "key_events"
}

// NewKeyEvent builds an event for the given key.
func NewKeyEvent(eventType constants.KeyEventType, key *Key, detail string, at time.Time) KeyEvent {
	return KeyEvent{
		Type:          eventType,
		KeyID:         key.ID,
		KeyAlias:      key.KeyAlias,
		CryptoTokenID: key.CryptoTokenID,
		Usage:         key.Usage,
		Detail:        detail,
		OccurredAt:    at,
	}
}
