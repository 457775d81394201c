package models

import "time"

// SigningSession binds exactly one reserved session key to a user for a bounded time.
type SigningSession struct {
	ID           string `gorm:"primaryKey;type:varchar(36)"`
	KeyID        string `gorm:"type:varchar(36);not null;uniqueIndex"`
	UserID       string `gorm:"type:varchar(255);not null;index"`
	CredentialID string `gorm:"type:varchar(36)"`
	CreatedAt    time.Time
	ExpiresAt    time.Time `gorm:"not null;index"`
}

// TableName pins the table name used by GORM.
func (SigningSession) TableName() string {
	return "signing_sessions"
}

// Expired reports whether the session is past its expiry at the given instant.
func (s *SigningSession) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}
