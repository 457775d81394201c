package models

import "time"

// CredentialMetadata binds a user's credential to a specific, possibly rotated, key.
type CredentialMetadata struct {
	ID                    string `gorm:"primaryKey;type:varchar(36)"`
	UserID                string `gorm:"type:varchar(255);not null;index"`
	KeyAlias              string `gorm:"type:varchar(255);not null"`
	CredentialProfileName string `gorm:"type:varchar(128)"`
	SignatureQualifier    string `gorm:"type:varchar(64)"`
	MultisignCount        int
	CryptoTokenName       string `gorm:"type:varchar(128)"`
	Disabled              bool   `gorm:"not null;default:false"`
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// TableName pins the table name used by GORM.
func (CredentialMetadata) TableName() string {
	return "credential_metadata"
}
