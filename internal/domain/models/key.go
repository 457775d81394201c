package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/turtacn/qsign/pkg/constants"
)

// Key is one pre-provisioned key pair held by a remote crypto token.
// Session keys and one-time keys share this shape and differ only in Usage,
// which decides their release and cleanup policy.
type Key struct {
	// ID is the row identifier (UUID).
	ID string `gorm:"primaryKey;type:varchar(36)"`
	// CryptoTokenID identifies the remote token that holds the key material.
	CryptoTokenID int `gorm:"not null;index:idx_keys_pool,priority:1"`
	// KeyAlias is the key's name inside the token: profile prefix + unique suffix.
	KeyAlias string `gorm:"type:varchar(255);not null;uniqueIndex"`
	// KeyAlgorithm is the asymmetric algorithm, e.g. "ECDSA" or "RSA".
	KeyAlgorithm string `gorm:"type:varchar(32);not null;index:idx_keys_pool,priority:2"`
	// KeySpecification is the curve name or modulus size.
	KeySpecification string `gorm:"type:varchar(32);not null;index:idx_keys_pool,priority:3"`
	// Usage is the pool family the key was provisioned for.
	Usage constants.KeyUsage `gorm:"type:varchar(32);not null;index:idx_keys_pool,priority:4"`
	// ProfileName is the pool profile that generated the key.
	ProfileName string `gorm:"type:varchar(128)"`
	// CertificateChain holds the DER certificates, leaf first. Empty until certified.
	CertificateChain CertificateChain `gorm:"type:text"`
	// State is the lifecycle state; only "available" rows are acquirable.
	State constants.KeyState `gorm:"type:varchar(32);not null;index:idx_keys_state"`
	// InUse is true while a caller holds the key.
	InUse bool `gorm:"not null;default:false"`
	// AcquiredAt is stamped on acquisition and cleared on release.
	AcquiredAt *time.Time
	// UsedUp is set once a one-time key has been consumed.
	UsedUp bool `gorm:"not null;default:false"`
	// UsedUpAt starts the retention clock of a consumed one-time key.
	UsedUpAt *time.Time
	// FailureReason records why provisioning failed.
	FailureReason string `gorm:"type:text"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TableName pins the table name used by GORM.
func (Key) TableName() string {
	return "keys"
}

// IsAvailable reports whether the key can be handed out.
func (k *Key) IsAvailable() bool {
	return k.State == constants.KeyStateAvailable && !k.InUse && len(k.CertificateChain) > 0
}

// LeafCertificate returns the DER of the end-entity certificate, or nil.
func (k *Key) LeafCertificate() []byte {
	if len(k.CertificateChain) == 0 {
		return nil
	}
	return k.CertificateChain[0]
}

// CertificateChain is an ordered list of DER certificates persisted as JSON.
type CertificateChain [][]byte

// Value implements driver.Valuer.
func (c CertificateChain) Value() (driver.Value, error) {
	if c == nil {
		return "[]", nil
	}
	b, err := json.Marshal([][]byte(c))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (c *CertificateChain) Scan(value interface{}) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		*c = nil
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("unsupported certificate chain column type %T", value)
	}
	if len(raw) == 0 {
		*c = nil
		return nil
	}
	var chain [][]byte
	if err := json.Unmarshal(raw, &chain); err != nil {
		return fmt.Errorf("failed to decode certificate chain: %w", err)
	}
	*c = chain
	return nil
}

// PoolSelector identifies one homogeneous pool of keys.
type PoolSelector struct {
	CryptoTokenID int
	KeyAlgorithm  string
	Usage         constants.KeyUsage
	// KeySpecification narrows the pool; empty matches any specification.
	KeySpecification string
}

// String renders the selector for logs.
func (s PoolSelector) String() string {
	if s.KeySpecification == "" {
		return fmt.Sprintf("%d/%s/%s", s.CryptoTokenID, s.Usage, s.KeyAlgorithm)
	}
	return fmt.Sprintf("%d/%s/%s/%s", s.CryptoTokenID, s.Usage, s.KeyAlgorithm, s.KeySpecification)
}
