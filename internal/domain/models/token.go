package models

import (
	"github.com/turtacn/qsign/pkg/constants"
)

// CryptoToken is a remote HSM-backed signing endpoint hosting one or more key pools.
// It is built from configuration and never changes at runtime.
type CryptoToken struct {
	ID         int
	Name       string
	WorkerName string
	Profiles   []KeyPoolProfile
}

// KeyPoolProfile describes a homogeneous pool of keys inside a token.
type KeyPoolProfile struct {
	Name                         string
	KeyAlgorithm                 string
	KeySpecification             string
	KeyAliasPrefix               string
	DesiredSize                  int
	MaxKeysGeneratedPerReplenish int
	Usage                        constants.KeyUsage
	SubjectDN                    string
	SignatureAlgorithm           string
	CertificateProfile           string
	EndEntityProfile             string
}

// Selector returns the pool selector for this profile on the given token.
func (p KeyPoolProfile) Selector(cryptoTokenID int) PoolSelector {
	return PoolSelector{
		CryptoTokenID:    cryptoTokenID,
		KeyAlgorithm:     p.KeyAlgorithm,
		Usage:            p.Usage,
		KeySpecification: p.KeySpecification,
	}
}

// ConcurrencySettings are the process-wide caps on in-flight remote work.
type ConcurrencySettings struct {
	MaxKeyGeneration int
	MaxKeyDeletion   int
}
