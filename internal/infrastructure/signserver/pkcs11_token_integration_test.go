//go:build integration

package signserver

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/qsign/internal/config"
	"github.com/turtacn/qsign/internal/domain/models"
	"github.com/turtacn/qsign/pkg/logger"
)

// Runs against SoftHSM2; set QSIGN_PKCS11_LIB, QSIGN_PKCS11_TOKEN and QSIGN_PKCS11_PIN.
func newSoftHSMToken(t *testing.T) *PKCS11Token {
	t.Helper()
	lib := os.Getenv("QSIGN_PKCS11_LIB")
	if lib == "" {
		t.Skip("QSIGN_PKCS11_LIB not set; skipping PKCS#11 integration test")
	}
	token, err := NewPKCS11Token(config.PKCS11Config{
		LibraryPath: lib,
		TokenLabel:  os.Getenv("QSIGN_PKCS11_TOKEN"),
		Pin:         os.Getenv("QSIGN_PKCS11_PIN"),
	}, testCatalog(t), logger.NewNoopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = token.Close() })
	return token
}

func TestPKCS11Token_Lifecycle(t *testing.T) {
	token := newSoftHSMToken(t)
	ctx := context.Background()
	alias := "it-" + uuid.NewString()

	require.NoError(t, token.GenerateKey(ctx, 7, alias, "ECDSA", "secp256r1"))
	t.Cleanup(func() { _, _ = token.RemoveKey(context.Background(), 7, alias) })

	csrDER, err := token.GenerateCSR(ctx, 7, alias, "SHA256WithECDSA", "CN="+alias)
	require.NoError(t, err)
	require.NoError(t, token.ImportCertificateChain(ctx, 7, alias, issue(t, csrDER)))

	entries, err := token.QueryTokenEntries(ctx, 7, true, 0, 0)
	require.NoError(t, err)
	var found *models.TokenEntry
	for i := range entries {
		if entries[i].Alias == alias {
			found = &entries[i]
		}
	}
	require.NotNil(t, found)
	assert.Len(t, found.CertificateChain, 2)

	resp, err := token.Process(ctx, models.ProcessRequest{WorkerName: "SoftSigner", KeyAlias: alias, Data: []byte("hsm")})
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(resp.Certificate)
	require.NoError(t, err)
	digest := sha256.Sum256([]byte("hsm"))
	assert.True(t, ecdsa.VerifyASN1(leaf.PublicKey.(*ecdsa.PublicKey), digest[:], resp.SignedData))

	removed, err := token.RemoveKey(ctx, 7, alias)
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = token.RemoveKey(ctx, 7, alias)
	require.NoError(t, err)
	assert.False(t, removed)
}
