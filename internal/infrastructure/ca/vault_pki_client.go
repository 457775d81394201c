// Package ca implements the certificate authority client on a Vault PKI secrets engine.
package ca

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"strings"
	"time"

	vaultapi "github.com/hashicorp/vault/api"

	"github.com/turtacn/qsign/internal/config"
	"github.com/turtacn/qsign/internal/domain/models"
	"github.com/turtacn/qsign/internal/infrastructure/vault"
	"github.com/turtacn/qsign/pkg/constants"
	"github.com/turtacn/qsign/pkg/errors"
	"github.com/turtacn/qsign/pkg/logger"
)

const endEntityPrefix = "qsign/end-entities"

// VaultPKIClient issues certificates through sign-verbatim on a PKI mount. Vault has no
// end-entity concept, so registrations are kept on a KV v2 mount next to it.
type VaultPKIClient struct {
	client   *vaultapi.Client
	entities *vault.KV
	pkiMount string
	role     string
	ttl      time.Duration
	logger   logger.Logger
}

// NewVaultPKIClient creates a CA client.
func NewVaultPKIClient(client *vaultapi.Client, cfg config.CAConfig, log logger.Logger) *VaultPKIClient {
	return &VaultPKIClient{
		client:   client,
		entities: vault.NewKV(client, cfg.KVMount, constants.RemoteSystemCA),
		pkiMount: strings.Trim(cfg.PKIMount, "/"),
		role:     cfg.Role,
		ttl:      cfg.CertificateTTL,
		logger:   log.WithComponent("VaultPKIClient"),
	}
}

func remoteErr(op string, err error) error {
	return errors.ErrRemoteSystem(constants.RemoteSystemCA, op, false, err)
}

// CreateEndEntity registers or overwrites the end entity.
func (c *VaultPKIClient) CreateEndEntity(ctx context.Context, entity models.EndEntity) error {
	if entity.Username == "" || entity.SubjectDN == "" {
		return errors.ErrInputData("end entity needs a username and a subject DN")
	}
	err := c.entities.Put(ctx, endEntityPrefix+"/"+entity.Username, map[string]interface{}{
		"subject_dn":          entity.SubjectDN,
		"certificate_profile": entity.CertificateProfile,
		"end_entity_profile":  entity.EndEntityProfile,
		"updated_at":          time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		c.logger.Error(ctx, "Failed to register end entity", err, logger.String("username", entity.Username))
		return err
	}
	return nil
}

// SignCertificateRequest certifies the CSR for a registered end entity and returns the
// DER chain, leaf first.
func (c *VaultPKIClient) SignCertificateRequest(ctx context.Context, entity models.EndEntity, csr []byte) ([][]byte, error) {
	registered, err := c.entities.Get(ctx, endEntityPrefix+"/"+entity.Username)
	if err != nil {
		return nil, err
	}
	if registered == nil {
		return nil, remoteErr("sign certificate request", fmt.Errorf("end entity %s is not registered", entity.Username))
	}

	role := c.role
	if entity.CertificateProfile != "" {
		role = entity.CertificateProfile
	}
	options := map[string]interface{}{
		"csr":    string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: csr})),
		"format": "pem",
	}
	if c.ttl > 0 {
		options["ttl"] = c.ttl.String()
	}
	secret, err := c.client.Logical().WriteWithContext(ctx, c.pkiMount+"/sign-verbatim/"+role, options)
	if err != nil {
		return nil, vault.ClassifyError(constants.RemoteSystemCA, "sign certificate request", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, remoteErr("sign certificate request", fmt.Errorf("empty response from %s", c.pkiMount))
	}

	leaf, err := decodePEM(secret.Data["certificate"])
	if err != nil {
		return nil, remoteErr("sign certificate request", err)
	}
	chain := [][]byte{leaf}

	var issuers []interface{}
	if raw, ok := secret.Data["ca_chain"].([]interface{}); ok && len(raw) > 0 {
		issuers = raw
	} else if ca, ok := secret.Data["issuing_ca"]; ok {
		issuers = []interface{}{ca}
	}
	for _, raw := range issuers {
		der, err := decodePEM(raw)
		if err != nil {
			return nil, remoteErr("sign certificate request", err)
		}
		chain = append(chain, der)
	}
	return chain, nil
}

// GetRevocationStatus reads the certificate record on the PKI mount. Vault only knows
// revoked or not revoked; it never reports a suspension.
func (c *VaultPKIClient) GetRevocationStatus(ctx context.Context, serialHex, issuerDN string) (constants.RevocationStatus, error) {
	serial, err := vaultSerial(serialHex)
	if err != nil {
		return "", err
	}
	secret, err := c.client.Logical().ReadWithContext(ctx, c.pkiMount+"/cert/"+serial)
	if err != nil {
		return "", vault.ClassifyError(constants.RemoteSystemCA, "get revocation status", err)
	}
	if secret == nil || secret.Data == nil {
		return "", remoteErr("get revocation status", fmt.Errorf("certificate %s is unknown to the CA", serial))
	}

	if issuerDN != "" {
		if der, err := decodePEM(secret.Data["certificate"]); err == nil {
			if cert, err := x509.ParseCertificate(der); err == nil && cert.Issuer.String() != issuerDN {
				return "", remoteErr("get revocation status",
					fmt.Errorf("certificate %s was issued by %q, not %q", serial, cert.Issuer.String(), issuerDN))
			}
		}
	}

	if revocationTime(secret.Data["revocation_time"]) > 0 {
		return constants.RevocationRevoked, nil
	}
	return constants.RevocationNotRevoked, nil
}

// vaultSerial renders a hex serial the way Vault names certificates: lower case,
// colon separated byte pairs.
func vaultSerial(serialHex string) (string, error) {
	clean := strings.ToLower(strings.NewReplacer(":", "", "-", "", " ", "").Replace(serialHex))
	if _, ok := new(big.Int).SetString(clean, 16); !ok || clean == "" {
		return "", errors.ErrInputData(fmt.Sprintf("invalid certificate serial %q", serialHex))
	}
	if len(clean)%2 == 1 {
		clean = "0" + clean
	}
	pairs := make([]string, 0, len(clean)/2)
	for i := 0; i < len(clean); i += 2 {
		pairs = append(pairs, clean[i:i+2])
	}
	return strings.Join(pairs, ":"), nil
}

func revocationTime(v interface{}) int64 {
	switch t := v.(type) {
	case json.Number:
		n, _ := t.Int64()
		return n
	case float64:
		return int64(t)
	case int64:
		return t
	case int:
		return int64(t)
	default:
		return 0
	}
}

func decodePEM(v interface{}) ([]byte, error) {
	s, ok := v.(string)
	if !ok || s == "" {
		return nil, fmt.Errorf("missing PEM certificate in CA response")
	}
	block, _ := pem.Decode([]byte(s))
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("failed to decode PEM block containing certificate")
	}
	return block.Bytes, nil
}
