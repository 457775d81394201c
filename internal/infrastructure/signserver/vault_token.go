package signserver

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"path"
	"strconv"

	vaultapi "github.com/hashicorp/vault/api"

	"github.com/turtacn/qsign/internal/config"
	"github.com/turtacn/qsign/internal/domain/models"
	"github.com/turtacn/qsign/internal/domain/service"
	"github.com/turtacn/qsign/internal/infrastructure/vault"
	"github.com/turtacn/qsign/pkg/constants"
	"github.com/turtacn/qsign/pkg/errors"
	"github.com/turtacn/qsign/pkg/logger"
)

// VaultToken is a soft crypto token: key pairs are generated in process and their
// PKCS#8 private keys kept in Vault KV v2, one secret per alias under
// <path_prefix>/<crypto token id>/<alias>.
type VaultToken struct {
	kv      *vault.KV
	prefix  string
	catalog service.TokenCatalog
	logger  logger.Logger
}

// NewVaultToken creates a VaultToken.
func NewVaultToken(client *vaultapi.Client, cfg config.SignServerConfig, catalog service.TokenCatalog, log logger.Logger) *VaultToken {
	prefix := cfg.PathPrefix
	if prefix == "" {
		prefix = "qsign/tokens"
	}
	return &VaultToken{
		kv:      vault.NewKV(client, cfg.KVMount, constants.RemoteSystemSignServer),
		prefix:  prefix,
		catalog: catalog,
		logger:  log.WithComponent("VaultToken"),
	}
}

type softEntry struct {
	privateKey    crypto.Signer
	algorithm     string
	specification string
	chain         [][]byte
}

func (t *VaultToken) entryPath(tokenID int, alias string) string {
	return path.Join(t.prefix, strconv.Itoa(tokenID), alias)
}

// GenerateKey creates the key pair. Repeating the call for an alias that already holds a
// matching, uncertified key succeeds so that retried requests stay idempotent.
func (t *VaultToken) GenerateKey(ctx context.Context, cryptoTokenID int, alias, algorithm, specification string) error {
	params, err := parseKeyParams(algorithm, specification)
	if err != nil {
		return err
	}
	existing, err := t.load(ctx, cryptoTokenID, alias)
	if err != nil {
		return err
	}
	if existing != nil {
		if existing.algorithm == params.algorithm && len(existing.chain) == 0 {
			return nil
		}
		return errors.ErrRemoteSystem(constants.RemoteSystemSignServer, "generate key", false,
			fmt.Errorf("alias %s already exists on token %d", alias, cryptoTokenID))
	}

	key, err := generateSoftKey(params)
	if err != nil {
		return errors.ErrRemoteSystem(constants.RemoteSystemSignServer, "generate key", false, err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return errors.ErrRemoteSystem(constants.RemoteSystemSignServer, "generate key", false, err)
	}
	privateKeyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	err = t.kv.Put(ctx, t.entryPath(cryptoTokenID, alias), map[string]interface{}{
		"private_key":       string(privateKeyPEM),
		"algorithm":         params.algorithm,
		"specification":     specification,
		"certificate_chain": []string{},
	})
	if err != nil {
		t.logger.Error(ctx, "Failed to store generated key", err, logger.String("key_alias", alias))
		return err
	}
	return nil
}

// GenerateCSR creates a PKCS#10 request signed by the alias's key.
func (t *VaultToken) GenerateCSR(ctx context.Context, cryptoTokenID int, alias, signatureAlgorithm, subjectDN string) ([]byte, error) {
	entry, err := t.mustLoad(ctx, cryptoTokenID, alias)
	if err != nil {
		return nil, err
	}
	return buildCSR(entry.privateKey, signatureAlgorithm, subjectDN)
}

// ImportCertificateChain stores the chain after checking the leaf certifies the key.
func (t *VaultToken) ImportCertificateChain(ctx context.Context, cryptoTokenID int, alias string, chain [][]byte) error {
	entry, err := t.mustLoad(ctx, cryptoTokenID, alias)
	if err != nil {
		return err
	}
	if _, err := parseChain(entry.privateKey, chain); err != nil {
		return err
	}
	der, err := x509.MarshalPKCS8PrivateKey(entry.privateKey)
	if err != nil {
		return errors.ErrRemoteSystem(constants.RemoteSystemSignServer, "import certificate chain", false, err)
	}
	encoded := make([]string, len(chain))
	for i, c := range chain {
		encoded[i] = base64.StdEncoding.EncodeToString(c)
	}
	return t.kv.Put(ctx, t.entryPath(cryptoTokenID, alias), map[string]interface{}{
		"private_key":       string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})),
		"algorithm":         entry.algorithm,
		"specification":     entry.specification,
		"certificate_chain": encoded,
	})
}

// RemoveKey destroys the alias's secret. It reports false when the alias did not exist.
func (t *VaultToken) RemoveKey(ctx context.Context, cryptoTokenID int, alias string) (bool, error) {
	data, err := t.kv.Get(ctx, t.entryPath(cryptoTokenID, alias))
	if err != nil {
		return false, err
	}
	if data == nil {
		return false, nil
	}
	if err := t.kv.Destroy(ctx, t.entryPath(cryptoTokenID, alias)); err != nil {
		return false, err
	}
	return true, nil
}

// QueryTokenEntries pages through the token's aliases in lexical order.
func (t *VaultToken) QueryTokenEntries(ctx context.Context, cryptoTokenID int, includeData bool, startIndex, count int) ([]models.TokenEntry, error) {
	aliases, err := t.kv.List(ctx, path.Join(t.prefix, strconv.Itoa(cryptoTokenID)))
	if err != nil {
		return nil, err
	}
	if startIndex < 0 {
		startIndex = 0
	}
	if startIndex >= len(aliases) {
		return nil, nil
	}
	end := len(aliases)
	if count > 0 && startIndex+count < end {
		end = startIndex + count
	}

	entries := make([]models.TokenEntry, 0, end-startIndex)
	for _, alias := range aliases[startIndex:end] {
		entry := models.TokenEntry{Alias: alias}
		if includeData {
			e, err := t.load(ctx, cryptoTokenID, alias)
			if err != nil {
				return nil, err
			}
			if e != nil {
				entry.KeyAlgorithm = e.algorithm
				entry.KeySpecification = e.specification
				entry.CertificateChain = e.chain
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Process signs with the key addressed by worker name and alias.
func (t *VaultToken) Process(ctx context.Context, req models.ProcessRequest) (*models.ProcessResponse, error) {
	tokenID, err := workerToken(t.catalog, req.WorkerName)
	if err != nil {
		return nil, err
	}
	entry, err := t.mustLoad(ctx, tokenID, req.KeyAlias)
	if err != nil {
		return nil, err
	}
	if len(entry.chain) == 0 {
		return nil, errors.ErrRemoteSystem(constants.RemoteSystemSignServer, "process", false,
			fmt.Errorf("key %s has no certificate", req.KeyAlias))
	}
	sig, err := signWith(entry.privateKey, req)
	if err != nil {
		if _, ok := errors.AsAppError(err); ok {
			return nil, err
		}
		return nil, errors.ErrRemoteSystem(constants.RemoteSystemSignServer, "process", false, err)
	}
	return &models.ProcessResponse{SignedData: sig, Certificate: entry.chain[0]}, nil
}

func (t *VaultToken) mustLoad(ctx context.Context, cryptoTokenID int, alias string) (*softEntry, error) {
	entry, err := t.load(ctx, cryptoTokenID, alias)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, errors.ErrRemoteSystem(constants.RemoteSystemSignServer, "load key", false,
			fmt.Errorf("alias %s not found on token %d", alias, cryptoTokenID))
	}
	return entry, nil
}

func (t *VaultToken) load(ctx context.Context, cryptoTokenID int, alias string) (*softEntry, error) {
	data, err := t.kv.Get(ctx, t.entryPath(cryptoTokenID, alias))
	if err != nil || data == nil {
		return nil, err
	}
	bad := func(reason string) error {
		return errors.ErrRemoteSystem(constants.RemoteSystemSignServer, "load key", false,
			fmt.Errorf("entry %s: %s", alias, reason))
	}

	pemData, _ := data["private_key"].(string)
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, bad("private_key is not PEM")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, bad(err.Error())
	}
	signer, ok := parsed.(crypto.Signer)
	if !ok {
		return nil, bad("private key cannot sign")
	}

	entry := &softEntry{privateKey: signer}
	entry.algorithm, _ = data["algorithm"].(string)
	entry.specification, _ = data["specification"].(string)
	if raw, ok := data["certificate_chain"].([]interface{}); ok {
		for _, c := range raw {
			s, _ := c.(string)
			der, err := base64.StdEncoding.DecodeString(s)
			if err != nil {
				return nil, bad("certificate_chain is not base64")
			}
			entry.chain = append(entry.chain, der)
		}
	}
	return entry, nil
}

// workerToken resolves the crypto token served by a signing worker.
func workerToken(catalog service.TokenCatalog, worker string) (int, error) {
	for _, tok := range catalog.Tokens() {
		if tok.WorkerName == worker {
			return tok.ID, nil
		}
	}
	return 0, errors.ErrInputData(fmt.Sprintf("unknown signing worker %q", worker))
}
