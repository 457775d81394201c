package signserver

import (
	"context"
	"crypto/x509"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/ThalesIgnite/crypto11"
	"github.com/miekg/pkcs11"

	"github.com/turtacn/qsign/internal/config"
	"github.com/turtacn/qsign/internal/domain/models"
	"github.com/turtacn/qsign/internal/domain/service"
	"github.com/turtacn/qsign/pkg/constants"
	"github.com/turtacn/qsign/pkg/errors"
	"github.com/turtacn/qsign/pkg/logger"
)

// PKCS11Token keeps key pools inside an HSM reached through a PKCS#11 module.
// Objects are labelled "<crypto token id>/<alias>"; chain certificates beyond the
// leaf get the label suffix "#<index>".
type PKCS11Token struct {
	ctx     *crypto11.Context
	catalog service.TokenCatalog
	logger  logger.Logger
	mu      sync.Mutex
}

// NewPKCS11Token logs into the configured token.
func NewPKCS11Token(cfg config.PKCS11Config, catalog service.TokenCatalog, log logger.Logger) (*PKCS11Token, error) {
	c11 := &crypto11.Config{
		Path:       cfg.LibraryPath,
		TokenLabel: cfg.TokenLabel,
		Pin:        cfg.Pin,
	}
	if cfg.SlotNumber != nil {
		c11.SlotNumber = cfg.SlotNumber
	}
	ctx, err := crypto11.Configure(c11)
	if err != nil {
		return nil, errors.ErrConfiguration(fmt.Sprintf("failed to open PKCS#11 token: %v", err))
	}
	return &PKCS11Token{
		ctx:     ctx,
		catalog: catalog,
		logger:  log.WithComponent("PKCS11Token"),
	}, nil
}

// Close logs out and finalizes the module.
func (t *PKCS11Token) Close() error {
	return t.ctx.Close()
}

func objectLabel(cryptoTokenID int, alias string) []byte {
	return []byte(strconv.Itoa(cryptoTokenID) + "/" + alias)
}

func remoteErr(op string, err error) error {
	if _, ok := errors.AsAppError(err); ok {
		return err
	}
	return errors.ErrRemoteSystem(constants.RemoteSystemSignServer, op, false, err)
}

// GenerateKey creates a non-extractable key pair on the HSM.
func (t *PKCS11Token) GenerateKey(ctx context.Context, cryptoTokenID int, alias, algorithm, specification string) error {
	params, err := parseKeyParams(algorithm, specification)
	if err != nil {
		return err
	}
	label := objectLabel(cryptoTokenID, alias)

	t.mu.Lock()
	defer t.mu.Unlock()
	existing, err := t.ctx.FindKeyPair(nil, label)
	if err != nil {
		return remoteErr("generate key", err)
	}
	if existing != nil {
		t.logger.Debug(ctx, "Key pair already present", logger.String("key_alias", alias))
		return nil
	}

	if params.algorithm == "ECDSA" {
		_, err = t.ctx.GenerateECDSAKeyPairWithLabel(label, label, params.curve)
	} else {
		_, err = t.ctx.GenerateRSAKeyPairWithLabel(label, label, params.bits)
	}
	if err != nil {
		t.logger.Error(ctx, "HSM key generation failed", err, logger.String("key_alias", alias))
		return remoteErr("generate key", err)
	}
	return nil
}

func (t *PKCS11Token) signer(cryptoTokenID int, alias string) (crypto11.Signer, error) {
	s, err := t.ctx.FindKeyPair(nil, objectLabel(cryptoTokenID, alias))
	if err != nil {
		return nil, remoteErr("find key", err)
	}
	if s == nil {
		return nil, remoteErr("find key", fmt.Errorf("alias %s not found on token %d", alias, cryptoTokenID))
	}
	return s, nil
}

// GenerateCSR creates a PKCS#10 request signed inside the HSM.
func (t *PKCS11Token) GenerateCSR(ctx context.Context, cryptoTokenID int, alias, signatureAlgorithm, subjectDN string) ([]byte, error) {
	s, err := t.signer(cryptoTokenID, alias)
	if err != nil {
		return nil, err
	}
	csr, err := buildCSR(s, signatureAlgorithm, subjectDN)
	if err != nil {
		return nil, remoteErr("generate csr", err)
	}
	return csr, nil
}

// ImportCertificateChain stores the leaf next to the key and the rest of the chain after it.
func (t *PKCS11Token) ImportCertificateChain(ctx context.Context, cryptoTokenID int, alias string, chain [][]byte) error {
	s, err := t.signer(cryptoTokenID, alias)
	if err != nil {
		return err
	}
	certs, err := parseChain(s, chain)
	if err != nil {
		return err
	}
	label := objectLabel(cryptoTokenID, alias)

	t.mu.Lock()
	defer t.mu.Unlock()
	for i, cert := range certs {
		l := label
		if i > 0 {
			l = []byte(fmt.Sprintf("%s#%d", label, i))
		}
		if err := t.ctx.ImportCertificateWithLabel(l, l, cert); err != nil {
			return remoteErr("import certificate chain", err)
		}
	}
	return nil
}

// RemoveKey destroys the key pair and its certificates.
func (t *PKCS11Token) RemoveKey(ctx context.Context, cryptoTokenID int, alias string) (bool, error) {
	label := objectLabel(cryptoTokenID, alias)

	t.mu.Lock()
	defer t.mu.Unlock()
	s, err := t.ctx.FindKeyPair(nil, label)
	if err != nil {
		return false, remoteErr("remove key", err)
	}
	if s == nil {
		return false, nil
	}
	chain, err := t.chain(label)
	if err != nil {
		return false, err
	}
	for i, cert := range chain {
		l := label
		if i > 0 {
			l = []byte(fmt.Sprintf("%s#%d", label, i))
		}
		if err := t.ctx.DeleteCertificate(l, l, cert.SerialNumber); err != nil {
			return false, remoteErr("remove key", err)
		}
	}
	if err := s.Delete(); err != nil {
		return false, remoteErr("remove key", err)
	}
	return true, nil
}

func (t *PKCS11Token) chain(label []byte) ([]*x509.Certificate, error) {
	var out []*x509.Certificate
	for i := 0; ; i++ {
		l := label
		if i > 0 {
			l = []byte(fmt.Sprintf("%s#%d", label, i))
		}
		cert, err := t.ctx.FindCertificate(nil, l, nil)
		if err != nil {
			return nil, remoteErr("read certificate", err)
		}
		if cert == nil {
			return out, nil
		}
		out = append(out, cert)
	}
}

// QueryTokenEntries lists the key pairs of one crypto token in label order.
func (t *PKCS11Token) QueryTokenEntries(ctx context.Context, cryptoTokenID int, includeData bool, startIndex, count int) ([]models.TokenEntry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pairs, err := t.ctx.FindAllKeyPairs()
	if err != nil {
		return nil, remoteErr("query token entries", err)
	}
	prefix := strconv.Itoa(cryptoTokenID) + "/"
	type labelled struct {
		alias  string
		signer crypto11.Signer
	}
	var found []labelled
	for _, p := range pairs {
		attrs, err := t.ctx.GetAttributes(p, []uint{pkcs11.CKA_LABEL})
		if err != nil {
			t.logger.Warn(ctx, "Cannot read key label", logger.Err(err))
			continue
		}
		attr := attrs[pkcs11.CKA_LABEL]
		if attr == nil {
			continue
		}
		if alias, ok := strings.CutPrefix(string(attr.Value), prefix); ok {
			found = append(found, labelled{alias: alias, signer: p})
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].alias < found[j].alias })

	if startIndex < 0 {
		startIndex = 0
	}
	if startIndex >= len(found) {
		return nil, nil
	}
	end := len(found)
	if count > 0 && startIndex+count < end {
		end = startIndex + count
	}

	entries := make([]models.TokenEntry, 0, end-startIndex)
	for _, f := range found[startIndex:end] {
		entry := models.TokenEntry{Alias: f.alias}
		if includeData {
			entry.KeyAlgorithm, entry.KeySpecification = algorithmOf(f.signer.Public())
			chain, err := t.chain(objectLabel(cryptoTokenID, f.alias))
			if err != nil {
				return nil, err
			}
			for _, c := range chain {
				entry.CertificateChain = append(entry.CertificateChain, c.Raw)
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Process signs inside the HSM with the key addressed by worker name and alias.
func (t *PKCS11Token) Process(ctx context.Context, req models.ProcessRequest) (*models.ProcessResponse, error) {
	tokenID, err := workerToken(t.catalog, req.WorkerName)
	if err != nil {
		return nil, err
	}
	s, err := t.signer(tokenID, req.KeyAlias)
	if err != nil {
		return nil, err
	}
	leaf, err := t.ctx.FindCertificate(nil, objectLabel(tokenID, req.KeyAlias), nil)
	if err != nil {
		return nil, remoteErr("process", err)
	}
	if leaf == nil {
		return nil, remoteErr("process", fmt.Errorf("key %s has no certificate", req.KeyAlias))
	}
	sig, err := signWith(s, req)
	if err != nil {
		return nil, remoteErr("process", err)
	}
	return &models.ProcessResponse{SignedData: sig, Certificate: leaf.Raw}, nil
}
