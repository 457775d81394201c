// Package signserver implements the remote crypto token the key pools live on:
// a Vault-backed soft token for development and a PKCS#11 HSM token for production.
package signserver

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/turtacn/qsign/internal/domain/models"
	"github.com/turtacn/qsign/pkg/errors"
)

// keyParams is a parsed (algorithm, specification) pair.
type keyParams struct {
	algorithm string
	curve     elliptic.Curve
	bits      int
}

func parseKeyParams(algorithm, specification string) (keyParams, error) {
	switch strings.ToUpper(algorithm) {
	case "ECDSA", "EC":
		curve, err := curveFor(specification)
		if err != nil {
			return keyParams{}, err
		}
		return keyParams{algorithm: "ECDSA", curve: curve}, nil
	case "RSA":
		bits, err := strconv.Atoi(strings.TrimPrefix(strings.ToUpper(specification), "RSA"))
		if err != nil || bits < 2048 {
			return keyParams{}, errors.ErrInputData(fmt.Sprintf("unsupported RSA key size %q", specification))
		}
		return keyParams{algorithm: "RSA", bits: bits}, nil
	default:
		return keyParams{}, errors.ErrInputData(fmt.Sprintf("unsupported key algorithm %q", algorithm))
	}
}

func curveFor(spec string) (elliptic.Curve, error) {
	switch strings.ToLower(spec) {
	case "secp256r1", "prime256v1", "p-256", "p256":
		return elliptic.P256(), nil
	case "secp384r1", "p-384", "p384":
		return elliptic.P384(), nil
	case "secp521r1", "p-521", "p521":
		return elliptic.P521(), nil
	default:
		return nil, errors.ErrInputData(fmt.Sprintf("unsupported curve %q", spec))
	}
}

// generateSoftKey creates key material in process memory.
func generateSoftKey(p keyParams) (crypto.Signer, error) {
	if p.algorithm == "ECDSA" {
		return ecdsa.GenerateKey(p.curve, rand.Reader)
	}
	return rsa.GenerateKey(rand.Reader, p.bits)
}

// algorithmOf names the algorithm of a public key.
func algorithmOf(pub crypto.PublicKey) (string, string) {
	switch k := pub.(type) {
	case *ecdsa.PublicKey:
		return "ECDSA", k.Curve.Params().Name
	case *rsa.PublicKey:
		return "RSA", strconv.Itoa(k.N.BitLen())
	default:
		return "", ""
	}
}

var signatureAlgorithms = map[string]x509.SignatureAlgorithm{
	"SHA256WITHRSA":   x509.SHA256WithRSA,
	"SHA384WITHRSA":   x509.SHA384WithRSA,
	"SHA512WITHRSA":   x509.SHA512WithRSA,
	"SHA256WITHECDSA": x509.ECDSAWithSHA256,
	"SHA384WITHECDSA": x509.ECDSAWithSHA384,
	"SHA512WITHECDSA": x509.ECDSAWithSHA512,
}

func signatureAlgorithm(name string) (x509.SignatureAlgorithm, error) {
	alg, ok := signatureAlgorithms[strings.ToUpper(name)]
	if !ok {
		return x509.UnknownSignatureAlgorithm, errors.ErrInputData(fmt.Sprintf("unsupported signature algorithm %q", name))
	}
	return alg, nil
}

var dnAttributes = map[string]asn1.ObjectIdentifier{
	"CN":           {2, 5, 4, 3},
	"SERIALNUMBER": {2, 5, 4, 5},
	"C":            {2, 5, 4, 6},
	"L":            {2, 5, 4, 7},
	"ST":           {2, 5, 4, 8},
	"O":            {2, 5, 4, 10},
	"OU":           {2, 5, 4, 11},
	"GIVENNAME":    {2, 5, 4, 42},
	"SURNAME":      {2, 5, 4, 4},
}

// parseDN reads a comma separated "CN=x,O=y" distinguished name. Escaped commas are kept.
func parseDN(dn string) (pkix.Name, error) {
	var name pkix.Name
	var rdns pkix.RDNSequence
	for _, part := range splitDN(dn) {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return name, errors.ErrInputData(fmt.Sprintf("malformed subject DN component %q", part))
		}
		oid, ok := dnAttributes[strings.ToUpper(strings.TrimSpace(kv[0]))]
		if !ok {
			return name, errors.ErrInputData(fmt.Sprintf("unsupported subject DN attribute %q", kv[0]))
		}
		rdns = append(rdns, pkix.RelativeDistinguishedNameSET{{Type: oid, Value: strings.TrimSpace(kv[1])}})
	}
	if len(rdns) == 0 {
		return name, errors.ErrInputData("subject DN is empty")
	}
	name.FillFromRDNSequence(&rdns)
	name.ExtraNames = nil
	for _, rdn := range rdns {
		name.ExtraNames = append(name.ExtraNames, rdn...)
	}
	return name, nil
}

func splitDN(dn string) []string {
	var parts []string
	var cur strings.Builder
	escaped := false
	for _, r := range dn {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == ',':
			if s := strings.TrimSpace(cur.String()); s != "" {
				parts = append(parts, s)
			}
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		parts = append(parts, s)
	}
	return parts
}

// buildCSR creates a DER PKCS#10 request signed by signer.
func buildCSR(signer crypto.Signer, sigAlg, subjectDN string) ([]byte, error) {
	alg, err := signatureAlgorithm(sigAlg)
	if err != nil {
		return nil, err
	}
	subject, err := parseDN(subjectDN)
	if err != nil {
		return nil, err
	}
	tmpl := &x509.CertificateRequest{Subject: subject, SignatureAlgorithm: alg}
	return x509.CreateCertificateRequest(rand.Reader, tmpl, signer)
}

// parseChain decodes a DER chain and checks that the leaf certifies signer's public key.
func parseChain(signer crypto.Signer, chain [][]byte) ([]*x509.Certificate, error) {
	if len(chain) == 0 {
		return nil, errors.ErrInputData("certificate chain is empty")
	}
	certs := make([]*x509.Certificate, 0, len(chain))
	for i, der := range chain {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, errors.ErrInputData(fmt.Sprintf("certificate %d of chain cannot be parsed: %v", i, err))
		}
		certs = append(certs, cert)
	}
	type equaler interface{ Equal(crypto.PublicKey) bool }
	if pub, ok := signer.Public().(equaler); !ok || !pub.Equal(certs[0].PublicKey) {
		return nil, errors.ErrInputData("leaf certificate does not match the key")
	}
	return certs, nil
}

// digestFor turns a process request into the digest to sign.
func digestFor(req models.ProcessRequest, pub crypto.PublicKey) ([]byte, crypto.Hash, error) {
	data := req.Data
	hash := hashFor(pub)
	switch strings.ToUpper(req.Encoding) {
	case "", models.EncodingNone:
	case models.EncodingBase64:
		decoded, err := base64.StdEncoding.DecodeString(string(data))
		if err != nil {
			return nil, 0, errors.ErrInputData("data is not valid base64")
		}
		data = decoded
	case models.EncodingDigest:
		if len(data) != hash.Size() {
			return nil, 0, errors.ErrInputData(fmt.Sprintf("digest must be %d bytes", hash.Size()))
		}
		return data, hash, nil
	default:
		return nil, 0, errors.ErrInputData(fmt.Sprintf("unsupported encoding %q", req.Encoding))
	}
	h := hash.New()
	h.Write(data)
	return h.Sum(nil), hash, nil
}

func hashFor(pub crypto.PublicKey) crypto.Hash {
	if k, ok := pub.(*ecdsa.PublicKey); ok {
		switch k.Curve.Params().BitSize {
		case 384:
			return crypto.SHA384
		case 521:
			return crypto.SHA512
		}
	}
	return crypto.SHA256
}

// signWith signs the request's data with signer.
func signWith(signer crypto.Signer, req models.ProcessRequest) ([]byte, error) {
	digest, hash, err := digestFor(req, signer.Public())
	if err != nil {
		return nil, err
	}
	return signer.Sign(rand.Reader, digest, hash)
}
