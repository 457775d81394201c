package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/turtacn/qsign/internal/domain/models"
	"github.com/turtacn/qsign/pkg/constants"
	"github.com/turtacn/qsign/pkg/errors"
)

// Catalog is the read-only view of the crypto tokens and the key pools they host.
type Catalog struct {
	tokens []models.CryptoToken
	byID   map[int]int
	byName map[string]int
}

type profileTriplet struct {
	usage         constants.KeyUsage
	algorithm     string
	specification string
}

// NewCatalog normalises and validates the token configuration.
func NewCatalog(tokens []CryptoTokenConfig) (*Catalog, error) {
	c := &Catalog{
		tokens: make([]models.CryptoToken, 0, len(tokens)),
		byID:   make(map[int]int, len(tokens)),
		byName: make(map[string]int, len(tokens)),
	}

	for _, tc := range tokens {
		if tc.ID <= 0 {
			return nil, errors.ErrConfiguration(fmt.Sprintf("crypto token %q must have a positive id", tc.Name))
		}
		name := strings.TrimSpace(tc.Name)
		if name == "" {
			return nil, errors.ErrConfiguration(fmt.Sprintf("crypto token %d has no name", tc.ID))
		}
		if _, dup := c.byID[tc.ID]; dup {
			return nil, errors.ErrConfiguration(fmt.Sprintf("duplicate crypto token id %d", tc.ID))
		}
		if _, dup := c.byName[name]; dup {
			return nil, errors.ErrConfiguration(fmt.Sprintf("duplicate crypto token name %q", name))
		}

		token := models.CryptoToken{ID: tc.ID, Name: name, WorkerName: tc.WorkerName}
		if token.WorkerName == "" {
			token.WorkerName = name
		}

		seen := make(map[profileTriplet]string, len(tc.Profiles))
		names := make(map[string]struct{}, len(tc.Profiles))
		for _, pc := range tc.Profiles {
			profile, err := normaliseProfile(pc)
			if err != nil {
				return nil, errors.WrapError(err, "invalid profile").
					WithMetadata("crypto_token", name)
			}
			key := profileTriplet{profile.Usage, profile.KeyAlgorithm, profile.KeySpecification}
			if other, dup := seen[key]; dup {
				return nil, errors.ErrConfiguration(fmt.Sprintf(
					"crypto token %q: profiles %q and %q share usage %s, algorithm %s and specification %s",
					name, other, profile.Name, profile.Usage, profile.KeyAlgorithm, profile.KeySpecification))
			}
			if _, dup := names[profile.Name]; dup {
				return nil, errors.ErrConfiguration(fmt.Sprintf("crypto token %q: duplicate profile name %q", name, profile.Name))
			}
			seen[key] = profile.Name
			names[profile.Name] = struct{}{}
			token.Profiles = append(token.Profiles, profile)
		}

		c.byID[token.ID] = len(c.tokens)
		c.byName[token.Name] = len(c.tokens)
		c.tokens = append(c.tokens, token)
	}

	sort.SliceStable(c.tokens, func(i, j int) bool { return c.tokens[i].ID < c.tokens[j].ID })
	for i, t := range c.tokens {
		c.byID[t.ID] = i
		c.byName[t.Name] = i
	}
	return c, nil
}

func normaliseProfile(pc KeyPoolProfileConfig) (models.KeyPoolProfile, error) {
	algorithm := strings.ToUpper(strings.TrimSpace(pc.KeyAlgorithm))
	switch algorithm {
	case "ECDSA", "RSA":
	case "EC":
		algorithm = "ECDSA"
	default:
		return models.KeyPoolProfile{}, errors.ErrConfiguration(fmt.Sprintf("profile %q: unsupported key algorithm %q", pc.Name, pc.KeyAlgorithm))
	}

	spec := strings.TrimSpace(pc.KeySpecification)
	if spec == "" {
		return models.KeyPoolProfile{}, errors.ErrConfiguration(fmt.Sprintf("profile %q: key_specification is required", pc.Name))
	}

	var usage constants.KeyUsage
	switch constants.KeyUsage(strings.ToUpper(strings.TrimSpace(pc.Usage))) {
	case constants.KeyUsageSession:
		usage = constants.KeyUsageSession
	case constants.KeyUsageOneTime:
		usage = constants.KeyUsageOneTime
	default:
		return models.KeyPoolProfile{}, errors.ErrConfiguration(fmt.Sprintf("profile %q: unknown usage %q", pc.Name, pc.Usage))
	}

	if pc.DesiredSize <= 0 {
		return models.KeyPoolProfile{}, errors.ErrConfiguration(fmt.Sprintf("profile %q: desired_size must be positive", pc.Name))
	}
	maxPerReplenish := pc.DesiredSize
	if pc.MaxKeysGeneratedPerReplenish != nil {
		maxPerReplenish = *pc.MaxKeysGeneratedPerReplenish
		if maxPerReplenish < 0 {
			return models.KeyPoolProfile{}, errors.ErrConfiguration(fmt.Sprintf("profile %q: max_keys_generated_per_replenish must not be negative", pc.Name))
		}
	}

	p := models.KeyPoolProfile{
		Name:                         strings.TrimSpace(pc.Name),
		KeyAlgorithm:                 algorithm,
		KeySpecification:             spec,
		KeyAliasPrefix:               pc.KeyAliasPrefix,
		DesiredSize:                  pc.DesiredSize,
		MaxKeysGeneratedPerReplenish: maxPerReplenish,
		Usage:                        usage,
		SubjectDN:                    pc.SubjectDN,
		SignatureAlgorithm:           pc.SignatureAlgorithm,
		CertificateProfile:           pc.CertificateProfile,
		EndEntityProfile:             pc.EndEntityProfile,
	}
	if p.Name == "" {
		p.Name = fmt.Sprintf("%s-%s-%s", strings.ToLower(string(usage)), strings.ToLower(algorithm), strings.ToLower(spec))
	}
	if p.KeyAliasPrefix == "" {
		p.KeyAliasPrefix = p.Name + "-"
	}
	if p.SubjectDN == "" {
		p.SubjectDN = "CN=%s"
	}
	if p.SignatureAlgorithm == "" {
		if algorithm == "RSA" {
			p.SignatureAlgorithm = "SHA256WithRSA"
		} else {
			p.SignatureAlgorithm = "SHA256WithECDSA"
		}
	}
	return p, nil
}

// Tokens returns every configured token ordered by id.
func (c *Catalog) Tokens() []models.CryptoToken {
	out := make([]models.CryptoToken, len(c.tokens))
	copy(out, c.tokens)
	return out
}

// Token looks up a token by id.
func (c *Catalog) Token(id int) (models.CryptoToken, bool) {
	i, ok := c.byID[id]
	if !ok {
		return models.CryptoToken{}, false
	}
	return c.tokens[i], true
}

// TokenByName looks up a token by name.
func (c *Catalog) TokenByName(name string) (models.CryptoToken, bool) {
	i, ok := c.byName[name]
	if !ok {
		return models.CryptoToken{}, false
	}
	return c.tokens[i], true
}

// Profile finds the first pool on the token matching usage and algorithm. A token may host
// several such pools that differ by specification; acquisition draws from all of them.
func (c *Catalog) Profile(tokenID int, usage constants.KeyUsage, algorithm string) (models.KeyPoolProfile, bool) {
	token, ok := c.Token(tokenID)
	if !ok {
		return models.KeyPoolProfile{}, false
	}
	for _, p := range token.Profiles {
		if p.Usage == usage && strings.EqualFold(p.KeyAlgorithm, algorithm) {
			return p, true
		}
	}
	return models.KeyPoolProfile{}, false
}
