package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/turtacn/qsign/internal/domain/models"
	"github.com/turtacn/qsign/internal/domain/repository"
	"github.com/turtacn/qsign/internal/domain/service"
	"github.com/turtacn/qsign/pkg/errors"
	"github.com/turtacn/qsign/pkg/logger"
)

// BindCredentialRequest binds a user credential to an existing key.
type BindCredentialRequest struct {
	UserID                string
	KeyAlias              string
	CryptoTokenName       string
	CredentialProfileName string
	SignatureQualifier    string
	MultisignCount        int
}

// CredentialService manages credential-to-key bindings.
type CredentialService struct {
	catalog     service.TokenCatalog
	credentials repository.CredentialRepository
	keys        repository.KeyRepository
	logger      logger.Logger
	newID       func() string
}

// NewCredentialService creates a CredentialService.
func NewCredentialService(catalog service.TokenCatalog, credentials repository.CredentialRepository, keys repository.KeyRepository, log logger.Logger) *CredentialService {
	return &CredentialService{
		catalog:     catalog,
		credentials: credentials,
		keys:        keys,
		logger:      log.WithComponent("CredentialService"),
		newID:       uuid.NewString,
	}
}

// Bind records a new credential for the user. The key must exist on the named token.
func (s *CredentialService) Bind(ctx context.Context, req BindCredentialRequest) (*models.CredentialMetadata, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return nil, errors.ErrInputData("user id is required")
	}
	if strings.TrimSpace(req.KeyAlias) == "" {
		return nil, errors.ErrInputData("key alias is required")
	}
	if req.MultisignCount < 0 {
		return nil, errors.ErrInputData("multisign count must not be negative")
	}
	token, ok := s.catalog.TokenByName(req.CryptoTokenName)
	if !ok {
		return nil, errors.ErrInputData(fmt.Sprintf("unknown crypto token %q", req.CryptoTokenName))
	}
	key, err := s.keys.GetKeyByAlias(ctx, req.KeyAlias)
	if err != nil {
		return nil, err
	}
	if key.CryptoTokenID != token.ID {
		return nil, errors.ErrInputData(fmt.Sprintf("key %s is not held by crypto token %s", req.KeyAlias, token.Name))
	}

	cred := &models.CredentialMetadata{
		ID:                    s.newID(),
		UserID:                req.UserID,
		KeyAlias:              req.KeyAlias,
		CredentialProfileName: req.CredentialProfileName,
		SignatureQualifier:    req.SignatureQualifier,
		MultisignCount:        req.MultisignCount,
		CryptoTokenName:       token.Name,
	}
	if err := s.credentials.CreateCredential(ctx, cred); err != nil {
		return nil, err
	}
	s.logger.Info(ctx, "Credential bound",
		logger.String("credential_id", cred.ID),
		logger.String("user_id", cred.UserID),
		logger.String("key_alias", cred.KeyAlias),
	)
	return cred, nil
}

// Get returns a credential by id.
func (s *CredentialService) Get(ctx context.Context, credentialID string) (*models.CredentialMetadata, error) {
	return s.credentials.GetCredential(ctx, credentialID)
}

// ListForUser returns the user's credentials.
func (s *CredentialService) ListForUser(ctx context.Context, userID string) ([]*models.CredentialMetadata, error) {
	return s.credentials.ListByUser(ctx, userID)
}

// Disable marks the credential unusable.
func (s *CredentialService) Disable(ctx context.Context, credentialID string) error {
	if err := s.credentials.SetDisabled(ctx, credentialID, true); err != nil {
		return err
	}
	s.logger.Info(ctx, "Credential disabled", logger.String("credential_id", credentialID))
	return nil
}
