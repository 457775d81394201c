package repository

import (
	"context"

	"github.com/turtacn/qsign/internal/domain/models"
)

// CredentialRepository persists credential metadata.
type CredentialRepository interface {
	CreateCredential(ctx context.Context, credential *models.CredentialMetadata) error
	GetCredential(ctx context.Context, credentialID string) (*models.CredentialMetadata, error)
	ListByUser(ctx context.Context, userID string) ([]*models.CredentialMetadata, error)
	SetDisabled(ctx context.Context, credentialID string, disabled bool) error
}
