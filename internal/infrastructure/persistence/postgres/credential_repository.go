package postgres

import (
	"context"
	stderrors "errors"

	"gorm.io/gorm"

	"github.com/turtacn/qsign/internal/domain/models"
	"github.com/turtacn/qsign/internal/domain/repository"
	"github.com/turtacn/qsign/pkg/errors"
)

// CredentialRepository is a GORM implementation of repository.CredentialRepository.
type CredentialRepository struct {
	db *gorm.DB
}

// NewCredentialRepository creates a new CredentialRepository.
func NewCredentialRepository(db *gorm.DB) repository.CredentialRepository {
	return &CredentialRepository{db: db}
}

func (r *CredentialRepository) CreateCredential(ctx context.Context, credential *models.CredentialMetadata) error {
	return classifyError("create credential", conn(ctx, r.db).Create(credential).Error)
}

func (r *CredentialRepository) GetCredential(ctx context.Context, credentialID string) (*models.CredentialMetadata, error) {
	var c models.CredentialMetadata
	err := conn(ctx, r.db).Where("id = ?", credentialID).First(&c).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.ErrCredentialNotFound(credentialID)
	}
	if err != nil {
		return nil, classifyError("get credential", err)
	}
	return &c, nil
}

func (r *CredentialRepository) ListByUser(ctx context.Context, userID string) ([]*models.CredentialMetadata, error) {
	var out []*models.CredentialMetadata
	err := conn(ctx, r.db).Where("user_id = ?", userID).Order("created_at ASC").Find(&out).Error
	if err != nil {
		return nil, classifyError("list credentials", err)
	}
	return out, nil
}

func (r *CredentialRepository) SetDisabled(ctx context.Context, credentialID string, disabled bool) error {
	res := conn(ctx, r.db).Model(&models.CredentialMetadata{}).
		Where("id = ?", credentialID).
		Update("disabled", disabled)
	if res.Error != nil {
		return classifyError("update credential", res.Error)
	}
	if res.RowsAffected == 0 {
		return errors.ErrCredentialNotFound(credentialID)
	}
	return nil
}
