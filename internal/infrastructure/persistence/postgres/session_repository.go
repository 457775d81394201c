package postgres

import (
	"context"
	stderrors "errors"
	"time"

	"gorm.io/gorm"

	"github.com/turtacn/qsign/internal/domain/models"
	"github.com/turtacn/qsign/internal/domain/repository"
	"github.com/turtacn/qsign/pkg/errors"
)

// SessionRepository is a GORM implementation of repository.SessionRepository.
type SessionRepository struct {
	db *gorm.DB
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(db *gorm.DB) repository.SessionRepository {
	return &SessionRepository{db: db}
}

func (r *SessionRepository) CreateSession(ctx context.Context, session *models.SigningSession) error {
	if err := conn(ctx, r.db).Create(session).Error; err != nil {
		if isUniqueViolation(err) {
			return errors.ErrConflict("key " + session.KeyID + " is already bound to a session").WithCause(err)
		}
		return classifyError("create session", err)
	}
	return nil
}

func (r *SessionRepository) GetSession(ctx context.Context, sessionID string) (*models.SigningSession, error) {
	var s models.SigningSession
	err := conn(ctx, r.db).Where("id = ?", sessionID).First(&s).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.ErrSessionNotFound(sessionID)
	}
	if err != nil {
		return nil, classifyError("get session", err)
	}
	return &s, nil
}

func (r *SessionRepository) GetSessionByKeyID(ctx context.Context, keyID string) (*models.SigningSession, error) {
	var s models.SigningSession
	err := conn(ctx, r.db).Where("key_id = ?", keyID).First(&s).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.ErrSessionNotFound("key:" + keyID)
	}
	if err != nil {
		return nil, classifyError("get session by key", err)
	}
	return &s, nil
}

func (r *SessionRepository) FindExpired(ctx context.Context, now time.Time, limit int) ([]*models.SigningSession, error) {
	var sessions []*models.SigningSession
	err := conn(ctx, r.db).
		Where("expires_at < ?", now.UTC()).
		Order("expires_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&sessions).Error
	if err != nil {
		return nil, classifyError("find expired sessions", err)
	}
	return sessions, nil
}

// DeleteSession removes the session row. Deleting a missing session is not an error.
func (r *SessionRepository) DeleteSession(ctx context.Context, sessionID string) error {
	err := conn(ctx, r.db).Where("id = ?", sessionID).Delete(&models.SigningSession{}).Error
	return classifyError("delete session", err)
}
