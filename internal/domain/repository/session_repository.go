package repository

import (
	"context"
	"time"

	"github.com/turtacn/qsign/internal/domain/models"
)

// SessionRepository persists signing sessions.
type SessionRepository interface {
	CreateSession(ctx context.Context, session *models.SigningSession) error
	GetSession(ctx context.Context, sessionID string) (*models.SigningSession, error)
	// GetSessionByKeyID returns the session holding the key, NotFoundError if none does.
	GetSessionByKeyID(ctx context.Context, keyID string) (*models.SigningSession, error)
	// FindExpired returns sessions expired before now, oldest expiry first.
	FindExpired(ctx context.Context, now time.Time, limit int) ([]*models.SigningSession, error)
	DeleteSession(ctx context.Context, sessionID string) error
}
