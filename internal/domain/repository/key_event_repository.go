package repository

import (
	"context"

	"github.com/turtacn/qsign/internal/domain/models"
)

// KeyEventRepository stores the key lifecycle audit trail.
type KeyEventRepository interface {
	SaveEvents(ctx context.Context, events []models.KeyEvent) error
	ListByKey(ctx context.Context, keyID string) ([]models.KeyEvent, error)
}
