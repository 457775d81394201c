package postgres

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/turtacn/qsign/internal/domain/models"
	"github.com/turtacn/qsign/internal/domain/repository"
)

// KeyEventRepository stores key lifecycle events in the key_events table.
type KeyEventRepository struct {
	db *gorm.DB
}

// NewKeyEventRepository creates a new KeyEventRepository.
func NewKeyEventRepository(db *gorm.DB) repository.KeyEventRepository {
	return &KeyEventRepository{db: db}
}

func (r *KeyEventRepository) SaveEvents(ctx context.Context, events []models.KeyEvent) error {
	if len(events) == 0 {
		return nil
	}
	for i := range events {
		if events[i].ID == "" {
			events[i].ID = uuid.NewString()
		}
	}
	return classifyError("save key events", conn(ctx, r.db).CreateInBatches(events, 100).Error)
}

func (r *KeyEventRepository) ListByKey(ctx context.Context, keyID string) ([]models.KeyEvent, error) {
	var out []models.KeyEvent
	err := conn(ctx, r.db).Where("key_id = ?", keyID).Order("occurred_at ASC").Find(&out).Error
	if err != nil {
		return nil, classifyError("list key events", err)
	}
	return out, nil
}
