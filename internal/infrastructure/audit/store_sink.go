package audit

import (
	"context"

	"github.com/turtacn/qsign/internal/domain/models"
	"github.com/turtacn/qsign/internal/domain/repository"
	"github.com/turtacn/qsign/internal/domain/service"
)

// StoreSink writes key events to the key_events table.
type StoreSink struct {
	events repository.KeyEventRepository
}

// NewStoreSink creates a StoreSink.
func NewStoreSink(events repository.KeyEventRepository) *StoreSink {
	return &StoreSink{events: events}
}

var _ service.KeyEventSink = (*StoreSink)(nil)

func (s *StoreSink) Publish(ctx context.Context, events ...models.KeyEvent) error {
	return s.events.SaveEvents(ctx, events)
}
