package audit

import (
	"context"
	"errors"

	"github.com/turtacn/qsign/internal/domain/models"
	"github.com/turtacn/qsign/internal/domain/service"
)

// MultiSink fans events out to every sink. A failing sink does not stop the others.
type MultiSink []service.KeyEventSink

func (m MultiSink) Publish(ctx context.Context, events ...models.KeyEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, events...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
