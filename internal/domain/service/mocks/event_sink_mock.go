package mocks

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/turtacn/qsign/internal/domain/models"
	"github.com/turtacn/qsign/pkg/constants"
)

// MockKeyEventSink is a mock implementation of service.KeyEventSink
type MockKeyEventSink struct {
	mock.Mock
}

func (m *MockKeyEventSink) Publish(ctx context.Context, events ...models.KeyEvent) error {
	args := m.Called(ctx, events)
	return args.Error(0)
}

// RecordingEventSink keeps every published event in memory.
type RecordingEventSink struct {
	mu     sync.Mutex
	events []models.KeyEvent
}

func (r *RecordingEventSink) Publish(_ context.Context, events ...models.KeyEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
	return nil
}

// Events returns a copy of the recorded events.
func (r *RecordingEventSink) Events() []models.KeyEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.KeyEvent, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many events of the given type were recorded.
func (r *RecordingEventSink) Count(eventType constants.KeyEventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}
