package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/qsign/internal/config"
	"github.com/turtacn/qsign/internal/domain/models"
	"github.com/turtacn/qsign/internal/domain/service/mocks"
	"github.com/turtacn/qsign/internal/infrastructure/persistence/postgres"
	"github.com/turtacn/qsign/pkg/constants"
	"github.com/turtacn/qsign/pkg/logger"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func testEvent(eventType constants.KeyEventType) models.KeyEvent {
	key := &models.Key{ID: uuid.NewString(), KeyAlias: "pool-a1", CryptoTokenID: 1, Usage: constants.KeyUsageSession}
	return models.NewKeyEvent(eventType, key, "", time.Now().UTC())
}

func TestKafkaSink_Publish(t *testing.T) {
	w := &fakeWriter{}
	sink := newKafkaSink(w, "s3cret", logger.NewNoopLogger())
	acquired := testEvent(constants.KeyEventAcquired)

	require.NoError(t, sink.Publish(context.Background(), acquired, testEvent(constants.KeyEventReleased)))
	require.Len(t, w.msgs, 2)

	msg := w.msgs[0]
	assert.Equal(t, acquired.KeyID, string(msg.Key))
	var decoded models.KeyEvent
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, constants.KeyEventAcquired, decoded.Type)
	assert.Equal(t, "pool-a1", decoded.KeyAlias)

	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, "ACQUIRED", headers["event_type"])
	assert.Equal(t, Sign(msg.Value, []byte("s3cret")), headers[SignatureHeader])
}

func TestKafkaSink_NoSignatureWithoutKey(t *testing.T) {
	w := &fakeWriter{}
	sink := newKafkaSink(w, "", logger.NewNoopLogger())
	require.NoError(t, sink.Publish(context.Background(), testEvent(constants.KeyEventDeleted)))
	for _, h := range w.msgs[0].Headers {
		assert.NotEqual(t, SignatureHeader, h.Key)
	}
	require.NoError(t, sink.Publish(context.Background()))
	assert.Len(t, w.msgs, 1)
}

func TestKafkaSink_WriteFailure(t *testing.T) {
	sink := newKafkaSink(&fakeWriter{err: assert.AnError}, "", logger.NewNoopLogger())
	assert.ErrorIs(t, sink.Publish(context.Background(), testEvent(constants.KeyEventConsumed)), assert.AnError)
}

func TestNewKafkaSink_UsesConfig(t *testing.T) {
	sink := NewKafkaSink(config.KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "qsign.key-events"}, logger.NewNoopLogger())
	writer, ok := sink.writer.(*kafka.Writer)
	require.True(t, ok)
	assert.Equal(t, "qsign.key-events", writer.Topic)
	require.NoError(t, sink.Close())
}

func TestStoreSink_Publish(t *testing.T) {
	ctx := context.Background()
	conn, err := postgres.NewDBConnection(ctx, &config.DatabaseConfig{
		Driver:      "sqlite",
		SQLitePath:  fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()),
		AutoMigrate: true,
	}, logger.NewNoopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	repo := postgres.NewKeyEventRepository(conn.DB())
	sink := NewStoreSink(repo)
	event := testEvent(constants.KeyEventProvisioned)
	require.NoError(t, sink.Publish(ctx, event))

	stored, err := repo.ListByKey(ctx, event.KeyID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, constants.KeyEventProvisioned, stored[0].Type)
	assert.NotEmpty(t, stored[0].ID)
}

func TestMultiSink_ContinuesPastFailure(t *testing.T) {
	failing := new(mocks.MockKeyEventSink)
	failing.On("Publish", mock.Anything, mock.Anything).Return(assert.AnError)
	recording := &mocks.RecordingEventSink{}

	err := MultiSink{failing, recording}.Publish(context.Background(), testEvent(constants.KeyEventReclaimed))
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 1, recording.Count(constants.KeyEventReclaimed))
}
