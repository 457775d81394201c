package monitoring

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/turtacn/qsign/internal/config"
	"github.com/turtacn/qsign/pkg/constants"
	"github.com/turtacn/qsign/pkg/logger"
)

func TestZapLogger_ContextFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := NewZapLoggerFrom(zap.New(core)).WithComponent("Replenisher")

	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()
	ctx = context.WithValue(ctx, constants.ContextKeyJob, constants.JobReplenish)

	log.Info(ctx, "cycle done", logger.Int("generated", 3))
	log.Error(ctx, "pipeline failed", assert.AnError, logger.String("key_alias", "pool-a1"))

	require.Equal(t, 2, logs.Len())
	first := logs.All()[0].ContextMap()
	assert.Equal(t, "Replenisher", first["component"])
	assert.Equal(t, span.SpanContext().TraceID().String(), first["trace_id"])
	assert.Equal(t, "replenish", first["job"])
	assert.EqualValues(t, 3, first["generated"])

	second := logs.All()[1]
	assert.Equal(t, zapcore.ErrorLevel, second.Level)
	assert.Equal(t, assert.AnError.Error(), second.ContextMap()["error"])
}

func TestNewZapLogger(t *testing.T) {
	log, err := NewZapLogger(config.LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	log.WithFields(logger.String("k", "v")).Debug(context.Background(), "hello")

	_, err = NewZapLogger(config.LogConfig{Level: "nonsense"})
	require.NoError(t, err)
}

func TestTracingManager_Disabled(t *testing.T) {
	tm, err := NewTracingManager(context.Background(), config.TracingConfig{}, logger.NewNoopLogger())
	require.NoError(t, err)
	assert.NoError(t, tm.Shutdown(context.Background()))
}
