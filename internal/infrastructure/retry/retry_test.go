package retry

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/qsign/internal/domain/service/mocks"
	"github.com/turtacn/qsign/pkg/errors"
	"github.com/turtacn/qsign/pkg/logger"
)

func fastPolicy() Policy {
	return Policy{MaxAttempts: 3, InitialInterval: 10 * time.Millisecond, Multiplier: 2, MaxInterval: time.Second}
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, time.Second, p.InitialInterval)
	assert.Equal(t, 2.0, p.Multiplier)
}

func TestRetrier_RetryableFailsTwiceThenSucceeds(t *testing.T) {
	var delays []time.Duration
	metrics := new(mocks.MockMetrics)
	metrics.On("RecordRemoteRetry", "signserver").Return().Twice()

	r := New(fastPolicy(), logger.NewNoopLogger(),
		WithMetrics(metrics),
		WithNotify(func(_ int, _ error, d time.Duration) { delays = append(delays, d) }),
	)

	calls := 0
	got, err := Do(context.Background(), r, "signserver", "importCertificateChain", func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.ErrRemoteSystem("signserver", "importCertificateChain", true, stderrors.New("503"))
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
	require.Len(t, delays, 2)
	assert.Equal(t, 10*time.Millisecond, delays[0])
	assert.Equal(t, 20*time.Millisecond, delays[1])
	metrics.AssertExpectations(t)
}

func TestRetrier_DefaultScheduleIsOneThenTwoSeconds(t *testing.T) {
	r := New(DefaultPolicy(), nil)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, r.Schedule())
}

func TestRetrier_NonRetryableIsNotRetried(t *testing.T) {
	r := New(fastPolicy(), nil)
	calls := 0
	want := errors.ErrRemoteSystem("ca", "sign", false, stderrors.New("bad request"))

	err := r.Run(context.Background(), "ca", "sign", func(context.Context) error {
		calls++
		return want
	})

	assert.Equal(t, 1, calls)
	assert.Same(t, want, err)
}

func TestRetrier_PlainErrorIsNotRetried(t *testing.T) {
	r := New(fastPolicy(), nil)
	calls := 0
	err := r.Run(context.Background(), "database", "insert", func(context.Context) error {
		calls++
		return stderrors.New("boom")
	})
	assert.Equal(t, 1, calls)
	assert.EqualError(t, err, "boom")
}

func TestRetrier_ExhaustsAttempts(t *testing.T) {
	r := New(fastPolicy(), nil)
	calls := 0
	err := r.Run(context.Background(), "database", "count", func(context.Context) error {
		calls++
		return errors.ErrPersistenceTransient("count", stderrors.New("connection reset"))
	})
	assert.Equal(t, 3, calls)
	assert.True(t, errors.IsKind(err, errors.KindPersistenceTransient))
}

func TestRetrier_StopsOnCancelledContext(t *testing.T) {
	r := New(Policy{MaxAttempts: 3, InitialInterval: time.Hour, Multiplier: 2}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := r.Run(ctx, "ca", "sign", func(context.Context) error {
		return errors.ErrRemoteSystem("ca", "sign", true, stderrors.New("503"))
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Minute)
}
