package ca

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/qsign/internal/domain/service/mocks"
	"github.com/turtacn/qsign/pkg/constants"
	"github.com/turtacn/qsign/pkg/errors"
	"github.com/turtacn/qsign/pkg/logger"
)

func TestCachedRevocation_ZeroTTLPassesThrough(t *testing.T) {
	next := new(mocks.MockCAClient)
	assert.Same(t, next, NewCachedRevocation(next, 0, nil, logger.NewNoopLogger()))
}

func TestCachedRevocation_CachesSuccessOnly(t *testing.T) {
	next := new(mocks.MockCAClient)
	cached := NewCachedRevocation(next, time.Minute, nil, logger.NewNoopLogger())
	ctx := context.Background()

	failure := errors.ErrRemoteSystem(constants.RemoteSystemCA, "get revocation status", true, assert.AnError)
	next.On("GetRevocationStatus", mock.Anything, "01", "CN=ca").Return(constants.RevocationStatus(""), failure).Once()
	next.On("GetRevocationStatus", mock.Anything, "01", "CN=ca").Return(constants.RevocationRevoked, nil).Once()

	_, err := cached.GetRevocationStatus(ctx, "01", "CN=ca")
	require.Error(t, err)

	for i := 0; i < 3; i++ {
		status, err := cached.GetRevocationStatus(ctx, "01", "CN=ca")
		require.NoError(t, err)
		assert.Equal(t, constants.RevocationRevoked, status)
	}
	next.AssertNumberOfCalls(t, "GetRevocationStatus", 2)
}

func TestCachedRevocation_SharedL2(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()

	first := new(mocks.MockCAClient)
	first.On("GetRevocationStatus", mock.Anything, "02", "CN=ca").Return(constants.RevocationNotRevoked, nil).Once()
	_, err := NewCachedRevocation(first, time.Minute, rdb, logger.NewNoopLogger()).GetRevocationStatus(ctx, "02", "CN=ca")
	require.NoError(t, err)
	assert.True(t, mr.Exists("qsign:revocation:CN=ca:02"))

	// a second replica answers from Redis without calling its CA
	second := new(mocks.MockCAClient)
	status, err := NewCachedRevocation(second, time.Minute, rdb, logger.NewNoopLogger()).GetRevocationStatus(ctx, "02", "CN=ca")
	require.NoError(t, err)
	assert.Equal(t, constants.RevocationNotRevoked, status)
	second.AssertNotCalled(t, "GetRevocationStatus", mock.Anything, mock.Anything, mock.Anything)
}
