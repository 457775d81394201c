package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/qsign/pkg/constants"
	"github.com/turtacn/qsign/pkg/errors"
)

func TestOneTimeKeyService_AcquireAndConsume(t *testing.T) {
	f := newFixture(t)
	seeded := f.seedKey(t, oneTimePool, constants.KeyStateAvailable, time.Now())
	svc := f.newOneTimeKeyService()

	key, err := svc.Acquire(context.Background(), testTokenID, "RSA")
	require.NoError(t, err)
	assert.Equal(t, seeded.ID, key.ID)

	_, err = svc.Acquire(context.Background(), testTokenID, "RSA")
	assert.True(t, errors.IsNoFreeKey(err))

	require.NoError(t, svc.Consume(context.Background(), key.ID))
	stored, err := f.keys.GetKeyByID(context.Background(), key.ID)
	require.NoError(t, err)
	assert.True(t, stored.UsedUp)
	assert.False(t, stored.InUse)
	assert.Equal(t, constants.KeyStateUsedUp, stored.State)
	assert.NotNil(t, stored.UsedUpAt)
	assert.Equal(t, 1, f.events.Count(constants.KeyEventConsumed))

	// a consumed key is never handed out again
	_, err = svc.Acquire(context.Background(), testTokenID, "RSA")
	assert.True(t, errors.IsNoFreeKey(err))
}

func TestOneTimeKeyService_AcquireSpansSpecifications(t *testing.T) {
	f := newFixture(t)
	f.withSecondSpecifications(t)
	seeded := f.seedKey(t, oneTime3072Pool, constants.KeyStateAvailable, time.Now())

	key, err := f.newOneTimeKeyService().Acquire(context.Background(), testTokenID, "RSA")
	require.NoError(t, err)
	assert.Equal(t, seeded.ID, key.ID)
	assert.Equal(t, "3072", key.KeySpecification)
}

func TestOneTimeKeyService_ConsumeRefusesSessionKeys(t *testing.T) {
	f := newFixture(t)
	key := f.seedKey(t, sessionPool, constants.KeyStateInUse, time.Now())

	err := f.newOneTimeKeyService().Consume(context.Background(), key.ID)
	assert.True(t, errors.IsKind(err, errors.KindInputData))

	stored, err := f.keys.GetKeyByID(context.Background(), key.ID)
	require.NoError(t, err)
	assert.True(t, stored.InUse)
}

func TestOneTimeKeyService_ConsumeUnknownKey(t *testing.T) {
	f := newFixture(t)
	err := f.newOneTimeKeyService().Consume(context.Background(), "missing")
	assert.True(t, errors.IsNotFoundError(err))
}
