package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/turtacn/qsign/internal/domain/models"
)

// MockKeyRepository is a mock implementation of repository.KeyRepository
type MockKeyRepository struct {
	mock.Mock
}

func (m *MockKeyRepository) CreateKey(ctx context.Context, key *models.Key) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

func (m *MockKeyRepository) GetKeyByID(ctx context.Context, keyID string) (*models.Key, error) {
	args := m.Called(ctx, keyID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Key), args.Error(1)
}

func (m *MockKeyRepository) GetKeyByAlias(ctx context.Context, alias string) (*models.Key, error) {
	args := m.Called(ctx, alias)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Key), args.Error(1)
}

func (m *MockKeyRepository) AcquireFreeKey(ctx context.Context, selector models.PoolSelector) (*models.Key, error) {
	args := m.Called(ctx, selector)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Key), args.Error(1)
}

func (m *MockKeyRepository) ReleaseKey(ctx context.Context, keyID string, markUsedUp bool) error {
	args := m.Called(ctx, keyID, markUsedUp)
	return args.Error(0)
}

func (m *MockKeyRepository) CountFree(ctx context.Context, selector models.PoolSelector) (int64, error) {
	args := m.Called(ctx, selector)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockKeyRepository) CountInUse(ctx context.Context, selector models.PoolSelector) (int64, error) {
	args := m.Called(ctx, selector)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockKeyRepository) CountProvisioning(ctx context.Context, selector models.PoolSelector) (int64, error) {
	args := m.Called(ctx, selector)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockKeyRepository) MarkAvailable(ctx context.Context, keyID string, chain models.CertificateChain) error {
	args := m.Called(ctx, keyID, chain)
	return args.Error(0)
}

func (m *MockKeyRepository) MarkFailed(ctx context.Context, keyID, reason string) error {
	args := m.Called(ctx, keyID, reason)
	return args.Error(0)
}

func (m *MockKeyRepository) FindStaleReservations(ctx context.Context, acquiredBefore time.Time, limit int) ([]*models.Key, error) {
	args := m.Called(ctx, acquiredBefore, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Key), args.Error(1)
}

func (m *MockKeyRepository) FindUsedUpOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*models.Key, error) {
	args := m.Called(ctx, cutoff, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Key), args.Error(1)
}

func (m *MockKeyRepository) FindStaleProvisioning(ctx context.Context, createdBefore time.Time, limit int) ([]*models.Key, error) {
	args := m.Called(ctx, createdBefore, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Key), args.Error(1)
}

func (m *MockKeyRepository) FindFailed(ctx context.Context, limit int) ([]*models.Key, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Key), args.Error(1)
}

func (m *MockKeyRepository) DeleteKey(ctx context.Context, keyID string) error {
	args := m.Called(ctx, keyID)
	return args.Error(0)
}

// PassthroughTransactor runs the callback directly without a storage transaction.
type PassthroughTransactor struct{}

func (PassthroughTransactor) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
