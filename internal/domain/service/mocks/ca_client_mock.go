package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/turtacn/qsign/internal/domain/models"
	"github.com/turtacn/qsign/pkg/constants"
)

// MockCAClient is a mock implementation of service.CAClient
type MockCAClient struct {
	mock.Mock
}

func (m *MockCAClient) CreateEndEntity(ctx context.Context, entity models.EndEntity) error {
	args := m.Called(ctx, entity)
	return args.Error(0)
}

func (m *MockCAClient) SignCertificateRequest(ctx context.Context, entity models.EndEntity, csr []byte) ([][]byte, error) {
	args := m.Called(ctx, entity, csr)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([][]byte), args.Error(1)
}

func (m *MockCAClient) GetRevocationStatus(ctx context.Context, serialHex, issuerDN string) (constants.RevocationStatus, error) {
	args := m.Called(ctx, serialHex, issuerDN)
	return args.Get(0).(constants.RevocationStatus), args.Error(1)
}
