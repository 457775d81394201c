package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/turtacn/qsign/internal/domain/models"
)

// MockSigningServerClient is a mock implementation of service.SigningServerClient
type MockSigningServerClient struct {
	mock.Mock
}

func (m *MockSigningServerClient) GenerateKey(ctx context.Context, cryptoTokenID int, alias, algorithm, specification string) error {
	args := m.Called(ctx, cryptoTokenID, alias, algorithm, specification)
	return args.Error(0)
}

func (m *MockSigningServerClient) GenerateCSR(ctx context.Context, cryptoTokenID int, alias, signatureAlgorithm, subjectDN string) ([]byte, error) {
	args := m.Called(ctx, cryptoTokenID, alias, signatureAlgorithm, subjectDN)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockSigningServerClient) ImportCertificateChain(ctx context.Context, cryptoTokenID int, alias string, chain [][]byte) error {
	args := m.Called(ctx, cryptoTokenID, alias, chain)
	return args.Error(0)
}

func (m *MockSigningServerClient) RemoveKey(ctx context.Context, cryptoTokenID int, alias string) (bool, error) {
	args := m.Called(ctx, cryptoTokenID, alias)
	return args.Bool(0), args.Error(1)
}

func (m *MockSigningServerClient) QueryTokenEntries(ctx context.Context, cryptoTokenID int, includeData bool, startIndex, count int) ([]models.TokenEntry, error) {
	args := m.Called(ctx, cryptoTokenID, includeData, startIndex, count)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.TokenEntry), args.Error(1)
}

func (m *MockSigningServerClient) Process(ctx context.Context, req models.ProcessRequest) (*models.ProcessResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ProcessResponse), args.Error(1)
}
