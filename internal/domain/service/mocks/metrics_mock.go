package mocks

import (
	"github.com/stretchr/testify/mock"

	"github.com/turtacn/qsign/pkg/constants"
)

// MockMetrics is a mock implementation of service.Metrics
type MockMetrics struct {
	mock.Mock
}

func (m *MockMetrics) RecordKeyGenerated(cryptoTokenID int, profile string, success bool) {
	m.Called(cryptoTokenID, profile, success)
}

func (m *MockMetrics) RecordKeyAcquisition(cryptoTokenID int, usage constants.KeyUsage, result string) {
	m.Called(cryptoTokenID, usage, result)
}

func (m *MockMetrics) SetPoolFreeKeys(cryptoTokenID int, profile string, free int64) {
	m.Called(cryptoTokenID, profile, free)
}

func (m *MockMetrics) RecordCleanupItem(job string, success bool) {
	m.Called(job, success)
}

func (m *MockMetrics) RecordRemoteRetry(system string) {
	m.Called(system)
}
