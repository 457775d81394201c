package service

import (
	"github.com/turtacn/qsign/pkg/constants"
)

// Metrics defines the interface for collecting key-pool metrics.
// This abstraction keeps the application layer independent of Prometheus.
// Metrics 定义了收集密钥池指标的接口。
type Metrics interface {
	// RecordKeyGenerated counts one finished provisioning pipeline.
	// RecordKeyGenerated 记录一次密钥生成流程的结果。
	RecordKeyGenerated(cryptoTokenID int, profile string, success bool)

	// RecordKeyAcquisition counts an acquisition attempt; result is "acquired", "exhausted" or "error".
	// RecordKeyAcquisition 记录一次密钥获取尝试。
	RecordKeyAcquisition(cryptoTokenID int, usage constants.KeyUsage, result string)

	// SetPoolFreeKeys updates the free-key gauge of a pool.
	// SetPoolFreeKeys 更新密钥池空闲密钥数量。
	SetPoolFreeKeys(cryptoTokenID int, profile string, free int64)

	// RecordCleanupItem counts one item handled by a cleanup job.
	// RecordCleanupItem 记录清理任务处理的单个条目。
	RecordCleanupItem(job string, success bool)

	// RecordRemoteRetry counts a retried remote or storage call.
	// RecordRemoteRetry 记录一次远程调用重试。
	RecordRemoteRetry(system string)
}

// Acquisition results reported through Metrics.RecordKeyAcquisition.
const (
	AcquisitionAcquired  = "acquired"
	AcquisitionExhausted = "exhausted"
	AcquisitionError     = "error"
)

// NoopMetrics discards every measurement.
type NoopMetrics struct{}

func (NoopMetrics) RecordKeyGenerated(int, string, bool)                 {}
func (NoopMetrics) RecordKeyAcquisition(int, constants.KeyUsage, string) {}
func (NoopMetrics) SetPoolFreeKeys(int, string, int64)                   {}
func (NoopMetrics) RecordCleanupItem(string, bool)                       {}
func (NoopMetrics) RecordRemoteRetry(string)                             {}
