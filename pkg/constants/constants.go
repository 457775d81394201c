// Package constants defines system-wide constants for the qsign key-pool service.
// This package provides type-safe constant definitions used across all modules.
package constants

import "time"

// ================================================================================
// Error Code Constants
// ================================================================================

// ErrorCode represents a machine-readable error code returned to callers
type ErrorCode string

const (
	// ErrCodeConfiguration indicates the service configuration is invalid
	ErrCodeConfiguration ErrorCode = "configuration_error"

	// ErrCodeInvalidInput indicates caller-supplied data is invalid
	ErrCodeInvalidInput ErrorCode = "invalid_input"

	// ErrCodeRemoteSystem indicates a CA or signing-server call failed
	ErrCodeRemoteSystem ErrorCode = "remote_system_error"

	// ErrCodeNoFreeKey indicates a key pool is exhausted; the caller should try later
	ErrCodeNoFreeKey ErrorCode = "no_free_key"

	// ErrCodePersistenceTransient indicates a retryable storage failure
	ErrCodePersistenceTransient ErrorCode = "persistence_transient"

	// ErrCodePersistenceFatal indicates a non-retryable storage failure
	ErrCodePersistenceFatal ErrorCode = "persistence_fatal"

	// ErrCodeDateParse indicates certificate validity dates could not be read
	ErrCodeDateParse ErrorCode = "date_parse_error"

	// ErrCodeNotFound indicates the requested resource does not exist
	ErrCodeNotFound ErrorCode = "not_found"

	// ErrCodeConflict indicates the resource is in a state that forbids the operation
	ErrCodeConflict ErrorCode = "conflict"

	// ErrCodeUnauthorized indicates the caller is not authenticated
	ErrCodeUnauthorized ErrorCode = "unauthorized"
)

// ================================================================================
// Key Usage Constants
// ================================================================================

// KeyUsage designates which pool family a key belongs to
type KeyUsage string

const (
	// KeyUsageSession keys are reserved for a signing session and returned afterwards
	KeyUsageSession KeyUsage = "SESSION_SIGNATURE"

	// KeyUsageOneTime keys sign exactly once and are never reused
	KeyUsageOneTime KeyUsage = "ONE_TIME_SIGNATURE"
)

// ================================================================================
// Key State Constants
// ================================================================================

// KeyState represents where a key row is in its lifecycle
type KeyState string

const (
	// KeyStateProvisioning marks a key whose certificate chain is not imported yet
	KeyStateProvisioning KeyState = "provisioning"

	// KeyStateAvailable marks a certified key that can be acquired
	KeyStateAvailable KeyState = "available"

	// KeyStateInUse marks a key reserved by a caller
	KeyStateInUse KeyState = "in_use"

	// KeyStateUsedUp marks a consumed one-time key awaiting deletion
	KeyStateUsedUp KeyState = "used_up"

	// KeyStateFailed marks a key whose provisioning pipeline failed
	KeyStateFailed KeyState = "failed"
)

// ================================================================================
// Certificate Validity Constants
// ================================================================================

// CertificateValidity is the outcome of a certificate validity decision
type CertificateValidity string

const (
	CertificateValid       CertificateValidity = "VALID"
	CertificateNotYetValid CertificateValidity = "NOT_YET_VALID"
	CertificateExpired     CertificateValidity = "EXPIRED"
	CertificateRevoked     CertificateValidity = "REVOKED"
	CertificateSuspended   CertificateValidity = "SUSPENDED"
)

// RevocationStatus is the revocation state reported by the CA
type RevocationStatus string

const (
	RevocationNotRevoked RevocationStatus = "NOT_REVOKED"
	RevocationRevoked    RevocationStatus = "REVOKED"
	RevocationSuspended  RevocationStatus = "SUSPENDED"
)

// ================================================================================
// Key Event Constants
// ================================================================================

// KeyEventType identifies a key lifecycle transition
type KeyEventType string

const (
	KeyEventProvisioned        KeyEventType = "PROVISIONED"
	KeyEventProvisioningFailed KeyEventType = "PROVISIONING_FAILED"
	KeyEventAcquired           KeyEventType = "ACQUIRED"
	KeyEventReleased           KeyEventType = "RELEASED"
	KeyEventConsumed           KeyEventType = "CONSUMED"
	KeyEventDeleted            KeyEventType = "DELETED"
	KeyEventReclaimed          KeyEventType = "RECLAIMED"
)

// ================================================================================
// Scheduled Job Names
// ================================================================================

const (
	JobReplenish         = "replenish"
	JobOneTimeKeyCleanup = "one-time-keys"
	JobSessionCleanup    = "sessions"
	JobStaleReservations = "stale-reservations"
	JobFailedKeySweep    = "failed-keys"
)

// ================================================================================
// Remote System Names
// ================================================================================

const (
	RemoteSystemCA         = "ca"
	RemoteSystemSignServer = "signserver"
	RemoteSystemDatabase   = "database"
)

// ================================================================================
// Key Pool Defaults
// ================================================================================

const (
	// DefaultMaxKeyGeneration caps concurrent generation pipelines across all pools
	DefaultMaxKeyGeneration = 10

	// DefaultMaxKeyDeletion caps concurrent key deletions across all pools
	DefaultMaxKeyDeletion = 10

	// DefaultReplenishInterval is the fixed delay between replenish cycles
	DefaultReplenishInterval = 60 * time.Second

	// DefaultSigningSessionTTL is the lifetime of a signing session
	DefaultSigningSessionTTL = 15 * time.Minute

	// DefaultUsedUpKeyKeepTime is how long consumed one-time keys are kept
	DefaultUsedUpKeyKeepTime = 24 * time.Hour

	// DefaultProvisioningTimeout marks in-flight provisioning rows as failed once exceeded
	DefaultProvisioningTimeout = 10 * time.Minute

	// DefaultStaleReservationTimeout reclaims reservations older than this
	DefaultStaleReservationTimeout = time.Hour

	// DefaultCleanupBatchSize bounds how many rows one cleanup run handles
	DefaultCleanupBatchSize = 500
)

// ================================================================================
// Retry Defaults
// ================================================================================

const (
	// DefaultRetryMaxAttempts is the total number of attempts, including the first
	DefaultRetryMaxAttempts = 3

	// DefaultRetryInitialInterval is the delay before the second attempt
	DefaultRetryInitialInterval = time.Second

	// DefaultRetryMultiplier grows the delay between attempts
	DefaultRetryMultiplier = 2.0
)

// ================================================================================
// Service Configuration Constants
// ================================================================================

const (
	// DefaultServicePort is the default HTTP service port
	DefaultServicePort = 8080

	// DefaultShutdownTimeout is the graceful shutdown timeout (30 seconds)
	DefaultShutdownTimeout = 30 * time.Second

	// ServiceName is reported to tracing and logs
	ServiceName = "qsign"
)

// ================================================================================
// Logging Constants
// ================================================================================

// LogLevel represents the severity level of log messages
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
	LogLevelFatal LogLevel = "fatal"
)

// ================================================================================
// Context Keys
// ================================================================================

// ContextKey is the type for values stored in a context.Context
type ContextKey string

const (
	// ContextKeyRequestID carries the request id through the call chain
	ContextKeyRequestID ContextKey = "request_id"

	// ContextKeyJob carries the scheduled job name
	ContextKeyJob ContextKey = "job"

	// ContextKeyAdminSubject carries the authenticated admin subject
	ContextKeyAdminSubject ContextKey = "admin_subject"
)
