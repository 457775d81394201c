// Package repository defines the persistence contracts of the key-pool domain.
// Implementations live in internal/infrastructure/persistence/postgres.
package repository

import (
	"context"
	"time"

	"github.com/turtacn/qsign/internal/domain/models"
)

// KeyRepository is the only component allowed to mutate key rows.
type KeyRepository interface {
	// CreateKey inserts a key row, normally in the provisioning state.
	CreateKey(ctx context.Context, key *models.Key) error

	// GetKeyByID loads a key by its row id.
	// Returns:
	//   - error: NotFoundError when the key does not exist
	GetKeyByID(ctx context.Context, keyID string) (*models.Key, error)

	// GetKeyByAlias loads a key by its token alias.
	GetKeyByAlias(ctx context.Context, alias string) (*models.Key, error)

	// AcquireFreeKey reserves the oldest available key of the pool.
	// The row is locked for the duration of a short read-flip-write transaction and the
	// flip is a compare-and-swap, so at most one caller ever wins a given row.
	// Parameters:
	//   - ctx: request context; joins the transaction carried by the context, if any
	//   - selector: token id, algorithm and usage (specification optional)
	// Returns:
	//   - *models.Key: the reserved key with InUse=true and AcquiredAt stamped
	//   - error: ResourceExhaustedError (NoFreeKey) when the pool is empty
	AcquireFreeKey(ctx context.Context, selector models.PoolSelector) (*models.Key, error)

	// ReleaseKey clears the reservation. With markUsedUp the key is retired instead of
	// returned to the pool.
	ReleaseKey(ctx context.Context, keyID string, markUsedUp bool) error

	// CountFree counts available keys not in use.
	CountFree(ctx context.Context, selector models.PoolSelector) (int64, error)

	// CountInUse counts reserved keys.
	CountInUse(ctx context.Context, selector models.PoolSelector) (int64, error)

	// CountProvisioning counts keys whose provisioning pipeline is still running.
	CountProvisioning(ctx context.Context, selector models.PoolSelector) (int64, error)

	// MarkAvailable stores the certificate chain and publishes a provisioning key to acquisition.
	MarkAvailable(ctx context.Context, keyID string, chain models.CertificateChain) error

	// MarkFailed moves a provisioning key to the failed state.
	MarkFailed(ctx context.Context, keyID, reason string) error

	// FindStaleReservations returns in-use keys acquired before the cutoff, oldest first.
	FindStaleReservations(ctx context.Context, acquiredBefore time.Time, limit int) ([]*models.Key, error)

	// FindUsedUpOlderThan returns used-up keys retired before the cutoff, oldest first.
	FindUsedUpOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*models.Key, error)

	// FindStaleProvisioning returns provisioning keys created before the cutoff.
	FindStaleProvisioning(ctx context.Context, createdBefore time.Time, limit int) ([]*models.Key, error)

	// FindFailed returns failed keys, oldest first.
	FindFailed(ctx context.Context, limit int) ([]*models.Key, error)

	// DeleteKey removes a key row. Keys still in use are refused with a ConflictError.
	DeleteKey(ctx context.Context, keyID string) error
}
