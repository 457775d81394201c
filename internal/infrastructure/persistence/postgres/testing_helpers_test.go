package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/turtacn/qsign/internal/domain/models"
	"github.com/turtacn/qsign/pkg/constants"
	"github.com/turtacn/qsign/pkg/logger"
)

var testPool = models.PoolSelector{CryptoTokenID: 1, KeyAlgorithm: "ECDSA", Usage: constants.KeyUsageSession}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), NewGormConfig(logger.NewNoopLogger()))
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, Migrate(context.Background(), db))
	return db
}

// seedKey inserts a key in the given state. Later calls get later creation times.
func seedKey(t *testing.T, db *gorm.DB, usage constants.KeyUsage, state constants.KeyState, createdAt time.Time) *models.Key {
	t.Helper()
	k := &models.Key{
		ID:               uuid.NewString(),
		CryptoTokenID:    1,
		KeyAlias:         "k-" + uuid.NewString(),
		KeyAlgorithm:     "ECDSA",
		KeySpecification: "secp256r1",
		Usage:            usage,
		State:            state,
		CreatedAt:        createdAt.UTC(),
	}
	if state != constants.KeyStateProvisioning && state != constants.KeyStateFailed {
		k.CertificateChain = models.CertificateChain{[]byte("leaf"), []byte("root")}
	}
	if state == constants.KeyStateInUse {
		k.InUse = true
		at := createdAt.UTC()
		k.AcquiredAt = &at
	}
	if state == constants.KeyStateUsedUp {
		k.UsedUp = true
		at := createdAt.UTC()
		k.UsedUpAt = &at
	}
	require.NoError(t, db.Create(k).Error)
	return k
}
