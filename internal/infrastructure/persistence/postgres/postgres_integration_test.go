//go:build integration

package postgres

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/turtacn/qsign/internal/domain/models"
	"github.com/turtacn/qsign/pkg/constants"
	"github.com/turtacn/qsign/pkg/errors"
	"github.com/turtacn/qsign/pkg/logger"
)

func startPostgres(t *testing.T) *gorm.DB {
	t.Helper()
	if os.Getenv("SKIP_DOCKER_TESTS") == "true" {
		t.Skip("Skipping Docker-dependent tests")
	}

	ctx := context.Background()
	pgContainer, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("qsign"),
		tcpostgres.WithUsername("qsign"),
		tcpostgres.WithPassword("qsign"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(5*time.Minute),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgContainer.Terminate(ctx) })

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := gorm.Open(gormpostgres.Open(connStr), NewGormConfig(logger.NewNoopLogger()))
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(16)

	require.NoError(t, Migrate(ctx, db))
	return db
}

func TestPostgres_ConcurrentAcquireWithSkipLocked(t *testing.T) {
	db := startPostgres(t)
	repo := NewKeyRepository(db, logger.NewNoopLogger())
	base := time.Now().Add(-time.Hour)

	const freeKeys = 10
	const callers = 40
	for i := 0; i < freeKeys; i++ {
		seedKey(t, db, constants.KeyUsageSession, constants.KeyStateAvailable, base.Add(time.Duration(i)*time.Second))
	}

	var (
		mu        sync.Mutex
		wg        sync.WaitGroup
		winners   = map[string]int{}
		exhausted int
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			k, err := repo.AcquireFreeKey(context.Background(), testPool)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				winners[k.ID]++
				return
			}
			assert.True(t, errors.IsNoFreeKey(err), "unexpected error: %v", err)
			exhausted++
		}()
	}
	close(start)
	wg.Wait()

	assert.Len(t, winners, freeKeys)
	for _, n := range winners {
		assert.Equal(t, 1, n)
	}
	assert.Equal(t, callers-freeKeys, exhausted)
}

func TestPostgres_UniqueAliasIsConflict(t *testing.T) {
	db := startPostgres(t)
	repo := NewKeyRepository(db, logger.NewNoopLogger())
	ctx := context.Background()

	k := &models.Key{
		ID: uuid.NewString(), CryptoTokenID: 1, KeyAlias: "dup", KeyAlgorithm: "RSA",
		KeySpecification: "2048", Usage: constants.KeyUsageOneTime,
	}
	require.NoError(t, repo.CreateKey(ctx, k))
	k2 := *k
	k2.ID = uuid.NewString()
	err := repo.CreateKey(ctx, &k2)
	assert.True(t, errors.IsKind(err, errors.KindConflict))
}
