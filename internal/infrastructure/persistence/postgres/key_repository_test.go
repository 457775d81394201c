package postgres

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/turtacn/qsign/internal/domain/models"
	"github.com/turtacn/qsign/pkg/constants"
	"github.com/turtacn/qsign/pkg/errors"
	"github.com/turtacn/qsign/pkg/logger"
)

func TestKeyRepository_AcquireOldestFirst(t *testing.T) {
	db := newTestDB(t)
	repo := NewKeyRepository(db, logger.NewNoopLogger())
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	second := seedKey(t, db, constants.KeyUsageSession, constants.KeyStateAvailable, base.Add(time.Minute))
	first := seedKey(t, db, constants.KeyUsageSession, constants.KeyStateAvailable, base)

	got, err := repo.AcquireFreeKey(ctx, testPool)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
	assert.True(t, got.InUse)
	assert.Equal(t, constants.KeyStateInUse, got.State)
	assert.NotNil(t, got.AcquiredAt)

	got, err = repo.AcquireFreeKey(ctx, testPool)
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)

	_, err = repo.AcquireFreeKey(ctx, testPool)
	require.Error(t, err)
	assert.True(t, errors.IsNoFreeKey(err))
}

func TestKeyRepository_AcquireSkipsUnpublishedAndOtherPools(t *testing.T) {
	db := newTestDB(t)
	repo := NewKeyRepository(db, logger.NewNoopLogger())
	now := time.Now()

	seedKey(t, db, constants.KeyUsageSession, constants.KeyStateProvisioning, now)
	seedKey(t, db, constants.KeyUsageSession, constants.KeyStateFailed, now)
	seedKey(t, db, constants.KeyUsageSession, constants.KeyStateUsedUp, now)
	seedKey(t, db, constants.KeyUsageSession, constants.KeyStateInUse, now)
	seedKey(t, db, constants.KeyUsageOneTime, constants.KeyStateAvailable, now)

	_, err := repo.AcquireFreeKey(context.Background(), testPool)
	assert.True(t, errors.IsNoFreeKey(err))

	oneTime := testPool
	oneTime.Usage = constants.KeyUsageOneTime
	k, err := repo.AcquireFreeKey(context.Background(), oneTime)
	require.NoError(t, err)
	assert.Equal(t, constants.KeyUsageOneTime, k.Usage)
}

func TestKeyRepository_ConcurrentAcquireIsMutuallyExclusive(t *testing.T) {
	db := newTestDB(t)
	repo := NewKeyRepository(db, logger.NewNoopLogger())
	base := time.Now().Add(-time.Hour)

	const freeKeys = 5
	const callers = 20
	for i := 0; i < freeKeys; i++ {
		seedKey(t, db, constants.KeyUsageSession, constants.KeyStateAvailable, base.Add(time.Duration(i)*time.Second))
	}

	var (
		mu        sync.Mutex
		wg        sync.WaitGroup
		winners   = map[string]int{}
		exhausted int
		failures  []error
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
			switch {
			case err == nil:
				winners[k.ID]++
			case errors.IsNoFreeKey(err):
				exhausted++
			default:
				failures = append(failures, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Empty(t, failures)
	assert.Len(t, winners, freeKeys)
	for id, n := range winners {
		assert.Equal(t, 1, n, "key %s handed out more than once", id)
	}
	assert.Equal(t, callers-freeKeys, exhausted)

	inUse, err := repo.CountInUse(context.Background(), testPool)
	require.NoError(t, err)
	assert.EqualValues(t, freeKeys, inUse)
}

// takeOldestBeforeUpdate makes another worker win the next n acquisition races: right before
// AcquireFreeKey's compare-and-swap, the oldest free key is flipped to in use on the same
// transaction, so the update matches no row.
func takeOldestBeforeUpdate(t *testing.T, db *gorm.DB, n int) {
	t.Helper()
	remaining := n
	err := db.Callback().Update().Before("gorm:update").Register("test:take_oldest", func(tx *gorm.DB) {
		if remaining == 0 || tx.Statement.Table != "keys" {
			return
		}
		remaining--
		_, err := tx.Statement.ConnPool.ExecContext(tx.Statement.Context,
			`UPDATE keys SET in_use = ?, state = ? WHERE id = (
				SELECT id FROM keys WHERE in_use = ? AND state = ? ORDER BY created_at ASC, id ASC LIMIT 1)`,
			true, string(constants.KeyStateInUse), false, string(constants.KeyStateAvailable))
		if err != nil {
			_ = tx.AddError(err)
		}
	})
	require.NoError(t, err)
}

func TestKeyRepository_AcquireMovesOnAfterLosingRace(t *testing.T) {
	db := newTestDB(t)
	repo := NewKeyRepository(db, logger.NewNoopLogger())
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	first := seedKey(t, db, constants.KeyUsageSession, constants.KeyStateAvailable, base)
	second := seedKey(t, db, constants.KeyUsageSession, constants.KeyStateAvailable, base.Add(time.Minute))
	takeOldestBeforeUpdate(t, db, 1)

	got, err := repo.AcquireFreeKey(ctx, testPool)
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)
	assert.True(t, got.InUse)

	taken, err := repo.GetKeyByID(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.KeyStateInUse, taken.State)

	free, err := repo.CountFree(ctx, testPool)
	require.NoError(t, err)
	assert.Zero(t, free)
}

func TestKeyRepository_AcquireGivesUpAfterRepeatedLostRaces(t *testing.T) {
	db := newTestDB(t)
	repo := NewKeyRepository(db, logger.NewNoopLogger())
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i := 0; i <= acquireAttempts; i++ {
		seedKey(t, db, constants.KeyUsageSession, constants.KeyStateAvailable, base.Add(time.Duration(i)*time.Second))
	}
	takeOldestBeforeUpdate(t, db, acquireAttempts)

	_, err := repo.AcquireFreeKey(ctx, testPool)
	require.Error(t, err)
	assert.True(t, errors.IsNoFreeKey(err))

	free, err := repo.CountFree(ctx, testPool)
	require.NoError(t, err)
	assert.EqualValues(t, 1, free)
}

func TestKeyRepository_ReleaseSessionKeyReturnsToPool(t *testing.T) {
	db := newTestDB(t)
	repo := NewKeyRepository(db, logger.NewNoopLogger())
	ctx := context.Background()
	seedKey(t, db, constants.KeyUsageSession, constants.KeyStateAvailable, time.Now())

	k, err := repo.AcquireFreeKey(ctx, testPool)
	require.NoError(t, err)
	require.NoError(t, repo.ReleaseKey(ctx, k.ID, false))

	stored, err := repo.GetKeyByID(ctx, k.ID)
	require.NoError(t, err)
	assert.False(t, stored.InUse)
	assert.Nil(t, stored.AcquiredAt)
	assert.Equal(t, constants.KeyStateAvailable, stored.State)

	again, err := repo.AcquireFreeKey(ctx, testPool)
	require.NoError(t, err)
	assert.Equal(t, k.ID, again.ID)
}

func TestKeyRepository_ConsumeRetiresKey(t *testing.T) {
	db := newTestDB(t)
	repo := NewKeyRepository(db, logger.NewNoopLogger())
	ctx := context.Background()
	seedKey(t, db, constants.KeyUsageSession, constants.KeyStateAvailable, time.Now())

	k, err := repo.AcquireFreeKey(ctx, testPool)
	require.NoError(t, err)
	require.NoError(t, repo.ReleaseKey(ctx, k.ID, true))
	// idempotent
	require.NoError(t, repo.ReleaseKey(ctx, k.ID, true))

	stored, err := repo.GetKeyByID(ctx, k.ID)
	require.NoError(t, err)
	assert.True(t, stored.UsedUp)
	assert.NotNil(t, stored.UsedUpAt)
	assert.Equal(t, constants.KeyStateUsedUp, stored.State)

	_, err = repo.AcquireFreeKey(ctx, testPool)
	assert.True(t, errors.IsNoFreeKey(err))

	err = repo.ReleaseKey(ctx, k.ID, false)
	assert.True(t, errors.IsKind(err, errors.KindConflict))
}

func TestKeyRepository_ReleaseUnknownKey(t *testing.T) {
	repo := NewKeyRepository(newTestDB(t), logger.NewNoopLogger())
	err := repo.ReleaseKey(context.Background(), "missing", false)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestKeyRepository_Counts(t *testing.T) {
	db := newTestDB(t)
	repo := NewKeyRepository(db, logger.NewNoopLogger())
	ctx := context.Background()
	now := time.Now()

	seedKey(t, db, constants.KeyUsageSession, constants.KeyStateAvailable, now)
	seedKey(t, db, constants.KeyUsageSession, constants.KeyStateAvailable, now)
	seedKey(t, db, constants.KeyUsageSession, constants.KeyStateInUse, now)
	seedKey(t, db, constants.KeyUsageSession, constants.KeyStateProvisioning, now)
	seedKey(t, db, constants.KeyUsageSession, constants.KeyStateUsedUp, now)

	free, err := repo.CountFree(ctx, testPool)
	require.NoError(t, err)
	inUse, err := repo.CountInUse(ctx, testPool)
	require.NoError(t, err)
	prov, err := repo.CountProvisioning(ctx, testPool)
	require.NoError(t, err)

	assert.EqualValues(t, 2, free)
	assert.EqualValues(t, 1, inUse)
	assert.EqualValues(t, 1, prov)

	spec := testPool
	spec.KeySpecification = "secp384r1"
	free, err = repo.CountFree(ctx, spec)
	require.NoError(t, err)
	assert.EqualValues(t, 0, free)
}

func TestKeyRepository_ProvisioningTransitions(t *testing.T) {
	db := newTestDB(t)
	repo := NewKeyRepository(db, logger.NewNoopLogger())
	ctx := context.Background()

	k := &models.Key{
		ID: "k1", CryptoTokenID: 1, KeyAlias: "alias-1", KeyAlgorithm: "ECDSA",
		KeySpecification: "secp256r1", Usage: constants.KeyUsageSession,
	}
	require.NoError(t, repo.CreateKey(ctx, k))
	assert.Equal(t, constants.KeyStateProvisioning, k.State)

	dup := *k
	dup.ID = "k2"
	err := repo.CreateKey(ctx, &dup)
	assert.True(t, errors.IsKind(err, errors.KindConflict))

	_, err = repo.AcquireFreeKey(ctx, testPool)
	assert.True(t, errors.IsNoFreeKey(err), "provisioning rows must stay invisible")

	err = repo.MarkAvailable(ctx, "k1", nil)
	assert.True(t, errors.IsKind(err, errors.KindInputData))

	chain := models.CertificateChain{[]byte("leaf"), []byte("ca")}
	require.NoError(t, repo.MarkAvailable(ctx, "k1", chain))

	stored, err := repo.GetKeyByAlias(ctx, "alias-1")
	require.NoError(t, err)
	assert.Equal(t, constants.KeyStateAvailable, stored.State)
	assert.Equal(t, chain, stored.CertificateChain)
	assert.True(t, stored.IsAvailable())

	err = repo.MarkFailed(ctx, "k1", "late failure")
	assert.True(t, errors.IsKind(err, errors.KindConflict))
}

func TestKeyRepository_MarkFailedAndFind(t *testing.T) {
	db := newTestDB(t)
	repo := NewKeyRepository(db, logger.NewNoopLogger())
	ctx := context.Background()
	old := seedKey(t, db, constants.KeyUsageSession, constants.KeyStateProvisioning, time.Now().Add(-time.Hour))
	seedKey(t, db, constants.KeyUsageSession, constants.KeyStateProvisioning, time.Now())

	stale, err := repo.FindStaleProvisioning(ctx, time.Now().Add(-30*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, old.ID, stale[0].ID)

	require.NoError(t, repo.MarkFailed(ctx, old.ID, "csr failed"))
	failed, err := repo.FindFailed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "csr failed", failed[0].FailureReason)
}

func TestKeyRepository_StaleAndUsedUpQueries(t *testing.T) {
	db := newTestDB(t)
	repo := NewKeyRepository(db, logger.NewNoopLogger())
	ctx := context.Background()
	now := time.Now()

	staleKey := seedKey(t, db, constants.KeyUsageSession, constants.KeyStateInUse, now.Add(-2*time.Hour))
	seedKey(t, db, constants.KeyUsageSession, constants.KeyStateInUse, now)
	oldUsed := seedKey(t, db, constants.KeyUsageOneTime, constants.KeyStateUsedUp, now.Add(-48*time.Hour))
	seedKey(t, db, constants.KeyUsageOneTime, constants.KeyStateUsedUp, now)

	stale, err := repo.FindStaleReservations(ctx, now.Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, staleKey.ID, stale[0].ID)

	used, err := repo.FindUsedUpOlderThan(ctx, now.Add(-24*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, used, 1)
	assert.Equal(t, oldUsed.ID, used[0].ID)
}

func TestKeyRepository_DeleteRefusesKeysInUse(t *testing.T) {
	db := newTestDB(t)
	repo := NewKeyRepository(db, logger.NewNoopLogger())
	ctx := context.Background()

	busy := seedKey(t, db, constants.KeyUsageSession, constants.KeyStateInUse, time.Now())
	spent := seedKey(t, db, constants.KeyUsageOneTime, constants.KeyStateUsedUp, time.Now())

	err := repo.DeleteKey(ctx, busy.ID)
	assert.True(t, errors.IsKind(err, errors.KindConflict))

	require.NoError(t, repo.DeleteKey(ctx, spent.ID))
	_, err = repo.GetKeyByID(ctx, spent.ID)
	assert.True(t, errors.IsNotFoundError(err))

	err = repo.DeleteKey(ctx, spent.ID)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestTransactor_RollbackReleasesAcquiredKey(t *testing.T) {
	db := newTestDB(t)
	repo := NewKeyRepository(db, logger.NewNoopLogger())
	tx := NewTransactor(db)
	seedKey(t, db, constants.KeyUsageSession, constants.KeyStateAvailable, time.Now())
	boom := stderrors.New("session insert failed")

	err := tx.WithinTransaction(context.Background(), func(ctx context.Context) error {
		if _, err := repo.AcquireFreeKey(ctx, testPool); err != nil {
			return err
		}
		return boom
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	free, err := repo.CountFree(context.Background(), testPool)
	require.NoError(t, err)
	assert.EqualValues(t, 1, free)
}
