package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/turtacn/qsign/internal/config"
	"github.com/turtacn/qsign/internal/domain/models"
	"github.com/turtacn/qsign/internal/domain/repository"
	"github.com/turtacn/qsign/internal/domain/service/mocks"
	"github.com/turtacn/qsign/internal/infrastructure/limiter"
	"github.com/turtacn/qsign/internal/infrastructure/persistence/postgres"
	"github.com/turtacn/qsign/internal/infrastructure/retry"
	"github.com/turtacn/qsign/pkg/constants"
	"github.com/turtacn/qsign/pkg/logger"
)

const (
	testTokenID = 1
	testWorker  = "PlainSigner-1"
)

type fixture struct {
	db          *gorm.DB
	catalog     *config.Catalog
	keys        repository.KeyRepository
	sessions    repository.SessionRepository
	credentials repository.CredentialRepository
	tx          repository.Transactor
	signer      *mocks.MockSigningServerClient
	ca          *mocks.MockCAClient
	events      *mocks.RecordingEventSink
	retrier     *retry.Retrier
	genGate     *limiter.Gate
	delGate     *limiter.Gate
	log         logger.Logger
}

// newFixture wires the real GORM repositories over in-memory SQLite with mocked remote systems.
// Token 1 carries a session ECDSA pool (desired 10, max 5 per cycle) and a one-time RSA pool (desired 3).
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	log := logger.NewNoopLogger()

	conn, err := postgres.NewDBConnection(ctx, &config.DatabaseConfig{
		Driver:      "sqlite",
		SQLitePath:  fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", uuid.NewString()),
		AutoMigrate: true,
	}, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	catalog, err := config.NewCatalog([]config.CryptoTokenConfig{{
		ID:         testTokenID,
		Name:       "hsm-1",
		WorkerName: testWorker,
		Profiles: []config.KeyPoolProfileConfig{
			{
				KeyAlgorithm:                 "ECDSA",
				KeySpecification:             "secp256r1",
				DesiredSize:                  10,
				MaxKeysGeneratedPerReplenish: intPtr(5),
				Usage:                        string(constants.KeyUsageSession),
			},
			{
				KeyAlgorithm:     "RSA",
				KeySpecification: "2048",
				DesiredSize:      3,
				Usage:            string(constants.KeyUsageOneTime),
			},
		},
	}})
	require.NoError(t, err)

	db := conn.DB()
	return &fixture{
		db:          db,
		catalog:     catalog,
		keys:        postgres.NewKeyRepository(db, log),
		sessions:    postgres.NewSessionRepository(db),
		credentials: postgres.NewCredentialRepository(db),
		tx:          postgres.NewTransactor(db),
		signer:      new(mocks.MockSigningServerClient),
		ca:          new(mocks.MockCAClient),
		events:      new(mocks.RecordingEventSink),
		retrier: retry.New(retry.Policy{
			MaxAttempts:     3,
			InitialInterval: time.Millisecond,
			Multiplier:      2,
			MaxInterval:     10 * time.Millisecond,
		}, log),
		genGate: limiter.NewGate("generation", 4),
		delGate: limiter.NewGate("deletion", 4),
		log:     log,
	}
}

func intPtr(v int) *int { return &v }

var (
	sessionPool = models.PoolSelector{CryptoTokenID: testTokenID, KeyAlgorithm: "ECDSA", Usage: constants.KeyUsageSession, KeySpecification: "secp256r1"}
	oneTimePool = models.PoolSelector{CryptoTokenID: testTokenID, KeyAlgorithm: "RSA", Usage: constants.KeyUsageOneTime, KeySpecification: "2048"}
)

// seedKey inserts a key in the given state. at is used as creation, acquisition and retirement time.
func (f *fixture) seedKey(t *testing.T, pool models.PoolSelector, state constants.KeyState, at time.Time) *models.Key {
	t.Helper()
	at = at.UTC()
	k := &models.Key{
		ID:               uuid.NewString(),
		CryptoTokenID:    pool.CryptoTokenID,
		KeyAlias:         "seed-" + uuid.NewString(),
		KeyAlgorithm:     pool.KeyAlgorithm,
		KeySpecification: pool.KeySpecification,
		Usage:            pool.Usage,
		State:            state,
		CreatedAt:        at,
	}
	if state != constants.KeyStateProvisioning && state != constants.KeyStateFailed {
		k.CertificateChain = models.CertificateChain{[]byte("leaf"), []byte("root")}
	}
	switch state {
	case constants.KeyStateInUse:
		k.InUse = true
		k.AcquiredAt = &at
	case constants.KeyStateUsedUp:
		k.UsedUp = true
		k.UsedUpAt = &at
	}
	require.NoError(t, f.db.Create(k).Error)
	return k
}

// expectHealthyPipeline makes every remote provisioning step succeed.
func (f *fixture) expectHealthyPipeline() {
	f.signer.On("GenerateKey", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	f.signer.On("GenerateCSR", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return([]byte("csr"), nil)
	f.ca.On("CreateEndEntity", mock.Anything, mock.Anything).Return(nil)
	f.ca.On("SignCertificateRequest", mock.Anything, mock.Anything, mock.Anything).
		Return([][]byte{[]byte("leaf"), []byte("issuer")}, nil)
	f.signer.On("ImportCertificateChain", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
}

var (
	sessionP384Pool = models.PoolSelector{CryptoTokenID: testTokenID, KeyAlgorithm: "ECDSA", Usage: constants.KeyUsageSession, KeySpecification: "secp384r1"}
	oneTime3072Pool = models.PoolSelector{CryptoTokenID: testTokenID, KeyAlgorithm: "RSA", Usage: constants.KeyUsageOneTime, KeySpecification: "3072"}
)

// withSecondSpecifications adds a secp384r1 session pool and an RSA 3072 one-time pool to token 1.
func (f *fixture) withSecondSpecifications(t *testing.T) {
	t.Helper()
	catalog, err := config.NewCatalog([]config.CryptoTokenConfig{{
		ID:         testTokenID,
		Name:       "hsm-1",
		WorkerName: testWorker,
		Profiles: []config.KeyPoolProfileConfig{
			{KeyAlgorithm: "ECDSA", KeySpecification: "secp256r1", DesiredSize: 10, Usage: string(constants.KeyUsageSession)},
			{KeyAlgorithm: "ECDSA", KeySpecification: "secp384r1", DesiredSize: 10, Usage: string(constants.KeyUsageSession)},
			{KeyAlgorithm: "RSA", KeySpecification: "2048", DesiredSize: 3, Usage: string(constants.KeyUsageOneTime)},
			{KeyAlgorithm: "RSA", KeySpecification: "3072", DesiredSize: 3, Usage: string(constants.KeyUsageOneTime)},
		},
	}})
	require.NoError(t, err)
	f.catalog = catalog
}

func (f *fixture) newReplenishService() *ReplenishService {
	return NewReplenishService(f.catalog, f.keys, f.signer, f.ca, f.events, nil, f.retrier, f.genGate, f.delGate,
		ReplenishSettings{ProvisioningTimeout: 10 * time.Minute, SweepBatchSize: 100}, f.log)
}

func (f *fixture) newSessionKeyService() *SessionKeyService {
	return NewSessionKeyService(f.catalog, f.keys, f.sessions, f.tx, f.events, nil, f.retrier, 15*time.Minute, f.log)
}

func (f *fixture) newOneTimeKeyService() *OneTimeKeyService {
	return NewOneTimeKeyService(f.catalog, f.keys, f.events, nil, f.retrier, f.log)
}

func (f *fixture) newCleanupService() *CleanupService {
	return NewCleanupService(f.keys, f.sessions, f.tx, f.signer, f.events, nil, f.retrier, f.delGate, CleanupSettings{
		UsedUpKeyKeepTime:       24 * time.Hour,
		StaleReservationTimeout: time.Hour,
		BatchSize:               100,
	}, f.log)
}

func (f *fixture) countFree(t *testing.T, pool models.PoolSelector) int64 {
	t.Helper()
	n, err := f.keys.CountFree(context.Background(), pool)
	require.NoError(t, err)
	return n
}
