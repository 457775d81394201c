package service

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/turtacn/qsign/internal/domain/models"
	"github.com/turtacn/qsign/internal/domain/repository"
	"github.com/turtacn/qsign/internal/domain/service"
	"github.com/turtacn/qsign/internal/infrastructure/retry"
	"github.com/turtacn/qsign/pkg/constants"
	"github.com/turtacn/qsign/pkg/errors"
	"github.com/turtacn/qsign/pkg/logger"
)

// OneTimeKeyService hands out keys that sign exactly once.
type OneTimeKeyService struct {
	catalog service.TokenCatalog
	keys    repository.KeyRepository
	retrier *retry.Retrier
	metrics service.Metrics
	events  eventPublisher
	logger  logger.Logger
}

// NewOneTimeKeyService creates a OneTimeKeyService.
func NewOneTimeKeyService(
	catalog service.TokenCatalog,
	keys repository.KeyRepository,
	sink service.KeyEventSink,
	metrics service.Metrics,
	retrier *retry.Retrier,
	log logger.Logger,
) *OneTimeKeyService {
	if metrics == nil {
		metrics = service.NoopMetrics{}
	}
	log = log.WithComponent("OneTimeKeyService")
	return &OneTimeKeyService{
		catalog: catalog,
		keys:    keys,
		retrier: retrier,
		metrics: metrics,
		events:  eventPublisher{sink: sink, logger: log, now: time.Now},
		logger:  log,
	}
}

// Acquire reserves the oldest free one-time key of the pool.
func (s *OneTimeKeyService) Acquire(ctx context.Context, cryptoTokenID int, algorithm string) (key *models.Key, err error) {
	ctx, span := tracer().Start(ctx, "one_time.acquire", trace.WithAttributes(
		attribute.Int("qsign.crypto_token_id", cryptoTokenID),
		attribute.String("qsign.algorithm", algorithm),
	))
	defer func() { endSpan(span, err) }()

	profile, err := lookupProfile(s.catalog, cryptoTokenID, constants.KeyUsageOneTime, algorithm)
	if err != nil {
		return nil, err
	}
	sel := acquisitionSelector(cryptoTokenID, profile)

	key, err = retry.Do(ctx, s.retrier, constants.RemoteSystemDatabase, "acquire one-time key", func(ctx context.Context) (*models.Key, error) {
		return s.keys.AcquireFreeKey(ctx, sel)
	})

	result := service.AcquisitionAcquired
	switch {
	case err == nil:
	case errors.IsNoFreeKey(err):
		result = service.AcquisitionExhausted
		s.logger.Warn(ctx, "One-time key pool exhausted",
			logger.Int("crypto_token_id", cryptoTokenID),
			logger.String("algorithm", algorithm),
		)
	default:
		result = service.AcquisitionError
	}
	s.metrics.RecordKeyAcquisition(cryptoTokenID, constants.KeyUsageOneTime, result)
	if err != nil {
		return nil, err
	}

	s.events.publish(ctx, constants.KeyEventAcquired, key, "one-time")
	s.logger.Debug(ctx, "One-time key acquired", logger.String("key_id", key.ID), logger.String("key_alias", key.KeyAlias))
	return key, nil
}

// Consume retires a one-time key after its single signature. The key is never handed
// out again and becomes eligible for deletion once the keep time has passed.
func (s *OneTimeKeyService) Consume(ctx context.Context, keyID string) (err error) {
	ctx, span := tracer().Start(ctx, "one_time.consume", trace.WithAttributes(
		attribute.String("qsign.key_id", keyID),
	))
	defer func() { endSpan(span, err) }()

	key, err := retry.Do(ctx, s.retrier, constants.RemoteSystemDatabase, "load key", func(ctx context.Context) (*models.Key, error) {
		return s.keys.GetKeyByID(ctx, keyID)
	})
	if err != nil {
		return err
	}
	if key.Usage != constants.KeyUsageOneTime {
		return errors.ErrInputData("key " + keyID + " is not a one-time key")
	}

	if err := s.retrier.Run(ctx, constants.RemoteSystemDatabase, "consume key", func(ctx context.Context) error {
		return s.keys.ReleaseKey(ctx, keyID, true)
	}); err != nil {
		return err
	}
	s.events.publish(ctx, constants.KeyEventConsumed, key, "")
	return nil
}
