package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
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

// AcquireSessionRequest asks for a session key on behalf of a user.
type AcquireSessionRequest struct {
	UserID        string
	CredentialID  string
	CryptoTokenID int
	Algorithm     string
}

// SessionKeyService reserves session keys and binds them to signing sessions.
type SessionKeyService struct {
	catalog  service.TokenCatalog
	keys     repository.KeyRepository
	sessions repository.SessionRepository
	tx       repository.Transactor
	retrier  *retry.Retrier
	metrics  service.Metrics
	events   eventPublisher
	ttl      time.Duration
	logger   logger.Logger
	now      func() time.Time
	newID    func() string
}

// NewSessionKeyService creates a SessionKeyService. ttl is the signing session lifetime.
func NewSessionKeyService(
	catalog service.TokenCatalog,
	keys repository.KeyRepository,
	sessions repository.SessionRepository,
	tx repository.Transactor,
	sink service.KeyEventSink,
	metrics service.Metrics,
	retrier *retry.Retrier,
	ttl time.Duration,
	log logger.Logger,
) *SessionKeyService {
	if metrics == nil {
		metrics = service.NoopMetrics{}
	}
	if ttl <= 0 {
		ttl = constants.DefaultSigningSessionTTL
	}
	log = log.WithComponent("SessionKeyService")
	return &SessionKeyService{
		catalog:  catalog,
		keys:     keys,
		sessions: sessions,
		tx:       tx,
		retrier:  retrier,
		metrics:  metrics,
		events:   eventPublisher{sink: sink, logger: log, now: time.Now},
		ttl:      ttl,
		logger:   log,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Acquire reserves the oldest free session key of the pool and opens a signing session
// for it. Reservation and session insert commit together.
func (s *SessionKeyService) Acquire(ctx context.Context, req AcquireSessionRequest) (sess *models.SigningSession, key *models.Key, err error) {
	ctx, span := tracer().Start(ctx, "session.acquire", trace.WithAttributes(
		attribute.Int("qsign.crypto_token_id", req.CryptoTokenID),
		attribute.String("qsign.algorithm", req.Algorithm),
	))
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(req.UserID) == "" {
		return nil, nil, errors.ErrInputData("user id is required")
	}
	profile, err := lookupProfile(s.catalog, req.CryptoTokenID, constants.KeyUsageSession, req.Algorithm)
	if err != nil {
		return nil, nil, err
	}
	sel := acquisitionSelector(req.CryptoTokenID, profile)

	err = s.retrier.Run(ctx, constants.RemoteSystemDatabase, "acquire session key", func(ctx context.Context) error {
		return s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
			k, err := s.keys.AcquireFreeKey(ctx, sel)
			if err != nil {
				return err
			}
			now := s.now().UTC()
			candidate := &models.SigningSession{
				ID:           s.newID(),
				KeyID:        k.ID,
				UserID:       req.UserID,
				CredentialID: req.CredentialID,
				CreatedAt:    now,
				ExpiresAt:    now.Add(s.ttl),
			}
			if err := s.sessions.CreateSession(ctx, candidate); err != nil {
				return err
			}
			key, sess = k, candidate
			return nil
		})
	})
	if err != nil {
		s.recordAcquisition(req.CryptoTokenID, err)
		if errors.IsNoFreeKey(err) {
			s.logger.Warn(ctx, "Session key pool exhausted",
				logger.Int("crypto_token_id", req.CryptoTokenID),
				logger.String("algorithm", req.Algorithm),
			)
		}
		return nil, nil, err
	}

	s.recordAcquisition(req.CryptoTokenID, nil)
	s.events.publish(ctx, constants.KeyEventAcquired, key, "session "+sess.ID)
	s.logger.Info(ctx, "Session key acquired",
		logger.String("session_id", sess.ID),
		logger.String("key_id", key.ID),
		logger.String("user_id", req.UserID),
		logger.Time("expires_at", sess.ExpiresAt),
	)
	return sess, key, nil
}

func (s *SessionKeyService) recordAcquisition(tokenID int, err error) {
	result := service.AcquisitionAcquired
	switch {
	case err == nil:
	case errors.IsNoFreeKey(err):
		result = service.AcquisitionExhausted
	default:
		result = service.AcquisitionError
	}
	s.metrics.RecordKeyAcquisition(tokenID, constants.KeyUsageSession, result)
}

// Release ends a signing session and returns its key to the pool.
func (s *SessionKeyService) Release(ctx context.Context, sessionID string) (err error) {
	ctx, span := tracer().Start(ctx, "session.release", trace.WithAttributes(
		attribute.String("qsign.session_id", sessionID),
	))
	defer func() { endSpan(span, err) }()

	var key *models.Key
	err = s.retrier.Run(ctx, constants.RemoteSystemDatabase, "release session key", func(ctx context.Context) error {
		return s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
			k, err := releaseSession(ctx, s.keys, s.sessions, sessionID)
			key = k
			return err
		})
	})
	if err != nil {
		return err
	}
	s.events.publish(ctx, constants.KeyEventReleased, key, "session "+sessionID)
	s.logger.Info(ctx, "Session key released", logger.String("session_id", sessionID), logger.String("key_id", key.ID))
	return nil
}

// Get returns the signing session and its key.
func (s *SessionKeyService) Get(ctx context.Context, sessionID string) (*models.SigningSession, *models.Key, error) {
	sess, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	key, err := s.keys.GetKeyByID(ctx, sess.KeyID)
	if err != nil {
		return nil, nil, err
	}
	return sess, key, nil
}

// releaseSession frees the session's key and deletes the session. It must run inside a
// transaction so neither half is visible alone.
func releaseSession(ctx context.Context, keys repository.KeyRepository, sessions repository.SessionRepository, sessionID string) (*models.Key, error) {
	sess, err := sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	key, err := keys.GetKeyByID(ctx, sess.KeyID)
	if err != nil && !errors.IsNotFoundError(err) {
		return nil, err
	}
	if key != nil {
		if err := keys.ReleaseKey(ctx, key.ID, false); err != nil {
			return nil, err
		}
	} else {
		key = &models.Key{ID: sess.KeyID}
	}
	if err := sessions.DeleteSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return key, nil
}
