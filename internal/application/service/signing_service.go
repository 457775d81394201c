package service

import (
	"context"
	"fmt"
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

// SignOnceRequest asks for a single signature with a fresh one-time key.
type SignOnceRequest struct {
	CryptoTokenID int
	Algorithm     string
	Data          []byte
	Encoding      string
	Metadata      map[string]string
}

// SigningService signs data with pooled keys through the signing server.
type SigningService struct {
	catalog  service.TokenCatalog
	oneTime  *OneTimeKeyService
	keys     repository.KeyRepository
	sessions repository.SessionRepository
	signer   service.SigningServerClient
	retrier  *retry.Retrier
	logger   logger.Logger
	now      func() time.Time
}

// NewSigningService creates a SigningService.
func NewSigningService(
	catalog service.TokenCatalog,
	oneTime *OneTimeKeyService,
	keys repository.KeyRepository,
	sessions repository.SessionRepository,
	signer service.SigningServerClient,
	retrier *retry.Retrier,
	log logger.Logger,
) *SigningService {
	return &SigningService{
		catalog:  catalog,
		oneTime:  oneTime,
		keys:     keys,
		sessions: sessions,
		signer:   signer,
		retrier:  retrier,
		logger:   log.WithComponent("SigningService"),
		now:      time.Now,
	}
}

// SignOnce acquires a one-time key, signs with it and consumes it. The key is consumed
// whether or not the signature succeeded, because the worker may have used it. A failed
// consume does not discard a produced signature; the key stays reserved until the
// stale-reservation sweep retires it.
func (s *SigningService) SignOnce(ctx context.Context, req SignOnceRequest) (resp *models.ProcessResponse, err error) {
	ctx, span := tracer().Start(ctx, "signing.sign_once", trace.WithAttributes(
		attribute.Int("qsign.crypto_token_id", req.CryptoTokenID),
	))
	defer func() { endSpan(span, err) }()

	if len(req.Data) == 0 {
		return nil, errors.ErrInputData("data to sign is empty")
	}
	key, err := s.oneTime.Acquire(ctx, req.CryptoTokenID, req.Algorithm)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := s.oneTime.Consume(context.WithoutCancel(ctx), key.ID); cerr != nil {
			s.logger.Error(ctx, "Failed to consume one-time key", cerr,
				logger.String("key_id", key.ID),
				logger.Bool("signed", err == nil),
			)
		}
	}()

	return s.process(ctx, key, req.Data, req.Encoding, req.Metadata)
}

// SignInSession signs with the key reserved by a live signing session.
func (s *SigningService) SignInSession(ctx context.Context, sessionID string, data []byte, encoding string) (resp *models.ProcessResponse, err error) {
	ctx, span := tracer().Start(ctx, "signing.sign_in_session", trace.WithAttributes(
		attribute.String("qsign.session_id", sessionID),
	))
	defer func() { endSpan(span, err) }()

	if len(data) == 0 {
		return nil, errors.ErrInputData("data to sign is empty")
	}
	sess, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Expired(s.now()) {
		return nil, errors.ErrConflict(fmt.Sprintf("signing session %s has expired", sessionID))
	}
	key, err := s.keys.GetKeyByID(ctx, sess.KeyID)
	if err != nil {
		return nil, err
	}
	if !key.InUse {
		return nil, errors.ErrKeyStateConflict(key.ID, key.State, "sign with")
	}
	return s.process(ctx, key, data, encoding, map[string]string{"session_id": sessionID})
}

func (s *SigningService) process(ctx context.Context, key *models.Key, data []byte, encoding string, metadata map[string]string) (*models.ProcessResponse, error) {
	token, ok := s.catalog.Token(key.CryptoTokenID)
	if !ok {
		return nil, errors.ErrConfiguration(fmt.Sprintf("key %s belongs to unknown crypto token %d", key.ID, key.CryptoTokenID))
	}
	if encoding == "" {
		encoding = models.EncodingNone
	}
	req := models.ProcessRequest{
		WorkerName: token.WorkerName,
		KeyAlias:   key.KeyAlias,
		Data:       data,
		Metadata:   metadata,
		Encoding:   encoding,
	}
	resp, err := retry.Do(ctx, s.retrier, constants.RemoteSystemSignServer, "process", func(ctx context.Context) (*models.ProcessResponse, error) {
		return s.signer.Process(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	if resp.Certificate == nil {
		resp.Certificate = key.LeafCertificate()
	}
	return resp, nil
}
