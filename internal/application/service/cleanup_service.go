package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/turtacn/qsign/internal/domain/models"
	"github.com/turtacn/qsign/internal/domain/repository"
	"github.com/turtacn/qsign/internal/domain/service"
	"github.com/turtacn/qsign/internal/infrastructure/limiter"
	"github.com/turtacn/qsign/internal/infrastructure/retry"
	"github.com/turtacn/qsign/pkg/constants"
	"github.com/turtacn/qsign/pkg/errors"
	"github.com/turtacn/qsign/pkg/logger"
)

// CleanupSettings tune the cleanup jobs.
type CleanupSettings struct {
	UsedUpKeyKeepTime       time.Duration
	StaleReservationTimeout time.Duration
	BatchSize               int
}

// CleanupService retires used keys, expired sessions and abandoned reservations.
// Every job isolates per-item failures and reports them in aggregate.
type CleanupService struct {
	keys     repository.KeyRepository
	sessions repository.SessionRepository
	tx       repository.Transactor
	retrier  *retry.Retrier
	metrics  service.Metrics
	remover  keyRemover
	events   eventPublisher
	settings CleanupSettings
	logger   logger.Logger
	now      func() time.Time
}

// NewCleanupService creates a CleanupService.
func NewCleanupService(
	keys repository.KeyRepository,
	sessions repository.SessionRepository,
	tx repository.Transactor,
	signer service.SigningServerClient,
	sink service.KeyEventSink,
	metrics service.Metrics,
	retrier *retry.Retrier,
	delGate *limiter.Gate,
	settings CleanupSettings,
	log logger.Logger,
) *CleanupService {
	if metrics == nil {
		metrics = service.NoopMetrics{}
	}
	if settings.UsedUpKeyKeepTime <= 0 {
		settings.UsedUpKeyKeepTime = constants.DefaultUsedUpKeyKeepTime
	}
	if settings.StaleReservationTimeout <= 0 {
		settings.StaleReservationTimeout = constants.DefaultStaleReservationTimeout
	}
	if settings.BatchSize <= 0 {
		settings.BatchSize = constants.DefaultCleanupBatchSize
	}
	log = log.WithComponent("CleanupService")
	events := eventPublisher{sink: sink, logger: log, now: time.Now}
	return &CleanupService{
		keys:     keys,
		sessions: sessions,
		tx:       tx,
		retrier:  retrier,
		metrics:  metrics,
		remover:  newKeyRemover(keys, signer, retrier, delGate, events, metrics, log),
		events:   events,
		settings: settings,
		logger:   log,
		now:      time.Now,
	}
}

// CleanupOneTimeKeys deletes used-up one-time keys older than the keep time, removing
// each from the signing server before its row.
func (s *CleanupService) CleanupOneTimeKeys(ctx context.Context) (report *models.CleanupReport, err error) {
	ctx, span := s.startJob(ctx, constants.JobOneTimeKeyCleanup)
	report = &models.CleanupReport{Job: constants.JobOneTimeKeyCleanup}
	defer func() { s.finishJob(ctx, span, report, err) }()

	cutoff := s.now().Add(-s.settings.UsedUpKeyKeepTime)
	batch, err := retry.Do(ctx, s.retrier, constants.RemoteSystemDatabase, "find used-up keys", func(ctx context.Context) ([]*models.Key, error) {
		return s.keys.FindUsedUpOlderThan(ctx, cutoff, s.settings.BatchSize)
	})
	if err != nil {
		return report, err
	}
	report.Examined = len(batch)
	report.Err = stderrors.Join(s.remover.remove(ctx, constants.JobOneTimeKeyCleanup, batch, report)...)
	return report, nil
}

// CleanupSessions ends expired signing sessions, oldest expiry first. Each session's key
// release and row deletion commit together.
func (s *CleanupService) CleanupSessions(ctx context.Context) (report *models.CleanupReport, err error) {
	ctx, span := s.startJob(ctx, constants.JobSessionCleanup)
	report = &models.CleanupReport{Job: constants.JobSessionCleanup}
	defer func() { s.finishJob(ctx, span, report, err) }()

	expired, err := retry.Do(ctx, s.retrier, constants.RemoteSystemDatabase, "find expired sessions", func(ctx context.Context) ([]*models.SigningSession, error) {
		return s.sessions.FindExpired(ctx, s.now(), s.settings.BatchSize)
	})
	if err != nil {
		return report, err
	}
	report.Examined = len(expired)

	var errs []error
	for _, sess := range expired {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		var key *models.Key
		err := s.retrier.Run(ctx, constants.RemoteSystemDatabase, "end session", func(ctx context.Context) error {
			return s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
				k, err := releaseSession(ctx, s.keys, s.sessions, sess.ID)
				key = k
				return err
			})
		})
		if errors.IsNotFoundError(err) {
			report.Skipped++
			continue
		}
		s.metrics.RecordCleanupItem(constants.JobSessionCleanup, err == nil)
		if err != nil {
			report.Failed++
			errs = append(errs, fmt.Errorf("session %s: %w", sess.ID, err))
			s.logger.Error(ctx, "Failed to end expired session", err, logger.String("session_id", sess.ID))
			continue
		}
		report.Processed++
		s.events.publish(ctx, constants.KeyEventReleased, key, "session "+sess.ID+" expired")
	}
	report.Err = stderrors.Join(errs...)
	return report, nil
}

// SweepStaleReservations reclaims keys held longer than the stale reservation timeout.
// Session keys still backed by a live session are left alone; one-time keys are retired
// since they may already have signed.
func (s *CleanupService) SweepStaleReservations(ctx context.Context) (report *models.CleanupReport, err error) {
	ctx, span := s.startJob(ctx, constants.JobStaleReservations)
	report = &models.CleanupReport{Job: constants.JobStaleReservations}
	defer func() { s.finishJob(ctx, span, report, err) }()

	cutoff := s.now().Add(-s.settings.StaleReservationTimeout)
	stale, err := retry.Do(ctx, s.retrier, constants.RemoteSystemDatabase, "find stale reservations", func(ctx context.Context) ([]*models.Key, error) {
		return s.keys.FindStaleReservations(ctx, cutoff, s.settings.BatchSize)
	})
	if err != nil {
		return report, err
	}
	report.Examined = len(stale)

	var errs []error
	for _, key := range stale {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		reclaimed, err := s.reclaim(ctx, key)
		if err == nil && !reclaimed {
			report.Skipped++
			continue
		}
		s.metrics.RecordCleanupItem(constants.JobStaleReservations, err == nil)
		if err != nil {
			report.Failed++
			errs = append(errs, fmt.Errorf("key %s: %w", key.KeyAlias, err))
			s.logger.Error(ctx, "Failed to reclaim stale reservation", err, logger.String("key_id", key.ID))
			continue
		}
		report.Processed++
		s.events.publish(ctx, constants.KeyEventReclaimed, key, string(key.Usage))
	}
	report.Err = stderrors.Join(errs...)
	return report, nil
}

// reclaim frees one stale key and reports whether anything changed.
func (s *CleanupService) reclaim(ctx context.Context, key *models.Key) (bool, error) {
	if key.Usage == constants.KeyUsageOneTime {
		err := s.retrier.Run(ctx, constants.RemoteSystemDatabase, "retire stale one-time key", func(ctx context.Context) error {
			return s.keys.ReleaseKey(ctx, key.ID, true)
		})
		return err == nil, err
	}

	reclaimed := false
	err := s.retrier.Run(ctx, constants.RemoteSystemDatabase, "reclaim session key", func(ctx context.Context) error {
		reclaimed = false
		return s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
			sess, err := s.sessions.GetSessionByKeyID(ctx, key.ID)
			switch {
			case errors.IsNotFoundError(err):
				reclaimed = true
				return s.keys.ReleaseKey(ctx, key.ID, false)
			case err != nil:
				return err
			case !sess.Expired(s.now()):
				return nil
			}
			reclaimed = true
			_, err = releaseSession(ctx, s.keys, s.sessions, sess.ID)
			return err
		})
	})
	return reclaimed, err
}

func (s *CleanupService) startJob(ctx context.Context, job string) (context.Context, trace.Span) {
	ctx = context.WithValue(ctx, constants.ContextKeyJob, job)
	return tracer().Start(ctx, "cleanup."+job, trace.WithAttributes(attribute.String("qsign.job", job)))
}

func (s *CleanupService) finishJob(ctx context.Context, span trace.Span, report *models.CleanupReport, err error) {
	span.SetAttributes(
		attribute.Int("qsign.examined", report.Examined),
		attribute.Int("qsign.processed", report.Processed),
		attribute.Int("qsign.failed", report.Failed),
	)
	if err == nil {
		err = report.Err
	}
	endSpan(span, err)
	if report.Examined == 0 && err == nil {
		return
	}
	s.logger.Info(ctx, "Cleanup job finished",
		logger.String("job", report.Job),
		logger.Int("examined", report.Examined),
		logger.Int("processed", report.Processed),
		logger.Int("skipped", report.Skipped),
		logger.Int("failed", report.Failed),
	)
}

// keyRemover deletes keys from the signing server and then from the database, through
// the deletion gate.
type keyRemover struct {
	keys    repository.KeyRepository
	signer  service.SigningServerClient
	retrier *retry.Retrier
	gate    *limiter.Gate
	events  eventPublisher
	metrics service.Metrics
	logger  logger.Logger
}

func newKeyRemover(keys repository.KeyRepository, signer service.SigningServerClient, retrier *retry.Retrier, gate *limiter.Gate, events eventPublisher, metrics service.Metrics, log logger.Logger) keyRemover {
	return keyRemover{keys: keys, signer: signer, retrier: retrier, gate: gate, events: events, metrics: metrics, logger: log}
}

// remove deletes every key in batch, updating report and returning per-item failures.
func (r keyRemover) remove(ctx context.Context, job string, batch []*models.Key, report *models.CleanupReport) []error {
	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	for _, key := range batch {
		g.Go(func() error {
			err := r.gate.Do(ctx, func(ctx context.Context) error {
				return r.removeOne(ctx, key)
			})
			r.metrics.RecordCleanupItem(job, err == nil)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed++
				errs = append(errs, fmt.Errorf("key %s: %w", key.KeyAlias, err))
				r.logger.Error(ctx, "Failed to delete key", err,
					logger.String("job", job),
					logger.String("key_id", key.ID),
					logger.String("key_alias", key.KeyAlias),
				)
				return nil
			}
			report.Processed++
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

func (r keyRemover) removeOne(ctx context.Context, key *models.Key) error {
	removed, err := retry.Do(ctx, r.retrier, constants.RemoteSystemSignServer, "remove key", func(ctx context.Context) (bool, error) {
		return r.signer.RemoveKey(ctx, key.CryptoTokenID, key.KeyAlias)
	})
	if err != nil {
		return err
	}
	if !removed {
		r.logger.Debug(ctx, "Key already absent from signing server", logger.String("key_alias", key.KeyAlias))
	}

	err = r.retrier.Run(ctx, constants.RemoteSystemDatabase, "delete key", func(ctx context.Context) error {
		return r.keys.DeleteKey(ctx, key.ID)
	})
	if err != nil && !errors.IsNotFoundError(err) {
		return err
	}
	r.events.publish(ctx, constants.KeyEventDeleted, key, "")
	return nil
}
