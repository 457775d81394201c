package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
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

// ReplenishSettings tune the replenisher.
type ReplenishSettings struct {
	// ProvisioningTimeout marks provisioning rows older than this as failed.
	ProvisioningTimeout time.Duration
	// SweepBatchSize bounds how many failed keys one sweep removes.
	SweepBatchSize int
}

// ReplenishService keeps every pool of every crypto token at its desired size.
// Each missing key goes through generate, CSR, certify, import and publish; pipelines
// run concurrently behind the process-wide generation gate and fail independently.
type ReplenishService struct {
	catalog    service.TokenCatalog
	keys       repository.KeyRepository
	signer     service.SigningServerClient
	ca         service.CAClient
	metrics    service.Metrics
	retrier    *retry.Retrier
	genGate    *limiter.Gate
	remover    keyRemover
	events     eventPublisher
	settings   ReplenishSettings
	logger     logger.Logger
	now        func() time.Time
	newKeyID   func() string
	newAliasID func() string
}

// NewReplenishService creates the replenisher.
func NewReplenishService(
	catalog service.TokenCatalog,
	keys repository.KeyRepository,
	signer service.SigningServerClient,
	ca service.CAClient,
	sink service.KeyEventSink,
	metrics service.Metrics,
	retrier *retry.Retrier,
	genGate, delGate *limiter.Gate,
	settings ReplenishSettings,
	log logger.Logger,
) *ReplenishService {
	if metrics == nil {
		metrics = service.NoopMetrics{}
	}
	if settings.ProvisioningTimeout <= 0 {
		settings.ProvisioningTimeout = constants.DefaultProvisioningTimeout
	}
	if settings.SweepBatchSize <= 0 {
		settings.SweepBatchSize = constants.DefaultCleanupBatchSize
	}
	log = log.WithComponent("ReplenishService")
	events := eventPublisher{sink: sink, logger: log, now: time.Now}
	return &ReplenishService{
		catalog:    catalog,
		keys:       keys,
		signer:     signer,
		ca:         ca,
		metrics:    metrics,
		retrier:    retrier,
		genGate:    genGate,
		remover:    newKeyRemover(keys, signer, retrier, delGate, events, metrics, log),
		events:     events,
		settings:   settings,
		logger:     log,
		now:        time.Now,
		newKeyID:   uuid.NewString,
		newAliasID: uuid.NewString,
	}
}

// PlanGeneration returns how many keys a pool needs this cycle: the deficit against the
// desired size, counting keys still being provisioned, clipped to [0, maxPerReplenish].
func PlanGeneration(desired, maxPerReplenish int, free, inUse, provisioning int64) int {
	deficit := int64(desired) - (free + inUse + provisioning)
	if deficit <= 0 {
		return 0
	}
	if maxPerReplenish >= 0 && deficit > int64(maxPerReplenish) {
		return maxPerReplenish
	}
	return int(deficit)
}

// Replenish runs one cycle over every pool. A failing pipeline or pool never aborts the
// cycle; failures are counted and aggregated into report.Err. The returned error is only
// set when the cycle could not run at all.
func (s *ReplenishService) Replenish(ctx context.Context) (*models.ReplenishReport, error) {
	ctx, span := tracer().Start(ctx, "replenish.cycle")
	report := &models.ReplenishReport{StartedAt: s.now().UTC()}

	var (
		mu   sync.Mutex
		errs []error
	)
	fail := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	var g errgroup.Group
	for _, token := range s.catalog.Tokens() {
		for _, profile := range token.Profiles {
			plan, err := s.plan(ctx, token, profile)
			if err != nil {
				s.logger.Error(ctx, "Failed to compute pool deficit", err,
					logger.Int("crypto_token_id", token.ID),
					logger.String("profile", profile.Name),
				)
				fail(fmt.Errorf("pool %s/%s: %w", token.Name, profile.Name, err))
				continue
			}
			report.Pools = append(report.Pools, plan)
			report.Planned += plan.ToGenerate
			if plan.ToGenerate == 0 {
				continue
			}

			s.logger.Info(ctx, "Replenishing key pool",
				logger.Int("crypto_token_id", token.ID),
				logger.String("profile", profile.Name),
				logger.Int64("free", plan.Free),
				logger.Int64("in_use", plan.InUse),
				logger.Int64("provisioning", plan.Provisioning),
				logger.Int("to_generate", plan.ToGenerate),
			)
			for i := 0; i < plan.ToGenerate; i++ {
				g.Go(func() error {
					if err := s.genGate.Do(ctx, func(ctx context.Context) error {
						return s.provision(ctx, token, profile)
					}); err != nil {
						fail(err)
						return nil
					}
					mu.Lock()
					report.Succeeded++
					mu.Unlock()
					return nil
				})
			}
		}
	}
	_ = g.Wait()

	report.Failed = report.Planned - report.Succeeded
	report.FinishedAt = s.now().UTC()
	report.Err = stderrors.Join(errs...)

	span.SetAttributes(
		attribute.Int("qsign.planned", report.Planned),
		attribute.Int("qsign.succeeded", report.Succeeded),
		attribute.Int("qsign.failed", report.Failed),
	)
	endSpan(span, report.Err)

	if report.Planned > 0 || report.Err != nil {
		s.logger.Info(ctx, "Replenish cycle finished",
			logger.Int("planned", report.Planned),
			logger.Int("succeeded", report.Succeeded),
			logger.Int("failed", report.Failed),
			logger.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)),
		)
	}
	return report, ctx.Err()
}

func (s *ReplenishService) plan(ctx context.Context, token models.CryptoToken, profile models.KeyPoolProfile) (models.PoolPlan, error) {
	sel := profile.Selector(token.ID)
	plan := models.PoolPlan{CryptoTokenID: token.ID, ProfileName: profile.Name}

	err := s.retrier.Run(ctx, constants.RemoteSystemDatabase, "count pool", func(ctx context.Context) error {
		var err error
		if plan.Free, err = s.keys.CountFree(ctx, sel); err != nil {
			return err
		}
		if plan.InUse, err = s.keys.CountInUse(ctx, sel); err != nil {
			return err
		}
		plan.Provisioning, err = s.keys.CountProvisioning(ctx, sel)
		return err
	})
	if err != nil {
		return plan, err
	}

	s.metrics.SetPoolFreeKeys(token.ID, profile.Name, plan.Free)
	plan.ToGenerate = PlanGeneration(profile.DesiredSize, profile.MaxKeysGeneratedPerReplenish, plan.Free, plan.InUse, plan.Provisioning)
	return plan, nil
}

// provision runs one pipeline. The row stays in the provisioning state, invisible to
// acquisition, until the chain is imported; any failure moves it to failed.
func (s *ReplenishService) provision(ctx context.Context, token models.CryptoToken, profile models.KeyPoolProfile) (err error) {
	alias := profile.KeyAliasPrefix + s.newAliasID()
	ctx, span := tracer().Start(ctx, "replenish.pipeline", trace.WithAttributes(
		attribute.Int("qsign.crypto_token_id", token.ID),
		attribute.String("qsign.profile", profile.Name),
		attribute.String("qsign.key_alias", alias),
	))
	defer func() {
		endSpan(span, err)
		s.metrics.RecordKeyGenerated(token.ID, profile.Name, err == nil)
	}()

	key := &models.Key{
		ID:               s.newKeyID(),
		CryptoTokenID:    token.ID,
		KeyAlias:         alias,
		KeyAlgorithm:     profile.KeyAlgorithm,
		KeySpecification: profile.KeySpecification,
		Usage:            profile.Usage,
		ProfileName:      profile.Name,
		State:            constants.KeyStateProvisioning,
	}
	if err := s.retrier.Run(ctx, constants.RemoteSystemDatabase, "create key", func(ctx context.Context) error {
		return s.keys.CreateKey(ctx, key)
	}); err != nil {
		return fmt.Errorf("reserve alias %s: %w", alias, err)
	}

	chain, step, err := s.certify(ctx, token, profile, alias)
	if err == nil {
		step = "publish"
		err = s.retrier.Run(ctx, constants.RemoteSystemDatabase, "mark key available", func(ctx context.Context) error {
			return s.keys.MarkAvailable(ctx, key.ID, chain)
		})
	}
	if err != nil {
		reason := fmt.Sprintf("%s: %v", step, err)
		s.logger.Error(ctx, "Key provisioning failed", err,
			logger.String("key_alias", alias),
			logger.String("step", step),
			logger.Int("crypto_token_id", token.ID),
		)
		cleanupCtx := context.WithoutCancel(ctx)
		if markErr := s.retrier.Run(cleanupCtx, constants.RemoteSystemDatabase, "mark key failed", func(ctx context.Context) error {
			return s.keys.MarkFailed(ctx, key.ID, reason)
		}); markErr != nil {
			s.logger.Error(ctx, "Failed to mark key as failed", markErr, logger.String("key_alias", alias))
		}
		s.events.publish(ctx, constants.KeyEventProvisioningFailed, key, reason)
		return fmt.Errorf("provision %s (%s): %w", alias, step, err)
	}

	key.CertificateChain = chain
	key.State = constants.KeyStateAvailable
	s.events.publish(ctx, constants.KeyEventProvisioned, key, profile.Name)
	s.logger.Debug(ctx, "Key provisioned", logger.String("key_alias", alias), logger.String("key_id", key.ID))
	return nil
}

// certify drives the remote part of the pipeline and reports the step that failed.
func (s *ReplenishService) certify(ctx context.Context, token models.CryptoToken, profile models.KeyPoolProfile, alias string) (models.CertificateChain, string, error) {
	signer := constants.RemoteSystemSignServer
	ca := constants.RemoteSystemCA
	dn := subjectDN(profile.SubjectDN, alias)

	if err := s.retrier.Run(ctx, signer, "generate key", func(ctx context.Context) error {
		return s.signer.GenerateKey(ctx, token.ID, alias, profile.KeyAlgorithm, profile.KeySpecification)
	}); err != nil {
		return nil, "generate key", err
	}

	csr, err := retry.Do(ctx, s.retrier, signer, "generate csr", func(ctx context.Context) ([]byte, error) {
		return s.signer.GenerateCSR(ctx, token.ID, alias, profile.SignatureAlgorithm, dn)
	})
	if err != nil {
		return nil, "generate csr", err
	}

	entity := models.EndEntity{
		Username:           alias,
		SubjectDN:          dn,
		CertificateProfile: profile.CertificateProfile,
		EndEntityProfile:   profile.EndEntityProfile,
	}
	if err := s.retrier.Run(ctx, ca, "create end entity", func(ctx context.Context) error {
		return s.ca.CreateEndEntity(ctx, entity)
	}); err != nil {
		return nil, "create end entity", err
	}

	chain, err := retry.Do(ctx, s.retrier, ca, "sign certificate request", func(ctx context.Context) ([][]byte, error) {
		return s.ca.SignCertificateRequest(ctx, entity, csr)
	})
	if err != nil {
		return nil, "sign certificate request", err
	}
	if len(chain) == 0 {
		return nil, "sign certificate request", errors.ErrRemoteSystem(ca, "sign certificate request", false,
			stderrors.New("empty certificate chain"))
	}

	if err := s.retrier.Run(ctx, signer, "import certificate chain", func(ctx context.Context) error {
		return s.signer.ImportCertificateChain(ctx, token.ID, alias, chain)
	}); err != nil {
		return nil, "import certificate chain", err
	}
	return models.CertificateChain(chain), "", nil
}

// SweepFailedKeys fails provisioning rows that outlived the provisioning timeout, then
// removes failed keys from the signing server and the database.
func (s *ReplenishService) SweepFailedKeys(ctx context.Context) (*models.CleanupReport, error) {
	ctx, span := tracer().Start(ctx, "replenish.sweep_failed")
	report := &models.CleanupReport{Job: constants.JobFailedKeySweep}
	var errs []error

	cutoff := s.now().Add(-s.settings.ProvisioningTimeout)
	stale, err := retry.Do(ctx, s.retrier, constants.RemoteSystemDatabase, "find stale provisioning", func(ctx context.Context) ([]*models.Key, error) {
		return s.keys.FindStaleProvisioning(ctx, cutoff, s.settings.SweepBatchSize)
	})
	if err != nil {
		endSpan(span, err)
		return report, err
	}
	for _, k := range stale {
		err := s.retrier.Run(ctx, constants.RemoteSystemDatabase, "mark key failed", func(ctx context.Context) error {
			return s.keys.MarkFailed(ctx, k.ID, "provisioning timed out")
		})
		if err != nil && !errors.IsKind(err, errors.KindConflict) {
			errs = append(errs, fmt.Errorf("fail stale key %s: %w", k.KeyAlias, err))
			continue
		}
		if err == nil {
			s.events.publish(ctx, constants.KeyEventProvisioningFailed, k, "provisioning timed out")
		}
	}

	failed, err := retry.Do(ctx, s.retrier, constants.RemoteSystemDatabase, "find failed keys", func(ctx context.Context) ([]*models.Key, error) {
		return s.keys.FindFailed(ctx, s.settings.SweepBatchSize)
	})
	if err != nil {
		errs = append(errs, err)
		report.Err = stderrors.Join(errs...)
		endSpan(span, report.Err)
		return report, nil
	}

	report.Examined = len(failed)
	errs = append(errs, s.remover.remove(ctx, constants.JobFailedKeySweep, failed, report)...)

	report.Err = stderrors.Join(errs...)
	endSpan(span, report.Err)
	if report.Examined > 0 || report.Err != nil {
		s.logger.Info(ctx, "Failed-key sweep finished",
			logger.Int("stale_provisioning", len(stale)),
			logger.Int("removed", report.Processed),
			logger.Int("failed", report.Failed),
		)
	}
	return report, nil
}

// PoolStatuses reports the current fill level of every pool.
func (s *ReplenishService) PoolStatuses(ctx context.Context) ([]models.PoolStatus, error) {
	var out []models.PoolStatus
	for _, token := range s.catalog.Tokens() {
		for _, profile := range token.Profiles {
			plan, err := s.plan(ctx, token, profile)
			if err != nil {
				return nil, err
			}
			out = append(out, models.PoolStatus{
				CryptoTokenID:   token.ID,
				CryptoTokenName: token.Name,
				ProfileName:     profile.Name,
				Usage:           string(profile.Usage),
				KeyAlgorithm:    profile.KeyAlgorithm,
				DesiredSize:     profile.DesiredSize,
				Free:            plan.Free,
				InUse:           plan.InUse,
				Provisioning:    plan.Provisioning,
			})
		}
	}
	return out, nil
}
