// Package scheduler drives the background key-pool jobs: replenishment on a fixed-delay
// loop and the cleanup jobs on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/turtacn/qsign/internal/config"
	"github.com/turtacn/qsign/internal/domain/models"
	"github.com/turtacn/qsign/pkg/constants"
	"github.com/turtacn/qsign/pkg/errors"
	"github.com/turtacn/qsign/pkg/logger"
)

// Replenisher fills the pools and sweeps failed provisioning rows.
type Replenisher interface {
	Replenish(ctx context.Context) (*models.ReplenishReport, error)
	SweepFailedKeys(ctx context.Context) (*models.CleanupReport, error)
}

// Cleaner runs the cleanup jobs.
type Cleaner interface {
	CleanupOneTimeKeys(ctx context.Context) (*models.CleanupReport, error)
	CleanupSessions(ctx context.Context) (*models.CleanupReport, error)
	SweepStaleReservations(ctx context.Context) (*models.CleanupReport, error)
}

// Leader decides whether this replica runs scheduled jobs. Satisfied by the Redis lease.
type Leader interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Settings are the job schedules.
type Settings struct {
	ReplenishInterval    time.Duration
	FailedKeySweepCron   string
	OneTimeKeyCron       string
	SessionCron          string
	StaleReservationCron string
}

// SettingsFromConfig extracts the schedules from the service configuration.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		ReplenishInterval:    cfg.KeyPool.ReplenishInterval,
		FailedKeySweepCron:   cfg.KeyPool.FailedKeySweepCron,
		OneTimeKeyCron:       cfg.Cleanup.OneTimeKeyCron,
		SessionCron:          cfg.Cleanup.SessionCron,
		StaleReservationCron: cfg.Cleanup.StaleReservationCron,
	}
}

// Scheduler owns the job goroutines. Start and Stop are explicit; nothing runs before Start.
type Scheduler struct {
	replenisher Replenisher
	cleaner     Cleaner
	leader      Leader
	settings    Settings
	logger      logger.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// New creates a scheduler. leader may be nil for a single-replica deployment.
func New(replenisher Replenisher, cleaner Cleaner, leader Leader, settings Settings, log logger.Logger) *Scheduler {
	if settings.ReplenishInterval <= 0 {
		settings.ReplenishInterval = constants.DefaultReplenishInterval
	}
	return &Scheduler{
		replenisher: replenisher,
		cleaner:     cleaner,
		leader:      leader,
		settings:    settings,
		logger:      log.WithComponent("Scheduler"),
	}
}

// Start launches the replenish loop and registers the cron jobs.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.ErrConflict("scheduler already started")
	}

	cl := cronLogger{log: s.logger}
	c := cron.New(
		cron.WithParser(config.CronParser),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		cron.WithLogger(cl),
	)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	schedules := []struct {
		spec string
		job  string
	}{
		{s.settings.FailedKeySweepCron, constants.JobFailedKeySweep},
		{s.settings.OneTimeKeyCron, constants.JobOneTimeKeyCleanup},
		{s.settings.SessionCron, constants.JobSessionCleanup},
		{s.settings.StaleReservationCron, constants.JobStaleReservations},
	}
	for _, sc := range schedules {
		if sc.spec == "" {
			s.logger.Info(ctx, "Job has no schedule, not registered", logger.String("job", sc.job))
			continue
		}
		job := sc.job
		if _, err := c.AddFunc(sc.spec, func() { s.runScheduledCleanup(runCtx, job) }); err != nil {
			cancel()
			return errors.ErrConfiguration(fmt.Sprintf("invalid cron expression %q for %s: %v", sc.spec, job, err))
		}
		s.logger.Info(ctx, "Scheduled job", logger.String("job", job), logger.String("cron", sc.spec))
	}

	s.cron = c
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	c.Start()
	go s.replenishLoop(runCtx, s.done)

	s.logger.Info(ctx, "Scheduler started", logger.Duration("replenish_interval", s.settings.ReplenishInterval))
	return nil
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.cancel()
	cronDone := s.cron.Stop().Done()
	loopDone := s.done
	s.mu.Unlock()

	for _, ch := range []<-chan struct{}{cronDone, loopDone} {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if s.leader != nil {
		if err := s.leader.Release(ctx); err != nil {
			s.logger.Warn(ctx, "Failed to release leader lease", logger.Err(err))
		}
	}
	s.logger.Info(ctx, "Scheduler stopped")
	return nil
}

// replenishLoop runs replenishment back to back with a fixed delay between the end of
// one cycle and the start of the next.
func (s *Scheduler) replenishLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		if s.isLeader(ctx, constants.JobReplenish) {
			if _, err := s.RunReplenish(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error(ctx, "Replenish cycle failed", err)
			}
		}
		timer := time.NewTimer(s.settings.ReplenishInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (s *Scheduler) runScheduledCleanup(ctx context.Context, job string) {
	if ctx.Err() != nil || !s.isLeader(ctx, job) {
		return
	}
	if _, err := s.RunCleanup(ctx, job); err != nil && ctx.Err() == nil {
		s.logger.Error(ctx, "Scheduled job failed", err, logger.String("job", job))
	}
}

func (s *Scheduler) isLeader(ctx context.Context, job string) bool {
	if s.leader == nil {
		return true
	}
	held, err := s.leader.TryAcquire(ctx)
	if err != nil {
		s.logger.Warn(ctx, "Leader lease check failed, skipping run", logger.String("job", job), logger.Err(err))
		return false
	}
	if !held {
		s.logger.Debug(ctx, "Another replica holds the lease, skipping run", logger.String("job", job))
	}
	return held
}

// RunReplenish runs one replenish cycle now and logs its outcome.
func (s *Scheduler) RunReplenish(ctx context.Context) (*models.ReplenishReport, error) {
	ctx = context.WithValue(ctx, constants.ContextKeyJob, constants.JobReplenish)
	report, err := s.replenisher.Replenish(ctx)
	if report != nil {
		fields := []logger.Field{
			logger.Int("planned", report.Planned),
			logger.Int("succeeded", report.Succeeded),
			logger.Int("failed", report.Failed),
		}
		if report.Err != nil {
			s.logger.Warn(ctx, "Replenish cycle finished with failures", append(fields, logger.Err(report.Err))...)
		} else if report.Planned > 0 {
			s.logger.Info(ctx, "Replenish cycle finished", fields...)
		}
	}
	return report, err
}

// RunCleanup runs the named cleanup job now and logs its outcome.
func (s *Scheduler) RunCleanup(ctx context.Context, job string) (*models.CleanupReport, error) {
	var run func(context.Context) (*models.CleanupReport, error)
	switch job {
	case constants.JobOneTimeKeyCleanup:
		run = s.cleaner.CleanupOneTimeKeys
	case constants.JobSessionCleanup:
		run = s.cleaner.CleanupSessions
	case constants.JobStaleReservations:
		run = s.cleaner.SweepStaleReservations
	case constants.JobFailedKeySweep:
		run = s.replenisher.SweepFailedKeys
	default:
		return nil, errors.ErrInputData(fmt.Sprintf("unknown cleanup job %q", job))
	}

	report, err := run(context.WithValue(ctx, constants.ContextKeyJob, job))
	if report != nil && report.Err != nil {
		s.logger.Warn(ctx, "Cleanup job finished with failures",
			logger.String("job", job),
			logger.Int("processed", report.Processed),
			logger.Int("failed", report.Failed),
			logger.Err(report.Err),
		)
	}
	return report, err
}

// CleanupJobs lists the job names accepted by RunCleanup.
func CleanupJobs() []string {
	return []string{
		constants.JobOneTimeKeyCleanup,
		constants.JobSessionCleanup,
		constants.JobStaleReservations,
		constants.JobFailedKeySweep,
	}
}

// cronLogger adapts logger.Logger to cron.Logger.
type cronLogger struct {
	log logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(context.Background(), "cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(context.Background(), "cron: "+msg, err, kvFields(keysAndValues)...)
}

func kvFields(kv []interface{}) []logger.Field {
	fields := make([]logger.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields = append(fields, logger.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return fields
}
