package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"elam/internal/engine"
)

// Job is the unit of periodic work.
type Job func(ctx context.Context) (engine.ScanResult, error)

// Scheduler runs the SLA scan and grant expiry on a cron schedule.
type Scheduler struct {
	spec    string
	job     Job
	logger  *zap.Logger
	timeout time.Duration
	cron    *cron.Cron
}

// New validates spec with the standard five-field parser (descriptors such as @every are accepted).
func New(spec string, job Job, logger *zap.Logger) (*Scheduler, error) {
	if job == nil {
		return nil, fmt.Errorf("scheduler job required")
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", spec, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		spec:    spec,
		job:     job,
		logger:  logger.With(zap.String("module", "scheduler"), zap.String("cron", spec)),
		timeout: time.Minute,
	}, nil
}

// ForEngine wires the engine's maintenance pass using the configured schedule.
func ForEngine(e engine.Engine, logger *zap.Logger) (*Scheduler, error) {
	spec := "@every 5m"
	if e.Config != nil {
		spec = e.Config.ScanSchedule()
	}
	return New(spec, e.RunMaintenance, logger)
}

// Run starts the cron loop and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	cl := cronLogger{s.logger}
	s.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cl),
		cron.Recover(cl),
	))
	if _, err := s.cron.AddFunc(s.spec, func() { s.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("add cron job: %w", err)
	}
	s.logger.Info("scheduler started")
	s.cron.Start()
	<-ctx.Done()
	stopped := s.cron.Stop()
	<-stopped.Done()
	s.logger.Info("scheduler stopped")
	return nil
}

// RunOnce executes the job immediately.
func (s *Scheduler) RunOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	res, err := s.job(ctx)
	if err != nil {
		s.logger.Error("maintenance failed", zap.Error(err))
		return
	}
	s.logger.Debug("maintenance done",
		zap.Int("breached", len(res.Breached)),
		zap.Int("escalated", len(res.Escalated)),
		zap.Int("expired", len(res.Expired)),
		zap.Int("grants_expired", len(res.GrantsExpired)))
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	l *zap.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Sugar().Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
