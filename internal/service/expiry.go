package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Expirer is the job body run by the ExpiryScheduler.
type Expirer interface {
	ExpireStalePending(ctx context.Context) (int, error)
}

// ExpiryScheduler periodically rejects gateway transactions that never got an approval.
type ExpiryScheduler struct {
	cron     *cron.Cron
	expirer  Expirer
	schedule string
	timeout  time.Duration
	logger   *slog.Logger
}

func NewExpiryScheduler(expirer Expirer, schedule string, logger *slog.Logger) *ExpiryScheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &ExpiryScheduler{
		cron:     c,
		expirer:  expirer,
		schedule: schedule,
		timeout:  time.Minute,
		logger:   logger,
	}
}

// Start registers the expiry job and starts the scheduler.
func (s *ExpiryScheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.Run); err != nil {
		return err
	}
	s.logger.Info("scheduled pending expiry job", "schedule", s.schedule)
	s.cron.Start()
	return nil
}

// Stop stops the scheduler; the returned context is done once a running job finishes.
func (s *ExpiryScheduler) Stop() context.Context {
	return s.cron.Stop()
}

// Run performs one expiry pass.
func (s *ExpiryScheduler) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	n, err := s.expirer.ExpireStalePending(ctx)
	if err != nil {
		s.logger.Error("pending expiry job failed", "expired", n, "error", err)
		return
	}
	s.logger.Debug("pending expiry job finished", "expired", n)
}
