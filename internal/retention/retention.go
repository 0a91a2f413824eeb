package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"

	"github.com/relaybot/relayd/internal/store"
)

// Config controls the message purge job. MaxDays == 0 disables it.
type Config struct {
	Cron    string
	MaxDays int
}

// Job purges messages older than the configured age on a cron schedule.
type Job struct {
	db     *store.DB
	logger *zap.Logger
	cfg    Config
	cancel context.CancelFunc
}

// NewJob builds the retention job. The cron expression is validated here so a
// bad config fails at startup, not at 2am.
func NewJob(db *store.DB, logger *zap.Logger, cfg Config) (*Job, error) {
	if cfg.Cron == "" {
		cfg.Cron = "0 2 * * *"
	}
	if !gronx.IsValid(cfg.Cron) {
		return nil, fmt.Errorf("invalid retention cron expression: %s", cfg.Cron)
	}
	return &Job{db: db, logger: logger.Named("retention"), cfg: cfg}, nil
}

// Start launches the scheduler goroutine. A no-op when retention is disabled.
func (j *Job) Start(ctx context.Context) {
	if j.cfg.MaxDays <= 0 {
		j.logger.Info("retention disabled")
		return
	}
	ctx, j.cancel = context.WithCancel(ctx)
	j.logger.Info("retention scheduler started",
		zap.String("cron", j.cfg.Cron),
		zap.Int("max_days", j.cfg.MaxDays))
	go j.run(ctx)
}

// Stop cancels the scheduler.
func (j *Job) Stop() {
	if j.cancel != nil {
		j.cancel()
	}
}

func (j *Job) run(ctx context.Context) {
	for {
		next, err := gronx.NextTickAfter(j.cfg.Cron, time.Now(), false)
		if err != nil {
			j.logger.Error("compute next tick failed", zap.Error(err))
			select {
			case <-time.After(30 * time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}
		select {
		case <-time.After(time.Until(next)):
			if _, err := j.RunOnce(); err != nil {
				j.logger.Error("retention run failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce purges messages older than the cutoff and returns the count.
func (j *Job) RunOnce() (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -j.cfg.MaxDays).UnixMilli()
	n, err := j.db.PurgeMessagesBefore(cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		j.logger.Info("purged old messages", zap.Int64("count", n))
	}
	return n, nil
}
