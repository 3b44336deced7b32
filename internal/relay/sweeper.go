package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zulandar/groupchat/internal/models"
	"gorm.io/gorm"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Sweeper periodically deletes stored bot sessions older than a maximum
// age, so long-lived groups eventually start a fresh remote session.
type Sweeper struct {
	db       *gorm.DB
	maxAge   time.Duration
	schedule cron.Schedule
	logger   *slog.Logger
	now      func() time.Time
}

// SweeperOpts holds parameters for creating a Sweeper.
type SweeperOpts struct {
	DB     *gorm.DB
	MaxAge time.Duration
	Cron   string // 5-field cron expression
	Logger *slog.Logger
}

// NewSweeper creates a Sweeper.
func NewSweeper(opts SweeperOpts) (*Sweeper, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("relay: sweeper: db is required")
	}
	if opts.MaxAge <= 0 {
		return nil, fmt.Errorf("relay: sweeper: max age must be positive")
	}
	sched, err := cronParser.Parse(opts.Cron)
	if err != nil {
		return nil, fmt.Errorf("relay: sweeper: parse cron %q: %w", opts.Cron, err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{db: opts.DB, maxAge: opts.MaxAge, schedule: sched, logger: logger, now: time.Now}, nil
}

// Sweep deletes sessions created before now minus the max age and returns
// how many rows were removed.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.maxAge)
	result := s.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&models.BotSession{})
	if result.Error != nil {
		return 0, fmt.Errorf("relay: sweep sessions: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Run sweeps on the configured schedule until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	for {
		next := s.schedule.Next(s.now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		n, err := s.Sweep(ctx)
		if err != nil {
			s.logger.Error("session sweep failed", "err", err)
			continue
		}
		if n > 0 {
			s.logger.Info("swept stale sessions", "count", n)
		}
	}
}
