// Package scheduler runs the periodic credential refresh sweep.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/go-co-op/gocron"

	"github.com/Ramsey-B/clover/pkg/credentials"
	"github.com/Ramsey-B/clover/pkg/redis"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

var ErrSweeperAlreadyRunning = errors.New("sweeper already running")

const (
	DefaultInterval = 5 * time.Minute
	DefaultWindow   = 15 * time.Minute
	DefaultLockTTL  = 4 * time.Minute

	sweepTag     = "credential-refresh"
	sweepLockKey = "sweep:credential-refresh"
)

// Refresher renews credentials that lapse within window.
type Refresher interface {
	RefreshExpiring(ctx context.Context, window time.Duration) (credentials.RefreshReport, error)
}

// Locker keeps the sweep single-instance across replicas. *redis.Locker satisfies it.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func() error) error
}

type Config struct {
	Interval time.Duration
	Window   time.Duration
	LockTTL  time.Duration
}

// Sweeper refreshes expiring credentials ahead of use so sync calls rarely
// pay for a token exchange.
type Sweeper struct {
	refresher Refresher
	locker    Locker
	config    Config
	logger    ectologger.Logger

	cron    *gocron.Scheduler
	mu      sync.Mutex
	running bool
}

// NewSweeper builds a sweeper. A nil locker runs every sweep locally.
func NewSweeper(refresher Refresher, locker Locker, config Config, logger ectologger.Logger) *Sweeper {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.Window <= 0 {
		config.Window = DefaultWindow
	}
	if config.LockTTL <= 0 {
		config.LockTTL = DefaultLockTTL
	}
	return &Sweeper{
		refresher: refresher,
		locker:    locker,
		config:    config,
		logger:    logger,
		cron:      gocron.NewScheduler(time.UTC),
	}
}

// Start schedules the sweep every Interval, starting now. ctx bounds every run.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrSweeperAlreadyRunning
	}

	_, err := s.cron.Every(s.config.Interval).Tag(sweepTag).SingletonMode().Do(func() {
		if _, err := s.RunOnce(ctx); err != nil {
			s.logger.WithContext(ctx).WithError(err).Error("Credential refresh sweep failed")
		}
	})
	if err != nil {
		return err
	}
	s.cron.StartAsync()
	s.running = true

	s.logger.WithContext(ctx).Infof("Started credential refresh sweep: interval=%s window=%s", s.config.Interval, s.config.Window)
	return nil
}

func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.cron.Stop()
	s.cron.Clear()
	s.running = false
	s.logger.Info("Stopped credential refresh sweep")
}

func (s *Sweeper) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// RunOnce performs a single sweep. Another replica holding the lock is not
// an error; the report is empty.
func (s *Sweeper) RunOnce(ctx context.Context) (credentials.RefreshReport, error) {
	ctx, span := tracing.StartSpan(ctx, "Sweeper.RunOnce")
	defer span.End()

	var report credentials.RefreshReport
	sweep := func() error {
		var err error
		report, err = s.refresher.RefreshExpiring(ctx, s.config.Window)
		return err
	}

	if s.locker == nil {
		err := sweep()
		return report, err
	}

	err := s.locker.WithLock(ctx, sweepLockKey, s.config.LockTTL, sweep)
	if errors.Is(err, redis.ErrLockNotAcquired) {
		s.logger.WithContext(ctx).Debug("Credential refresh sweep is running elsewhere, skipping")
		return report, nil
	}
	if err != nil {
		tracing.RecordError(span, err)
	}
	return report, err
}
