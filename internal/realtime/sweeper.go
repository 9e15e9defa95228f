package realtime

import (
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// purgeInterval is how often the expired-backlog purge runs. Expiry is
// lazy at drain time; the purge only exists to reclaim memory held for
// users who never reconnect, so it can be infrequent.
const purgeInterval = time.Minute

// Sweeper runs the hub's background maintenance jobs: disconnecting
// connections whose heartbeat went stale (same failure semantics as a
// transmit error) and purging expired offline backlog entries.
//
// Jobs run in singleton mode — if a sweep is still running when the next
// tick fires, the new execution is skipped rather than overlapped.
type Sweeper struct {
	cron    gocron.Scheduler
	hub     *Hub
	timeout time.Duration
	logger  *zap.Logger
}

// NewSweeper creates a Sweeper for hub using its configured heartbeat
// timeout. Call Start to begin sweeping.
func NewSweeper(hub *Hub, logger *zap.Logger) (*Sweeper, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("realtime: creating gocron scheduler: %w", err)
	}
	return &Sweeper{
		cron:    cron,
		hub:     hub,
		timeout: hub.HeartbeatTimeout(),
		logger:  logger.Named("sweeper"),
	}, nil
}

// Start schedules the sweep jobs and starts the underlying scheduler.
// The stale sweep runs at half the heartbeat timeout so a dead connection
// is detected within 1.5x the timeout at worst.
func (s *Sweeper) Start() error {
	sweepEvery := s.timeout / 2
	if sweepEvery < time.Second {
		sweepEvery = time.Second
	}

	if _, err := s.cron.NewJob(
		gocron.DurationJob(sweepEvery),
		gocron.NewTask(s.sweepStale),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("realtime: scheduling heartbeat sweep: %w", err)
	}

	if _, err := s.cron.NewJob(
		gocron.DurationJob(purgeInterval),
		gocron.NewTask(s.purgeExpired),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("realtime: scheduling backlog purge: %w", err)
	}

	s.cron.Start()
	s.logger.Info("background sweeps started",
		zap.Duration("heartbeat_timeout", s.timeout),
		zap.Duration("sweep_interval", sweepEvery),
	)
	return nil
}

// Stop shuts the scheduler down, waiting for in-flight sweeps to finish.
func (s *Sweeper) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("realtime: stopping sweeper: %w", err)
	}
	return nil
}

// sweepStale disconnects every connection whose last heartbeat is older
// than the timeout.
func (s *Sweeper) sweepStale() {
	stale := s.hub.Registry().Stale(s.timeout)
	for _, id := range stale {
		s.logger.Warn("heartbeat timeout, disconnecting",
			zap.String("connection_id", id.String()),
			zap.Duration("timeout", s.timeout),
		)
		s.hub.Registry().Disconnect(id)
	}
}

// purgeExpired drops expired offline backlog entries.
func (s *Sweeper) purgeExpired() {
	if dropped := s.hub.Queue().PurgeExpired(); dropped > 0 {
		s.logger.Info("purged expired backlog entries", zap.Int("dropped", dropped))
	}
}
