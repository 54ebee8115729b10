package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dukex/conduit/pkg/eventbus"
	"github.com/dukex/conduit/pkg/events"
	"github.com/dukex/conduit/pkg/liveness"
	"github.com/robfig/cron/v3"
)

// DefaultSchedule runs a sweep every minute.
const DefaultSchedule = "@every 1m"

// Sweeper keeps instance liveness current: it consumes pushed heartbeats and
// periodically disconnects instances whose heartbeat went stale.
type Sweeper struct {
	tracker  *liveness.Tracker
	bus      eventbus.EventSubscriber
	schedule string
	logger   *slog.Logger
	cron     *cron.Cron
}

func NewSweeper(tracker *liveness.Tracker, bus eventbus.EventSubscriber, schedule string, logger *slog.Logger) *Sweeper {
	if schedule == "" {
		schedule = DefaultSchedule
	}

	return &Sweeper{
		tracker:  tracker,
		bus:      bus,
		schedule: schedule,
		logger:   logger.With("module", "sweeper"),
	}
}

// Start subscribes to the heartbeat stream and schedules the sweep job.
func (s *Sweeper) Start(ctx context.Context) error {
	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return fmt.Errorf("invalid sweep schedule '%s': %w", s.schedule, err)
	}

	if s.bus != nil {
		err := s.bus.Handle(events.InstanceHeartbeatEvent, s.tracker.HeartbeatHandler())
		if err != nil {
			return fmt.Errorf("failed to register heartbeat handler: %w", err)
		}

		err = s.bus.Subscribe(ctx)
		if err != nil {
			return fmt.Errorf("failed to subscribe to heartbeats: %w", err)
		}
	}

	s.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	_, err := s.cron.AddFunc(s.schedule, func() { s.Sweep(ctx) })
	if err != nil {
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}

	s.cron.Start()
	s.logger.InfoContext(ctx, "sweeper started", "schedule", s.schedule)

	return nil
}

// Sweep runs one sweep and logs its outcome.
func (s *Sweeper) Sweep(ctx context.Context) liveness.SweepReport {
	report := s.tracker.Sweep(ctx)

	if !report.Success && report.Error != "" {
		s.logger.ErrorContext(ctx, "sweep failed", "error", report.Error)

		return report
	}

	level := slog.LevelDebug
	if report.Stats.Updated > 0 || report.Stats.Failed > 0 {
		level = slog.LevelInfo
	}

	s.logger.Log(ctx, level, "sweep completed",
		"total", report.Stats.Total,
		"updated", report.Stats.Updated,
		"failed", report.Stats.Failed,
	)

	return report
}

// Stop waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}

	<-s.cron.Stop().Done()
	s.logger.Info("sweeper stopped")
}

// Run starts the sweeper and blocks until ctx ends or the process is signalled.
func (s *Sweeper) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	err := s.Start(ctx)
	if err != nil {
		return err
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	select {
	case sig := <-signals:
		s.logger.Info("Received signal, shutting down", "signal", sig)
	case <-ctx.Done():
	}

	cancel()
	s.Stop()

	return nil
}
