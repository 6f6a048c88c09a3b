// Package scheduler wires the orchestrator's entry points to cron
// expressions. Overlap is handled downstream: the orchestrator's cycle
// lock rejects a trigger that fires while another run is in flight.
package scheduler

import (
	"context"
	"errors"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/etnwatch/etnwatch/internal/orchestrator"
)

// Runner is the subset of the orchestrator the scheduler drives.
type Runner interface {
	RunCycle(ctx context.Context) (orchestrator.CycleReport, error)
	RunInventorySync(ctx context.Context) (orchestrator.SyncReport, error)
	ResendExpiryAlerts(ctx context.Context) error
}

// Config holds the three cron expressions, standard five-field format.
type Config struct {
	SyncCron   string // inventory refresh
	CheckCron  string // full check cycle
	NotifyCron string // re-send alerts for known expiring certs
	RunOnStart bool
}

type Scheduler struct {
	cron   *cron.Cron
	runner Runner
	cfg    Config
	log    *zap.SugaredLogger
}

func New(runner Runner, cfg Config, log *zap.SugaredLogger) *Scheduler {
	return &Scheduler{cron: cron.New(), runner: runner, cfg: cfg, log: log}
}

// Start registers the jobs and launches the cron loop. Invalid
// expressions are reported before anything runs.
func (s *Scheduler) Start(ctx context.Context) error {
	jobs := []struct {
		name string
		spec string
		run  func()
	}{
		{"inventory_sync", s.cfg.SyncCron, func() { s.runSync(ctx) }},
		{"check_cycle", s.cfg.CheckCron, func() { s.runCycle(ctx) }},
		{"notify", s.cfg.NotifyCron, func() { s.runNotify(ctx) }},
	}
	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		if _, err := s.cron.AddFunc(j.spec, j.run); err != nil {
			return err
		}
		s.log.Info("scheduled job", "job", j.name, "cron", j.spec)
	}

	if s.cfg.RunOnStart {
		go func() {
			s.runSync(ctx)
			s.runCycle(ctx)
		}()
	}

	s.cron.Start()
	return nil
}

// Stop halts the cron loop; a job already running is left to finish.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}

func (s *Scheduler) runSync(ctx context.Context) {
	rep, err := s.runner.RunInventorySync(ctx)
	switch {
	case errors.Is(err, orchestrator.ErrAlreadyRunning):
		s.log.Warn("inventory sync skipped, cycle in progress")
	case err != nil:
		s.log.Error("inventory sync failed", "err", err)
	default:
		s.log.Info("inventory sync done",
			"discovered", rep.Discovered,
			"inserted", rep.Inserted,
			"deactivated", rep.Deactivated,
		)
	}
}

func (s *Scheduler) runCycle(ctx context.Context) {
	_, err := s.runner.RunCycle(ctx)
	switch {
	case errors.Is(err, orchestrator.ErrAlreadyRunning):
		s.log.Warn("check cycle skipped, another run in progress")
	case err != nil:
		s.log.Error("check cycle failed", "err", err)
	}
}

func (s *Scheduler) runNotify(ctx context.Context) {
	if err := s.runner.ResendExpiryAlerts(ctx); err != nil {
		s.log.Error("alert re-send failed", "err", err)
	}
}
