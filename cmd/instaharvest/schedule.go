package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/FranksOps/instaharvest/internal/config"
	"github.com/FranksOps/instaharvest/internal/pipeline"
	"github.com/FranksOps/instaharvest/internal/resource"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run the configured passes on their cron schedules until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, runSchedule)
	},
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// scheduler runs pipeline passes from cron entries. Passes over the same
// category are serialized since they share scan checkpoints.
type scheduler struct {
	runner *pipeline.Runner
	logger *slog.Logger
	ctx    context.Context

	mu    sync.Mutex
	locks map[resource.Category]*sync.Mutex
}

func (s *scheduler) lock(c resource.Category) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[c]
	if !ok {
		l = &sync.Mutex{}
		s.locks[c] = l
	}
	return l
}

func (s *scheduler) job(category resource.Category, mode pipeline.Mode) func() {
	return func() {
		l := s.lock(category)
		if !l.TryLock() {
			s.logger.Warn("previous pass still running, skipping", "category", category, "mode", mode)
			return
		}
		defer l.Unlock()

		log := s.logger.With("category", category, "mode", mode)
		log.Info("scheduled pass starting")
		sum, err := s.runner.Run(s.ctx, category, mode)
		if err != nil {
			log.Error("scheduled pass failed", "err", err)
		}
		log.Info("scheduled pass finished",
			"attempted", sum.Attempted, "succeeded", sum.Succeeded, "not_found", sum.NotFound,
			"failed", sum.Failed, "extracted", sum.Extracted, "duration", sum.Duration)
	}
}

func addJobs(c *cron.Cron, s *scheduler, jobs []config.Job) error {
	for _, j := range jobs {
		category, err := resource.ParseCategory(j.Category)
		if err != nil {
			return err
		}
		mode := pipeline.Mode(j.Mode)
		if mode != pipeline.ModeRun && mode != pipeline.ModeUpdate {
			return fmt.Errorf("schedule %q: unknown mode %q", j.Spec, j.Mode)
		}
		if _, err := c.AddFunc(j.Spec, s.job(category, mode)); err != nil {
			return fmt.Errorf("schedule %q: %w", j.Spec, err)
		}
	}
	return nil
}

func runSchedule(ctx context.Context, a *app) error {
	if len(a.cfg.Schedule) == 0 {
		return fmt.Errorf("no schedule configured")
	}
	s := &scheduler{runner: a.runner, logger: a.logger, ctx: ctx, locks: map[resource.Category]*sync.Mutex{}}
	c := cron.New(cron.WithParser(cronParser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	if err := addJobs(c, s, a.cfg.Schedule); err != nil {
		return err
	}

	c.Start()
	a.logger.Info("scheduler started", "jobs", len(a.cfg.Schedule))
	<-ctx.Done()

	a.logger.Info("scheduler stopping, waiting for running passes")
	<-c.Stop().Done()
	return nil
}
