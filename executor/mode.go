package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/AvaProtocol/bundler-executor/pkg/logger"
)

// modeController switches the Bundling Loop between a periodic auto-mode
// tick and an externally triggered manual mode, mirroring the donor's
// CronSchedulerManager: a gocron.Scheduler plus a tracked job, guarded
// by a mutex so switching is safe from any goroutine.
type modeController struct {
	mu        sync.Mutex
	mode      BundleMode
	scheduler gocron.Scheduler
	job       gocron.Job
	frequency time.Duration
	logger    logger.Logger
	tick      func(ctx context.Context)
}

func newModeController(frequency time.Duration, lg logger.Logger, tick func(ctx context.Context)) (*modeController, error) {
	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("creating bundling-loop scheduler: %w", err)
	}
	scheduler.Start()

	return &modeController{
		mode:      ModeManual,
		scheduler: scheduler,
		frequency: frequency,
		logger:    logger.EnsureLogger(lg),
		tick:      tick,
	}, nil
}

// SetMode switches between auto and manual. Switching is idempotent if
// mode already matches.
func (mc *modeController) SetMode(mode BundleMode) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if mode == mc.mode {
		return nil
	}

	switch mode {
	case ModeAuto:
		job, err := mc.scheduler.NewJob(
			gocron.DurationJob(mc.frequency),
			gocron.NewTask(func() { mc.tick(context.Background()) }),
		)
		if err != nil {
			return fmt.Errorf("scheduling auto-mode tick: %w", err)
		}
		mc.job = job
		mc.mode = ModeAuto
		mc.logger.Info("bundling loop switched to auto mode", "frequency", mc.frequency)

	case ModeManual:
		if mc.job != nil {
			if err := mc.scheduler.RemoveJob(mc.job.ID()); err != nil {
				return fmt.Errorf("cancelling auto-mode tick: %w", err)
			}
			mc.job = nil
		}
		mc.mode = ModeManual
		mc.logger.Info("bundling loop switched to manual mode")

	default:
		return fmt.Errorf("unknown bundle mode %q", mode)
	}

	return nil
}

// Mode returns the current mode.
func (mc *modeController) Mode() BundleMode {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.mode
}

// Stop tears down the scheduler, joining any in-flight tick.
func (mc *modeController) Stop() error {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if err := mc.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("shutting down bundling-loop scheduler: %w", err)
	}
	mc.job = nil
	return nil
}
