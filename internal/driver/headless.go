package driver

import (
	"context"
	"errors"
	"time"

	"sitemigrate/internal/activerun"
	"sitemigrate/internal/app"
	"sitemigrate/internal/progress"
	"sitemigrate/internal/worker"

	"go.uber.org/zap"
)

// Defaults of a headless driver
const (
	DefaultBudget       = 300 * time.Second
	DefaultRequeueDelay = time.Second
	DefaultLockBackoff  = 15 * time.Second
	RequeueWarnAfter    = 50
	LogRetention        = 7 * 24 * time.Hour
)

// Outcome of one headless slice
type Outcome string

const (
	OutcomeIdle      Outcome = "idle"
	OutcomeCompleted Outcome = "completed"
	OutcomeRequeued  Outcome = "requeued"
	OutcomeLocked    Outcome = "locked"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
)

// Scheduler re-arms headless slices
type Scheduler interface {
	Schedule(ctx context.Context, migrationID string, delay time.Duration) error
	Unschedule(ctx context.Context, migrationID string) error
	ScheduleLogCleanup(ctx context.Context, migrationID string, delay time.Duration) error
}

// HeadlessConfig tunes a headless driver
type HeadlessConfig struct {
	// ExecutionCeiling is the hard limit of one invocation. A slice uses 80%
	// of it; zero means unbounded and a fixed budget applies.
	ExecutionCeiling time.Duration
	RequeueDelay     time.Duration
	LockBackoff      time.Duration
}

// Headless runs a migration in time-budgeted slices
type Headless struct {
	engine    Engine
	scheduler Scheduler
	cfg       HeadlessConfig
	logger    *zap.Logger
	now       func() time.Time
}

// NewHeadless creates a headless driver. scheduler may be nil when the
// caller loops on the returned outcome itself.
func NewHeadless(engine Engine, scheduler Scheduler, cfg HeadlessConfig, logger *zap.Logger) *Headless {
	if cfg.RequeueDelay <= 0 {
		cfg.RequeueDelay = DefaultRequeueDelay
	}
	if cfg.LockBackoff <= 0 {
		cfg.LockBackoff = DefaultLockBackoff
	}
	return &Headless{
		engine:    engine,
		scheduler: scheduler,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// SetClock overrides the time source used for the budget
func (h *Headless) SetClock(now func() time.Time) { h.now = now }

// Budget is the wall time one slice may spend before re-arming
func (h *Headless) Budget() time.Duration {
	if h.cfg.ExecutionCeiling <= 0 {
		return DefaultBudget
	}
	return h.cfg.ExecutionCeiling * 8 / 10
}

// Trigger adapts Run to the scheduler trigger signature
func (h *Headless) Trigger(ctx context.Context, migrationID string) {
	out, err := h.Run(ctx, migrationID)
	if err != nil {
		h.logger.Warn("Headless slice ended with error",
			zap.String("migration_id", migrationID),
			zap.String("outcome", string(out)),
			zap.Error(err))
		return
	}
	h.logger.Debug("Headless slice ended",
		zap.String("migration_id", migrationID),
		zap.String("outcome", string(out)))
}

// Run processes batches of migrationID until the run completes or the
// slice budget is used up, then re-arms. Without an active run for
// migrationID it does nothing.
func (h *Headless) Run(ctx context.Context, migrationID string) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = recoverPanic(h.logger, migrationID, r)
			h.engine.Fail(ctx, migrationID, err)
			out = OutcomeFailed
		}
	}()

	logger := h.logger.With(zap.String("migration_id", migrationID))

	if done, err := h.finished(ctx, migrationID); err != nil || done {
		return OutcomeIdle, err
	}

	run, err := h.engine.ActiveRuns().Get(ctx)
	if err != nil {
		return OutcomeIdle, err
	}
	if run == nil || run.ID != migrationID {
		logger.Debug("No active run, nothing to do")
		return OutcomeIdle, nil
	}

	if run.CredentialExpired(h.now()) {
		h.engine.Fail(ctx, migrationID, app.Fatal("", app.ErrCredentialExpired))
		return OutcomeFailed, app.ErrCredentialExpired
	}

	exists, err := h.engine.Checkpoints().Exists(ctx, migrationID)
	if err != nil {
		return h.requeue(ctx, run, h.cfg.RequeueDelay, err)
	}
	if !exists {
		if out, err := h.setup(ctx, run); err != nil {
			return out, err
		}
	}

	deadline := h.now().Add(h.Budget())
	resetup := false
	for {
		if ctx.Err() != nil {
			return h.requeue(context.WithoutCancel(ctx), run, h.cfg.RequeueDelay, nil)
		}

		res, err := h.engine.ProcessBatch(ctx, run, worker.BatchOptions{})
		switch {
		case err == nil:
		case errors.Is(err, worker.ErrBatchLocked):
			logger.Info("Another batch is running, backing off")
			out, _ := h.requeue(ctx, run, h.cfg.LockBackoff, nil)
			if out == OutcomeRequeued {
				out = OutcomeLocked
			}
			return out, nil
		case errors.Is(err, worker.ErrRunCancelled):
			return OutcomeCancelled, nil
		case errors.Is(err, worker.ErrNoCheckpoint):
			current, gerr := h.engine.ActiveRuns().Get(ctx)
			if gerr != nil {
				return OutcomeIdle, gerr
			}
			if current == nil || current.ID != migrationID {
				return OutcomeCancelled, nil
			}
			if resetup {
				return h.fail(ctx, migrationID, app.Fatal("", err))
			}
			resetup = true
			logger.Warn("Checkpoint missing for active run, running setup again")
			if out, err := h.setup(ctx, run); err != nil {
				return out, err
			}
			continue
		case isFatal(err):
			return h.fail(ctx, migrationID, err)
		case ctx.Err() != nil:
			return h.requeue(context.WithoutCancel(ctx), run, h.cfg.RequeueDelay, nil)
		default:
			logger.Error("Batch failed, re-arming", zap.Error(err))
			return h.requeue(ctx, run, h.cfg.LockBackoff, err)
		}

		if res.Completed {
			h.complete(ctx, migrationID)
			return OutcomeCompleted, nil
		}
		if !h.now().Before(deadline) {
			return h.requeue(ctx, run, h.cfg.RequeueDelay, nil)
		}
	}
}

func (h *Headless) setup(ctx context.Context, run *activerun.Run) (Outcome, error) {
	if _, err := h.engine.Setup(ctx, run); err != nil {
		if isFatal(err) {
			return h.fail(ctx, run.ID, err)
		}
		return h.requeue(ctx, run, h.cfg.LockBackoff, err)
	}
	return OutcomeRequeued, nil
}

func (h *Headless) fail(ctx context.Context, migrationID string, err error) (Outcome, error) {
	h.engine.Fail(ctx, migrationID, err)
	if h.scheduler != nil {
		if uerr := h.scheduler.Unschedule(context.WithoutCancel(ctx), migrationID); uerr != nil {
			h.logger.Warn("Failed to unschedule failed run", zap.String("migration_id", migrationID), zap.Error(uerr))
		}
	}
	return OutcomeFailed, err
}

func (h *Headless) complete(ctx context.Context, migrationID string) {
	if h.scheduler == nil {
		return
	}
	if err := h.scheduler.Unschedule(ctx, migrationID); err != nil {
		h.logger.Warn("Failed to unschedule completed run", zap.String("migration_id", migrationID), zap.Error(err))
	}
	if err := h.scheduler.ScheduleLogCleanup(ctx, migrationID, LogRetention); err != nil {
		h.logger.Warn("Failed to schedule log cleanup", zap.String("migration_id", migrationID), zap.Error(err))
	}
}

// requeue counts the re-arm and schedules the next slice. A run that was
// cleared or reached completed/error in the meantime is not re-armed. cause
// is returned unchanged.
func (h *Headless) requeue(ctx context.Context, run *activerun.Run, delay time.Duration, cause error) (Outcome, error) {
	runs := h.engine.ActiveRuns()
	current, err := runs.Get(ctx)
	if err != nil {
		return OutcomeIdle, err
	}
	if current == nil || current.ID != run.ID {
		return OutcomeCancelled, cause
	}
	if done, err := h.finished(ctx, run.ID); err != nil || done {
		return OutcomeIdle, err
	}

	n, err := runs.CountRequeue(ctx, run.ID)
	if err != nil {
		return OutcomeIdle, err
	}
	if n > RequeueWarnAfter {
		h.logger.Warn("Headless run re-armed many times",
			zap.String("migration_id", run.ID),
			zap.Int("requeues", n))
	}

	if h.scheduler != nil {
		if err := h.scheduler.Schedule(ctx, run.ID, delay); err != nil {
			return OutcomeIdle, err
		}
	}
	return OutcomeRequeued, cause
}

// finished reports whether progress shows migrationID completed or failed
func (h *Headless) finished(ctx context.Context, migrationID string) (bool, error) {
	state, err := h.engine.Tracker().Progress(ctx)
	if err != nil {
		return false, err
	}
	return state.MigrationID == migrationID &&
		(state.Status == progress.StatusCompleted || state.Status == progress.StatusError), nil
}
