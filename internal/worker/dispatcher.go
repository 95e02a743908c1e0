package worker

import (
	"context"
	"errors"
	"time"

	"sitemigrate/internal/activerun"
	"sitemigrate/internal/checkpoint"
	"sitemigrate/internal/lock"
	"sitemigrate/internal/metrics"
	"sitemigrate/internal/phase"
	"sitemigrate/internal/progress"

	"go.uber.org/zap"
)

// ResumeResult is the read-only view of a resumable run
type ResumeResult struct {
	MigrationID string           `json:"migration_id"`
	Phase       checkpoint.Phase `json:"phase"`
	Remaining   int              `json:"remaining"`
	Progress    progress.State   `json:"progress"`
	Steps       progress.Steps   `json:"steps,omitempty"`
}

// Dispatcher routes a batch call to the handler of the checkpoint's active
// phase while holding the per-run batch lock.
type Dispatcher struct {
	locks       *lock.Manager
	checkpoints *checkpoint.Repository
	registry    phase.Registry
	executor    *Executor
	tracker     *progress.Tracker
	metrics     *metrics.Collector
	logger      *zap.Logger
}

func NewDispatcher(locks *lock.Manager, checkpoints *checkpoint.Repository, registry phase.Registry, executor *Executor, tracker *progress.Tracker, m *metrics.Collector, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		locks:       locks,
		checkpoints: checkpoints,
		registry:    registry,
		executor:    executor,
		tracker:     tracker,
		metrics:     m,
		logger:      logger,
	}
}

// ProcessBatch runs one batch of the active phase of migrationID. It returns
// ErrBatchLocked if another batch of the same run is in flight and
// ErrNoCheckpoint if there is nothing to process.
func (d *Dispatcher) ProcessBatch(ctx context.Context, migrationID string, batch BatchOptions, target, credential string, opts activerun.Options) (*Result, error) {
	lease, err := d.locks.Acquire(ctx, migrationID)
	if err != nil {
		if errors.Is(err, lock.ErrBatchLocked) {
			d.metrics.IncLockContention()
			return nil, ErrBatchLocked
		}
		return nil, err
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			d.logger.Warn("Failed to release batch lock",
				zap.String("migration_id", migrationID),
				zap.Error(err))
		}
	}()

	cp, err := d.checkpoints.Load(ctx, migrationID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return nil, ErrNoCheckpoint
		}
		return nil, err
	}

	active := cp.ActivePhase()
	h, ok := d.registry.Lookup(active)
	if !ok {
		d.logger.Error("No handler registered for phase",
			zap.String("migration_id", migrationID),
			zap.String("phase", string(active)))
		return nil, ErrNoPhaseHandler
	}

	ictx := phase.ItemContext{
		MigrationID:      migrationID,
		Target:           target,
		Credential:       credential,
		CategoryMappings: opts.CategoryMappings,
		Heartbeat:        d.tracker.Heartbeat,
	}

	start := time.Now()
	result, err := d.executor.Run(ctx, h, cp, batch, ictx)
	d.metrics.ObserveBatch(string(active), time.Since(start))
	return result, err
}

// Resume reports where a run stands without processing anything
func (d *Dispatcher) Resume(ctx context.Context, migrationID string) (*ResumeResult, error) {
	cp, err := d.checkpoints.Load(ctx, migrationID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return nil, ErrNoCheckpoint
		}
		return nil, err
	}

	state, err := d.tracker.Progress(ctx)
	if err != nil {
		return nil, err
	}
	steps, err := d.tracker.Steps(ctx)
	if err != nil {
		return nil, err
	}

	active := cp.ActivePhase()
	return &ResumeResult{
		MigrationID: migrationID,
		Phase:       active,
		Remaining:   len(cp.State(active).Remaining),
		Progress:    state,
		Steps:       steps,
	}, nil
}
