package driver

import (
	"context"
	"time"

	"sitemigrate/internal/activerun"
	"sitemigrate/internal/app"
	"sitemigrate/internal/checkpoint"
	"sitemigrate/internal/progress"
	"sitemigrate/internal/worker"

	"go.uber.org/zap"
)

// Start statuses
const (
	StatusMediaReady = "media_ready"
	StatusPostsReady = "posts_ready"
)

// StartResult is returned once setup is done and batches can be requested
type StartResult struct {
	MigrationID string         `json:"migration_id"`
	Status      string         `json:"status"`
	Progress    progress.State `json:"progress"`
	Steps       progress.Steps `json:"steps,omitempty"`
}

// Request drives a migration one call at a time
type Request struct {
	engine Engine
	logger *zap.Logger
	now    func() time.Time
}

func NewRequest(engine Engine, logger *zap.Logger) *Request {
	return &Request{engine: engine, logger: logger, now: time.Now}
}

// Start begins a run and performs setup synchronously
func (r *Request) Start(ctx context.Context, req app.StartRequest) (res *StartResult, err error) {
	req.Mode = activerun.ModeRequest
	run, err := r.engine.Start(ctx, req)
	if err != nil {
		return nil, err
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = recoverPanic(r.logger, run.ID, rec)
			r.engine.Fail(ctx, run.ID, err)
			res = nil
		}
	}()

	first, err := r.engine.Setup(ctx, run)
	if err != nil {
		r.engine.Fail(ctx, run.ID, err)
		return nil, err
	}

	status := StatusPostsReady
	if first == checkpoint.PhaseMedia {
		status = StatusMediaReady
	}
	res = &StartResult{MigrationID: run.ID, Status: status}
	if res.Progress, err = r.engine.Tracker().Progress(ctx); err != nil {
		return nil, err
	}
	if res.Steps, err = r.engine.Tracker().Steps(ctx); err != nil {
		return nil, err
	}
	return res, nil
}

// Step runs one batch of migrationID. Lock contention is returned as
// worker.ErrBatchLocked for the caller to retry later. A repeated trigger
// for a run that is gone is answered with an idle result.
func (r *Request) Step(ctx context.Context, migrationID string, batch worker.BatchOptions) (res *worker.Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = recoverPanic(r.logger, migrationID, rec)
			r.engine.Fail(ctx, migrationID, err)
			res = nil
		}
	}()

	run, err := r.engine.ActiveRuns().Get(ctx)
	if err != nil {
		return nil, err
	}
	if run == nil || run.ID != migrationID {
		exists, err := r.engine.Checkpoints().Exists(ctx, migrationID)
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, ErrNoActiveRun
		}
		return r.idle(ctx, migrationID)
	}
	if run.CredentialExpired(r.now()) {
		err := app.Fatal("", app.ErrCredentialExpired)
		r.engine.Fail(ctx, migrationID, err)
		return nil, err
	}

	res, err = r.engine.ProcessBatch(ctx, run, batch)
	if err != nil && isFatal(err) {
		r.engine.Fail(ctx, migrationID, err)
	}
	return res, err
}

func (r *Request) idle(ctx context.Context, migrationID string) (*worker.Result, error) {
	res := &worker.Result{MigrationID: migrationID, Idle: true, Message: "No migration in progress"}
	state, err := r.engine.Tracker().Progress(ctx)
	if err != nil {
		return nil, err
	}
	if state.MigrationID != migrationID {
		return res, nil
	}
	res.Progress = state
	res.Message = state.Message
	res.Completed = state.Status == progress.StatusCompleted
	return res, nil
}
