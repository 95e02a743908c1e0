package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sitemigrate/internal/activerun"
	"sitemigrate/internal/checkpoint"
	"sitemigrate/internal/progress"
	"sitemigrate/internal/runlog"
	"sitemigrate/internal/transport"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrRunActive is returned by Start while another run is live
	ErrRunActive = errors.New("migration_in_progress")
	// ErrCredentialExpired means the run credential is past its expiry
	ErrCredentialExpired = errors.New("credential_expired")
)

// FatalError aborts a run. It is handled once, by Fail.
type FatalError struct {
	Step string
	Err  error
}

func (e *FatalError) Error() string {
	if e.Step == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err as a phase-fatal error of step
func Fatal(step string, err error) *FatalError {
	return &FatalError{Step: step, Err: err}
}

// StartRequest describes a new run
type StartRequest struct {
	Target     string
	Credential string
	BatchSize  int
	Options    activerun.Options
	Mode       activerun.Mode
	// Force replaces a live run instead of refusing
	Force bool
}

// Start mints a migration id, records the active run and initializes
// progress. Setup is a separate step.
func (m *Migrator) Start(ctx context.Context, req StartRequest) (*activerun.Run, error) {
	if req.Target == "" {
		return nil, fmt.Errorf("target is required")
	}

	existing, err := m.runs.Get(ctx)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		state, err := m.tracker.Progress(ctx)
		if err != nil {
			return nil, err
		}
		live := state.MigrationID == existing.ID && state.Status.IsLive()
		if live && !req.Force {
			return nil, fmt.Errorf("%w: %s", ErrRunActive, existing.ID)
		}
		m.logger.Info("Replacing previous run",
			zap.String("previous_id", existing.ID),
			zap.String("previous_status", string(state.Status)),
			zap.Bool("force", req.Force))
		if err := m.clear(ctx, existing.ID); err != nil {
			return nil, err
		}
	}

	claims, err := transport.ParseCredential(req.Credential)
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	if !claims.ExpiresAt.IsZero() && !now.Before(claims.ExpiresAt) {
		return nil, ErrCredentialExpired
	}

	mode := req.Mode
	if mode == "" {
		mode = activerun.ModeHeadless
	}
	run := &activerun.Run{
		ID:         uuid.NewString(),
		Target:     req.Target,
		Credential: req.Credential,
		BatchSize:  req.BatchSize,
		Options:    req.Options,
		Mode:       mode,
		IssuedAt:   claims.IssuedAt,
		ExpiresAt:  claims.ExpiresAt,
		StartedAt:  now,
	}
	if err := m.runs.Save(ctx, run); err != nil {
		return nil, err
	}
	if err := m.tracker.Init(ctx, run.ID, progress.StepOptions{
		IncludeMedia:    req.Options.IncludeMedia,
		HasCustomFields: true,
	}); err != nil {
		return nil, err
	}

	m.log.Info(ctx, run.ID, "Migration started", map[string]any{"target": run.Target, "mode": string(run.Mode)})
	return run, nil
}

// Cancel stops the run: progress, steps, checkpoint and the active run
// record are removed and pending background events dropped. An executor in
// flight notices the missing checkpoint and discards its batch.
func (m *Migrator) Cancel(ctx context.Context, migrationID string) error {
	if migrationID == "" {
		run, err := m.runs.Get(ctx)
		if err != nil {
			return err
		}
		if run != nil {
			migrationID = run.ID
		}
	}
	if err := m.clear(ctx, migrationID); err != nil {
		return err
	}
	m.logger.Info("Migration cancelled", zap.String("migration_id", migrationID))
	return nil
}

func (m *Migrator) clear(ctx context.Context, migrationID string) error {
	if err := m.checkpoints.Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	if err := m.tracker.Reset(ctx); err != nil {
		return fmt.Errorf("failed to reset progress: %w", err)
	}
	if err := m.runs.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear active run: %w", err)
	}
	if m.scheduler != nil && migrationID != "" {
		if err := m.scheduler.Unschedule(ctx, migrationID); err != nil {
			m.logger.Warn("Failed to unschedule run", zap.String("migration_id", migrationID), zap.Error(err))
		}
	}
	return nil
}

// Fail ends a run after a phase-fatal error: progress goes to error, a
// failure record is written and the active run is cleared. Calling it again
// for a run already in error is a no-op.
func (m *Migrator) Fail(ctx context.Context, migrationID string, cause error) {
	ctx = context.WithoutCancel(ctx)
	logger := m.logger.With(zap.String("migration_id", migrationID))

	state, err := m.tracker.Progress(ctx)
	if err != nil {
		logger.Error("Failed to read progress", zap.Error(err))
	}
	if state.Status == progress.StatusError && state.MigrationID == migrationID {
		return
	}

	message := cause.Error()
	fields := map[string]any{"error_message": message}
	var fatal *FatalError
	if errors.As(cause, &fatal) && fatal.Step != "" {
		fields["step"] = fatal.Step
	}
	m.log.Error(ctx, migrationID, runlog.CodeFatal, "Migration failed", fields)

	if err := m.finalizer.WriteFailure(ctx, migrationID, message); err != nil {
		logger.Error("Failed to write failure record", zap.Error(err))
	}
	if err := m.tracker.Update(ctx, progress.StepError, state.Percentage, message); err != nil {
		logger.Error("Failed to record error progress", zap.Error(err))
	}
	if err := m.runs.Clear(ctx); err != nil {
		logger.Error("Failed to clear active run", zap.Error(err))
	}
}

// StatusReport is the read-only view of the current run
type StatusReport struct {
	Progress   progress.State   `json:"progress"`
	Steps      progress.Steps   `json:"steps,omitempty"`
	Run        *activerun.Run   `json:"run,omitempty"`
	Phase      checkpoint.Phase `json:"phase,omitempty"`
	Remaining  int              `json:"remaining"`
	ETASeconds int64            `json:"eta_seconds,omitempty"`
}

// Status returns progress, steps and an ETA of the current run
func (m *Migrator) Status(ctx context.Context) (*StatusReport, error) {
	state, err := m.tracker.Progress(ctx)
	if err != nil {
		return nil, err
	}
	steps, err := m.tracker.Steps(ctx)
	if err != nil {
		return nil, err
	}
	run, err := m.runs.Get(ctx)
	if err != nil {
		return nil, err
	}
	if run != nil {
		redacted := *run
		redacted.Credential = ""
		run = &redacted
	}

	report := &StatusReport{Progress: state, Steps: steps, Run: run}
	if cp, err := m.checkpoints.Get(ctx); err != nil {
		return nil, err
	} else if cp != nil {
		report.Phase = cp.ActivePhase()
		report.Remaining = len(cp.State(report.Phase).Remaining)
	}
	if eta, ok := progress.EstimateRemaining(state, m.now()); ok {
		report.ETASeconds = int64(eta / time.Second)
	}
	return report, nil
}
