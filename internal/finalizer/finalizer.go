// Package finalizer writes the immutable summary record of a finished or
// failed migration run.
package finalizer

import (
	"context"
	"strings"
	"time"

	"sitemigrate/internal/activerun"
	"sitemigrate/internal/progress"
	"sitemigrate/internal/runlog"

	"go.uber.org/zap"
)

// Status of a finished run
type Status string

const (
	StatusSuccess             Status = "success"
	StatusSuccessWithWarnings Status = "success_with_warnings"
	StatusFailed              Status = "failed"
)

// CategoryCount is the per-category tally of a run
type CategoryCount struct {
	Total    int `json:"total"`
	Migrated int `json:"migrated"`
}

// Results are the figures the executor hands over on completion
type Results struct {
	Total          int
	Migrated       int
	FailedPostIDs  []int64
	FailedMediaIDs []int64
	Counts         map[string]CategoryCount
	// CountsApproximate is set when Counts were reconstructed rather than
	// recorded per item.
	CountsApproximate bool
}

// Record is the summary of one run
type Record struct {
	MigrationID       string                   `json:"migration_id"`
	Status            Status                   `json:"status"`
	StartedAt         time.Time                `json:"started_at"`
	CompletedAt       time.Time                `json:"completed_at"`
	DurationSeconds   int64                    `json:"duration_sec"`
	Target            string                   `json:"target,omitempty"`
	CategoryMappings  map[string]string        `json:"category_mappings,omitempty"`
	Total             int                      `json:"total"`
	Migrated          int                      `json:"migrated"`
	Counts            map[string]CategoryCount `json:"counts_by_category"`
	CountsApproximate bool                     `json:"counts_approximate,omitempty"`
	FailedPostIDs     []int64                  `json:"failed_post_ids,omitempty"`
	FailedPostCount   int                      `json:"failed_posts_count"`
	FailedMediaIDs    []int64                  `json:"failed_media_ids,omitempty"`
	FailedMediaCount  int                      `json:"failed_media_count"`
	WarningsCount     int                      `json:"warnings_count"`
	WarningsSummary   string                   `json:"warnings_summary,omitempty"`
	ErrorsSummary     string                   `json:"errors_summary,omitempty"`
	MigratorWarnings  []string                 `json:"optional_migrator_warnings,omitempty"`
}

// ProgressSource exposes the progress record of the current run
type ProgressSource interface {
	Progress(ctx context.Context) (progress.State, error)
}

// Observer is notified of every written record
type Observer interface {
	RunFinalized(status string)
}

// Finalizer builds and persists run records
type Finalizer struct {
	runs     *Runs
	log      *runlog.Log
	progress ProgressSource
	active   *activerun.Store
	observer Observer
	logger   *zap.Logger
	now      func() time.Time
}

func New(runs *Runs, log *runlog.Log, progress ProgressSource, active *activerun.Store, logger *zap.Logger) *Finalizer {
	return &Finalizer{
		runs:     runs,
		log:      log,
		progress: progress,
		active:   active,
		logger:   logger,
		now:      time.Now,
	}
}

// SetObserver registers an observer for written records
func (f *Finalizer) SetObserver(o Observer) { f.observer = o }

// SetClock overrides the time source
func (f *Finalizer) SetClock(now func() time.Time) { f.now = now }

// Finalize writes the record of a run whose posts phase is exhausted
func (f *Finalizer) Finalize(ctx context.Context, results Results, migratorWarnings []string) (*Record, error) {
	state, err := f.progress.Progress(ctx)
	if err != nil {
		return nil, err
	}
	existing, err := f.runs.Get(ctx, state.MigrationID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		f.logger.Info("Run already finalized", zap.String("migration_id", state.MigrationID))
		return existing, nil
	}

	record := f.baseRecord(ctx, state)
	f.logger.Info("Finalizing migration",
		zap.String("migration_id", record.MigrationID),
		zap.Int("total", results.Total),
		zap.Int("migrated", results.Migrated))

	record.Total = results.Total
	record.Migrated = results.Migrated
	record.Counts = results.Counts
	if record.Counts == nil {
		record.Counts = map[string]CategoryCount{}
	}
	record.CountsApproximate = results.CountsApproximate
	record.FailedPostIDs = results.FailedPostIDs
	record.FailedPostCount = len(results.FailedPostIDs)
	record.FailedMediaIDs = results.FailedMediaIDs
	record.FailedMediaCount = len(results.FailedMediaIDs)
	record.MigratorWarnings = migratorWarnings

	warnings, err := f.log.Since(ctx, state.StartedAt, runlog.LevelWarning)
	if err != nil {
		return nil, err
	}
	errs, err := f.log.Since(ctx, state.StartedAt, runlog.LevelError)
	if err != nil {
		return nil, err
	}
	record.WarningsCount = len(warnings)
	record.WarningsSummary = summarize(warnings)
	record.ErrorsSummary = summarize(errs)

	record.Status = StatusSuccess
	if record.WarningsCount > 0 || record.FailedMediaCount > 0 || record.FailedPostCount > 0 || len(migratorWarnings) > 0 {
		record.Status = StatusSuccessWithWarnings
	}

	if err := f.runs.Save(ctx, record); err != nil {
		return nil, err
	}
	f.notify(record.Status)
	return record, nil
}

// WriteFailure records a failed run. Failures that happen before an id was
// minted are ignored.
func (f *Finalizer) WriteFailure(ctx context.Context, migrationID, message string) error {
	if migrationID == "" {
		return nil
	}
	state, err := f.progress.Progress(ctx)
	if err != nil {
		return err
	}
	record := f.baseRecord(ctx, state)
	record.MigrationID = migrationID
	record.Status = StatusFailed
	record.Counts = map[string]CategoryCount{}
	record.ErrorsSummary = message

	if err := f.runs.Save(ctx, record); err != nil {
		return err
	}
	f.notify(record.Status)
	return nil
}

func (f *Finalizer) baseRecord(ctx context.Context, state progress.State) *Record {
	now := f.now().UTC()
	record := &Record{
		MigrationID: state.MigrationID,
		StartedAt:   state.StartedAt,
		CompletedAt: now,
	}
	if !state.StartedAt.IsZero() {
		record.DurationSeconds = int64(max(0, now.Sub(state.StartedAt).Seconds()))
	}

	run, err := f.active.Get(ctx)
	if err != nil {
		f.logger.Warn("Failed to read active run for run record", zap.Error(err))
	}
	if run != nil {
		record.Target = run.Target
		record.CategoryMappings = run.Options.CategoryMappings
		if record.MigrationID == "" {
			record.MigrationID = run.ID
		}
		if record.StartedAt.IsZero() {
			record.StartedAt = run.StartedAt
		}
	}
	return record
}

func (f *Finalizer) notify(status Status) {
	if f.observer != nil {
		f.observer.RunFinalized(string(status))
	}
}

func summarize(entries []runlog.Entry) string {
	if len(entries) == 0 {
		return ""
	}
	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		parts = append(parts, e.String())
	}
	return strings.Join(parts, "; ")
}
