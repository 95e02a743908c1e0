// Package driver advances a migration, either headless in time-budgeted
// slices re-armed through the scheduler, or one batch per request.
package driver

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"

	"sitemigrate/internal/activerun"
	"sitemigrate/internal/app"
	"sitemigrate/internal/checkpoint"
	"sitemigrate/internal/progress"
	"sitemigrate/internal/worker"

	"go.uber.org/zap"
)

// ErrNoActiveRun is returned by request mode calls for a checkpoint that
// has no active run behind it
var ErrNoActiveRun = errors.New("no_active_run")

// Engine is the part of app.Migrator the drivers use
type Engine interface {
	Start(ctx context.Context, req app.StartRequest) (*activerun.Run, error)
	Setup(ctx context.Context, run *activerun.Run) (checkpoint.Phase, error)
	ProcessBatch(ctx context.Context, run *activerun.Run, batch worker.BatchOptions) (*worker.Result, error)
	Fail(ctx context.Context, migrationID string, cause error)
	ActiveRuns() *activerun.Store
	Checkpoints() *checkpoint.Repository
	Tracker() *progress.Tracker
}

// recoverPanic turns a panic into a phase-fatal error carrying the panic
// site.
func recoverPanic(logger *zap.Logger, migrationID string, r any) error {
	file, line := panicLocation()
	logger.Error("Recovered panic",
		zap.String("migration_id", migrationID),
		zap.Any("panic", r),
		zap.String("file", file),
		zap.Int("line", line),
		zap.Stack("stack"))
	return app.Fatal("", fmt.Errorf("panic: %v (%s:%d)", r, file, line))
}

// panicLocation returns the frame that raised the panic being recovered:
// the first frame outside the runtime after runtime.gopanic.
func panicLocation() (string, int) {
	pcs := make([]uintptr, 64)
	n := runtime.Callers(1, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	panicking := false
	for {
		f, more := frames.Next()
		switch {
		case f.Function == "runtime.gopanic":
			panicking = true
		case panicking && !strings.HasPrefix(f.Function, "runtime."):
			return f.File, f.Line
		}
		if !more {
			return "unknown", 0
		}
	}
}

func isFatal(err error) bool {
	var fatal *app.FatalError
	return errors.As(err, &fatal)
}
