package worker

import (
	"errors"

	"sitemigrate/internal/lock"
)

var (
	// ErrBatchLocked means another invocation is running a batch for the
	// same migration. Back off and retry later.
	ErrBatchLocked = lock.ErrBatchLocked
	// ErrNoCheckpoint means there is nothing to resume for the migration id.
	ErrNoCheckpoint = errors.New("no_checkpoint")
	// ErrNoPhaseHandler means the checkpoint names a phase nobody handles.
	ErrNoPhaseHandler = errors.New("no_phase_handler")
	// ErrRunCancelled means the run was cancelled while a batch was in
	// flight. The batch outcome was discarded.
	ErrRunCancelled = errors.New("run_cancelled")
)
