package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"sitemigrate/internal/checkpoint"
	"sitemigrate/internal/finalizer"
	"sitemigrate/internal/metrics"
	"sitemigrate/internal/phase"
	"sitemigrate/internal/progress"
	"sitemigrate/internal/runlog"

	"go.uber.org/zap"
)

// BatchOptions are the caller overrides of one batch call
type BatchOptions struct {
	// BatchSize overrides the handler default when > 0
	BatchSize int
}

// Result describes the outcome of one batch call
type Result struct {
	MigrationID   string           `json:"migration_id"`
	Phase         checkpoint.Phase `json:"phase"`
	Completed     bool             `json:"completed"`
	// Idle is set when there was no run to work on
	Idle          bool             `json:"idle,omitempty"`
	AdvancedPhase bool             `json:"advanced_phase,omitempty"`
	Remaining     int              `json:"remaining"`
	Processed     int              `json:"processed"`
	Total         int              `json:"total"`
	CurrentItem   *phase.Item      `json:"current_item,omitempty"`
	Message       string           `json:"message,omitempty"`

	FailedMediaIDs []int64 `json:"failed_media_ids,omitempty"`
	FailedPostIDs  []int64 `json:"failed_post_ids,omitempty"`

	Progress progress.State `json:"progress"`
	Steps    progress.Steps `json:"steps,omitempty"`
}

// ItemsTotalReporter receives the combined item total of a run
type ItemsTotalReporter interface {
	SetItemsTotal(n int)
}

// Executor runs one batch of the active phase
type Executor struct {
	checkpoints *checkpoint.Repository
	tracker     *progress.Tracker
	finalizer   *finalizer.Finalizer
	registry    phase.Registry
	log         *runlog.Log
	totals      ItemsTotalReporter
	metrics     *metrics.Collector
	logger      *zap.Logger
}

// ExecutorConfig holds the collaborators of an Executor
type ExecutorConfig struct {
	Checkpoints *checkpoint.Repository
	Tracker     *progress.Tracker
	Finalizer   *finalizer.Finalizer
	Registry    phase.Registry
	Log         *runlog.Log
	Totals      ItemsTotalReporter // optional
	Metrics     *metrics.Collector // optional
	Logger      *zap.Logger
}

func NewExecutor(cfg ExecutorConfig) *Executor {
	return &Executor{
		checkpoints: cfg.Checkpoints,
		tracker:     cfg.Tracker,
		finalizer:   cfg.Finalizer,
		registry:    cfg.Registry,
		log:         cfg.Log,
		totals:      cfg.Totals,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
	}
}

// Run processes one batch of h's phase. Items are processed strictly one at
// a time; a failed item goes to the back of the queue until it runs out of
// retries. The checkpoint is written once per call.
func (e *Executor) Run(ctx context.Context, h phase.Handler, cp *checkpoint.Checkpoint, batch BatchOptions, ictx phase.ItemContext) (*Result, error) {
	key := h.Key()
	migrationID := cp.MigrationID
	state := cp.State(key)
	logger := e.logger.With(zap.String("migration_id", migrationID), zap.String("phase", string(key)))

	remaining := h.Remaining(cp)
	processed := state.Processed
	total := state.TotalCount()
	attempts := make(map[int64]int, len(state.Attempts))
	for id, n := range state.Attempts {
		attempts[id] = n
	}
	failed := append([]int64(nil), state.Failed...)

	batchSize := h.BatchSize()
	if batch.BatchSize > 0 {
		batchSize = batch.BatchSize
	}
	if batchSize < 1 {
		batchSize = 1
	}
	n := min(batchSize, len(remaining))
	current := append([]int64(nil), remaining[:n]...)
	remaining = append([]int64(nil), remaining[n:]...)

	if e.totals != nil {
		e.totals.SetItemsTotal(cp.ItemsTotal())
	}

	e.log.Info(ctx, migrationID, "Batch started", map[string]any{"phase": string(key), "batch_size": len(current)})

	// Persist even if the caller gives up mid-batch.
	saveCtx := context.WithoutCancel(ctx)
	var lastItem *phase.Item

	for i, id := range current {
		if ctx.Err() != nil {
			remaining = append(append([]int64(nil), current[i:]...), remaining...)
			break
		}

		attempts[id]++
		item, err := h.ProcessItem(ctx, id, ictx)
		if err != nil && ctx.Err() != nil {
			// Interrupted, not failed.
			attempts[id]--
			if attempts[id] == 0 {
				delete(attempts, id)
			}
			remaining = append(append([]int64(nil), current[i:]...), remaining...)
			break
		}
		if err != nil {
			e.itemFailed(saveCtx, key, migrationID, id, attempts[id], h.MaxRetries(), err, &remaining, &failed)
			continue
		}

		processed++
		cp.CurrentItemID = id
		cp.CurrentItemTitle = item.Title
		itemCopy := item
		lastItem = &itemCopy
		if key == checkpoint.PhasePosts && cp.HasItemCategories() {
			if cp.CategoryMigrated == nil {
				cp.CategoryMigrated = make(map[string]int)
			}
			cp.CategoryMigrated[cp.CategoryOf(id)]++
		}
		e.metrics.ObserveItem(string(key), metrics.OutcomeSuccess)
	}

	// A cancelled run must not be resurrected by a late write. A Cancel
	// landing between this check and the Save below still leaves an orphan
	// checkpoint. Nothing resumes it without an active run, and the next
	// Setup replaces it.
	if _, err := e.checkpoints.Load(saveCtx, migrationID); err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			logger.Info("Run was cancelled while the batch was in flight, discarding batch")
			return nil, ErrRunCancelled
		}
		return nil, err
	}

	h.SaveProgress(cp, remaining, processed)
	state.Attempts = attempts
	state.Failed = failed
	phaseDone := len(remaining) == 0
	if key == checkpoint.PhaseMedia && phaseDone {
		cp.Phase = checkpoint.PhasePosts
	} else {
		cp.Phase = key
	}
	if err := e.checkpoints.Save(saveCtx, cp); err != nil {
		return nil, err
	}

	e.log.Info(saveCtx, migrationID, "Batch complete", map[string]any{"processed": processed, "remaining": len(remaining)})

	start, end := h.PercentageRange()
	percentage := phasePercentage(processed, total, start, end)
	message := fmt.Sprintf("Migrating posts... %d/%d", processed, total)
	if key == checkpoint.PhaseMedia {
		message = fmt.Sprintf("Migrating media... %d/%d", processed, total)
	}
	if err := e.tracker.Update(saveCtx, string(key), percentage, message,
		progress.WithItems(processed, total), progress.WithoutStepCompletion()); err != nil {
		return nil, err
	}
	e.metrics.SetProgress(percentage)

	result := &Result{
		MigrationID: migrationID,
		Phase:       key,
		Remaining:   len(remaining),
		Processed:   processed,
		Total:       total,
		CurrentItem: lastItem,
	}

	switch {
	case key == checkpoint.PhaseMedia && phaseDone:
		postsStart := phase.PostsDefaults.Start
		if ph, ok := e.registry.Lookup(checkpoint.PhasePosts); ok {
			postsStart, _ = ph.PercentageRange()
		}
		postsTotal := cp.Posts.TotalCount()
		if err := e.tracker.Update(saveCtx, progress.StepPosts, postsStart, "Ready to migrate posts...",
			progress.WithItems(cp.Posts.Processed, postsTotal), progress.WithoutStepCompletion()); err != nil {
			return nil, err
		}
		logger.Info("Media phase complete, advancing to posts",
			zap.Int("media_processed", processed),
			zap.Int("media_failed", len(failed)))
		result.Phase = checkpoint.PhasePosts
		result.AdvancedPhase = true
		result.Remaining = len(cp.Posts.Remaining)
		result.Processed = cp.Posts.Processed
		result.Total = postsTotal
		result.CurrentItem = nil

	case key == checkpoint.PhasePosts && phaseDone:
		if err := e.finalize(saveCtx, cp, processed, total, failed, result); err != nil {
			return nil, err
		}
		logger.Info("Migration completed",
			zap.Int("migrated", processed),
			zap.Int("failed_posts", len(failed)),
			zap.Int("failed_media", len(cp.Media.Failed)))
	}

	if err := e.snapshot(saveCtx, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (e *Executor) itemFailed(ctx context.Context, key checkpoint.Phase, migrationID string, id int64, attempt, maxRetries int, cause error, remaining, failed *[]int64) {
	e.logger.Debug("Item failed",
		zap.String("migration_id", migrationID),
		zap.String("phase", string(key)),
		zap.Int64("id", id),
		zap.Int("attempt", attempt),
		zap.Error(cause))

	if attempt < maxRetries {
		*remaining = append(*remaining, id)
		e.metrics.ObserveItem(string(key), metrics.OutcomeRetry)
		if key == checkpoint.PhasePosts {
			e.log.Warning(ctx, migrationID, runlog.CodeRetryScheduled, "Batch post conversion retry scheduled",
				map[string]any{"post_id": id, "attempt": attempt, "error_message": cause.Error()})
		}
		return
	}

	*failed = append(*failed, id)
	e.metrics.ObserveItem(string(key), metrics.OutcomeFailed)
	if key == checkpoint.PhaseMedia {
		e.log.Warning(ctx, migrationID, runlog.CodeMediaFailed, "Media migration failed after retries",
			map[string]any{"media_id": id, "attempts_made": attempt, "error_message": cause.Error()})
		return
	}
	e.log.Warning(ctx, migrationID, runlog.CodePostFailed, "Batch post conversion failed after max retries",
		map[string]any{"post_id": id, "attempts_made": attempt, "error_message": cause.Error()})
	e.log.Error(ctx, migrationID, runlog.CodePostSendFailed, "Failed to send post to target site after all retry attempts",
		map[string]any{"post_id": id, "attempts_made": attempt, "error_message": cause.Error()})
}

func (e *Executor) finalize(ctx context.Context, cp *checkpoint.Checkpoint, processed, total int, failedPosts []int64, result *Result) error {
	failedMedia := append([]int64(nil), cp.Media.Failed...)
	message := CompletionMessage(len(failedPosts), len(failedMedia))

	if err := e.tracker.Update(ctx, progress.StepFinalization, 95, "Finalizing migration..."); err != nil {
		return err
	}

	counts, approximate := CategoryCounts(cp, processed)
	results := finalizer.Results{
		Total:             total,
		Migrated:          processed,
		FailedPostIDs:     failedPosts,
		FailedMediaIDs:    failedMedia,
		Counts:            counts,
		CountsApproximate: approximate,
	}
	if _, err := e.finalizer.Finalize(ctx, results, cp.MigratorWarnings); err != nil {
		return fmt.Errorf("failed to finalize run: %w", err)
	}

	if err := e.tracker.Update(ctx, progress.StepCompleted, 100, message); err != nil {
		return err
	}
	if err := e.checkpoints.Delete(ctx); err != nil {
		return err
	}
	if err := e.tracker.MarkStatsCompleted(ctx); err != nil {
		e.logger.Warn("Failed to update migration stats", zap.Error(err))
	}
	e.metrics.SetProgress(100)

	result.Completed = true
	result.Remaining = 0
	result.Message = message
	result.FailedMediaIDs = failedMedia
	result.FailedPostIDs = failedPosts
	return nil
}

func (e *Executor) snapshot(ctx context.Context, result *Result) error {
	state, err := e.tracker.Progress(ctx)
	if err != nil {
		return err
	}
	steps, err := e.tracker.Steps(ctx)
	if err != nil {
		return err
	}
	result.Progress = state
	result.Steps = steps
	return nil
}

// phasePercentage maps processed/total onto [start, end]
func phasePercentage(processed, total, start, end int) int {
	if total <= 0 {
		return start
	}
	pct := start + int(math.Round(float64(processed)/float64(total)*float64(end-start)))
	return max(start, min(end, pct))
}

// CompletionMessage is the user facing message of a finished run
func CompletionMessage(failedPosts, failedMedia int) string {
	switch {
	case failedPosts > 0 && failedMedia > 0:
		return fmt.Sprintf("Migration completed. %d post(s) and %d media item(s) failed after retries.", failedPosts, failedMedia)
	case failedPosts > 0:
		return fmt.Sprintf("Migration completed. %d post(s) failed after retries.", failedPosts)
	case failedMedia > 0:
		return fmt.Sprintf("Migration completed. %d media item(s) failed after retries.", failedMedia)
	default:
		return "Migration completed successfully!"
	}
}

// CategoryCounts returns the per-category totals and migrated counts of a
// finished posts phase.
//
// When item categories were recorded at checkpoint creation the counts are
// exact and the migrated counts add up to the processed posts. Otherwise
// processed is distributed greedily over the categories in sorted key order,
// each capped at its total. That fallback is an approximation: it cannot
// tell which categories the failed items belonged to, so the second return
// value is true.
func CategoryCounts(cp *checkpoint.Checkpoint, processed int) (map[string]finalizer.CategoryCount, bool) {
	counts := make(map[string]finalizer.CategoryCount, len(cp.CategoryTotals))

	if cp.HasItemCategories() {
		for cat, total := range cp.CategoryTotals {
			counts[cat] = finalizer.CategoryCount{Total: max(0, total)}
		}
		for cat, migrated := range cp.CategoryMigrated {
			c := counts[cat]
			c.Migrated = migrated
			c.Total = max(c.Total, migrated)
			counts[cat] = c
		}
		return counts, false
	}

	if len(cp.CategoryTotals) == 0 {
		return counts, false
	}

	keys := make([]string, 0, len(cp.CategoryTotals))
	sum := 0
	for cat, total := range cp.CategoryTotals {
		keys = append(keys, cat)
		sum += max(0, total)
	}
	sort.Strings(keys)

	left := min(processed, sum)
	for _, cat := range keys {
		total := max(0, cp.CategoryTotals[cat])
		migrated := min(total, left)
		left -= migrated
		counts[cat] = finalizer.CategoryCount{Total: total, Migrated: migrated}
	}
	return counts, true
}
