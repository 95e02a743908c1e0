package app

import (
	"context"
	"fmt"

	"sitemigrate/internal/activerun"
	"sitemigrate/internal/checkpoint"
	"sitemigrate/internal/phase"
	"sitemigrate/internal/progress"
	"sitemigrate/internal/runlog"
	"sitemigrate/internal/source"

	"go.uber.org/zap"
)

// Setup runs the non-batched steps of a run (validation, analysis,
// categories, custom fields, styles), lists the items and writes the
// checkpoint. It returns the first batched phase. Errors are *FatalError.
func (m *Migrator) Setup(ctx context.Context, run *activerun.Run) (checkpoint.Phase, error) {
	id := run.ID
	logger := m.logger.With(zap.String("migration_id", id))
	noComplete := progress.WithoutStepCompletion()

	if err := m.tracker.Update(ctx, progress.StepValidation, 10, "Validating target site...", noComplete); err != nil {
		return "", err
	}
	resp, err := m.target.Validate(ctx, run.Target, run.Credential)
	if err != nil {
		m.log.Error(ctx, id, runlog.CodeValidationFailed, "Target site validation failed", map[string]any{"error_message": err.Error()})
		return "", Fatal(progress.StepValidation, err)
	}
	logger.Info("Target site validated", zap.String("version", resp.Version))

	if err := m.tracker.Update(ctx, progress.StepAnalyzing, 20, "Analyzing source content...", noComplete); err != nil {
		return "", err
	}
	analysis, err := m.source.Analyze(ctx)
	if err != nil {
		return "", Fatal(progress.StepAnalyzing, err)
	}
	if err := m.tracker.Update(ctx, progress.StepAnalyzing, 25,
		fmt.Sprintf("Found %d post(s) and %d media item(s)", analysis.Posts, analysis.Media), noComplete); err != nil {
		return "", err
	}

	var migratorWarnings []string

	if err := m.tracker.Update(ctx, progress.StepCategories, 30, "Migrating categories...", noComplete); err != nil {
		return "", err
	}
	cats, err := m.source.Categories(ctx)
	if err != nil {
		return "", Fatal(progress.StepCategories, err)
	}
	m.tracker.Heartbeat(ctx)
	warns, err := m.target.SendCategories(ctx, run.Target, run.Credential, cats, run.Options.CategoryMappings)
	if err != nil {
		return "", Fatal(progress.StepCategories, err)
	}
	migratorWarnings = append(migratorWarnings, warns...)

	if err := m.tracker.Update(ctx, progress.StepCustomFields, 40, "Migrating custom fields...", noComplete); err != nil {
		return "", err
	}
	if analysis.HasFieldGroups {
		migratorWarnings = append(migratorWarnings, m.migrateFieldGroups(ctx, run)...)
	}

	if err := m.tracker.Update(ctx, progress.StepStyles, 50, "Migrating styles...", noComplete); err != nil {
		return "", err
	}
	migratorWarnings = append(migratorWarnings, m.migrateStyles(ctx, run)...)
	for _, w := range migratorWarnings {
		logger.Warn("Migrator warning", zap.String("warning", w))
	}

	lister := &itemLister{source: m.source, logger: logger}
	mediaIDs, refs, err := lister.List(ctx, run.Options)
	if err != nil {
		return "", Fatal(progress.StepAnalyzing, err)
	}
	m.tracker.Heartbeat(ctx)

	if run.Options.IncludeMedia && len(mediaIDs) > 0 && m.objects != nil {
		if err := m.objects.Verify(ctx); err != nil {
			return "", Fatal(progress.StepMedia, err)
		}
	}

	cp := newCheckpoint(id, run.Options.IncludeMedia, mediaIDs, refs, migratorWarnings)
	if err := m.checkpoints.Save(ctx, cp); err != nil {
		return "", err
	}
	m.target.SetItemsTotal(cp.ItemsTotal())
	m.log.Info(ctx, id, "Setup complete", map[string]any{
		"media":    len(cp.Media.Remaining),
		"posts":    len(cp.Posts.Remaining),
		"warnings": len(migratorWarnings),
	})

	return cp.Phase, m.enterFirstPhase(ctx, run, cp)
}

func (m *Migrator) enterFirstPhase(ctx context.Context, run *activerun.Run, cp *checkpoint.Checkpoint) error {
	noComplete := progress.WithoutStepCompletion()
	mediaStart, postsStart := phase.MediaDefaults.Start, phase.PostsDefaults.Start
	if h, ok := m.registry.Lookup(checkpoint.PhaseMedia); ok {
		mediaStart, _ = h.PercentageRange()
	}
	if h, ok := m.registry.Lookup(checkpoint.PhasePosts); ok {
		postsStart, _ = h.PercentageRange()
	}

	if cp.Phase == checkpoint.PhaseMedia {
		total := cp.Media.TotalCount()
		return m.tracker.Update(ctx, progress.StepMedia, mediaStart,
			fmt.Sprintf("Migrating media... 0/%d", total),
			progress.WithItems(0, total), noComplete)
	}

	if run.Options.IncludeMedia {
		if err := m.tracker.Update(ctx, progress.StepMedia, mediaStart, "No media to migrate", noComplete); err != nil {
			return err
		}
	}
	total := cp.Posts.TotalCount()
	return m.tracker.Update(ctx, progress.StepPosts, postsStart,
		fmt.Sprintf("Migrating posts... 0/%d", total),
		progress.WithItems(0, total), noComplete)
}

// Custom fields and styles are optional. Their failures become migrator
// warnings instead of ending the run.
func (m *Migrator) migrateFieldGroups(ctx context.Context, run *activerun.Run) []string {
	groups, err := m.source.FieldGroups(ctx)
	if err != nil {
		return []string{fmt.Sprintf("custom fields: %v", err)}
	}
	m.tracker.Heartbeat(ctx)
	warns, err := m.target.SendFieldGroups(ctx, run.Target, run.Credential, groups)
	if err != nil {
		return []string{fmt.Sprintf("custom fields: %v", err)}
	}
	return warns
}

func (m *Migrator) migrateStyles(ctx context.Context, run *activerun.Run) []string {
	styles, err := m.source.Styles(ctx)
	if err != nil {
		return []string{fmt.Sprintf("styles: %v", err)}
	}
	if len(styles) == 0 {
		return nil
	}
	m.tracker.Heartbeat(ctx)
	warns, err := m.target.SendStyles(ctx, run.Target, run.Credential, styles)
	if err != nil {
		return []string{fmt.Sprintf("styles: %v", err)}
	}
	return warns
}

func newCheckpoint(migrationID string, includeMedia bool, mediaIDs []int64, refs []source.PostRef, warnings []string) *checkpoint.Checkpoint {
	cp := &checkpoint.Checkpoint{
		MigrationID:      migrationID,
		Phase:            checkpoint.PhasePosts,
		MigratorWarnings: warnings,
	}
	if includeMedia && len(mediaIDs) > 0 {
		cp.Phase = checkpoint.PhaseMedia
		cp.Media.Remaining = mediaIDs
	}
	cp.Media.SetTotal(len(cp.Media.Remaining))

	cp.Posts.Remaining = make([]int64, 0, len(refs))
	for _, ref := range refs {
		cp.Posts.Remaining = append(cp.Posts.Remaining, ref.ID)
		cat := ref.Category
		if cat == "" {
			cat = checkpoint.Uncategorized
		}
		if cp.CategoryTotals == nil {
			cp.CategoryTotals = make(map[string]int)
			cp.ItemCategories = make(map[int64]string)
			cp.CategoryMigrated = make(map[string]int)
		}
		cp.CategoryTotals[cat]++
		cp.ItemCategories[ref.ID] = cat
	}
	cp.Posts.SetTotal(len(cp.Posts.Remaining))
	return cp
}
