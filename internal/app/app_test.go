package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"sitemigrate/internal/activerun"
	"sitemigrate/internal/app/apptest"
	"sitemigrate/internal/checkpoint"
	"sitemigrate/internal/config"
	"sitemigrate/internal/finalizer"
	"sitemigrate/internal/progress"
	"sitemigrate/internal/runlog"
	"sitemigrate/internal/store"
	"sitemigrate/internal/worker"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const targetURL = "https://target.test"

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type recordingScheduler struct{ ids []string }

func (s *recordingScheduler) Unschedule(_ context.Context, id string) error {
	s.ids = append(s.ids, id)
	return nil
}

type fixture struct {
	m      *Migrator
	source *apptest.Source
	target *apptest.Target
	clock  *fakeClock
}

func newFixture(t *testing.T, src *apptest.Source) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Source.URL = "https://source.test"
	cfg.Target.URL = targetURL

	f := &fixture{
		source: src,
		target: apptest.NewTarget(),
		clock:  &fakeClock{t: time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)},
	}
	m, err := NewWithDeps(cfg, Deps{
		Store:  store.NewMemoryStore(),
		Source: f.source,
		Target: f.target,
		Now:    f.clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	f.m = m
	return f
}

func (f *fixture) start(t *testing.T, includeMedia bool) *activerun.Run {
	t.Helper()
	run, err := f.m.Start(context.Background(), StartRequest{
		Target:     targetURL,
		Credential: "app-password",
		Options:    activerun.Options{IncludeMedia: includeMedia},
	})
	require.NoError(t, err)
	return run
}

func (f *fixture) runToCompletion(t *testing.T, run *activerun.Run) *worker.Result {
	t.Helper()
	for i := 0; i < 50; i++ {
		res, err := f.m.ProcessBatch(context.Background(), run, worker.BatchOptions{})
		require.NoError(t, err)
		if res.Completed {
			return res
		}
	}
	t.Fatal("run did not complete")
	return nil
}

func logCodes(t *testing.T, m *Migrator) []string {
	t.Helper()
	entries, err := m.Log().Entries(context.Background())
	require.NoError(t, err)
	var codes []string
	for _, e := range entries {
		if e.Code != "" {
			codes = append(codes, e.Code)
		}
	}
	return codes
}

func TestNewWithDeps_RequiresCollaborators(t *testing.T) {
	_, err := NewWithDeps(config.Default(), Deps{Store: store.NewMemoryStore()})
	require.Error(t, err)
}

func TestStart_RecordsRunAndProgress(t *testing.T) {
	f := newFixture(t, apptest.NewSource(nil))
	ctx := context.Background()

	run := f.start(t, true)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, activerun.ModeHeadless, run.Mode)
	assert.True(t, f.clock.Now().Equal(run.StartedAt))

	stored, err := f.m.ActiveRuns().Get(ctx)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, run.ID, stored.ID)

	state, err := f.m.Tracker().Progress(ctx)
	require.NoError(t, err)
	assert.Equal(t, run.ID, state.MigrationID)
	assert.Equal(t, progress.StatusRunning, state.Status)
	assert.Equal(t, progress.StepValidation, state.CurrentStep)
}

func TestStart_RequiresTarget(t *testing.T) {
	f := newFixture(t, apptest.NewSource(nil))
	_, err := f.m.Start(context.Background(), StartRequest{})
	require.Error(t, err)
}

func TestStart_RefusesLiveRun(t *testing.T) {
	f := newFixture(t, apptest.NewSource(nil))
	first := f.start(t, false)

	_, err := f.m.Start(context.Background(), StartRequest{Target: targetURL})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRunActive))
	assert.Contains(t, err.Error(), first.ID)
}

func TestStart_ForceReplacesLiveRun(t *testing.T) {
	f := newFixture(t, apptest.NewSource(nil))
	first := f.start(t, false)

	second, err := f.m.Start(context.Background(), StartRequest{Target: targetURL, Force: true})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	stored, err := f.m.ActiveRuns().Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, second.ID, stored.ID)
}

func TestStart_ReplacesStaleRun(t *testing.T) {
	f := newFixture(t, apptest.NewSource(nil))
	first := f.start(t, false)

	f.clock.Advance(301 * time.Second)
	state, err := f.m.Tracker().Progress(context.Background())
	require.NoError(t, err)
	require.Equal(t, progress.StatusStale, state.Status)

	second, err := f.m.Start(context.Background(), StartRequest{Target: targetURL})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestStart_ReplacesFinishedRunLeftBehind(t *testing.T) {
	for _, step := range []string{progress.StepCompleted, progress.StepError} {
		t.Run(step, func(t *testing.T) {
			f := newFixture(t, apptest.NewSource(nil))
			ctx := context.Background()
			first := f.start(t, false)

			require.NoError(t, f.m.Tracker().Update(ctx, step, 100, "done"))
			// A late writer restored the record after the run finished
			require.NoError(t, f.m.ActiveRuns().Save(ctx, first))

			second, err := f.m.Start(ctx, StartRequest{Target: targetURL})
			require.NoError(t, err)
			assert.NotEqual(t, first.ID, second.ID)
		})
	}
}

func TestStart_RejectsExpiredCredential(t *testing.T) {
	f := newFixture(t, apptest.NewSource(nil))
	now := f.clock.Now()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-2 * time.Hour)),
		ExpiresAt: jwt.NewNumericDate(now.Add(-time.Hour)),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = f.m.Start(context.Background(), StartRequest{Target: targetURL, Credential: token})
	assert.ErrorIs(t, err, ErrCredentialExpired)

	run, err := f.m.ActiveRuns().Get(context.Background())
	require.NoError(t, err)
	assert.Nil(t, run)
}

func TestSetup_MediaFirst(t *testing.T) {
	src := apptest.NewSource(map[int64]string{1: "news", 2: "news", 3: "blog"}, 10, 11)
	f := newFixture(t, src)
	ctx := context.Background()
	run := f.start(t, true)

	p, err := f.m.Setup(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.PhaseMedia, p)

	cp, err := f.m.Checkpoints().Load(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 11}, cp.Media.Remaining)
	assert.Equal(t, []int64{1, 2, 3}, cp.Posts.Remaining)
	assert.Equal(t, 2, cp.Media.TotalCount())
	assert.Equal(t, 3, cp.Posts.TotalCount())
	assert.Equal(t, map[string]int{"news": 2, "blog": 1}, cp.CategoryTotals)
	assert.Equal(t, "blog", cp.ItemCategories[3])
	assert.Equal(t, 5, f.target.ItemsTotal())
	assert.Equal(t, 1, f.target.StylesSent())

	state, err := f.m.Tracker().Progress(ctx)
	require.NoError(t, err)
	assert.Equal(t, progress.StepMedia, state.CurrentStep)
	assert.Equal(t, 60, state.Percentage)
	assert.Equal(t, "Migrating media... 0/2", state.Message)
	assert.Equal(t, 2, state.ItemsTotal)

	steps, err := f.m.Tracker().Steps(ctx)
	require.NoError(t, err)
	for _, key := range []string{progress.StepValidation, progress.StepAnalyzing, progress.StepCategories, progress.StepCustomFields, progress.StepStyles} {
		assert.Equal(t, progress.StepDone, steps[steps.Find(key)].Status, key)
	}
	assert.Equal(t, progress.StepActive, steps[steps.Find(progress.StepMedia)].Status)
}

func TestSetup_NoMediaStartsWithPosts(t *testing.T) {
	f := newFixture(t, apptest.NewSource(map[int64]string{1: "news", 2: "news"}))
	ctx := context.Background()
	run := f.start(t, true)

	p, err := f.m.Setup(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.PhasePosts, p)

	state, err := f.m.Tracker().Progress(ctx)
	require.NoError(t, err)
	assert.Equal(t, progress.StepPosts, state.CurrentStep)
	assert.Equal(t, 80, state.Percentage)
	assert.Equal(t, "Migrating posts... 0/2", state.Message)

	steps, err := f.m.Tracker().Steps(ctx)
	require.NoError(t, err)
	assert.Equal(t, progress.StepDone, steps[steps.Find(progress.StepMedia)].Status)
}

func TestSetup_ExcludedMediaIsNotListed(t *testing.T) {
	f := newFixture(t, apptest.NewSource(map[int64]string{1: "news"}, 10, 11))
	ctx := context.Background()
	run := f.start(t, false)

	p, err := f.m.Setup(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.PhasePosts, p)

	cp, err := f.m.Checkpoints().Load(ctx, run.ID)
	require.NoError(t, err)
	assert.Empty(t, cp.Media.Remaining)
	assert.Equal(t, 1, f.target.ItemsTotal())
}

func TestSetup_ValidationFailureIsFatal(t *testing.T) {
	f := newFixture(t, apptest.NewSource(map[int64]string{1: "news"}))
	f.target.ValidateErr = errors.New("plugin inactive")
	ctx := context.Background()
	run := f.start(t, true)

	_, err := f.m.Setup(ctx, run)
	var fatal *FatalError
	require.True(t, errors.As(err, &fatal))
	assert.Equal(t, progress.StepValidation, fatal.Step)
	assert.Contains(t, logCodes(t, f.m), runlog.CodeValidationFailed)

	exists, err := f.m.Checkpoints().Exists(ctx, run.ID)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSetup_CategoryFailureIsFatal(t *testing.T) {
	f := newFixture(t, apptest.NewSource(map[int64]string{1: "news"}))
	f.target.CategoriesErr = errors.New("taxonomy locked")
	run := f.start(t, true)

	_, err := f.m.Setup(context.Background(), run)
	var fatal *FatalError
	require.True(t, errors.As(err, &fatal))
	assert.Equal(t, progress.StepCategories, fatal.Step)
}

func TestSetup_OptionalMigratorFailuresBecomeWarnings(t *testing.T) {
	src := apptest.NewSource(map[int64]string{1: "news"})
	src.HasFieldGroups = true
	src.FieldGroupsErr = errors.New("acf missing")
	f := newFixture(t, src)
	f.target.StylesErr = errors.New("theme read-only")
	f.target.CategoryWarnings = []string{"category news renamed"}
	ctx := context.Background()
	run := f.start(t, true)

	_, err := f.m.Setup(ctx, run)
	require.NoError(t, err)

	cp, err := f.m.Checkpoints().Load(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"category news renamed",
		"custom fields: acf missing",
		"styles: theme read-only",
	}, cp.MigratorWarnings)
}

func TestRun_EndToEnd(t *testing.T) {
	src := apptest.NewSource(map[int64]string{1: "news", 2: "news", 3: "blog", 4: "blog"}, 10, 11, 12, 13)
	f := newFixture(t, src)
	ctx := context.Background()
	run := f.start(t, true)

	_, err := f.m.Setup(ctx, run)
	require.NoError(t, err)
	res := f.runToCompletion(t, run)

	assert.Equal(t, []int64{10, 11, 12, 13}, f.target.SentMedia())
	assert.Equal(t, []int64{1, 2, 3, 4}, f.target.SentPosts())
	assert.Equal(t, 100, res.Progress.Percentage)

	record, err := f.m.Run(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, finalizer.StatusSuccess, record.Status)
	assert.Equal(t, targetURL, record.Target)

	active, err := f.m.ActiveRuns().Get(ctx)
	require.NoError(t, err)
	assert.Nil(t, active)
	cp, err := f.m.Checkpoints().Get(ctx)
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestRun_FailedPostsEndWithWarnings(t *testing.T) {
	f := newFixture(t, apptest.NewSource(map[int64]string{1: "news", 2: "news", 3: "news"}))
	f.target.FailPosts[2] = -1
	f.target.FailPosts[3] = 1
	ctx := context.Background()
	run := f.start(t, false)

	_, err := f.m.Setup(ctx, run)
	require.NoError(t, err)
	f.runToCompletion(t, run)

	assert.ElementsMatch(t, []int64{1, 3}, f.target.SentPosts())

	records, err := f.m.Runs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, finalizer.StatusSuccessWithWarnings, records[0].Status)
	assert.Equal(t, []int64{2}, records[0].FailedPostIDs)
}

func TestRun_CategoryCountsCoverUncategorizedPosts(t *testing.T) {
	f := newFixture(t, apptest.NewSource(map[int64]string{1: "news", 2: "", 3: "blog", 4: ""}))
	f.target.FailPosts[4] = -1
	ctx := context.Background()
	run := f.start(t, false)

	_, err := f.m.Setup(ctx, run)
	require.NoError(t, err)
	cp, err := f.m.Checkpoints().Load(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"news": 1, "blog": 1, checkpoint.Uncategorized: 2}, cp.CategoryTotals)
	f.runToCompletion(t, run)

	record, err := f.m.Run(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.False(t, record.CountsApproximate)
	assert.Equal(t, 3, record.Migrated)
	assert.Equal(t, finalizer.CategoryCount{Total: 2, Migrated: 1}, record.Counts[checkpoint.Uncategorized])

	migrated, total := 0, 0
	for _, c := range record.Counts {
		migrated += c.Migrated
		total += c.Total
	}
	assert.Equal(t, record.Migrated, migrated)
	assert.Equal(t, record.Total, total)
}

func TestCancel_ClearsRun(t *testing.T) {
	f := newFixture(t, apptest.NewSource(map[int64]string{1: "news"}, 10))
	sched := &recordingScheduler{}
	f.m.SetScheduler(sched)
	ctx := context.Background()
	run := f.start(t, true)
	_, err := f.m.Setup(ctx, run)
	require.NoError(t, err)

	require.NoError(t, f.m.Cancel(ctx, ""))

	cp, err := f.m.Checkpoints().Get(ctx)
	require.NoError(t, err)
	assert.Nil(t, cp)
	active, err := f.m.ActiveRuns().Get(ctx)
	require.NoError(t, err)
	assert.Nil(t, active)
	state, err := f.m.Tracker().Progress(ctx)
	require.NoError(t, err)
	assert.Equal(t, progress.StatusIdle, state.Status)
	assert.Equal(t, []string{run.ID}, sched.ids)

	// A batch for the cancelled run finds nothing to do
	_, err = f.m.ProcessBatch(ctx, run, worker.BatchOptions{})
	assert.ErrorIs(t, err, worker.ErrNoCheckpoint)
}

func TestSetup_ReplacesCheckpointLeftByCancelledBatch(t *testing.T) {
	f := newFixture(t, apptest.NewSource(map[int64]string{1: "news"}))
	ctx := context.Background()
	first := f.start(t, false)
	_, err := f.m.Setup(ctx, first)
	require.NoError(t, err)
	leftover, err := f.m.Checkpoints().Load(ctx, first.ID)
	require.NoError(t, err)

	require.NoError(t, f.m.Cancel(ctx, first.ID))
	// A batch in flight saves after the cancel
	require.NoError(t, f.m.Checkpoints().Save(ctx, leftover))

	second := f.start(t, false)
	_, err = f.m.Setup(ctx, second)
	require.NoError(t, err)

	_, err = f.m.Checkpoints().Load(ctx, first.ID)
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
	cp, err := f.m.Checkpoints().Load(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, cp.Posts.Remaining)
}

func TestFail_RecordsFailure(t *testing.T) {
	f := newFixture(t, apptest.NewSource(map[int64]string{1: "news"}))
	ctx := context.Background()
	run := f.start(t, false)
	_, err := f.m.Setup(ctx, run)
	require.NoError(t, err)

	f.m.Fail(ctx, run.ID, Fatal(progress.StepPosts, errors.New("target gone")))
	f.m.Fail(ctx, run.ID, errors.New("second report"))

	records, err := f.m.Runs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, finalizer.StatusFailed, records[0].Status)
	assert.Equal(t, targetURL, records[0].Target)

	state, err := f.m.Tracker().Progress(ctx)
	require.NoError(t, err)
	assert.Equal(t, progress.StatusError, state.Status)
	assert.Equal(t, "posts: target gone", state.Message)

	active, err := f.m.ActiveRuns().Get(ctx)
	require.NoError(t, err)
	assert.Nil(t, active)

	codes := logCodes(t, f.m)
	assert.Equal(t, 1, countOf(codes, runlog.CodeFatal))
}

func TestStatus_RedactsCredential(t *testing.T) {
	f := newFixture(t, apptest.NewSource(map[int64]string{1: "news"}, 10, 11))
	ctx := context.Background()
	run := f.start(t, true)
	_, err := f.m.Setup(ctx, run)
	require.NoError(t, err)

	report, err := f.m.Status(ctx)
	require.NoError(t, err)
	require.NotNil(t, report.Run)
	assert.Empty(t, report.Run.Credential)
	assert.Equal(t, checkpoint.PhaseMedia, report.Phase)
	assert.Equal(t, 2, report.Remaining)
	assert.Equal(t, run.ID, report.Progress.MigrationID)

	// The stored run keeps its credential
	stored, err := f.m.ActiveRuns().Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "app-password", stored.Credential)
}

func TestStatus_Idle(t *testing.T) {
	f := newFixture(t, apptest.NewSource(nil))
	report, err := f.m.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, progress.StatusIdle, report.Progress.Status)
	assert.Nil(t, report.Run)
	assert.Zero(t, report.Remaining)
}

func countOf(codes []string, code string) int {
	n := 0
	for _, c := range codes {
		if c == code {
			n++
		}
	}
	return n
}
