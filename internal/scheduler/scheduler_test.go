package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"sitemigrate/internal/activerun"
	"sitemigrate/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

type countingPurger struct{ purges int }

func (p *countingPurger) Purge(context.Context) error {
	p.purges++
	return nil
}

type triggers struct {
	mu  sync.Mutex
	ids []string
}

func (tr *triggers) fire(_ context.Context, id string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.ids = append(tr.ids, id)
}

func (tr *triggers) fired() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]string(nil), tr.ids...)
}

type fixture struct {
	s      *Scheduler
	runs   *activerun.Store
	purger *countingPurger
	now    time.Time
	fired  *triggers
}

func newFixture(t *testing.T, spec string) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	f := &fixture{
		runs:   activerun.NewStore(st),
		purger: &countingPurger{},
		now:    time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC),
		fired:  &triggers{},
	}
	f.s = New(st, f.runs, f.purger, spec, zap.NewNop())
	f.s.SetClock(func() time.Time { return f.now })
	f.s.trigger = f.fired.fire
	return f
}

func TestSchedule_ReplacesPendingBatch(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()

	require.NoError(t, f.s.Schedule(ctx, "run-1", 30*time.Second))
	require.NoError(t, f.s.Schedule(ctx, "run-1", 5*time.Second))
	require.NoError(t, f.s.ScheduleLogCleanup(ctx, "run-1", time.Minute))
	require.NoError(t, f.s.Schedule(ctx, "run-2", time.Second))

	events, err := f.s.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "run-2", events[0].MigrationID)
	assert.True(t, f.now.Add(time.Second).Equal(events[0].Due))
	assert.Equal(t, "run-1", events[1].MigrationID)
	assert.Equal(t, KindBatch, events[1].Kind)
	assert.True(t, f.now.Add(5*time.Second).Equal(events[1].Due))
	assert.Equal(t, KindLogCleanup, events[2].Kind)

	require.NoError(t, f.s.Unschedule(ctx, "run-1"))
	events, err = f.s.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "run-2", events[0].MigrationID)
	assert.Equal(t, KindLogCleanup, events[1].Kind, "unschedule keeps log cleanup")
}

func TestPoll_FiresDueEvents(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()

	require.NoError(t, f.s.Schedule(ctx, "run-1", time.Second))
	require.NoError(t, f.s.Schedule(ctx, "run-2", time.Minute))
	require.NoError(t, f.s.ScheduleLogCleanup(ctx, "run-0", 2*time.Second))

	f.s.Poll(ctx)
	assert.Empty(t, f.fired.fired(), "nothing due yet")

	f.now = f.now.Add(5 * time.Second)
	f.s.Poll(ctx)
	assert.Equal(t, []string{"run-1"}, f.fired.fired())
	assert.Equal(t, 1, f.purger.purges)

	events, err := f.s.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "run-2", events[0].MigrationID)

	// Fired events are consumed
	f.s.Poll(ctx)
	assert.Equal(t, []string{"run-1"}, f.fired.fired())
}

func TestPoll_WatchdogRetriggersHeadlessRun(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()

	require.NoError(t, f.runs.Save(ctx, &activerun.Run{ID: "run-1", Mode: activerun.ModeHeadless}))
	require.NoError(t, f.s.Schedule(ctx, "run-1", time.Minute))

	f.s.Poll(ctx)
	assert.Empty(t, f.fired.fired(), "a pending batch event keeps the watchdog quiet")

	require.NoError(t, f.s.Unschedule(ctx, "run-1"))
	f.s.Poll(ctx)
	assert.Equal(t, []string{"run-1"}, f.fired.fired())
}

func TestPoll_WatchdogIgnoresRequestRuns(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	require.NoError(t, f.runs.Save(ctx, &activerun.Run{ID: "run-1", Mode: activerun.ModeRequest}))

	f.s.Poll(ctx)
	assert.Empty(t, f.fired.fired())
}

func TestStart_RejectsInvalidSpec(t *testing.T) {
	f := newFixture(t, "not a cron spec")
	err := f.s.Start(context.Background(), f.fired.fire)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid poll spec")
}

func TestStartStop_DoesNotLeak(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, "@every 1s")
	ctx := context.Background()
	require.NoError(t, f.runs.Save(ctx, &activerun.Run{ID: "run-1", Mode: activerun.ModeHeadless}))

	require.NoError(t, f.s.Start(ctx, f.fired.fire))
	assert.Eventually(t, func() bool {
		return len(f.fired.fired()) > 0
	}, 5*time.Second, 50*time.Millisecond)
	f.s.Stop()
}
