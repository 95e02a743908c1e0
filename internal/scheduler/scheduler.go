// Package scheduler is the background trigger surface of headless runs.
//
// Due events are persisted in the document store and polled by a cron
// runner, so a process restart does not lose a pending re-arm. A watchdog
// re-triggers an active headless run that has no pending event.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"sitemigrate/internal/activerun"
	"sitemigrate/internal/store"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// EventsKey is the document key of the pending events
const EventsKey = "scheduled_events"

// DefaultPoll polls every 30 seconds
const DefaultPoll = "*/30 * * * * *"

// Kind of a scheduled event
type Kind string

const (
	KindBatch      Kind = "batch"
	KindLogCleanup Kind = "log_cleanup"
)

// Event is one pending trigger
type Event struct {
	MigrationID string    `json:"migration_id"`
	Kind        Kind      `json:"kind"`
	Due         time.Time `json:"due"`
}

// Trigger runs one headless slice of a migration
type Trigger func(ctx context.Context, migrationID string)

// ActiveRuns reads the active run record
type ActiveRuns interface {
	Get(ctx context.Context) (*activerun.Run, error)
}

// Purger clears the migration log
type Purger interface {
	Purge(ctx context.Context) error
}

// Scheduler persists due events and fires them from a cron poll
type Scheduler struct {
	mu      sync.Mutex
	store   store.Store
	active  ActiveRuns
	purger  Purger
	logger  *zap.Logger
	now     func() time.Time
	spec    string
	cron    *cron.Cron
	trigger Trigger
	baseCtx context.Context
	cancel  context.CancelFunc
}

func New(s store.Store, active ActiveRuns, purger Purger, spec string, logger *zap.Logger) *Scheduler {
	if spec == "" {
		spec = DefaultPoll
	}
	cl := cronLogger{logger.Sugar()}
	return &Scheduler{
		store:  s,
		active: active,
		purger: purger,
		logger: logger,
		now:    time.Now,
		spec:   spec,
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}
}

// SetClock overrides the time source
func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

// Start begins polling. trigger is called for due batch events and by the
// watchdog.
func (s *Scheduler) Start(ctx context.Context, trigger Trigger) error {
	s.trigger = trigger
	s.baseCtx, s.cancel = context.WithCancel(ctx)
	if _, err := s.cron.AddFunc(s.spec, func() { s.Poll(s.baseCtx) }); err != nil {
		s.cancel()
		return fmt.Errorf("invalid poll spec %q: %w", s.spec, err)
	}
	s.logger.Info("Scheduler started", zap.String("poll", s.spec))
	s.cron.Start()
	return nil
}

// Stop cancels running triggers and waits for them to return
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("Scheduler stopped")
}

// Schedule arms the next batch of migrationID after delay, replacing any
// pending batch event of the run.
func (s *Scheduler) Schedule(ctx context.Context, migrationID string, delay time.Duration) error {
	return s.modify(ctx, func(events []Event) []Event {
		events = without(events, migrationID, KindBatch)
		return append(events, Event{MigrationID: migrationID, Kind: KindBatch, Due: s.now().Add(delay).UTC()})
	})
}

// ScheduleLogCleanup purges the migration log after delay
func (s *Scheduler) ScheduleLogCleanup(ctx context.Context, migrationID string, delay time.Duration) error {
	return s.modify(ctx, func(events []Event) []Event {
		events = without(events, migrationID, KindLogCleanup)
		return append(events, Event{MigrationID: migrationID, Kind: KindLogCleanup, Due: s.now().Add(delay).UTC()})
	})
}

// Unschedule drops the pending batch event of migrationID
func (s *Scheduler) Unschedule(ctx context.Context, migrationID string) error {
	return s.modify(ctx, func(events []Event) []Event {
		return without(events, migrationID, KindBatch)
	})
}

// Pending returns all pending events ordered by due time
func (s *Scheduler) Pending(ctx context.Context) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(ctx)
}

// Poll fires every due event. With nothing due, an active headless run
// without a pending batch event is re-triggered.
func (s *Scheduler) Poll(ctx context.Context) {
	due, pending, err := s.takeDue(ctx)
	if err != nil {
		s.logger.Error("Failed to read scheduled events", zap.Error(err))
		return
	}

	for _, ev := range due {
		if ctx.Err() != nil {
			return
		}
		switch ev.Kind {
		case KindBatch:
			s.fire(ctx, ev.MigrationID)
		case KindLogCleanup:
			if err := s.purger.Purge(ctx); err != nil {
				s.logger.Error("Failed to purge migration log", zap.Error(err))
				continue
			}
			s.logger.Info("Migration log purged", zap.String("migration_id", ev.MigrationID))
		}
	}
	if len(due) > 0 {
		return
	}

	run, err := s.active.Get(ctx)
	if err != nil {
		s.logger.Error("Failed to read active run", zap.Error(err))
		return
	}
	if run == nil || run.Mode != activerun.ModeHeadless {
		return
	}
	for _, ev := range pending {
		if ev.MigrationID == run.ID && ev.Kind == KindBatch {
			return
		}
	}
	s.logger.Info("Watchdog re-triggering headless run", zap.String("migration_id", run.ID))
	s.fire(ctx, run.ID)
}

func (s *Scheduler) fire(ctx context.Context, migrationID string) {
	if s.trigger == nil {
		return
	}
	s.trigger(ctx, migrationID)
}

func (s *Scheduler) takeDue(ctx context.Context) (due, pending []Event, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	events, err := s.load(ctx)
	if err != nil {
		return nil, nil, err
	}
	now := s.now()
	for _, ev := range events {
		if ev.Due.After(now) {
			pending = append(pending, ev)
			continue
		}
		due = append(due, ev)
	}
	if len(due) == 0 {
		return nil, pending, nil
	}
	if err := store.SetJSON(ctx, s.store, EventsKey, pending); err != nil {
		return nil, nil, err
	}
	return due, pending, nil
}

func (s *Scheduler) modify(ctx context.Context, fn func([]Event) []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	events, err := s.load(ctx)
	if err != nil {
		return err
	}
	events = fn(events)
	sort.SliceStable(events, func(i, j int) bool { return events[i].Due.Before(events[j].Due) })
	return store.SetJSON(ctx, s.store, EventsKey, events)
}

func (s *Scheduler) load(ctx context.Context) ([]Event, error) {
	var events []Event
	if _, err := store.GetJSON(ctx, s.store, EventsKey, &events); err != nil {
		return nil, err
	}
	return events, nil
}

func without(events []Event, migrationID string, kind Kind) []Event {
	out := events[:0]
	for _, ev := range events {
		if ev.MigrationID == migrationID && ev.Kind == kind {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// cronLogger routes robfig/cron logs through zap
type cronLogger struct {
	sugar *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}
