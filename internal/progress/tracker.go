package progress

import (
	"context"
	"fmt"
	"sync"
	"time"

	"sitemigrate/internal/activerun"
	"sitemigrate/internal/store"

	"go.uber.org/zap"
)

// Document keys
const (
	ProgressKey = "migration_progress"
	StepsKey    = "migration_steps"
	StatsKey    = "migration_stats"
)

// DefaultStaleTTL is how long a running migration may go without an update
// before it is reported as stale.
const DefaultStaleTTL = 300 * time.Second

// Status represents the current migration status
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusReceiving Status = "receiving"
	StatusStale     Status = "stale"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// IsLive reports whether the status belongs to a run that is still being
// worked on.
func (s Status) IsLive() bool {
	return s == StatusRunning || s == StatusReceiving
}

// State is the progress record polled by clients
type State struct {
	MigrationID        string     `json:"migration_id,omitempty"`
	Status             Status     `json:"status"`
	CurrentStep        string     `json:"current_step"`
	CurrentPhaseName   string     `json:"current_phase_name,omitempty"`
	CurrentPhaseStatus string     `json:"current_phase_status,omitempty"`
	Percentage         int        `json:"percentage"`
	Message            string     `json:"message,omitempty"`
	ItemsProcessed     int        `json:"items_processed"`
	ItemsTotal         int        `json:"items_total"`
	StartedAt          time.Time  `json:"started_at,omitempty"`
	PhaseStartedAt     *time.Time `json:"phase_started_at,omitempty"`
	LastUpdated        time.Time  `json:"last_updated,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	IsStale            bool       `json:"is_stale"`
}

// Stats summarise the last finished migration
type Stats struct {
	LastMigration time.Time `json:"last_migration"`
	Status        string    `json:"status"`
}

// Tracker maintains the progress and steps documents
type Tracker struct {
	mu       sync.Mutex
	store    store.Store
	runs     *activerun.Store
	staleTTL time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

// TrackerOption configures a Tracker
type TrackerOption func(*Tracker)

// WithStaleTTL overrides DefaultStaleTTL
func WithStaleTTL(ttl time.Duration) TrackerOption {
	return func(t *Tracker) {
		if ttl > 0 {
			t.staleTTL = ttl
		}
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a new progress tracker
func NewTracker(s store.Store, runs *activerun.Store, logger *zap.Logger, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		store:    s,
		runs:     runs,
		staleTTL: DefaultStaleTTL,
		now:      time.Now,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// StaleTTL returns the configured staleness window
func (t *Tracker) StaleTTL() time.Duration { return t.staleTTL }

// Init writes the initial progress and step list of a run
func (t *Tracker) Init(ctx context.Context, migrationID string, opts StepOptions) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now().UTC()
	state := State{
		MigrationID:        migrationID,
		Status:             StatusRunning,
		CurrentStep:        StepValidation,
		CurrentPhaseName:   StepLabel(StepValidation),
		CurrentPhaseStatus: string(StepActive),
		StartedAt:          now,
		LastUpdated:        now,
	}
	if err := store.SetJSON(ctx, t.store, ProgressKey, state); err != nil {
		return fmt.Errorf("failed to init progress: %w", err)
	}
	if err := store.SetJSON(ctx, t.store, StepsKey, BuildSteps(opts, now)); err != nil {
		return fmt.Errorf("failed to init steps: %w", err)
	}
	return nil
}

type updateConfig struct {
	processed, total *int
	markCompleted    bool
}

// UpdateOption adjusts a single Update call
type UpdateOption func(*updateConfig)

// WithItems records item counts on the progress and on the step
func WithItems(processed, total int) UpdateOption {
	return func(c *updateConfig) {
		c.processed = &processed
		c.total = &total
	}
}

// WithoutStepCompletion keeps the step active instead of completing it
func WithoutStepCompletion() UpdateOption {
	return func(c *updateConfig) { c.markCompleted = false }
}

// Update records a progress change. The percentage never decreases within a
// run. The completed and error steps end the run and clear the active run
// record.
func (t *Tracker) Update(ctx context.Context, step string, percentage int, message string, opts ...UpdateOption) error {
	cfg := updateConfig{markCompleted: true}
	for _, opt := range opts {
		opt(&cfg)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var state State
	if _, err := store.GetJSON(ctx, t.store, ProgressKey, &state); err != nil {
		return err
	}

	now := t.now().UTC()
	pct := percentage
	if pct > 100 {
		pct = 100
	}
	if pct < state.Percentage {
		pct = state.Percentage
	}
	if pct < 0 {
		pct = 0
	}

	if (step == StepMedia || step == StepPosts) && (state.CurrentStep != step || state.PhaseStartedAt == nil) {
		started := now
		state.PhaseStartedAt = &started
	}

	state.CurrentStep = step
	state.Percentage = pct
	state.Message = message
	state.LastUpdated = now
	state.IsStale = false
	if state.StartedAt.IsZero() {
		state.StartedAt = now
	}
	if label := StepLabel(step); label != "" {
		state.CurrentPhaseName = label
	}
	if cfg.processed != nil {
		state.ItemsProcessed = max(0, *cfg.processed)
		state.ItemsTotal = max(0, *cfg.total)
	}

	switch step {
	case StepCompleted:
		state.Status = StatusCompleted
		state.CurrentPhaseStatus = string(StepDone)
		state.CompletedAt = &now
	case StepError:
		state.Status = StatusError
		state.CurrentPhaseStatus = string(StepFailed)
		state.CompletedAt = &now
	default:
		state.Status = StatusRunning
		state.CurrentPhaseStatus = string(StepActive)
	}

	if err := store.SetJSON(ctx, t.store, ProgressKey, state); err != nil {
		return fmt.Errorf("failed to save progress: %w", err)
	}

	if step == StepCompleted || step == StepError {
		if err := t.runs.Clear(ctx); err != nil {
			return err
		}
	}

	// Batched steps only complete once the whole run reaches 100%.
	finished := cfg.markCompleted
	if (step == StepMedia || step == StepPosts) && pct < 100 {
		finished = false
	}

	var steps Steps
	found, err := store.GetJSON(ctx, t.store, StepsKey, &steps)
	if err != nil {
		return err
	}
	if !found || len(steps) == 0 {
		return nil
	}
	steps = steps.apply(step, finished, now)
	if cfg.processed != nil {
		steps.setItems(step, state.ItemsProcessed, state.ItemsTotal)
	}
	if err := store.SetJSON(ctx, t.store, StepsKey, steps); err != nil {
		return fmt.Errorf("failed to save steps: %w", err)
	}
	return nil
}

// TouchHeartbeat refreshes last_updated of a live run so slow but alive work
// is not reported as stale.
func (t *Tracker) TouchHeartbeat(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var state State
	found, err := store.GetJSON(ctx, t.store, ProgressKey, &state)
	if err != nil || !found || !state.Status.IsLive() {
		return err
	}
	state.LastUpdated = t.now().UTC()
	state.IsStale = false
	return store.SetJSON(ctx, t.store, ProgressKey, state)
}

// Heartbeat is TouchHeartbeat with errors logged instead of returned
func (t *Tracker) Heartbeat(ctx context.Context) {
	if err := t.TouchHeartbeat(ctx); err != nil {
		t.logger.Debug("Heartbeat failed", zap.Error(err))
	}
}

// Progress returns the progress record with staleness derived from
// last_updated. The stale status is never written back.
func (t *Tracker) Progress(ctx context.Context) (State, error) {
	var state State
	found, err := store.GetJSON(ctx, t.store, ProgressKey, &state)
	if err != nil {
		return State{}, err
	}
	if !found {
		return State{Status: StatusIdle}, nil
	}

	if state.LastUpdated.IsZero() {
		state.LastUpdated = state.StartedAt
	}
	state.IsStale = false
	if state.Status.IsLive() && !state.LastUpdated.IsZero() && t.now().Sub(state.LastUpdated) >= t.staleTTL {
		state.IsStale = true
		state.Status = StatusStale
	}
	return state, nil
}

// Steps returns the step list of the current run
func (t *Tracker) Steps(ctx context.Context) (Steps, error) {
	var steps Steps
	if _, err := store.GetJSON(ctx, t.store, StepsKey, &steps); err != nil {
		return nil, err
	}
	return steps, nil
}

// IsComplete reports whether the current run has completed
func (t *Tracker) IsComplete(ctx context.Context) (bool, error) {
	state, err := t.Progress(ctx)
	if err != nil {
		return false, err
	}
	return state.Status == StatusCompleted, nil
}

// MarkStatsCompleted records the completion of a run in the stats document
func (t *Tracker) MarkStatsCompleted(ctx context.Context) error {
	stats := Stats{LastMigration: t.now().UTC(), Status: string(StatusCompleted)}
	return store.SetJSON(ctx, t.store, StatsKey, stats)
}

// Stats returns the stats document
func (t *Tracker) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	_, err := store.GetJSON(ctx, t.store, StatsKey, &stats)
	return stats, err
}

// Reset removes progress and steps
func (t *Tracker) Reset(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.store.Delete(ctx, ProgressKey); err != nil {
		return err
	}
	return t.store.Delete(ctx, StepsKey)
}
