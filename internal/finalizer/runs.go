package finalizer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"sitemigrate/internal/store"
)

// RunsKey is the document key of the run history
const RunsKey = "migration_runs"

// DefaultRetention is how long run records are kept
const DefaultRetention = 10 * 24 * time.Hour

// Runs is the append-only history of run records, newest first
type Runs struct {
	mu        sync.Mutex
	store     store.Store
	retention time.Duration
	now       func() time.Time
}

func NewRuns(s store.Store, retention time.Duration) *Runs {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Runs{store: s, retention: retention, now: time.Now}
}

// SetClock overrides the time source used for retention
func (r *Runs) SetClock(now func() time.Time) { r.now = now }

// Save prepends record and drops records older than the retention window
func (r *Runs) Save(ctx context.Context, record *Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var records []Record
	if _, err := store.GetJSON(ctx, r.store, RunsKey, &records); err != nil {
		return err
	}

	cutoff := r.now().Add(-r.retention)
	kept := make([]Record, 0, len(records)+1)
	kept = append(kept, *record)
	for _, rec := range records {
		if rec.CompletedAt.Before(cutoff) {
			continue
		}
		kept = append(kept, rec)
	}

	if err := store.SetJSON(ctx, r.store, RunsKey, kept); err != nil {
		return fmt.Errorf("failed to save run record: %w", err)
	}
	return nil
}

// List returns up to limit records, newest first. A limit <= 0 returns all.
func (r *Runs) List(ctx context.Context, limit int) ([]Record, error) {
	var records []Record
	if _, err := store.GetJSON(ctx, r.store, RunsKey, &records); err != nil {
		return nil, err
	}
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// Get returns the newest record of migrationID, or nil
func (r *Runs) Get(ctx context.Context, migrationID string) (*Record, error) {
	records, err := r.List(ctx, 0)
	if err != nil {
		return nil, err
	}
	for i := range records {
		if records[i].MigrationID == migrationID {
			return &records[i], nil
		}
	}
	return nil, nil
}
