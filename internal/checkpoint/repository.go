package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sitemigrate/internal/store"
)

// Key is the document key of the installation's checkpoint
const Key = "migration_checkpoint"

// ErrNotFound is returned when no checkpoint exists for the migration id
var ErrNotFound = errors.New("checkpoint not found")

// Repository persists the single checkpoint document
type Repository struct {
	store store.Store
	now   func() time.Time
}

// NewRepository creates a checkpoint repository on top of s
func NewRepository(s store.Store) *Repository {
	return &Repository{store: s, now: time.Now}
}

// Get returns the stored checkpoint, or nil when none exists
func (r *Repository) Get(ctx context.Context) (*Checkpoint, error) {
	var cp Checkpoint
	found, err := store.GetJSON(ctx, r.store, Key, &cp)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if !found {
		return nil, nil
	}
	return &cp, nil
}

// Load returns the checkpoint for migrationID. A missing checkpoint or one
// belonging to another migration yields ErrNotFound.
func (r *Repository) Load(ctx context.Context, migrationID string) (*Checkpoint, error) {
	cp, err := r.Get(ctx)
	if err != nil {
		return nil, err
	}
	if cp == nil || migrationID == "" || cp.MigrationID != migrationID {
		return nil, ErrNotFound
	}
	return cp, nil
}

// Exists reports whether a checkpoint for migrationID is stored
func (r *Repository) Exists(ctx context.Context, migrationID string) (bool, error) {
	_, err := r.Load(ctx, migrationID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Save writes the checkpoint as one atomic document replace
func (r *Repository) Save(ctx context.Context, cp *Checkpoint) error {
	now := r.now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now

	if err := store.SetJSON(ctx, r.store, Key, cp); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// Delete removes the checkpoint
func (r *Repository) Delete(ctx context.Context) error {
	if err := r.store.Delete(ctx, Key); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}
