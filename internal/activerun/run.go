// Package activerun holds the single active migration record of an
// installation.
package activerun

import (
	"context"
	"fmt"
	"time"

	"sitemigrate/internal/store"
)

// Document keys of the active run record and its requeue counter
const (
	Key         = "active_migration"
	RequeuesKey = "active_migration_requeues"
)

// Mode describes how a run is driven
type Mode string

const (
	ModeHeadless Mode = "headless"
	ModeRequest  Mode = "request"
)

// Options are the user selected migration options
type Options struct {
	Categories       []string          `json:"categories,omitempty"`
	CategoryMappings map[string]string `json:"category_mappings,omitempty"`
	IncludeMedia     bool              `json:"include_media"`
}

// Run is the active migration
type Run struct {
	ID         string    `json:"migration_id"`
	Target     string    `json:"target"`
	Credential string    `json:"credential"`
	BatchSize  int       `json:"batch_size,omitempty"`
	Options    Options   `json:"options"`
	Mode       Mode      `json:"mode"`
	IssuedAt   time.Time `json:"issued_at,omitempty"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
	StartedAt  time.Time `json:"started_at"`
}

// CredentialExpired reports whether the run credential carries an expiry
// that has passed.
func (r *Run) CredentialExpired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Store persists the active run record
type Store struct {
	store store.Store
}

func NewStore(s store.Store) *Store {
	return &Store{store: s}
}

// Get returns the active run, or nil if none is recorded
func (s *Store) Get(ctx context.Context) (*Run, error) {
	var run Run
	found, err := store.GetJSON(ctx, s.store, Key, &run)
	if err != nil {
		return nil, fmt.Errorf("failed to load active run: %w", err)
	}
	if !found || run.ID == "" {
		return nil, nil
	}
	return &run, nil
}

// Save replaces the active run record
func (s *Store) Save(ctx context.Context, run *Run) error {
	if err := store.SetJSON(ctx, s.store, Key, run); err != nil {
		return fmt.Errorf("failed to save active run: %w", err)
	}
	return nil
}

// Clear removes the active run record
func (s *Store) Clear(ctx context.Context) error {
	if err := s.store.Delete(ctx, Key); err != nil {
		return fmt.Errorf("failed to clear active run: %w", err)
	}
	if err := s.store.Delete(ctx, RequeuesKey); err != nil {
		return fmt.Errorf("failed to clear requeue counter: %w", err)
	}
	return nil
}

type requeueCount struct {
	ID    string `json:"migration_id"`
	Count int    `json:"count"`
}

// CountRequeue increments the re-arm counter of a headless run and returns
// the new value. The counter lives beside the run record and never rewrites
// it, so a run cleared concurrently stays cleared.
func (s *Store) CountRequeue(ctx context.Context, migrationID string) (int, error) {
	n, err := s.Requeues(ctx, migrationID)
	if err != nil {
		return 0, err
	}
	n++
	if err := store.SetJSON(ctx, s.store, RequeuesKey, requeueCount{ID: migrationID, Count: n}); err != nil {
		return 0, fmt.Errorf("failed to save requeue counter: %w", err)
	}
	return n, nil
}

// Requeues returns how often migrationID re-armed itself
func (s *Store) Requeues(ctx context.Context, migrationID string) (int, error) {
	var c requeueCount
	if _, err := store.GetJSON(ctx, s.store, RequeuesKey, &c); err != nil {
		return 0, fmt.Errorf("failed to load requeue counter: %w", err)
	}
	if c.ID != migrationID {
		return 0, nil
	}
	return c.Count, nil
}
