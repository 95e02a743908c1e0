// Package lock provides the per-migration batch lease.
//
// A lease is taken with an atomic create-if-absent on the lock key and is
// paired with a TTL-bearing expiry key. A lock whose expiry key is gone is
// considered abandoned and is cleared once before acquisition is retried.
package lock

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"sitemigrate/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultTTL is the lifetime of a lease that is never released
const DefaultTTL = 300 * time.Second

// ErrBatchLocked is returned when another caller holds the lease
var ErrBatchLocked = errors.New("batch_locked")

type lockValue struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

// Manager hands out leases keyed by migration id
type Manager struct {
	store  store.Store
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time

	mu   sync.Mutex
	held map[string]*Lease
}

// Option configures a Manager
type Option func(*Manager)

// WithTTL overrides DefaultTTL
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(s store.Store, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:  s,
		ttl:    DefaultTTL,
		logger: logger,
		now:    time.Now,
		held:   make(map[string]*Lease),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func lockKey(migrationID string) string   { return "batch_lock_" + migrationID }
func expiryKey(migrationID string) string { return "batch_lock_" + migrationID + "_expires" }

// Acquire takes the lease for migrationID without waiting. It returns
// ErrBatchLocked when the lease is held by someone else.
func (m *Manager) Acquire(ctx context.Context, migrationID string) (*Lease, error) {
	if migrationID == "" {
		return nil, fmt.Errorf("migration id is required")
	}

	token := uuid.NewString()
	deadline := m.now().Add(m.ttl)
	value, err := json.Marshal(lockValue{Token: token, ExpiresAt: deadline.Unix()})
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < 2; attempt++ {
		created, err := m.store.SetNX(ctx, lockKey(migrationID), value, m.ttl)
		if err != nil {
			return nil, fmt.Errorf("failed to create lock: %w", err)
		}
		if created {
			if err := m.store.Set(ctx, expiryKey(migrationID), []byte(fmt.Sprint(deadline.Unix())), m.ttl); err != nil {
				_ = m.store.Delete(ctx, lockKey(migrationID))
				return nil, fmt.Errorf("failed to write lock expiry: %w", err)
			}
			lease := &Lease{manager: m, migrationID: migrationID, token: token}
			m.mu.Lock()
			m.held[migrationID] = lease
			m.mu.Unlock()
			return lease, nil
		}

		if attempt > 0 {
			break
		}
		seen, stale, err := m.isStale(ctx, migrationID)
		if err != nil {
			return nil, err
		}
		if !stale {
			break
		}
		if err := m.clearStale(ctx, migrationID, seen); err != nil {
			return nil, err
		}
	}

	return nil, ErrBatchLocked
}

// isStale reports whether the held lock lost its expiry marker, together
// with the lock value it judged. A holder that has not written its marker
// yet is recognised by the deadline stored in the lock itself.
func (m *Manager) isStale(ctx context.Context, migrationID string) ([]byte, bool, error) {
	_, found, err := m.store.Get(ctx, expiryKey(migrationID))
	if err != nil {
		return nil, false, fmt.Errorf("failed to read lock expiry: %w", err)
	}
	if found {
		return nil, false, nil
	}

	raw, found, err := m.store.Get(ctx, lockKey(migrationID))
	if err != nil {
		return nil, false, fmt.Errorf("failed to read lock: %w", err)
	}
	if !found {
		return nil, true, nil
	}
	var v lockValue
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw, true, nil
	}
	return raw, m.now().Unix() >= v.ExpiresAt, nil
}

// clearStale deletes the lock only while it still holds the value that was
// judged stale, so a lease a contender took in the meantime survives.
func (m *Manager) clearStale(ctx context.Context, migrationID string, seen []byte) error {
	if seen == nil {
		return nil
	}
	raw, found, err := m.store.Get(ctx, lockKey(migrationID))
	if err != nil {
		return fmt.Errorf("failed to read lock: %w", err)
	}
	if !found || !bytes.Equal(raw, seen) {
		return nil
	}
	m.logger.Warn("Clearing stale batch lock", zap.String("migration_id", migrationID))
	if err := m.store.Delete(ctx, lockKey(migrationID)); err != nil {
		return fmt.Errorf("failed to clear stale lock: %w", err)
	}
	return nil
}

// ReleaseAll releases every lease held by this process. It is the exit
// hook run on SIGINT/SIGTERM.
func (m *Manager) ReleaseAll(ctx context.Context) {
	m.mu.Lock()
	leases := make([]*Lease, 0, len(m.held))
	for _, l := range m.held {
		leases = append(leases, l)
	}
	m.mu.Unlock()

	for _, l := range leases {
		if err := l.Release(ctx); err != nil {
			m.logger.Error("Failed to release batch lock on exit",
				zap.String("migration_id", l.migrationID),
				zap.Error(err))
		}
	}
}

// Held reports the number of leases held by this process
func (m *Manager) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.held)
}

func (m *Manager) forget(l *Lease) {
	m.mu.Lock()
	if cur, ok := m.held[l.migrationID]; ok && cur == l {
		delete(m.held, l.migrationID)
	}
	m.mu.Unlock()
}

// Lease is an acquired batch lock
type Lease struct {
	manager     *Manager
	migrationID string
	token       string

	once sync.Once
	err  error
}

// MigrationID returns the id the lease was taken for
func (l *Lease) MigrationID() string { return l.migrationID }

// Release gives the lease back. Releasing twice is a no-op, and a lock that
// has since been taken over by another holder is left alone.
func (l *Lease) Release(ctx context.Context) error {
	l.once.Do(func() {
		defer l.manager.forget(l)
		s := l.manager.store

		raw, found, err := s.Get(ctx, lockKey(l.migrationID))
		if err != nil {
			l.err = fmt.Errorf("failed to read lock: %w", err)
			return
		}
		if found {
			var v lockValue
			if json.Unmarshal(raw, &v) == nil && v.Token != l.token {
				return
			}
		}
		if err := s.Delete(ctx, lockKey(l.migrationID)); err != nil {
			l.err = fmt.Errorf("failed to delete lock: %w", err)
			return
		}
		if err := s.Delete(ctx, expiryKey(l.migrationID)); err != nil {
			l.err = fmt.Errorf("failed to delete lock expiry: %w", err)
		}
	})
	return l.err
}
