package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db      *sql.DB
	closed  atomic.Bool
	writeMu sync.Mutex
	now     func() time.Time
}

// NewSQLiteStore opens (or creates) the document database at dbPath
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(60000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(10 * time.Minute)

	store := &SQLiteStore{db: db, now: time.Now}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS documents (
		key TEXT NOT NULL PRIMARY KEY,
		value BLOB NOT NULL,
		expires_at INTEGER,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_documents_expires_at ON documents(expires_at);
	`

	_, err := s.db.Exec(query)
	return err
}

// Get retrieves a document, treating expired rows as absent
func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if s.closed.Load() {
		return nil, false, ErrClosed
	}

	var (
		value []byte
		found bool
	)
	err := s.retryOnBusy(ctx, func() error {
		var err error
		value, found, err = s.getInternal(ctx, key)
		return err
	})
	return value, found, err
}

func (s *SQLiteStore) getInternal(ctx context.Context, key string) ([]byte, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT value, expires_at FROM documents WHERE key = ?`, key)

	var value []byte
	var expiresAt sql.NullInt64
	err := row.Scan(&value, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	if expiresAt.Valid && expiresAt.Int64 <= s.now().UnixNano() {
		return nil, false, nil
	}
	return value, true, nil
}

// Set saves or replaces a document
func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if s.closed.Load() {
		return ErrClosed
	}

	// Serialize writes to avoid SQLITE_BUSY from multiple concurrent writers
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (key, value, expires_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
		`, key, value, s.expiry(ttl), s.now())
		return err
	})
}

// SetNX inserts the document only when no live row exists for key
func (s *SQLiteStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var created bool
	err := s.retryOnBusy(ctx, func() error {
		var err error
		created, err = s.setNXWithTransaction(ctx, key, value, ttl)
		return err
	})
	return created, err
}

func (s *SQLiteStore) setNXWithTransaction(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // This will be ignored if Commit() succeeds

	now := s.now()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM documents WHERE key = ? AND expires_at IS NOT NULL AND expires_at <= ?`,
		key, now.UnixNano()); err != nil {
		return false, fmt.Errorf("failed to purge expired key: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
	INSERT INTO documents (key, value, expires_at, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(key) DO NOTHING
	`, key, value, s.expiry(ttl), now)
	if err != nil {
		return false, fmt.Errorf("failed to execute insert: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return n == 1, nil
}

// Delete removes a document; deleting a missing key is not an error
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if s.closed.Load() {
		return ErrClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE key = ?`, key)
		return err
	})
}

func (s *SQLiteStore) expiry(ttl time.Duration) any {
	if ttl <= 0 {
		return nil
	}
	return s.now().Add(ttl).UnixNano()
}

// retryOnBusy retries the operation if SQLite is busy
func (s *SQLiteStore) retryOnBusy(ctx context.Context, operation func() error) error {
	maxRetries := 10
	baseDelay := 50 * time.Millisecond

	for attempt := 0; attempt < maxRetries; attempt++ {
		err := operation()
		if err == nil {
			return nil
		}

		if isSQLiteBusyError(err) && attempt < maxRetries-1 {
			// Wait with exponential backoff + jitter
			delay := baseDelay*time.Duration(1<<uint(attempt)) + time.Duration(attempt*10)*time.Millisecond
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}

		return err
	}

	return nil
}

// isSQLiteBusyError checks if the error is a SQLite busy error
func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	errorStr := err.Error()
	return strings.Contains(errorStr, "database is locked") ||
		strings.Contains(errorStr, "SQLITE_BUSY")
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}
