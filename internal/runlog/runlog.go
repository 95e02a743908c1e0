// Package runlog keeps the coded migration log that run summaries are built
// from. Entries are mirrored to the structured logger.
package runlog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"sitemigrate/internal/store"

	"go.uber.org/zap"
)

// Key is the document key of the migration log
const Key = "migration_log"

// MaxEntries caps the stored log; the oldest entries are dropped first.
const MaxEntries = 500

// Codes used by the engine
const (
	CodeRetryScheduled   = "W010"
	CodePostFailed       = "W011"
	CodeMediaFailed      = "W012"
	CodeValidationFailed = "E103"
	CodePostSendFailed   = "E107"
	CodeFatal            = "E201"
)

// Level of a log entry
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Entry is one migration log line
type Entry struct {
	Time        time.Time      `json:"time"`
	Level       Level          `json:"level"`
	Code        string         `json:"code,omitempty"`
	Message     string         `json:"message"`
	MigrationID string         `json:"migration_id,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
}

func (e Entry) String() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// Log appends entries to the store
type Log struct {
	mu     sync.Mutex
	store  store.Store
	logger *zap.Logger
	now    func() time.Time
}

func New(s store.Store, logger *zap.Logger) *Log {
	return &Log{store: s, logger: logger, now: time.Now}
}

// SetClock overrides the time source
func (l *Log) SetClock(now func() time.Time) { l.now = now }

// Info records an informational entry
func (l *Log) Info(ctx context.Context, migrationID, message string, fields map[string]any) {
	l.append(ctx, Entry{Level: LevelInfo, MigrationID: migrationID, Message: message, Context: fields})
}

// Warning records a coded warning
func (l *Log) Warning(ctx context.Context, migrationID, code, message string, fields map[string]any) {
	l.append(ctx, Entry{Level: LevelWarning, Code: code, MigrationID: migrationID, Message: message, Context: fields})
}

// Error records a coded error
func (l *Log) Error(ctx context.Context, migrationID, code, message string, fields map[string]any) {
	l.append(ctx, Entry{Level: LevelError, Code: code, MigrationID: migrationID, Message: message, Context: fields})
}

func (l *Log) append(ctx context.Context, e Entry) {
	e.Time = l.now().UTC()
	l.mirror(e)

	l.mu.Lock()
	defer l.mu.Unlock()

	var entries []Entry
	if _, err := store.GetJSON(ctx, l.store, Key, &entries); err != nil {
		l.logger.Warn("Failed to read migration log", zap.Error(err))
		entries = nil
	}
	entries = append(entries, e)
	if len(entries) > MaxEntries {
		entries = entries[len(entries)-MaxEntries:]
	}
	if err := store.SetJSON(ctx, l.store, Key, entries); err != nil {
		l.logger.Warn("Failed to write migration log", zap.Error(err))
	}
}

func (l *Log) mirror(e Entry) {
	fields := []zap.Field{zap.String("migration_id", e.MigrationID)}
	if e.Code != "" {
		fields = append(fields, zap.String("code", e.Code))
	}
	for k, v := range e.Context {
		fields = append(fields, zap.Any(k, v))
	}
	switch e.Level {
	case LevelError:
		l.logger.Error(e.Message, fields...)
	case LevelWarning:
		l.logger.Warn(e.Message, fields...)
	default:
		l.logger.Info(e.Message, fields...)
	}
}

// Entries returns all stored entries, oldest first
func (l *Log) Entries(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	if _, err := store.GetJSON(ctx, l.store, Key, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Since returns entries of the given level written at or after t
func (l *Log) Since(ctx context.Context, t time.Time, level Level) ([]Entry, error) {
	entries, err := l.Entries(ctx)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range entries {
		if e.Level == level && !e.Time.Before(t) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Purge deletes the stored log
func (l *Log) Purge(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.store.Delete(ctx, Key); err != nil {
		return fmt.Errorf("failed to purge migration log: %w", err)
	}
	return nil
}
