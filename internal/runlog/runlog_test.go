package runlog

import (
	"context"
	"fmt"
	"testing"
	"time"

	"sitemigrate/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLog_AppendAndMirror(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := New(store.NewMemoryStore(), zap.New(core))
	ctx := context.Background()

	l.Info(ctx, "run-1", "Migration started", nil)
	l.Warning(ctx, "run-1", CodePostFailed, "Post 7 failed", map[string]any{"post_id": 7})
	l.Error(ctx, "run-1", CodeFatal, "Target unreachable", nil)

	entries, err := l.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, LevelInfo, entries[0].Level)
	assert.Equal(t, "W011: Post 7 failed", entries[1].String())
	assert.Equal(t, "Migration started", entries[0].String())

	require.Equal(t, 3, logs.Len())
	warn := logs.FilterMessage("Post 7 failed").All()
	require.Len(t, warn, 1)
	assert.Equal(t, zap.WarnLevel, warn[0].Level)
	assert.Equal(t, CodePostFailed, warn[0].ContextMap()["code"])
}

func TestLog_CapsEntries(t *testing.T) {
	l := New(store.NewMemoryStore(), zap.NewNop())
	ctx := context.Background()

	for i := 0; i < MaxEntries+20; i++ {
		l.Info(ctx, "run-1", fmt.Sprintf("entry %d", i), nil)
	}

	entries, err := l.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, MaxEntries)
	assert.Equal(t, "entry 20", entries[0].Message)
	assert.Equal(t, fmt.Sprintf("entry %d", MaxEntries+19), entries[len(entries)-1].Message)
}

func TestLog_Since(t *testing.T) {
	now := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	l := New(store.NewMemoryStore(), zap.NewNop())
	l.SetClock(func() time.Time { return now })
	ctx := context.Background()

	l.Warning(ctx, "old", CodeMediaFailed, "before the run", nil)
	start := now.Add(time.Minute)
	now = start
	l.Warning(ctx, "run-1", CodeRetryScheduled, "retrying", nil)
	l.Error(ctx, "run-1", CodePostSendFailed, "send failed", nil)
	now = now.Add(time.Second)
	l.Warning(ctx, "run-1", CodePostFailed, "gave up", nil)

	warnings, err := l.Since(ctx, start, LevelWarning)
	require.NoError(t, err)
	require.Len(t, warnings, 2)
	assert.Equal(t, CodeRetryScheduled, warnings[0].Code)
	assert.Equal(t, CodePostFailed, warnings[1].Code)

	errs, err := l.Since(ctx, start, LevelError)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, CodePostSendFailed, errs[0].Code)
}

func TestLog_Purge(t *testing.T) {
	l := New(store.NewMemoryStore(), zap.NewNop())
	ctx := context.Background()

	l.Info(ctx, "run-1", "hello", nil)
	require.NoError(t, l.Purge(ctx))

	entries, err := l.Entries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
