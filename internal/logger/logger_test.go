package logger

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewWithWriter(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWithWriter("WARN", "", &buf)
	require.NoError(t, err)

	log.Info("dropped")
	log.Warn("kept", zap.String("migration_id", "abc"))
	require.NoError(t, log.Sync())

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "kept", entry["msg"])
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "abc", entry["migration_id"])
	assert.Contains(t, entry, "ts")
}

func TestNewWithWriter_File(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "sitemigrate.log")
	log, err := NewWithWriter("", path, &buf)
	require.NoError(t, err)

	log.Info("to both")
	require.NoError(t, log.Sync())
	assert.FileExists(t, path)
	assert.Contains(t, buf.String(), "to both")
}

func TestParseLevel(t *testing.T) {
	_, err := NewWithWriter("loud", "", &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid log level "loud"`)
}
