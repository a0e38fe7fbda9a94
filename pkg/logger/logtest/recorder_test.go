package logtest

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	l := r.Logger()

	l.Warn("queue full", "owner_id", "u1")
	l.Info("synced")

	entries := r.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, slog.LevelWarn, entries[0].Level)
	assert.Equal(t, "u1", entries[0].Attrs["owner_id"])
	assert.Equal(t, 1, r.Count(slog.LevelWarn, "queue"))
	assert.Equal(t, 0, r.Count(slog.LevelError, "queue"))
}
