package logger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testMethod struct {
	fn    func(msg string, args ...any)
	level string
}

type testLogJSON struct {
	Level   string `json:"level"`
	Msg     string `json:"msg"`
	Message string `json:"message"`
	Owner   string `json:"owner_id"`
}

func methods(l Logger) []testMethod {
	return []testMethod{
		{fn: l.Error, level: "error"},
		{fn: l.Warn, level: "warn"},
		{fn: l.Info, level: "info"},
		{fn: l.Debug, level: "debug"},
	}
}

func TestSlogLogger(t *testing.T) {
	buffer := bytes.NewBuffer(nil)
	l := New(slog.NewJSONHandler(buffer, &slog.HandlerOptions{Level: slog.LevelDebug}))

	for _, m := range methods(l) {
		t.Run(fmt.Sprintf("testing %s", m.level), func(t *testing.T) {
			buffer.Reset()
			m.fn("synced owner", "owner_id", "u1")

			var got testLogJSON
			require.NoError(t, json.Unmarshal(buffer.Bytes(), &got))
			assert.Equal(t, "synced owner", got.Msg)
			assert.Equal(t, "u1", got.Owner)
			assert.Equal(t, strings.ToUpper(m.level), got.Level)
		})
	}
}

func TestZerologLogger(t *testing.T) {
	buffer := bytes.NewBuffer(nil)
	l := NewZerolog(zerolog.New(buffer).Level(zerolog.DebugLevel))

	for _, m := range methods(l) {
		t.Run(fmt.Sprintf("testing %s", m.level), func(t *testing.T) {
			buffer.Reset()
			m.fn("synced owner", "owner_id", "u1")

			var got testLogJSON
			require.NoError(t, json.Unmarshal(buffer.Bytes(), &got))
			assert.Equal(t, m.level, got.Level)
			assert.Equal(t, "synced owner", got.Message)
			assert.Equal(t, "u1", got.Owner)
		})
	}
}

func TestFromConfig(t *testing.T) {
	t.Run("zerolog filters below level", func(t *testing.T) {
		buffer := bytes.NewBuffer(nil)
		l, err := FromConfig("zerolog", "warn", buffer)
		require.NoError(t, err)

		l.Info("hidden")
		assert.Zero(t, buffer.Len())

		l.Warn("shown")
		assert.Contains(t, buffer.String(), "shown")
	})

	t.Run("text", func(t *testing.T) {
		buffer := bytes.NewBuffer(nil)
		l, err := FromConfig("text", "info", buffer)
		require.NoError(t, err)

		l.Info("hello", "k", "v")
		assert.Contains(t, buffer.String(), "msg=hello k=v")
	})

	t.Run("unknown format", func(t *testing.T) {
		_, err := FromConfig("xml", "info", bytes.NewBuffer(nil))
		assert.Error(t, err)
	})

	t.Run("unknown level", func(t *testing.T) {
		_, err := FromConfig("json", "loud", bytes.NewBuffer(nil))
		assert.Error(t, err)
	})
}

func TestOrDiscard(t *testing.T) {
	l := OrDiscard(nil)
	require.NotNil(t, l)
	l.Error("nothing happens")
}
