package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

type slogLine struct {
	Level   string `json:"level"`
	Msg     string `json:"msg"`
	Attempt int    `json:"attempt"`
}

func TestSlogHandlerLevels(t *testing.T) {
	buffer := bytes.NewBuffer([]byte{})

	// debug so that every method is emitted
	l := New(slog.NewJSONHandler(buffer, &slog.HandlerOptions{Level: slog.LevelDebug}))

	cases := []struct {
		fn    func(msg string, args ...any)
		level slog.Level
	}{
		{fn: l.Error, level: slog.LevelError},
		{fn: l.Warn, level: slog.LevelWarn},
		{fn: l.Info, level: slog.LevelInfo},
		{fn: l.Debug, level: slog.LevelDebug},
	}

	for _, c := range cases {
		t.Run(c.level.String(), func(t *testing.T) {
			buffer.Reset()
			c.fn("connection attempt failed", "attempt", 3)

			var line slogLine
			require.NoError(t, json.Unmarshal(buffer.Bytes(), &line))
			require.Equal(t, c.level.String(), line.Level)
			require.Equal(t, "connection attempt failed", line.Msg)
			require.Equal(t, 3, line.Attempt)
		})
	}
}

func TestFromSlog(t *testing.T) {
	buffer := bytes.NewBuffer([]byte{})
	l := FromSlog(slog.New(slog.NewTextHandler(buffer, nil)))

	l.Debug("not shown")
	require.Zero(t, buffer.Len())

	l.Info("shown", "key", "value")
	require.Contains(t, buffer.String(), "key=value")
}
