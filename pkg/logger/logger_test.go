package logger_test

import (
	"bytes"
	"errors"
	"path/filepath"
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/tetherws/tether/pkg/logger"
)

func TestZerologToWriter(t *testing.T) {
	buff := bytes.NewBuffer([]byte{})
	templogger := logger.ZerologToWriter(buff, zerolog.DebugLevel)
	require.NotNil(t, templogger)
	require.Equal(t, 0, buff.Len())

	templogger.Info("Test", "attempt", 2, "error", errors.New("boom"))

	require.Contains(t, buff.String(), `"message":"Test"`)
	require.Contains(t, buff.String(), `"attempt":2`)
	require.Contains(t, buff.String(), `"error":"boom"`)
}

func TestZerologDanglingKey(t *testing.T) {
	buff := bytes.NewBuffer([]byte{})
	templogger := logger.ZerologToWriter(buff, zerolog.DebugLevel)

	templogger.Warn("odd", "lonely")

	require.Contains(t, buff.String(), `"!BADKEY":"lonely"`)
}

func TestZerologLevelFilter(t *testing.T) {
	buff := bytes.NewBuffer([]byte{})
	templogger := logger.ZerologToWriter(buff, zerolog.InfoLevel)

	templogger.Debug("hidden")
	require.Equal(t, 0, buff.Len())
}

func TestZerologToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tether.log")

	templogger, err := logger.ZerologToFile(path, zerolog.DebugLevel)
	require.NoError(t, err)
	templogger.Error("written")
	require.NoError(t, templogger.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "written")
}

func TestNop(t *testing.T) {
	l := logger.Nop()
	l.Error("x")
	l.Warn("x")
	l.Info("x")
	l.Debug("x")
}
