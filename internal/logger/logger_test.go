package logger

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, parseLevel("debug"))
	require.Equal(t, slog.LevelWarn, parseLevel("WARN"))
	require.Equal(t, slog.LevelWarn, parseLevel("warning"))
	require.Equal(t, slog.LevelError, parseLevel("error"))
	require.Equal(t, slog.LevelInfo, parseLevel(""))
	require.Equal(t, slog.LevelInfo, parseLevel("garbage"))
}

func TestNewSloggerFormats(t *testing.T) {
	for _, cfg := range []Config{
		{Level: "info", Format: "text"},
		{Level: "debug", Format: "text", Color: true},
		{Level: "warn", Format: "json"},
	} {
		log := cfg.NewSlogger()
		require.NotNil(t, log)
		log.Debug("debug line")
		log.Info("info line")
	}
}

func TestNewSloggerWithFile(t *testing.T) {
	path := t.TempDir() + "/flotilla.log"
	cfg := Config{Level: "info", Format: "json", File: FileConfig{Path: path}}
	log := cfg.NewSlogger()
	log.Info("written to file and stdout")
}
