package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	require.Equal(t, zerolog.DebugLevel, ParseLevel("DEBUG"))
	require.Equal(t, zerolog.WarnLevel, ParseLevel("warning"))
	require.Equal(t, zerolog.Disabled, ParseLevel("off"))
	require.Equal(t, zerolog.InfoLevel, ParseLevel("chatty"))
}

func TestInitWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "debug", Output: &buf})
	t.Cleanup(func() { Init(DefaultConfig()) })

	logger := With().Str("component", "test").Logger()
	logger.Debug().Int("n", 3).Msg("hello")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "hello", line["message"])
	require.Equal(t, "test", line["component"])
	require.Equal(t, "debug", line["level"])
}

func TestSlogHandlerGroupsAndAttrs(t *testing.T) {
	var buf bytes.Buffer
	zerolog.SetGlobalLevel(zerolog.TraceLevel)
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })

	logger := slog.New(NewSlogHandler(zerolog.New(&buf))).
		With("service", "monitor").
		WithGroup("supervisor")
	logger.Warn("service restarted", "attempt", 2, "err", errors.New("probe failed"))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "warn", line["level"])
	require.Equal(t, "service restarted", line["message"])
	require.EqualValues(t, 2, line["supervisor.attempt"])
	require.Equal(t, "probe failed", line["supervisor.err"])
}

func TestSlogHandlerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	h := NewSlogHandler(zerolog.New(&buf).Level(zerolog.WarnLevel))
	logger := slog.New(h)
	logger.Info("quiet")
	require.Zero(t, buf.Len())
}
