package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadAgentDefaults(t *testing.T) {
	cfg, err := LoadAgent("")
	require.NoError(t, err)
	require.Equal(t, "local", cfg.AccountID)
	require.Equal(t, 15*time.Minute, cfg.Sync.Interval)
	require.True(t, cfg.Remote.IdempotentCreate)
	require.Equal(t, "info", cfg.Log.Level)
}

func TestLoadAgentLayersFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
account_id: alice
remote:
  base_url: https://sync.example.com/v1
  timeout: 3s
sync:
  interval: 5m
  page_size: 50
`), 0o600))

	t.Setenv("FITSYNC_SYNC__PAGE_SIZE", "25")
	t.Setenv("FITSYNC_REMOTE__IDEMPOTENT_CREATE", "false")
	t.Setenv("FITSYNC_LOG__LEVEL", "debug")

	cfg, err := LoadAgent(path)
	require.NoError(t, err)
	require.Equal(t, "alice", cfg.AccountID)
	require.Equal(t, "https://sync.example.com/v1", cfg.Remote.BaseURL)
	require.Equal(t, 3*time.Second, cfg.Remote.Timeout)
	require.Equal(t, 5*time.Minute, cfg.Sync.Interval)
	require.Equal(t, 25, cfg.Sync.PageSize)
	require.False(t, cfg.Remote.IdempotentCreate)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, 10, cfg.Sync.MaxAttempts, "untouched defaults survive")
}

func TestLoadAgentRejectsInvalid(t *testing.T) {
	t.Setenv("FITSYNC_REMOTE__BASE_URL", "not a url")
	_, err := LoadAgent("")
	require.Error(t, err)
}

func TestLoadAgentMissingFile(t *testing.T) {
	_, err := LoadAgent(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadServerSplitsBrokers(t *testing.T) {
	t.Setenv("SYNCSERVER_STORAGE__DRIVER", "postgres")
	t.Setenv("SYNCSERVER_STORAGE__POSTGRES_URL", "postgres://u:p@localhost:5432/fitsync")
	t.Setenv("SYNCSERVER_KAFKA__BROKERS", "k1:9092, k2:9092,")

	cfg, err := LoadServer("")
	require.NoError(t, err)
	require.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	require.Equal(t, "fitsync.changes", cfg.Kafka.Topic)
}

func TestLoadServerRequiresPostgresURL(t *testing.T) {
	t.Setenv("SYNCSERVER_STORAGE__DRIVER", "postgres")
	_, err := LoadServer("")
	require.Error(t, err)
}
