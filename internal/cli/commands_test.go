package cli

import (
	"bytes"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/fitsync/internal/agent"
	"example.com/fitsync/internal/auth"
	"example.com/fitsync/internal/backend"
	"example.com/fitsync/internal/backend/api"
	"example.com/fitsync/internal/backend/memory"
	"example.com/fitsync/internal/domain"
	"example.com/fitsync/internal/syncer"
)

// writeConfig points a fresh agent store at baseURL and returns the config
// path.
func writeConfig(t *testing.T, baseURL, token string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fitsync.yaml")
	body := fmt.Sprintf(`account_id: acct-1
store:
  path: %s
remote:
  base_url: %s
  token: %s
  max_retries: 0
  timeout: 2s
  probe_timeout: 1s
log:
  level: disabled
`, filepath.Join(dir, "agent.db"), baseURL, token)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func newBackend(t *testing.T) (string, string) {
	t.Helper()
	authCfg := auth.Config{Secret: "cli-test-secret-value", Issuer: "fitsync.test"}
	svc := backend.NewService(memory.NewRepository(), domain.DefaultRegistry(), backend.Options{}, zerolog.Nop())
	srv := httptest.NewServer(api.NewHandler(svc, zerolog.Nop()).Router(auth.NewMiddleware(authCfg, auth.SkipHealth), nil))
	t.Cleanup(srv.Close)

	token, err := auth.Issue(authCfg, "acct-1", []string{auth.ScopeSyncRead, auth.ScopeSyncWrite}, time.Hour)
	require.NoError(t, err)
	return srv.URL + "/v1", token
}

// execute runs one command line and decodes the JSON envelope's data into
// out when out is non-nil.
func execute(t *testing.T, configPath string, out any, args ...string) error {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"--config", configPath, "--format", "json"}, args...))

	err := cmd.Execute()
	if out != nil && buf.Len() > 0 {
		var resp struct {
			Status string          `json:"status"`
			Data   json.RawMessage `json:"data"`
		}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &resp), buf.String())
		require.Equal(t, "ok", resp.Status)
		require.NoError(t, json.Unmarshal(resp.Data, out))
	}
	return err
}

func TestRecordSyncAndInspect(t *testing.T) {
	baseURL, token := newBackend(t)
	cfg := writeConfig(t, baseURL, token)

	var created struct {
		Type    string `json:"type"`
		LocalID int64  `json:"localId"`
	}
	require.NoError(t, execute(t, cfg, &created, "add", "exercise", "--data", `{"name":"Deadlift","muscleGroup":"back"}`))
	assert.Equal(t, "exercise", created.Type)
	assert.Positive(t, created.LocalID)

	var queue []EntryView
	require.NoError(t, execute(t, cfg, &queue, "queue"))
	require.Len(t, queue, 1)
	assert.Equal(t, domain.OpCreate, queue[0].Operation)
	assert.Equal(t, created.LocalID, queue[0].LocalEntityID)

	var report syncer.Report
	require.NoError(t, execute(t, cfg, &report, "sync"))
	assert.Equal(t, syncer.OutcomeSuccess, report.Outcome)

	var rows []RowView
	require.NoError(t, execute(t, cfg, &rows, "list", "exercises"))
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].GlobalID)
	assert.Equal(t, "Deadlift", rows[0].Fields["name"])

	require.NoError(t, execute(t, cfg, nil, "update", "exercise", fmt.Sprint(created.LocalID), "--data", `{"name":"Romanian deadlift"}`))
	require.NoError(t, execute(t, cfg, &rows, "list", "exercise"))
	require.Len(t, rows, 1)
	assert.Equal(t, "Romanian deadlift", rows[0].Fields["name"])
	assert.Equal(t, "back", rows[0].Fields["muscleGroup"], "update keeps fields not in --data")

	require.NoError(t, execute(t, cfg, nil, "delete", "exercise", fmt.Sprint(created.LocalID)))
	require.NoError(t, execute(t, cfg, &queue, "queue"))
	require.Len(t, queue, 2)
	require.NoError(t, execute(t, cfg, &report, "sync"))
	assert.Equal(t, syncer.OutcomeSuccess, report.Outcome)

	var status agent.Status
	require.NoError(t, execute(t, cfg, &status, "status"))
	assert.Equal(t, "acct-1", status.AccountID)
	assert.True(t, status.Reachable)
	assert.Zero(t, status.QueueDepth)
	assert.False(t, status.Checkpoint.IsZero())

	var rejections []RejectionView
	require.NoError(t, execute(t, cfg, &rejections, "rejections"))
	assert.Empty(t, rejections)
}

func TestSyncFailsWhenRemoteIsDown(t *testing.T) {
	srv := httptest.NewServer(nil)
	baseURL := srv.URL + "/v1"
	srv.Close()
	cfg := writeConfig(t, baseURL, "token")

	require.NoError(t, execute(t, cfg, nil, "add", "exercise", "--data", `{"name":"Squat"}`))

	var report syncer.Report
	err := execute(t, cfg, &report, "sync")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Equal(t, syncer.OutcomeRetry, report.Outcome)

	var queue []EntryView
	require.NoError(t, execute(t, cfg, &queue, "queue"))
	assert.Len(t, queue, 1, "the mutation stays queued")

	var status agent.Status
	require.NoError(t, execute(t, cfg, &status, "status"))
	assert.False(t, status.Reachable)
	assert.Equal(t, 1, status.QueueDepth)
}

func TestRecordCommandErrors(t *testing.T) {
	baseURL, token := newBackend(t)
	cfg := writeConfig(t, baseURL, token)

	err := execute(t, cfg, nil, "add", "sandwich", "--data", `{}`)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "unknown entity type")

	err = execute(t, cfg, nil, "add", "exercise", "--data", `not json`)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	err = execute(t, cfg, nil, "add", "exercise", "--data", `{"muscleGroup":"legs"}`)
	require.Error(t, err, "name is required")
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	err = execute(t, cfg, nil, "delete", "exercise", "abc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid local id")

	err = execute(t, cfg, nil, "update", "exercise", "99", "--data", `{"name":"x"}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}
