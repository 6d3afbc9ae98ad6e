package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"example.com/fitsync/internal/auth"
	"example.com/fitsync/internal/backend"
	"example.com/fitsync/internal/backend/memory"
	"example.com/fitsync/internal/domain"
)

var testAuth = auth.Config{Secret: "test-secret", Issuer: "fitsync.test"}

type apiHarness struct {
	server *httptest.Server
	token  string
}

func newHarness(t *testing.T, scopes ...string) *apiHarness {
	t.Helper()
	if len(scopes) == 0 {
		scopes = []string{auth.ScopeSyncRead, auth.ScopeSyncWrite}
	}
	svc := backend.NewService(memory.NewRepository(), domain.DefaultRegistry(), backend.Options{}, zerolog.Nop())
	h := NewHandler(svc, zerolog.Nop())
	srv := httptest.NewServer(h.Router(auth.NewMiddleware(testAuth, auth.SkipHealth), nil))
	t.Cleanup(srv.Close)

	token, err := auth.Issue(testAuth, "acct-1", scopes, time.Hour)
	require.NoError(t, err)
	return &apiHarness{server: srv, token: token}
}

func (h *apiHarness) do(t *testing.T, method, path, body string, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+h.token)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := h.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, raw
}

func decodeRecord(t *testing.T, raw []byte) domain.RemoteRecord {
	t.Helper()
	var rec domain.RemoteRecord
	require.NoError(t, json.Unmarshal(raw, &rec))
	return rec
}

func TestCreateAndReplay(t *testing.T) {
	h := newHarness(t)
	headers := map[string]string{headerIdempotencyKey: "op-1"}

	resp, raw := h.do(t, http.MethodPost, "/v1/exercises", `{"name":"Squat"}`, headers)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	first := decodeRecord(t, raw)
	require.NotZero(t, first.ID)
	require.Equal(t, "op-1", first.ClientRef)

	resp, raw = h.do(t, http.MethodPost, "/v1/exercises", `{"name":"Squat"}`, headers)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, first.ID, decodeRecord(t, raw).ID)
}

func TestCreateErrors(t *testing.T) {
	h := newHarness(t)

	resp, raw := h.do(t, http.MethodPost, "/v1/exercises", `{"notes":"no name"}`, nil)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	require.Contains(t, string(raw), `"validation_failed"`)

	resp, raw = h.do(t, http.MethodPost, "/v1/scheduledWorkouts", `{"weekScheduleId":77,"dayOfWeek":1}`, nil)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	require.Contains(t, string(raw), `"invalid_reference"`)

	resp, _ = h.do(t, http.MethodPost, "/v1/exercises", `{not json`, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPost, "/v1/unicorns", `{}`, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, raw = h.do(t, http.MethodPost, "/v1/exercises", `{"name":"Squat"}`, map[string]string{headerLastSync: "yesterday"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Contains(t, string(raw), headerLastSync)
}

func TestUpdateAndDelete(t *testing.T) {
	h := newHarness(t)
	_, raw := h.do(t, http.MethodPost, "/v1/exercises", `{"name":"Squat"}`, nil)
	rec := decodeRecord(t, raw)
	path := "/v1/exercises/" + jsonID(rec.ID)

	resp, raw := h.do(t, http.MethodPut, path, `{"name":"Front Squat"}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "Front Squat", decodeRecord(t, raw).Fields["name"])

	resp, _ = h.do(t, http.MethodDelete, path, "", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = h.do(t, http.MethodDelete, path, "", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPut, path, `{"name":"Again"}`, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = h.do(t, http.MethodDelete, "/v1/exercises/9999", "", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = h.do(t, http.MethodDelete, "/v1/exercises/abc", "", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListPagesWithCheckpoint(t *testing.T) {
	h := newHarness(t)
	for _, name := range []string{"A", "B", "C"} {
		resp, _ := h.do(t, http.MethodPost, "/v1/exercises", `{"name":"`+name+`"}`, nil)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp, raw := h.do(t, http.MethodGet, "/v1/exercises?offset=0&limit=2", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cp := domain.Checkpoint(resp.Header.Get(headerCheckpoint))
	_, err := cp.Time()
	require.NoError(t, err)
	require.False(t, cp.IsZero())

	var page domain.RemotePage
	require.NoError(t, json.Unmarshal(raw, &page))
	require.True(t, page.HasMore)
	require.Len(t, page.Data, 2)
	require.Less(t, page.Data[0].ID, page.Data[1].ID)

	resp, raw = h.do(t, http.MethodGet, "/v1/exercises?offset=2&limit=2", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(raw, &page))
	require.False(t, page.HasMore)
	require.Len(t, page.Data, 1)

	future := domain.CheckpointFromTime(time.Now().Add(time.Hour)).String()
	_, raw = h.do(t, http.MethodGet, "/v1/exercises?endDate="+future, "", nil)
	require.NoError(t, json.Unmarshal(raw, &page))
	require.Empty(t, page.Data)

	resp, _ = h.do(t, http.MethodGet, "/v1/exercises?limit=-1", "", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = h.do(t, http.MethodGet, "/v1/exercises?startDate=soon", "", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAuthAndScopes(t *testing.T) {
	h := newHarness(t, auth.ScopeSyncRead)

	resp, _ := h.do(t, http.MethodPost, "/v1/exercises", `{"name":"Squat"}`, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = h.do(t, http.MethodGet, "/v1/exercises", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	h.token = "garbage"
	resp, _ = h.do(t, http.MethodGet, "/v1/exercises", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = h.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func jsonID(id int64) string {
	raw, _ := json.Marshal(id)
	return string(raw)
}
